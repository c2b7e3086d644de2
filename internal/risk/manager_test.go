package risk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/riskguard/internal/metrics"
	"github.com/life2you_mini/riskguard/internal/mocks"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/redis"
	"github.com/life2you_mini/riskguard/internal/trading"
)

// memQueue 内存版可靠队列
type memQueue struct {
	mu         sync.Mutex
	pending    []int64
	processing []int64
	queued     map[int64]bool
}

func newMemQueue() *memQueue {
	return &memQueue{queued: make(map[int64]bool)}
}

func (q *memQueue) Enqueue(_ context.Context, id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[id] {
		return false, nil
	}
	q.queued[id] = true
	q.pending = append(q.pending, id)
	return true, nil
}

func (q *memQueue) Claim(context.Context) (*redis.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.processing = append(q.processing, id)
	return &redis.QueueItem{PositionID: id}, nil
}

func (q *memQueue) Ack(_ context.Context, item *redis.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.processing {
		if id == item.PositionID {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			break
		}
	}
	delete(q.queued, item.PositionID)
	return nil
}

func (q *memQueue) Recover(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.processing)
	q.pending = append(q.pending, q.processing...)
	q.processing = nil
	return n, nil
}

func (q *memQueue) lengths() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.processing)
}

type fakeLease struct {
	held     bool
	released int
}

func (l *fakeLease) Acquire(context.Context) (bool, error) { return !l.held, nil }
func (l *fakeLease) Release(context.Context) (bool, error) {
	l.released++
	return true, nil
}

type memActionLog struct {
	mu      sync.Mutex
	entries []model.RiskActionLogEntry
}

func (l *memActionLog) Insert(_ context.Context, e *model.RiskActionLogEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, *e)
	return e.ID, nil
}

func (l *memActionLog) ListByPosition(_ context.Context, positionID int64, _ int) ([]model.RiskActionLogEntry, error) {
	var out []model.RiskActionLogEntry
	for _, e := range l.entries {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memActionLog) ListRange(_ context.Context, from, to time.Time) ([]model.RiskActionLogEntry, error) {
	var out []model.RiskActionLogEntry
	for _, e := range l.entries {
		if (from.IsZero() || !e.ActionTime.Before(from)) && e.ActionTime.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memActionLog) Latest(context.Context, int) ([]model.RiskActionLogEntry, error) {
	return l.entries, nil
}

// fakePositions 内存持仓管理器
type fakePositions struct {
	mu        sync.Mutex
	positions map[int64]*model.Position
	failStop  error
}

func newFakePositions(ps ...model.Position) *fakePositions {
	f := &fakePositions{positions: make(map[int64]*model.Position)}
	for i := range ps {
		p := ps[i]
		f.positions[p.ID] = &p
	}
	return f
}

func (f *fakePositions) get(id int64) (*model.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return nil, trading.ErrPositionNotFound
	}
	return p, nil
}

func (f *fakePositions) ClosePosition(_ context.Context, id int64, _ float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.get(id)
	if err != nil {
		return err
	}
	p.Status = model.StatusClosed
	p.PositionSize = 0
	return nil
}

func (f *fakePositions) ReducePosition(_ context.Context, id int64, percent float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.get(id)
	if err != nil {
		return err
	}
	p.PositionSize *= 1 - percent/100
	return nil
}

func (f *fakePositions) UpdateStopLoss(_ context.Context, id int64, price float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStop != nil {
		return f.failStop
	}
	p, err := f.get(id)
	if err != nil {
		return err
	}
	p.StopLoss = price
	return nil
}

func (f *fakePositions) GetStopLoss(_ context.Context, id int64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.get(id)
	if err != nil {
		return 0, err
	}
	return p.StopLoss, nil
}

func (f *fakePositions) GetPositionSize(_ context.Context, id int64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.get(id)
	if err != nil {
		return 0, err
	}
	return p.PositionSize, nil
}

func (f *fakePositions) ListOpenPositions(context.Context) ([]model.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Position
	for _, p := range f.positions {
		if p.Status != model.StatusClosed {
			out = append(out, *p)
		}
	}
	return out, nil
}

// stubAssessor 按持仓ID返回固定评分，panics/errs 中的ID分别触发panic和错误
type stubAssessor struct {
	scores map[int64]float64
	errs   map[int64]error
	panics map[int64]bool
	calls  int
}

func (s *stubAssessor) Assess(_ context.Context, p *model.Position, _ []model.Position) (*model.RiskAssessment, error) {
	s.calls++
	if s.panics[p.ID] {
		panic("boom")
	}
	if err := s.errs[p.ID]; err != nil {
		return nil, err
	}
	score := s.scores[p.ID]
	return &model.RiskAssessment{PositionID: p.ID, RiskScore: score, Details: map[string]float64{}}, nil
}

func openPosition(id int64) model.Position {
	return model.Position{
		ID: id, Symbol: "AAPL", Direction: model.DirectionLong,
		EntryPrice: 100, CurrentPrice: 110, PositionSize: 10, StopLoss: 100, Status: model.StatusOpen,
	}
}

type managerFixture struct {
	rm        *RiskManager
	positions *fakePositions
	queue     *memQueue
	lease     *fakeLease
	log       *memActionLog
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, assessor Assessor, ps ...model.Position) *managerFixture {
	t.Helper()
	f := &managerFixture{
		positions: newFakePositions(ps...),
		queue:     newMemQueue(),
		lease:     &fakeLease{},
		log:       &memActionLog{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.rm = NewRiskManager(f.positions, assessor, constVol(0.3), newRegistry(t), f.queue, f.lease, f.log,
		zaptest.NewLogger(t), ManagerOptions{Metrics: f.metrics})
	return f
}

func TestRunCycle_ActionTiers(t *testing.T) {
	assessor := &stubAssessor{scores: map[int64]float64{1: 20, 2: 35, 3: 60, 4: 80}}
	f := newFixture(t, assessor, openPosition(1), openPosition(2), openPosition(3), openPosition(4))

	result, err := f.rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 4, result.Enqueued)
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 3, result.Actions)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, f.lease.released)

	pending, processing := f.queue.lengths()
	assert.Zero(t, pending)
	assert.Zero(t, processing)

	byPosition := make(map[int64]model.RiskActionLogEntry)
	for _, e := range f.log.entries {
		byPosition[e.PositionID] = e
	}
	require.Len(t, byPosition, 4)

	none := byPosition[1]
	assert.Equal(t, model.ActionNone, none.ActionType)
	assert.Equal(t, model.ResultSkipped, *none.Result)
	assert.Equal(t, "Risk score 20.00 within tolerance", none.Reason)
	assert.Equal(t, 100.0, f.positions.positions[1].StopLoss)

	moderate := byPosition[2]
	assert.Equal(t, model.ActionAdjustStopLoss, moderate.ActionType)
	assert.Equal(t, model.ResultSuccess, *moderate.Result)
	assert.Equal(t, "Moderate risk score: 35.00", moderate.Reason)
	assert.Equal(t, 100.0, *moderate.PreviousStopLoss)
	assert.InDelta(t, 102, *moderate.NewStopLoss, 1e-9)
	assert.InDelta(t, 102, f.positions.positions[2].StopLoss, 1e-9)
	assert.InDelta(t, 0.3, *moderate.MarketVolatility, 1e-9)

	high := byPosition[3]
	assert.Equal(t, model.ActionReducePosition, high.ActionType)
	assert.Equal(t, 10.0, *high.PreviousPositionSize)
	assert.Equal(t, 5.0, *high.NewPositionSize)
	assert.InDelta(t, 104, *high.NewStopLoss, 1e-9)
	assert.Equal(t, 5.0, f.positions.positions[3].PositionSize)

	severe := byPosition[4]
	assert.Equal(t, model.ActionClosePosition, severe.ActionType)
	assert.Equal(t, "Severe risk score: 80.00", severe.Reason)
	assert.Equal(t, 0.0, *severe.NewPositionSize)
	assert.Equal(t, model.StatusClosed, f.positions.positions[4].Status)

	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Assessments))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Actions.WithLabelValues(model.ActionClosePosition, model.ResultSuccess)))
}

func TestRunCycle_MockedPositionManager(t *testing.T) {
	pm := new(mocks.MockPositionManager)
	short := model.Position{ID: 9, Symbol: "TSLA", Direction: model.DirectionShort, EntryPrice: 100, CurrentPrice: 90, PositionSize: 4, StopLoss: 100, Status: model.StatusOpen}
	pm.On("ListOpenPositions", mock.Anything).Return([]model.Position{short}, nil)
	pm.On("GetPositionSize", mock.Anything, int64(9)).Return(4.0, nil)
	pm.On("ReducePosition", mock.Anything, int64(9), 50.0, mock.MatchedBy(func(reason string) bool {
		return strings.HasPrefix(reason, "High risk score: 70")
	})).Return(nil)
	pm.On("GetStopLoss", mock.Anything, int64(9)).Return(100.0, nil)
	// 空仓止损只下移：90 + (100-90)*0.6 = 96
	pm.On("UpdateStopLoss", mock.Anything, int64(9), mock.MatchedBy(func(price float64) bool {
		return price > 95.999 && price < 96.001
	})).Return(nil)

	log := &memActionLog{}
	rm := NewRiskManager(pm, &stubAssessor{scores: map[int64]float64{9: 70}}, constVol(0.5), newRegistry(t),
		newMemQueue(), &fakeLease{}, log, zaptest.NewLogger(t), ManagerOptions{})

	result, err := rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Actions)
	pm.AssertExpectations(t)
	pm.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	require.Len(t, log.entries, 1)
	assert.Equal(t, 2.0, *log.entries[0].NewPositionSize)
}

func TestRunCycle_FailureIsolation(t *testing.T) {
	assessor := &stubAssessor{
		scores: map[int64]float64{1: 35, 2: 35, 3: 35},
		errs:   map[int64]error{1: errors.New("行情服务不可用")},
		panics: map[int64]bool{2: true},
	}
	f := newFixture(t, assessor, openPosition(1), openPosition(2), openPosition(3))

	result, err := f.rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, result.Actions)
	assert.Equal(t, 3, assessor.calls)

	results := make(map[int64]string)
	for _, e := range f.log.entries {
		results[e.PositionID] = *e.Result
	}
	assert.Equal(t, model.ResultError, results[1])
	assert.Equal(t, model.ResultError, results[2])
	assert.Equal(t, model.ResultSuccess, results[3])
	assert.InDelta(t, 102, f.positions.positions[3].StopLoss, 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ItemFailures))

	pending, processing := f.queue.lengths()
	assert.Zero(t, pending+processing)
}

func TestRunCycle_MitigationErrorRecorded(t *testing.T) {
	f := newFixture(t, &stubAssessor{scores: map[int64]float64{1: 40}}, openPosition(1))
	f.positions.failStop = errors.New("broker rejected")

	result, err := f.rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, f.log.entries, 1)
	entry := f.log.entries[0]
	assert.Equal(t, model.ActionAdjustStopLoss, entry.ActionType)
	assert.Equal(t, model.ResultError, *entry.Result)
	assert.True(t, strings.HasPrefix(entry.Reason, "Moderate risk score: 40.00; error:"), entry.Reason)
	assert.Contains(t, entry.Reason, "broker rejected")
}

func TestRunCycle_LeaseHeldSkips(t *testing.T) {
	assessor := &stubAssessor{scores: map[int64]float64{1: 90}}
	f := newFixture(t, assessor, openPosition(1))
	f.lease.held = true

	result, err := f.rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, assessor.calls)
	assert.Empty(t, f.log.entries)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CyclesSkipped.WithLabelValues("lease_held")))
}

func TestRunCycle_InProcessReentrySkips(t *testing.T) {
	assessor := &stubAssessor{scores: map[int64]float64{1: 90}}
	f := newFixture(t, assessor, openPosition(1))

	f.rm.running.Lock()
	result, err := f.rm.RunCycle(context.Background())
	f.rm.running.Unlock()
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, assessor.calls)
	assert.Zero(t, f.lease.released)
}

func TestRunCycle_BudgetExhaustedResumesNextCycle(t *testing.T) {
	assessor := &stubAssessor{scores: map[int64]float64{1: 10, 2: 10}}
	f := newFixture(t, assessor, openPosition(1), openPosition(2))
	f.rm.runBudget = 30 * time.Second

	clock := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	f.rm.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	first, err := f.rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, first.Exhausted)
	assert.Zero(t, first.Processed)
	pending, _ := f.queue.lengths()
	assert.Equal(t, 2, pending)

	f.rm.now = time.Now
	second, err := f.rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, second.Exhausted)
	assert.Equal(t, 2, second.Duplicates)
	assert.Zero(t, second.Enqueued)
	assert.Equal(t, 2, second.Processed)
}

func TestProcessQueue_RecoversInterruptedItems(t *testing.T) {
	assessor := &stubAssessor{scores: map[int64]float64{1: 10, 2: 10}}
	f := newFixture(t, assessor, openPosition(1), openPosition(2))

	// 模拟上次进程在处理中崩溃
	f.queue.queued[1] = true
	f.queue.processing = []int64{1}
	f.queue.queued[2] = true
	f.queue.pending = []int64{2}

	result, err := f.rm.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.QueueRecovered))
}

func TestProcessQueue_ClosedPositionAcked(t *testing.T) {
	assessor := &stubAssessor{}
	f := newFixture(t, assessor, openPosition(1))
	_, err := f.queue.Enqueue(context.Background(), 42)
	require.NoError(t, err)

	result, err := f.rm.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Zero(t, assessor.calls)
	assert.Empty(t, f.log.entries)
	pending, processing := f.queue.lengths()
	assert.Zero(t, pending+processing)
}

func TestRunCycle_LogWriteFailureDoesNotAbort(t *testing.T) {
	actionLog := new(mocks.MockActionLog)
	actionLog.On("Insert", mock.Anything, mock.Anything).Return(int64(0), errors.New("disk full"))

	m := metrics.New(prometheus.NewRegistry())
	positions := newFakePositions(openPosition(1), openPosition(2))
	rm := NewRiskManager(positions, &stubAssessor{scores: map[int64]float64{1: 35, 2: 35}}, constVol(0.1), newRegistry(t),
		newMemQueue(), &fakeLease{}, actionLog, zaptest.NewLogger(t), ManagerOptions{Metrics: m})

	result, err := rm.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Actions)
	assert.InDelta(t, 102, positions.positions[1].StopLoss, 1e-9)
	assert.InDelta(t, 102, positions.positions[2].StopLoss, 1e-9)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LogWriteErrors))
	actionLog.AssertNumberOfCalls(t, "Insert", 2)
}

func TestTightenStopLoss(t *testing.T) {
	tests := []struct {
		name      string
		direction string
		entry     float64
		current   float64
		stop      float64
		factor    float64
		want      float64
	}{
		{"多仓上移", model.DirectionLong, 100, 110, 100, 0.8, 102},
		{"多仓不下移", model.DirectionLong, 100, 110, 105, 0.8, 105},
		{"多仓未设置止损", model.DirectionLong, 100, 110, 0, 0.6, 104},
		{"空仓下移", model.DirectionShort, 100, 90, 100, 0.8, 98},
		{"空仓不上移", model.DirectionShort, 100, 90, 95, 0.8, 95},
		{"空仓未设置止损", model.DirectionShort, 100, 90, 0, 0.6, 96},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TightenStopLoss(tt.direction, tt.entry, tt.current, tt.stop, tt.factor)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTightenStopLoss_Monotonic(t *testing.T) {
	for stop := 1.0; stop < 200; stop += 7 {
		for current := 50.0; current < 150; current += 9 {
			long := TightenStopLoss(model.DirectionLong, 100, current, stop, 0.6)
			require.GreaterOrEqual(t, long, stop)
			short := TightenStopLoss(model.DirectionShort, 100, current, stop, 0.6)
			require.LessOrEqual(t, short, stop)
		}
	}
}

func TestParsePeriod(t *testing.T) {
	for in, want := range map[string]int{"": 30, "7": 7, "30d": 30, "90": 90, "all": 0, " ALL ": 0} {
		got, err := ParsePeriod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"14", "abc", "-7"} {
		_, err := ParsePeriod(in)
		assert.Error(t, err, in)
	}
}

func TestGeneratePerformanceReport(t *testing.T) {
	assessor := &stubAssessor{scores: map[int64]float64{1: 20, 2: 35, 3: 80}}
	f := newFixture(t, assessor, openPosition(1), openPosition(2), openPosition(3))

	_, err := f.rm.RunCycle(context.Background())
	require.NoError(t, err)

	// 窗口外的历史记录
	old := model.RiskActionLogEntry{PositionID: 7, ActionTime: time.Now().AddDate(0, 0, -40), ActionType: model.ActionClosePosition, RiskMetric: 99}
	_, err = f.log.Insert(context.Background(), &old)
	require.NoError(t, err)

	report, err := f.rm.GeneratePerformanceReport(context.Background(), "30")
	require.NoError(t, err)
	assert.Equal(t, "30d", report.Period)
	require.NotNil(t, report.From)
	assert.Equal(t, 3, report.TotalEvaluations)
	assert.Equal(t, 2, report.TotalActionsTaken)
	assert.Equal(t, 2, report.PositionsAffected)
	assert.Equal(t, 1, report.ActionCounts[model.ActionNone])
	assert.Equal(t, 1, report.ActionCounts[model.ActionAdjustStopLoss])
	assert.Equal(t, 1, report.ActionCounts[model.ActionClosePosition])
	assert.InDelta(t, 45, report.AverageRiskMetric, 1e-9)
	assert.Equal(t, 80.0, report.MaxRiskMetric)
	assert.InDelta(t, 0.3, report.AverageVolatility, 1e-9)
	assert.Nil(t, report.SavedLoss)

	all, err := f.rm.GeneratePerformanceReport(context.Background(), PeriodAll)
	require.NoError(t, err)
	assert.Nil(t, all.From)
	assert.Equal(t, 4, all.TotalEvaluations)
	assert.Equal(t, 99.0, all.MaxRiskMetric)

	_, err = f.rm.GeneratePerformanceReport(context.Background(), "14")
	assert.Error(t, err)
}
