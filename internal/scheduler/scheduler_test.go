package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/riskguard/internal/metrics"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/risk"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
)

type fakeCycle struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *fakeCycle) RunCycle(context.Context) (*risk.CycleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &risk.CycleResult{Processed: 1}, nil
}

type fakeLevels struct {
	mu    sync.Mutex
	level string
}

func (l *fakeLevels) Level(context.Context) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *fakeLevels) set(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

type fakeRefresher struct {
	due   bool
	calls int
	err   error
}

func (r *fakeRefresher) Refresh(context.Context) (*riskfactors.RefreshResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &riskfactors.RefreshResult{SectorRatings: map[string]float64{"Technology": 0.6}}, nil
}

func (r *fakeRefresher) ShouldRefresh(time.Time) bool { return r.due }

func TestIntervalForLevel(t *testing.T) {
	in := DefaultIntervals()
	assert.Equal(t, 600*time.Second, IntervalForLevel(model.VolatilityHigh, in))
	assert.Equal(t, 1800*time.Second, IntervalForLevel(model.VolatilityMedium, in))
	assert.Equal(t, 3600*time.Second, IntervalForLevel(model.VolatilityLow, in))
	assert.Equal(t, 3600*time.Second, IntervalForLevel("unknown", in))
	assert.Equal(t, 3600*time.Second, IntervalForLevel("", in))
}

func TestScheduler_AdaptsIntervalAfterTick(t *testing.T) {
	cycle := &fakeCycle{}
	levels := &fakeLevels{level: model.VolatilityLow}
	m := metrics.New(prometheus.NewRegistry())
	s := New(cycle, levels, &fakeRefresher{}, zaptest.NewLogger(t), Options{Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.Equal(t, time.Hour, s.Interval())
	assert.Equal(t, 2, s.Entries())
	assert.Equal(t, 3600.0, testutil.ToFloat64(m.TickInterval))

	levels.set(model.VolatilityHigh)
	s.Tick()
	assert.Equal(t, 1, cycle.calls)
	assert.Equal(t, 10*time.Minute, s.Interval())
	assert.Equal(t, 2, s.Entries(), "旧的监控任务应被替换")
	assert.Equal(t, 600.0, testutil.ToFloat64(m.TickInterval))

	s.Tick()
	assert.Equal(t, 10*time.Minute, s.Interval())
	assert.Equal(t, 2, s.Entries())
}

func TestScheduler_CycleErrorStillReschedules(t *testing.T) {
	cycle := &fakeCycle{err: errors.New("redis down")}
	levels := &fakeLevels{level: model.VolatilityMedium}
	s := New(cycle, levels, &fakeRefresher{}, zaptest.NewLogger(t), Options{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	levels.set(model.VolatilityLow)
	s.Tick()
	assert.Equal(t, time.Hour, s.Interval())
}

func TestScheduler_CancelledContextSkipsTick(t *testing.T) {
	cycle := &fakeCycle{}
	s := New(cycle, &fakeLevels{level: model.VolatilityLow}, &fakeRefresher{}, zaptest.NewLogger(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	cancel()
	s.Tick()
	assert.Zero(t, cycle.calls)
}

func TestScheduler_RefreshOnStartup(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	due := &fakeRefresher{due: true}
	s := New(&fakeCycle{}, &fakeLevels{level: model.VolatilityLow}, due, zaptest.NewLogger(t),
		Options{RefreshOnStartup: true, Metrics: m})
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Equal(t, 1, due.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryRefresh.WithLabelValues("success")))

	notDue := &fakeRefresher{}
	s = New(&fakeCycle{}, &fakeLevels{level: model.VolatilityLow}, notDue, zaptest.NewLogger(t),
		Options{RefreshOnStartup: true})
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Zero(t, notDue.calls)
}

func TestScheduler_RefreshFailureCounted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := &fakeRefresher{err: errors.New("no data")}
	s := New(&fakeCycle{}, &fakeLevels{}, r, zaptest.NewLogger(t), Options{Metrics: m})
	s.RunRefresh()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryRefresh.WithLabelValues("error")))
}

func TestScheduler_InvalidRefreshSpec(t *testing.T) {
	s := New(&fakeCycle{}, &fakeLevels{}, &fakeRefresher{}, zaptest.NewLogger(t), Options{RefreshSpec: "not a spec"})
	assert.Error(t, s.Start(context.Background()))
}
