package risk

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/metrics"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/redis"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
	"github.com/life2you_mini/riskguard/internal/storage"
	"github.com/life2you_mini/riskguard/internal/trading"
)

// 常量定义
const (
	// 单个任务处理超时
	riskTaskProcessTimeout = 15 * time.Second
	// 单次周期处理队列的默认时间预算
	defaultRunBudget = 5 * time.Minute
)

// Assessor 持仓风险评估
type Assessor interface {
	Assess(ctx context.Context, position *model.Position, portfolio []model.Position) (*model.RiskAssessment, error)
}

// Queue 持久化任务队列
type Queue interface {
	Enqueue(ctx context.Context, positionID int64) (bool, error)
	Claim(ctx context.Context) (*redis.QueueItem, error)
	Ack(ctx context.Context, item *redis.QueueItem) error
	Recover(ctx context.Context) (int, error)
}

// Lease 跨进程互斥租约
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
}

// ManagerOptions 风险管理器配置
type ManagerOptions struct {
	ItemTimeout time.Duration
	RunBudget   time.Duration
	Analyzer    OutcomeAnalyzer
	Metrics     *metrics.Metrics
}

// CycleResult 一次监控周期的统计
type CycleResult struct {
	Skipped    bool          `json:"skipped"`
	Enqueued   int           `json:"enqueued"`
	Duplicates int           `json:"duplicates"`
	Recovered  int           `json:"recovered"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Actions    int           `json:"actions"`
	Exhausted  bool          `json:"budget_exhausted"`
	Duration   time.Duration `json:"duration"`
}

// RiskManager 风险管理器：入队、逐个评估并执行处置
type RiskManager struct {
	positions  trading.PositionManager
	assessor   Assessor
	volatility VolatilitySource
	factors    FactorSource
	queue      Queue
	lease      Lease
	actionLog  storage.ActionLog
	analyzer   OutcomeAnalyzer
	metrics    *metrics.Metrics
	logger     *zap.Logger

	itemTimeout time.Duration
	runBudget   time.Duration
	now         func() time.Time

	// 防止同一进程内定时器重入
	running sync.Mutex
}

// NewRiskManager 创建新的风险管理器
func NewRiskManager(
	positions trading.PositionManager,
	assessor Assessor,
	volatility VolatilitySource,
	factors FactorSource,
	queue Queue,
	lease Lease,
	actionLog storage.ActionLog,
	logger *zap.Logger,
	opts ManagerOptions,
) *RiskManager {
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = riskTaskProcessTimeout
	}
	if opts.RunBudget <= 0 {
		opts.RunBudget = defaultRunBudget
	}
	if opts.Analyzer == nil {
		opts.Analyzer = NoopAnalyzer{}
	}
	return &RiskManager{
		positions:   positions,
		assessor:    assessor,
		volatility:  volatility,
		factors:     factors,
		queue:       queue,
		lease:       lease,
		actionLog:   actionLog,
		analyzer:    opts.Analyzer,
		metrics:     opts.Metrics,
		logger:      logger.With(zap.String("component", "risk_manager")),
		itemTimeout: opts.ItemTimeout,
		runBudget:   opts.RunBudget,
		now:         time.Now,
	}
}

// RunCycle 执行一次监控周期：获取租约，所有开放持仓入队，然后在时间预算内处理队列
// 租约被占用时什么都不做
func (rm *RiskManager) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := rm.now()
	result := &CycleResult{}

	release, ok, err := rm.enter(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		result.Skipped = true
		return result, nil
	}
	defer release()

	positions, err := rm.positions.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取开放持仓失败: %w", err)
	}

	for _, p := range positions {
		added, err := rm.queue.Enqueue(ctx, p.ID)
		if err != nil {
			rm.logger.Error("持仓入队失败", zap.Int64("position_id", p.ID), zap.Error(err))
			continue
		}
		if added {
			result.Enqueued++
		} else {
			result.Duplicates++
		}
	}

	if err := rm.processQueue(ctx, positions, result); err != nil {
		return result, err
	}

	result.Duration = rm.now().Sub(start)
	rm.metrics.ObserveCycle(result.Duration)
	rm.logger.Info("监控周期完成",
		zap.Int("open_positions", len(positions)),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("recovered", result.Recovered),
		zap.Int("processed", result.Processed),
		zap.Int("actions", result.Actions),
		zap.Int("failed", result.Failed),
		zap.Bool("budget_exhausted", result.Exhausted),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// ProcessQueue 只处理队列中已有的任务，不重新入队
func (rm *RiskManager) ProcessQueue(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{}
	release, ok, err := rm.enter(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		result.Skipped = true
		return result, nil
	}
	defer release()

	positions, err := rm.positions.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取开放持仓失败: %w", err)
	}
	if err := rm.processQueue(ctx, positions, result); err != nil {
		return result, err
	}
	return result, nil
}

// enter 获取进程内锁和跨进程租约
func (rm *RiskManager) enter(ctx context.Context) (func(), bool, error) {
	if !rm.running.TryLock() {
		rm.logger.Info("上一个监控周期仍在运行，跳过本次")
		rm.metrics.ObserveSkipped("in_process")
		return nil, false, nil
	}

	acquired, err := rm.lease.Acquire(ctx)
	if err != nil {
		rm.running.Unlock()
		return nil, false, err
	}
	if !acquired {
		rm.running.Unlock()
		rm.logger.Info("监控周期租约被占用，跳过本次")
		rm.metrics.ObserveSkipped("lease_held")
		return nil, false, nil
	}

	return func() {
		// 使用独立上下文，周期被取消后仍能释放租约
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := rm.lease.Release(releaseCtx); err != nil {
			rm.logger.Warn("释放监控周期租约失败", zap.Error(err))
		}
		rm.running.Unlock()
	}, true, nil
}

func (rm *RiskManager) processQueue(ctx context.Context, positions []model.Position, result *CycleResult) error {
	recovered, err := rm.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("恢复中断任务失败: %w", err)
	}
	if recovered > 0 {
		rm.logger.Info("恢复上次中断的任务", zap.Int("count", recovered))
		rm.metrics.ObserveRecovered(recovered)
	}
	result.Recovered = recovered

	byID := make(map[int64]*model.Position, len(positions))
	for i := range positions {
		byID[positions[i].ID] = &positions[i]
	}

	deadline := rm.now().Add(rm.runBudget)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !rm.now().Before(deadline) {
			result.Exhausted = true
			rm.logger.Info("本次周期时间预算已用完，剩余任务留待下次处理")
			return nil
		}

		item, err := rm.queue.Claim(ctx)
		if err != nil {
			rm.logger.Error("领取任务失败", zap.Error(err))
			return nil
		}
		if item == nil {
			return nil
		}

		entry := rm.handleItem(ctx, item, byID[item.PositionID], positions)
		if entry != nil {
			result.Processed++
			if entry.ActionType != model.ActionNone {
				result.Actions++
			}
			if entry.Result != nil && *entry.Result == model.ResultError {
				result.Failed++
			}
		}

		if err := rm.queue.Ack(ctx, item); err != nil {
			rm.logger.Error("确认任务失败", zap.Int64("position_id", item.PositionID), zap.Error(err))
		}
	}
}

// handleItem 处理单个任务，任何失败(包括panic)都记为 result=error 并返回
func (rm *RiskManager) handleItem(parent context.Context, item *redis.QueueItem, position *model.Position, portfolio []model.Position) (entry *model.RiskActionLogEntry) {
	ctx, cancel := context.WithTimeout(parent, rm.itemTimeout)
	defer cancel()

	if position == nil {
		rm.logger.Info("持仓已不再开放，跳过", zap.Int64("position_id", item.PositionID))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			rm.logger.Error("处理风险任务发生panic",
				zap.Int64("position_id", item.PositionID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			entry = rm.failure(position.ID, fmt.Errorf("panic: %v", r))
			rm.record(ctx, entry)
		}
	}()

	assessment, err := rm.assessor.Assess(ctx, position, portfolio)
	if err != nil {
		entry = rm.failure(position.ID, fmt.Errorf("风险评估失败: %w", err))
		rm.record(ctx, entry)
		return entry
	}
	rm.metrics.ObserveAssessment(assessment.RiskScore)

	vol := rm.volatility.Value(ctx)
	rm.metrics.SetVolatility(vol)

	entry = rm.mitigate(ctx, position, assessment, vol)
	rm.record(ctx, entry)
	return entry
}

// DecideAction 按评分选择处置档位，均为严格大于
func DecideAction(score float64, th riskfactors.PortfolioRisk) string {
	switch {
	case score <= th.ModerateRiskThreshold:
		return model.ActionNone
	case score > th.SevereRiskThreshold:
		return model.ActionClosePosition
	case score > th.HighRiskThreshold:
		return model.ActionReducePosition
	default:
		return model.ActionAdjustStopLoss
	}
}

// TightenStopLoss 按方向收紧止损，多仓只上移，空仓只下移，未设置(0)的止损直接取候选值
func TightenStopLoss(direction string, entry, current, stop, factor float64) float64 {
	if direction == model.DirectionShort {
		candidate := current + (entry-current)*factor
		if stop == 0 {
			return candidate
		}
		if candidate < stop {
			return candidate
		}
		return stop
	}

	candidate := current - (current-entry)*factor
	if stop == 0 {
		return candidate
	}
	if candidate > stop {
		return candidate
	}
	return stop
}

func (rm *RiskManager) mitigate(ctx context.Context, position *model.Position, assessment *model.RiskAssessment, vol float64) *model.RiskActionLogEntry {
	score := assessment.RiskScore
	response := rm.factors.RiskResponse()
	action := DecideAction(score, rm.factors.PortfolioRisk())

	entry := &model.RiskActionLogEntry{
		PositionID:       position.ID,
		ActionTime:       rm.now(),
		ActionType:       action,
		MarketVolatility: ptr(vol),
		RiskMetric:       score,
	}

	var err error
	switch action {
	case model.ActionClosePosition:
		entry.Reason = fmt.Sprintf("Severe risk score: %.2f", score)
		size := rm.currentSize(ctx, position)
		entry.PreviousPositionSize = ptr(size)
		if err = rm.positions.ClosePosition(ctx, position.ID, 100, entry.Reason); err == nil {
			entry.NewPositionSize = ptr(0.0)
		}

	case model.ActionReducePosition:
		entry.Reason = fmt.Sprintf("High risk score: %.2f", score)
		size := rm.currentSize(ctx, position)
		entry.PreviousPositionSize = ptr(size)
		if err = rm.positions.ReducePosition(ctx, position.ID, response.HighRiskPositionReductionPercent, entry.Reason); err != nil {
			break
		}
		entry.NewPositionSize = ptr(size * (1 - response.HighRiskPositionReductionPercent/100))
		err = rm.tighten(ctx, position, response.HighStopTighteningFactor, entry)

	case model.ActionAdjustStopLoss:
		entry.Reason = fmt.Sprintf("Moderate risk score: %.2f", score)
		err = rm.tighten(ctx, position, response.ModerateStopTighteningFactor, entry)

	default:
		entry.Reason = fmt.Sprintf("Risk score %.2f within tolerance", score)
		entry.Result = ptr(model.ResultSkipped)
		rm.metrics.ObserveAction(action, model.ResultSkipped)
		return entry
	}

	if err != nil {
		entry.Reason = fmt.Sprintf("%s; error: %v", entry.Reason, err)
		entry.Result = ptr(model.ResultError)
		rm.logger.Error("执行风险处置失败",
			zap.Int64("position_id", position.ID),
			zap.String("action", action),
			zap.Float64("risk_score", score),
			zap.Error(err))
	} else {
		entry.Result = ptr(model.ResultSuccess)
		rm.logger.Info("已执行风险处置",
			zap.Int64("position_id", position.ID),
			zap.String("symbol", position.Symbol),
			zap.String("action", action),
			zap.Float64("risk_score", score),
			zap.String("risk_level", assessment.RiskLevel))
	}
	rm.metrics.ObserveAction(action, *entry.Result)
	return entry
}

func (rm *RiskManager) tighten(ctx context.Context, position *model.Position, factor float64, entry *model.RiskActionLogEntry) error {
	stop, err := rm.positions.GetStopLoss(ctx, position.ID)
	if err != nil {
		return fmt.Errorf("获取止损失败: %w", err)
	}
	newStop := TightenStopLoss(position.Direction, position.EntryPrice, position.CurrentPrice, stop, factor)
	entry.PreviousStopLoss = ptr(stop)
	entry.NewStopLoss = ptr(newStop)
	if newStop == stop {
		return nil
	}
	if err := rm.positions.UpdateStopLoss(ctx, position.ID, newStop); err != nil {
		return fmt.Errorf("更新止损失败: %w", err)
	}
	return nil
}

func (rm *RiskManager) currentSize(ctx context.Context, position *model.Position) float64 {
	size, err := rm.positions.GetPositionSize(ctx, position.ID)
	if err != nil {
		rm.logger.Warn("获取持仓数量失败，使用快照值", zap.Int64("position_id", position.ID), zap.Error(err))
		return position.PositionSize
	}
	return size
}

func (rm *RiskManager) failure(positionID int64, err error) *model.RiskActionLogEntry {
	rm.logger.Error("处理风险任务失败", zap.Int64("position_id", positionID), zap.Error(err))
	rm.metrics.ObserveAction(model.ActionNone, model.ResultError)
	return &model.RiskActionLogEntry{
		PositionID: positionID,
		ActionTime: rm.now(),
		ActionType: model.ActionNone,
		Reason:     err.Error(),
		Result:     ptr(model.ResultError),
	}
}

// record 写入处置日志，失败只记录不影响处置结果
func (rm *RiskManager) record(ctx context.Context, entry *model.RiskActionLogEntry) {
	if rm.actionLog == nil {
		return
	}
	if _, err := rm.actionLog.Insert(ctx, entry); err != nil {
		// 任务上下文可能已超时，换一个短上下文再试一次
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			retryCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, retryErr := rm.actionLog.Insert(retryCtx, entry); retryErr == nil {
				return
			}
		}
		rm.metrics.ObserveLogWriteError()
		rm.logger.Error("写入处置日志失败",
			zap.Int64("position_id", entry.PositionID),
			zap.String("action", entry.ActionType),
			zap.Error(err))
	}
}

func ptr[T any](v T) *T {
	return &v
}
