package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/metrics"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/risk"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
)

// Cycle 一次风险监控周期
type Cycle interface {
	RunCycle(ctx context.Context) (*risk.CycleResult, error)
}

// LevelSource 当前市场波动等级
type LevelSource interface {
	Level(ctx context.Context) string
}

// Refresher 风险因子自调参
type Refresher interface {
	Refresh(ctx context.Context) (*riskfactors.RefreshResult, error)
	ShouldRefresh(now time.Time) bool
}

// Intervals 各波动等级对应的监控间隔
type Intervals struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

// DefaultIntervals 高波动10分钟，中等30分钟，低波动1小时
func DefaultIntervals() Intervals {
	return Intervals{High: 10 * time.Minute, Medium: 30 * time.Minute, Low: time.Hour}
}

// IntervalForLevel 波动等级对应的间隔，未知等级按低波动处理
func IntervalForLevel(level string, in Intervals) time.Duration {
	switch level {
	case model.VolatilityHigh:
		return in.High
	case model.VolatilityMedium:
		return in.Medium
	default:
		return in.Low
	}
}

// Options 调度器配置
type Options struct {
	Intervals        Intervals
	RefreshSpec      string // 自调参 cron 表达式，默认每天一次
	RefreshOnStartup bool
	Metrics          *metrics.Metrics
}

// Scheduler 自适应调度：监控间隔随市场波动等级变化，外加每日自调参任务
type Scheduler struct {
	cron      *cron.Cron
	cycle     Cycle
	levels    LevelSource
	refresher Refresher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	intervals        Intervals
	refreshSpec      string
	refreshOnStartup bool

	mu       sync.Mutex
	ctx      context.Context
	tickID   cron.EntryID
	interval time.Duration
	now      func() time.Time
}

// New 创建调度器
func New(cycle Cycle, levels LevelSource, refresher Refresher, logger *zap.Logger, opts Options) *Scheduler {
	if opts.Intervals == (Intervals{}) {
		opts.Intervals = DefaultIntervals()
	}
	if opts.RefreshSpec == "" {
		opts.RefreshSpec = "@daily"
	}
	return &Scheduler{
		cron:             cron.New(cron.WithSeconds()),
		cycle:            cycle,
		levels:           levels,
		refresher:        refresher,
		metrics:          opts.Metrics,
		logger:           logger.With(zap.String("component", "scheduler")),
		intervals:        opts.Intervals,
		refreshSpec:      opts.RefreshSpec,
		refreshOnStartup: opts.RefreshOnStartup,
		ctx:              context.Background(),
		now:              time.Now,
	}
}

// Start 注册监控和自调参任务并启动，ctx 取消后新任务不再执行
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.refreshSpec, s.RunRefresh); err != nil {
		return fmt.Errorf("注册自调参任务失败: %w", err)
	}
	s.reschedule(s.levels.Level(ctx))

	if s.refreshOnStartup && s.refresher.ShouldRefresh(s.now()) {
		s.RunRefresh()
	}

	s.cron.Start()
	s.logger.Info("调度器已启动",
		zap.Duration("interval", s.Interval()),
		zap.String("refresh_spec", s.refreshSpec))
	return nil
}

// Stop 停止调度，返回的 context 在运行中的任务结束后关闭
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("调度器已停止")
	return ctx
}

// Interval 当前监控间隔
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Entries 已注册的 cron 任务数
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Tick 执行一次监控周期，然后按最新波动等级调整间隔
func (s *Scheduler) Tick() {
	ctx := s.context()
	if ctx.Err() != nil {
		return
	}

	result, err := s.cycle.RunCycle(ctx)
	switch {
	case err != nil:
		s.logger.Error("监控周期失败", zap.Error(err))
	case result.Skipped:
		s.logger.Debug("监控周期被跳过")
	}

	s.reschedule(s.levels.Level(ctx))
}

// RunRefresh 执行风险因子自调参，失败只记录日志
func (s *Scheduler) RunRefresh() {
	ctx := s.context()
	result, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.metrics.ObserveRefresh("error")
		s.logger.Error("风险因子自调参失败", zap.Error(err))
		return
	}
	s.metrics.ObserveRefresh("success")
	s.logger.Info("风险因子自调参完成",
		zap.Int("sectors_updated", len(result.SectorRatings)),
		zap.Strings("sectors_skipped", result.SkippedSectors),
		zap.Bool("vix_updated", result.VIXUpdated))
}

// reschedule 间隔变化时删除旧任务并按新间隔重新注册
func (s *Scheduler) reschedule(level string) {
	next := IntervalForLevel(level, s.intervals)

	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.interval && s.tickID != 0 {
		return
	}
	if s.tickID != 0 {
		s.cron.Remove(s.tickID)
	}
	previous := s.interval
	s.tickID = s.cron.Schedule(cron.Every(next), cron.FuncJob(s.Tick))
	s.interval = next
	s.metrics.SetTickInterval(next)

	s.logger.Info("调整监控间隔",
		zap.String("volatility_level", level),
		zap.Duration("previous", previous),
		zap.Duration("interval", next))
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
