package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/api"
	"github.com/life2you_mini/riskguard/internal/config"
	"github.com/life2you_mini/riskguard/internal/marketdata"
	"github.com/life2you_mini/riskguard/internal/metrics"
	"github.com/life2you_mini/riskguard/internal/monitor"
	_redisClient "github.com/life2you_mini/riskguard/internal/redis"
	"github.com/life2you_mini/riskguard/internal/risk"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
	"github.com/life2you_mini/riskguard/internal/scheduler"
	"github.com/life2you_mini/riskguard/internal/storage"
	"github.com/life2you_mini/riskguard/internal/trading"
)

const earningsDateLayout = "2006-01-02"

// RiskGuardService 风险监控服务，持有全部组件
type RiskGuardService struct {
	cfg    *config.Config
	logger *zap.Logger

	redisClient *_redisClient.StorageClient
	db          *sqlx.DB

	Registry   *riskfactors.Registry
	Volatility *monitor.VolatilityMonitor
	Calculator *risk.Calculator
	Manager    *risk.RiskManager
	Positions  *trading.SQLPositionManager
	ActionLog  *storage.SQLActionLog
	Queue      *_redisClient.QueueService

	metricsRegistry *prometheus.Registry
	scheduler       *scheduler.Scheduler
	api             *api.Server
}

// NewRiskGuardService 连接Redis和数据库，执行建表并加载风险因子
func NewRiskGuardService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RiskGuardService, error) {
	redisClient, err := _redisClient.NewStorageClient(ctx, _redisClient.ClientOptions{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, cfg.Redis.KeyPrefix, cfg.Monitor.QueueName)
	if err != nil {
		return nil, fmt.Errorf("初始化Redis客户端失败: %w", err)
	}

	db, err := storage.Open(ctx, storage.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		redisClient.Close()
		db.Close()
		return nil, err
	}

	s := &RiskGuardService{
		cfg:             cfg,
		logger:          logger,
		redisClient:     redisClient,
		db:              db,
		metricsRegistry: prometheus.NewRegistry(),
	}
	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *RiskGuardService) build(ctx context.Context) error {
	cfg := s.cfg
	queryTimeout := time.Duration(cfg.Database.QueryTimeoutSeconds) * time.Second

	m := metrics.New(s.metricsRegistry)
	s.metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	provider := marketdata.NewGuardedProvider(
		marketdata.NewSQLProvider(s.db, queryTimeout),
		marketdata.GuardOptions{
			RequestsPerSecond: cfg.MarketDataGuard.RequestsPerSecond,
			Burst:             cfg.MarketDataGuard.Burst,
			FailureThreshold:  cfg.MarketDataGuard.FailureThreshold,
			OpenTimeout:       time.Duration(cfg.MarketDataGuard.OpenTimeoutSeconds) * time.Second,
		},
		s.logger,
	)

	s.Registry = riskfactors.NewRegistry(s.redisClient.GetKVStore(), provider, s.logger,
		riskfactors.WithStoreKey(cfg.Monitor.FactorsKey),
		riskfactors.WithVIXSymbol(cfg.Market.VIXSymbol))
	if err := s.Registry.Load(ctx); err != nil {
		return fmt.Errorf("加载风险因子失败: %w", err)
	}

	s.Volatility = monitor.NewVolatilityMonitor(provider, s.Registry, s.logger, monitor.VolatilityOptions{
		VIXSymbol:    cfg.Market.VIXSymbol,
		IndexSymbols: cfg.Market.IndexSymbols,
		PrimaryIndex: cfg.Market.PrimaryIndex,
		SnapshotTTL:  time.Duration(cfg.Market.SnapshotTTLMinutes) * time.Minute,
	})

	earnings, err := earningsCalendar(cfg.Market.Earnings)
	if err != nil {
		return err
	}
	s.Calculator = risk.NewCalculator(provider, s.Volatility, s.Registry, s.logger, risk.CalculatorOptions{
		MarketProxy: cfg.Market.MarketProxy,
		Sectors:     sectorResolver(cfg.Market.DefaultSector, cfg.Market.Sectors),
		Earnings:    earnings,
	})

	s.Positions = trading.NewPositionManager(s.db, s.logger, queryTimeout)
	s.ActionLog = storage.NewSQLActionLog(s.db, queryTimeout)
	s.Queue = s.redisClient.GetQueueService()

	s.Manager = risk.NewRiskManager(
		s.Positions,
		s.Calculator,
		s.Volatility,
		s.Registry,
		s.Queue,
		s.redisClient.NewCycleLease(time.Duration(cfg.Monitor.LeaseTTLSeconds)*time.Second),
		s.ActionLog,
		s.logger,
		risk.ManagerOptions{
			ItemTimeout: time.Duration(cfg.Monitor.ItemTimeoutSeconds) * time.Second,
			RunBudget:   time.Duration(cfg.Monitor.RunBudgetSeconds) * time.Second,
			Metrics:     m,
		},
	)

	s.scheduler = scheduler.New(s.Manager, s.Volatility, s.Registry, s.logger, scheduler.Options{
		Intervals: scheduler.Intervals{
			High:   time.Duration(cfg.Scheduler.HighIntervalSeconds) * time.Second,
			Medium: time.Duration(cfg.Scheduler.MediumIntervalSeconds) * time.Second,
			Low:    time.Duration(cfg.Scheduler.LowIntervalSeconds) * time.Second,
		},
		RefreshSpec:      cfg.Scheduler.RefreshSpec,
		RefreshOnStartup: cfg.Scheduler.RefreshOnStartup,
		Metrics:          m,
	})

	if cfg.Metrics.Enabled {
		s.api = api.NewServer(cfg.Metrics.ListenAddr, api.Dependencies{
			Reports:    s.Manager,
			Volatility: s.Volatility,
			Factors:    s.Registry,
			ActionLog:  s.ActionLog,
			Queue:      s.Queue,
			Gatherer:   s.metricsRegistry,
			Checks: map[string]api.HealthCheck{
				"redis":    s.redisClient.Ping,
				"database": s.db.PingContext,
			},
		}, s.logger)
	}
	return nil
}

// Start 启动调度器和运维接口
func (s *RiskGuardService) Start(ctx context.Context) error {
	s.logger.Info("启动风险监控服务")
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	if s.api != nil {
		go func() {
			if err := s.api.Start(); err != nil {
				s.logger.Error("运维接口异常退出", zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop 停止调度并等待运行中的周期结束
func (s *RiskGuardService) Stop(ctx context.Context) error {
	s.logger.Info("停止风险监控服务")

	var stopErr error
	if s.api != nil {
		if err := s.api.Shutdown(ctx); err != nil {
			s.logger.Error("关闭运维接口失败", zap.Error(err))
			stopErr = err
		}
	}

	if s.scheduler != nil {
		select {
		case <-s.scheduler.Stop().Done():
		case <-ctx.Done():
			s.logger.Warn("等待监控周期结束超时")
			stopErr = ctx.Err()
		}
	}

	s.Close()
	return stopErr
}

// Close 关闭Redis和数据库连接
func (s *RiskGuardService) Close() {
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("关闭Redis连接失败", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("关闭数据库连接失败", zap.Error(err))
	}
}

// sectorResolver 配置中的股票代码统一转为大写
func sectorResolver(defaultSector string, sectors map[string]string) risk.StaticSectorResolver {
	normalized := make(map[string]string, len(sectors))
	for symbol, sector := range sectors {
		normalized[strings.ToUpper(symbol)] = sector
	}
	return risk.StaticSectorResolver{Default: defaultSector, Sectors: normalized}
}

func earningsCalendar(dates map[string]string) (risk.StaticEarningsCalendar, error) {
	calendar := make(risk.StaticEarningsCalendar, len(dates))
	for symbol, raw := range dates {
		date, err := time.Parse(earningsDateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("无效的财报日期 %s=%s: %w", symbol, raw, err)
		}
		calendar[strings.ToUpper(symbol)] = date
	}
	return calendar, nil
}
