package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，如 RISKGUARD_REDIS_HOST
const EnvPrefix = "RISKGUARD"

// Config 应用配置结构
type Config struct {
	System          SystemConfig          `mapstructure:"system" yaml:"system"`
	Redis           RedisConfig           `mapstructure:"redis" yaml:"redis"`
	Database        DatabaseConfig        `mapstructure:"database" yaml:"database"`
	Market          MarketConfig          `mapstructure:"market" yaml:"market"`
	Monitor         MonitorConfig         `mapstructure:"monitor" yaml:"monitor"`
	Scheduler       SchedulerConfig       `mapstructure:"scheduler" yaml:"scheduler"`
	Metrics         MetricsConfig         `mapstructure:"metrics" yaml:"metrics"`
	MarketDataGuard MarketDataGuardConfig `mapstructure:"market_data_guard" yaml:"market_data_guard"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"password"` // 建议通过 REDIS_PASSWORD 注入
	DB        int    `mapstructure:"db" yaml:"db"`
	PoolSize  int    `mapstructure:"pool_size" yaml:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// DatabaseConfig 关系库配置，driver 为 sqlite 或 postgres
type DatabaseConfig struct {
	Driver                 string `mapstructure:"driver" yaml:"driver"`
	DSN                    string `mapstructure:"dsn" yaml:"dsn"` // 建议通过 DATABASE_DSN 注入
	MaxOpenConns           int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `mapstructure:"conn_max_lifetime_minutes" yaml:"conn_max_lifetime_minutes"`
	QueryTimeoutSeconds    int    `mapstructure:"query_timeout_seconds" yaml:"query_timeout_seconds"`
}

// MarketConfig 行情相关配置
type MarketConfig struct {
	VIXSymbol          string            `mapstructure:"vix_symbol" yaml:"vix_symbol"`
	IndexSymbols       []string          `mapstructure:"index_symbols" yaml:"index_symbols"`
	PrimaryIndex       string            `mapstructure:"primary_index" yaml:"primary_index"`
	MarketProxy        string            `mapstructure:"market_proxy" yaml:"market_proxy"`
	DefaultSector      string            `mapstructure:"default_sector" yaml:"default_sector"`
	Sectors            map[string]string `mapstructure:"sectors" yaml:"sectors"`   // 股票 -> 板块
	Earnings           map[string]string `mapstructure:"earnings" yaml:"earnings"` // 股票 -> 财报日 YYYY-MM-DD
	SnapshotTTLMinutes int               `mapstructure:"snapshot_ttl_minutes" yaml:"snapshot_ttl_minutes"`
}

// MonitorConfig 风险监控配置
type MonitorConfig struct {
	QueueName          string `mapstructure:"queue_name" yaml:"queue_name"`
	RunBudgetSeconds   int    `mapstructure:"run_budget_seconds" yaml:"run_budget_seconds"`
	ItemTimeoutSeconds int    `mapstructure:"item_timeout_seconds" yaml:"item_timeout_seconds"`
	LeaseTTLSeconds    int    `mapstructure:"lease_ttl_seconds" yaml:"lease_ttl_seconds"`
	FactorsKey         string `mapstructure:"factors_key" yaml:"factors_key"`
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	HighIntervalSeconds   int    `mapstructure:"high_interval_seconds" yaml:"high_interval_seconds"`
	MediumIntervalSeconds int    `mapstructure:"medium_interval_seconds" yaml:"medium_interval_seconds"`
	LowIntervalSeconds    int    `mapstructure:"low_interval_seconds" yaml:"low_interval_seconds"`
	RefreshSpec           string `mapstructure:"refresh_spec" yaml:"refresh_spec"` // cron 表达式
	RefreshOnStartup      bool   `mapstructure:"refresh_on_startup" yaml:"refresh_on_startup"`
}

// MetricsConfig 运维接口配置
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// MarketDataGuardConfig 行情源限流与熔断配置
type MarketDataGuardConfig struct {
	RequestsPerSecond  float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst              int     `mapstructure:"burst" yaml:"burst"`
	FailureThreshold   uint32  `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	OpenTimeoutSeconds int     `mapstructure:"open_timeout_seconds" yaml:"open_timeout_seconds"`
}

// LoadConfig 从文件加载配置，文件中缺失的项使用默认值
func LoadConfig(filePath string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	defaults, err := toMap(GetDefaultConfig())
	if err != nil {
		return nil, err
	}
	for key, value := range flatten("", defaults) {
		v.SetDefault(key, value)
	}

	v.SetConfigFile(filePath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 绑定环境变量，如 RISKGUARD_MONITOR_RUN_BUDGET_SECONDS
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 敏感信息优先使用通用环境变量
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("redis.password", redisPassword)
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		v.Set("database.dsn", dsn)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

// LoadConfigFromYAML 直接用 yaml 解析配置，不处理默认值和环境变量
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("加载 %s 失败: %w", path, err)
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	if config.Redis.Host == "" {
		return fmt.Errorf("Redis主机不能为空")
	}
	if config.Redis.Port <= 0 || config.Redis.Port > 65535 {
		return fmt.Errorf("无效的Redis端口")
	}

	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", config.Database.Driver)
	}
	if config.Database.DSN == "" {
		return fmt.Errorf("数据库DSN不能为空")
	}

	if config.Market.VIXSymbol == "" || config.Market.PrimaryIndex == "" {
		return fmt.Errorf("VIX和主指数代码不能为空")
	}
	if len(config.Market.IndexSymbols) == 0 {
		return fmt.Errorf("至少需要配置一个指数")
	}

	if config.Monitor.QueueName == "" {
		return fmt.Errorf("队列名称不能为空")
	}
	if config.Monitor.RunBudgetSeconds <= 0 || config.Monitor.ItemTimeoutSeconds <= 0 {
		return fmt.Errorf("监控时间预算和单任务超时必须大于0")
	}
	// 预算末尾开始的任务还要再跑满单任务超时
	if config.Monitor.LeaseTTLSeconds <= config.Monitor.RunBudgetSeconds+config.Monitor.ItemTimeoutSeconds {
		return fmt.Errorf("租约有效期必须大于运行预算与单任务超时之和")
	}

	s := config.Scheduler
	if s.HighIntervalSeconds <= 0 || s.MediumIntervalSeconds <= 0 || s.LowIntervalSeconds <= 0 {
		return fmt.Errorf("调度间隔必须大于0")
	}
	if !(s.HighIntervalSeconds <= s.MediumIntervalSeconds && s.MediumIntervalSeconds <= s.LowIntervalSeconds) {
		return fmt.Errorf("调度间隔应满足 high <= medium <= low")
	}
	if s.RefreshSpec == "" {
		return fmt.Errorf("自调参调度表达式不能为空")
	}

	if config.Metrics.Enabled && config.Metrics.ListenAddr == "" {
		return fmt.Errorf("启用运维接口时监听地址不能为空")
	}
	if config.MarketDataGuard.RequestsPerSecond < 0 {
		return fmt.Errorf("行情限流速率不能为负数")
	}
	return nil
}

// GetDefaultConfig 获取默认配置（用于生成示例配置）
func GetDefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel: "INFO",
			LogDir:   "./logs",
			LogFile:  "riskguard",
			DataDir:  "./data",
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "riskguard:",
		},
		Database: DatabaseConfig{
			Driver:                 "sqlite",
			DSN:                    "./data/riskguard.db",
			MaxOpenConns:           10,
			MaxIdleConns:           5,
			ConnMaxLifetimeMinutes: 30,
			QueryTimeoutSeconds:    5,
		},
		Market: MarketConfig{
			VIXSymbol:          "^VIX",
			IndexSymbols:       []string{"SPY", "QQQ", "DIA", "IWM"},
			PrimaryIndex:       "SPY",
			MarketProxy:        "SPY",
			DefaultSector:      "Technology",
			Sectors:            map[string]string{},
			Earnings:           map[string]string{},
			SnapshotTTLMinutes: 30,
		},
		Monitor: MonitorConfig{
			QueueName:          "risk_monitoring",
			RunBudgetSeconds:   300,
			ItemTimeoutSeconds: 15,
			LeaseTTLSeconds:    360,
			FactorsKey:         "risk_factors:config",
		},
		Scheduler: SchedulerConfig{
			HighIntervalSeconds:   600,
			MediumIntervalSeconds: 1800,
			LowIntervalSeconds:    3600,
			RefreshSpec:           "@daily",
			RefreshOnStartup:      true,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9090",
		},
		MarketDataGuard: MarketDataGuardConfig{
			RequestsPerSecond:  5,
			Burst:              10,
			FailureThreshold:   5,
			OpenTimeoutSeconds: 60,
		},
	}
}

// SaveConfigToFile 将配置保存到文件，不写入Redis密码
func SaveConfigToFile(config *Config, filePath string) error {
	sanitized := *config
	sanitized.Redis.Password = ""

	configMap, err := toMap(&sanitized)
	if err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(filePath)
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("合并配置失败: %w", err)
	}
	return v.WriteConfigAs(filePath)
}

// toMap 通过 yaml 标签把配置转换为嵌套 map
func toMap(config *Config) (map[string]interface{}, error) {
	raw, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("转换配置失败: %w", err)
	}
	return out, nil
}

// flatten 展开为 viper 使用的点分键
func flatten(prefix string, m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
