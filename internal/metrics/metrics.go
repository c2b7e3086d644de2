package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskguard"

// Metrics 风险监控的Prometheus指标，方法对 nil 接收者安全
type Metrics struct {
	Assessments     prometheus.Counter
	Actions         *prometheus.CounterVec
	ItemFailures    prometheus.Counter
	LogWriteErrors  prometheus.Counter
	CyclesSkipped   *prometheus.CounterVec
	RiskScore       prometheus.Histogram
	CycleDuration   prometheus.Histogram
	Volatility      prometheus.Gauge
	TickInterval    prometheus.Gauge
	QueueRecovered  prometheus.Counter
	RegistryRefresh *prometheus.CounterVec
}

// New 在 reg 上注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Assessments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Total number of position risk assessments",
		}),
		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "actions_total",
			Help:      "Mitigation decisions by action type and result",
		}, []string{"action", "result"}),
		ItemFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "item_failures_total",
			Help:      "Queue items that failed during assessment or mitigation",
		}),
		LogWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "action_log_write_errors_total",
			Help:      "Failed writes to the action log",
		}),
		CyclesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "skipped_total",
			Help:      "Monitoring cycles skipped because another run was active",
		}, []string{"reason"}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "score",
			Help:      "Distribution of composite risk scores",
			Buckets:   []float64{10, 20, 25, 30, 40, 50, 60, 75, 90, 100},
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Duration of monitoring cycles",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		Volatility: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "volatility",
			Help:      "Current market volatility value (0-1)",
		}),
		TickInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_interval_seconds",
			Help:      "Current adaptive tick interval",
		}),
		QueueRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "recovered_total",
			Help:      "In-flight items moved back to pending after an interrupted run",
		}),
		RegistryRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "refresh_total",
			Help:      "Risk factor self-tune runs by result",
		}, []string{"result"}),
	}
}

// ObserveAssessment 记录一次评估
func (m *Metrics) ObserveAssessment(score float64) {
	if m == nil {
		return
	}
	m.Assessments.Inc()
	m.RiskScore.Observe(score)
}

// ObserveAction 记录一次处置决策
func (m *Metrics) ObserveAction(action, result string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(action, result).Inc()
	if result == "error" {
		m.ItemFailures.Inc()
	}
}

// ObserveLogWriteError 记录日志写入失败
func (m *Metrics) ObserveLogWriteError() {
	if m == nil {
		return
	}
	m.LogWriteErrors.Inc()
}

// ObserveCycle 记录周期耗时
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}

// ObserveSkipped 记录被跳过的周期
func (m *Metrics) ObserveSkipped(reason string) {
	if m == nil {
		return
	}
	m.CyclesSkipped.WithLabelValues(reason).Inc()
}

// ObserveRecovered 记录恢复的任务数
func (m *Metrics) ObserveRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueRecovered.Add(float64(n))
}

// SetVolatility 更新市场波动率
func (m *Metrics) SetVolatility(v float64) {
	if m == nil {
		return
	}
	m.Volatility.Set(v)
}

// SetTickInterval 更新当前调度间隔
func (m *Metrics) SetTickInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.TickInterval.Set(d.Seconds())
}

// ObserveRefresh 记录自调参结果
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.RegistryRefresh.WithLabelValues(result).Inc()
}
