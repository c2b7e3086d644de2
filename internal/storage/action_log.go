package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/life2you_mini/riskguard/internal/model"
)

const actionColumns = `id, position_id, action_time, action_type, previous_stop_loss, new_stop_loss,
	previous_position_size, new_position_size, market_volatility, risk_metric, reason, result`

// SQLActionLog 基于 risk_monitor_actions 表的处置日志
type SQLActionLog struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSQLActionLog 创建处置日志存储
func NewSQLActionLog(db *sqlx.DB, timeout time.Duration) *SQLActionLog {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SQLActionLog{db: db, timeout: timeout}
}

// Insert 追加一条日志，数值按列精度四舍五入
func (l *SQLActionLog) Insert(ctx context.Context, entry *model.RiskActionLogEntry) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := l.db.Rebind(`INSERT INTO risk_monitor_actions (
		position_id, action_time, action_type, previous_stop_loss, new_stop_loss,
		previous_position_size, new_position_size, market_volatility, risk_metric, reason, result
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := l.db.QueryRowxContext(ctx, query,
		entry.PositionID,
		entry.ActionTime.UTC(),
		entry.ActionType,
		roundPtr(entry.PreviousStopLoss, 2),
		roundPtr(entry.NewStopLoss, 2),
		roundPtr(entry.PreviousPositionSize, 2),
		roundPtr(entry.NewPositionSize, 2),
		roundPtr(entry.MarketVolatility, 2),
		round(entry.RiskMetric, 4),
		entry.Reason,
		entry.Result,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("写入处置日志失败: %w", err)
	}
	entry.ID = id
	return id, nil
}

// ListByPosition 某个持仓的最近日志，最新在前
func (l *SQLActionLog) ListByPosition(ctx context.Context, positionID int64, limit int) ([]model.RiskActionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := l.db.Rebind(`SELECT ` + actionColumns + ` FROM risk_monitor_actions
		WHERE position_id = ? ORDER BY action_time DESC, id DESC LIMIT ?`)

	var entries []model.RiskActionLogEntry
	if err := l.db.SelectContext(ctx, &entries, query, positionID, normalizeLimit(limit)); err != nil {
		return nil, fmt.Errorf("查询持仓处置日志失败: %w", err)
	}
	return entries, nil
}

// ListRange 时间窗口内的日志，按时间正序
func (l *SQLActionLog) ListRange(ctx context.Context, from, to time.Time) ([]model.RiskActionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var (
		query string
		args  []interface{}
	)
	if from.IsZero() {
		query = `SELECT ` + actionColumns + ` FROM risk_monitor_actions
			WHERE action_time < ? ORDER BY action_time ASC, id ASC`
		args = []interface{}{to.UTC()}
	} else {
		query = `SELECT ` + actionColumns + ` FROM risk_monitor_actions
			WHERE action_time >= ? AND action_time < ? ORDER BY action_time ASC, id ASC`
		args = []interface{}{from.UTC(), to.UTC()}
	}

	var entries []model.RiskActionLogEntry
	if err := l.db.SelectContext(ctx, &entries, l.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询处置日志失败: %w", err)
	}
	return entries, nil
}

// Latest 最近 limit 条日志，最新在前
func (l *SQLActionLog) Latest(ctx context.Context, limit int) ([]model.RiskActionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := l.db.Rebind(`SELECT ` + actionColumns + ` FROM risk_monitor_actions
		ORDER BY action_time DESC, id DESC LIMIT ?`)

	var entries []model.RiskActionLogEntry
	if err := l.db.SelectContext(ctx, &entries, query, normalizeLimit(limit)); err != nil {
		return nil, fmt.Errorf("查询最近处置日志失败: %w", err)
	}
	return entries, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func roundPtr(v *float64, places int32) *float64 {
	if v == nil {
		return nil
	}
	r := round(*v, places)
	return &r
}
