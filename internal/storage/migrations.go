package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol VARCHAR(20) NOT NULL,
		direction VARCHAR(10) NOT NULL,
		entry_price DECIMAL(10,2) NOT NULL,
		current_price DECIMAL(10,2) NOT NULL,
		position_size DECIMAL(10,2) NOT NULL,
		open_time DATETIME NOT NULL,
		stop_loss DECIMAL(10,2) NOT NULL DEFAULT 0,
		sector VARCHAR(100) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL DEFAULT 'open'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	`CREATE TABLE IF NOT EXISTS market_bars (
		symbol VARCHAR(20) NOT NULL,
		bar_date DATETIME NOT NULL,
		open DECIMAL(12,4) NOT NULL,
		high DECIMAL(12,4) NOT NULL,
		low DECIMAL(12,4) NOT NULL,
		close DECIMAL(12,4) NOT NULL,
		volume DECIMAL(20,2) NOT NULL DEFAULT 0,
		spread DECIMAL(12,6) NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, bar_date)
	)`,
	`CREATE TABLE IF NOT EXISTS risk_monitor_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id BIGINT NOT NULL,
		action_time DATETIME NOT NULL,
		action_type VARCHAR(50) NOT NULL,
		previous_stop_loss DECIMAL(10,2),
		new_stop_loss DECIMAL(10,2),
		previous_position_size DECIMAL(10,2),
		new_position_size DECIMAL(10,2),
		market_volatility DECIMAL(5,2),
		risk_metric DECIMAL(10,4) NOT NULL,
		reason TEXT NOT NULL,
		result VARCHAR(255)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_monitor_actions_position_id ON risk_monitor_actions(position_id)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_monitor_actions_action_time ON risk_monitor_actions(action_time)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		direction VARCHAR(10) NOT NULL,
		entry_price DECIMAL(10,2) NOT NULL,
		current_price DECIMAL(10,2) NOT NULL,
		position_size DECIMAL(10,2) NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		stop_loss DECIMAL(10,2) NOT NULL DEFAULT 0,
		sector VARCHAR(100) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL DEFAULT 'open'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
	`CREATE TABLE IF NOT EXISTS market_bars (
		symbol VARCHAR(20) NOT NULL,
		bar_date TIMESTAMPTZ NOT NULL,
		open DECIMAL(12,4) NOT NULL,
		high DECIMAL(12,4) NOT NULL,
		low DECIMAL(12,4) NOT NULL,
		close DECIMAL(12,4) NOT NULL,
		volume DECIMAL(20,2) NOT NULL DEFAULT 0,
		spread DECIMAL(12,6) NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, bar_date)
	)`,
	`CREATE TABLE IF NOT EXISTS risk_monitor_actions (
		id BIGSERIAL PRIMARY KEY,
		position_id BIGINT NOT NULL,
		action_time TIMESTAMP NOT NULL,
		action_type VARCHAR(50) NOT NULL,
		previous_stop_loss DECIMAL(10,2),
		new_stop_loss DECIMAL(10,2),
		previous_position_size DECIMAL(10,2),
		new_position_size DECIMAL(10,2),
		market_volatility DECIMAL(5,2),
		risk_metric DECIMAL(10,4) NOT NULL,
		reason TEXT NOT NULL,
		result VARCHAR(255)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_monitor_actions_position_id ON risk_monitor_actions(position_id)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_monitor_actions_action_time ON risk_monitor_actions(action_time)`,
}

// Migrate 创建所需的表和索引，可重复执行
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var statements []string
	switch db.DriverName() {
	case DriverPostgres:
		statements = postgresSchema
	default:
		statements = sqliteSchema
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移失败: %w", err)
	}
	return nil
}
