package storage

import (
	"context"
	"time"

	"github.com/life2you_mini/riskguard/internal/model"
)

// 数据库驱动常量
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ActionLog 风险处置日志存储，只允许追加和查询
type ActionLog interface {
	Insert(ctx context.Context, entry *model.RiskActionLogEntry) (int64, error)
	ListByPosition(ctx context.Context, positionID int64, limit int) ([]model.RiskActionLogEntry, error)
	// ListRange 查询 [from, to) 内的日志，from 为零值时不限起点
	ListRange(ctx context.Context, from, to time.Time) ([]model.RiskActionLogEntry, error)
	Latest(ctx context.Context, limit int) ([]model.RiskActionLogEntry, error)
}
