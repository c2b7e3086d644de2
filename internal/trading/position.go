package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
)

// ErrPositionNotFound 持仓不存在
var ErrPositionNotFound = errors.New("持仓不存在")

// PositionManager 持仓的唯一修改入口
//
// 队列语义为至少一次，同一指令可能被重复下发，实现需要容忍重复调用。
type PositionManager interface {
	ClosePosition(ctx context.Context, positionID int64, percent float64, reason string) error
	ReducePosition(ctx context.Context, positionID int64, percent float64, reason string) error
	UpdateStopLoss(ctx context.Context, positionID int64, price float64) error
	GetStopLoss(ctx context.Context, positionID int64) (float64, error)
	GetPositionSize(ctx context.Context, positionID int64) (float64, error)
	ListOpenPositions(ctx context.Context) ([]model.Position, error)
}

const positionColumns = `id, symbol, direction, entry_price, current_price, position_size, open_time, stop_loss, sector, status`

// SQLPositionManager 基于 positions 表的持仓管理器
type SQLPositionManager struct {
	db      *sqlx.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewPositionManager 创建新的持仓管理器
func NewPositionManager(db *sqlx.DB, logger *zap.Logger, timeout time.Duration) *SQLPositionManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SQLPositionManager{
		db:      db,
		logger:  logger.With(zap.String("component", "position_manager")),
		timeout: timeout,
	}
}

// CreatePosition 创建新持仓
func (pm *SQLPositionManager) CreatePosition(ctx context.Context, position *model.Position) error {
	ctx, cancel := context.WithTimeout(ctx, pm.timeout)
	defer cancel()

	if position.Direction != model.DirectionLong && position.Direction != model.DirectionShort {
		return fmt.Errorf("无效的持仓方向: %s", position.Direction)
	}
	if position.OpenTime.IsZero() {
		position.OpenTime = time.Now()
	}
	if position.Status == "" {
		position.Status = model.StatusOpen
	}

	query := pm.db.Rebind(`INSERT INTO positions (
		symbol, direction, entry_price, current_price, position_size, open_time, stop_loss, sector, status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := pm.db.QueryRowxContext(ctx, query,
		position.Symbol, position.Direction, position.EntryPrice, position.CurrentPrice,
		position.PositionSize, position.OpenTime.UTC(), position.StopLoss, position.Sector, position.Status,
	).Scan(&position.ID)
	if err != nil {
		return fmt.Errorf("创建持仓失败: %w", err)
	}
	return nil
}

// GetPosition 获取持仓详情
func (pm *SQLPositionManager) GetPosition(ctx context.Context, positionID int64) (*model.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, pm.timeout)
	defer cancel()

	var position model.Position
	query := pm.db.Rebind(`SELECT ` + positionColumns + ` FROM positions WHERE id = ?`)
	if err := pm.db.GetContext(ctx, &position, query, positionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
		}
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}
	return &position, nil
}

// ListOpenPositions 列出所有开放的持仓
func (pm *SQLPositionManager) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, pm.timeout)
	defer cancel()

	var positions []model.Position
	query := pm.db.Rebind(`SELECT ` + positionColumns + ` FROM positions WHERE status = ? ORDER BY id`)
	if err := pm.db.SelectContext(ctx, &positions, query, model.StatusOpen); err != nil {
		return nil, fmt.Errorf("查询开放持仓失败: %w", err)
	}
	return positions, nil
}

// ClosePosition 平掉 percent% 的仓位，100% 时持仓状态变为 closed，已平仓的持仓直接返回
func (pm *SQLPositionManager) ClosePosition(ctx context.Context, positionID int64, percent float64, reason string) error {
	if percent < 100 {
		return pm.ReducePosition(ctx, positionID, percent, reason)
	}

	position, err := pm.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if position.Status == model.StatusClosed {
		pm.logger.Info("持仓已平仓，忽略重复指令", zap.Int64("position_id", positionID))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, pm.timeout)
	defer cancel()
	query := pm.db.Rebind(`UPDATE positions SET status = ?, position_size = 0 WHERE id = ?`)
	if _, err := pm.db.ExecContext(ctx, query, model.StatusClosed, positionID); err != nil {
		return fmt.Errorf("平仓失败: %w", err)
	}

	pm.logger.Info("持仓已平仓",
		zap.Int64("position_id", positionID),
		zap.String("symbol", position.Symbol),
		zap.Float64("closed_size", position.PositionSize),
		zap.String("reason", reason))
	return nil
}

// ReducePosition 按百分比减仓
func (pm *SQLPositionManager) ReducePosition(ctx context.Context, positionID int64, percent float64, reason string) error {
	if percent <= 0 || percent > 100 {
		return fmt.Errorf("无效的减仓比例: %.2f", percent)
	}
	if percent == 100 {
		return pm.ClosePosition(ctx, positionID, percent, reason)
	}

	position, err := pm.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if position.Status == model.StatusClosed {
		return fmt.Errorf("持仓已平仓，无法减仓: %d", positionID)
	}

	newSize := decimal.NewFromFloat(position.PositionSize).
		Mul(decimal.NewFromFloat(1 - percent/100)).
		Round(2).
		InexactFloat64()

	ctx, cancel := context.WithTimeout(ctx, pm.timeout)
	defer cancel()
	query := pm.db.Rebind(`UPDATE positions SET position_size = ? WHERE id = ?`)
	if _, err := pm.db.ExecContext(ctx, query, newSize, positionID); err != nil {
		return fmt.Errorf("减仓失败: %w", err)
	}

	pm.logger.Info("持仓已减仓",
		zap.Int64("position_id", positionID),
		zap.Float64("previous_size", position.PositionSize),
		zap.Float64("new_size", newSize),
		zap.String("reason", reason))
	return nil
}

// UpdateStopLoss 更新止损价
func (pm *SQLPositionManager) UpdateStopLoss(ctx context.Context, positionID int64, price float64) error {
	ctx, cancel := context.WithTimeout(ctx, pm.timeout)
	defer cancel()

	query := pm.db.Rebind(`UPDATE positions SET stop_loss = ? WHERE id = ?`)
	res, err := pm.db.ExecContext(ctx, query, decimal.NewFromFloat(price).Round(2).InexactFloat64(), positionID)
	if err != nil {
		return fmt.Errorf("更新止损失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	return nil
}

// GetStopLoss 当前止损价，0 表示未设置
func (pm *SQLPositionManager) GetStopLoss(ctx context.Context, positionID int64) (float64, error) {
	position, err := pm.GetPosition(ctx, positionID)
	if err != nil {
		return 0, err
	}
	return position.StopLoss, nil
}

// GetPositionSize 当前持仓数量
func (pm *SQLPositionManager) GetPositionSize(ctx context.Context, positionID int64) (float64, error) {
	position, err := pm.GetPosition(ctx, positionID)
	if err != nil {
		return 0, err
	}
	return position.PositionSize, nil
}
