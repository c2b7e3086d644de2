package marketdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/life2you_mini/riskguard/internal/model"
)

// SQLProvider 从 market_bars 表读取行情，K线由外部采集进程写入
type SQLProvider struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSQLProvider 创建SQL行情源
func NewSQLProvider(db *sqlx.DB, timeout time.Duration) *SQLProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SQLProvider{db: db, timeout: timeout}
}

// GetMarketData 实现 Provider
func (p *SQLProvider) GetMarketData(ctx context.Context, symbol string, days int) ([]model.Bar, error) {
	if days <= 0 {
		return []model.Bar{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := p.db.Rebind(`SELECT bar_date, open, high, low, close, volume, spread
		FROM market_bars WHERE symbol = ? ORDER BY bar_date DESC LIMIT ?`)

	bars := make([]model.Bar, 0, days)
	if err := p.db.SelectContext(ctx, &bars, query, normalize(symbol), days); err != nil {
		return nil, fmt.Errorf("查询K线失败 %s: %w", symbol, err)
	}
	return bars, nil
}

// GetLatestPrice 实现 Provider
func (p *SQLProvider) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := p.db.Rebind(`SELECT close FROM market_bars WHERE symbol = ? ORDER BY bar_date DESC LIMIT 1`)

	var price float64
	if err := p.db.GetContext(ctx, &price, query, normalize(symbol)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNoData
		}
		return 0, fmt.Errorf("查询最新价失败 %s: %w", symbol, err)
	}
	return price, nil
}
