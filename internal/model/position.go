package model

import (
	"time"
)

// 持仓方向
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// 持仓状态
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Position 持仓记录，只由外部持仓管理器修改
type Position struct {
	ID           int64     `json:"id" db:"id"`
	Symbol       string    `json:"symbol" db:"symbol"`
	Direction    string    `json:"direction" db:"direction"` // "long" 或 "short"
	EntryPrice   float64   `json:"entry_price" db:"entry_price"`
	CurrentPrice float64   `json:"current_price" db:"current_price"`
	PositionSize float64   `json:"position_size" db:"position_size"`
	OpenTime     time.Time `json:"open_time" db:"open_time"`
	StopLoss     float64   `json:"stop_loss" db:"stop_loss"` // 0 表示未设置
	Sector       string    `json:"sector,omitempty" db:"sector"`
	Status       string    `json:"status" db:"status"`
}

// IsLong 是否为多仓
func (p *Position) IsLong() bool {
	return p.Direction != DirectionShort
}

// MarketValue 持仓市值
func (p *Position) MarketValue() float64 {
	return p.PositionSize * p.CurrentPrice
}
