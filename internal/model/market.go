package model

import "time"

// 市场波动等级
const (
	VolatilityLow    = "low"
	VolatilityMedium = "medium"
	VolatilityHigh   = "high"
)

// Bar 日线K线
type Bar struct {
	Date   time.Time `json:"date" db:"bar_date"`
	Open   float64   `json:"open" db:"open"`
	High   float64   `json:"high" db:"high"`
	Low    float64   `json:"low" db:"low"`
	Close  float64   `json:"close" db:"close"`
	Volume float64   `json:"volume" db:"volume"`
	Spread float64   `json:"spread" db:"spread"` // 买卖价差，0 表示未知
}

// VolatilitySnapshot 市场波动率快照
type VolatilitySnapshot struct {
	Value      float64            `json:"value"` // 0-1
	Level      string             `json:"level"` // low, medium, high
	Components map[string]float64 `json:"components"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Fresh 快照在 ttl 内是否仍然有效
func (s *VolatilitySnapshot) Fresh(now time.Time, ttl time.Duration) bool {
	if s == nil || s.ComputedAt.IsZero() {
		return false
	}
	return now.Sub(s.ComputedAt) < ttl
}
