package indicators

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/life2you_mini/riskguard/internal/model"
)

// ErrInsufficientData 数据点不足
var ErrInsufficientData = errors.New("数据不足")

// Chronological 将最新在前的K线序列转为按时间正序的副本
func Chronological(bars []model.Bar) []model.Bar {
	out := make([]model.Bar, len(bars))
	for i, b := range bars {
		out[len(bars)-1-i] = b
	}
	return out
}

// Closes 提取收盘价
func Closes(bars []model.Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// Volumes 提取成交量
func Volumes(bars []model.Bar) []float64 {
	vols := make([]float64, len(bars))
	for i, b := range bars {
		vols[i] = b.Volume
	}
	return vols
}

// PercentChanges 计算相邻收盘价的涨跌幅(%)，输入为时间正序
// 前一收盘价为0的点跳过
func PercentChanges(bars []model.Bar) map[time.Time]float64 {
	changes := make(map[time.Time]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev == 0 {
			continue
		}
		changes[dateKey(bars[i].Date)] = (bars[i].Close - prev) / prev * 100
	}
	return changes
}

// LastPercentChange 最近一天涨跌幅(%)，输入为时间正序
func LastPercentChange(bars []model.Bar) (float64, error) {
	n := len(bars)
	if n < 2 || bars[n-2].Close == 0 {
		return 0, ErrInsufficientData
	}
	return (bars[n-1].Close - bars[n-2].Close) / bars[n-2].Close * 100, nil
}

// Mean 算术平均
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), nil
}

// StdDev 样本标准差
func StdDev(values []float64) (float64, error) {
	if len(values) < 2 {
		return 0, ErrInsufficientData
	}
	mean, _ := Mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return math.Sqrt(sum / float64(len(values)-1)), nil
}

// Percentile 线性插值百分位，p 取值 0-100
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0], nil
	}
	if p >= 100 {
		return sorted[len(sorted)-1], nil
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo], nil
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac, nil
}

// LinearScale 将 x 线性映射到 [0,1]，x<=lo 为0，x>=hi 为1
func LinearScale(x, lo, hi float64) float64 {
	if hi <= lo {
		if x >= hi {
			return 1
		}
		return 0
	}
	return Clamp((x-lo)/(hi-lo), 0, 1)
}

// Clamp 将 v 限制在 [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func dateKey(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
