package indicators

import (
	"errors"
	"math"
	"time"

	"github.com/life2you_mini/riskguard/internal/model"
)

// TrueRanges 计算真实波幅序列，输入为时间正序，结果长度为 len(bars)-1
func TrueRanges(bars []model.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr := math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-prevClose), math.Abs(bars[i].Low-prevClose)))
		trs = append(trs, tr)
	}
	return trs
}

// ATR 最近 period 个真实波幅的简单平均，至少需要 period+1 根K线
func ATR(bars []model.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period必须为正数")
	}
	if len(bars) < period+1 {
		return 0, ErrInsufficientData
	}
	trs := TrueRanges(bars)
	return Mean(trs[len(trs)-period:])
}

// ATRPercent ATR 占参考价格的百分比
func ATRPercent(bars []model.Bar, period int, price float64) (float64, error) {
	if price <= 0 {
		return 0, ErrInsufficientData
	}
	atr, err := ATR(bars, period)
	if err != nil {
		return 0, err
	}
	return atr / price * 100, nil
}

// SMA 最近 period 个值的简单移动平均
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period必须为正数")
	}
	if len(values) < period {
		return 0, ErrInsufficientData
	}
	return Mean(values[len(values)-period:])
}

// RSI Wilder 平滑的相对强弱指数，至少需要 period+1 个收盘价
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period必须为正数")
	}
	if len(closes) < period+1 {
		return 50, ErrInsufficientData
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// PearsonCorrelation 按日期对齐两个涨跌幅序列后计算皮尔逊相关系数
// 对齐点少于 minPoints 或任一序列方差为0时返回 ErrInsufficientData
func PearsonCorrelation(a, b map[time.Time]float64, minPoints int) (float64, error) {
	xs := make([]float64, 0, len(a))
	ys := make([]float64, 0, len(a))
	for d, x := range a {
		if y, ok := b[d]; ok {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < minPoints || len(xs) < 2 {
		return 0, ErrInsufficientData
	}

	meanX, _ := Mean(xs)
	meanY, _ := Mean(ys)
	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, ErrInsufficientData
	}
	return Clamp(cov/math.Sqrt(varX*varY), -1, 1), nil
}
