package market

import (
	"fmt"
	"math"
)

// ============================================================================
// TECHNICAL INDICATORS
// ============================================================================

// SMA calculates the Simple Moving Average over the last period closes.
func SMA(klines []Kline, period int) float64 {
	if len(klines) < period {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}

	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average, seeded with an SMA.
func EMA(klines []Kline, period int) float64 {
	if len(klines) < period {
		return 0
	}

	ema := SMA(klines[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close * multiplier) + (ema * (1 - multiplier))
	}

	return ema
}

// RSI calculates the Relative Strength Index.
func RSI(klines []Kline, period int) float64 {
	if len(klines) < period+1 {
		return 50.0 // neutral
	}

	gains := 0.0
	losses := 0.0

	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR calculates the Average True Range.
func ATR(klines []Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	trSum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)

		trSum += tr
	}

	return trSum / float64(period)
}

// Momentum returns the percentage price change over the last period candles.
func Momentum(klines []Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	currentPrice := klines[len(klines)-1].Close
	pastPrice := klines[len(klines)-period-1].Close
	if pastPrice == 0 {
		return 0
	}

	return ((currentPrice - pastPrice) / pastPrice) * 100
}

// TrendDirection classifies the prevailing price direction.
type TrendDirection string

const (
	TrendUp       TrendDirection = "UP"
	TrendDown     TrendDirection = "DOWN"
	TrendSideways TrendDirection = "SIDEWAYS"
)

// DetectTrend compares fast and slow EMAs. EMAs within 0.5% of each other
// are treated as sideways.
func DetectTrend(klines []Kline, fastPeriod, slowPeriod int) TrendDirection {
	if len(klines) < slowPeriod {
		return TrendSideways
	}

	fastEMA := EMA(klines, fastPeriod)
	slowEMA := EMA(klines, slowPeriod)
	if slowEMA == 0 {
		return TrendSideways
	}

	difference := math.Abs(fastEMA-slowEMA) / slowEMA * 100
	if difference < 0.5 {
		return TrendSideways
	}

	if fastEMA > slowEMA {
		return TrendUp
	}

	return TrendDown
}

// IndicatorDigest summarizes a candle series into the handful of numbers
// an analyst actually reads.
type IndicatorDigest struct {
	LastClose   float64
	RSI14       float64
	SMA20       float64
	SMA50       float64
	EMA12       float64
	EMA26       float64
	ATR14       float64
	Momentum10  float64
	Trend       TrendDirection
	VolumeAvg20 float64
	LastVolume  float64
}

// ComputeDigest derives an IndicatorDigest from a candle series.
func ComputeDigest(klines []Kline) IndicatorDigest {
	d := IndicatorDigest{
		RSI14:      RSI(klines, 14),
		SMA20:      SMA(klines, 20),
		SMA50:      SMA(klines, 50),
		EMA12:      EMA(klines, 12),
		EMA26:      EMA(klines, 26),
		ATR14:      ATR(klines, 14),
		Momentum10: Momentum(klines, 10),
		Trend:      DetectTrend(klines, 12, 26),
	}
	if len(klines) > 0 {
		last := klines[len(klines)-1]
		d.LastClose = last.Close
		d.LastVolume = last.Volume
	}
	if len(klines) >= 20 {
		sum := 0.0
		for i := len(klines) - 20; i < len(klines); i++ {
			sum += klines[i].Volume
		}
		d.VolumeAvg20 = sum / 20
	}
	return d
}

// String renders the digest as a single prompt-friendly line.
func (d IndicatorDigest) String() string {
	return fmt.Sprintf(
		"close=%.4f rsi14=%.1f sma20=%.4f sma50=%.4f ema12=%.4f ema26=%.4f atr14=%.4f momentum10=%.2f%% trend=%s vol=%.0f vol_avg20=%.0f",
		d.LastClose, d.RSI14, d.SMA20, d.SMA50, d.EMA12, d.EMA26, d.ATR14, d.Momentum10, d.Trend, d.LastVolume, d.VolumeAvg20,
	)
}
