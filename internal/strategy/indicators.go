// Package strategy provides the pure indicator and decision functions the
// scheduler's trading cycle consumes. No I/O happens here; candles come in,
// an action comes out.
package strategy

import "math"

// RSI computes the Relative Strength Index with Wilder's smoothing: the first
// period of changes seeds the averages, every later bar decays them by
// (period-1)/period. This matches what charting platforms report, which is
// what user-supplied oversold/overbought thresholds are calibrated against.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 0
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

	decay := float64(period - 1)
	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*decay + gain) / float64(period)
		avgLoss = (avgLoss*decay + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// RSISeries returns the RSI at each bar from period onward; positions before
// that hold zero. Used by the inflection entry options.
func RSISeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := period; i < len(closes); i++ {
		out[i] = RSI(closes[:i+1], period)
	}
	return out
}

// ATR computes the Average True Range over the trailing period.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return 0
	}

	sum := 0.0
	for i := n - period; i < n; i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		sum += tr
	}
	return sum / float64(period)
}

// EMA computes an exponential moving average of the series.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) == 0 {
		return 0
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := values[0]
	for _, v := range values[1:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// Trend direction on a higher timeframe.
type Trend int

const (
	TrendFlat Trend = iota
	TrendUp
	TrendDown
)

// DetectTrend classifies the higher-timeframe trend by comparing fast and
// slow EMAs of the closes.
func DetectTrend(closes []float64) Trend {
	if len(closes) < 50 {
		return TrendFlat
	}
	fast := EMA(closes, 20)
	slow := EMA(closes, 50)
	switch {
	case fast > slow:
		return TrendUp
	case fast < slow:
		return TrendDown
	default:
		return TrendFlat
	}
}
