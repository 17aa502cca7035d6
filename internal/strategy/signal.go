package strategy

import (
	"fmt"

	"swap-core/internal/settings"
)

// Action is what one cycle decided to do.
type Action string

const (
	ActionHold       Action = "HOLD"
	ActionOpenLong   Action = "OPEN_LONG"
	ActionOpenShort  Action = "OPEN_SHORT"
	ActionDCALong    Action = "DCA_LONG"
	ActionDCAShort   Action = "DCA_SHORT"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
)

// Signal is the cycle decision with its rationale.
type Signal struct {
	Action Action
	RSI    float64
	Note   string
}

// MarketState is the input snapshot for a decision.
type MarketState struct {
	Closes      []float64 // entry timeframe closes, oldest first
	TrendCloses []float64 // higher timeframe closes, oldest first
	Price       float64

	HasLong       bool
	HasShort      bool
	LongEntry     float64
	ShortEntry    float64
	LongDCACount  int
	ShortDCACount int
}

// Decide applies the RSI + trend entry rules to the market snapshot. It is a
// pure function; cooldowns, locks and sizing live with the scheduler.
func Decide(m MarketState, cfg settings.Settings) Signal {
	rsi := RSI(m.Closes, cfg.RSILength)
	if rsi == 0 {
		return Signal{Action: ActionHold, Note: "insufficient candles"}
	}

	trend := TrendFlat
	if cfg.UseTrendLogic {
		trend = DetectTrend(m.TrendCloses)
	}

	longAllowed := cfg.Direction == "롱" || cfg.Direction == "롱숏"
	shortAllowed := cfg.Direction == "숏" || cfg.Direction == "롱숏"
	if cfg.UseTrendLogic {
		if trend == TrendDown {
			longAllowed = false
		}
		if trend == TrendUp {
			shortAllowed = false
		}
	}

	oversold := crossedOversold(m.Closes, cfg, rsi)
	overbought := crossedOverbought(m.Closes, cfg, rsi)

	// Trend-close: an opposing higher-timeframe trend exits the position.
	if cfg.UseTrendClose {
		if m.HasLong && trend == TrendDown {
			return Signal{Action: ActionCloseLong, RSI: rsi, Note: "trend reversal"}
		}
		if m.HasShort && trend == TrendUp {
			return Signal{Action: ActionCloseShort, RSI: rsi, Note: "trend reversal"}
		}
	}

	// DCA on an existing position.
	if m.HasLong && oversold && m.LongDCACount < cfg.PyramidingLimit {
		if !cfg.UseCheckDCAWithPrice || m.Price < m.LongEntry*(1-cfg.PyramidingValue/100) {
			return Signal{Action: ActionDCALong, RSI: rsi, Note: dcaNote(rsi, m.LongDCACount)}
		}
	}
	if m.HasShort && overbought && m.ShortDCACount < cfg.PyramidingLimit {
		if !cfg.UseCheckDCAWithPrice || m.Price > m.ShortEntry*(1+cfg.PyramidingValue/100) {
			return Signal{Action: ActionDCAShort, RSI: rsi, Note: dcaNote(rsi, m.ShortDCACount)}
		}
	}

	// Fresh entries.
	if !m.HasLong && longAllowed && oversold {
		return Signal{Action: ActionOpenLong, RSI: rsi, Note: fmt.Sprintf("RSI %.2f below %.0f", rsi, cfg.RSIOversold)}
	}
	if !m.HasShort && shortAllowed && overbought {
		return Signal{Action: ActionOpenShort, RSI: rsi, Note: fmt.Sprintf("RSI %.2f above %.0f", rsi, cfg.RSIOverbought)}
	}

	return Signal{Action: ActionHold, RSI: rsi}
}

// crossedOversold applies the entry option to the oversold threshold. 돌파
// fires on the downward cross, 변곡 on an upward turn below the threshold,
// 변곡돌파 on either, 초과 whenever the RSI sits past the threshold.
func crossedOversold(closes []float64, cfg settings.Settings, rsi float64) bool {
	prev := prevRSI(closes, cfg.RSILength)
	threshold := cfg.RSIOversold
	switch cfg.EntryOption {
	case "돌파":
		return prev >= threshold && rsi < threshold
	case "변곡":
		return rsi < threshold && rsi > prev
	case "변곡돌파":
		return (prev >= threshold && rsi < threshold) || (rsi < threshold && rsi > prev)
	default: // 초과
		return rsi < threshold
	}
}

func crossedOverbought(closes []float64, cfg settings.Settings, rsi float64) bool {
	prev := prevRSI(closes, cfg.RSILength)
	threshold := cfg.RSIOverbought
	switch cfg.EntryOption {
	case "돌파":
		return prev <= threshold && rsi > threshold
	case "변곡":
		return rsi > threshold && rsi < prev
	case "변곡돌파":
		return (prev <= threshold && rsi > threshold) || (rsi > threshold && rsi < prev)
	default: // 초과
		return rsi > threshold
	}
}

func prevRSI(closes []float64, period int) float64 {
	if len(closes) < period+2 {
		return 50
	}
	return RSI(closes[:len(closes)-1], period)
}

func dcaNote(rsi float64, count int) string {
	return fmt.Sprintf("pyramiding entry %d, RSI %.2f", count+1, rsi)
}
