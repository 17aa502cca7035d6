// Package tpsl derives and places the take-profit / stop-loss order graph for
// a position, and keeps it consistent across DCA entries.
package tpsl

import (
	"math"

	"swap-core/internal/settings"
	"swap-core/pkg/okx"
)

// Price modes shared by TP and SL settings.
const (
	modeAmount  = "금액 기준"
	modePercent = "퍼센트 기준"
	modeATR     = "ATR 기준"
)

// ComputeTPPrices derives the three TP target prices from the average entry.
// ATR mode multiplies the supplied ATR by the level value.
func ComputeTPPrices(entry float64, cfg settings.Settings, side string, atr float64) [3]float64 {
	values := [3]float64{cfg.TP1Value, cfg.TP2Value, cfg.TP3Value}
	var out [3]float64
	for i, v := range values {
		out[i] = offsetPrice(entry, v, cfg.TPOption, side, atr, true)
	}
	return out
}

// ComputeSLPrice derives the stop price on the losing side of the entry.
func ComputeSLPrice(entry float64, cfg settings.Settings, side string, atr float64) float64 {
	return offsetPrice(entry, cfg.SLValue, cfg.SLOption, side, atr, false)
}

func offsetPrice(entry, value float64, mode, side string, atr float64, profit bool) float64 {
	var delta float64
	switch mode {
	case modeAmount:
		delta = value
	case modeATR:
		delta = atr * value
	default: // percent
		delta = entry * value / 100
	}
	up := side == "long"
	if !profit {
		up = !up
	}
	if up {
		return entry + delta
	}
	return entry - delta
}

// Allocation is one TP leg's share of the position.
type Allocation struct {
	Level     int
	Contracts float64
	Last      bool // consumed the remainder; no further levels are placed
}

// SplitSizes distributes the position size across the active TP levels.
// Ratios are normalised to sum to 1.0 and the final active level receives the
// exact remainder so the total equals the position size. A level that would
// round below the exchange minimum is bumped up to the minimum, takes the
// remainder and ends the list; a level that rounds to zero contracts is
// skipped silently.
func SplitSizes(total float64, ratios []float64, levels []int, inst okx.Instrument) []Allocation {
	if total <= 0 || len(ratios) == 0 || len(ratios) != len(levels) {
		return nil
	}
	lot := inst.LotSize
	if lot <= 0 {
		lot = 1
	}
	minSize := inst.MinSize
	if minSize <= 0 {
		minSize = lot
	}

	sum := 0.0
	for _, r := range ratios {
		sum += r
	}
	if sum <= 0 {
		return nil
	}

	var out []Allocation
	allocated := 0.0
	for i, r := range ratios {
		remaining := total - allocated
		if remaining <= 0 {
			break
		}

		var size float64
		if i == len(ratios)-1 {
			size = roundLot(remaining, lot)
		} else {
			size = roundLot(total*(r/sum), lot)
		}

		if size <= 0 {
			continue // dust rule
		}

		last := i == len(ratios)-1
		if size < minSize {
			// Bump to minimum; whatever is left rides on this level.
			size = math.Min(roundLot(remaining, lot), minSize)
			if size < minSize {
				continue
			}
			last = true
		}
		if size > remaining {
			size = roundLot(remaining, lot)
			last = true
		}

		out = append(out, Allocation{Level: levels[i], Contracts: size, Last: last})
		allocated += size
		if last {
			break
		}
	}

	// Fold rounding leftovers into the final leg so sizes sum to the position.
	if len(out) > 0 {
		if leftover := total - allocated; leftover > 0 && roundLot(leftover, lot) > 0 {
			out[len(out)-1].Contracts += roundLot(leftover, lot)
		}
	}
	return out
}

func roundLot(v, lot float64) float64 {
	if lot <= 0 {
		return v
	}
	steps := math.Floor(v/lot + 1e-9)
	return steps * lot
}
