package tpsl

import (
	"math"
	"testing"

	"swap-core/internal/settings"
	"swap-core/pkg/okx"
)

func pctSettings() settings.Settings {
	s := settings.Defaults()
	s.TP1Value, s.TP2Value, s.TP3Value = 2.0, 3.0, 4.0
	s.SLValue = 5.0
	s.UseSL = true
	return s
}

func TestComputeTPPricesPercentLong(t *testing.T) {
	prices := ComputeTPPrices(100, pctSettings(), "long", 0)
	want := [3]float64{102, 103, 104}
	for i := range want {
		if math.Abs(prices[i]-want[i]) > 1e-9 {
			t.Fatalf("tp%d = %v, expected %v", i+1, prices[i], want[i])
		}
	}
}

func TestComputeTPPricesPercentShort(t *testing.T) {
	prices := ComputeTPPrices(100, pctSettings(), "short", 0)
	want := [3]float64{98, 97, 96}
	for i := range want {
		if math.Abs(prices[i]-want[i]) > 1e-9 {
			t.Fatalf("tp%d = %v, expected %v", i+1, prices[i], want[i])
		}
	}
}

func TestComputeSLPrice(t *testing.T) {
	tests := []struct {
		side string
		want float64
	}{
		{"long", 95},
		{"short", 105},
	}
	for _, tt := range tests {
		if got := ComputeSLPrice(100, pctSettings(), tt.side, 0); math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("sl %s = %v, expected %v", tt.side, got, tt.want)
		}
	}
}

func TestComputeATRMode(t *testing.T) {
	s := pctSettings()
	s.TPOption = "ATR 기준"
	s.TP1Value = 1.5
	prices := ComputeTPPrices(100, s, "long", 2.0)
	if math.Abs(prices[0]-103) > 1e-9 {
		t.Fatalf("atr tp1 = %v, expected 103", prices[0])
	}
}

func TestComputeAmountMode(t *testing.T) {
	s := pctSettings()
	s.SLOption = "금액 기준"
	s.SLValue = 7
	if got := ComputeSLPrice(100, s, "short", 0); math.Abs(got-107) > 1e-9 {
		t.Fatalf("amount sl = %v, expected 107", got)
	}
}

var testInst = okx.Instrument{InstID: "BTC-USDT-SWAP", CtVal: 1, LotSize: 1, MinSize: 1}

func TestSplitSizesExactTotals(t *testing.T) {
	tests := []struct {
		name   string
		total  float64
		ratios []float64
		want   []float64
	}{
		{"30/30/40 on 10", 10, []float64{30, 30, 40}, []float64{3, 3, 4}},
		{"33.3/33.3/33.4 last takes remainder", 10, []float64{33.3, 33.3, 33.4}, []float64{3, 3, 4}},
		{"20 contracts after dca", 20, []float64{30, 30, 40}, []float64{6, 6, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocs := SplitSizes(tt.total, tt.ratios, []int{1, 2, 3}, testInst)
			if len(allocs) != len(tt.want) {
				t.Fatalf("got %d allocations, expected %d", len(allocs), len(tt.want))
			}
			sum := 0.0
			for i, a := range allocs {
				if math.Abs(a.Contracts-tt.want[i]) > 1e-9 {
					t.Fatalf("level %d size = %v, expected %v", a.Level, a.Contracts, tt.want[i])
				}
				sum += a.Contracts
			}
			if math.Abs(sum-tt.total) > 1e-9 {
				t.Fatalf("sizes sum to %v, expected exactly %v", sum, tt.total)
			}
		})
	}
}

func TestSplitSizesDustSkipsSilently(t *testing.T) {
	// 2 contracts across 30/30/40: tp1 would round to 0 and is skipped.
	allocs := SplitSizes(2, []float64{30, 30, 40}, []int{1, 2, 3}, testInst)
	sum := 0.0
	for _, a := range allocs {
		if a.Contracts <= 0 {
			t.Fatalf("allocation with non-positive size: %+v", a)
		}
		sum += a.Contracts
	}
	if math.Abs(sum-2) > 1e-9 {
		t.Fatalf("sizes sum to %v, expected 2", sum)
	}
}

func TestSplitSizesBelowMinimumConsumesRemainder(t *testing.T) {
	inst := okx.Instrument{InstID: "X", CtVal: 1, LotSize: 1, MinSize: 4}
	allocs := SplitSizes(10, []float64{30, 30, 40}, []int{1, 2, 3}, inst)
	if len(allocs) == 0 {
		t.Fatal("expected at least one allocation")
	}
	// First level rounds to 3 < min 4: it is bumped to the minimum, marked
	// last, and the remaining levels are skipped.
	if !allocs[len(allocs)-1].Last {
		t.Fatalf("final allocation not marked last: %+v", allocs)
	}
	for _, a := range allocs {
		if a.Contracts < inst.MinSize {
			t.Fatalf("allocation below exchange minimum: %+v", a)
		}
	}
}
