package settings

import (
	"fmt"
	"math"
	"strconv"
)

// ErrValidation wraps a settings constraint violation.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("settings: %s %s", e.Field, e.Reason)
}

type bounds struct{ min, max float64 }

// Declarative constraint table; option enums are closed sets.
var constraints = map[string]bounds{
	"btc_investment":   {1, 1000000},
	"eth_investment":   {1, 1000000},
	"sol_investment":   {1, 1000000},
	"leverage":         {1, 125},
	"pyramiding_limit": {1, 10},
	"entry_multiplier": {0.1, 5.0},
	"rsi_length":       {1, 100},
	"rsi_oversold":     {0, 100},
	"rsi_overbought":   {0, 100},
	"tp1_ratio":        {0, 100},
	"tp2_ratio":        {0, 100},
	"tp3_ratio":        {0, 100},
	"sl_value":         {0.1, 100},
	"cooldown_time":    {0, 3000},
}

var (
	entryOptions        = closedSet("돌파", "변곡", "변곡돌파", "초과")
	tpSLOptions         = closedSet("금액 기준", "퍼센트 기준", "ATR 기준")
	directionOptions    = closedSet("롱", "숏", "롱숏")
	entryCriterionOpts  = closedSet("평균 단가", "마지막 진입")
	trailingStopTypes   = closedSet("트레일링 스탑 고정값", "TP2-TP3 차이 기준")
	entryAmountOptions  = closedSet("usdt", "percent", "count")
	trailingStartPoints = closedSet("tp1", "tp2", "tp3")
	pyramidingTypes     = closedSet("0", "1", "2")
)

func closedSet(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func checkBounds(field string, value float64) error {
	b, ok := constraints[field]
	if !ok {
		return nil
	}
	if value < b.min || value > b.max {
		return &ErrValidation{Field: field, Reason: fmt.Sprintf("must be between %g and %g, got %g", b.min, b.max, value)}
	}
	return nil
}

func checkEnum(field, value string, set map[string]bool) error {
	if !set[value] {
		return &ErrValidation{Field: field, Reason: fmt.Sprintf("unknown option %q", value)}
	}
	return nil
}

// Validate checks a full Settings document against the constraint table and
// option sets. TP ratios must sum to 100 %.
func Validate(s Settings) error {
	numeric := []struct {
		field string
		value float64
	}{
		{"btc_investment", s.BTCInvestment},
		{"eth_investment", s.ETHInvestment},
		{"sol_investment", s.SOLInvestment},
		{"leverage", float64(s.Leverage)},
		{"pyramiding_limit", float64(s.PyramidingLimit)},
		{"entry_multiplier", s.EntryMultiplier},
		{"rsi_length", float64(s.RSILength)},
		{"rsi_oversold", s.RSIOversold},
		{"rsi_overbought", s.RSIOverbought},
		{"tp1_ratio", s.TP1Ratio},
		{"tp2_ratio", s.TP2Ratio},
		{"tp3_ratio", s.TP3Ratio},
		{"cooldown_time", float64(s.CooldownTime)},
	}
	for _, n := range numeric {
		if err := checkBounds(n.field, n.value); err != nil {
			return err
		}
	}
	if s.UseSL {
		if err := checkBounds("sl_value", s.SLValue); err != nil {
			return err
		}
	}

	enums := []struct {
		field, value string
		set          map[string]bool
	}{
		{"direction", s.Direction, directionOptions},
		{"entry_option", s.EntryOption, entryOptions},
		{"tp_option", s.TPOption, tpSLOptions},
		{"sl_option", s.SLOption, tpSLOptions},
		{"entry_criterion", s.EntryCriterion, entryCriterionOpts},
		{"trailing_stop_type", s.TrailingStopType, trailingStopTypes},
		{"entry_amount_option", s.EntryAmountOption, entryAmountOptions},
		{"trailing_start_point", s.TrailingStartPoint, trailingStartPoints},
		{"pyramiding_type", s.PyramidingType, pyramidingTypes},
	}
	for _, e := range enums {
		if err := checkEnum(e.field, e.value, e.set); err != nil {
			return err
		}
	}

	if sum := s.TP1Ratio + s.TP2Ratio + s.TP3Ratio; math.Abs(sum-100) > 1e-9 {
		return &ErrValidation{Field: "tp_ratios", Reason: fmt.Sprintf("must sum to 100, got %g", sum)}
	}
	return nil
}

// ValidateDualSide checks the dual-side block.
func ValidateDualSide(d DualSide) error {
	if d.TriggerDCACount < 1 || d.TriggerDCACount > 10 {
		return &ErrValidation{Field: "dual_side_entry_trigger", Reason: "must be between 1 and 10"}
	}
	if d.RatioValue <= 0 || d.RatioValue > 100 {
		return &ErrValidation{Field: "dual_side_entry_ratio_value", Reason: "must be between 0 and 100"}
	}
	if d.PyramidingLimit < 1 || d.PyramidingLimit > 10 {
		return &ErrValidation{Field: "dual_side_pyramiding_limit", Reason: "must be between 1 and 10"}
	}
	return nil
}

// --- dual-side hash codec ---

func encodeDualSide(d DualSide) map[string]string {
	return map[string]string{
		"use_dual_side_entry":             strconv.FormatBool(d.UseDualSideEntry),
		"dual_side_entry_trigger":         strconv.Itoa(d.TriggerDCACount),
		"dual_side_entry_ratio_type":      d.RatioType,
		"dual_side_entry_ratio_value":     strconv.FormatFloat(d.RatioValue, 'f', -1, 64),
		"dual_side_entry_tp_trigger_type": d.TPTriggerType,
		"dual_side_entry_tp_value":        strconv.FormatFloat(d.TPValue, 'f', -1, 64),
		"dual_side_entry_sl_trigger_type": d.SLTriggerType,
		"dual_side_entry_sl_value":        strconv.FormatFloat(d.SLValue, 'f', -1, 64),
		"dual_side_pyramiding_limit":      strconv.Itoa(d.PyramidingLimit),
		"activate_tp_sl_after_all_dca":    strconv.FormatBool(d.ActivateTPSLAfterAllDCA),
		"dual_side_trend_close":           strconv.FormatBool(d.TrendClose),
	}
}

func decodeDualSide(fields map[string]string, out *DualSide) {
	if v, ok := fields["use_dual_side_entry"]; ok {
		out.UseDualSideEntry = v == "true" || v == "1"
	}
	if v, ok := fields["dual_side_entry_trigger"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.TriggerDCACount = n
		}
	}
	if v, ok := fields["dual_side_entry_ratio_type"]; ok && v != "" {
		out.RatioType = v
	}
	if v, ok := fields["dual_side_entry_ratio_value"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.RatioValue = f
		}
	}
	if v, ok := fields["dual_side_entry_tp_trigger_type"]; ok && v != "" {
		out.TPTriggerType = v
	}
	if v, ok := fields["dual_side_entry_tp_value"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.TPValue = f
		}
	}
	if v, ok := fields["dual_side_entry_sl_trigger_type"]; ok && v != "" {
		out.SLTriggerType = v
	}
	if v, ok := fields["dual_side_entry_sl_value"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.SLValue = f
		}
	}
	if v, ok := fields["dual_side_pyramiding_limit"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.PyramidingLimit = n
		}
	}
	if v, ok := fields["activate_tp_sl_after_all_dca"]; ok {
		out.ActivateTPSLAfterAllDCA = v == "true" || v == "1"
	}
	if v, ok := fields["dual_side_trend_close"]; ok {
		out.TrendClose = v == "true" || v == "1"
	}
}
