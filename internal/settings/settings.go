// Package settings holds per-user strategy configuration, its validation
// rules, and named presets.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"swap-core/pkg/store"
)

// Settings is the full per-user strategy configuration. Field names follow
// the persisted JSON document.
type Settings struct {
	// Investment sizing
	BTCInvestment     float64            `json:"btc_investment"`
	ETHInvestment     float64            `json:"eth_investment"`
	SOLInvestment     float64            `json:"sol_investment"`
	EntryAmountOption string             `json:"entry_amount_option"` // usdt | percent | count
	SymbolInvestments map[string]float64 `json:"symbol_investments"`

	Leverage        int     `json:"leverage"`
	Direction       string  `json:"direction"` // 롱 | 숏 | 롱숏
	EntryMultiplier float64 `json:"entry_multiplier"`
	UseCooldown     bool    `json:"use_cooldown"`
	CooldownTime    int     `json:"cooldown_time"` // seconds

	UseTrendLogic  bool   `json:"use_trend_logic"`
	TrendTimeframe string `json:"trend_timeframe"`
	UseTrendClose  bool   `json:"use_trend_close"`

	// RSI
	RSILength     int     `json:"rsi_length"`
	RSIOversold   float64 `json:"rsi_oversold"`
	RSIOverbought float64 `json:"rsi_overbought"`
	EntryOption   string  `json:"entry_option"` // 돌파 | 변곡 | 변곡돌파 | 초과

	// TP
	TPOption string  `json:"tp_option"` // 금액 기준 | 퍼센트 기준 | ATR 기준
	TP1Ratio float64 `json:"tp1_ratio"`
	TP2Ratio float64 `json:"tp2_ratio"`
	TP3Ratio float64 `json:"tp3_ratio"`
	TP1Value float64 `json:"tp1_value"`
	TP2Value float64 `json:"tp2_value"`
	TP3Value float64 `json:"tp3_value"`
	UseTP1   bool    `json:"use_tp1"`
	UseTP2   bool    `json:"use_tp2"`
	UseTP3   bool    `json:"use_tp3"`

	// SL
	UseSL       bool    `json:"use_sl"`
	UseSLOnLast bool    `json:"use_sl_on_last"` // place SL only on the final DCA entry
	SLOption    string  `json:"sl_option"`
	SLValue     float64 `json:"sl_value"`

	// Break-even
	UseBreakEven    bool `json:"use_break_even"`
	UseBreakEvenTP2 bool `json:"use_break_even_tp2"`
	UseBreakEvenTP3 bool `json:"use_break_even_tp3"`

	// Pyramiding (DCA)
	UseCheckDCAWithPrice bool    `json:"use_check_DCA_with_price"`
	UseRSIWithPyramiding bool    `json:"use_rsi_with_pyramiding"`
	EntryCriterion       string  `json:"entry_criterion"` // 평균 단가 | 마지막 진입
	PyramidingType       string  `json:"pyramiding_type"`
	PyramidingLimit      int     `json:"pyramiding_limit"`
	PyramidingEntryType  string  `json:"pyramiding_entry_type"`
	PyramidingValue      float64 `json:"pyramiding_value"`

	// Trailing stop
	TrailingStopActive     bool    `json:"trailing_stop_active"`
	TrailingStartPoint     string  `json:"trailing_start_point"` // tp1 | tp2 | tp3
	TrailingStopType       string  `json:"trailing_stop_type"`
	UseTrailingTP2TP3Diff  bool    `json:"use_trailing_stop_value_with_tp2_tp3_difference"`
	TrailingStopOffsetValue float64 `json:"trailing_stop_offset_value"`
}

// DualSide is the dual-side (hedge) entry configuration block.
type DualSide struct {
	UseDualSideEntry        bool    `json:"use_dual_side_entry"`
	TriggerDCACount         int     `json:"dual_side_entry_trigger"`
	RatioType               string  `json:"dual_side_entry_ratio_type"`
	RatioValue              float64 `json:"dual_side_entry_ratio_value"`
	TPTriggerType           string  `json:"dual_side_entry_tp_trigger_type"`
	TPValue                 float64 `json:"dual_side_entry_tp_value"`
	SLTriggerType           string  `json:"dual_side_entry_sl_trigger_type"`
	SLValue                 float64 `json:"dual_side_entry_sl_value"`
	PyramidingLimit         int     `json:"dual_side_pyramiding_limit"`
	ActivateTPSLAfterAllDCA bool    `json:"activate_tp_sl_after_all_dca"`
	TrendClose              bool    `json:"dual_side_trend_close"`
}

// Defaults returns the built-in default settings.
func Defaults() Settings {
	return Settings{
		BTCInvestment:     20,
		ETHInvestment:     20,
		SOLInvestment:     20,
		EntryAmountOption: "usdt",
		SymbolInvestments: map[string]float64{},

		Leverage:        10,
		Direction:       "롱숏",
		EntryMultiplier: 1.0,
		UseCooldown:     true,
		CooldownTime:    300,

		UseTrendLogic:  true,
		TrendTimeframe: "1H",
		UseTrendClose:  true,

		RSILength:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
		EntryOption:   "돌파",

		TPOption: "퍼센트 기준",
		TP1Ratio: 30,
		TP2Ratio: 30,
		TP3Ratio: 40,
		TP1Value: 2.0,
		TP2Value: 3.0,
		TP3Value: 4.0,
		UseTP1:   true,
		UseTP2:   true,
		UseTP3:   true,

		UseSL:    false,
		SLOption: "퍼센트 기준",
		SLValue:  5.0,

		UseBreakEven:    true,
		UseBreakEvenTP2: true,
		UseBreakEvenTP3: true,

		UseCheckDCAWithPrice: true,
		UseRSIWithPyramiding: true,
		EntryCriterion:       "평균 단가",
		PyramidingType:       "0",
		PyramidingLimit:      4,
		PyramidingEntryType:  "퍼센트 기준",
		PyramidingValue:      3.0,

		TrailingStopActive:      true,
		TrailingStartPoint:      "tp3",
		TrailingStopType:        "트레일링 스탑 고정값",
		TrailingStopOffsetValue: 0.5,
	}
}

// DualSideDefaults returns the default dual-side block.
func DualSideDefaults() DualSide {
	return DualSide{
		TriggerDCACount: 3,
		RatioType:       "percent_of_position",
		RatioValue:      30,
		TPTriggerType:   "last_dca_on_position",
		TPValue:         0.3,
		SLTriggerType:   "percent",
		SLValue:         5,
		PyramidingLimit: 1,
	}
}

// LoadDefaultsFile overlays values from a YAML file onto the built-in
// defaults. A missing file is not an error.
func LoadDefaultsFile(path string) (Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Defaults(), fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return s, nil
}

// Service reads and writes per-user settings through the state store.
type Service struct {
	store    *store.Store
	defaults Settings
}

func NewService(s *store.Store, defaults Settings) *Service {
	return &Service{store: s, defaults: defaults}
}

// Get returns the user's settings, default-initialising and persisting them on
// first access. Reads go through the 30 s settings cache.
func (s *Service) Get(ctx context.Context, uid string) (Settings, error) {
	raw, err := s.store.GetCached(ctx, store.KeySettings(uid), store.SettingsCacheTTL, true)
	if err != nil && err != store.ErrDegraded {
		return Settings{}, err
	}
	if raw == "" {
		out := s.defaults
		if err := s.Put(ctx, uid, out); err != nil {
			return Settings{}, err
		}
		return out, nil
	}
	out := s.defaults // unknown fields keep their defaults
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Settings{}, fmt.Errorf("settings: decode for %s: %w", uid, err)
	}
	return out, nil
}

// Put validates and strictly replaces the user's settings.
func (s *Service) Put(ctx context.Context, uid string, in Settings) error {
	if err := Validate(in); err != nil {
		return err
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, store.KeySettings(uid), string(raw), 0)
}

// Reset restores the defaults for a user.
func (s *Service) Reset(ctx context.Context, uid string) (Settings, error) {
	out := s.defaults
	return out, s.Put(ctx, uid, out)
}

// GetDualSide returns the dual-side block, default-initialised on first read.
func (s *Service) GetDualSide(ctx context.Context, uid string) (DualSide, error) {
	fields, err := s.store.HGetAll(ctx, store.KeyDualSide(uid))
	if err != nil {
		return DualSide{}, err
	}
	out := DualSideDefaults()
	if len(fields) == 0 {
		return out, s.PutDualSide(ctx, uid, out)
	}
	decodeDualSide(fields, &out)
	return out, nil
}

// PutDualSide replaces the dual-side block.
func (s *Service) PutDualSide(ctx context.Context, uid string, d DualSide) error {
	if err := ValidateDualSide(d); err != nil {
		return err
	}
	return s.store.HSetMap(ctx, store.KeyDualSide(uid), encodeDualSide(d))
}
