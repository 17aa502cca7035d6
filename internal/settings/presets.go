package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"swap-core/pkg/store"
)

var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrPresetInUse    = errors.New("preset is bound to an active symbol")
)

// Preset is a named, versioned snapshot of Settings owned by a user.
type Preset struct {
	ID          string   `json:"preset_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsDefault   bool     `json:"is_default"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
	Settings    Settings `json:"settings"`
}

// PresetService manages preset CRUD, the default marker, symbol bindings and
// reload notifications.
type PresetService struct {
	store *store.Store
}

func NewPresetService(s *store.Store) *PresetService {
	return &PresetService{store: s}
}

func newPresetID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create validates and stores a new preset.
func (p *PresetService) Create(ctx context.Context, uid, name, description string, cfg Settings, isDefault bool) (Preset, error) {
	if name == "" || len(name) > 50 {
		return Preset{}, &ErrValidation{Field: "name", Reason: "must be 1-50 characters"}
	}
	if len(description) > 200 {
		return Preset{}, &ErrValidation{Field: "description", Reason: "must be at most 200 characters"}
	}
	if err := Validate(cfg); err != nil {
		return Preset{}, err
	}

	now := time.Now().Unix()
	preset := Preset{
		ID:          newPresetID(),
		Name:        name,
		Description: description,
		IsDefault:   isDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
		Settings:    cfg,
	}
	raw, err := json.Marshal(preset)
	if err != nil {
		return Preset{}, err
	}

	err = p.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, store.KeyPreset(uid, preset.ID), string(raw), 0)
		pipe.SAdd(ctx, store.KeyPresetList(uid), preset.ID)
		if isDefault {
			pipe.Set(ctx, store.KeyPresetDefault(uid), preset.ID, 0)
		}
		return nil
	})
	if err != nil {
		return Preset{}, err
	}
	if isDefault {
		// At most one default: clear the flag on every other preset.
		if err := p.clearOtherDefaults(ctx, uid, preset.ID); err != nil {
			return Preset{}, err
		}
	}
	return preset, nil
}

// Get fetches one preset.
func (p *PresetService) Get(ctx context.Context, uid, presetID string) (Preset, error) {
	raw, err := p.store.Get(ctx, store.KeyPreset(uid, presetID))
	if err != nil {
		return Preset{}, err
	}
	if raw == "" {
		return Preset{}, ErrPresetNotFound
	}
	var preset Preset
	if err := json.Unmarshal([]byte(raw), &preset); err != nil {
		return Preset{}, fmt.Errorf("preset %s: decode: %w", presetID, err)
	}
	return preset, nil
}

// List returns all of a user's presets.
func (p *PresetService) List(ctx context.Context, uid string) ([]Preset, error) {
	ids, err := p.store.SMembers(ctx, store.KeyPresetList(uid))
	if err != nil {
		return nil, err
	}
	out := make([]Preset, 0, len(ids))
	for _, id := range ids {
		preset, err := p.Get(ctx, uid, id)
		if err != nil {
			if errors.Is(err, ErrPresetNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, preset)
	}
	return out, nil
}

// Update replaces a preset's payload and notifies every symbol bound to it
// with exactly one reload message on its preset-update channel.
func (p *PresetService) Update(ctx context.Context, uid, presetID, name, description string, cfg Settings) (Preset, error) {
	preset, err := p.Get(ctx, uid, presetID)
	if err != nil {
		return Preset{}, err
	}
	if err := Validate(cfg); err != nil {
		return Preset{}, err
	}
	if name != "" {
		if len(name) > 50 {
			return Preset{}, &ErrValidation{Field: "name", Reason: "must be 1-50 characters"}
		}
		preset.Name = name
	}
	if len(description) > 200 {
		return Preset{}, &ErrValidation{Field: "description", Reason: "must be at most 200 characters"}
	}
	if description != "" {
		preset.Description = description
	}
	preset.Settings = cfg
	preset.UpdatedAt = time.Now().Unix()

	raw, err := json.Marshal(preset)
	if err != nil {
		return Preset{}, err
	}
	if err := p.store.Set(ctx, store.KeyPreset(uid, presetID), string(raw), 0); err != nil {
		return Preset{}, err
	}

	symbols, err := p.boundSymbols(ctx, uid, presetID)
	if err != nil {
		return preset, err
	}
	for _, sym := range symbols {
		if err := p.store.Publish(ctx, store.ChannelPresetUpdate(uid, sym), "reload"); err != nil {
			return preset, err
		}
	}
	return preset, nil
}

// Delete removes a preset unless a symbol still references it.
func (p *PresetService) Delete(ctx context.Context, uid, presetID string) error {
	if _, err := p.Get(ctx, uid, presetID); err != nil {
		return err
	}
	symbols, err := p.boundSymbols(ctx, uid, presetID)
	if err != nil {
		return err
	}
	if len(symbols) > 0 {
		return fmt.Errorf("%w: %s", ErrPresetInUse, strings.Join(symbols, ","))
	}

	return p.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, store.KeyPreset(uid, presetID))
		pipe.SRem(ctx, store.KeyPresetList(uid), presetID)
		return nil
	})
}

// SetDefault marks one preset as the user's default.
func (p *PresetService) SetDefault(ctx context.Context, uid, presetID string) error {
	if _, err := p.Get(ctx, uid, presetID); err != nil {
		return err
	}
	if err := p.store.Set(ctx, store.KeyPresetDefault(uid), presetID, 0); err != nil {
		return err
	}
	return p.clearOtherDefaults(ctx, uid, presetID)
}

// Bind links a symbol to a preset so updates fire its reload channel.
func (p *PresetService) Bind(ctx context.Context, uid, symbol, presetID string) error {
	if _, err := p.Get(ctx, uid, presetID); err != nil {
		return err
	}
	return p.store.Set(ctx, store.KeySymbolPreset(uid, symbol), presetID, 0)
}

func (p *PresetService) boundSymbols(ctx context.Context, uid, presetID string) ([]string, error) {
	symbols, err := p.store.SMembers(ctx, store.KeyActiveSymbols(uid))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, sym := range symbols {
		bound, err := p.store.Get(ctx, store.KeySymbolPreset(uid, sym))
		if err != nil {
			return nil, err
		}
		if bound == presetID {
			out = append(out, sym)
		}
	}
	return out, nil
}

func (p *PresetService) clearOtherDefaults(ctx context.Context, uid, keepID string) error {
	ids, err := p.store.SMembers(ctx, store.KeyPresetList(uid))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == keepID {
			continue
		}
		preset, err := p.Get(ctx, uid, id)
		if err != nil {
			continue
		}
		if preset.IsDefault {
			preset.IsDefault = false
			raw, err := json.Marshal(preset)
			if err != nil {
				return err
			}
			if err := p.store.Set(ctx, store.KeyPreset(uid, id), string(raw), 0); err != nil {
				return err
			}
		}
	}
	return nil
}
