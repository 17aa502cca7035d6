// Package identity maintains the bidirectional chat-ID <-> exchange-UID
// mapping and resolves loosely-typed user identifiers into exchange UIDs.
package identity

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"swap-core/pkg/store"
	"swap-core/pkg/userdir"
)

// Chat ids are short numerics; exchange UIDs are 12+ digits.
const maxChatIDLen = 11

// IsChatID reports whether id looks like a chat id (<=11 digits).
func IsChatID(id string) bool {
	if id == "" || len(id) > maxChatIDLen {
		return false
	}
	return allDigits(id)
}

// IsUID reports whether id looks like an exchange UID (12+ digits).
func IsUID(id string) bool {
	return len(id) > maxChatIDLen && allDigits(id)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// validChatID bounds stored chat ids to 6-14 digits; anything else is junk
// left by older writers and gets cleaned up on read.
func validChatID(s string) bool {
	return allDigits(s) && len(s) >= 6 && len(s) < 15
}

// Resolver resolves identifiers against the state store with a directory
// fallback.
type Resolver struct {
	store *store.Store
	dir   *userdir.Directory // optional
	log   zerolog.Logger
}

func NewResolver(s *store.Store, dir *userdir.Directory, log zerolog.Logger) *Resolver {
	return &Resolver{store: s, dir: dir, log: log}
}

// ToUID resolves a chat id or UID to an exchange UID. A chat id with no
// stored link resolves to itself; callers must tolerate that.
func (r *Resolver) ToUID(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if !IsChatID(id) {
		return id
	}
	uid, err := r.store.Get(ctx, store.KeyChatToUID(id))
	if err != nil {
		r.log.Error().Err(err).Str("chat_id", id).Msg("chat->uid lookup failed")
		return id
	}
	if uid == "" {
		return id
	}
	return uid
}

// ToChatID resolves an exchange UID to a chat id using the fallback cascade:
// forward-mapping scan ranked by last trade date, reverse key, then the
// external directory (cached back under the reverse key). Returns "" when no
// link exists; never errors on empty results.
func (r *Resolver) ToChatID(ctx context.Context, uid string) string {
	if uid == "" {
		return ""
	}

	// 1. Scan forward mappings and rank hits by last_trade_date descending.
	type hit struct {
		chatID    string
		lastTrade int64
	}
	var hits []hit
	err := r.store.Scan(ctx, "user:*:okx_uid", func(keys []string) bool {
		for _, key := range keys {
			stored, err := r.store.Get(ctx, key)
			if err != nil || stored != uid {
				continue
			}
			parts := strings.Split(key, ":")
			if len(parts) != 3 {
				continue
			}
			chatID := parts[1]
			if !validChatID(chatID) {
				continue
			}
			var last int64
			if v, err := r.store.Get(ctx, store.KeyLastTrade(chatID)); err == nil && v != "" {
				last, _ = strconv.ParseInt(v, 10, 64)
			}
			hits = append(hits, hit{chatID: chatID, lastTrade: last})
		}
		return true
	})
	if err != nil {
		r.log.Error().Err(err).Str("uid", uid).Msg("forward mapping scan failed")
	}
	if len(hits) > 0 {
		sort.Slice(hits, func(i, j int) bool { return hits[i].lastTrade > hits[j].lastTrade })
		return hits[0].chatID
	}

	// 2. Reverse mapping key.
	if chatID, err := r.store.Get(ctx, store.KeyUIDToChat(uid)); err == nil && chatID != "" {
		if validChatID(chatID) {
			return chatID
		}
		// Malformed reverse mappings are removed so they stop shadowing
		// the directory lookup.
		_ = r.store.Del(ctx, store.KeyUIDToChat(uid))
	}

	// 3. External directory, cached back under the reverse key.
	if r.dir != nil {
		rec, err := r.dir.FetchUser(ctx, uid)
		if err != nil {
			r.log.Error().Err(err).Str("uid", uid).Msg("directory lookup failed")
		} else if rec != nil && validChatID(rec.TelegramID) {
			if err := r.store.Set(ctx, store.KeyUIDToChat(uid), rec.TelegramID, 0); err != nil {
				r.log.Warn().Err(err).Str("uid", uid).Msg("reverse mapping cache write failed")
			}
			return rec.TelegramID
		}
	}

	return ""
}

// StoreMapping writes both directions of a chat<->uid link atomically. A new
// chat assignment clears any previous edge for that chat id first.
func (r *Resolver) StoreMapping(ctx context.Context, chatID, uid string) error {
	prev, err := r.store.Get(ctx, store.KeyChatToUID(chatID))
	if err != nil {
		return err
	}
	return r.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != uid {
			pipe.Del(ctx, store.KeyUIDToChat(prev))
		}
		pipe.Set(ctx, store.KeyChatToUID(chatID), uid, 0)
		pipe.Set(ctx, store.KeyUIDToChat(uid), chatID, 0)
		return nil
	})
}

// Unlink removes both directions of a chat link.
func (r *Resolver) Unlink(ctx context.Context, chatID string) error {
	uid, err := r.store.Get(ctx, store.KeyChatToUID(chatID))
	if err != nil {
		return err
	}
	return r.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, store.KeyChatToUID(chatID))
		if uid != "" {
			pipe.Del(ctx, store.KeyUIDToChat(uid))
		}
		return nil
	})
}
