package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"swap-core/pkg/store"
	"swap-core/pkg/userdir"
)

const (
	testChatID = "1234567890"
	testUID    = "518796558012178692"
)

func newResolver(t *testing.T, dir *userdir.Directory) (*Resolver, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })
	return NewResolver(st, dir, zerolog.Nop()), st
}

func TestIdentifierClassification(t *testing.T) {
	tests := []struct {
		id         string
		chat, uid  bool
	}{
		{testChatID, true, false},
		{testUID, false, true},
		{"12a45", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := IsChatID(tt.id); got != tt.chat {
			t.Fatalf("IsChatID(%q) = %v, expected %v", tt.id, got, tt.chat)
		}
		if got := IsUID(tt.id); got != tt.uid {
			t.Fatalf("IsUID(%q) = %v, expected %v", tt.id, got, tt.uid)
		}
	}
}

func TestStoreMappingRoundTrip(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	if err := r.StoreMapping(ctx, testChatID, testUID); err != nil {
		t.Fatalf("StoreMapping returned error: %v", err)
	}
	if got := r.ToUID(ctx, testChatID); got != testUID {
		t.Fatalf("ToUID = %q, expected %q", got, testUID)
	}
	if got := r.ToChatID(ctx, testUID); got != testChatID {
		t.Fatalf("ToChatID = %q, expected %q", got, testChatID)
	}
}

func TestToUIDPassesThroughUnknowns(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	// Unlinked chat id resolves to itself.
	if got := r.ToUID(ctx, testChatID); got != testChatID {
		t.Fatalf("ToUID = %q, expected pass-through %q", got, testChatID)
	}
	// Long numerics are already UIDs.
	if got := r.ToUID(ctx, testUID); got != testUID {
		t.Fatalf("ToUID = %q, expected %q", got, testUID)
	}
}

func TestReassignedChatClearsOldEdge(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()
	otherUID := "998796558012178699"

	if err := r.StoreMapping(ctx, testChatID, testUID); err != nil {
		t.Fatalf("first StoreMapping: %v", err)
	}
	if err := r.StoreMapping(ctx, testChatID, otherUID); err != nil {
		t.Fatalf("second StoreMapping: %v", err)
	}

	if got := r.ToUID(ctx, testChatID); got != otherUID {
		t.Fatalf("ToUID = %q, expected %q", got, otherUID)
	}
	// The displaced uid no longer reverse-resolves to this chat id.
	if got := r.ToChatID(ctx, testUID); got != "" {
		t.Fatalf("stale reverse mapping survived: %q", got)
	}
}

func TestToChatIDRanksByLastTrade(t *testing.T) {
	r, st := newResolver(t, nil)
	ctx := context.Background()
	older, newer := "1111111111", "2222222222"

	if err := st.Set(ctx, store.KeyChatToUID(older), testUID, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(ctx, store.KeyChatToUID(newer), testUID, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(ctx, store.KeyLastTrade(older), "1000", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(ctx, store.KeyLastTrade(newer), "2000", 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if got := r.ToChatID(ctx, testUID); got != newer {
		t.Fatalf("ToChatID = %q, expected most recent trader %q", got, newer)
	}
}

func TestToChatIDFallsBackToReverseKey(t *testing.T) {
	r, st := newResolver(t, nil)
	ctx := context.Background()

	if err := st.Set(ctx, store.KeyUIDToChat(testUID), testChatID, 0); err != nil {
		t.Fatalf("seed reverse key: %v", err)
	}
	if got := r.ToChatID(ctx, testUID); got != testChatID {
		t.Fatalf("ToChatID = %q, expected %q", got, testChatID)
	}
}

func TestToChatIDDeletesMalformedReverseKey(t *testing.T) {
	r, st := newResolver(t, nil)
	ctx := context.Background()

	if err := st.Set(ctx, store.KeyUIDToChat(testUID), "not-a-chat-id", 0); err != nil {
		t.Fatalf("seed reverse key: %v", err)
	}
	if got := r.ToChatID(ctx, testUID); got != "" {
		t.Fatalf("ToChatID = %q, expected empty", got)
	}
	if v, _ := st.Get(ctx, store.KeyUIDToChat(testUID)); v != "" {
		t.Fatalf("malformed reverse key survived: %q", v)
	}
}

func TestToChatIDDirectoryFallbackCachesHit(t *testing.T) {
	dir, err := userdir.Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	if err := dir.UpsertUser(context.Background(), userdir.Record{
		OKXUID: testUID, TelegramID: testChatID,
	}); err != nil {
		t.Fatalf("seed directory: %v", err)
	}

	r, st := newResolver(t, dir)
	ctx := context.Background()

	if got := r.ToChatID(ctx, testUID); got != testChatID {
		t.Fatalf("ToChatID = %q, expected directory hit %q", got, testChatID)
	}
	// The hit is cached back under the reverse key.
	if v, _ := st.Get(ctx, store.KeyUIDToChat(testUID)); v != testChatID {
		t.Fatalf("reverse key cache = %q, expected %q", v, testChatID)
	}
}

func TestToChatIDEmptyResultIsNotAnError(t *testing.T) {
	r, _ := newResolver(t, nil)
	if got := r.ToChatID(context.Background(), testUID); got != "" {
		t.Fatalf("ToChatID = %q, expected empty", got)
	}
}
