// ABOUTME: Tests for the ledger store
// ABOUTME: Covers opening, event round trips, listing order, and retention pruning

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string {
	return &s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")
	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	s, err := NewSQLiteStore(MemoryPath, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SaveEvent(ctx, &LedgerEvent{
		ID: "e1", ConversationKey: "k", Direction: EventDirectionInbound, Author: "ou_a",
		Timestamp: time.Now(), Type: EventTypeMessage,
	}))
	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaveEvent_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 30, 0, 123_000_000, time.FixedZone("CST", 8*3600))

	event := &LedgerEvent{
		ID:              "evt-1",
		ConversationKey: "feishu-p2p-ou_alice",
		SessionID:       strPtr("ses_1"),
		ChatID:          strPtr("oc_dm"),
		Direction:       EventDirectionOutbound,
		Author:          "bot",
		Timestamp:       ts,
		Type:            EventTypeMessage,
		Text:            strPtr("42"),
		Outcome:         strPtr("replied"),
		Duration:        1500 * time.Millisecond,
	}
	require.NoError(t, s.SaveEvent(ctx, event))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "feishu-p2p-ou_alice", got.ConversationKey)
	assert.Equal(t, "ses_1", *got.SessionID)
	assert.Equal(t, EventDirectionOutbound, got.Direction)
	assert.Equal(t, "42", *got.Text)
	assert.Equal(t, "replied", *got.Outcome)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.True(t, ts.Equal(got.Timestamp))

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestSaveEvent_RejectsBadDirection(t *testing.T) {
	s := setupTestStore(t)
	err := s.SaveEvent(context.Background(), &LedgerEvent{
		ID: "bad", ConversationKey: "k", Direction: "sideways", Author: "a", Timestamp: time.Now(), Type: EventTypeMessage,
	})
	assert.Error(t, err)
}

func TestListEventsByConversation_NewestWindowOldestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		require.NoError(t, s.SaveEvent(ctx, &LedgerEvent{
			ID:              fmt.Sprintf("e%d", i),
			ConversationKey: "feishu-group-oc_room",
			Direction:       EventDirectionInbound,
			Author:          "ou_a",
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			Type:            EventTypeContext,
			Text:            strPtr(fmt.Sprintf("m%d", i)),
		}))
	}
	require.NoError(t, s.SaveEvent(ctx, &LedgerEvent{
		ID: "other", ConversationKey: "feishu-p2p-ou_b", Direction: EventDirectionInbound,
		Author: "ou_b", Timestamp: base, Type: EventTypeMessage,
	}))

	events, err := s.ListEventsByConversation(ctx, "feishu-group-oc_room", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"e2", "e3", "e4"}, []string{events[0].ID, events[1].ID, events[2].ID})
}

func TestListEventsBySession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, dir := range []EventDirection{EventDirectionInbound, EventDirectionOutbound} {
		require.NoError(t, s.SaveEvent(ctx, &LedgerEvent{
			ID: fmt.Sprintf("s%d", i), ConversationKey: "k", SessionID: strPtr("ses_9"),
			Direction: dir, Author: "x", Timestamp: now, Type: EventTypeMessage,
		}))
	}

	events, err := s.ListEventsBySession(ctx, "ses_9", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventDirectionInbound, events[0].Direction, "insertion order breaks timestamp ties")
}

func TestPruneBefore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, time.Hour} {
		require.NoError(t, s.SaveEvent(ctx, &LedgerEvent{
			ID: fmt.Sprintf("p%d", i), ConversationKey: "k", Direction: EventDirectionInbound,
			Author: "a", Timestamp: now.Add(-age), Type: EventTypeMessage,
		}))
	}

	n, err := s.PruneBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
