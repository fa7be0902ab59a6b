package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string) *CallRecord {
	return &CallRecord{
		ID:          id,
		ChatID:      "chat-1",
		InitiatorID: "alice",
		RecipientID: "bob",
		Type:        CallTypeAudio,
		Status:      StatusRinging,
		StartedAt:   time.Now().UTC(),
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("call-1")
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, StatusRinging, got.Status)

	// The stored record must not alias the caller's copy.
	rec.Status = StatusEnded
	got2, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRinging, got2.Status)
}

func TestMemoryStoreCreateDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRecord("call-1")))
	err := store.Create(ctx, testRecord("call-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreStatusForwardOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	answered := StatusAnswered
	require.NoError(t, store.Update(ctx, "call-1", Patch{Status: &answered}))

	// Attempt to move backwards.
	ringing := StatusRinging
	require.NoError(t, store.Update(ctx, "call-1", Patch{Status: &ringing}))

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, got.Status, "status must never move backwards")
}

func TestMemoryStoreTerminalStatusSticks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	declined := StatusDeclined
	at1 := time.Now().UTC()
	require.NoError(t, store.Update(ctx, "call-1", Patch{Status: &declined, EndedAt: &at1}))

	ended := StatusEnded
	at2 := at1.Add(time.Second)
	require.NoError(t, store.Update(ctx, "call-1", Patch{Status: &ended, EndedAt: &at2}))

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, got.Status, "first terminal status wins")
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(at1), "EndedAt keeps its first value")
}

func TestMemoryStoreCandidateCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	for i := 0; i < MaxCandidateEntries+10; i++ {
		err := store.Update(ctx, "call-1", Patch{
			AddCandidate: &CandidateEntry{From: OriginInitiator, Payload: fmt.Sprintf("cand-%d", i)},
		})
		require.NoError(t, err, "appends past the cap must not error")
	}

	got, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Len(t, got.Candidates, MaxCandidateEntries)
	assert.Equal(t, MaxCandidateEntries+10, got.CandidateCount, "the counter keeps counting past the cap")
	assert.Equal(t, 1, got.Candidates[0].Seq)
	assert.Equal(t, MaxCandidateEntries, got.Candidates[MaxCandidateEntries-1].Seq)
}

func TestMemoryStoreSubscribe(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	var seen []Status
	unsub, err := store.Subscribe(ctx, "call-1", func(rec CallRecord) {
		seen = append(seen, rec.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.SubscriberCount("call-1"))

	answered := StatusAnswered
	require.NoError(t, store.Update(ctx, "call-1", Patch{Status: &answered}))
	require.Len(t, seen, 1)
	assert.Equal(t, StatusAnswered, seen[0])

	unsub()
	assert.Equal(t, 0, store.SubscriberCount("call-1"))

	connected := StatusConnected
	require.NoError(t, store.Update(ctx, "call-1", Patch{Status: &connected}))
	assert.Len(t, seen, 1, "no notifications after unsubscribe")
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	answered := StatusAnswered
	err := store.Update(context.Background(), "nope", Patch{Status: &answered})
	assert.ErrorIs(t, err, ErrNotFound)
}
