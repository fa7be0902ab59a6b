package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect gathers every event a channel dispatches.
type collect struct {
	events []Event
}

func (c *collect) sink(ev Event) { c.events = append(c.events, ev) }

func (c *collect) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestChannelOfferReachesRecipientOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	initiator := NewChannel(store, "call-1", OriginInitiator)
	recipient := NewChannel(store, "call-1", OriginRecipient)

	var recvSide, sendSide collect
	unsubR, err := recipient.Listen(ctx, recvSide.sink)
	require.NoError(t, err)
	defer unsubR()
	unsubI, err := initiator.Listen(ctx, sendSide.sink)
	require.NoError(t, err)
	defer unsubI()

	_, err = initiator.SendOffer(ctx, "v=0 offer")
	require.NoError(t, err)

	offers := recvSide.ofKind(EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "v=0 offer", offers[0].Signal.SDP)

	assert.Empty(t, sendSide.ofKind(EventOffer), "the initiator must not receive its own offer")
}

func TestChannelAnswerReachesInitiatorOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	initiator := NewChannel(store, "call-1", OriginInitiator)
	recipient := NewChannel(store, "call-1", OriginRecipient)

	var got collect
	unsub, err := initiator.Listen(ctx, got.sink)
	require.NoError(t, err)
	defer unsub()

	_, err = recipient.SendAnswer(ctx, "v=0 answer")
	require.NoError(t, err)

	// A later unrelated write redelivers the whole record.
	require.NoError(t, recipient.SendCandidate(ctx, "cand"))

	answers := got.ofKind(EventAnswer)
	require.Len(t, answers, 1, "the same answer must not be delivered twice")
	assert.Equal(t, "v=0 answer", answers[0].Signal.SDP)
}

func TestChannelCandidatesSkipOwnOrigin(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	initiator := NewChannel(store, "call-1", OriginInitiator)
	recipient := NewChannel(store, "call-1", OriginRecipient)

	var got collect
	unsub, err := initiator.Listen(ctx, got.sink)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, initiator.SendCandidate(ctx, "mine"))
	require.NoError(t, recipient.SendCandidate(ctx, "theirs-1"))
	require.NoError(t, recipient.SendCandidate(ctx, "theirs-2"))

	cands := got.ofKind(EventCandidate)
	require.Len(t, cands, 2)
	assert.Equal(t, "theirs-1", cands[0].Candidate.Payload)
	assert.Equal(t, "theirs-2", cands[1].Candidate.Payload)
}

func TestChannelStatusEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	initiator := NewChannel(store, "call-1", OriginInitiator)
	recipient := NewChannel(store, "call-1", OriginRecipient)

	var got collect
	unsub, err := initiator.Listen(ctx, got.sink)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, recipient.MarkAnswered(ctx))
	require.NoError(t, recipient.MarkAnswered(ctx))

	statuses := got.ofKind(EventStatus)
	require.Len(t, statuses, 1, "an unchanged status must not re-fire")
	assert.Equal(t, StatusAnswered, statuses[0].Status)

	rec, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	require.NotNil(t, rec.AnsweredAt)
}

func TestChannelFinishStampsEndedAtOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	recipient := NewChannel(store, "call-1", OriginRecipient)
	require.NoError(t, recipient.Finish(ctx, StatusDeclined))

	rec, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	require.NotNil(t, rec.EndedAt)
	first := *rec.EndedAt

	time.Sleep(5 * time.Millisecond)
	initiator := NewChannel(store, "call-1", OriginInitiator)
	require.NoError(t, initiator.Finish(ctx, StatusEnded))

	rec, err = store.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, rec.Status)
	assert.True(t, rec.EndedAt.Equal(first))
}

func TestChannelFinishRejectsNonTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	ch := NewChannel(store, "call-1", OriginInitiator)
	assert.Error(t, ch.Finish(ctx, StatusAnswered))
}

func TestChannelHandlerMayWriteBack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	initiator := NewChannel(store, "call-1", OriginInitiator)
	recipient := NewChannel(store, "call-1", OriginRecipient)

	// MemoryStore notifies on the writer's goroutine, so answering from
	// inside the handler re-enters the recipient channel's dispatch.
	unsub, err := recipient.Listen(ctx, func(ev Event) {
		if ev.Kind == EventOffer {
			_, sendErr := recipient.SendAnswer(ctx, "v=0 answer")
			assert.NoError(t, sendErr)
		}
	})
	require.NoError(t, err)
	defer unsub()

	done := make(chan error, 1)
	go func() {
		_, offerErr := initiator.SendOffer(ctx, "v=0 offer")
		done <- offerErr
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writing back from a listen handler blocked the offer write")
	}

	rec, err := store.Get(ctx, "call-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, "v=0 answer", rec.Answer.SDP)
}

func TestChannelDispatchReplaysSnapshot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testRecord("call-1")))

	initiator := NewChannel(store, "call-1", OriginInitiator)
	_, err := initiator.SendOffer(ctx, "v=0 offer")
	require.NoError(t, err)

	// The recipient loads the record after the offer was written.
	rec, err := store.Get(ctx, "call-1")
	require.NoError(t, err)

	recipient := NewChannel(store, "call-1", OriginRecipient)
	var got collect
	recipient.Dispatch(*rec, got.sink)

	offers := got.ofKind(EventOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "v=0 offer", offers[0].Signal.SDP)

	// The live subscription then redelivers the same record; the offer
	// must stay consumed.
	recipient.Dispatch(*rec, got.sink)
	assert.Len(t, got.ofKind(EventOffer), 1)
}
