package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind discriminates the discrete signaling events a Channel emits.
type EventKind int

const (
	// EventStatus reports a status change on the record.
	EventStatus EventKind = iota
	// EventOffer delivers an admitted remote offer.
	EventOffer
	// EventAnswer delivers an admitted remote answer.
	EventAnswer
	// EventCandidate delivers an admitted remote ICE candidate fragment.
	EventCandidate
)

// Event is one admitted signaling event, produced by a Channel from raw
// record snapshots.
type Event struct {
	Kind      EventKind
	Status    Status
	Signal    *SessionSignal
	Candidate *CandidateEntry
	Record    CallRecord
}

// Channel is the message-passing view of one call record for one side of
// the call. Sends become field-merging patches on the record; Listen
// turns raw change notifications into discrete events, running every
// inbound signal through the ordering Filter so each offer, answer and
// candidate is delivered at most once and never out of order.
//
// A Channel only surfaces signals written by the other side: the
// initiator's channel admits answers, the recipient's admits offers, and
// both skip candidate entries tagged with their own origin.
type Channel struct {
	store  Store
	callID string
	origin Origin

	mu         sync.Mutex
	filter     Filter
	lastStatus Status

	log *logrus.Entry
}

// NewChannel builds a channel over an existing record for the given side.
func NewChannel(store Store, callID string, origin Origin) *Channel {
	return &Channel{
		store:  store,
		callID: callID,
		origin: origin,
		log: logrus.WithFields(logrus.Fields{
			"call_id": callID,
			"origin":  origin,
		}),
	}
}

// CallID returns the record identifier the channel is bound to.
func (c *Channel) CallID() string { return c.callID }

// Origin returns the side of the call this channel writes as.
func (c *Channel) Origin() Origin { return c.origin }

// SendOffer writes a local offer with a freshly assigned timestamp.
// Returns the assigned timestamp so callers can correlate retries.
func (c *Channel) SendOffer(ctx context.Context, sdp string) (time.Time, error) {
	at := time.Now().UTC()
	err := c.store.Update(ctx, c.callID, Patch{
		Offer: &SessionSignal{SDP: sdp, At: at},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("send offer: %w", err)
	}
	c.log.WithField("offer_at", at).Debug("offer written to call record")
	return at, nil
}

// SendAnswer writes a local answer with a freshly assigned timestamp.
func (c *Channel) SendAnswer(ctx context.Context, sdp string) (time.Time, error) {
	at := time.Now().UTC()
	err := c.store.Update(ctx, c.callID, Patch{
		Answer: &SessionSignal{SDP: sdp, At: at},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("send answer: %w", err)
	}
	c.log.WithField("answer_at", at).Debug("answer written to call record")
	return at, nil
}

// SendCandidate appends a local ICE candidate fragment. The store assigns
// the sequence number and enforces the entry cap.
func (c *Channel) SendCandidate(ctx context.Context, payload string) error {
	err := c.store.Update(ctx, c.callID, Patch{
		AddCandidate: &CandidateEntry{From: c.origin, Payload: payload},
	})
	if err != nil {
		return fmt.Errorf("send candidate: %w", err)
	}
	return nil
}

// MarkAnswered transitions the record to answered and stamps AnsweredAt.
func (c *Channel) MarkAnswered(ctx context.Context) error {
	st := StatusAnswered
	at := time.Now().UTC()
	if err := c.store.Update(ctx, c.callID, Patch{Status: &st, AnsweredAt: &at}); err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	return nil
}

// MarkConnected transitions the record to connected.
func (c *Channel) MarkConnected(ctx context.Context) error {
	st := StatusConnected
	if err := c.store.Update(ctx, c.callID, Patch{Status: &st}); err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	return nil
}

// Finish writes the terminal status and stamps EndedAt. The store keeps
// the first EndedAt it sees, so racing terminators still produce exactly
// one ended timestamp.
func (c *Channel) Finish(ctx context.Context, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}
	at := time.Now().UTC()
	if err := c.store.Update(ctx, c.callID, Patch{Status: &status, EndedAt: &at}); err != nil {
		return fmt.Errorf("finish call record: %w", err)
	}
	return nil
}

// Listen subscribes to record mutations and feeds admitted events to fn.
// Admission is serialized so the filter sees snapshots one at a time
// even if the store notifies from multiple goroutines; fn itself runs
// outside the channel lock, so a handler may write back through the
// same channel.
func (c *Channel) Listen(ctx context.Context, fn func(Event)) (Unsubscribe, error) {
	unsub, err := c.store.Subscribe(ctx, c.callID, func(rec CallRecord) {
		c.Dispatch(rec, fn)
	})
	if err != nil {
		return nil, fmt.Errorf("listen on call record: %w", err)
	}
	return unsub, nil
}

// Dispatch runs one record snapshot through the filter and emits the
// resulting events. Exposed so a caller holding an initial snapshot
// (the recipient loading an already-offered record) can replay it
// through the same gate before live notifications start.
//
// Events are admitted under the channel lock but delivered after it is
// released. Stores like MemoryStore notify on the mutating goroutine,
// so a handler that wrote back through its own channel would otherwise
// re-enter Dispatch and deadlock on c.mu.
func (c *Channel) Dispatch(rec CallRecord, fn func(Event)) {
	c.mu.Lock()
	events := make([]Event, 0, 2)

	if rec.Status != c.lastStatus {
		c.lastStatus = rec.Status
		events = append(events, Event{Kind: EventStatus, Status: rec.Status, Record: rec})
	}

	switch c.origin {
	case OriginRecipient:
		if c.filter.AdmitOffer(rec.Offer) {
			sig := *rec.Offer
			events = append(events, Event{Kind: EventOffer, Signal: &sig, Record: rec})
		}
	case OriginInitiator:
		if c.filter.AdmitAnswer(rec.Answer) {
			sig := *rec.Answer
			events = append(events, Event{Kind: EventAnswer, Signal: &sig, Record: rec})
		}
	}

	for _, e := range rec.Candidates {
		if e.From == c.origin {
			continue
		}
		if !c.filter.AdmitCandidate(e) {
			continue
		}
		entry := e
		events = append(events, Event{Kind: EventCandidate, Candidate: &entry, Record: rec})
	}
	c.mu.Unlock()

	for _, ev := range events {
		fn(ev)
	}
}
