// Package signaling implements the shared call record two peers use as
// their signaling transport.
//
// There is no dedicated signaling server: both peers read and write one
// externally persisted document per call attempt (offer, answer, ICE
// candidate fragments, status) and observe each other's mutations through
// push notifications from the store. Because the store guarantees neither
// exactly-once delivery nor strict ordering, every signal carries a
// timestamp (or a monotonic sequence for candidates) and application is
// gated through the Filter type: a signal that is not strictly newer than
// the last applied one of its kind is never applied.
package signaling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxCandidateEntries bounds the ICE candidate log on a call record.
// Trickle ICE can produce a long tail of candidates; the cap keeps the
// record from growing without bound. Candidates past the cap are dropped,
// which at worst costs a marginal connectivity path.
const MaxCandidateEntries = 50

// CallType distinguishes audio-only from audio+video calls.
// Fixed at record creation.
type CallType string

const (
	// CallTypeAudio is an audio-only call.
	CallTypeAudio CallType = "audio"
	// CallTypeVideo is an audio+video call.
	CallTypeVideo CallType = "video"
)

// Status is the shared lifecycle state of a call record.
//
// The only forward happy path is ringing → answered → connected.
// declined, missed and ended are absorbing terminal states reachable
// from any non-terminal state.
type Status string

const (
	// StatusRinging means the record exists but the recipient has not responded.
	StatusRinging Status = "ringing"
	// StatusAnswered means the recipient accepted and negotiation is underway.
	StatusAnswered Status = "answered"
	// StatusConnected means the peer transport is established.
	StatusConnected Status = "connected"
	// StatusDeclined means the recipient rejected the call. Terminal.
	StatusDeclined Status = "declined"
	// StatusMissed means the call rang out unanswered. Terminal.
	StatusMissed Status = "missed"
	// StatusEnded means the call finished or was hung up. Terminal.
	StatusEnded Status = "ended"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusMissed, StatusEnded:
		return true
	}
	return false
}

// rank orders the non-terminal statuses along the happy path.
func (s Status) rank() int {
	switch s {
	case StatusRinging:
		return 0
	case StatusAnswered:
		return 1
	case StatusConnected:
		return 2
	}
	return 3
}

// CanTransition reports whether a status change is legal: forward along
// ringing → answered → connected, or from any non-terminal state into a
// terminal one. Terminal states never transition again.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	return to.rank() > from.rank()
}

// Origin tags which side of the call wrote a signal.
type Origin string

const (
	// OriginInitiator marks signals written by the caller.
	OriginInitiator Origin = "initiator"
	// OriginRecipient marks signals written by the callee.
	OriginRecipient Origin = "recipient"
)

// Other returns the opposite side.
func (o Origin) Other() Origin {
	if o == OriginInitiator {
		return OriginRecipient
	}
	return OriginInitiator
}

// SessionSignal is a serialized session description paired with the
// timestamp assigned by the peer that wrote it. The timestamp is the
// staleness gate: a reader must not apply a signal whose At is not
// strictly newer than the last one it applied of the same kind.
type SessionSignal struct {
	SDP string
	At  time.Time
}

// CandidateEntry is one ICE candidate fragment appended to the record.
// Seq is assigned monotonically by the store, never by the writer, so
// concurrent appends from both peers cannot collide.
type CandidateEntry struct {
	Seq     int
	From    Origin
	Payload string
}

// CallRecord is the persisted document coordinating one call attempt.
// Exactly one record exists per attempt; the initiator creates it before
// any signaling begins.
type CallRecord struct {
	ID          string
	ChatID      string
	InitiatorID string
	RecipientID string
	Type        CallType
	Status      Status

	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time

	Offer  *SessionSignal
	Answer *SessionSignal

	// Candidates holds the bounded, direction-tagged ICE log in sequence
	// order. CandidateCount is the monotonic append counter; it can exceed
	// len(Candidates) once the cap has dropped entries.
	Candidates     []CandidateEntry
	CandidateCount int
}

// NewCallID generates a globally unique, caller-generated call identifier.
func NewCallID() string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("call_%d_%s", time.Now().UnixMilli(), suffix)
}

// Clone returns a deep copy of the record, safe to hand to subscribers.
func (r *CallRecord) Clone() *CallRecord {
	cp := *r
	if r.AnsweredAt != nil {
		t := *r.AnsweredAt
		cp.AnsweredAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Offer != nil {
		o := *r.Offer
		cp.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		cp.Answer = &a
	}
	cp.Candidates = make([]CandidateEntry, len(r.Candidates))
	copy(cp.Candidates, r.Candidates)
	return &cp
}

// Patch is a field-merging partial update to a call record. Nil fields
// are left untouched; both peers write patches so a full overwrite would
// clobber the other side's concurrently written fields.
type Patch struct {
	Status     *Status
	AnsweredAt *time.Time
	EndedAt    *time.Time

	Offer  *SessionSignal
	Answer *SessionSignal

	// AddCandidate appends one candidate fragment. Seq is ignored on
	// input; the store assigns the next counter value.
	AddCandidate *CandidateEntry
}

// IsZero reports whether the patch carries no changes.
func (p Patch) IsZero() bool {
	return p.Status == nil && p.AnsweredAt == nil && p.EndedAt == nil &&
		p.Offer == nil && p.Answer == nil && p.AddCandidate == nil
}
