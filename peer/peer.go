// Package peer wraps one peer-to-peer connection behind a small Link
// interface. The production implementation rides on pion/webrtc; the
// interface exists so call-session logic can be exercised against fakes.
package peer

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrInvalidState means the link cannot apply the requested
	// description in its current signaling state. The caller is expected
	// to tear the link down and negotiate again on a fresh one.
	ErrInvalidState = errors.New("peer link in invalid signaling state")
	// ErrClosed means the link has been closed.
	ErrClosed = errors.New("peer link closed")
)

// Role says which side of the negotiation this link plays.
type Role int

const (
	// Initiator creates the offer.
	Initiator Role = iota
	// Responder consumes the offer and creates the answer.
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the coarse lifecycle of a link.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ICEServer is one STUN or TURN endpoint.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config carries the transport settings for a link.
type Config struct {
	ICEServers []ICEServer
}

// DefaultConfig uses Google's public STUN server.
func DefaultConfig() Config {
	return Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Description is a session description in transit.
type Description struct {
	Type string
	SDP  string
}

// RemoteTrack identifies an inbound media track.
type RemoteTrack struct {
	ID   string
	Kind string
}

// Stats is one snapshot of inbound transport quality.
type Stats struct {
	RoundTripTime   time.Duration
	Jitter          time.Duration
	PacketsLost     uint64
	PacketsReceived uint64
}

// Link is one negotiation attempt over one peer connection. Links are
// single-use: after ErrInvalidState or Close the caller builds a new one.
type Link interface {
	// Role returns the negotiation side the link was built for.
	Role() Role
	// Offer creates and installs the local offer. Initiator only.
	Offer(ctx context.Context) (Description, error)
	// Answer installs the remote offer and returns the local answer.
	// Responder only.
	Answer(ctx context.Context, remote Description) (Description, error)
	// AcceptAnswer installs the remote answer on an offering link.
	AcceptAnswer(ctx context.Context, remote Description) error
	// AddRemoteCandidate feeds one serialized ICE candidate from the
	// remote side.
	AddRemoteCandidate(payload string) error
	// OnLocalCandidate registers the sink for locally gathered
	// candidates, already serialized for the signaling channel.
	OnLocalCandidate(fn func(payload string))
	// OnRemoteTrack registers the sink for inbound media tracks.
	OnRemoteTrack(fn func(RemoteTrack))
	// OnStateChange registers the sink for lifecycle transitions.
	OnStateChange(fn func(State))
	// Stats samples current transport quality.
	Stats(ctx context.Context) (Stats, error)
	// Close tears the link down. Idempotent.
	Close() error
}

// Factory builds a fresh link carrying the given local tracks. Sessions
// call it again after a failed negotiation attempt.
type Factory func(cfg Config, role Role, tracks []webrtc.TrackLocal) (Link, error)
