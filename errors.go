package peercall

import (
	"errors"

	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/peer"
	"github.com/opd-ai/peercall/signaling"
)

// Sentinel errors surfaced by the call manager and sessions. Errors from
// lower layers are re-exported here so callers only need errors.Is
// against this package.
var (
	// ErrMediaAccessDenied means the user refused device access.
	ErrMediaAccessDenied = media.ErrAccessDenied
	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = media.ErrDeviceUnavailable
	// ErrSignalingUnavailable means the signaling store could not be
	// reached.
	ErrSignalingUnavailable = signaling.ErrUnavailable
	// ErrConnectionTimeout means the remote side never answered or the
	// answered call never reached a connected transport in time.
	ErrConnectionTimeout = errors.New("connection attempt timed out")
	// ErrConnectionFailed means negotiation was abandoned after the
	// transport failed or retries were exhausted.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrRemoteDeclined means the remote side declined the call.
	ErrRemoteDeclined = errors.New("call declined by remote party")
	// ErrRemoteEnded means the remote side hung up.
	ErrRemoteEnded = errors.New("call ended by remote party")
	// ErrInvalidSignalState mirrors the link-level state error.
	ErrInvalidSignalState = peer.ErrInvalidState
	// ErrCallAlreadyActive means the manager already runs a session.
	ErrCallAlreadyActive = errors.New("another call is already active")
	// ErrCallExpired means the ringing record is too old to answer.
	ErrCallExpired = errors.New("call invitation has expired")
	// ErrCallTerminal means the record already reached a final status.
	ErrCallTerminal = errors.New("call already in a terminal status")
)
