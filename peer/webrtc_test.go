package peer

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTracks(t *testing.T) []webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	require.NoError(t, err)
	return []webrtc.TrackLocal{track}
}

// The link tests run entirely offline: no STUN, no remote peer.

func TestWebRTCLinkOffer(t *testing.T) {
	link, err := NewWebRTCLink(Config{}, Initiator, testTracks(t))
	require.NoError(t, err)
	defer link.Close()

	offer, err := link.Offer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "v=0")
}

func TestWebRTCLinkOfferTwiceFails(t *testing.T) {
	link, err := NewWebRTCLink(Config{}, Initiator, testTracks(t))
	require.NoError(t, err)
	defer link.Close()

	_, err = link.Offer(context.Background())
	require.NoError(t, err)

	_, err = link.Offer(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState, "a link holding a local offer cannot offer again")
}

func TestWebRTCLinkAcceptAnswerBeforeOffer(t *testing.T) {
	link, err := NewWebRTCLink(Config{}, Initiator, testTracks(t))
	require.NoError(t, err)
	defer link.Close()

	err = link.AcceptAnswer(context.Background(), Description{Type: "answer", SDP: "v=0"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWebRTCLinkOfferAnswerPair(t *testing.T) {
	caller, err := NewWebRTCLink(Config{}, Initiator, testTracks(t))
	require.NoError(t, err)
	defer caller.Close()

	callee, err := NewWebRTCLink(Config{}, Responder, testTracks(t))
	require.NoError(t, err)
	defer callee.Close()

	ctx := context.Background()
	offer, err := caller.Offer(ctx)
	require.NoError(t, err)

	answer, err := callee.Answer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	require.NoError(t, caller.AcceptAnswer(ctx, answer))
}

func TestWebRTCLinkAnswerWhileOffering(t *testing.T) {
	link, err := NewWebRTCLink(Config{}, Responder, testTracks(t))
	require.NoError(t, err)
	defer link.Close()

	offer, err := link.Offer(context.Background())
	require.NoError(t, err)

	// The link now holds a local offer; an inbound offer cannot land.
	_, err = link.Answer(context.Background(), Description{Type: "offer", SDP: offer.SDP})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWebRTCLinkClosedOperations(t *testing.T) {
	link, err := NewWebRTCLink(Config{}, Initiator, testTracks(t))
	require.NoError(t, err)

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())

	_, err = link.Offer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = link.Stats(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, link.AddRemoteCandidate("{}"), ErrClosed)
}

func TestWebRTCLinkRejectsBadCandidatePayload(t *testing.T) {
	link, err := NewWebRTCLink(Config{}, Initiator, testTracks(t))
	require.NoError(t, err)
	defer link.Close()

	assert.Error(t, link.AddRemoteCandidate("not json"))
}

func TestMapConnectionState(t *testing.T) {
	assert.Equal(t, StateConnected, mapConnectionState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, StateConnecting, mapConnectionState(webrtc.PeerConnectionStateConnecting))
	assert.Equal(t, StateConnecting, mapConnectionState(webrtc.PeerConnectionStateDisconnected),
		"a disconnect is a recoverable condition, not a failure")
	assert.Equal(t, StateFailed, mapConnectionState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, StateClosed, mapConnectionState(webrtc.PeerConnectionStateClosed))
}

func TestDefaultConfigHasSTUN(t *testing.T) {
	cfg := DefaultConfig()
	require.Len(t, cfg.ICEServers, 1)
	assert.Contains(t, cfg.ICEServers[0].URLs[0], "stun:")
}
