package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// webrtcLink is the pion-backed Link.
type webrtcLink struct {
	pc   *webrtc.PeerConnection
	role Role

	mu          sync.Mutex
	closed      bool
	onCandidate func(payload string)
	onTrack     func(RemoteTrack)
	onState     func(State)

	log *logrus.Entry
}

// NewWebRTCLink builds a pion peer connection with the local tracks
// attached. It is the Factory used outside of tests.
func NewWebRTCLink(cfg Config, role Role, tracks []webrtc.TrackLocal) (Link, error) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &webrtcLink{
		pc:   pc,
		role: role,
		log:  logrus.WithFields(logrus.Fields{"component": "peer.webrtcLink", "role": role}),
	}

	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			l.log.WithError(err).Warn("failed to serialize local candidate")
			return
		}
		if fn := l.candidateSink(); fn != nil {
			fn(string(data))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if fn := l.trackSink(); fn != nil {
			fn(RemoteTrack{ID: track.ID(), Kind: track.Kind().String()})
		}
		// Keep the receiver drained so RTCP and stats stay live.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if fn := l.stateSink(); fn != nil {
			fn(mapConnectionState(s))
		}
	})

	return l, nil
}

func (l *webrtcLink) Role() Role { return l.role }

func (l *webrtcLink) Offer(ctx context.Context) (Description, error) {
	if err := l.checkOpen(); err != nil {
		return Description{}, err
	}
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		return Description{}, fmt.Errorf("offer in state %s: %w", l.pc.SignalingState(), ErrInvalidState)
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("install local offer: %v: %w", err, ErrInvalidState)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *webrtcLink) Answer(ctx context.Context, remote Description) (Description, error) {
	if err := l.checkOpen(); err != nil {
		return Description{}, err
	}
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		return Description{}, fmt.Errorf("answer in state %s: %w", l.pc.SignalingState(), ErrInvalidState)
	}

	if err := l.pc.SetRemoteDescription(toSessionDescription(remote)); err != nil {
		return Description{}, fmt.Errorf("install remote offer: %v: %w", err, ErrInvalidState)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("install local answer: %v: %w", err, ErrInvalidState)
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *webrtcLink) AcceptAnswer(ctx context.Context, remote Description) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("accept answer in state %s: %w", l.pc.SignalingState(), ErrInvalidState)
	}
	if err := l.pc.SetRemoteDescription(toSessionDescription(remote)); err != nil {
		return fmt.Errorf("install remote answer: %v: %w", err, ErrInvalidState)
	}
	return nil
}

func (l *webrtcLink) AddRemoteCandidate(payload string) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &init); err != nil {
		return fmt.Errorf("decode remote candidate: %w", err)
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

func (l *webrtcLink) OnLocalCandidate(fn func(payload string)) {
	l.mu.Lock()
	l.onCandidate = fn
	l.mu.Unlock()
}

func (l *webrtcLink) OnRemoteTrack(fn func(RemoteTrack)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *webrtcLink) OnStateChange(fn func(State)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// Stats reads one snapshot from the pion stats report. Round-trip time
// comes from the remote inbound stream; loss, jitter and packet counts
// from the local inbound streams.
func (l *webrtcLink) Stats(ctx context.Context) (Stats, error) {
	if err := l.checkOpen(); err != nil {
		return Stats{}, err
	}

	var out Stats
	for _, s := range l.pc.GetStats() {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(stat.PacketsReceived)
			if stat.PacketsLost > 0 {
				out.PacketsLost += uint64(stat.PacketsLost)
			}
			jitter := time.Duration(stat.Jitter * float64(time.Second))
			if jitter > out.Jitter {
				out.Jitter = jitter
			}
		case webrtc.RemoteInboundRTPStreamStats:
			rtt := time.Duration(stat.RoundTripTime * float64(time.Second))
			if rtt > out.RoundTripTime {
				out.RoundTripTime = rtt
			}
		}
	}
	return out, nil
}

func (l *webrtcLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (l *webrtcLink) checkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *webrtcLink) candidateSink() func(string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onCandidate
}

func (l *webrtcLink) trackSink() func(RemoteTrack) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onTrack
}

func (l *webrtcLink) stateSink() func(State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onState
}

func toSessionDescription(d Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

// mapConnectionState folds pion's connection states onto the link
// lifecycle. Disconnected is treated as still connecting since ICE may
// recover on its own.
func mapConnectionState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting, webrtc.PeerConnectionStateDisconnected:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}
