// Package media models local capture devices for calls. An Opener turns
// a set of constraints into live tracks; a Stream owns the acquired
// tracks and exposes kind-based mute toggles and release.
package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAccessDenied means the user or platform refused device access.
	ErrAccessDenied = errors.New("media device access denied")
	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// AudioConstraints describes the requested audio capture processing.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VideoConstraints describes the requested video capture geometry.
// Width and Height are ideals, not hard requirements.
type VideoConstraints struct {
	Width  int
	Height int
}

// Constraints is a device acquisition request. A nil Video means
// audio-only capture.
type Constraints struct {
	Audio AudioConstraints
	Video *VideoConstraints
}

// DefaultConstraints returns the full-quality request for a call of the
// given kind: processed audio, and 640x480 video when wantVideo is set.
func DefaultConstraints(wantVideo bool) Constraints {
	c := Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}
	if wantVideo {
		c.Video = &VideoConstraints{Width: 640, Height: 480}
	}
	return c
}

// MinimalConstraints returns the bare fallback request used when the
// full-quality acquisition fails: unprocessed audio plus unconstrained
// video, letting the platform pick whatever geometry it can deliver.
func MinimalConstraints() Constraints {
	return Constraints{Video: &VideoConstraints{}}
}

// Track is one live local capture track.
type Track interface {
	// TrackLocal returns the track in the form a peer connection accepts.
	TrackLocal() webrtc.TrackLocal
	// SetEnabled mutes or unmutes the track without releasing the device.
	SetEnabled(enabled bool)
	// Enabled reports whether the track is currently producing media.
	Enabled() bool
	// Stop releases the underlying device. Idempotent.
	Stop() error
}

// Opener acquires local capture tracks for the given constraints.
// Implementations report ErrAccessDenied or ErrDeviceUnavailable so
// callers can distinguish refusal from absence.
type Opener interface {
	Open(constraints Constraints) ([]Track, error)
}

// Stream owns the tracks acquired for one call.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
	closed bool
	log    *logrus.Entry
}

// NewStream wraps acquired tracks into a stream.
func NewStream(tracks []Track) *Stream {
	return &Stream{
		tracks: tracks,
		log:    logrus.WithField("component", "media.Stream"),
	}
}

// Tracks returns the local tracks for attachment to a peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.TrackLocal())
	}
	return out
}

// SetAudioEnabled toggles every audio track in the stream.
func (s *Stream) SetAudioEnabled(enabled bool) {
	s.setKindEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled toggles every video track in the stream.
func (s *Stream) SetVideoEnabled(enabled bool) {
	s.setKindEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

// AudioEnabled reports whether any audio track is live.
func (s *Stream) AudioEnabled() bool {
	return s.kindEnabled(webrtc.RTPCodecTypeAudio)
}

// VideoEnabled reports whether any video track is live.
func (s *Stream) VideoEnabled() bool {
	return s.kindEnabled(webrtc.RTPCodecTypeVideo)
}

// HasVideo reports whether the stream carries a video track at all.
func (s *Stream) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.TrackLocal().Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// Close stops every track and releases the devices. Idempotent; returns
// the first stop error encountered.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var first error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil && first == nil {
			first = fmt.Errorf("stop track: %w", err)
		}
	}
	if first != nil {
		s.log.WithError(first).Warn("error releasing capture devices")
	}
	return first
}

func (s *Stream) setKindEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.TrackLocal().Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (s *Stream) kindEnabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.TrackLocal().Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}
