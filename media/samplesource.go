package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// opusSilence is a single Opus frame of comfort-noise silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrameDuration = 20 * time.Millisecond

// SilenceOpener is an Opener that produces synthetic tracks instead of
// touching real devices: audio is a stream of Opus silence frames, video
// (when requested) is a track that never produces samples. Useful for
// demos and for exercising the full call path without hardware.
type SilenceOpener struct{}

// Open builds the synthetic tracks for the given constraints.
func (SilenceOpener) Open(constraints Constraints) ([]Track, error) {
	audio, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", true)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	tracks := []Track{audio}

	if constraints.Video != nil {
		video, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", false)
		if err != nil {
			audio.Stop()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

// sampleTrack is a Track over a TrackLocalStaticSample. Audio tracks run
// a pacer goroutine writing one silence frame per frame interval while
// enabled.
type sampleTrack struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool

	done     chan struct{}
	stopOnce sync.Once
	log      *logrus.Entry
}

func newSampleTrack(codec webrtc.RTPCodecCapability, kind string, paced bool) (*sampleTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(codec, kind, "peercall")
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{
		track:   inner,
		enabled: true,
		done:    make(chan struct{}),
		log:     logrus.WithFields(logrus.Fields{"component": "media.sampleTrack", "kind": kind}),
	}
	if paced {
		go t.pace()
	}
	return t, nil
}

func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *sampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *sampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *sampleTrack) Stop() error {
	t.stopOnce.Do(func() { close(t.done) })
	return nil
}

func (t *sampleTrack) pace() {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.Enabled() {
				continue
			}
			err := t.track.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrameDuration})
			if err != nil {
				t.log.WithError(err).Debug("sample write failed")
			}
		}
	}
}
