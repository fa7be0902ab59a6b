package media

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Acquirer opens a capture stream for a call, falling back to the
// minimal unconstrained request when the full-quality acquisition fails
// on anything other than an outright permission denial. Denial is final:
// retrying with weaker constraints would just prompt the user again.
type Acquirer struct {
	opener Opener
	log    *logrus.Entry
}

// NewAcquirer wraps an Opener with the fallback policy.
func NewAcquirer(opener Opener) *Acquirer {
	return &Acquirer{
		opener: opener,
		log:    logrus.WithField("component", "media.Acquirer"),
	}
}

// Acquire opens devices for a call. wantVideo selects the full
// audio+video request; when that fails the call retries with the
// minimal constraints, still asking for both kinds of track.
func (a *Acquirer) Acquire(wantVideo bool) (*Stream, error) {
	tracks, err := a.opener.Open(DefaultConstraints(wantVideo))
	if err == nil {
		return NewStream(tracks), nil
	}
	if errors.Is(err, ErrAccessDenied) {
		return nil, err
	}
	if !wantVideo {
		return nil, fmt.Errorf("acquire audio devices: %w", err)
	}

	a.log.WithError(err).Info("full media acquisition failed, retrying with minimal constraints")
	tracks, err = a.opener.Open(MinimalConstraints())
	if err != nil {
		return nil, fmt.Errorf("acquire fallback devices: %w", err)
	}
	return NewStream(tracks), nil
}
