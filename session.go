package peercall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/peer"
	"github.com/opd-ai/peercall/signaling"
)

// Callbacks receives session events. All callbacks are invoked from the
// session's event loop, so they must not block and must not call back
// into the session synchronously except for the read accessors.
type Callbacks struct {
	OnStateChange    func(State)
	OnRemoteTrack    func(peer.RemoteTrack)
	OnQuality        func(QualitySample, Grade)
	OnQualityWarning func(QualitySample)
	OnEnded          func(error)
}

type eventKind int

const (
	evSignal eventKind = iota
	evLocalCandidate
	evLinkState
	evRemoteTrack
	evRingTimeout
	evAnswerTimeout
	evRetryReady
	evHangup
)

type sessionEvent struct {
	kind      eventKind
	signal    signaling.Event
	candidate string
	linkState peer.State
	link      peer.Link
	track     peer.RemoteTrack
}

// Session is one call in progress. All negotiation state lives in a
// single event loop goroutine; the exported methods either read a
// snapshot under a mutex or post an event to the loop.
type Session struct {
	id       string
	role     signaling.Origin
	callType signaling.CallType
	opts     Options
	cb       Callbacks

	channel *signaling.Channel
	stream  *media.Stream
	unsub   signaling.Unsubscribe

	ctx    context.Context
	cancel context.CancelFunc
	events chan sessionEvent
	done   chan struct{}

	mu          sync.Mutex
	state       State
	connectedAt time.Time
	endedAt     time.Time
	endErr      error

	// Loop-owned fields, touched only from run.
	link            peer.Link
	monitor         *QualityMonitor
	ringTimer       *time.Timer
	answerTimer     *time.Timer
	retryTimer      *time.Timer
	signalingLocked bool
	retryCount      int
	pendingRemote   *signaling.Event
	pendingCands    []signaling.CandidateEntry
	answered        bool

	log *logrus.Entry
}

func newSession(opts Options, cb Callbacks, callType signaling.CallType, channel *signaling.Channel, stream *media.Stream) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       channel.CallID(),
		role:     channel.Origin(),
		callType: callType,
		opts:     opts,
		cb:       cb,
		channel:  channel,
		stream:   stream,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan sessionEvent, 32),
		done:     make(chan struct{}),
		state:    StateIdle,
		log: opts.logger().WithFields(logrus.Fields{
			"call_id": channel.CallID(),
			"role":    channel.Origin(),
		}),
	}
}

// ID returns the call record identifier.
func (s *Session) ID() string { return s.id }

// Role returns the side of the call the session plays.
func (s *Session) Role() signaling.Origin { return s.role }

// Type returns the call kind.
func (s *Session) Type() signaling.CallType { return s.callType }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, nil for a normally ended call or a
// call still in progress.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Duration reports time spent connected. Zero before media flows; frozen
// once the call ends.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.connectedAt)
	}
	return time.Since(s.connectedAt)
}

// SetAudioEnabled mutes or unmutes the local microphone.
func (s *Session) SetAudioEnabled(enabled bool) { s.stream.SetAudioEnabled(enabled) }

// SetVideoEnabled pauses or resumes the local camera.
func (s *Session) SetVideoEnabled(enabled bool) { s.stream.SetVideoEnabled(enabled) }

// AudioEnabled reports whether the local microphone is live.
func (s *Session) AudioEnabled() bool { return s.stream.AudioEnabled() }

// VideoEnabled reports whether the local camera is live.
func (s *Session) VideoEnabled() bool { return s.stream.VideoEnabled() }

// Hangup ends the call locally. Safe to call at any point and more than
// once; wait on Done for the teardown to complete.
func (s *Session) Hangup() {
	s.post(sessionEvent{kind: evHangup})
}

// handleSignal is the sink for channel events, from both the live
// subscription and the initial snapshot replay.
func (s *Session) handleSignal(ev signaling.Event) {
	s.post(sessionEvent{kind: evSignal, signal: ev})
}

func (s *Session) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// run is the event loop. initial carries the record snapshot the
// recipient loaded before subscribing, so the already-written offer is
// replayed through the same ordering gate as live events.
func (s *Session) run(initial *signaling.CallRecord) {
	s.setState(StateSignaling)

	if err := s.begin(initial); err != nil {
		s.finish(err, signaling.StatusEnded, true)
		return
	}

	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.ctx.Done():
		}
		if s.State().Terminal() {
			return
		}
	}
}

func (s *Session) begin(initial *signaling.CallRecord) error {
	if err := s.buildLink(); err != nil {
		return err
	}

	if s.role == signaling.OriginInitiator {
		if err := s.sendOffer(); err != nil {
			return err
		}
		s.ringTimer = time.AfterFunc(s.opts.RingTimeout, func() {
			s.post(sessionEvent{kind: evRingTimeout})
		})
		return nil
	}

	if initial != nil {
		s.channel.Dispatch(*initial, s.handleSignal)
	}
	return nil
}

func (s *Session) handle(ev sessionEvent) {
	switch ev.kind {
	case evSignal:
		s.handleSignalEvent(ev.signal)
	case evLocalCandidate:
		if err := s.channel.SendCandidate(s.ctx, ev.candidate); err != nil && s.ctx.Err() == nil {
			s.log.WithError(err).Warn("failed to publish local candidate")
		}
	case evLinkState:
		if ev.link == s.link {
			s.handleLinkState(ev.linkState)
		}
	case evRemoteTrack:
		if s.cb.OnRemoteTrack != nil {
			s.cb.OnRemoteTrack(ev.track)
		}
	case evRingTimeout:
		if !s.answered {
			s.log.Info("call not answered in time")
			s.finish(ErrConnectionTimeout, signaling.StatusMissed, true)
		}
	case evAnswerTimeout:
		if s.State() != StateConnected {
			s.log.Info("transport did not connect in time")
			s.finish(ErrConnectionTimeout, signaling.StatusEnded, true)
		}
	case evRetryReady:
		s.completeRecovery()
	case evHangup:
		s.finish(nil, signaling.StatusEnded, true)
	}
}

func (s *Session) handleSignalEvent(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventStatus:
		s.handleStatus(ev.Status)
	case signaling.EventOffer, signaling.EventAnswer:
		if s.signalingLocked {
			// A retry is in flight. Park the signal and let the fresh
			// negotiation attempt pick it up.
			s.pendingRemote = &ev
			return
		}
		if ev.Kind == signaling.EventOffer {
			s.applyOffer(*ev.Signal)
		} else {
			s.applyAnswer(*ev.Signal)
		}
	case signaling.EventCandidate:
		if s.signalingLocked || s.link == nil {
			// The filter admits each candidate only once, so entries
			// arriving mid-retry are parked for the fresh link.
			s.pendingCands = append(s.pendingCands, *ev.Candidate)
			return
		}
		if err := s.link.AddRemoteCandidate(ev.Candidate.Payload); err != nil {
			s.log.WithError(err).WithField("seq", ev.Candidate.Seq).Debug("discarding remote candidate")
		}
	}
}

func (s *Session) handleStatus(st signaling.Status) {
	switch st {
	case signaling.StatusAnswered:
		s.answered = true
		stopTimer(&s.ringTimer)
	case signaling.StatusDeclined:
		s.finish(ErrRemoteDeclined, "", false)
	case signaling.StatusEnded:
		s.finish(ErrRemoteEnded, "", false)
	case signaling.StatusMissed:
		s.finish(ErrConnectionTimeout, "", false)
	}
}

// applyOffer handles an admitted remote offer on the recipient side. If
// the current link cannot take it the link is replaced and the fresh one
// answers instead; the remote side always negotiates against the newest
// offer it published.
func (s *Session) applyOffer(sig signaling.SessionSignal) {
	desc := peer.Description{Type: "offer", SDP: sig.SDP}

	answer, err := s.link.Answer(s.ctx, desc)
	if errors.Is(err, peer.ErrInvalidState) {
		s.log.Info("link cannot take new offer, rebuilding")
		s.closeLink()
		if err = s.buildLink(); err == nil {
			answer, err = s.link.Answer(s.ctx, desc)
		}
	}
	if err != nil {
		s.log.WithError(err).Error("failed to answer offer")
		s.finish(ErrConnectionFailed, signaling.StatusEnded, true)
		return
	}

	if _, err := s.channel.SendAnswer(s.ctx, answer.SDP); err != nil {
		s.finish(fmt.Errorf("%w: %v", ErrSignalingUnavailable, err), signaling.StatusEnded, true)
		return
	}
	s.setState(StateConnecting)
	s.startAnswerTimer()
}

// applyAnswer handles an admitted remote answer on the initiator side.
// An answer the link cannot take means both sides raced signals; the
// initiator backs off, re-offers on a fresh link, and the recipient
// answers the newer offer.
func (s *Session) applyAnswer(sig signaling.SessionSignal) {
	err := s.link.AcceptAnswer(s.ctx, peer.Description{Type: "answer", SDP: sig.SDP})
	if errors.Is(err, peer.ErrInvalidState) {
		s.beginRecovery()
		return
	}
	if err != nil {
		s.log.WithError(err).Error("failed to accept answer")
		s.finish(ErrConnectionFailed, signaling.StatusEnded, true)
		return
	}

	stopTimer(&s.ringTimer)
	s.setState(StateConnecting)
	s.startAnswerTimer()
}

func (s *Session) handleLinkState(st peer.State) {
	switch st {
	case peer.StateConnected:
		s.retryCount = 0
		stopTimer(&s.answerTimer)
		s.markConnected()
		s.startMonitor()
	case peer.StateFailed:
		if s.role == signaling.OriginInitiator {
			s.log.Warn("transport failed, retrying negotiation")
			s.beginRecovery()
			return
		}
		s.finish(ErrConnectionFailed, signaling.StatusEnded, true)
	}
}

// beginRecovery tears the link down and schedules a fresh negotiation
// attempt with linear backoff. Signals arriving during the window are
// parked, not dropped.
func (s *Session) beginRecovery() {
	s.retryCount++
	if s.retryCount > s.opts.MaxRetries {
		s.log.WithField("retries", s.retryCount-1).Error("negotiation retries exhausted")
		s.finish(ErrConnectionFailed, signaling.StatusEnded, true)
		return
	}

	s.signalingLocked = true
	s.closeLink()

	delay := s.opts.RetryBaseDelay * time.Duration(s.retryCount)
	s.log.WithFields(logrus.Fields{"attempt": s.retryCount, "delay": delay}).Info("scheduling negotiation retry")
	s.retryTimer = time.AfterFunc(delay, func() {
		s.post(sessionEvent{kind: evRetryReady})
	})
}

func (s *Session) completeRecovery() {
	if s.State().Terminal() {
		return
	}
	if err := s.buildLink(); err != nil {
		s.finish(err, signaling.StatusEnded, true)
		return
	}
	if s.role == signaling.OriginInitiator {
		if err := s.sendOffer(); err != nil {
			s.finish(err, signaling.StatusEnded, true)
			return
		}
	}
	s.signalingLocked = false

	if pending := s.pendingRemote; pending != nil {
		s.pendingRemote = nil
		s.handleSignalEvent(*pending)
	}
	cands := s.pendingCands
	s.pendingCands = nil
	for i := range cands {
		s.handleSignalEvent(signaling.Event{Kind: signaling.EventCandidate, Candidate: &cands[i]})
	}
}

func (s *Session) buildLink() error {
	link, err := s.opts.LinkFactory(s.opts.PeerConfig, roleFor(s.role), s.stream.Tracks())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	s.link = link

	link.OnLocalCandidate(func(payload string) {
		s.post(sessionEvent{kind: evLocalCandidate, candidate: payload})
	})
	link.OnRemoteTrack(func(t peer.RemoteTrack) {
		s.post(sessionEvent{kind: evRemoteTrack, track: t})
	})
	link.OnStateChange(func(st peer.State) {
		s.post(sessionEvent{kind: evLinkState, linkState: st, link: link})
	})
	return nil
}

func (s *Session) sendOffer() error {
	offer, err := s.link.Offer(s.ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if _, err := s.channel.SendOffer(s.ctx, offer.SDP); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	return nil
}

func (s *Session) markConnected() {
	s.mu.Lock()
	if s.connectedAt.IsZero() {
		s.connectedAt = time.Now()
	}
	s.mu.Unlock()
	s.setState(StateConnected)

	if err := s.channel.MarkConnected(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.WithError(err).Warn("failed to mark call record connected")
	}
}

func (s *Session) startMonitor() {
	if s.monitor != nil {
		return
	}
	link := s.link
	s.monitor = NewQualityMonitor(s.opts.StatsInterval, s.opts.Thresholds, func(ctx context.Context) (peer.Stats, error) {
		return link.Stats(ctx)
	})
	s.monitor.OnSample(func(sample QualitySample, grade Grade) {
		if s.cb.OnQuality != nil {
			s.cb.OnQuality(sample, grade)
		}
	})
	s.monitor.OnWarning(func(sample QualitySample) {
		if s.cb.OnQualityWarning != nil {
			s.cb.OnQualityWarning(sample)
		}
	})
	s.monitor.Start(s.ctx)
}

func (s *Session) startAnswerTimer() {
	if s.answerTimer != nil {
		return
	}
	s.answerTimer = time.AfterFunc(s.opts.AnswerTimeout, func() {
		s.post(sessionEvent{kind: evAnswerTimeout})
	})
}

// finish moves the session to its terminal state exactly once, releases
// every local resource unconditionally, then writes the record status
// best-effort. err selects between Ended and Failed; acknowledgements of
// a remote hangup or decline end the call rather than fail it.
func (s *Session) finish(err error, status signaling.Status, writeStatus bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.endedAt = time.Now()
	s.endErr = err
	final := StateFailed
	if err == nil || errors.Is(err, ErrRemoteDeclined) || errors.Is(err, ErrRemoteEnded) {
		final = StateEnded
	}
	s.state = final
	s.mu.Unlock()

	stopTimer(&s.ringTimer)
	stopTimer(&s.answerTimer)
	stopTimer(&s.retryTimer)
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.closeLink()
	if cerr := s.stream.Close(); cerr != nil {
		s.log.WithError(cerr).Warn("error releasing media on teardown")
	}
	if s.unsub != nil {
		s.unsub()
	}

	if writeStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if werr := s.channel.Finish(ctx, status); werr != nil {
			s.log.WithError(werr).Warn("failed to write terminal call status")
		}
		cancel()
	}

	s.log.WithFields(logrus.Fields{"state": final, "duration": s.Duration()}).Info("call finished")

	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(final)
	}
	if s.cb.OnEnded != nil {
		s.cb.OnEnded(err)
	}

	s.cancel()
	close(s.done)
}

func (s *Session) closeLink() {
	if s.link == nil {
		return
	}
	if err := s.link.Close(); err != nil {
		s.log.WithError(err).Debug("error closing peer link")
	}
	s.link = nil
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.log.WithField("state", next).Debug("session state changed")
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(next)
	}
}

func roleFor(o signaling.Origin) peer.Role {
	if o == signaling.OriginInitiator {
		return peer.Initiator
	}
	return peer.Responder
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
