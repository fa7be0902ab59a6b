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

const (
	defaultRingTimeout    = 30 * time.Second
	defaultAnswerTimeout  = 15 * time.Second
	defaultRetryBaseDelay = 1500 * time.Millisecond
	defaultMaxRetries     = 3
	defaultStatsInterval  = 3 * time.Second

	// A ringing record older than this can no longer be answered; the
	// initiator's ring timeout has long since marked it missed, close
	// enough that joining it would be answering a dead call.
	staleRingAge = 60 * time.Second
)

// MediaAcquirer opens local capture devices for a call.
type MediaAcquirer interface {
	Acquire(wantVideo bool) (*media.Stream, error)
}

// Options configures a Manager.
type Options struct {
	// UserID identifies the local user in call records.
	UserID string
	// Store is the signaling document store. Required.
	Store signaling.Store
	// Media acquires local capture devices. Required.
	Media MediaAcquirer
	// LinkFactory builds peer links. Defaults to the pion transport.
	LinkFactory peer.Factory
	// PeerConfig carries ICE servers. Defaults to a public STUN server.
	PeerConfig peer.Config

	// RingTimeout bounds how long an outgoing call rings.
	RingTimeout time.Duration
	// AnswerTimeout bounds transport establishment after answering.
	AnswerTimeout time.Duration
	// RetryBaseDelay is the backoff unit between negotiation retries.
	RetryBaseDelay time.Duration
	// MaxRetries bounds negotiation attempts after the first.
	MaxRetries int
	// StatsInterval is the quality sampling period.
	StatsInterval time.Duration
	// Thresholds are the quality grading limits.
	Thresholds QualityThresholds

	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
}

func (o *Options) applyDefaults() {
	if o.LinkFactory == nil {
		o.LinkFactory = peer.NewWebRTCLink
	}
	if len(o.PeerConfig.ICEServers) == 0 {
		o.PeerConfig = peer.DefaultConfig()
	}
	if o.RingTimeout <= 0 {
		o.RingTimeout = defaultRingTimeout
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = defaultAnswerTimeout
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = defaultRetryBaseDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = defaultStatsInterval
	}
	if o.Thresholds == (QualityThresholds{}) {
		o.Thresholds = DefaultQualityThresholds()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

func (o Options) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

// Manager places, answers and declines calls for one local user. At most
// one session is active at a time.
type Manager struct {
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	active   *Session
	reserved bool
}

// NewManager validates the options and returns a manager with no active
// call.
func NewManager(opts Options) (*Manager, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("signaling store is required")
	}
	if opts.Media == nil {
		return nil, fmt.Errorf("media acquirer is required")
	}
	opts.applyDefaults()

	return &Manager{
		opts: opts,
		log:  opts.Logger.WithField("user_id", opts.UserID),
	}, nil
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.State().Terminal() {
		m.active = nil
	}
	return m.active
}

// PlaceCall starts an outgoing call to recipientID in the given chat.
// It acquires media, writes the ringing record, and returns with the
// session ringing; progress is reported through the callbacks.
func (m *Manager) PlaceCall(ctx context.Context, chatID, recipientID string, callType signaling.CallType, cb Callbacks) (*Session, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}

	if cb.OnStateChange != nil {
		cb.OnStateChange(StateAcquiringMedia)
	}
	stream, err := m.opts.Media.Acquire(callType == signaling.CallTypeVideo)
	if err != nil {
		m.release(nil)
		return nil, err
	}

	rec := &signaling.CallRecord{
		ID:          signaling.NewCallID(),
		ChatID:      chatID,
		InitiatorID: m.opts.UserID,
		RecipientID: recipientID,
		Type:        callType,
		Status:      signaling.StatusRinging,
		StartedAt:   time.Now().UTC(),
	}
	if err := m.opts.Store.Create(ctx, rec); err != nil {
		stream.Close()
		m.release(nil)
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	channel := signaling.NewChannel(m.opts.Store, rec.ID, signaling.OriginInitiator)
	s := newSession(m.opts, cb, callType, channel, stream)

	unsub, err := channel.Listen(s.ctx, s.handleSignal)
	if err != nil {
		stream.Close()
		m.release(nil)
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	s.unsub = unsub

	m.release(s)
	m.log.WithFields(logrus.Fields{"call_id": rec.ID, "type": callType}).Info("placing call")
	go s.run(nil)
	return s, nil
}

// AnswerCall joins an incoming call by record ID. The stored offer is
// replayed to the new session, so answering works whether or not the
// offer arrived before the subscription went live.
func (m *Manager) AnswerCall(ctx context.Context, callID string, cb Callbacks) (*Session, error) {
	rec, err := m.opts.Store.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, signaling.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	if rec.Status.Terminal() {
		return nil, ErrCallTerminal
	}
	if rec.Status == signaling.StatusRinging && time.Since(rec.StartedAt) > staleRingAge {
		return nil, ErrCallExpired
	}

	if err := m.reserve(); err != nil {
		return nil, err
	}

	if cb.OnStateChange != nil {
		cb.OnStateChange(StateAcquiringMedia)
	}
	stream, err := m.opts.Media.Acquire(rec.Type == signaling.CallTypeVideo)
	if err != nil {
		m.release(nil)
		return nil, err
	}

	channel := signaling.NewChannel(m.opts.Store, rec.ID, signaling.OriginRecipient)
	s := newSession(m.opts, cb, rec.Type, channel, stream)

	unsub, err := channel.Listen(s.ctx, s.handleSignal)
	if err != nil {
		stream.Close()
		m.release(nil)
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	s.unsub = unsub

	if err := channel.MarkAnswered(ctx); err != nil {
		unsub()
		stream.Close()
		m.release(nil)
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	m.release(s)
	m.log.WithFields(logrus.Fields{"call_id": rec.ID, "type": rec.Type}).Info("answering call")
	go s.run(rec)
	return s, nil
}

// DeclineCall rejects an incoming call without acquiring media or
// building a transport. The forward-only status rules in the store make
// a decline racing the caller's hangup settle on whichever terminal
// status landed first.
func (m *Manager) DeclineCall(ctx context.Context, callID string) error {
	rec, err := m.opts.Store.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, signaling.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	if rec.Status.Terminal() {
		return ErrCallTerminal
	}

	channel := signaling.NewChannel(m.opts.Store, callID, signaling.OriginRecipient)
	if err := channel.Finish(ctx, signaling.StatusDeclined); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	m.log.WithField("call_id", callID).Info("declined call")
	return nil
}

// reserve claims the single active-call slot for a call being set up.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved {
		return ErrCallAlreadyActive
	}
	if m.active != nil && !m.active.State().Terminal() {
		return ErrCallAlreadyActive
	}
	m.active = nil
	m.reserved = true
	return nil
}

// release finalizes a reservation: a session on success, nil to free the
// slot again.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	m.active = s
	m.reserved = false
	m.mu.Unlock()
}
