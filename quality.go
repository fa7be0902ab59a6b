package peercall

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/peer"
)

// Grade is a coarse connection quality rating.
type Grade int

const (
	// GradeUnknown means not enough data has been sampled yet.
	GradeUnknown Grade = iota
	GradeGood
	GradeMedium
	GradePoor
)

func (g Grade) String() string {
	switch g {
	case GradeGood:
		return "good"
	case GradeMedium:
		return "medium"
	case GradePoor:
		return "poor"
	default:
		return "unknown"
	}
}

// QualitySample is one interval's worth of transport measurements. Loss
// counts cover only the interval, not the whole call.
type QualitySample struct {
	RoundTripTime time.Duration
	Jitter        time.Duration
	PacketsLost   uint64
	PacketsTotal  uint64
	At            time.Time
}

// LossRatio returns the fraction of packets lost in the interval.
func (s QualitySample) LossRatio() float64 {
	if s.PacketsTotal == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(s.PacketsTotal)
}

// QualityThresholds holds the grading cut-offs. A measurement past the
// Poor limit grades poor, past the Medium limit grades medium; the call
// grades at the worst of its three measurements.
type QualityThresholds struct {
	RTTMedium    time.Duration
	RTTPoor      time.Duration
	LossMedium   float64
	LossPoor     float64
	JitterMedium time.Duration
	JitterPoor   time.Duration
}

// DefaultQualityThresholds returns the grading limits used for calls.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		RTTMedium:    150 * time.Millisecond,
		RTTPoor:      300 * time.Millisecond,
		LossMedium:   0.02,
		LossPoor:     0.05,
		JitterMedium: 30 * time.Millisecond,
		JitterPoor:   50 * time.Millisecond,
	}
}

// Grade rates one sample against the thresholds, worst measurement wins.
func (t QualityThresholds) Grade(s QualitySample) Grade {
	grade := GradeGood
	raise := func(g Grade) {
		if g > grade {
			grade = g
		}
	}

	switch {
	case s.RoundTripTime > t.RTTPoor:
		raise(GradePoor)
	case s.RoundTripTime > t.RTTMedium:
		raise(GradeMedium)
	}
	switch loss := s.LossRatio(); {
	case loss > t.LossPoor:
		raise(GradePoor)
	case loss > t.LossMedium:
		raise(GradeMedium)
	}
	switch {
	case s.Jitter > t.JitterPoor:
		raise(GradePoor)
	case s.Jitter > t.JitterMedium:
		raise(GradeMedium)
	}
	return grade
}

// QualityMonitor periodically samples a link's transport stats, grades
// them, and notifies its callbacks. The poor-quality warning fires once
// per degradation episode: it re-arms only after the grade recovers.
type QualityMonitor struct {
	interval   time.Duration
	thresholds QualityThresholds
	sample     func(ctx context.Context) (peer.Stats, error)

	onSample  func(QualitySample, Grade)
	onWarning func(QualitySample)

	mu       sync.Mutex
	prev     peer.Stats
	hasPrev  bool
	warned   bool
	grade    Grade
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	log *logrus.Entry
}

// NewQualityMonitor builds an idle monitor over a stats source.
func NewQualityMonitor(interval time.Duration, thresholds QualityThresholds, sample func(ctx context.Context) (peer.Stats, error)) *QualityMonitor {
	return &QualityMonitor{
		interval:   interval,
		thresholds: thresholds,
		sample:     sample,
		grade:      GradeUnknown,
		done:       make(chan struct{}),
		log:        logrus.WithField("component", "QualityMonitor"),
	}
}

// OnSample registers the per-interval callback.
func (m *QualityMonitor) OnSample(fn func(QualitySample, Grade)) {
	m.mu.Lock()
	m.onSample = fn
	m.mu.Unlock()
}

// OnWarning registers the degradation callback.
func (m *QualityMonitor) OnWarning(fn func(QualitySample)) {
	m.mu.Lock()
	m.onWarning = fn
	m.mu.Unlock()
}

// Grade returns the most recent rating.
func (m *QualityMonitor) Grade() Grade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grade
}

// Start begins sampling until Stop or context cancellation.
func (m *QualityMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop halts sampling and waits for the sampling goroutine to exit.
// Idempotent; safe to call before Start.
func (m *QualityMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel == nil {
			close(m.done)
			return
		}
		cancel()
		<-m.done
	})
}

func (m *QualityMonitor) tick(ctx context.Context) {
	stats, err := m.sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.WithError(err).Debug("stats sample failed")
		}
		return
	}
	m.Observe(stats, time.Now())
}

// Observe folds one cumulative stats snapshot into the monitor. Exposed
// so tests can drive the monitor without the ticker. The first snapshot
// only establishes the baseline.
func (m *QualityMonitor) Observe(stats peer.Stats, at time.Time) {
	m.mu.Lock()

	if !m.hasPrev {
		m.prev = stats
		m.hasPrev = true
		m.mu.Unlock()
		return
	}

	sample := QualitySample{
		RoundTripTime: stats.RoundTripTime,
		Jitter:        stats.Jitter,
		At:            at,
	}
	if stats.PacketsLost >= m.prev.PacketsLost {
		sample.PacketsLost = stats.PacketsLost - m.prev.PacketsLost
	}
	if stats.PacketsReceived >= m.prev.PacketsReceived {
		sample.PacketsTotal = stats.PacketsReceived - m.prev.PacketsReceived + sample.PacketsLost
	}
	m.prev = stats

	grade := m.thresholds.Grade(sample)
	m.grade = grade

	warn := false
	if grade == GradePoor {
		if !m.warned {
			m.warned = true
			warn = true
		}
	} else {
		m.warned = false
	}

	onSample := m.onSample
	onWarning := m.onWarning
	m.mu.Unlock()

	if onSample != nil {
		onSample(sample, grade)
	}
	if warn {
		m.log.WithFields(logrus.Fields{
			"rtt":    sample.RoundTripTime,
			"loss":   sample.LossRatio(),
			"jitter": sample.Jitter,
		}).Warn("connection quality degraded")
		if onWarning != nil {
			onWarning(sample)
		}
	}
}
