package signaling

import "time"

// Filter is the pure ordering gate for inbound signals.
//
// The store may deliver change notifications late, repeated, or batched,
// so the same offer/answer can be observed many times and candidates can
// reappear in every snapshot. The filter admits each signal at most once
// and only in forward order: an offer or answer is admitted only when its
// timestamp is strictly newer than the last admitted one of its kind, and
// a candidate only when its sequence number is strictly greater than the
// last admitted sequence.
//
// Filter holds no locks and performs no I/O; callers serialize access
// (the Channel dispatches under its own mutex).
type Filter struct {
	lastOfferAt  time.Time
	lastAnswerAt time.Time
	lastCandSeq  int
}

// AdmitOffer reports whether the offer should be applied, recording it
// as the latest applied offer when admitted.
func (f *Filter) AdmitOffer(sig *SessionSignal) bool {
	if sig == nil || sig.SDP == "" {
		return false
	}
	if !sig.At.After(f.lastOfferAt) {
		return false
	}
	f.lastOfferAt = sig.At
	return true
}

// AdmitAnswer reports whether the answer should be applied, recording it
// as the latest applied answer when admitted.
func (f *Filter) AdmitAnswer(sig *SessionSignal) bool {
	if sig == nil || sig.SDP == "" {
		return false
	}
	if !sig.At.After(f.lastAnswerAt) {
		return false
	}
	f.lastAnswerAt = sig.At
	return true
}

// AdmitCandidate reports whether the candidate fragment should be
// applied, advancing the admitted sequence when it is.
func (f *Filter) AdmitCandidate(e CandidateEntry) bool {
	if e.Seq <= f.lastCandSeq {
		return false
	}
	f.lastCandSeq = e.Seq
	return true
}
