package signaling

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store backed by a map. It is the store
// used in tests and single-process demos; notifications are delivered
// synchronously on the mutating goroutine.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*CallRecord
	listeners map[string]map[int]func(CallRecord)
	nextSub   int
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*CallRecord),
		listeners: make(map[string]map[int]func(CallRecord)),
	}
}

// Create stores a new record. Fails with ErrAlreadyExists if the ID is taken.
func (s *MemoryStore) Create(ctx context.Context, rec *CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.records[rec.ID]; ok {
		s.mu.Unlock()
		return ErrAlreadyExists
	}
	s.records[rec.ID] = rec.Clone()
	snapshot := rec.Clone()
	fns := s.listenerSnapshot(rec.ID)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(*snapshot)
	}
	return nil
}

// Get returns a deep copy of the record, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update merges the patch into the record and notifies subscribers with
// the resulting snapshot. Status moves only forward, EndedAt keeps its
// first value, and candidate appends past the entry cap are dropped.
func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.IsZero() {
		return nil
	}

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	if p.Status != nil && CanTransition(rec.Status, *p.Status) {
		rec.Status = *p.Status
	}
	if p.AnsweredAt != nil && rec.AnsweredAt == nil {
		at := *p.AnsweredAt
		rec.AnsweredAt = &at
	}
	if p.EndedAt != nil && rec.EndedAt == nil {
		at := *p.EndedAt
		rec.EndedAt = &at
	}
	if p.Offer != nil {
		sig := *p.Offer
		rec.Offer = &sig
	}
	if p.Answer != nil {
		sig := *p.Answer
		rec.Answer = &sig
	}
	if p.AddCandidate != nil {
		rec.CandidateCount++
		if rec.CandidateCount <= MaxCandidateEntries {
			entry := *p.AddCandidate
			entry.Seq = rec.CandidateCount
			rec.Candidates = append(rec.Candidates, entry)
		}
	}

	snapshot := rec.Clone()
	fns := s.listenerSnapshot(id)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(*snapshot)
	}
	return nil
}

// Subscribe registers fn for every subsequent mutation of the record.
// The record does not need to exist yet.
func (s *MemoryStore) Subscribe(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners[id] == nil {
		s.listeners[id] = make(map[int]func(CallRecord))
	}
	key := s.nextSub
	s.nextSub++
	s.listeners[id][key] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[id], key)
		if len(s.listeners[id]) == 0 {
			delete(s.listeners, id)
		}
	}, nil
}

// SubscriberCount reports the active subscriptions for a record.
func (s *MemoryStore) SubscriberCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners[id])
}

// listenerSnapshot copies the listener set so callbacks run outside the lock.
// Callers must hold s.mu.
func (s *MemoryStore) listenerSnapshot(id string) []func(CallRecord) {
	fns := make([]func(CallRecord), 0, len(s.listeners[id]))
	for _, fn := range s.listeners[id] {
		fns = append(fns, fn)
	}
	return fns
}
