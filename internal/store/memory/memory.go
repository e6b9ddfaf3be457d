// Package memory is the in-memory store used by unit tests and local
// development. It reproduces the locking semantics of the postgres store:
// Generation serializes per subscriber and commits atomically.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/script"
	"github.com/reelscript-ai/reelscript/internal/store"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

type monthKey struct {
	sub   uuid.UUID
	year  int
	month time.Month
}

// Store holds everything in process memory, scoped to process lifetime.
type Store struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*subscriber.Subscriber
	rowLocks    map[uuid.UUID]*sync.Mutex
	usage       []store.UsageRecord
	monthly     map[monthKey]*store.UsageWindow
	artifacts   map[uuid.UUID]*script.Artifact
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		subscribers: make(map[uuid.UUID]*subscriber.Subscriber),
		rowLocks:    make(map[uuid.UUID]*sync.Mutex),
		monthly:     make(map[monthKey]*store.UsageWindow),
		artifacts:   make(map[uuid.UUID]*script.Artifact),
	}
}

func (s *Store) GetSubscriber(ctx context.Context, id uuid.UUID) (*subscriber.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, store.ErrSubscriberNotFound
	}
	return sub.Clone(), nil
}

func (s *Store) PutSubscriber(ctx context.Context, sub *subscriber.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub.Clone()
	return nil
}

// rowLock returns the per-subscriber mutex, creating it on first use.
func (s *Store) rowLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	return l
}

func (s *Store) Generation(ctx context.Context, subscriberID uuid.UUID, fn func(ctx context.Context, tx store.GenerationTx) error) error {
	lock := s.rowLock(subscriberID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sub, ok := s.subscribers[subscriberID]
	if !ok {
		s.mu.Unlock()
		return store.ErrSubscriberNotFound
	}
	staged := sub.Clone()
	s.mu.Unlock()

	tx := &generationTx{staged: staged}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	// Commit: staged state becomes visible atomically.
	s.mu.Lock()
	defer s.mu.Unlock()
	staged.UpdatedAt = time.Now().UTC()
	s.subscribers[subscriberID] = staged
	for _, a := range tx.artifacts {
		s.artifacts[a.ID] = a
	}
	for _, rec := range tx.usage {
		s.appendUsageLocked(rec)
	}
	return nil
}

type generationTx struct {
	staged    *subscriber.Subscriber
	artifacts []*script.Artifact
	usage     []store.UsageRecord
}

func (tx *generationTx) Subscriber() *subscriber.Subscriber { return tx.staged }

func (tx *generationTx) SaveArtifact(ctx context.Context, a *script.Artifact) error {
	cp := *a
	tx.artifacts = append(tx.artifacts, &cp)
	return nil
}

func (tx *generationTx) IncrementTrialUsed(ctx context.Context) error {
	tx.staged.TrialGenerationsUsed++
	return nil
}

func (tx *generationTx) IncrementMonthlyCount(ctx context.Context) error {
	tx.staged.MonthlyGenerationCount++
	return nil
}

func (tx *generationTx) AppendUsage(ctx context.Context, rec store.UsageRecord) error {
	tx.usage = append(tx.usage, rec)
	return nil
}

func (s *Store) AppendUsage(ctx context.Context, rec store.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendUsageLocked(rec)
	return nil
}

func (s *Store) appendUsageLocked(rec store.UsageRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.usage = append(s.usage, rec)

	key := monthKey{sub: rec.SubscriberID, year: rec.CreatedAt.UTC().Year(), month: rec.CreatedAt.UTC().Month()}
	w, ok := s.monthly[key]
	if !ok {
		w = &store.UsageWindow{}
		s.monthly[key] = w
	}
	if rec.Success {
		w.Generations++
		w.TotalTokens += rec.TotalTokens
		w.CostUSD += rec.EstimatedCostUSD
	} else {
		w.FailedAttempts++
	}
}

func (s *Store) DailyUsage(ctx context.Context, subscriberID uuid.UUID, day time.Time) (store.UsageWindow, error) {
	start := store.DayStart(day)
	end := start.AddDate(0, 0, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	var w store.UsageWindow
	for _, rec := range s.usage {
		if rec.SubscriberID != subscriberID {
			continue
		}
		at := rec.CreatedAt.UTC()
		if at.Before(start) || !at.Before(end) {
			continue
		}
		if rec.Success {
			w.Generations++
			w.TotalTokens += rec.TotalTokens
			w.CostUSD += rec.EstimatedCostUSD
		} else {
			w.FailedAttempts++
		}
	}
	return w, nil
}

func (s *Store) MonthlyUsage(ctx context.Context, subscriberID uuid.UUID, month time.Time) (store.UsageWindow, error) {
	start := store.MonthStart(month)
	key := monthKey{sub: subscriberID, year: start.Year(), month: start.Month()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.monthly[key]; ok {
		return *w, nil
	}
	return store.UsageWindow{}, nil
}

func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*script.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, store.ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) PruneUsage(ctx context.Context, dailyCutoff, monthlyCutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	kept := s.usage[:0]
	for _, rec := range s.usage {
		if rec.CreatedAt.Before(dailyCutoff) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.usage = kept

	for key := range s.monthly {
		monthEnd := time.Date(key.year, key.month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if monthEnd.Before(monthlyCutoff) {
			delete(s.monthly, key)
			pruned++
		}
	}
	return pruned, nil
}
