// Package registry implements the idempotency ledger that guarantees at most
// one in-flight revaluation per card.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/cardvault/revalue/internal/model"
)

// DefaultTTL is how long a RUNNING record blocks new executions before it is
// considered abandoned (crashed execution) and garbage-collected.
const DefaultTTL = 600 * time.Second

// Record is one execution ledger entry. Owned exclusively by the registry.
type Record struct {
	CardID      string
	ExecutionID string
	RequestID   string
	Status      model.ExecutionStatus
	StartedAt   time.Time
	ExpiresAt   time.Time
}

// StartResult is the outcome of TryStart. When Started is false the caller
// lost the race and ExecutionID belongs to the winner.
type StartResult struct {
	Started     bool
	ExecutionID string
}

// ErrUnknownExecution is returned by Complete for an executionID the ledger
// has no RUNNING record for.
var ErrUnknownExecution = eris.New("unknown execution")

// Ledger is the in-process execution registry. All mutations happen under a
// single-writer lock; TryStart is the compare-and-swap point.
type Ledger struct {
	ttl time.Duration

	mu      sync.Mutex
	byCard  map[string]*Record
	byExec  map[string]*Record
	nowFunc func() time.Time
}

// New creates a ledger with the given TTL (DefaultTTL if zero).
func New(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		ttl:     ttl,
		byCard:  make(map[string]*Record),
		byExec:  make(map[string]*Record),
		nowFunc: time.Now,
	}
}

// TryStart atomically claims the card for a new execution. If a live RUNNING
// record exists, the caller loses and receives the winner's executionID —
// never an error.
func (l *Ledger) TryStart(cardID, requestID string) StartResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if rec, ok := l.byCard[cardID]; ok {
		if rec.Status == model.ExecutionRunning && now.Before(rec.ExpiresAt) {
			return StartResult{Started: false, ExecutionID: rec.ExecutionID}
		}
		// Completed or expired record: evict and claim.
		l.evict(rec)
	}

	rec := &Record{
		CardID:      cardID,
		ExecutionID: uuid.New().String(),
		RequestID:   requestID,
		Status:      model.ExecutionRunning,
		StartedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}
	l.byCard[cardID] = rec
	l.byExec[rec.ExecutionID] = rec
	return StartResult{Started: true, ExecutionID: rec.ExecutionID}
}

// Complete transitions RUNNING → DONE/FAILED. Completed records are dropped
// from the card index immediately so the next trigger can start fresh.
func (l *Ledger) Complete(executionID string, status model.ExecutionStatus) error {
	if status != model.ExecutionDone && status != model.ExecutionFailed {
		return eris.Errorf("registry: invalid terminal status %q", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byExec[executionID]
	if !ok {
		return eris.Wrapf(ErrUnknownExecution, "execution %s", executionID)
	}
	rec.Status = status
	l.evict(rec)
	return nil
}

// Get returns a copy of the record for an executionID, if still tracked.
func (l *Ledger) Get(executionID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byExec[executionID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Running returns the in-flight record for a card, if any.
func (l *Ledger) Running(cardID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byCard[cardID]
	if !ok || rec.Status != model.ExecutionRunning || !l.nowFunc().Before(rec.ExpiresAt) {
		return Record{}, false
	}
	return *rec, true
}

// Sweep drops expired RUNNING records and returns how many were removed.
// The serve loop calls this on a ticker so a crashed execution cannot lock a
// card out past the TTL.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	removed := 0
	for _, rec := range l.byCard {
		if !now.Before(rec.ExpiresAt) {
			l.evict(rec)
			removed++
		}
	}
	return removed
}

func (l *Ledger) evict(rec *Record) {
	if cur, ok := l.byCard[rec.CardID]; ok && cur.ExecutionID == rec.ExecutionID {
		delete(l.byCard, rec.CardID)
	}
	delete(l.byExec, rec.ExecutionID)
}
