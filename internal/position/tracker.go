// Package position tracks the bot's single open btc_jpy position in memory,
// grounded on the teacher's SuperPositionManager: an RWMutex-guarded map plus
// a processedUpdates idempotency set keyed by update identifier, narrowed
// from many concurrent grid slots down to the single VirtualPosition this
// spot/margin bot carries at a time.
package position

import (
	"sync"
	"time"

	"bitbank-trader/internal/domain"
)

// Tracker holds the current VirtualPosition (if any) plus a short-lived
// idempotency window so a reconciliation pass replaying the same fill twice
// does not double-apply it.
type Tracker struct {
	mu sync.RWMutex

	current *domain.VirtualPosition

	processedMu      sync.Mutex
	processedUpdates map[string]time.Time
	idempotencyTTL   time.Duration
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		processedUpdates: make(map[string]time.Time),
		idempotencyTTL:   5 * time.Minute,
	}
}

// Open records a new position, replacing any previous one. Opening a second
// position while one is already open is a caller error (spec.md §4: one
// position at a time) but Tracker itself does not enforce it — the
// execution service checks HasOpenPosition before calling Open.
func (t *Tracker) Open(p domain.VirtualPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pCopy := p
	t.current = &pCopy
}

// Close clears the current position.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
}

// Current returns a copy of the open position, or nil if flat.
func (t *Tracker) Current() *domain.VirtualPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	cpy := *t.current
	return &cpy
}

// HasOpenPosition reports whether a position is currently open.
func (t *Tracker) HasOpenPosition() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current != nil
}

// Update applies a mutation function to the current position under lock; it
// is a no-op if there is no open position.
func (t *Tracker) Update(fn func(p *domain.VirtualPosition)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		fn(t.current)
	}
}

// MarkProcessed records updateKey as handled and reports whether it had
// already been processed within the idempotency window — callers use this
// to skip replaying the same exchange order-update event twice.
func (t *Tracker) MarkProcessed(updateKey string) (alreadyProcessed bool) {
	t.processedMu.Lock()
	defer t.processedMu.Unlock()

	now := time.Now()
	for key, seenAt := range t.processedUpdates {
		if now.Sub(seenAt) > t.idempotencyTTL {
			delete(t.processedUpdates, key)
		}
	}

	if _, seen := t.processedUpdates[updateKey]; seen {
		return true
	}
	t.processedUpdates[updateKey] = now
	return false
}
