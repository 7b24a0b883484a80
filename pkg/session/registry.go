package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/p42r/internal/observability"
	"github.com/harun/p42r/pkg/platform"
)

// Status is the authorization status of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusRevoked    Status = "revoked"
)

// AuthStore persists the identity to authorization mapping.
type AuthStore interface {
	IsAllowed(id platform.Identity) bool
	Allow(id platform.Identity, reason string) error
	// Revoke must succeed for identities that were never allowed.
	Revoke(id platform.Identity) error
}

// Config holds registry limits.
type Config struct {
	MaxConcurrent   int
	RateLimitMax    int
	RateLimitWindow time.Duration
	RatePolicy      RatePolicy
	Now             func() time.Time
}

// Slot is one unit of per-identity concurrency capacity.
type Slot struct {
	ID         uint64
	AcquiredAt time.Time
}

// Info is a read-only view of a session.
type Info struct {
	Identity    platform.Identity
	Status      Status
	ActiveSlots int
	CreatedAt   time.Time
	LastSeen    time.Time
}

type entry struct {
	mu        sync.Mutex
	identity  platform.Identity
	status    Status
	limiter   limiter
	slots     map[uint64]time.Time
	released  chan struct{}
	createdAt time.Time
	lastSeen  time.Time
}

// Registry owns every session. Nothing else reads or writes identity state.
type Registry struct {
	cfg   Config
	store AuthStore

	mu       sync.RWMutex
	sessions map[platform.Identity]*entry
	nextSlot uint64

	listenersMu sync.RWMutex
	listeners   []func(platform.Identity)
}

// NewRegistry creates a registry backed by store. A nil store keeps
// authorization in memory only.
func NewRegistry(cfg Config, store AuthStore) *Registry {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RatePolicy == "" {
		cfg.RatePolicy = PolicyFixedWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		store:    store,
		sessions: make(map[platform.Identity]*entry),
	}
}

// MaxConcurrent returns the per-identity concurrency limit.
func (r *Registry) MaxConcurrent() int {
	return r.cfg.MaxConcurrent
}

// OnRevoke registers a callback invoked after an identity loses authorization.
func (r *Registry) OnRevoke(fn func(platform.Identity)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Touch records contact from an identity, creating its session if needed.
func (r *Registry) Touch(id platform.Identity) Status {
	e := r.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = r.cfg.Now()
	return r.syncStatusLocked(e)
}

// Authorize grants the identity access and persists it in the store.
func (r *Registry) Authorize(id platform.Identity, reason string) error {
	if r.store != nil {
		if err := r.store.Allow(id, reason); err != nil {
			return err
		}
	}
	e := r.getOrCreate(id)
	e.mu.Lock()
	e.status = StatusAuthorized
	e.mu.Unlock()
	log.Info().Str("identity", id.String()).Msg("Identity authorized")
	return nil
}

// Revoke withdraws access. Running executions are told through OnRevoke
// callbacks; the session itself is dropped once its slots are released.
func (r *Registry) Revoke(id platform.Identity) error {
	if r.store != nil {
		if err := r.store.Revoke(id); err != nil {
			return err
		}
	}
	r.markRevoked(id)
	return nil
}

// IsAuthorized reports whether the identity may run commands.
func (r *Registry) IsAuthorized(id platform.Identity) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		if r.store == nil {
			return false
		}
		return r.store.IsAllowed(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.syncStatusLocked(e) == StatusAuthorized
}

// TryAcquireSlot grants a concurrency slot or returns a *Rejection. The rate
// limit is checked before capacity so a rate-limited request holds nothing.
func (r *Registry) TryAcquireSlot(id platform.Identity) (Slot, error) {
	e := r.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.cfg.Now()
	e.lastSeen = now

	if r.syncStatusLocked(e) != StatusAuthorized {
		observability.RecordSlotRejection(string(Unauthorized))
		return Slot{}, &Rejection{Reason: Unauthorized}
	}
	if ok, retryAfter := e.limiter.allow(now); !ok {
		observability.RecordSlotRejection(string(RateLimited))
		return Slot{}, &Rejection{Reason: RateLimited, RetryAfter: retryAfter}
	}
	if len(e.slots) >= r.cfg.MaxConcurrent {
		observability.RecordSlotRejection(string(TooManyConcurrent))
		return Slot{}, &Rejection{Reason: TooManyConcurrent}
	}
	return r.grantLocked(e, now), nil
}

// WaitSlot blocks until a slot frees up for an identity whose request was
// already admitted by the rate limiter. It gives up when the identity loses
// authorization or ctx ends.
func (r *Registry) WaitSlot(ctx context.Context, id platform.Identity) (Slot, error) {
	observability.RecordQueuedWait()
	for {
		e := r.getOrCreate(id)
		e.mu.Lock()
		if r.syncStatusLocked(e) != StatusAuthorized {
			e.mu.Unlock()
			return Slot{}, &Rejection{Reason: Unauthorized}
		}
		if len(e.slots) < r.cfg.MaxConcurrent {
			slot := r.grantLocked(e, r.cfg.Now())
			e.mu.Unlock()
			return slot, nil
		}
		released := e.released
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return Slot{}, ctx.Err()
		case <-released:
		}
	}
}

// ReleaseSlot returns a slot. Releasing the same slot again is a no-op.
func (r *Registry) ReleaseSlot(id platform.Identity, slot Slot) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if _, held := e.slots[slot.ID]; !held {
		e.mu.Unlock()
		return
	}
	delete(e.slots, slot.ID)
	close(e.released)
	e.released = make(chan struct{})
	drop := e.status == StatusRevoked && len(e.slots) == 0
	e.mu.Unlock()

	if drop {
		r.remove(id, e)
	}
}

// ActiveSlots returns the number of slots the identity holds.
func (r *Registry) ActiveSlots(id platform.Identity) int {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}

// Reconcile re-reads authorization from the store for every known session
// and revokes the ones the store no longer allows. Used after the store was
// changed out of band.
func (r *Registry) Reconcile() {
	if r.store == nil {
		return
	}
	for _, e := range r.entries() {
		e.mu.Lock()
		wasAuthorized := e.status == StatusAuthorized
		e.mu.Unlock()
		if wasAuthorized && !r.store.IsAllowed(e.identity) {
			log.Info().Str("identity", e.identity.String()).Msg("Identity removed from store, revoking session")
			r.markRevoked(e.identity)
		}
	}
}

// Prune drops idle sessions holding no slots and returns how many were removed.
func (r *Registry) Prune(idle time.Duration) int {
	cutoff := r.cfg.Now().Add(-idle)
	removed := 0
	for _, e := range r.entries() {
		e.mu.Lock()
		stale := len(e.slots) == 0 && e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if stale {
			r.remove(e.identity, e)
			removed++
		}
	}
	return removed
}

// Snapshot returns a view of all sessions sorted by identity.
func (r *Registry) Snapshot() []Info {
	entries := r.entries()
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, Info{
			Identity:    e.identity,
			Status:      e.status,
			ActiveSlots: len(e.slots),
			CreatedAt:   e.createdAt,
			LastSeen:    e.lastSeen,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.String() < out[j].Identity.String()
	})
	return out
}

func (r *Registry) grantLocked(e *entry, now time.Time) Slot {
	slot := Slot{ID: atomic.AddUint64(&r.nextSlot, 1), AcquiredAt: now}
	e.slots[slot.ID] = now
	return slot
}

// syncStatusLocked refreshes the cached status from the store. A revoked
// session stays revoked until Authorize is called.
func (r *Registry) syncStatusLocked(e *entry) Status {
	if e.status == StatusRevoked || r.store == nil {
		return e.status
	}
	if r.store.IsAllowed(e.identity) {
		e.status = StatusAuthorized
	} else if e.status == StatusAuthorized {
		e.status = StatusRevoked
	}
	return e.status
}

func (r *Registry) markRevoked(id platform.Identity) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()

	if ok {
		e.mu.Lock()
		e.status = StatusRevoked
		close(e.released)
		e.released = make(chan struct{})
		drop := len(e.slots) == 0
		e.mu.Unlock()
		if drop {
			r.remove(id, e)
		}
	}

	log.Info().Str("identity", id.String()).Msg("Identity revoked")

	r.listenersMu.RLock()
	listeners := append([]func(platform.Identity){}, r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(id)
	}
}

func (r *Registry) getOrCreate(id platform.Identity) *entry {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e
	}
	now := r.cfg.Now()
	e = &entry{
		identity:  id,
		status:    StatusPending,
		limiter:   newLimiter(r.cfg.RatePolicy, r.cfg.RateLimitMax, r.cfg.RateLimitWindow, now),
		slots:     make(map[uint64]time.Time),
		released:  make(chan struct{}),
		createdAt: now,
		lastSeen:  now,
	}
	r.sessions[id] = e
	observability.SetActiveSessions(len(r.sessions))
	return e
}

func (r *Registry) remove(id platform.Identity, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[id]; ok && current == e {
		delete(r.sessions, id)
	}
	observability.SetActiveSessions(len(r.sessions))
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	return out
}
