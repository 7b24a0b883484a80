package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/p42r/pkg/platform"
)

type memStore struct {
	mu      sync.Mutex
	allowed map[platform.Identity]bool
}

func newMemStore(ids ...platform.Identity) *memStore {
	s := &memStore{allowed: make(map[platform.Identity]bool)}
	for _, id := range ids {
		s.allowed[id] = true
	}
	return s
}

func (s *memStore) IsAllowed(id platform.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed[id]
}

func (s *memStore) Allow(id platform.Identity, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed[id] = true
	return nil
}

func (s *memStore) Revoke(id platform.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowed, id)
	return nil
}

var (
	alice = platform.Identity{Platform: "telegram", ID: "1"}
	bob   = platform.Identity{Platform: "telegram", ID: "2"}
)

func TestUnknownIdentityIsRejected(t *testing.T) {
	reg := NewRegistry(Config{MaxConcurrent: 2}, newMemStore())

	assert.Equal(t, StatusPending, reg.Touch(bob))
	assert.False(t, reg.IsAuthorized(bob))

	_, err := reg.TryAcquireSlot(bob)
	assert.Equal(t, Unauthorized, ReasonOf(err))
}

func TestAuthorizeThenAcquire(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(Config{MaxConcurrent: 1}, store)

	require.NoError(t, reg.Authorize(alice, "test"))
	assert.True(t, store.IsAllowed(alice))
	assert.True(t, reg.IsAuthorized(alice))

	slot, err := reg.TryAcquireSlot(alice)
	require.NoError(t, err)
	assert.NotZero(t, slot.ID)
	assert.Equal(t, 1, reg.ActiveSlots(alice))
}

func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 3
	reg := NewRegistry(Config{MaxConcurrent: limit}, newMemStore(alice))

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := reg.TryAcquireSlot(alice)
			if err != nil {
				assert.Equal(t, TooManyConcurrent, ReasonOf(err))
				return
			}
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			reg.ReleaseSlot(alice, slot)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), limit)
	assert.Equal(t, 0, reg.ActiveSlots(alice))
}

func TestReleaseSlotIsIdempotent(t *testing.T) {
	reg := NewRegistry(Config{MaxConcurrent: 2}, newMemStore(alice))

	first, err := reg.TryAcquireSlot(alice)
	require.NoError(t, err)
	_, err = reg.TryAcquireSlot(alice)
	require.NoError(t, err)

	reg.ReleaseSlot(alice, first)
	reg.ReleaseSlot(alice, first)
	assert.Equal(t, 1, reg.ActiveSlots(alice))

	_, err = reg.TryAcquireSlot(alice)
	require.NoError(t, err)
	_, err = reg.TryAcquireSlot(alice)
	assert.Equal(t, TooManyConcurrent, ReasonOf(err))
}

func TestRateLimitDoesNotConsumeSlot(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewRegistry(Config{
		MaxConcurrent:   5,
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
		Now:             func() time.Time { return now },
	}, newMemStore(alice))

	for i := 0; i < 2; i++ {
		_, err := reg.TryAcquireSlot(alice)
		require.NoError(t, err)
	}
	_, err := reg.TryAcquireSlot(alice)
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RateLimited, rej.Reason)
	assert.Equal(t, time.Minute, rej.RetryAfter)
	assert.Equal(t, 2, reg.ActiveSlots(alice))

	now = now.Add(time.Minute)
	_, err = reg.TryAcquireSlot(alice)
	assert.NoError(t, err)
}

func TestRevokedIdentityNeverAcquires(t *testing.T) {
	store := newMemStore(alice)
	reg := NewRegistry(Config{MaxConcurrent: 2}, store)

	var revoked []platform.Identity
	reg.OnRevoke(func(id platform.Identity) { revoked = append(revoked, id) })

	slot, err := reg.TryAcquireSlot(alice)
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(alice))
	assert.Equal(t, []platform.Identity{alice}, revoked)
	assert.False(t, reg.IsAuthorized(alice))

	_, err = reg.TryAcquireSlot(alice)
	assert.Equal(t, Unauthorized, ReasonOf(err))

	reg.ReleaseSlot(alice, slot)
	assert.Empty(t, reg.Snapshot())

	_, err = reg.TryAcquireSlot(alice)
	assert.Equal(t, Unauthorized, ReasonOf(err))
}

func TestWaitSlotUnblocksOnRelease(t *testing.T) {
	reg := NewRegistry(Config{MaxConcurrent: 1}, newMemStore(alice))

	held, err := reg.TryAcquireSlot(alice)
	require.NoError(t, err)

	got := make(chan Slot, 1)
	go func() {
		slot, err := reg.WaitSlot(context.Background(), alice)
		if err == nil {
			got <- slot
		}
	}()

	select {
	case <-got:
		t.Fatal("waiter acquired a slot while none was free")
	case <-time.After(30 * time.Millisecond):
	}

	reg.ReleaseSlot(alice, held)
	select {
	case slot := <-got:
		assert.NotEqual(t, held.ID, slot.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestWaitSlotStopsOnRevokeAndContext(t *testing.T) {
	reg := NewRegistry(Config{MaxConcurrent: 1}, newMemStore(alice))
	_, err := reg.TryAcquireSlot(alice)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := reg.WaitSlot(context.Background(), alice)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, reg.Revoke(alice))
	assert.Equal(t, Unauthorized, ReasonOf(<-errs))

	reg2 := NewRegistry(Config{MaxConcurrent: 1}, newMemStore(bob))
	_, err = reg2.TryAcquireSlot(bob)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg2.WaitSlot(ctx, bob)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconcileRevokesRemovedIdentities(t *testing.T) {
	store := newMemStore(alice, bob)
	reg := NewRegistry(Config{MaxConcurrent: 1}, store)
	_, err := reg.TryAcquireSlot(alice)
	require.NoError(t, err)
	reg.Touch(bob)

	var revoked []platform.Identity
	reg.OnRevoke(func(id platform.Identity) { revoked = append(revoked, id) })

	delete(store.allowed, alice)
	reg.Reconcile()

	assert.Equal(t, []platform.Identity{alice}, revoked)
	assert.True(t, reg.IsAuthorized(bob))
}

func TestPruneDropsIdleSessions(t *testing.T) {
	now := time.Now()
	reg := NewRegistry(Config{MaxConcurrent: 1, Now: func() time.Time { return now }}, newMemStore(alice))
	reg.Touch(bob)
	_, err := reg.TryAcquireSlot(alice)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, reg.Prune(30*time.Minute))
	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, alice, snap[0].Identity)
}

func TestInMemoryRegistryWithoutStore(t *testing.T) {
	reg := NewRegistry(Config{MaxConcurrent: 1}, nil)
	assert.False(t, reg.IsAuthorized(alice))
	require.NoError(t, reg.Authorize(alice, "test"))
	assert.True(t, reg.IsAuthorized(alice))
	require.NoError(t, reg.Revoke(alice))
	assert.False(t, reg.IsAuthorized(alice))
}
