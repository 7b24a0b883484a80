package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/p42r/pkg/platform"
)

type recordingSender struct {
	mu       sync.Mutex
	sent     []platform.OutboundMessage
	failures map[int]error
	calls    int
	gate     chan struct{}
}

func (s *recordingSender) Send(ctx context.Context, to platform.Identity, msg platform.OutboundMessage) (platform.DeliveryResult, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return platform.DeliveryResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.failures[s.calls]; ok {
		return platform.DeliveryResult{}, err
	}
	s.sent = append(s.sent, msg)
	return platform.DeliveryResult{MessageID: "m", DeliveredAt: time.Now()}, nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Text)
	}
	return out
}

func newTestOutbox(sender Sender, cfg Config) (*Outbox, *[]time.Duration) {
	ob := New(sender, cfg)
	var waits []time.Duration
	var mu sync.Mutex
	ob.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	return ob, &waits
}

var alice = platform.Identity{Platform: "telegram", ID: "42"}

func TestLaneDeliversInOrder(t *testing.T) {
	sender := &recordingSender{}
	ob, _ := newTestOutbox(sender, Config{MaxPending: 2})

	lane := ob.OpenLane(context.Background(), "exec-1", alice)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, lane.Submit(context.Background(), platform.OutboundMessage{Text: text}))
	}
	lane.Close()

	stats := lane.Wait(context.Background())
	assert.NoError(t, stats.Err)
	assert.Equal(t, 5, stats.Delivered)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, sender.texts())
	assert.Equal(t, 0, ob.Pending())
}

func TestSubmitBlocksWhenLaneIsFull(t *testing.T) {
	sender := &recordingSender{gate: make(chan struct{})}
	ob, _ := newTestOutbox(sender, Config{MaxPending: 1})
	lane := ob.OpenLane(context.Background(), "exec-1", alice)

	// One in flight, one buffered.
	require.NoError(t, lane.Submit(context.Background(), platform.OutboundMessage{Text: "1"}))
	require.Eventually(t, func() bool { return len(lane.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, lane.Submit(context.Background(), platform.OutboundMessage{Text: "2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := lane.Submit(ctx, platform.OutboundMessage{Text: "3"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sender.gate)
	lane.Close()
	stats := lane.Wait(context.Background())
	assert.Equal(t, 2, stats.Delivered)
}

func TestTransientFailureIsRetriedWithBackoff(t *testing.T) {
	sender := &recordingSender{failures: map[int]error{
		1: errors.New("network down"),
		2: errors.New("network down"),
	}}
	ob, waits := newTestOutbox(sender, Config{MaxAttempts: 4, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	err := ob.Deliver(context.Background(), alice, platform.OutboundMessage{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, sender.texts())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *waits)
}

func TestRetryAfterIsHonored(t *testing.T) {
	sender := &recordingSender{failures: map[int]error{
		1: &platform.RetryAfterError{After: 3 * time.Second, Err: errors.New("429")},
	}}
	ob, waits := newTestOutbox(sender, Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	require.NoError(t, ob.Deliver(context.Background(), alice, platform.OutboundMessage{Text: "hi"}))
	assert.Equal(t, []time.Duration{3 * time.Second}, *waits)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	sender := &recordingSender{failures: map[int]error{
		1: platform.ErrPermanent,
	}}
	ob, waits := newTestOutbox(sender, Config{MaxAttempts: 5})

	err := ob.Deliver(context.Background(), alice, platform.OutboundMessage{Text: "hi"})
	var derr *DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 1, derr.Attempts)
	assert.True(t, platform.IsPermanent(err))
	assert.Empty(t, *waits)
}

func TestExhaustedLaneDropsTheRest(t *testing.T) {
	boom := errors.New("unreachable")
	sender := &recordingSender{failures: map[int]error{2: boom, 3: boom}, gate: make(chan struct{})}
	ob, _ := newTestOutbox(sender, Config{MaxAttempts: 2, MaxPending: 8})

	lane := ob.OpenLane(context.Background(), "exec-1", alice)
	for _, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, lane.Submit(context.Background(), platform.OutboundMessage{Text: text}))
	}
	lane.Close()
	close(sender.gate)

	stats := lane.Wait(context.Background())
	var derr *DeliveryError
	require.ErrorAs(t, stats.Err, &derr)
	assert.Equal(t, 2, derr.Attempts)
	assert.ErrorIs(t, stats.Err, boom)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 3, stats.Dropped)
	assert.Equal(t, []string{"a"}, sender.texts())
}

func TestSubmitAfterFailureFailsFast(t *testing.T) {
	sender := &recordingSender{failures: map[int]error{1: platform.ErrPermanent}}
	ob, _ := newTestOutbox(sender, Config{})

	lane := ob.OpenLane(context.Background(), "exec-1", alice)
	require.NoError(t, lane.Submit(context.Background(), platform.OutboundMessage{Text: "a"}))
	require.Eventually(t, func() bool { return lane.Err() != nil }, time.Second, 5*time.Millisecond)

	err := lane.Submit(context.Background(), platform.OutboundMessage{Text: "b"})
	assert.ErrorIs(t, err, ErrLaneFailed)

	lane.Close()
	assert.ErrorIs(t, lane.Submit(context.Background(), platform.OutboundMessage{Text: "c"}), ErrLaneClosed)
	lane.Close()
}

func TestOutboxWaitDrainsAllLanes(t *testing.T) {
	sender := &recordingSender{}
	ob, _ := newTestOutbox(sender, Config{})

	for _, key := range []string{"a", "b", "c"} {
		lane := ob.OpenLane(context.Background(), key, alice)
		require.NoError(t, lane.Submit(context.Background(), platform.OutboundMessage{Text: key}))
		lane.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ob.Wait(ctx))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, sender.texts())
}
