// Package outbox delivers outbound chat messages in per-execution FIFO lanes.
//
// Invariants:
// - Messages submitted to one lane are delivered in submission order.
// - Lanes deliver independently, so a slow platform call for one execution
//   never delays another.
// - A lane buffers at most MaxPending undelivered messages; Submit blocks
//   beyond that, which paces the producer instead of growing memory.
// - A message that still fails after MaxAttempts fails the lane; the lane
//   drops everything after it and reports the error from Wait.
//
// Usage:
//
//	ob := outbox.New(adapters, outbox.DefaultConfig())
//	lane := ob.OpenLane(ctx, executionID, identity)
//	_ = lane.Submit(ctx, msg)
//	lane.Close()
//	stats := lane.Wait(ctx)
package outbox
