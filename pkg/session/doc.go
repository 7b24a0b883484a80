// Package session tracks runtime authorization and concurrency state per
// chat identity.
//
// Invariants:
// - Slot acquisition is a single check-and-increment under the session lock.
// - A rate-limited request never holds a slot.
// - Releasing a slot twice frees capacity once.
// - A revoked identity cannot acquire a slot; its session is dropped once its
//   last slot is released.
//
// Usage:
//
//	reg := session.NewRegistry(session.Config{MaxConcurrent: 2, RateLimitMax: 20, RateLimitWindow: time.Minute}, store)
//	slot, err := reg.TryAcquireSlot(id)
//	if err == nil {
//		defer reg.ReleaseSlot(id, slot)
//	}
package session
