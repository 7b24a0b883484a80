// Package dispatcher is the execution engine between platform adapters and
// action handlers.
//
// Every inbound message is parsed, authorized and resolved to a handler. An
// accepted request becomes an Execution that moves through
//
//	queued -> running -> succeeded | failed | timed_out | cancelled
//
// Rejections before running (slot, validation) end in failed without the
// handler ever being called. Unauthorized and unparsable messages create no
// Execution at all. Each rejection produces exactly one outbound message.
//
// Handler output flows through a per-execution channel into a pump that cuts
// it into chunks no larger than the configured chunk size and submits them to
// an outbox lane, so chunks of one execution are delivered in order while
// executions of the same identity may interleave.
package dispatcher
