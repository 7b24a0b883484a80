// Package handlers contains the built-in action handlers: shell execution,
// process listing and killing, screenshots and system information.
//
// Handlers that start subprocesses do so only through action.ExecContext so
// the engine owns every process they create. The process and system handlers
// read the OS process table directly and spawn nothing.
package handlers
