package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/p42r/pkg/platform"
)

// Overflow selects what happens to a request when its identity is at the
// concurrency limit.
type Overflow string

const (
	OverflowReject Overflow = "reject"
	OverflowQueue  Overflow = "queue"
)

// ParseOverflow parses an overflow policy name.
func ParseOverflow(s string) (Overflow, error) {
	switch Overflow(strings.ToLower(strings.TrimSpace(s))) {
	case "", OverflowReject:
		return OverflowReject, nil
	case OverflowQueue:
		return OverflowQueue, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Config holds engine options.
type Config struct {
	DefaultHandlerTimeout time.Duration
	MaxHandlerTimeout     time.Duration
	OutboundChunkBytes    int

	Overflow     Overflow
	MaxQueueWait time.Duration

	// TerminateGrace is how long a process gets between SIGTERM and SIGKILL,
	// and how long the engine waits for a cancelled handler to return.
	TerminateGrace time.Duration

	// StreamFlushInterval flushes partially filled chunks of long running
	// commands. Zero sends only full chunks until the command ends.
	StreamFlushInterval time.Duration

	// Messages sent more than StaleMessageSkew before the engine started are ignored.
	StaleMessageSkew time.Duration

	OutputBuffer int
	Admins       []platform.Identity
	Now          func() time.Time
}

// DefaultConfig returns the defaults used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		DefaultHandlerTimeout: 60 * time.Second,
		MaxHandlerTimeout:     10 * time.Minute,
		OutboundChunkBytes:    4096,
		Overflow:              OverflowReject,
		MaxQueueWait:          5 * time.Minute,
		TerminateGrace:        3 * time.Second,
		StaleMessageSkew:      30 * time.Second,
		OutputBuffer:          64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultHandlerTimeout <= 0 {
		c.DefaultHandlerTimeout = def.DefaultHandlerTimeout
	}
	if c.MaxHandlerTimeout <= 0 {
		c.MaxHandlerTimeout = def.MaxHandlerTimeout
	}
	if c.DefaultHandlerTimeout > c.MaxHandlerTimeout {
		c.DefaultHandlerTimeout = c.MaxHandlerTimeout
	}
	if c.OutboundChunkBytes <= 0 {
		c.OutboundChunkBytes = def.OutboundChunkBytes
	}
	if c.Overflow == "" {
		c.Overflow = OverflowReject
	}
	if c.MaxQueueWait <= 0 {
		c.MaxQueueWait = def.MaxQueueWait
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = def.TerminateGrace
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = def.OutputBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
