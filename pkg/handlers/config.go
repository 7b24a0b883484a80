package handlers

import "time"

// Config holds the settings shared by the built-in handlers.
type Config struct {
	// Shell runs exec arguments through /bin/sh -c. Ignored while the
	// allowlist is enabled.
	Shell            bool
	AllowlistEnabled bool
	Allowlist        *Allowlist
	ExecTimeout      time.Duration

	PSLimit int

	CaptureDir     string
	CaptureTimeout time.Duration
	// CaptureBackends overrides the screenshot tool order.
	CaptureBackends []string

	// Processes backs ps and kill. Nil means the host process table.
	Processes ProcessTable
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		ExecTimeout:    60 * time.Second,
		PSLimit:        15,
		CaptureDir:     "/tmp",
		CaptureTimeout: 20 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.PSLimit <= 0 {
		c.PSLimit = d.PSLimit
	}
	if c.CaptureDir == "" {
		c.CaptureDir = d.CaptureDir
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = d.CaptureTimeout
	}
	if len(c.CaptureBackends) == 0 {
		c.CaptureBackends = defaultCaptureBackends()
	}
	if c.Processes == nil {
		c.Processes = HostProcesses{}
	}
	return c
}
