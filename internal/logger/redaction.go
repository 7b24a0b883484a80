package logger

import (
	"io"
	"regexp"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// minLiteralLength keeps short values such as "1" from masking unrelated text.
const minLiteralLength = 6

// Redactor masks credentials in log lines.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Telegram bot tokens, also inside api.telegram.org/bot<token>/ URLs
			regexp.MustCompile(`\d{6,12}:[A-Za-z0-9_-]{30,}`),

			regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/=-]+`),

			// HMAC signatures in gateway handshakes
			regexp.MustCompile(`"signature"\s*:\s*"[0-9a-fA-F]{16,}"`),

			regexp.MustCompile(`(?i)(shared_secret|bot_token|password|secret)["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`(?i)token["\s:=]+[A-Za-z0-9._-]{20,}`),
		},
	}
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// AddLiteral masks every occurrence of a known secret value.
func (r *Redactor) AddLiteral(secret string) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minLiteralLength {
		return
	}
	re := regexp.MustCompile(regexp.QuoteMeta(secret))
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
}

// Redact masks sensitive values in s.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not see a short write when
// redaction changed the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
