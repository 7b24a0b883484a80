package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/p42r/internal/logger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditKind groups audit records by the decision they describe.
type AuditKind string

const (
	AuditAuth      AuditKind = "auth"
	AuditExecution AuditKind = "execution"
	AuditDelivery  AuditKind = "delivery"
)

// maxAuditValue bounds string metadata such as command arguments.
const maxAuditValue = 256

// AuditEvent is one line of the audit trail. Actor is a platform identity
// or "host" for changes made from the local CLI.
type AuditEvent struct {
	Kind     AuditKind
	Time     time.Time
	Actor    string
	Action   string
	Outcome  string
	Metadata map[string]interface{}
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = newAuditLogger(os.Stderr, nil)
)

func newAuditLogger(w io.Writer, closer io.Closer, secrets ...string) *AuditLogger {
	redactor := logger.NewRedactor()
	for _, s := range secrets {
		redactor.AddLiteral(s)
	}
	return &AuditLogger{
		logger: zerolog.New(redactor.Wrap(w)),
		closer: closer,
	}
}

// GetAuditLogger returns the process audit logger. Until InitAuditLogger
// succeeds it writes to stderr.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger sends the audit trail to path. Secrets are masked in every
// line written.
func InitAuditLogger(path string, secrets ...string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	auditMu.Lock()
	auditInst = newAuditLogger(file, file, secrets...)
	auditMu.Unlock()
	return nil
}

// Record writes the event and, when ctx carries a recording span, attaches
// it to the span as an event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+string(event.Kind), trace.WithAttributes(
			attribute.String("audit.action", event.Action),
			attribute.String("audit.outcome", event.Outcome),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	line := a.logger.Log().
		Time("time", event.Time).
		Str("kind", string(event.Kind)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("outcome", event.Outcome)
	if traceID != "" {
		line = line.Str("trace_id", traceID)
	}
	if len(event.Metadata) > 0 {
		line = line.Fields(clampMetadata(event.Metadata))
	}
	line.Send()
}

// Close releases the audit file. The stderr default is left open.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func clampMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok && len(s) > maxAuditValue {
			cut := maxAuditValue
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			v = s[:cut] + "..."
		}
		out[k] = v
	}
	return out
}

// RecordAuthAudit records authorization decisions: rejections, pairing and
// revocations.
func RecordAuthAudit(ctx context.Context, action, actor, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:     AuditAuth,
		Actor:    actor,
		Action:   action,
		Outcome:  outcome,
		Metadata: metadata,
	})
}

// RecordExecutionAudit records execution faults.
func RecordExecutionAudit(ctx context.Context, verb, actor, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:     AuditExecution,
		Actor:    actor,
		Action:   "execute:" + verb,
		Outcome:  outcome,
		Metadata: metadata,
	})
}

// RecordDeliveryAudit records replies the user never received.
func RecordDeliveryAudit(ctx context.Context, actor, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:     AuditDelivery,
		Actor:    actor,
		Action:   "deliver",
		Outcome:  outcome,
		Metadata: metadata,
	})
}
