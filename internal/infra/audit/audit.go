// Package audit persists the per-call audit trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// ZapSink mirrors audit events into the structured log. It never fails:
// the log is best-effort by nature, so it does not gate calls.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Record(_ context.Context, event domain.AuditEvent) error {
	s.logger.Info("tool call",
		zap.String("auditId", event.ID),
		zap.Time("timestamp", event.Timestamp),
		zap.String("namespace", event.Namespace),
		zap.String("tool", event.Tool),
		zap.String("decision", string(event.Decision)),
		zap.String("outcome", string(event.Outcome)),
		zap.Duration("duration", event.Duration),
		zap.String("detail", event.Detail),
	)
	return nil
}

type wireEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Namespace string    `json:"namespace"`
	Tool      string    `json:"tool"`
	Decision  string    `json:"decision"`
	Outcome   string    `json:"outcome"`
	DurationM int64     `json:"durationMs"`
	Detail    string    `json:"detail,omitempty"`
}

// WriterSink appends one JSON line per event. A write failure poisons the
// sink: Healthy reports the error until a later write succeeds, and the
// federation manager refuses calls while the trail cannot be persisted.
type WriterSink struct {
	mu      sync.Mutex
	writer  io.Writer
	lastErr error
}

func NewWriterSink(writer io.Writer) *WriterSink {
	if writer == nil {
		panic("writer sink requires a writer")
	}
	return &WriterSink{writer: writer}
}

// NewFileSink opens (or creates) an append-only audit file.
func NewFileSink(path string) (*WriterSink, *os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	return NewWriterSink(file), file, nil
}

func (s *WriterSink) Record(_ context.Context, event domain.AuditEvent) error {
	line, err := json.Marshal(wireEvent{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Namespace: event.Namespace,
		Tool:      event.Tool,
		Decision:  string(event.Decision),
		Outcome:   string(event.Outcome),
		DurationM: event.Duration.Milliseconds(),
		Detail:    event.Detail,
	})
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(line); err != nil {
		s.lastErr = domain.E(domain.CodeFailedPrecond, "audit.record", err.Error(), domain.ErrAuditUnavailable)
		return s.lastErr
	}
	s.lastErr = nil
	return nil
}

func (s *WriterSink) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Tee fans one event out to several sinks. Record fails if any sink
// fails; Healthy aggregates the gates among the members.
type Tee struct {
	sinks []domain.AuditSink
}

func NewTee(sinks ...domain.AuditSink) *Tee {
	return &Tee{sinks: sinks}
}

func (t *Tee) Record(ctx context.Context, event domain.AuditEvent) error {
	var firstErr error
	for _, sink := range t.sinks {
		if err := sink.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Tee) Healthy() error {
	for _, sink := range t.sinks {
		if gate, ok := sink.(domain.AuditGate); ok {
			if err := gate.Healthy(); err != nil {
				return err
			}
		}
	}
	return nil
}
