package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// LogSink mirrors audit records to structured logs. It assigns its own
// per-execution sequence so it can stand alone when no durable store is
// configured.
type LogSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[string]int64
}

// NewLogSink creates a log-backed audit sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger, seqs: make(map[string]int64)}
}

func (s *LogSink) AppendAudit(ctx context.Context, rec *schema.AuditRecord) error {
	s.mu.Lock()
	s.seqs[rec.ExecutionID]++
	rec.Sequence = s.seqs[rec.ExecutionID]
	s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("execution_id", rec.ExecutionID),
		slog.String("kind", rec.Kind),
		slog.Int64("sequence", rec.Sequence),
	}
	if rec.StepName != "" {
		attrs = append(attrs, slog.String("step_name", rec.StepName))
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// FanoutSink forwards audit records to multiple sinks. The first sink
// assigns the authoritative sequence.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink creates a sink that forwards to all given sinks.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

func (s *FanoutSink) AppendAudit(ctx context.Context, rec *schema.AuditRecord) error {
	for _, sink := range s.sinks {
		if err := sink.AppendAudit(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*FanoutSink)(nil)
)
