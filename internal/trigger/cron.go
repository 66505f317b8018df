package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// Starter is the interface the runner uses to launch executions.
// Satisfied by the engine (avoids import cycle).
type Starter interface {
	Start(ctx context.Context, wf *schema.Workflow, input, seed map[string]any) (string, schema.ExecutionStatus, error)
}

// Source supplies the workflows whose triggers should fire. Satisfied by
// whatever holds workflow definitions (a store, a config directory).
type Source interface {
	ActiveWorkflows(ctx context.Context) ([]*schema.Workflow, error)
}

// CronDescriptor is the trigger payload the runner understands.
// Workflows carry triggers as opaque JSON; descriptors of other types are
// ignored here.
type CronDescriptor struct {
	Type       string         `json:"type"`
	Expression string         `json:"expression"`
	Input      map[string]any `json:"input,omitempty"`
}

// Runner fires cron triggers against a Starter. It polls the source on a
// ticker, computes due schedules, and starts at most one execution per
// trigger at a time.
type Runner struct {
	source  Source
	starter Starter
	parser  cron.Parser
	logger  *slog.Logger
	tick    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	nextMu  sync.Mutex
	nextRun map[string]time.Time // trigger key -> next fire time

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger keys currently executing (dedup)
}

// NewRunner creates a cron trigger runner with a 60s polling interval.
func NewRunner(source Source, starter Starter, logger *slog.Logger) *Runner {
	return &Runner{
		source:   source,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		tick:     60 * time.Second,
		nextRun:  make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background trigger loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("trigger runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(runCtx)
	r.logger.Info("trigger runner started")
	return nil
}

// Stop gracefully shuts down the runner.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("trigger runner stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	// Run an initial tick immediately.
	r.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

// pass checks every cron trigger of every active workflow and fires those
// that are due.
func (r *Runner) pass(ctx context.Context) {
	workflows, err := r.source.ActiveWorkflows(ctx)
	if err != nil {
		r.logger.Error("failed to list active workflows", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, wf := range workflows {
		for i, raw := range wf.Triggers {
			desc, ok := decodeCron(raw)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s/%d", wf.ID, i)
			if r.due(key, desc.Expression, now) {
				r.fire(ctx, key, wf, desc)
			}
		}
	}
}

// due reports whether the trigger should fire now, advancing its schedule.
// A trigger seen for the first time is armed for its next occurrence, not
// fired retroactively.
func (r *Runner) due(key, expression string, now time.Time) bool {
	next, err := r.NextRun(expression, now)
	if err != nil {
		r.logger.Warn("invalid cron expression",
			slog.String("trigger", key),
			slog.String("error", err.Error()),
		)
		return false
	}

	r.nextMu.Lock()
	defer r.nextMu.Unlock()

	scheduled, seen := r.nextRun[key]
	if !seen {
		r.nextRun[key] = next
		return false
	}
	if scheduled.After(now) {
		return false
	}
	r.nextRun[key] = next
	return true
}

func (r *Runner) fire(ctx context.Context, key string, wf *schema.Workflow, desc CronDescriptor) {
	if !r.tryAcquire(key) {
		r.logger.Warn("trigger still running, skipping", slog.String("trigger", key))
		return
	}

	go func() {
		defer r.release(key)

		execID, status, err := r.starter.Start(ctx, wf, desc.Input, nil)
		if err != nil {
			r.logger.Error("trigger failed to start execution",
				slog.String("trigger", key),
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		r.logger.Info("trigger started execution",
			slog.String("trigger", key),
			slog.String("execution_id", execID),
			slog.String("status", string(status)),
		)
	}()
}

func (r *Runner) tryAcquire(key string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, ok := r.inflight[key]; ok {
		return false
	}
	r.inflight[key] = struct{}{}
	return true
}

func (r *Runner) release(key string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, key)
}

// NextRun computes the next fire time for a cron expression.
func (r *Runner) NextRun(expression string, from time.Time) (time.Time, error) {
	schedule, err := r.parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expression, err)
	}
	return schedule.Next(from), nil
}

func decodeCron(raw json.RawMessage) (CronDescriptor, bool) {
	var desc CronDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return CronDescriptor{}, false
	}
	if desc.Type != "cron" || desc.Expression == "" {
		return CronDescriptor{}, false
	}
	return desc, true
}
