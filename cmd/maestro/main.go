package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/luthier-ai/maestro/internal/adapters"
	"github.com/luthier-ai/maestro/internal/engine"
	"github.com/luthier-ai/maestro/internal/expressions"
	"github.com/luthier-ai/maestro/internal/logging"
	"github.com/luthier-ai/maestro/internal/store"
	"github.com/luthier-ai/maestro/internal/trigger"
	"github.com/luthier-ai/maestro/pkg/schema"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to settings file (default ~/.maestro/settings.json)")
		workflowPath = flag.String("workflow", "", "workflow definition file to execute")
		inputJSON    = flag.String("input", "{}", "execution input as JSON, or @file")
		seedJSON     = flag.String("seed", "", "optional context seed as JSON, or @file")
		serve        = flag.Bool("serve", false, "run the cron trigger loop instead of a one-shot execution")
	)
	flag.Parse()

	cfg := loadConfig(*configPath)
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger, *workflowPath, *inputJSON, *seedJSON, *serve); err != nil {
		logger.Error("maestro failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger, workflowPath, inputJSON, seedJSON string, serve bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	mcpClient := adapters.NewMCPClient(cfg.MCPServers)
	defer mcpClient.Close()

	invokers := engine.Invokers{
		Tool: mcpClient,
		HTTP: adapters.NewHTTPClient(),
	}
	if cfg.AgentEndpoint != "" {
		invokers.Agent = adapters.NewAgentClient(cfg.AgentEndpoint,
			adapters.WithAgentAPIKey(cfg.AgentAPIKey))
	}

	audit := store.NewFanoutSink(st, store.NewLogSink(logger))

	eng, err := engine.New(st, invokers, audit, logger, engine.Config{
		MaxConcurrentRuns: cfg.PoolSize,
		MaxParallelWidth:  cfg.ParallelWidth,
		TemplatePolicy:    expressions.TemplatePolicy(cfg.TemplatePolicy),
	})
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	if serve {
		return serveTriggers(ctx, cfg, eng, logger)
	}
	return executeOnce(ctx, eng, workflowPath, inputJSON, seedJSON)
}

// executeOnce runs a single workflow to completion and prints the result.
func executeOnce(ctx context.Context, eng *engine.Engine, workflowPath, inputJSON, seedJSON string) error {
	if workflowPath == "" {
		return fmt.Errorf("-workflow is required (or use -serve)")
	}

	wf, err := loadWorkflow(workflowPath)
	if err != nil {
		return err
	}
	input, err := loadInput(inputJSON)
	if err != nil {
		return err
	}
	var seed map[string]any
	if seedJSON != "" {
		if seed, err = loadInput(seedJSON); err != nil {
			return err
		}
	}

	result, err := eng.Execute(ctx, wf, input, seed)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))

	if result.Status != schema.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s finished %s", result.ExecutionID, result.Status)
	}
	return nil
}

// serveTriggers blocks running the cron trigger loop until interrupted.
func serveTriggers(ctx context.Context, cfg Config, eng *engine.Engine, logger *slog.Logger) error {
	if cfg.WorkflowsDir == "" {
		return fmt.Errorf("workflows_dir must be set for -serve")
	}

	runner := trigger.NewRunner(dirSource{dir: cfg.WorkflowsDir}, eng, logger)
	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	<-ctx.Done()
	return nil
}

// dirSource reads workflow definitions from JSON files in a directory.
type dirSource struct {
	dir string
}

func (d dirSource) ActiveWorkflows(ctx context.Context) ([]*schema.Workflow, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	var out []*schema.Workflow
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		wf, err := loadWorkflow(filepath.Join(d.dir, entry.Name()))
		if err != nil {
			// Skip unreadable definitions; the trigger loop keeps going.
			continue
		}
		if wf.Status == schema.WorkflowStatusActive {
			out = append(out, wf)
		}
	}
	return out, nil
}

func loadWorkflow(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusActive
	}
	return &wf, nil
}

func loadInput(inputJSON string) (map[string]any, error) {
	raw := []byte(inputJSON)
	if strings.HasPrefix(inputJSON, "@") {
		data, err := os.ReadFile(inputJSON[1:])
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		raw = data
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return input, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "" || cfg.DBPath == "memory" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
