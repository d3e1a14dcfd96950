package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivelabs/hive-slack/internal/backchannel"
	"github.com/hivelabs/hive-slack/internal/bundle"
	"github.com/hivelabs/hive-slack/internal/config"
	"github.com/hivelabs/hive-slack/internal/connector"
	"github.com/hivelabs/hive-slack/internal/dispatch"
	"github.com/hivelabs/hive-slack/internal/hooks"
	"github.com/hivelabs/hive-slack/internal/metrics"
	"github.com/hivelabs/hive-slack/internal/onboarding"
	"github.com/hivelabs/hive-slack/internal/provider"
	"github.com/hivelabs/hive-slack/internal/session"
	"github.com/hivelabs/hive-slack/internal/tools"
	"github.com/hivelabs/hive-slack/internal/worker"
)

// shutdownTimeout bounds the drain of in-flight executions on exit.
const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config]",
		Short: "Run the connector in the foreground",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), configArg(args))
		},
	}
}

// runBot loads config, wires every subsystem, connects to Slack, and runs
// until the context is cancelled.
func runBot(ctx context.Context, configPath string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	logger.Info("Loading config", "path", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	m := metrics.New()

	prov, err := provider.Detect(cfg.Provider, logger)
	if err != nil {
		return err
	}

	transcripts := session.NewTranscriptStore(cfg.SessionsDir(), logger)
	registry := session.NewRegistry(cfg, prov, transcripts, logger)
	registry.SetSessionObserver(m.SessionObserver())

	mounter := bundle.NewMounter(cfg, logger)
	registry.SetMounter(mounter)

	workers := worker.NewManager(cfg.WorkerTimeout(), logger)
	taskStores := make(map[string]*worker.Store, len(cfg.Instances))
	for name, inst := range cfg.Instances {
		path := filepath.Join(inst.WorkingDir, "TASKS.md")
		taskStores[name] = worker.NewStore(path, logger)
	}
	registry.SetToolFactory(func(instance, conversationID string) []hooks.Tool {
		// Worker sessions don't get the dispatch tool: workers must not
		// spawn workers.
		if strings.HasPrefix(conversationID, "worker:") {
			return nil
		}
		store := taskStores[instance]
		if store == nil {
			return nil
		}
		return []hooks.Tool{
			worker.NewDispatchTool(registry, workers, store, m, instance, conversationID, logger),
		}
	})

	if err := registry.Start(ctx); err != nil {
		return err
	}

	for _, name := range cfg.InstanceNames() {
		inst := cfg.Instances[name]
		logger.Info("Instance ready",
			"name", name,
			"persona", inst.Persona.Name,
			"emoji", inst.Persona.Emoji,
			"bundle", inst.Bundle)
	}
	logger.Info("Default instance", "name", cfg.DefaultInstance)

	client := connector.New(cfg, m, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	channels := backchannel.NewManager(client, logger)
	onboard := onboarding.NewManager(cfg.UsersDir(), logger)

	// The vision tool needs a provider that can look at images; both the
	// Anthropic and OpenAI adapters can.
	var analyzer tools.ImageAnalyzer
	if a, ok := prov.(tools.ImageAnalyzer); ok {
		analyzer = a
	}

	dispatcher := dispatch.New(dispatch.Options{
		Config:       cfg,
		Transport:    client,
		Executor:     registry,
		Backchannels: channels,
		Onboarding:   onboard,
		Tools:        tools.Factory(client, analyzer),
		Metrics:      m,
		Logger:       logger,
	})
	client.SetHandlers(dispatcher)

	personas := make([]string, 0, len(cfg.Instances))
	for _, name := range cfg.InstanceNames() {
		inst := cfg.Instances[name]
		personas = append(personas, fmt.Sprintf("%s %s", inst.Persona.Name, inst.Persona.Emoji))
	}
	logger.Info("Connecting to Slack", "instances", strings.Join(personas, ", "))

	client.Start(ctx)
	go connector.NewWatchdog(client, 0, logger).Run(ctx)
	go workers.RunWatchdog(ctx)

	var ops *metrics.Server
	if cfg.Ops.ListenAddr != "" {
		ops = metrics.NewServer(cfg.Ops.ListenAddr, m, logger)
		ops.Start()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	client.Stop()
	registry.Stop(drainCtx)
	dispatcher.Stop(drainCtx)
	workers.CancelAll(drainCtx)
	channels.Close()
	if err := mounter.Close(); err != nil {
		logger.Warn("Bundle shutdown", "error", err)
	}
	if ops != nil {
		if err := ops.Stop(drainCtx); err != nil {
			logger.Warn("Ops listener shutdown", "error", err)
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

// newLogger builds the process logger: JSON on stderr, level from
// LOG_LEVEL.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
