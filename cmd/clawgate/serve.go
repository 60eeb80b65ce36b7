package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/clawgate/internal/agent"
	"github.com/haasonsaas/clawgate/internal/agent/providers"
	"github.com/haasonsaas/clawgate/internal/channels"
	"github.com/haasonsaas/clawgate/internal/config"
	"github.com/haasonsaas/clawgate/internal/cron"
	"github.com/haasonsaas/clawgate/internal/gateway"
	"github.com/haasonsaas/clawgate/internal/observability"
	"github.com/haasonsaas/clawgate/internal/sessions"
	"github.com/haasonsaas/clawgate/internal/tools/exec"
	"github.com/haasonsaas/clawgate/internal/tools/files"
	"github.com/haasonsaas/clawgate/internal/tools/policy"
	"github.com/haasonsaas/clawgate/pkg/models"
)

const shutdownGrace = 10 * time.Second

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "clawgate.yaml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// The dispatcher does not exist yet when the store is built; the
	// eviction hook resolves it at call time.
	var dispatcher *gateway.Dispatcher
	store := sessions.NewMemoryStore(cfg.Sessions.Capacity,
		sessions.WithOnEvict(func(session *models.Session, _ []*models.Message) {
			if dispatcher != nil {
				dispatcher.OnEvict(session.Key)
			}
		}),
	)

	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.Provider.APIKey,
		MaxRetries:   cfg.Provider.MaxRetries,
		DefaultModel: cfg.Provider.Model,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	toolRegistry := agent.NewToolRegistry()
	fileCfg := files.Config{Workspace: cfg.Tools.Workspace}
	for _, tool := range []agent.Tool{
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewEditTool(fileCfg),
		exec.NewExecTool(exec.Config{
			Workspace:      cfg.Tools.Workspace,
			DefaultTimeout: cfg.Tools.ExecTimeout,
		}),
	} {
		if err := toolRegistry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	loop := agent.NewLoop(provider, toolRegistry, store, &agent.LoopConfig{
		Model:     cfg.Provider.Model,
		System:    cfg.Provider.SystemPrompt,
		MaxTokens: cfg.Provider.MaxTokens,
		MaxRounds: cfg.Provider.MaxRounds,
		Trim: sessions.TrimOptions{
			ContextBudget: cfg.Sessions.ContextBudget,
			KeepRecent:    cfg.Sessions.KeepRecent,
		},
		Policy: &policy.Policy{
			Allow: cfg.Tools.Allow,
			Deny:  cfg.Tools.Deny,
		},
		ExecutorConfig: &agent.ExecutorConfig{
			MaxConcurrency: cfg.Tools.MaxConcurrent,
			Timeout:        cfg.Tools.ExecTimeout,
		},
		Logger:  logger,
		Metrics: metrics,
	})

	hub := gateway.NewHub(logger)
	dispatcher, err = gateway.NewDispatcher(gateway.DispatcherConfig{
		Loop:        loop,
		Store:       store,
		Locker:      sessions.NewLocker(),
		Hub:         hub,
		Logger:      logger,
		Metrics:     metrics,
		TurnTimeout: cfg.Provider.TurnTimeout,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	scheduler, err := cron.NewScheduler(cfg.Jobs, dispatcher,
		cron.WithLogger(logger),
		cron.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// Platform adapters register here when configured; the pump relays
	// their traffic through the dispatcher.
	channelRegistry := channels.NewRegistry()
	pump := channels.NewPump(channelRegistry, dispatcher, logger)

	server, err := gateway.NewServer(gateway.ServerConfig{
		Gateway:    cfg.Gateway,
		Dispatcher: dispatcher,
		Store:      store,
		Hub:        hub,
		Scheduler:  scheduler,
		Logger:     logger,
		Metrics:    metrics,
		Gatherer:   registry,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := channelRegistry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	pump.Start(ctx)
	scheduler.Start(ctx)
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("gateway running",
		"addr", server.Addr(),
		"model", cfg.Provider.Model,
		"jobs", len(cfg.Jobs))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	if err := channelRegistry.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel shutdown", "error", err)
	}
	pump.Wait()
	return nil
}
