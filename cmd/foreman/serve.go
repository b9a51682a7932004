package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/foreman/internal/agent"
	"github.com/nugget/foreman/internal/api"
	"github.com/nugget/foreman/internal/buildinfo"
	"github.com/nugget/foreman/internal/changelog"
	"github.com/nugget/foreman/internal/config"
	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/metrics"
	"github.com/nugget/foreman/internal/notify"
	"github.com/nugget/foreman/internal/ratelimit"
	"github.com/nugget/foreman/internal/tools"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgPath, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.OutOrStdout(), cfg)
			if err != nil {
				return err
			}
			logger.Info("starting Foreman",
				"version", buildinfo.Version,
				"commit", buildinfo.GitCommit,
				"config", cfgPath,
			)

			// SIGINT/SIGTERM cancel the same ctx every component watches.
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			if cfg.MaxConnections > 0 {
				ln = netutil.LimitListener(ln, cfg.MaxConnections)
				logger.Info("connection limit enabled", "max_connections", cfg.MaxConnections)
			}
			return serve(ctx, cfg, logger, ln)
		},
	}
}

// managedSink is a notify.Sink with a connection lifecycle.
type managedSink interface {
	notify.Sink
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// serve wires every component and blocks until ctx is cancelled or a
// component fails. ln is owned by serve and closed on return.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer st.Close()

	bus := events.New()
	m := metrics.New()

	registry := tools.NewRegistry()
	recorder := changelog.NewRecorder(st, bus, logger)
	dispatcher := tools.NewDispatcher(registry, st, recorder, logger, cfg.Agent.ToolConcurrency)

	// The server reports a configuration error on chat when no assistant
	// is set. A typed nil must not leak into the interface.
	var assistant api.Assistant
	if cfg.Anthropic.Configured() {
		assistant = newAssistant(cfg, logger, dispatcher, registry, agent.WithEvents(bus), agent.WithMetrics(m))
		logger.Info("assistant enabled", "model", cfg.Anthropic.Model, "max_iterations", cfg.Agent.MaxIterations)
	} else {
		logger.Warn("anthropic.api_key not set; chat is disabled")
	}

	chatLimiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimits.Chat.Window,
		MaxRequests: cfg.RateLimits.Chat.MaxRequests,
	}, ratelimit.WithLogger(logger.With("limiter", "chat")))
	apiLimiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimits.API.Window,
		MaxRequests: cfg.RateLimits.API.MaxRequests,
	}, ratelimit.WithLogger(logger.With("limiter", "api")))

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, st, assistant, registry.Capabilities(), logger)
	server.SetSessionToken(cfg.Admin.SessionToken)
	server.SetChatTimeout(cfg.ChatTimeout())
	server.SetLimiters(chatLimiter, apiLimiter)
	server.SetEvents(bus)
	server.SetMetrics(m)

	sinks := startSinks(ctx, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ln)
	})
	g.Go(func() error {
		chatLimiter.Run(gctx, cfg.RateLimits.SweepInterval)
		return nil
	})
	g.Go(func() error {
		apiLimiter.Run(gctx, cfg.RateLimits.SweepInterval)
		return nil
	})
	if len(sinks) > 0 {
		fwd := notify.NewForwarder(bus, logger, sinkList(sinks)...)
		g.Go(func() error {
			return fwd.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		// Closing the bus ends feed connections and the forwarder.
		bus.Close()
		for _, s := range sinks {
			if serr := s.Stop(shutdownCtx); serr != nil {
				logger.Error("sink shutdown failed", "sink", s.Name(), "error", serr)
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("Foreman stopped")
	return nil
}

// newAssistant builds the conversation loop over the Anthropic client.
func newAssistant(cfg *config.Config, logger *slog.Logger, runner agent.ToolRunner, registry *tools.Registry, opts ...agent.Option) *agent.Loop {
	clientOpts := []llm.AnthropicOption{llm.WithRequestTimeout(cfg.Anthropic.Timeout)}
	if cfg.Anthropic.BaseURL != "" {
		clientOpts = append(clientOpts, llm.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger, clientOpts...)

	return agent.NewLoop(logger, client, runner, registry.Definitions(), agent.Config{
		Model:         cfg.Anthropic.Model,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		MaxIterations: cfg.Agent.MaxIterations,
	}, opts...)
}

// startSinks connects the configured changelog sinks. A sink that cannot
// start is logged and left out; changelog delivery to it is best effort.
func startSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) []managedSink {
	var candidates []managedSink
	if cfg.MQTT.Configured() {
		candidates = append(candidates, notify.NewMQTTSink(cfg.MQTT, logger))
	} else {
		logger.Info("mqtt changelog sink disabled (not configured)")
	}
	if cfg.NATS.Configured() {
		candidates = append(candidates, notify.NewNATSSink(cfg.NATS, logger))
	} else {
		logger.Info("nats changelog sink disabled (not configured)")
	}

	started := make([]managedSink, 0, len(candidates))
	for _, s := range candidates {
		if err := s.Start(ctx); err != nil {
			logger.Error("changelog sink failed to start", "sink", s.Name(), "error", err)
			continue
		}
		started = append(started, s)
	}
	return started
}

func sinkList(managed []managedSink) []notify.Sink {
	sinks := make([]notify.Sink, len(managed))
	for i, s := range managed {
		sinks[i] = s
	}
	return sinks
}
