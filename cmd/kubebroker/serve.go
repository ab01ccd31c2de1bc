package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/kubebroker/internal/agentexec"
	"github.com/rcourtman/kubebroker/internal/api"
	"github.com/rcourtman/kubebroker/internal/auth"
	"github.com/rcourtman/kubebroker/internal/config"
	"github.com/rcourtman/kubebroker/internal/queue"
	"github.com/rcourtman/kubebroker/internal/results"
	"github.com/rcourtman/kubebroker/internal/session"
	"github.com/rcourtman/kubebroker/internal/store"
	"github.com/rcourtman/kubebroker/internal/tokens"
	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

// openStore builds the configured backend wrapped in retries. The SQL backend is returned
// separately so the caller can run its sweeper.
func openStore(ctx context.Context, cfg config.Config) (store.Backend, *store.SQLBackend, error) {
	policy := store.RetryPolicy{Attempts: cfg.StoreRetryAttempts}

	if cfg.StoreDriver == config.StoreMemory {
		mem := store.NewMemory(store.WithSweepInterval(cfg.StoreSweepInterval))
		return store.NewRetrying(mem, policy), nil, nil
	}

	sqlBackend, err := store.OpenSQL(ctx, cfg.SQLConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return store.NewRetrying(sqlBackend, policy), sqlBackend, nil
}

// broker is the wired set of components behind the HTTP API.
type broker struct {
	router *api.Router
	queue  *queue.Queue
	tokens *tokens.Service
}

func newBroker(cfg config.Config, backend store.Backend) (*broker, error) {
	keys, err := auth.NewAPIKeyValidator(cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("api keys: %w", err)
	}
	if keys.Len() == 0 {
		log.Warn().Msg("No API keys configured; every /debug request will be rejected")
	}
	admin := auth.NewAdminValidator(cfg.AdminSecret)
	if !admin.Enabled() {
		log.Warn().Msg("No admin secret configured; the /admin API is disabled")
	}

	res := results.New(backend, cfg.ResultTTL)
	sessions := session.NewManager(backend, cfg.SessionTTL)
	presence := tokens.NewPresence(backend, tokens.WithFreshness(cfg.PresenceFreshness))

	var dispatcher *agentexec.Dispatcher
	q := queue.New(backend, queue.Config{
		MaxDepth:     cfg.QueueMaxDepth,
		MaxResidency: cfg.QueueMaxResidency,
		PollInterval: cfg.QueuePollInterval,
	}, queue.WithExpiredHandler(func(ctx context.Context, cmd agentsexec.Command) {
		dispatcher.HandleExpired(ctx, cmd)
	}))
	dispatcher = agentexec.NewDispatcher(q, res, sessions, backend, agentexec.DispatcherConfig{
		DefaultTimeout: cfg.DefaultCommandTimeout,
		MaxTimeout:     cfg.MaxCommandTimeout,
	})
	tokenSvc := tokens.NewService(backend, presence, tokens.WithQueueDepth(q.Depth))

	router := api.NewRouter(api.Deps{
		Store:      backend,
		Queue:      q,
		Results:    res,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Tokens:     tokenSvc,
		Presence:   presence,
		Auth: &auth.Middleware{
			APIKeys: keys,
			Admin:   admin,
			Agents:  auth.NewAgentTokenVerifier(backend),
			Skip:    auth.DefaultSkipPaths,
		},
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		Version:            Version,
	})
	return &broker{router: router, queue: q, tokens: tokenSvc}, nil
}

func runServer(ctx context.Context, cfg config.Config) error {
	backend, sqlBackend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	b, err := newBroker(cfg, backend)
	if err != nil {
		return err
	}

	// Execute holds the response open for up to the max command timeout.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           b.router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.MaxCommandTimeout + 15*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, g, cfg.MetricsAddr)
	}
	if sqlBackend != nil {
		g.Go(func() error {
			sqlBackend.RunSweeper(ctx, cfg.StoreSweepInterval)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("store", cfg.StoreDriver).
			Str("version", Version).
			Msg("kubebroker listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server did not shut down cleanly")
		}
		return nil
	})
	return g.Wait()
}
