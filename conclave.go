// Package conclave wires the deliberation engine, persistence, providers,
// and transports into a runnable service.
package conclave

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conclave-ai/conclave/internal/api"
	"github.com/conclave-ai/conclave/internal/branch"
	"github.com/conclave-ai/conclave/internal/deliberation"
	"github.com/conclave-ai/conclave/internal/llm/provider"
	"github.com/conclave-ai/conclave/internal/observability"
	"github.com/conclave-ai/conclave/internal/tools"
	"github.com/conclave-ai/conclave/pkg/config"
	pkgobs "github.com/conclave-ai/conclave/pkg/observability"
	"github.com/conclave-ai/conclave/pkg/store"
)

// Run loads the configuration, assembles the service, and serves until ctx is
// cancelled. It blocks for the lifetime of the process.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := observability.InitFromEnv(); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	pkgobs.InitMetrics()

	st, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	invoker, err := buildInvoker(cfg)
	if err != nil {
		return err
	}

	manager := deliberation.NewManager(deliberation.Config{
		Store:       st,
		Invoker:     invoker,
		Tools:       tools.NewDefaultRegistry(),
		Threshold:   cfg.Deliberation.ConvergenceThreshold,
		Temperature: cfg.Deliberation.Temperature,
		MaxTokens:   cfg.Deliberation.MaxTokens,
	})
	branches := branch.NewManager(st, manager)

	apiServer := api.NewServer(api.Config{
		Addr:              cfg.ListenAddr,
		AuthToken:         cfg.AuthToken,
		RequestsPerSecond: cfg.RateLimit,
		Burst:             cfg.RateBurst,
	}, manager, branches)

	checker := pkgobs.NewHealthChecker()
	checker.RegisterCheck(pkgobs.PingCheck())
	checker.RegisterCheck(pkgobs.StoreCheck(func(ctx context.Context) error {
		_, err := st.ListSessions(ctx, store.ListOptions{Limit: 1})
		return err
	}))
	obsServer := pkgobs.NewServer(cfg.MetricsAddr, checker)

	log.Printf("conclave listening on %s (metrics on %s, store %s, provider %s)",
		cfg.ListenAddr, cfg.MetricsAddr, cfg.Store.Type, cfg.Provider.Name)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(obsServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("api shutdown: %v", err)
		}
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("observability shutdown: %v", err)
		}
		if err := observability.Shutdown(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "file":
		return store.NewFileStore(cfg.Store.Path)
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildInvoker(cfg *config.Config) (provider.Invoker, error) {
	opts := map[string]any{}
	if cfg.Provider.APIKey != "" {
		opts["api_key"] = cfg.Provider.APIKey
	}
	if cfg.Provider.BaseURL != "" {
		opts["base_url"] = cfg.Provider.BaseURL
	}
	inner, err := provider.New(cfg.Provider.Name, opts)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}
	return provider.NewInstrumentedInvoker(inner), nil
}
