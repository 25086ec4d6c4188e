package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/felipepmaragno/agent-gateway/internal/api"
	"github.com/felipepmaragno/agent-gateway/internal/auth"
	"github.com/felipepmaragno/agent-gateway/internal/budget"
	"github.com/felipepmaragno/agent-gateway/internal/cache"
	"github.com/felipepmaragno/agent-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/agent-gateway/internal/config"
	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
	"github.com/felipepmaragno/agent-gateway/internal/httputil"
	"github.com/felipepmaragno/agent-gateway/internal/ledger"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
	"github.com/felipepmaragno/agent-gateway/internal/llm/anthropic"
	"github.com/felipepmaragno/agent-gateway/internal/llm/bedrock"
	"github.com/felipepmaragno/agent-gateway/internal/llm/openai"
	"github.com/felipepmaragno/agent-gateway/internal/notifications"
	"github.com/felipepmaragno/agent-gateway/internal/orchestrator"
	"github.com/felipepmaragno/agent-gateway/internal/queue"
	"github.com/felipepmaragno/agent-gateway/internal/repository"
	"github.com/felipepmaragno/agent-gateway/internal/secrets"
	"github.com/felipepmaragno/agent-gateway/internal/telemetry"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
	"github.com/felipepmaragno/agent-gateway/internal/transport/local"
	"github.com/felipepmaragno/agent-gateway/internal/transport/session"
	"github.com/felipepmaragno/agent-gateway/internal/transport/webhook"
)

// app holds the shared clients built from configuration, plus what has
// to be released on shutdown.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	redis   *redis.Client
	aws     *aws.Config
	enc     *crypto.Encryptor
	closers []func() error
}

func (rt *app) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)
	rt := &app{cfg: cfg, logger: logger}

	if cfg.SecretsName != "" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		bundle, err := secrets.LoadBundle(ctx, sm, cfg.SecretsName)
		if err != nil {
			return nil, err
		}
		cfg.Overlay(bundle)
		logger.Info("loaded secrets overlay", "secret", cfg.SecretsName)
	}

	if cfg.EncryptionKey != "" {
		rt.enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.redis = client
		rt.closers = append(rt.closers, client.Close)
		logger.Info("connected to redis")
	}

	if cfg.BedrockEnabled || cfg.SNSTopicARN != "" || cfg.SQSQueueURL != "" {
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		rt.aws = &awsCfg
	}

	return rt, nil
}

func (rt *app) openStore(ctx context.Context) (repository.Store, error) {
	cfg := rt.cfg
	switch cfg.DatabaseDriver() {
	case "postgres":
		store, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.DB().Close)
		rt.logger.Info("using postgres store")
		return store, nil

	case "sqlite":
		store, err := repository.OpenSQLite(ctx, cfg.SQLiteDSN())
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.DB().Close)
		if err := store.SeedDefaultTenant(ctx); err != nil {
			return nil, err
		}
		rt.logger.Info("using sqlite store", "dsn", cfg.SQLiteDSN())
		return store, nil

	default:
		rt.logger.Warn("DATABASE_URL not set, balances live in memory only",
			"tenant_id", repository.DefaultTenantID)
		return repository.NewInMemoryStore(), nil
	}
}

func (rt *app) providers() []llm.Provider {
	cfg := rt.cfg
	client := httputil.DefaultClient()

	var out []llm.Provider
	if cfg.OpenAIAPIKey != "" {
		out = append(out, openai.New("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, client))
		rt.logger.Info("registered provider", "provider", "openai")
	}
	if cfg.OllamaBaseURL != "" {
		out = append(out, openai.New("ollama", "ollama", cfg.OllamaBaseURL, client))
		rt.logger.Info("registered provider", "provider", "ollama", "url", cfg.OllamaBaseURL)
	}
	if cfg.AnthropicAPIKey != "" {
		out = append(out, anthropic.New(cfg.AnthropicAPIKey, "", client))
		rt.logger.Info("registered provider", "provider", "anthropic")
	}
	if cfg.BedrockEnabled && rt.aws != nil {
		out = append(out, bedrock.New(*rt.aws))
		rt.logger.Info("registered provider", "provider", "bedrock", "region", rt.aws.Region)
	}
	return out
}

func (rt *app) notifier() notifications.Notifier {
	if rt.cfg.SNSTopicARN != "" && rt.aws != nil {
		rt.logger.Info("alerts published to sns", "topic", rt.cfg.SNSTopicARN)
		return notifications.NewSNSNotifier(*rt.aws, rt.cfg.SNSTopicARN)
	}
	return notifications.NewLogNotifier(rt.logger)
}

func (rt *app) buildLedger(store repository.Store, notifier notifications.Notifier) *ledger.Ledger {
	const alertTTL = 24 * time.Hour
	var dedup budget.AlertDeduplicator = budget.NewInMemoryDeduplicator(alertTTL)
	if rt.redis != nil {
		dedup = budget.NewRedisDeduplicator(rt.redis, alertTTL)
	}
	monitor := budget.NewMonitor(notifier, budget.Thresholds{
		Warning:  decimal.NewFromFloat(rt.cfg.WarningBalance),
		Critical: decimal.NewFromFloat(rt.cfg.CriticalBalance),
	}, budget.WithDeduplicator(dedup), budget.WithLogger(rt.logger))

	opts := []ledger.Option{
		ledger.WithNotifier(notifier),
		ledger.WithMonitor(monitor),
		ledger.WithLogger(rt.logger),
	}
	if rt.cfg.SQSQueueURL != "" && rt.aws != nil {
		opts = append(opts, ledger.WithExporter(queue.NewSQSExporter(*rt.aws, rt.cfg.SQSQueueURL)))
		rt.logger.Info("usage exported to sqs", "queue", rt.cfg.SQSQueueURL)
	}
	return ledger.New(store, opts...)
}

// buildDiscovery assembles the local built-ins and the remote adapters, and loads
// the tool servers file when one is configured.
func (rt *app) buildDiscovery(notifier notifications.Notifier) (*discovery.Discovery, error) {
	cfg := rt.cfg

	builtins := local.NewAdapter()
	if err := local.RegisterBuiltins(builtins, time.Now); err != nil {
		return nil, err
	}

	opts := []discovery.Option{
		discovery.WithMaxTools(cfg.MaxTools),
		discovery.WithNotifier(notifier),
		discovery.WithLogger(rt.logger),
	}
	if rt.redis != nil {
		opts = append(opts,
			discovery.WithCache(cache.NewRedisCache(rt.redis), cfg.ToolCatalogTTL),
			discovery.WithBreakers(circuitbreaker.NewManager(circuitbreaker.DefaultConfig(),
				circuitbreaker.WithRedis(rt.redis))),
		)
	} else {
		mem := cache.NewInMemoryCache()
		rt.closers = append(rt.closers, mem.Close)
		opts = append(opts, discovery.WithCache(mem, cfg.ToolCatalogTTL))
	}

	remote := []transport.Adapter{
		webhook.NewAdapter(httputil.NewClient(httputil.ToolConfig())),
		session.NewAdapter(httputil.NewClient(httputil.StreamConfig()), session.WithLogger(rt.logger)),
	}
	disc := discovery.New(builtins, remote, opts...)

	if cfg.ToolServersFile != "" {
		servers, err := config.LoadToolServers(cfg.ToolServersFile, rt.enc)
		if err != nil {
			return nil, err
		}
		disc.SetServers(servers)
	}
	return disc, nil
}

func (rt *app) adminAuth() (*auth.RBACMiddleware, error) {
	if !rt.cfg.AdminAuthEnabled {
		rt.logger.Warn("admin API is not authenticated, set ADMIN_AUTH_ENABLED and ADMIN_USERS")
		return nil, nil
	}
	ops, err := auth.ParseOperators(rt.cfg.AdminUsers)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, errors.New("ADMIN_AUTH_ENABLED requires at least one entry in ADMIN_USERS")
	}
	rt.logger.Info("admin API authentication enabled", "operators", len(ops))
	return auth.NewRBACMiddleware(auth.NewAuthenticator(auth.NewStaticOperators(ops...))), nil
}

func runServe(ctx context.Context) error {
	rt, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	logger.Info("starting agent gateway", "addr", cfg.Addr, "version", version)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "agent-gateway",
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(tctx)
	})

	store, err := rt.openStore(ctx)
	if err != nil {
		return err
	}

	providers := rt.providers()
	if len(providers) == 0 {
		return errors.New("no providers configured")
	}
	router := llm.NewRouter(providers...)

	notifier := rt.notifier()
	disc, err := rt.buildDiscovery(notifier)
	if err != nil {
		return err
	}

	if cfg.ToolServersFile != "" {
		watcher := config.NewToolServersWatcher(cfg.ToolServersFile, rt.enc, disc.SetServers, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("tool servers file will not be reloaded", "error", err)
		} else {
			rt.closers = append(rt.closers, watcher.Close)
		}
	}

	if cfg.ToolProbeSchedule != "" {
		stopProbes, err := disc.StartProbes(ctx, cfg.ToolProbeSchedule, 10*time.Second)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() error { stopProbes(); return nil })
	}

	rbac, err := rt.adminAuth()
	if err != nil {
		return err
	}

	checkers := []api.HealthChecker{api.NewToolServersHealthChecker(disc)}
	if rt.redis != nil {
		checkers = append(checkers, api.NewRedisHealthCheckerWithClient(rt.redis))
	}

	engine := orchestrator.New(
		llm.NewCaller(router, llm.WithLogger(logger)),
		orchestrator.WithLogger(logger),
	)

	handler := api.NewHandler(api.HandlerConfig{
		Store:    store,
		Ledger:   rt.buildLedger(store, notifier),
		Engine:   engine,
		Router:   router,
		Tools:    disc,
		Checkers: checkers,
		Version:  version,
		Logger:   logger,
	})
	admin := api.NewAdminHandler(api.AdminConfig{
		Store:  store,
		Tools:  disc,
		Auth:   rbac,
		Logger: logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", admin)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      300 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
