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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/akutishevsky/withings-mcp"
	"github.com/akutishevsky/withings-mcp/client"
	"github.com/akutishevsky/withings-mcp/gateway"
	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/internal/config"
	"github.com/akutishevsky/withings-mcp/providers/withings"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/server"
	"github.com/akutishevsky/withings-mcp/storage"
	"github.com/akutishevsky/withings-mcp/storage/memory"
	"github.com/akutishevsky/withings-mcp/storage/postgres"
	"github.com/akutishevsky/withings-mcp/storage/valkey"
	"github.com/akutishevsky/withings-mcp/tools"
	"github.com/akutishevsky/withings-mcp/transport"
	"github.com/akutishevsky/withings-mcp/vault"
)

const readHeaderTimeout = 10 * time.Second

func newServeCmd(version string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long: `Starts the OAuth endpoints, the discovery documents and the MCP transport.

Configuration is read from --config (YAML), then .env, then the environment.
SIGINT or SIGTERM closes every session and shuts the listener down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, version, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	return cmd
}

// backend is the union of storage interfaces every store implementation provides
type backend interface {
	storage.CredentialStore
	storage.ClientStore
	storage.FlowStore
	storage.RateLimitStore
	SetInstrumentation(*instrumentation.Instrumentation)
}

func openBackend(cfg config.StorageConfig, logger *slog.Logger) (backend, func(), error) {
	switch cfg.Backend {
	case config.BackendValkey:
		s, err := valkey.New(valkey.Config{
			Address:   cfg.ValkeyAddr,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendPostgres:
		s, err := postgres.New(postgres.Config{DSN: cfg.DatabaseURL, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s := memory.New()
		s.SetLogger(logger)
		logger.Warn("Using in-memory storage; credentials and clients are lost on restart")
		return s, s.Stop, nil
	}
}

func run(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}

	store, closeStore, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer closeStore()
	store.SetInstrumentation(inst)

	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptionSecret))
	if err != nil {
		return fmt.Errorf("encryptor: %w", err)
	}

	auditor := security.NewAuditor(logger, true)
	auditor.SetInstrumentation(inst)

	srvCfg := &server.Config{
		Issuer:         cfg.BaseURL,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
		BridgeTokenTTL: vault.DefaultTTL,
	}

	v, err := vault.New(store, encryptor, srvCfg.BridgeTokenTTL, logger)
	if err != nil {
		return err
	}
	v.SetAuditor(auditor)
	v.SetInstrumentation(inst)

	provider, err := withings.NewProvider(&withings.Config{
		ClientID:     cfg.Withings.ClientID,
		ClientSecret: cfg.Withings.ClientSecret,
		RedirectURL:  cfg.Withings.RedirectURI,
		Scopes:       cfg.Withings.Scopes,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("withings provider: %w", err)
	}

	api, err := client.New(v, provider, client.Config{BaseURL: cfg.Withings.APIBaseURL, Logger: logger})
	if err != nil {
		return err
	}
	api.SetAuditor(auditor)
	api.SetInstrumentation(inst)

	srv, err := server.New(provider, v, store, store, encryptor, srvCfg, logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, logger)
	handler.SetInstrumentation(inst)

	manager, err := transport.NewManager(func(bearer string) transport.MessageHandler {
		return tools.NewServer(api, bearer, version, logger)
	}, transport.Config{
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		IdleTimeout:       cfg.Session.IdleTimeout,
		SweepInterval:     cfg.Session.SweepInterval,
		MaxSessions:       cfg.Session.MaxSessions,
	}, logger)
	if err != nil {
		return err
	}
	if err := manager.SetInstrumentation(inst); err != nil {
		return err
	}

	limiter := security.NewRateLimiter(store, logger)
	limiter.SetAuditor(auditor)
	limiter.SetInstrumentation(inst)
	limiter.SetClientIPResolver(srv.Config.ClientIPResolver())

	router := gateway.NewRouter(gateway.Options{
		OAuth:       handler,
		Config:      srv.Config,
		MCP:         transport.NewHandler(manager, srv, handler.WWWAuthenticate, gateway.MCPPath, logger),
		Sessions:    manager,
		RateLimiter: limiter,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	manager.Start(gctx)

	g.Go(func() error {
		logger.Info("Withings MCP bridge listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.BaseURL,
			"storage", cfg.Storage.Backend,
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		// Streams never finish on their own, so sessions close before the listener drains
		manager.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return inst.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
