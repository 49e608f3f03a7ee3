// Package server wires the keygate service from configuration to listener.
package server

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"github.com/nholloway/keygate/internal/ceremony"
	"github.com/nholloway/keygate/internal/flow"
	"github.com/nholloway/keygate/internal/passkey"
	"github.com/nholloway/keygate/internal/platform/logging"
	"github.com/nholloway/keygate/internal/platform/otel"
	"github.com/nholloway/keygate/internal/server"
	"github.com/nholloway/keygate/internal/session"
	"github.com/nholloway/keygate/internal/storage/sqlite"
)

const serviceName = "keygate"

// Config holds the command-level settings not owned by a package config.
type Config struct {
	DBPath string `env:"KEYGATE_DB_PATH" envDefault:"keygate.db"`
}

// Run assembles the service and serves until the context ends.
func Run(ctx context.Context) error {
	logger := logging.New("server")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	shutdownTracing, err := otel.Setup(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	passkeyCfg := passkey.LoadConfigFromEnv()
	verifier, err := passkey.NewVerifier(passkeyCfg)
	if err != nil {
		return fmt.Errorf("init verifier: %w", err)
	}

	sessions, err := session.NewManager(session.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}

	challenges := ceremony.NewStore(passkeyCfg.ChallengeTTL)
	registration := flow.NewRegistration(challenges, store, verifier, sessions, passkeyCfg, logging.New("registration"))
	authentication := flow.NewAuthentication(challenges, store, verifier, sessions, passkeyCfg, logging.New("authentication"))

	handler := server.NewHandler(registration, authentication, sessions, store, logging.New("http"))
	srv, err := server.New(server.LoadConfigFromEnv(), handler.Routes(), logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}
