package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobilefin/finsync/finsync"
	"github.com/mobilefin/finsync/internal/auth"
	"github.com/mobilefin/finsync/pgdocstore"
	"github.com/mobilefin/finsync/remotehttp"
	"github.com/mobilefin/finsync/sqlitestore"
)

// engine bundles everything a client-side command needs.
type engine struct {
	local       *sqlitestore.Store
	remote      finsync.RemoteStore
	coordinator *finsync.Coordinator
	initializer *finsync.Initializer

	pool *pgxpool.Pool
}

func (e *engine) close() {
	if e.coordinator != nil {
		e.coordinator.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.local.Close()
}

// staticIdentity is the CLI's fixed authenticated user.
type staticIdentity struct{ userID string }

func (s staticIdentity) CurrentUserID() (string, bool) {
	return s.userID, s.userID != ""
}

// assumedOnline treats the process as permanently connected; the CLI runs
// on demand rather than in the background, so there is nothing to watch.
type assumedOnline struct{}

func (assumedOnline) IsOnline() bool { return true }

func (assumedOnline) Subscribe(ctx context.Context) (<-chan bool, error) {
	ch := make(chan bool)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func buildEngine(ctx context.Context, cfg *Config, logger *slog.Logger) (*engine, error) {
	local, err := sqlitestore.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	sourceID, err := local.EnsureSourceID(ctx, cfg.UserID)
	if err != nil {
		local.Close()
		return nil, err
	}

	e := &engine{local: local}
	switch cfg.RemoteBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			local.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		remote, err := pgdocstore.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			local.Close()
			return nil, err
		}
		e.pool = pool
		e.remote = remote
	default:
		jwtAuth := auth.NewJWTAuth(cfg.JWTSecret)
		e.remote = remotehttp.NewClient(cfg.RemoteURL, func(ctx context.Context) (string, error) {
			return jwtAuth.GenerateToken(cfg.UserID, sourceID, time.Hour)
		})
	}

	clock := finsync.SystemClock{}
	identity := staticIdentity{userID: cfg.UserID}
	network := assumedOnline{}

	watermarks := finsync.NewWatermarkStore(local, local, clock, logger)
	gate := finsync.NewDependencyGate(local, logger)
	syncers := finsync.NewSyncers(local, e.remote, watermarks, clock, sourceID, logger)

	e.coordinator = finsync.NewCoordinator(syncers, gate, watermarks, local, local,
		network, identity, clock, nil, logger)
	e.initializer = finsync.NewInitializer(syncers, gate, network, identity, logger)
	return e, nil
}
