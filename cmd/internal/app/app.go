// Package app wires the Relay server runtime: config, logging, HTTP routes,
// the long-poll delivery engine, and the notification-channel gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relay/cmd/internal/chatapi"
	"relay/cmd/internal/history"
	"relay/cmd/internal/longpoll"
	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Relay server runtime: it owns the HTTP server wiring, the
// delivery engine and its reaper, and the notification gateway.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	engine *longpoll.Engine
	reaper *longpoll.Reaper
	hub    *realtime.Hub
	ws     *realtime.WSGateway
	chat   *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, histStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	engine := longpoll.NewEngine(log, cfg.LongPollMaxWait)
	reaper := longpoll.NewReaper(log, engine, cfg.LongPollReapInterval)
	hub := realtime.NewHub(log)
	ws := realtime.NewWSGateway(log, hub)
	chat := chatapi.NewHandler(log, engine, hub, histStore)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		engine:    engine,
		reaper:    reaper,
		hub:       hub,
		ws:        ws,
		chat:      chat,
	}, nil
}

// Run starts the reaper and the HTTP server, then blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		a.reaper.Run(runCtx)
	}()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.chat)

	var handler http.Handler = mux
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"longpoll_max_wait", a.engine.MaxWait().String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Stop the reaper after the listener so in-flight polls still get swept.
	cancel()
	<-reaperDone

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed history and the in-memory
// fallback. Delivery state is always in-memory; only history touches the DB.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, history.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_history")
		return nopStore{}, nil, false, history.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_history", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	histStore, err := history.NewPostgresStore(pool, history.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, histStore: histStore}, pool, true, histStore, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	histStore history.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.histStore != nil {
		_ = s.histStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
