// Package app wires the Quad messaging server runtime: config, logging,
// persistence selection, HTTP routes, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"quad/cmd/internal/auth"
	"quad/cmd/internal/chat"
	"quad/cmd/internal/chatapi"
	"quad/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Quad server runtime: it owns HTTP server wiring, the chat store,
// and the realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store     chat.Store
	storeKind string

	dbPool    *pgxpool.Pool
	dbEnabled bool

	gw  *realtime.Gateway
	api *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, dbPool, storeKind, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		store.Close()
		return nil, err
	}
	if authCfg.Ephemeral {
		log.Warn("auth.secret.ephemeral", "hint", "set QUAD_AUTH_SECRET; tokens will not survive restarts")
	}
	tokens, err := auth.NewHS256Manager(authCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	apiHandler, err := chatapi.NewHandler(log, store, tokens, cfg.DevTokenMint)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.DevTokenMint {
		log.Warn("api.dev_token_mint.enabled")
	}

	gw := realtime.NewGateway(log, realtime.NewHub(log), store, tokens)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		storeKind: storeKind,
		dbPool:    dbPool,
		dbEnabled: dbPool != nil,
		gw:        gw,
		api:       apiHandler,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gw, a.api)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
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

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.storeKind,
		"base_url", baseURL,
		"ws_url", wsBaseURL(baseURL)+"/ws",
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
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

// newStore picks the chat store backend: Postgres when QUAD_DATABASE_URL is
// set, SQLite when QUAD_SQLITE_PATH is set, in-memory otherwise.
//
// Ownership model:
// - app owns the pgx pool lifecycle; PostgresStore.Close() is a no-op
// - SQLiteStore owns its database handle
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, string, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, "", err
		}
		store, err := chat.NewPostgresStore(pool) // default schema "quad"
		if err != nil {
			pool.Close()
			return nil, nil, "", err
		}
		log.Info("store.postgres")
		return store, pool, "postgres", nil

	case cfg.SQLitePath != "":
		store, err := chat.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, "", err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		return store, nil, "sqlite", nil

	default:
		log.Info("store.memory", "hint", "set QUAD_DATABASE_URL or QUAD_SQLITE_PATH for durable storage")
		return chat.NewMemoryStore(), nil, "memory", nil
	}
}

// runtimeBaseURL turns a bind address into a dialable HTTP base URL.
// Wildcard binds map to loopback since that is what local tooling dials.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
