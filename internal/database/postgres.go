package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Handle is the process-wide connection pool. The pool is created on the
// first call to Pool and reused afterwards; a failed first attempt is
// remembered and returned to every later caller.
type Handle struct {
	url  string
	once sync.Once
	pool *pgxpool.Pool
	err  error
}

var (
	defaultMu     sync.Mutex
	defaultHandle *Handle
)

func NewHandle(dbURL string) *Handle {
	return &Handle{url: dbURL}
}

// Default returns the shared handle, creating it for dbURL on first use.
// Later calls ignore dbURL.
func Default(dbURL string) *Handle {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHandle == nil {
		defaultHandle = NewHandle(dbURL)
	}
	return defaultHandle
}

func (h *Handle) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	h.once.Do(func() {
		h.pool, h.err = connect(ctx, h.url)
	})
	return h.pool, h.err
}

func (h *Handle) Close() {
	if h.pool != nil {
		h.pool.Close()
	}
}

func connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.InfoContext(ctx, "connected to PostgreSQL")
	return pool, nil
}
