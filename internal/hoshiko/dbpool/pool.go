// Package dbpool provides a bounded pool of dedicated database connections
// with scoped acquisition. database/sql pools internally, but its pool gives
// no acquire-timeout-then-grow semantics and no observability; this wrapper
// pins *sql.Conn handles so the rest of the store can reason about connection
// pressure explicitly.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config holds pool sizing and acquisition behaviour.
type Config struct {
	// MinSize is the number of connections opened eagerly at startup.
	// Default: 2.
	MinSize int

	// MaxSize is the maximum number of connections the pool will ever hold
	// open, idle or in use. Default: 3.
	MaxSize int

	// AcquireTimeout is how long Acquire waits for an idle connection before
	// trying to grow the pool. Default: 30 s.
	AcquireTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:        2,
		MaxSize:        3,
		AcquireTimeout: 30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of the pool for observability.
type Stats struct {
	Size      int `json:"pool_size"`
	Available int `json:"available_connections"`
	MaxSize   int `json:"max_size"`
}

// Pool manages a bounded set of reusable *sql.Conn handles.
//
// Acquire waits for an idle connection up to the acquire timeout, then grows
// the pool if it is under its maximum size. When the pool is already at
// maximum the caller blocks indefinitely until another goroutine releases a
// connection — deliberate backpressure, not a failure mode.
type Pool struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	idle chan *sql.Conn

	mu   sync.Mutex
	size int
}

// New creates a Pool over db and eagerly opens the minimum connection count.
// If logger is nil, the default slog logger is used.
func New(ctx context.Context, db *sql.DB, cfg Config, logger *slog.Logger) (*Pool, error) {
	def := DefaultConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		db:     db,
		cfg:    cfg,
		logger: logger,
		idle:   make(chan *sql.Conn, cfg.MaxSize),
	}

	for i := 0; i < cfg.MinSize; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("dbpool: open initial connection: %w", err)
		}
		p.idle <- conn
		p.size++
	}
	logger.Info("dbpool: initialized", "connections", cfg.MinSize, "max", cfg.MaxSize)
	return p, nil
}

// Acquire returns a connection, waiting up to the acquire timeout for an idle
// one, then growing the pool if under capacity, then blocking until a release.
// Returns an error only when ctx is cancelled or a new connection cannot be
// opened.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-p.idle:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	// Timed out waiting. Grow the pool if there is headroom.
	p.mu.Lock()
	if p.size < p.cfg.MaxSize {
		p.size++
		p.mu.Unlock()
		conn, err := p.db.Conn(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			return nil, fmt.Errorf("dbpool: open connection: %w", err)
		}
		p.logger.Debug("dbpool: grew pool", "size", p.size)
		return conn, nil
	}
	p.mu.Unlock()

	// At capacity: block until another caller releases.
	select {
	case conn := <-p.idle:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a connection to the idle set. When the idle set is already
// at capacity the connection is closed instead, so the pool retains at most
// MaxSize idle connections.
func (p *Pool) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.idle <- conn:
	default:
		conn.Close()
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		p.logger.Debug("dbpool: closed excess connection", "size", p.size)
	}
}

// With acquires a connection, runs fn, and releases the connection on every
// exit path.
func (p *Pool) With(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Stats reports the pool's current size, idle count, and configured maximum.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Available: len(p.idle),
		MaxSize:   p.cfg.MaxSize,
	}
}

// Close drains and closes every idle connection. Connections currently in use
// are closed by their holders via Release after the idle set fills.
func (p *Pool) Close() {
	for {
		select {
		case conn := <-p.idle:
			conn.Close()
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
		default:
			p.logger.Info("dbpool: closed")
			return
		}
	}
}
