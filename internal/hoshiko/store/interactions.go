package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Increment is one pending interaction-counter bump. It is never persisted
// directly; only its aggregated effect reaches the database.
type Increment struct {
	CommunityID string
	UserID      string
}

// InteractionWriterConfig tunes the background batching loop.
type InteractionWriterConfig struct {
	// BatchSize is the maximum number of increments flushed per transaction.
	// Default: 10.
	BatchSize int

	// BatchWait is the maximum time the loop accumulates a batch before
	// flushing what it has. Default: 2 s.
	BatchWait time.Duration

	// ForceFlushInterval flushes even a small batch once this much time has
	// passed since the last flush. Default: 5 s.
	ForceFlushInterval time.Duration

	// IdleSleep is the brief pause taken when the queue is empty, avoiding a
	// busy loop. Default: 100 ms.
	IdleSleep time.Duration
}

// DefaultInteractionWriterConfig returns the documented defaults.
func DefaultInteractionWriterConfig() InteractionWriterConfig {
	return InteractionWriterConfig{
		BatchSize:          10,
		BatchWait:          2 * time.Second,
		ForceFlushInterval: 5 * time.Second,
		IdleSleep:          100 * time.Millisecond,
	}
}

// InteractionWriter drains a queue of interaction increments into grouped
// upserts without ever blocking the producers. A database error during a
// flush drops that batch's increments — an accepted lossy-counter tradeoff.
type InteractionWriter struct {
	store  *Store
	cfg    InteractionWriterConfig
	logger *slog.Logger

	mu    sync.Mutex
	queue []Increment
	wake  chan struct{}
}

// NewInteractionWriter creates an InteractionWriter over the store. Call Run
// from a goroutine to start draining. If logger is nil, the default slog
// logger is used.
func NewInteractionWriter(s *Store, cfg InteractionWriterConfig, logger *slog.Logger) *InteractionWriter {
	def := DefaultInteractionWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = def.BatchWait
	}
	if cfg.ForceFlushInterval <= 0 {
		cfg.ForceFlushInterval = def.ForceFlushInterval
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = def.IdleSleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractionWriter{
		store:  s,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// QueueIncrement records one interaction for (communityID, userID). The queue
// is unbounded and the call never blocks.
func (w *InteractionWriter) QueueIncrement(communityID, userID string) {
	w.mu.Lock()
	w.queue = append(w.queue, Increment{CommunityID: communityID, UserID: userID})
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports the number of increments waiting to be flushed.
func (w *InteractionWriter) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Run drives the consumer loop until ctx is cancelled. A final best-effort
// flush drains whatever is still queued at shutdown.
func (w *InteractionWriter) Run(ctx context.Context) {
	lastFlush := time.Now()
	for {
		batch := w.collect(ctx)

		if ctx.Err() != nil {
			batch = append(batch, w.drain()...)
			if len(batch) > 0 {
				w.Flush(context.Background(), batch)
			}
			return
		}

		if len(batch) == 0 {
			if time.Since(lastFlush) < w.cfg.ForceFlushInterval {
				select {
				case <-ctx.Done():
				case <-time.After(w.cfg.IdleSleep):
				}
			}
			continue
		}

		w.Flush(ctx, batch)
		lastFlush = time.Now()
	}
}

// collect accumulates up to BatchSize increments, waiting at most BatchWait
// for stragglers once the queue runs dry.
func (w *InteractionWriter) collect(ctx context.Context) []Increment {
	deadline := time.NewTimer(w.cfg.BatchWait)
	defer deadline.Stop()

	var batch []Increment
	for len(batch) < w.cfg.BatchSize {
		w.mu.Lock()
		for len(w.queue) > 0 && len(batch) < w.cfg.BatchSize {
			batch = append(batch, w.queue[0])
			w.queue = w.queue[1:]
		}
		w.mu.Unlock()

		if len(batch) >= w.cfg.BatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return batch
		case <-deadline.C:
			return batch
		case <-w.wake:
		}
	}
	return batch
}

// drain empties the queue without waiting.
func (w *InteractionWriter) drain() []Increment {
	w.mu.Lock()
	defer w.mu.Unlock()
	rest := w.queue
	w.queue = nil
	return rest
}

// Flush coalesces the batch by (community, user) key and applies the net
// per-key deltas as upserts inside one transaction. Errors are logged and the
// batch is dropped; the loop continues.
func (w *InteractionWriter) Flush(ctx context.Context, batch []Increment) {
	if len(batch) == 0 {
		return
	}

	counts := make(map[Increment]int, len(batch))
	for _, inc := range batch {
		counts[inc]++
	}

	err := w.store.with(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		for key, n := range counts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO server_interactions (community_id, user_id, count)
				VALUES (?, ?, ?)
				ON CONFLICT(community_id, user_id)
				DO UPDATE SET count = count + ?`,
				key.CommunityID, key.UserID, n, n)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("upsert %s/%s: %w", key.CommunityID, key.UserID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		w.logger.Error("interactions: batch flush failed, increments dropped",
			"batch", len(batch), "err", err)
		return
	}
	w.logger.Debug("interactions: flushed batch", "increments", len(batch), "keys", len(counts))
}

// InteractionCount returns the persisted counter for one (community, user)
// pair; zero when absent.
func (s *Store) InteractionCount(ctx context.Context, communityID, userID string) (int, error) {
	var count int
	err := s.with(ctx, func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx,
			"SELECT count FROM server_interactions WHERE community_id = ? AND user_id = ?",
			communityID, userID).Scan(&count)
		if err == sql.ErrNoRows {
			count = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: interaction count: %w", err)
	}
	return count, nil
}

// LeaderboardEntry is one row of the per-community interaction leaderboard.
type LeaderboardEntry struct {
	UserID string
	Count  int
}

// InteractionLeaderboard returns the top users by interaction count for a
// community.
func (s *Store) InteractionLeaderboard(ctx context.Context, communityID string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var entries []LeaderboardEntry
	err := s.with(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT user_id, count FROM server_interactions
			WHERE community_id = ? ORDER BY count DESC LIMIT ?`,
			communityID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e LeaderboardEntry
			if err := rows.Scan(&e.UserID, &e.Count); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: leaderboard: %w", err)
	}
	return entries, nil
}
