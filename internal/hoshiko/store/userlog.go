package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// UserLog is one user's durable interaction record.
type UserLog struct {
	UserID       string
	Username     string
	Interactions int
	LastSeen     time.Time
	Notes        string // personality notes; empty when none recorded
}

// UserLogsConfig tunes the staging flush and read cache.
type UserLogsConfig struct {
	// FlushInterval is how often staged records are written out. Default: 60 s.
	FlushInterval time.Duration

	// CacheTTL is the read-cache lifetime. Default: 120 s.
	CacheTTL time.Duration
}

// DefaultUserLogsConfig returns the documented defaults.
func DefaultUserLogsConfig() UserLogsConfig {
	return UserLogsConfig{
		FlushInterval: 60 * time.Second,
		CacheTTL:      120 * time.Second,
	}
}

// stagedLog accumulates one user's pending writes between flushes.
type stagedLog struct {
	username string
	lastSeen time.Time
}

// cachedLog is a read-cache entry; log is nil for cached negative lookups.
type cachedLog struct {
	log      *UserLog
	cachedAt time.Time
}

// UserLogs coalesces per-user write traffic in memory and flushes it
// periodically, fronted by a TTL read cache. The in-memory interaction
// counter is authoritative between flushes: it is monotonically increasing
// and always at least as current as the database value. Safe for concurrent
// use.
type UserLogs struct {
	store  *Store
	cfg    UserLogsConfig
	logger *slog.Logger

	mu           sync.Mutex
	staging      map[string]*stagedLog
	interactions map[string]int // running counter, seeded from DB
	cache        map[string]cachedLog
}

// NewUserLogs creates a UserLogs over the store. If logger is nil, the
// default slog logger is used.
func NewUserLogs(s *Store, cfg UserLogsConfig, logger *slog.Logger) *UserLogs {
	def := DefaultUserLogsConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserLogs{
		store:        s,
		cfg:          cfg,
		logger:       logger,
		staging:      make(map[string]*stagedLog),
		interactions: make(map[string]int),
		cache:        make(map[string]cachedLog),
	}
}

// Queue stages one interaction for the user: username and last-seen are
// last-write-wins, the interaction counter increments additively. No I/O.
// Returns the updated running counter so callers can drive interval-based
// triggers without a read.
func (u *UserLogs) Queue(userID, username string) int {
	return u.queueAt(userID, username, time.Now())
}

// queueAt is the time-injectable core of Queue.
func (u *UserLogs) queueAt(userID, username string, now time.Time) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.staging[userID]
	if !ok {
		rec = &stagedLog{}
		u.staging[userID] = rec
	}
	rec.username = username
	rec.lastSeen = now
	u.interactions[userID]++
	return u.interactions[userID]
}

// Flush upserts every staged record in one pass using the accumulated
// in-memory interaction counter (not a blind re-increment), then invalidates
// the read cache for the flushed users and clears the staging map.
func (u *UserLogs) Flush(ctx context.Context) error {
	u.mu.Lock()
	if len(u.staging) == 0 {
		u.mu.Unlock()
		return nil
	}
	staged := u.staging
	u.staging = make(map[string]*stagedLog)
	counts := make(map[string]int, len(staged))
	for uid := range staged {
		counts[uid] = u.interactions[uid]
	}
	u.mu.Unlock()

	err := u.store.with(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		for uid, rec := range staged {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO user_logs (user_id, username, interactions, last_seen)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(user_id) DO UPDATE SET
					username = excluded.username,
					interactions = excluded.interactions,
					last_seen = excluded.last_seen`,
				uid, rec.username, counts[uid], rec.lastSeen.UTC().Format(time.RFC3339))
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("upsert %s: %w", uid, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		// Re-stage so the next flush retries; last-write-wins fields are
		// still correct and the counter lives outside the staging map.
		u.mu.Lock()
		for uid, rec := range staged {
			if _, exists := u.staging[uid]; !exists {
				u.staging[uid] = rec
			}
		}
		u.mu.Unlock()
		return fmt.Errorf("store: flush user logs: %w", err)
	}

	u.mu.Lock()
	for uid := range staged {
		delete(u.cache, uid)
	}
	u.mu.Unlock()

	u.logger.Debug("user logs: flushed", "users", len(staged))
	return nil
}

// Run flushes staged records at the configured interval until ctx is
// cancelled, with one final flush at shutdown.
func (u *UserLogs) Run(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := u.Flush(context.Background()); err != nil {
				u.logger.Warn("user logs: final flush failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := u.Flush(ctx); err != nil {
				u.logger.Warn("user logs: periodic flush failed", "err", err)
			}
		}
	}
}

// GetCached returns the user's log through the TTL read cache. Negative
// results are cached too, so repeated lookups for unknown users do not hammer
// storage. Returns (nil, nil) when the user has no log row.
func (u *UserLogs) GetCached(ctx context.Context, userID string) (*UserLog, error) {
	return u.getCachedAt(ctx, userID, time.Now())
}

// getCachedAt is the time-injectable core of GetCached.
func (u *UserLogs) getCachedAt(ctx context.Context, userID string, now time.Time) (*UserLog, error) {
	u.mu.Lock()
	if entry, ok := u.cache[userID]; ok {
		if now.Sub(entry.cachedAt) < u.cfg.CacheTTL {
			log := entry.log
			u.mu.Unlock()
			return log, nil
		}
		delete(u.cache, userID)
	}
	u.mu.Unlock()

	log, err := u.get(ctx, userID)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.cache[userID] = cachedLog{log: log, cachedAt: now}
	u.mu.Unlock()
	return log, nil
}

// get reads the user's log row directly from storage.
func (u *UserLogs) get(ctx context.Context, userID string) (*UserLog, error) {
	var (
		log      UserLog
		lastSeen sql.NullString
		notes    sql.NullString
	)
	err := u.store.with(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT user_id, username, interactions, last_seen, personality_notes
			FROM user_logs WHERE user_id = ?`, userID).
			Scan(&log.UserID, &log.Username, &log.Interactions, &lastSeen, &notes)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user log: %w", err)
	}
	if lastSeen.Valid && lastSeen.String != "" {
		if t, perr := time.Parse(time.RFC3339, lastSeen.String); perr == nil {
			log.LastSeen = t
		}
	}
	if notes.Valid {
		log.Notes = notes.String
	}
	return &log, nil
}

// Interactions returns the user's interaction count, preferring the
// in-memory running counter over the database value (flush is periodic, the
// counter is always at least as current). A database fallback seeds the
// counter for users seen before the last restart.
func (u *UserLogs) Interactions(ctx context.Context, userID string) (int, error) {
	u.mu.Lock()
	if n, ok := u.interactions[userID]; ok {
		u.mu.Unlock()
		return n, nil
	}
	u.mu.Unlock()

	log, err := u.GetCached(ctx, userID)
	if err != nil {
		return 0, err
	}
	if log == nil {
		return 0, nil
	}

	u.mu.Lock()
	if _, ok := u.interactions[userID]; !ok {
		u.interactions[userID] = log.Interactions
	}
	n := u.interactions[userID]
	u.mu.Unlock()
	return n, nil
}

// LoadInteractionCounts warms the running counters from storage at startup.
func (u *UserLogs) LoadInteractionCounts(ctx context.Context) error {
	counts := make(map[string]int)
	err := u.store.with(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, "SELECT user_id, interactions FROM user_logs")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid string
			var n int
			if err := rows.Scan(&uid, &n); err != nil {
				return err
			}
			counts[uid] = n
		}
		return rows.Err()
	})
	if err != nil {
		return fmt.Errorf("store: load interaction counts: %w", err)
	}

	u.mu.Lock()
	u.interactions = counts
	u.mu.Unlock()
	u.logger.Info("user logs: interaction counters restored", "users", len(counts))
	return nil
}

// Notes returns the stored personality notes for a user via the read cache.
// known is false when the user has no log row.
func (u *UserLogs) Notes(ctx context.Context, userID string) (string, bool, error) {
	log, err := u.GetCached(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if log == nil {
		return "", false, nil
	}
	return log.Notes, true, nil
}

// SaveNotes upserts personality notes, creating the log row when the user is
// unknown and leaving counters untouched when it exists. The cache entry is
// invalidated.
func (u *UserLogs) SaveNotes(ctx context.Context, userID, username, notes string) error {
	err := u.store.with(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO user_logs (user_id, username, interactions, personality_notes)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				personality_notes = excluded.personality_notes`,
			userID, username, notes)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: save notes: %w", err)
	}
	u.InvalidateCache(userID)
	return nil
}

// NotesContext formats the stored notes as a system-prompt fragment, or ""
// when the user has none.
func (u *UserLogs) NotesContext(ctx context.Context, userID, username string) (string, error) {
	log, err := u.GetCached(ctx, userID)
	if err != nil {
		return "", err
	}
	if log == nil || log.Notes == "" {
		return "", nil
	}
	return fmt.Sprintf("Notes about %s: %s", username, log.Notes), nil
}

// DeleteUser removes the user's log row and interaction counters — the
// explicit data-removal request. Caches are invalidated.
func (u *UserLogs) DeleteUser(ctx context.Context, userID string) error {
	err := u.store.with(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, "DELETE FROM user_logs WHERE user_id = ?", userID); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, "DELETE FROM server_interactions WHERE user_id = ?", userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}

	u.mu.Lock()
	delete(u.cache, userID)
	delete(u.staging, userID)
	delete(u.interactions, userID)
	u.mu.Unlock()
	return nil
}

// InvalidateCache drops one user's read-cache entry.
func (u *UserLogs) InvalidateCache(userID string) {
	u.mu.Lock()
	delete(u.cache, userID)
	u.mu.Unlock()
}

// ClearCache drops every read-cache entry.
func (u *UserLogs) ClearCache() {
	u.mu.Lock()
	u.cache = make(map[string]cachedLog)
	u.mu.Unlock()
}

// StagedCount reports how many users have pending staged writes.
func (u *UserLogs) StagedCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.staging)
}
