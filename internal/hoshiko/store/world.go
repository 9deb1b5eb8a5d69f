package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hoshikobot/hoshiko/internal/hoshiko/memory"
)

// WorldFact is one key/value observation about a community.
type WorldFact struct {
	CommunityID string
	Key         string
	Value       string
	LastUpdated time.Time
}

// WorldFacts stores per-community world state. Keys are stored normalized
// (lowercase, underscores for spaces) so the same fact observed with
// different casing collapses to one row.
type WorldFacts struct {
	store *Store
}

// NewWorldFacts creates a WorldFacts over the store.
func NewWorldFacts(s *Store) *WorldFacts {
	return &WorldFacts{store: s}
}

// Upsert writes one fact, replacing any existing value for the key.
func (w *WorldFacts) Upsert(ctx context.Context, communityID, key, value string) error {
	err := w.store.with(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO world_state (community_id, key, value, last_updated)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(community_id, key) DO UPDATE SET
				value = excluded.value,
				last_updated = excluded.last_updated`,
			communityID, key, value, time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert world fact: %w", err)
	}
	return nil
}

// ManualSet normalizes the key before writing, for operator-entered facts.
func (w *WorldFacts) ManualSet(ctx context.Context, communityID, key, value string) error {
	return w.Upsert(ctx, communityID, memory.NormalizeFactKey(key), value)
}

// List returns every fact for the community, most recently updated first.
func (w *WorldFacts) List(ctx context.Context, communityID string) ([]WorldFact, error) {
	var facts []WorldFact
	err := w.store.with(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT community_id, key, value, last_updated
			FROM world_state WHERE community_id = ?
			ORDER BY last_updated DESC, key ASC`, communityID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var f WorldFact
			var updated string
			if err := rows.Scan(&f.CommunityID, &f.Key, &f.Value, &updated); err != nil {
				return err
			}
			if t, perr := time.Parse(time.RFC3339, updated); perr == nil {
				f.LastUpdated = t
			}
			facts = append(facts, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: list world facts: %w", err)
	}
	return facts, nil
}

// Context renders the community's most recent facts as a system-prompt
// fragment, or "" when there are none. maxFacts <= 0 means 15.
func (w *WorldFacts) Context(ctx context.Context, communityID string, maxFacts int) (string, error) {
	if maxFacts <= 0 {
		maxFacts = 15
	}
	facts, err := w.List(ctx, communityID)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 {
		return "", nil
	}
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}

	var b strings.Builder
	b.WriteString("Current World State:")
	for _, f := range facts {
		b.WriteString("\n• ")
		b.WriteString(displayFactKey(f.Key))
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String(), nil
}

// Delete removes one fact by normalized key. Returns true if a row existed.
func (w *WorldFacts) Delete(ctx context.Context, communityID, key string) (bool, error) {
	var deleted bool
	err := w.store.with(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			"DELETE FROM world_state WHERE community_id = ? AND key = ?",
			communityID, memory.NormalizeFactKey(key))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("store: delete world fact: %w", err)
	}
	return deleted, nil
}

// DeleteAll removes every fact for the community and returns the count.
func (w *WorldFacts) DeleteAll(ctx context.Context, communityID string) (int, error) {
	var n int64
	err := w.store.with(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			"DELETE FROM world_state WHERE community_id = ?", communityID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: clear world facts: %w", err)
	}
	return int(n), nil
}

// displayFactKey turns a stored key back into title-cased words:
// "voice_channel" becomes "Voice Channel".
func displayFactKey(key string) string {
	words := strings.Split(key, "_")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
