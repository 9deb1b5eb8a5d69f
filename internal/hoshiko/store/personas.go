package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PersonaType distinguishes how a community's persona override is resolved.
type PersonaType string

const (
	// PersonaNamed references one of the personas from the persona file by name.
	PersonaNamed PersonaType = "named"
	// PersonaCustom carries a free-form roleplay character description.
	PersonaCustom PersonaType = "custom"
)

// CommunityPersona is a community's persona override row.
type CommunityPersona struct {
	CommunityID string
	Type        PersonaType
	Value       string // persona name for named, character text for custom
	IsCustom    bool
	Locked      bool
}

// Personas persists per-community persona overrides so they survive restarts.
type Personas struct {
	store *Store
}

// NewPersonas creates a Personas over the store.
func NewPersonas(s *Store) *Personas {
	return &Personas{store: s}
}

// Save upserts a community's override, preserving any existing lock flag.
func (p *Personas) Save(ctx context.Context, cp CommunityPersona) error {
	err := p.store.with(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO community_personas
				(community_id, persona_type, persona_value, is_custom, last_updated)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(community_id) DO UPDATE SET
				persona_type = excluded.persona_type,
				persona_value = excluded.persona_value,
				is_custom = excluded.is_custom,
				last_updated = excluded.last_updated`,
			cp.CommunityID, string(cp.Type), cp.Value, cp.IsCustom,
			time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return fmt.Errorf("store: save persona: %w", err)
	}
	return nil
}

// Load returns the community's override, or (nil, nil) when it has none.
func (p *Personas) Load(ctx context.Context, communityID string) (*CommunityPersona, error) {
	var cp CommunityPersona
	err := p.store.with(ctx, func(conn *sql.Conn) error {
		var ptype string
		err := conn.QueryRowContext(ctx, `
			SELECT community_id, persona_type, persona_value, is_custom, locked
			FROM community_personas WHERE community_id = ?`, communityID).
			Scan(&cp.CommunityID, &ptype, &cp.Value, &cp.IsCustom, &cp.Locked)
		cp.Type = PersonaType(ptype)
		return err
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load persona: %w", err)
	}
	return &cp, nil
}

// LoadAll returns every community override, keyed by community ID. Used to
// warm the in-memory resolver at startup.
func (p *Personas) LoadAll(ctx context.Context) (map[string]CommunityPersona, error) {
	out := make(map[string]CommunityPersona)
	err := p.store.with(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT community_id, persona_type, persona_value, is_custom, locked
			FROM community_personas`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var cp CommunityPersona
			var ptype string
			if err := rows.Scan(&cp.CommunityID, &ptype, &cp.Value, &cp.IsCustom, &cp.Locked); err != nil {
				return err
			}
			cp.Type = PersonaType(ptype)
			out[cp.CommunityID] = cp
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: load personas: %w", err)
	}
	return out, nil
}

// Delete removes the community's override, returning it to the default.
func (p *Personas) Delete(ctx context.Context, communityID string) error {
	err := p.store.with(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"DELETE FROM community_personas WHERE community_id = ?", communityID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete persona: %w", err)
	}
	return nil
}

// SetLock flips the community's persona lock; locked communities reject
// persona changes from non-admins. Creates a default-persona row when none
// exists so the lock has somewhere to live.
func (p *Personas) SetLock(ctx context.Context, communityID string, locked bool) error {
	err := p.store.with(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO community_personas
				(community_id, persona_type, persona_value, is_custom, locked)
			VALUES (?, ?, 'Default', 0, ?)
			ON CONFLICT(community_id) DO UPDATE SET locked = excluded.locked`,
			communityID, string(PersonaNamed), locked)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: set persona lock: %w", err)
	}
	return nil
}

// Locked reports whether the community's persona is locked.
func (p *Personas) Locked(ctx context.Context, communityID string) (bool, error) {
	var locked bool
	err := p.store.with(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx,
			"SELECT locked FROM community_personas WHERE community_id = ?",
			communityID).Scan(&locked)
	})
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: persona lock: %w", err)
	}
	return locked, nil
}
