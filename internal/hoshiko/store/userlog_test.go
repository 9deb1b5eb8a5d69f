package store

import (
	"context"
	"testing"
	"time"
)

func testUserLogs(t *testing.T) (*Store, *UserLogs) {
	t.Helper()
	s := testStore(t)
	return s, NewUserLogs(s, DefaultUserLogsConfig(), nil)
}

func TestUserLogs_QueueAndFlush(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()

	u.Queue("@alice:test", "alice")
	u.Queue("@alice:test", "alice-renamed")
	u.Queue("@bob:test", "bob")

	if got := u.StagedCount(); got != 2 {
		t.Fatalf("StagedCount() = %d, want 2", got)
	}
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := u.StagedCount(); got != 0 {
		t.Errorf("StagedCount() = %d after flush, want 0", got)
	}

	log, err := u.GetCached(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("GetCached: %v", err)
	}
	if log == nil {
		t.Fatal("alice has no log row after flush")
	}
	if log.Username != "alice-renamed" {
		t.Errorf("Username = %q, want last-write-wins \"alice-renamed\"", log.Username)
	}
	if log.Interactions != 2 {
		t.Errorf("Interactions = %d, want 2", log.Interactions)
	}
}

func TestUserLogs_CounterSurvivesMultipleFlushes(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()

	u.Queue("@alice:test", "alice")
	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	log, err := u.GetCached(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("GetCached: %v", err)
	}
	if log.Interactions != 3 {
		t.Errorf("persisted Interactions = %d, want cumulative 3", log.Interactions)
	}
}

func TestUserLogs_InteractionsPrefersCounter(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()

	// Three queued, none flushed: the counter must already report 3.
	u.Queue("@alice:test", "alice")
	u.Queue("@alice:test", "alice")
	u.Queue("@alice:test", "alice")

	got, err := u.Interactions(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("Interactions: %v", err)
	}
	if got != 3 {
		t.Errorf("Interactions() = %d before flush, want 3", got)
	}
}

func TestUserLogs_LoadInteractionCounts(t *testing.T) {
	s, u := testUserLogs(t)
	ctx := context.Background()

	u.Queue("@alice:test", "alice")
	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Fresh instance simulating a restart.
	u2 := NewUserLogs(s, DefaultUserLogsConfig(), nil)
	if err := u2.LoadInteractionCounts(ctx); err != nil {
		t.Fatalf("LoadInteractionCounts: %v", err)
	}
	if got := u2.Queue("@alice:test", "alice"); got != 3 {
		t.Errorf("counter after restart+queue = %d, want 3 (seeded from DB)", got)
	}
}

func TestUserLogs_CacheTTL(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Prime the cache, then write behind its back.
	if _, err := u.getCachedAt(ctx, "@alice:test", now); err != nil {
		t.Fatalf("getCachedAt: %v", err)
	}
	if err := u.SaveNotes(ctx, "@alice:test", "alice", "fresh notes"); err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}
	// SaveNotes invalidates, so re-prime with a stale direct write.
	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	log, err := u.getCachedAt(ctx, "@alice:test", now)
	if err != nil {
		t.Fatalf("getCachedAt: %v", err)
	}
	first := log.Interactions

	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	u.cache["@alice:test"] = cachedLog{log: log, cachedAt: now} // force-stale entry

	// Inside the TTL the stale copy is served.
	within, err := u.getCachedAt(ctx, "@alice:test", now.Add(60*time.Second))
	if err != nil {
		t.Fatalf("getCachedAt within TTL: %v", err)
	}
	if within.Interactions != first {
		t.Errorf("read inside TTL = %d interactions, want cached %d", within.Interactions, first)
	}

	// Past the TTL the row is re-read.
	after, err := u.getCachedAt(ctx, "@alice:test", now.Add(121*time.Second))
	if err != nil {
		t.Fatalf("getCachedAt past TTL: %v", err)
	}
	if after.Interactions != first+1 {
		t.Errorf("read past TTL = %d interactions, want refreshed %d", after.Interactions, first+1)
	}
}

func TestUserLogs_NegativeCaching(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()
	now := time.Now()

	log, err := u.getCachedAt(ctx, "@ghost:test", now)
	if err != nil {
		t.Fatalf("getCachedAt: %v", err)
	}
	if log != nil {
		t.Fatal("unknown user returned a log")
	}
	if _, ok := u.cache["@ghost:test"]; !ok {
		t.Error("negative lookup was not cached")
	}
}

func TestUserLogs_NotesRoundTrip(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()

	// Unknown user: not known, no notes.
	notes, known, err := u.Notes(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	if known || notes != "" {
		t.Fatalf("Notes() = (%q, %v) for unknown user, want (\"\", false)", notes, known)
	}

	if err := u.SaveNotes(ctx, "@alice:test", "alice", "likes rhythm games"); err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}

	notes, known, err = u.Notes(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("Notes after save: %v", err)
	}
	if !known || notes != "likes rhythm games" {
		t.Errorf("Notes() = (%q, %v), want the saved text and known", notes, known)
	}
}

func TestUserLogs_SaveNotesPreservesInteractions(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()

	u.Queue("@alice:test", "alice")
	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := u.SaveNotes(ctx, "@alice:test", "alice", "new notes"); err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}

	log, err := u.GetCached(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("GetCached: %v", err)
	}
	if log.Interactions != 2 {
		t.Errorf("Interactions = %d after SaveNotes, want untouched 2", log.Interactions)
	}
	if log.Notes != "new notes" {
		t.Errorf("Notes = %q, want \"new notes\"", log.Notes)
	}
}

func TestUserLogs_NotesContextFormat(t *testing.T) {
	_, u := testUserLogs(t)
	ctx := context.Background()

	if got, err := u.NotesContext(ctx, "@ghost:test", "ghost"); err != nil || got != "" {
		t.Errorf("NotesContext for unknown user = (%q, %v), want empty", got, err)
	}

	if err := u.SaveNotes(ctx, "@alice:test", "alice", "chatty"); err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}
	got, err := u.NotesContext(ctx, "@alice:test", "alice")
	if err != nil {
		t.Fatalf("NotesContext: %v", err)
	}
	if got != "Notes about alice: chatty" {
		t.Errorf("NotesContext = %q", got)
	}
}

func TestUserLogs_DeleteUser(t *testing.T) {
	s, u := testUserLogs(t)
	ctx := context.Background()

	u.Queue("@alice:test", "alice")
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	w := NewInteractionWriter(s, DefaultInteractionWriterConfig(), nil)
	w.Flush(ctx, []Increment{{CommunityID: "!room:test", UserID: "@alice:test"}})

	if err := u.DeleteUser(ctx, "@alice:test"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	log, err := u.GetCached(ctx, "@alice:test")
	if err != nil {
		t.Fatalf("GetCached: %v", err)
	}
	if log != nil {
		t.Error("user log survived DeleteUser")
	}
	count, err := s.InteractionCount(ctx, "!room:test", "@alice:test")
	if err != nil {
		t.Fatalf("InteractionCount: %v", err)
	}
	if count != 0 {
		t.Errorf("interaction count = %d after DeleteUser, want 0", count)
	}
	if n, err := u.Interactions(ctx, "@alice:test"); err != nil || n != 0 {
		t.Errorf("Interactions = (%d, %v) after DeleteUser, want 0", n, err)
	}
}
