package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"maunium.net/go/mautrix/event"
)

func profileServer(t *testing.T, hits *atomic.Int32, displayName string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/profile/") {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"displayname": displayName})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetDisplayName_CachedAfterFirstLookup(t *testing.T) {
	var hits atomic.Int32
	srv := profileServer(t, &hits, "Alice")

	c, err := New(&Config{Homeserver: srv.URL, UserID: "@hoshiko:test", AccessToken: "token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := c.GetDisplayName("@alice:test"); got != "Alice" {
		t.Fatalf("GetDisplayName = %q, want Alice", got)
	}
	if got := c.GetDisplayName("@alice:test"); got != "Alice" {
		t.Fatalf("GetDisplayName (second call) = %q, want Alice", got)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("profile requests = %d, want 1 (second lookup must hit the cache)", got)
	}
}

func TestGetDisplayName_MemberEventInvalidates(t *testing.T) {
	var hits atomic.Int32
	srv := profileServer(t, &hits, "Alice")

	c, err := New(&Config{Homeserver: srv.URL, UserID: "@hoshiko:test", AccessToken: "token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.GetDisplayName("@alice:test")

	// A member event for the user (rename, join, leave) drops the cached name.
	key := "@alice:test"
	c.handleMembership(context.Background(), &event.Event{StateKey: &key})

	c.GetDisplayName("@alice:test")
	if got := hits.Load(); got != 2 {
		t.Errorf("profile requests = %d after invalidation, want 2", got)
	}

	// Events about other users leave the entry alone.
	other := "@bob:test"
	c.handleMembership(context.Background(), &event.Event{StateKey: &other})
	c.GetDisplayName("@alice:test")
	if got := hits.Load(); got != 2 {
		t.Errorf("profile requests = %d after unrelated event, want 2", got)
	}
}

func TestGetDisplayName_FailedLookupNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		http.Error(w, `{"errcode":"M_NOT_FOUND","error":"no profile"}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c, err := New(&Config{Homeserver: srv.URL, UserID: "@hoshiko:test", AccessToken: "token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := c.GetDisplayName("@alice:test"); got != "alice" {
		t.Errorf("fallback = %q, want the localpart", got)
	}
	c.GetDisplayName("@alice:test")
	if got := hits.Load(); got != 2 {
		t.Errorf("profile requests = %d, want 2 (failures must not be cached)", got)
	}
}
