package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeWorldStore records upserted facts in memory.
type fakeWorldStore struct {
	mu    sync.Mutex
	facts map[string]string // communityID+"/"+key -> value
	err   error
}

func newFakeWorldStore() *fakeWorldStore {
	return &fakeWorldStore{facts: make(map[string]string)}
}

func (f *fakeWorldStore) Upsert(ctx context.Context, communityID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.facts[communityID+"/"+key] = value
	return nil
}

func (f *fakeWorldStore) get(communityID, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.facts[communityID+"/"+key]
	return v, ok
}

func (f *fakeWorldStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.facts)
}

func testWorldConfig() WorldConfig {
	return WorldConfig{
		HistoryCap:      50,
		UpdateThreshold: 5,
		Cooldown:        120 * time.Second,
		Window:          30,
		KeepTail:        2,
	}
}

func fillBuffer(w *WorldPipeline, communityID string, n int) {
	for i := 0; i < n; i++ {
		w.Observe(communityID, "alice", fmt.Sprintf("message %d", i))
	}
}

func TestWorldPipeline_BufferCapped(t *testing.T) {
	cfg := testWorldConfig()
	cfg.HistoryCap = 10
	w := NewWorldPipeline(cfg, &fakeCompleter{}, newFakeWorldStore(), nil)

	fillBuffer(w, "!room:test", 25)

	if got := w.BufferLen("!room:test"); got != 10 {
		t.Errorf("BufferLen() = %d, want cap 10", got)
	}
}

func TestWorldPipeline_ThresholdGate(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"weather: raining"}}
	store := newFakeWorldStore()
	w := NewWorldPipeline(testWorldConfig(), completer, store, nil)

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	fillBuffer(w, "!room:test", 4) // below threshold of 5
	w.maybeUpdateAt(context.Background(), "!room:test", now)
	if completer.callCount() != 0 {
		t.Fatal("update fired below the buffer threshold")
	}

	w.Observe("!room:test", "alice", "message 5")
	w.maybeUpdateAt(context.Background(), "!room:test", now)
	if completer.callCount() != 1 {
		t.Fatalf("model called %d times at threshold, want 1", completer.callCount())
	}
	if v, ok := store.get("!room:test", "weather"); !ok || v != "raining" {
		t.Errorf("fact weather = %q (present=%v), want \"raining\"", v, ok)
	}
}

func TestWorldPipeline_CooldownGate(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"weather: raining"}}
	w := NewWorldPipeline(testWorldConfig(), completer, newFakeWorldStore(), nil)

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	fillBuffer(w, "!room:test", 5)
	w.maybeUpdateAt(context.Background(), "!room:test", now)
	if completer.callCount() != 1 {
		t.Fatalf("first update: model called %d times, want 1", completer.callCount())
	}

	// Refill past the threshold; still inside the cooldown.
	fillBuffer(w, "!room:test", 10)
	w.maybeUpdateAt(context.Background(), "!room:test", now.Add(60*time.Second))
	if completer.callCount() != 1 {
		t.Error("update fired inside the cooldown window")
	}

	w.maybeUpdateAt(context.Background(), "!room:test", now.Add(121*time.Second))
	if completer.callCount() != 2 {
		t.Error("update did not fire after the cooldown elapsed")
	}
}

func TestWorldPipeline_KeepTailAfterUpdate(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"weather: raining"}}
	cfg := testWorldConfig()
	cfg.KeepTail = 2
	w := NewWorldPipeline(cfg, completer, newFakeWorldStore(), nil)

	fillBuffer(w, "!room:test", 8)
	w.maybeUpdateAt(context.Background(), "!room:test", time.Now())

	if got := w.BufferLen("!room:test"); got != 2 {
		t.Errorf("BufferLen() = %d after update, want keep-tail 2", got)
	}
}

func TestWorldPipeline_SentinelAndMalformedLines(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantFacts int
	}{
		{name: "no changes sentinel", reply: "no changes", wantFacts: 0},
		{name: "no updates sentinel", reply: "No Updates", wantFacts: 0},
		{name: "empty reply", reply: "   ", wantFacts: 0},
		{
			name:      "mixed parseable and noise",
			reply:     "Here are the facts:\nthrone_status: King overthrown\nnot a fact line\nWeather Report: stormy",
			wantFacts: 2, // "Here are the facts:" has no value after the colon; noise line has no colon
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &fakeCompleter{replies: []string{tt.reply}}
			store := newFakeWorldStore()
			w := NewWorldPipeline(testWorldConfig(), completer, store, nil)

			fillBuffer(w, "!room:test", 5)
			w.maybeUpdateAt(context.Background(), "!room:test", time.Now())

			if store.count() != tt.wantFacts {
				t.Errorf("stored %d facts, want %d", store.count(), tt.wantFacts)
			}
		})
	}
}

func TestWorldPipeline_KeyNormalization(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"Voice Channel: everyone moved to general"}}
	store := newFakeWorldStore()
	w := NewWorldPipeline(testWorldConfig(), completer, store, nil)

	fillBuffer(w, "!room:test", 5)
	w.maybeUpdateAt(context.Background(), "!room:test", time.Now())

	if _, ok := store.get("!room:test", "voice_channel"); !ok {
		t.Error("key was not normalized to voice_channel")
	}
}

func TestWorldPipeline_FailureNotRetriedInsideCooldown(t *testing.T) {
	boom := errors.New("model unreachable")
	completer := &fakeCompleter{replies: []string{""}, errs: []error{boom}}
	w := NewWorldPipeline(testWorldConfig(), completer, newFakeWorldStore(), nil)

	now := time.Now()
	fillBuffer(w, "!room:test", 10)
	w.maybeUpdateAt(context.Background(), "!room:test", now)
	calls := completer.callCount()

	// A failed extraction still consumed the attempt: the buffer was
	// truncated and the cooldown stamped.
	fillBuffer(w, "!room:test", 10)
	w.maybeUpdateAt(context.Background(), "!room:test", now.Add(time.Second))
	if completer.callCount() != calls {
		t.Error("failed update was retried inside the cooldown window")
	}
}

func TestNormalizeFactKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Voice Channel", "voice_channel"},
		{"  throne_status ", "throne_status"},
		{"WEATHER", "weather"},
		{"two  spaces", "two__spaces"},
	}
	for _, tt := range tests {
		if got := NormalizeFactKey(tt.in); got != tt.want {
			t.Errorf("NormalizeFactKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
