package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hoshikobot/hoshiko/internal/hoshiko/dbpool"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/memory"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/store"
)

// scriptedCompleter counts model calls and signals each one, so tests can
// wait for a background enrichment attempt instead of sleeping for it.
type scriptedCompleter struct {
	reply string
	done  chan struct{}

	mu    sync.Mutex
	calls int
}

func (c *scriptedCompleter) Complete(ctx context.Context, msgs []memory.Message) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
	return c.reply, nil
}

func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// newTestApp wires an App over a real temporary database, with the Matrix
// transport left out: tests drive the message path through recordMessage.
func newTestApp(t *testing.T, completer memory.Completer) *App {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, filepath.Join(t.TempDir(), "hoshiko-test.db"),
		dbpool.Config{MinSize: 1, MaxSize: 2}, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	userLogs := store.NewUserLogs(st, store.UserLogsConfig{}, nil)
	worldFacts := store.NewWorldFacts(st)
	return &App{
		config:     &Config{BotName: "Hoshiko"},
		store:      st,
		userLogs:   userLogs,
		worldFacts: worldFacts,
		writer:     store.NewInteractionWriter(st, store.InteractionWriterConfig{}, nil),
		notes:      memory.NewNotesPipeline(memory.NotesConfig{}, completer, userLogs, nil),
		world:      memory.NewWorldPipeline(memory.WorldConfig{}, completer, worldFacts, nil),
		histories:  memory.NewHistoryCache(memory.HistoryCacheConfig{}),
	}
}

func TestConversationKey(t *testing.T) {
	tests := []struct {
		name        string
		msg         Incoming
		wantScope   string
		wantChannel string
		wantDirect  bool
	}{
		{
			name:        "group room keyed by room",
			msg:         Incoming{RoomID: "!room:test", Sender: "@alice:test"},
			wantScope:   "!room:test",
			wantChannel: "!room:test",
		},
		{
			name:       "direct conversation keyed by sender",
			msg:        Incoming{RoomID: "!dm:test", Sender: "@alice:test", Direct: true},
			wantScope:  "@alice:test",
			wantDirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := conversationKey(tt.msg)
			if key.Scope != tt.wantScope || key.Channel != tt.wantChannel || key.Direct != tt.wantDirect {
				t.Errorf("conversationKey = %+v", key)
			}
		})
	}
}

// Every inbound group message counts toward the sender's interactions and can
// trigger notes enrichment, whether or not the bot was addressed.
func TestRecordMessage_UnaddressedGroupMessageCounts(t *testing.T) {
	comp := &scriptedCompleter{reply: "Alice enjoys long walks.", done: make(chan struct{}, 1)}
	a := newTestApp(t, comp)
	ctx := context.Background()

	msg := Incoming{RoomID: "!room:test", Sender: "@alice:test"}
	a.recordMessage(ctx, msg, "alice", "nothing addressed to anyone")

	if got := a.writer.QueueDepth(); got != 1 {
		t.Errorf("counter queue depth = %d after unaddressed group message, want 1", got)
	}
	if got := a.userLogs.StagedCount(); got != 1 {
		t.Errorf("staged user logs = %d, want 1", got)
	}
}

func TestRecordMessage_NotesTriggerAtTenthInteraction(t *testing.T) {
	comp := &scriptedCompleter{reply: "Alice enjoys long walks.", done: make(chan struct{}, 1)}
	a := newTestApp(t, comp)
	ctx := context.Background()

	msg := Incoming{RoomID: "!room:test", Sender: "@alice:test"}
	for i := 1; i <= 9; i++ {
		a.recordMessage(ctx, msg, "alice", fmt.Sprintf("message %d", i))
	}
	// The periodic flush would normally create the user-log row between
	// interactions; force it so the tenth message finds the row.
	if err := a.userLogs.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := comp.callCount(); got != 0 {
		t.Fatalf("model calls = %d after 9 messages, want 0", got)
	}

	a.recordMessage(ctx, msg, "alice", "message 10")
	select {
	case <-comp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("notes generation did not run at the tenth interaction")
	}

	for i := 11; i <= 19; i++ {
		a.recordMessage(ctx, msg, "alice", fmt.Sprintf("message %d", i))
	}
	// Give any stray goroutine a moment to surface before counting.
	time.Sleep(50 * time.Millisecond)
	if got := comp.callCount(); got != 1 {
		t.Errorf("model calls = %d after 19 messages, want 1", got)
	}

	if got := a.writer.QueueDepth(); got != 19 {
		t.Errorf("counter queue depth = %d, want 19", got)
	}
	if got, err := a.userLogs.Interactions(ctx, msg.Sender); err != nil || got != 19 {
		t.Errorf("Interactions = %d, %v, want 19", got, err)
	}

	// The save happens after the model call returns; poll briefly for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		notes, known, err := a.userLogs.Notes(ctx, msg.Sender)
		if err != nil {
			t.Fatalf("Notes: %v", err)
		}
		if known && notes == "Alice enjoys long walks." {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored notes = %q (known=%v), want the generated text", notes, known)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A renamed or re-created DM room must resolve to the same history as long as
// the other participant is the same user.
func TestConversationKey_DirectSurvivesRoomChange(t *testing.T) {
	a := conversationKey(Incoming{RoomID: "!old:test", Sender: "@alice:test", Direct: true})
	b := conversationKey(Incoming{RoomID: "!new:test", Sender: "@alice:test", Direct: true})
	if a != b {
		t.Errorf("direct keys diverge: %+v vs %+v", a, b)
	}
}
