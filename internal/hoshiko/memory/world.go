package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// WorldFactStore is the slice of the world-state store the pipeline writes to.
type WorldFactStore interface {
	// Upsert inserts or overwrites the fact for (communityID, key), stamping
	// its last-updated time.
	Upsert(ctx context.Context, communityID, key, value string) error
}

// WorldConfig holds the tunables of the world-state pipeline.
type WorldConfig struct {
	// HistoryCap bounds the per-community rolling buffer. Default: 50.
	HistoryCap int

	// UpdateThreshold is the minimum buffered message count before an update
	// attempt fires. Default: 25.
	UpdateThreshold int

	// Cooldown is the minimum gap between update attempts per community.
	// Default: 120 s.
	Cooldown time.Duration

	// Window is how many trailing buffered messages feed the prompt.
	// Default: 30.
	Window int

	// KeepTail is how many messages survive a successful update for
	// continuity. Default: 10.
	KeepTail int
}

// DefaultWorldConfig returns the documented defaults.
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		HistoryCap:      50,
		UpdateThreshold: 25,
		Cooldown:        120 * time.Second,
		Window:          30,
		KeepTail:        10,
	}
}

// worldLine is one observed message in a community's rolling buffer.
type worldLine struct {
	author string
	text   string
}

// factLine matches one "key: value" line in the model's reply.
var factLine = regexp.MustCompile(`^\s*([^:]+?)\s*:\s*(.+)$`)

// WorldPipeline derives durable key/value facts about a community's shared
// context from recent message traffic. Unlike the notes pipeline there is no
// retry queue: a failed update is simply skipped until the next threshold
// and cooldown window opens, since world facts are lower-value than per-user
// notes. Safe for concurrent use.
type WorldPipeline struct {
	cfg       WorldConfig
	completer Completer
	store     WorldFactStore
	logger    *slog.Logger

	mu          sync.Mutex
	histories   map[string][]worldLine
	lastUpdated map[string]time.Time
}

// NewWorldPipeline creates a WorldPipeline. If logger is nil, the default
// slog logger is used.
func NewWorldPipeline(cfg WorldConfig, completer Completer, store WorldFactStore, logger *slog.Logger) *WorldPipeline {
	def := DefaultWorldConfig()
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.UpdateThreshold <= 0 {
		cfg.UpdateThreshold = def.UpdateThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.KeepTail <= 0 {
		cfg.KeepTail = def.KeepTail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorldPipeline{
		cfg:         cfg,
		completer:   completer,
		store:       store,
		logger:      logger,
		histories:   make(map[string][]worldLine),
		lastUpdated: make(map[string]time.Time),
	}
}

// Observe appends a message to the community's rolling buffer, dropping the
// oldest entries past the cap.
func (w *WorldPipeline) Observe(communityID, author, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.histories[communityID], worldLine{author: author, text: text})
	if len(buf) > w.cfg.HistoryCap {
		buf = buf[len(buf)-w.cfg.HistoryCap:]
	}
	w.histories[communityID] = buf
}

// BufferLen reports the current rolling-buffer depth for a community.
func (w *WorldPipeline) BufferLen(communityID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.histories[communityID])
}

// MaybeUpdate fires a world-state extraction when the community's buffer has
// reached the threshold and the cooldown has elapsed. Errors are logged and
// swallowed. Best called from a goroutine; it never blocks message handling.
func (w *WorldPipeline) MaybeUpdate(ctx context.Context, communityID string) {
	w.maybeUpdateAt(ctx, communityID, time.Now())
}

// maybeUpdateAt is the time-injectable core of MaybeUpdate.
func (w *WorldPipeline) maybeUpdateAt(ctx context.Context, communityID string, now time.Time) {
	w.mu.Lock()
	buf := w.histories[communityID]
	if len(buf) < w.cfg.UpdateThreshold {
		w.mu.Unlock()
		return
	}
	if last, ok := w.lastUpdated[communityID]; ok && now.Sub(last) < w.cfg.Cooldown {
		w.mu.Unlock()
		return
	}
	window := make([]worldLine, len(buf))
	copy(window, buf)
	if len(window) > w.cfg.Window {
		window = window[len(window)-w.cfg.Window:]
	}
	// Stamp the cooldown and truncate up front: a failed extraction is not
	// retried inside this cooldown window.
	w.lastUpdated[communityID] = now
	w.histories[communityID] = buf[len(buf)-min(w.cfg.KeepTail, len(buf)):]
	w.mu.Unlock()

	if err := w.summariseAndStore(ctx, communityID, window); err != nil {
		w.logger.Warn("world: update failed", "community_id", communityID, "err", err)
	}
}

// summariseAndStore asks the model for 1-3 significant factual deltas and
// upserts every line that parses as "key: value". Lines that do not match
// are skipped silently; partial extraction is acceptable.
func (w *WorldPipeline) summariseAndStore(ctx context.Context, communityID string, window []worldLine) error {
	var b strings.Builder
	for i, line := range window {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", line.author, line.text)
	}

	prompt := fmt.Sprintf(
		"Extract factual updates about the world/story/setting from these messages.\n"+
			"Focus ONLY on:\n"+
			"- Major events (battles, discoveries, arrivals/departures)\n"+
			"- Character status changes (injuries, transformations, relationships)\n"+
			"- Location changes (new places discovered, destruction)\n"+
			"- Important objects or items introduced\n\n"+
			"Format: key: value (e.g. 'throne_status: King overthrown by rebels')\n"+
			"Return 1-3 updates ONLY if significant events occurred.\n"+
			"If nothing important happened, reply with: no changes\n\n"+
			"Messages:\n%s\n\nNew facts:", b.String())

	reply, err := w.completer.Complete(ctx, []Message{
		{Role: RoleSystem, Text: "You track key facts about a shared fictional world. Be specific and concise."},
		{Role: RoleUser, Text: prompt},
	})
	if err != nil {
		return fmt.Errorf("world summarise: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "", "no changes", "none", "no updates":
		w.logger.Debug("world: no updates", "community_id", communityID)
		return nil
	}

	updates := 0
	for _, line := range strings.Split(reply, "\n") {
		m := factLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := NormalizeFactKey(m[1])
		if err := w.store.Upsert(ctx, communityID, key, strings.TrimSpace(m[2])); err != nil {
			w.logger.Warn("world: fact upsert failed", "community_id", communityID, "key", key, "err", err)
			continue
		}
		updates++
	}
	if updates > 0 {
		w.logger.Info("world: updated", "community_id", communityID, "facts", updates)
	}
	return nil
}

// NormalizeFactKey lowercases a fact key and replaces spaces with
// underscores, matching the storage key format.
func NormalizeFactKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
}
