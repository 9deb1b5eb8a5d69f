package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoshikobot/hoshiko/common/retry"
)

// Completer is the language-model backend as the memory pipelines see it:
// one blocking call from an ordered message list to the model's reply text.
// Failures (timeout, connection error, malformed response) surface as errors.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// NotesStore is the slice of the user-log store the notes pipeline needs.
type NotesStore interface {
	// Notes returns the stored personality notes for a user. known is false
	// when the user has no log row at all (notes may be empty while known).
	Notes(ctx context.Context, userID string) (notes string, known bool, err error)

	// SaveNotes upserts the personality notes for a user and invalidates any
	// cached copy of the log.
	SaveNotes(ctx context.Context, userID, username, notes string) error
}

// NotesConfig holds the tunables of the notes enrichment pipeline.
type NotesConfig struct {
	// UpdateInterval triggers an enrichment attempt every N interactions per
	// user. Default: 10.
	UpdateInterval int

	// MinUserMessages is the minimum number of messages authored by the user
	// that must be present in the history before notes are generated or
	// updated. Default: 3.
	MinUserMessages int

	// FreshWindow is how many recent user messages feed a from-scratch
	// generation. Default: 15.
	FreshWindow int

	// UpdateWindow is how many recent user messages feed an incremental
	// update. Default: 10.
	UpdateWindow int

	// SimilarityThreshold discards an updated notes text whose similarity to
	// the old text is at or above this ratio. Default: 0.65.
	SimilarityThreshold float64

	// Similarity scores old vs new notes. Default: SequenceRatio.
	Similarity SimilarityFunc

	// RetryInterval is how often the pending-job worker wakes to re-attempt
	// one queued job. Default: 30 s.
	RetryInterval time.Duration

	// MaxAttempts bounds how often a pending job is re-attempted before it is
	// dropped. Default: 8.
	MaxAttempts int
}

// DefaultNotesConfig returns the documented defaults.
func DefaultNotesConfig() NotesConfig {
	return NotesConfig{
		UpdateInterval:      10,
		MinUserMessages:     3,
		FreshWindow:         15,
		UpdateWindow:        10,
		SimilarityThreshold: DefaultSimilarityThreshold,
		Similarity:          SequenceRatio,
		RetryInterval:       30 * time.Second,
		MaxAttempts:         8,
	}
}

// PendingNoteJob is a notes generation or update that failed because the
// model was unreachable, parked for the retry worker.
type PendingNoteJob struct {
	ID       string
	UserID   string
	Username string
	History  []Message // snapshot taken when the job was queued
	IsUpdate bool
	OldNotes string // previous notes when IsUpdate
	Attempts int
}

// NotesPipeline maintains a short, evolving natural-language summary of each
// user's observed traits. Updates are incremental: the model merges new
// information into the existing notes instead of regenerating from scratch.
// All failures are best-effort — nothing here ever surfaces an error to the
// message-handling path. Safe for concurrent use.
type NotesPipeline struct {
	cfg       NotesConfig
	completer Completer
	store     NotesStore
	logger    *slog.Logger

	mu      sync.Mutex
	pending []PendingNoteJob
}

// NewNotesPipeline creates a NotesPipeline. If logger is nil, the default
// slog logger is used.
func NewNotesPipeline(cfg NotesConfig, completer Completer, store NotesStore, logger *slog.Logger) *NotesPipeline {
	def := DefaultNotesConfig()
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.MinUserMessages <= 0 {
		cfg.MinUserMessages = def.MinUserMessages
	}
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = def.FreshWindow
	}
	if cfg.UpdateWindow <= 0 {
		cfg.UpdateWindow = def.UpdateWindow
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.Similarity == nil {
		cfg.Similarity = def.Similarity
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotesPipeline{
		cfg:       cfg,
		completer: completer,
		store:     store,
		logger:    logger,
	}
}

// MaybeUpdate runs one enrichment attempt for the user if their interaction
// count has reached a multiple of the update interval. The throttle is
// deterministic and stateless: it looks only at the count, never at time.
// Every failure mode is handled internally (skip, or park on the pending
// queue); the caller fires this from a goroutine and never waits on it.
func (p *NotesPipeline) MaybeUpdate(ctx context.Context, userID, username string, history []Message, interactions int) {
	if interactions%p.cfg.UpdateInterval != 0 {
		return
	}

	oldNotes, known, err := p.store.Notes(ctx, userID)
	if err != nil {
		p.logger.Warn("notes: read user log failed", "user_id", userID, "err", err)
		return
	}
	if !known {
		// No log row yet; the periodic user-log flush will create one and a
		// later interval hit picks the user up.
		return
	}

	userMsgs := userAuthored(history, username)
	if len(userMsgs) < p.cfg.MinUserMessages {
		return
	}

	if oldNotes != "" {
		newNotes, err := p.tryUpdate(ctx, username, userMsgs, oldNotes)
		if err != nil {
			p.enqueue(PendingNoteJob{
				ID:       uuid.New().String(),
				UserID:   userID,
				Username: username,
				History:  snapshotHistory(history),
				IsUpdate: true,
				OldNotes: oldNotes,
			})
			p.logger.Info("notes: update queued for retry", "username", username, "err", err)
			return
		}
		if newNotes == "" {
			return // sentinel reply or insignificant change
		}
		p.save(ctx, userID, username, newNotes, "updated")
		return
	}

	newNotes, err := p.tryGenerate(ctx, username, userMsgs)
	if err != nil {
		p.enqueue(PendingNoteJob{
			ID:       uuid.New().String(),
			UserID:   userID,
			Username: username,
			History:  snapshotHistory(history),
		})
		p.logger.Info("notes: generation queued for retry", "username", username, "err", err)
		return
	}
	if newNotes == "" {
		return
	}
	p.save(ctx, userID, username, newNotes, "generated")
}

// Run drives the pending-job retry worker until ctx is cancelled. One job is
// re-attempted per wake-up; jobs that keep failing are re-enqueued until they
// exhaust MaxAttempts.
func (p *NotesPipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RetryPendingOnce(ctx)
		}
	}
}

// RetryPendingOnce dequeues one pending job and re-attempts it. On success
// the store is updated and the job discarded; on renewed failure the job is
// re-enqueued, or dropped once it has used up its attempts.
func (p *NotesPipeline) RetryPendingOnce(ctx context.Context) {
	job, ok := p.dequeue()
	if !ok {
		return
	}

	userMsgs := userAuthored(job.History, job.Username)

	var (
		notes string
		err   error
	)
	if job.IsUpdate {
		notes, err = p.tryUpdate(ctx, job.Username, userMsgs, job.OldNotes)
	} else {
		notes, err = p.tryGenerate(ctx, job.Username, userMsgs)
	}

	if err != nil {
		job.Attempts++
		if job.Attempts >= p.cfg.MaxAttempts {
			p.logger.Error("notes: pending job dropped after max attempts",
				"job_id", job.ID, "username", job.Username, "attempts", job.Attempts)
			return
		}
		p.enqueue(job)
		p.logger.Debug("notes: retry failed, requeued",
			"job_id", job.ID, "username", job.Username, "attempts", job.Attempts, "err", err)
		return
	}

	if notes == "" {
		return // the retried snapshot produced nothing new
	}
	p.save(ctx, job.UserID, job.Username, notes, "flushed pending")
}

// PendingCount reports the current pending-retry queue depth.
func (p *NotesPipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// tryGenerate produces fresh notes from the user's recent messages. Returns
// an error only when the model call fails.
func (p *NotesPipeline) tryGenerate(ctx context.Context, username string, userMsgs []string) (string, error) {
	if len(userMsgs) < p.cfg.MinUserMessages {
		return "", nil
	}

	prompt := fmt.Sprintf(
		"Analyze %s's chat messages and summarize their personality traits, "+
			"interests, and communication style in 1-2 sentences. "+
			"Be specific, neutral, and descriptive.\n\nMessages from %s:\n%s",
		username, username, strings.Join(lastN(userMsgs, p.cfg.FreshWindow), "\n"))

	reply, err := p.complete(ctx, []Message{{Role: RoleSystem, Text: prompt}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// tryUpdate asks the model to merge recent activity into the existing notes.
// Returns "" (no error) when the model signals no changes or when the reply
// is too close a paraphrase of the old notes to be worth a write.
func (p *NotesPipeline) tryUpdate(ctx context.Context, username string, userMsgs []string, oldNotes string) (string, error) {
	recent := strings.Join(lastN(userMsgs, p.cfg.UpdateWindow), "\n")
	if strings.TrimSpace(recent) == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(
		"Existing notes about %s: %s\n\nRecent messages from %s:\n%s\n\n"+
			"Update the personality summary based on new information. "+
			"Keep it 1-2 sentences, neutral, and descriptive. "+
			"If nothing new is learned, reply with 'no changes'.",
		username, oldNotes, username, recent)

	reply, err := p.complete(ctx, []Message{{Role: RoleSystem, Text: prompt}})
	if err != nil {
		return "", err
	}

	cleaned := strings.TrimSpace(reply)
	switch strings.ToLower(cleaned) {
	case "", "no changes", "none":
		return "", nil
	}
	if !significantChange(p.cfg.Similarity, p.cfg.SimilarityThreshold, oldNotes, cleaned) {
		return "", nil
	}
	return cleaned, nil
}

// complete calls the model with a quick in-place retry before the failure is
// escalated to the pending queue.
func (p *NotesPipeline) complete(ctx context.Context, msgs []Message) (string, error) {
	var reply string
	err := retry.Do(ctx, retry.Config{MaxAttempts: 2, InitialDelay: 500 * time.Millisecond}, func() error {
		var err error
		reply, err = p.completer.Complete(ctx, msgs)
		return err
	})
	return reply, err
}

func (p *NotesPipeline) save(ctx context.Context, userID, username, notes, action string) {
	if err := p.store.SaveNotes(ctx, userID, username, notes); err != nil {
		p.logger.Error("notes: save failed", "user_id", userID, "err", err)
		return
	}
	p.logger.Info("notes: "+action, "username", username, "len", len(notes))
}

func (p *NotesPipeline) enqueue(job PendingNoteJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, job)
}

func (p *NotesPipeline) dequeue() (PendingNoteJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return PendingNoteJob{}, false
	}
	job := p.pending[0]
	p.pending = p.pending[1:]
	return job, true
}

func snapshotHistory(history []Message) []Message {
	out := make([]Message, len(history))
	copy(out, history)
	return out
}
