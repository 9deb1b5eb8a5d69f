// Package app wires Hoshiko together: Matrix transport, persistence,
// conversation memory, and the background enrichment pipelines.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hoshikobot/hoshiko/internal/hoshiko/dbpool"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/llm"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/matrix"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/memory"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/persona"
	"github.com/hoshikobot/hoshiko/internal/hoshiko/store"
)

// directCommunityID groups direct-conversation interaction counts under one
// synthetic community so the counter table needs no special casing.
const directCommunityID = "direct"

// Incoming is the transport-neutral message the Matrix client delivers.
type Incoming = matrix.Incoming

// Config holds application configuration.
type Config struct {
	DatabasePath string
	// BotName is the display name stripped from replies and matched for
	// mentions in group rooms.
	BotName      string
	PersonaPath  string
	Matrix       matrix.Config
	LLM          llm.Config
	Pool         dbpool.Config
	Writer       store.InteractionWriterConfig
	UserLogs     store.UserLogsConfig
	Notes        memory.NotesConfig
	World        memory.WorldConfig
	History      memory.HistoryCacheConfig
	// HTTPAddr is the TCP address for the optional health/status HTTP
	// server (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string
}

// App is the main Hoshiko application.
type App struct {
	config       *Config
	store        *store.Store
	userLogs     *store.UserLogs
	worldFacts   *store.WorldFacts
	writer       *store.InteractionWriter
	personas     *persona.Manager
	notes        *memory.NotesPipeline
	world        *memory.WorldPipeline
	histories    *memory.HistoryCache
	llm          *llm.Client
	matrix       *matrix.Client
	healthServer *HealthServer
}

// New creates a new Hoshiko application.
func New(ctx context.Context, config *Config) (*App, error) {
	logger := slog.Default()

	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(ctx, config.DatabasePath, config.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the Matrix client can persist the sync token across
	// restarts.
	matrixCfg := config.Matrix
	matrixCfg.DB = st.DB()
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	personaFile, err := persona.Load(config.PersonaPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load personas: %w", err)
	}
	personaMgr := persona.NewManager(personaFile, store.NewPersonas(st))
	if err := personaMgr.Restore(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to restore persona overrides: %w", err)
	}
	slog.Info("personas loaded", "count", len(personaMgr.Names()), "path", config.PersonaPath)

	userLogs := store.NewUserLogs(st, config.UserLogs, logger)
	if err := userLogs.LoadInteractionCounts(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load interaction counts: %w", err)
	}

	worldFacts := store.NewWorldFacts(st)
	writer := store.NewInteractionWriter(st, config.Writer, logger)
	llmClient := llm.New(config.LLM)

	a := &App{
		config:     config,
		store:      st,
		userLogs:   userLogs,
		worldFacts: worldFacts,
		writer:     writer,
		personas:   personaMgr,
		notes:      memory.NewNotesPipeline(config.Notes, llmClient, userLogs, logger),
		world:      memory.NewWorldPipeline(config.World, llmClient, worldFacts, logger),
		histories:  memory.NewHistoryCache(config.History),
		llm:        llmClient,
		matrix:     matrixClient,
	}

	if config.HTTPAddr != "" {
		a.healthServer = NewHealthServer(config.HTTPAddr, a)
		slog.Info("health server configured", "addr", config.HTTPAddr)
	}

	return a, nil
}

// Run starts the application and blocks until an interrupt signal arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	// Background loops: counter batching, user-log flushing, and pending
	// note-job retries.
	go a.writer.Run(ctx)
	go a.userLogs.Run(ctx)
	go a.notes.Run(ctx)

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	slog.Info("Hoshiko is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops the application, flushing pending writes before the database
// closes.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.userLogs.Flush(ctx); err != nil {
		slog.Warn("final user-log flush failed", "err", err)
	}

	slog.Info("closing database")
	a.store.Close()
}

// PoolStats implements statsProvider.
func (a *App) PoolStats() dbpool.Stats { return a.store.PoolStats() }

// CounterQueueDepth implements statsProvider.
func (a *App) CounterQueueDepth() int { return a.writer.QueueDepth() }

// StagedUserLogs implements statsProvider.
func (a *App) StagedUserLogs() int { return a.userLogs.StagedCount() }

// PendingNoteJobs implements statsProvider.
func (a *App) PendingNoteJobs() int { return a.notes.PendingCount() }

// handleMessage processes one incoming Matrix message.
func (a *App) handleMessage(ctx context.Context, msg Incoming) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return
	}

	if strings.HasPrefix(body, commandPrefix) {
		a.handleCommand(ctx, msg, body)
		return
	}

	displayName := a.matrix.GetDisplayName(msg.Sender)
	key, history := a.recordMessage(ctx, msg, displayName, body)

	// Only the reply itself is gated on being addressed.
	if !msg.Direct && !a.mentioned(body) {
		return
	}

	a.respond(ctx, msg, key, history, displayName)
}

// recordMessage runs the bookkeeping every inbound message gets, addressed
// or not: append to the conversation history, feed the world-state buffer,
// count the interaction, stage the user log, and kick the notes pipeline.
func (a *App) recordMessage(ctx context.Context, msg Incoming, displayName, body string) (memory.ConversationKey, *memory.History) {
	key := conversationKey(msg)
	history := a.histories.GetOrCreate(key)

	history.Append(memory.Message{
		Role: memory.RoleUser,
		Name: displayName,
		Text: body,
	})

	if !msg.Direct {
		a.world.Observe(msg.RoomID, displayName, body)
		go a.world.MaybeUpdate(context.WithoutCancel(ctx), msg.RoomID)
	}

	communityID := msg.RoomID
	if msg.Direct {
		communityID = directCommunityID
	}
	a.writer.QueueIncrement(communityID, msg.Sender)
	count := a.userLogs.Queue(msg.Sender, displayName)
	go a.notes.MaybeUpdate(context.WithoutCancel(ctx),
		msg.Sender, displayName, history.Snapshot(), count)

	return key, history
}

// respond assembles the prompt context, calls the model, and delivers the
// sanitized reply.
func (a *App) respond(ctx context.Context, msg Incoming, key memory.ConversationKey, history *memory.History, displayName string) {
	personaCommunity := ""
	if !msg.Direct {
		personaCommunity = msg.RoomID
	}
	personaPrompt := a.personas.Prompt(personaCommunity)

	notesCtx, err := a.userLogs.NotesContext(ctx, msg.Sender, displayName)
	if err != nil {
		slog.Warn("notes context unavailable", "user", msg.Sender, "err", err)
	}

	worldCtx := ""
	if !msg.Direct {
		worldCtx, err = a.worldFacts.Context(ctx, msg.RoomID, 0)
		if err != nil {
			slog.Warn("world context unavailable", "room", msg.RoomID, "err", err)
		}
	}

	prompt := memory.AssembleContext(personaPrompt, notesCtx, worldCtx, history.Snapshot())

	if err := a.matrix.SetTyping(msg.RoomID, true, 30*time.Second); err != nil {
		slog.Debug("typing indicator failed", "room", msg.RoomID, "err", err)
	}
	defer a.matrix.SetTyping(msg.RoomID, false, 0)

	reply, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		slog.Error("completion failed", "room", msg.RoomID, "err", err)
		a.matrix.SendNotice(msg.RoomID,
			"I'm having trouble forming a response right now. Could you try rephrasing that?")
		return
	}

	reply = llm.Sanitize(reply, a.config.BotName)
	if reply == "" {
		return
	}

	history.Append(memory.Message{Role: memory.RoleAssistant, Text: reply})

	if err := a.matrix.SendMessage(msg.RoomID, reply); err != nil {
		slog.Error("failed to send reply", "room", msg.RoomID, "err", err)
	}
}

// mentioned reports whether a group message addresses the bot, either by
// display name or Matrix user ID.
func (a *App) mentioned(body string) bool {
	lower := strings.ToLower(body)
	if a.config.BotName != "" && strings.Contains(lower, strings.ToLower(a.config.BotName)) {
		return true
	}
	return strings.Contains(lower, strings.ToLower(a.matrix.GetUserID()))
}

// conversationKey derives the history-cache key: direct conversations are
// keyed per user so a renamed room keeps its history, group rooms per room.
func conversationKey(msg Incoming) memory.ConversationKey {
	if msg.Direct {
		// Deliberately room-independent: a re-created DM with the same user
		// resolves to the same history.
		return memory.ConversationKey{Scope: msg.Sender, Direct: true}
	}
	return memory.ConversationKey{Scope: msg.RoomID, Channel: msg.RoomID, Direct: false}
}
