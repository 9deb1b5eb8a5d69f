// Package matrix provides Matrix client functionality for Hoshiko.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AdminUsers are Matrix user IDs allowed to run privileged commands.
	AdminUsers []string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and all room history will be replayed on every restart.
	DB *sql.DB
}

// Incoming is one text message delivered to the handler.
type Incoming struct {
	RoomID   string
	EventID  string
	Sender   string
	Body     string
	// Direct reports whether the room is a two-member conversation with
	// the bot.
	Direct bool
}

// Client wraps the Matrix client.
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler

	mu           sync.Mutex
	directRooms  map[id.RoomID]bool // room -> member count <= 2
	displayNames map[id.UserID]string
}

// MessageHandler processes incoming Matrix messages.
type MessageHandler func(ctx context.Context, msg Incoming)

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client:       client,
		config:       config,
		stopCh:       make(chan struct{}),
		directRooms:  make(map[id.RoomID]bool),
		displayNames: make(map[id.UserID]string),
	}

	// Attach a persistent sync store so the bot resumes from the last known
	// position after a restart instead of replaying the full room history.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start begins syncing with the Matrix homeserver.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	// Accept invites so the bot can be pulled into new rooms.
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if evt.GetStateKey() != c.config.UserID {
			return
		}
		if m := evt.Content.AsMember(); m != nil && m.Membership == event.MembershipInvite {
			if err := c.joinRoom(evt.RoomID); err != nil {
				slog.Warn("failed to join room after invite", "room", evt.RoomID, "err", err)
			}
		}
	})

	// Start syncing in background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill the
	// sync goroutine and leave the bot deaf to all new messages.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendMessage sends a text message to a room.
func (c *Client) SendMessage(roomID, message string) error {
	_, err := c.client.SendText(context.Background(), id.RoomID(roomID), message)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// SetTyping sets the typing indicator.
func (c *Client) SetTyping(roomID string, typing bool, timeout time.Duration) error {
	_, err := c.client.UserTyping(context.Background(), id.RoomID(roomID), typing, timeout)
	if err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// IsAdmin reports whether the user may run privileged commands.
func (c *Client) IsAdmin(userID string) bool {
	for _, admin := range c.config.AdminUsers {
		if admin == userID {
			return true
		}
	}
	return false
}

// handleMessage processes incoming messages.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	// Only process text messages
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, Incoming{
			RoomID:  evt.RoomID.String(),
			EventID: evt.ID.String(),
			Sender:  evt.Sender.String(),
			Body:    msgContent.Body,
			Direct:  c.isDirect(ctx, evt.RoomID),
		})
	}
}

// handleMembership invalidates the cached direct-room classification when a
// room's membership changes, and the cached display name of the affected
// user. Member events carry display-name changes too, so this keeps the name
// cache fresh without expiry timers.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	delete(c.directRooms, evt.RoomID)
	if key := evt.GetStateKey(); key != "" {
		delete(c.displayNames, id.UserID(key))
	}
	c.mu.Unlock()
}

// isDirect classifies a room as a direct conversation when it has at most
// two joined members. The result is cached until membership changes.
func (c *Client) isDirect(ctx context.Context, roomID id.RoomID) bool {
	c.mu.Lock()
	if direct, ok := c.directRooms[roomID]; ok {
		c.mu.Unlock()
		return direct
	}
	c.mu.Unlock()

	members, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		slog.Warn("failed to fetch room members, treating as group", "room", roomID, "err", err)
		return false
	}
	direct := len(members.Joined) <= 2

	c.mu.Lock()
	c.directRooms[roomID] = direct
	c.mu.Unlock()
	return direct
}

// joinRoom attempts to join a room.
func (c *Client) joinRoom(roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room. Use mautrix's typed error check instead of
		// string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// GetUserID returns the client's user ID.
func (c *Client) GetUserID() string {
	return c.config.UserID
}

// GetDisplayName gets a user's display name, falling back to the localpart
// when the profile lookup fails. Names are cached so the per-message path
// does not pay a profile round-trip; member events invalidate stale entries.
func (c *Client) GetDisplayName(userID string) string {
	uid := id.UserID(userID)

	c.mu.Lock()
	if name, ok := c.displayNames[uid]; ok {
		c.mu.Unlock()
		return name
	}
	c.mu.Unlock()

	profile, err := c.client.GetProfile(context.Background(), uid)
	if err != nil {
		// Transient failure: fall back without caching so the next message
		// retries the lookup.
		return uid.Localpart()
	}
	name := profile.DisplayName
	if name == "" {
		name = uid.Localpart()
	}

	c.mu.Lock()
	c.displayNames[uid] = name
	c.mu.Unlock()
	return name
}
