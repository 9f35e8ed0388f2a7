// Package matrix connects the assistant to Matrix rooms.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms the bot joins and listens in.
	Rooms []string
	// DB persists the sync position; nil keeps it in memory and room history
	// is replayed on restart.
	DB *sql.DB
}

// Client wraps the mautrix client.
type Client struct {
	client    *mautrix.Client
	config    Config
	rooms     map[string]bool
	startedAt time.Time
}

// MessageHandler processes one accepted text message.
type MessageHandler func(ctx context.Context, evt *event.Event)

// NewClient creates a client; it does not connect.
func NewClient(cfg Config) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: cfg,
		rooms:  make(map[string]bool, len(cfg.Rooms)),
	}
	for _, r := range cfg.Rooms {
		c.rooms[r] = true
	}

	if cfg.DB != nil {
		client.Store = NewDBSyncStore(cfg.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}
	return c, nil
}

// Run joins the configured rooms and syncs until ctx is cancelled,
// reconnecting with exponential back-off.
func (c *Client) Run(ctx context.Context, handler MessageHandler) error {
	c.startedAt = time.Now()

	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if c.accept(evt) {
			handler(ctx, evt)
		}
	})

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// accept filters our own messages, non-text messages, other rooms, and
// messages sent before the bot started.
func (c *Client) accept(evt *event.Event) bool {
	if evt.Sender == id.UserID(c.config.UserID) {
		return false
	}
	if !c.rooms[evt.RoomID.String()] {
		return false
	}
	if !c.startedAt.IsZero() && evt.Timestamp > 0 && time.UnixMilli(evt.Timestamp).Before(c.startedAt.Add(-time.Minute)) {
		return false
	}
	msg := evt.Content.AsMessage()
	return msg != nil && msg.MsgType == event.MsgText
}

// SendText posts a plain text message.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReplyTo posts text as a reply to eventID.
func (c *Client) ReplyTo(ctx context.Context, roomID, eventID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, 30*time.Second); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		// M_FORBIDDEN also covers "already a member".
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
