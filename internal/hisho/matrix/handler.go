package matrix

import (
	"context"
	"errors"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Hisho/internal/hisho/assistant"
	"github.com/bdobrica/Hisho/internal/hisho/commands"
	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

const textUnknownCommand = "Unknown command. Type !help to see what I can do."

// Sender posts messages to a room; *Client implements it.
type Sender interface {
	SendText(ctx context.Context, roomID, text string) error
	ReplyTo(ctx context.Context, roomID, eventID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool) error
}

// Assistant is the part of *assistant.Assistant the handler calls.
type Assistant interface {
	HandleText(ctx context.Context, req assistant.Request) *assistant.Reply
	Confirm(ctx context.Context, req assistant.ConfirmRequest) (*assistant.Reply, error)
	ConfirmLatest(ctx context.Context, userID string, approved bool, iface string) (*assistant.Reply, error)
}

var (
	_ Sender    = (*Client)(nil)
	_ Assistant = (*assistant.Assistant)(nil)
)

// Handler turns room messages into assistant requests. The sender's Matrix
// id is the user id.
type Handler struct {
	sender    Sender
	assistant Assistant
	router    *commands.Router
	allowed   map[string]bool
}

// NewHandler creates a handler. router handles "!" commands; allowedSenders
// empty means every room member may talk to the bot.
func NewHandler(s Sender, a Assistant, router *commands.Router, allowedSenders []string) *Handler {
	h := &Handler{
		sender:    s,
		assistant: a,
		router:    router,
		allowed:   make(map[string]bool, len(allowedSenders)),
	}
	for _, u := range allowedSenders {
		h.allowed[u] = true
	}
	return h
}

// Handle processes one message event.
func (h *Handler) Handle(ctx context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	sender := evt.Sender.String()
	room := evt.RoomID.String()
	log := observability.WithTrace(ctx).With("room", room, "sender", sender)

	if len(h.allowed) > 0 && !h.allowed[sender] {
		// Silently ignore senders outside the allow-list.
		log.Debug("matrix message from sender not in allow-list")
		return
	}

	text := strings.TrimSpace(msg.Body)
	if text == "" {
		return
	}

	if h.router != nil && h.router.IsCommand(text) {
		out, err := h.router.Route(ctx, text, commands.Caller{UserID: sender, Interface: assistant.InterfaceMatrix})
		switch {
		case errors.Is(err, commands.ErrUnknownCommand):
			out = textUnknownCommand
		case err != nil:
			log.Error("matrix command failed", "text", text, "err", err)
			out = assistant.TextInternalError
		}
		h.reply(ctx, room, evt.ID.String(), out)
		return
	}

	_ = h.sender.SetTyping(ctx, room, true)
	defer func() { _ = h.sender.SetTyping(ctx, room, false) }()

	if reply, handled := h.decide(ctx, sender, text); handled {
		h.send(ctx, room, reply)
		return
	}

	reply := h.assistant.HandleText(ctx, assistant.Request{
		UserID:    sender,
		Interface: assistant.InterfaceMatrix,
		Text:      text,
	})
	h.send(ctx, room, reply)
}

// decide resolves "yes <id>", "no <id>" and bare yes/no replies.
func (h *Handler) decide(ctx context.Context, sender, text string) (*assistant.Reply, bool) {
	d, err := confirmations.ParseReply(text, false)
	if err != nil {
		return nil, false
	}
	var reply *assistant.Reply
	if d.ID != "" {
		reply, err = h.assistant.Confirm(ctx, assistant.ConfirmRequest{
			ID:        d.ID,
			Approved:  d.Approved,
			UserID:    sender,
			Interface: assistant.InterfaceMatrix,
		})
	} else {
		reply, err = h.assistant.ConfirmLatest(ctx, sender, d.Approved, assistant.InterfaceMatrix)
		if errors.Is(err, assistant.ErrNothingPending) {
			return nil, false
		}
	}
	if err != nil {
		observability.WithTrace(ctx).Info("matrix confirmation failed", "sender", sender, "err", err)
		if reply == nil {
			reply = &assistant.Reply{Action: assistant.ActionExecuted, Status: assistant.StatusError, Text: assistant.ErrorText(err)}
		}
	}
	return reply, true
}

func (h *Handler) send(ctx context.Context, room string, reply *assistant.Reply) {
	if reply == nil || reply.Text == "" {
		return
	}
	if err := h.sender.SendText(ctx, room, FormatReply(reply)); err != nil {
		observability.WithTrace(ctx).Error("failed to send matrix message", "room", room, "err", err)
	}
}

func (h *Handler) reply(ctx context.Context, room, eventID, text string) {
	if text == "" {
		return
	}
	if err := h.sender.ReplyTo(ctx, room, eventID, text); err != nil {
		observability.WithTrace(ctx).Error("failed to send matrix reply", "room", room, "err", err)
	}
}

// FormatReply renders a reply for a text-only room. Confirmation prompts get
// the answer syntax appended.
func FormatReply(r *assistant.Reply) string {
	if r.Action != assistant.ActionConfirm || r.ConfirmationID == "" {
		return r.Text
	}
	return r.Text + "\n\nReply \"yes\" to confirm or \"no\" to cancel (or \"yes " + r.ConfirmationID + "\")."
}
