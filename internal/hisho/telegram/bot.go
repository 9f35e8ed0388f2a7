// Package telegram connects the assistant to a Telegram bot using long
// polling. Confirmation prompts carry inline yes/no buttons.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Hisho/common/retry"
	"github.com/bdobrica/Hisho/common/trace"
	"github.com/bdobrica/Hisho/internal/hisho/assistant"
	"github.com/bdobrica/Hisho/internal/hisho/commands"
	"github.com/bdobrica/Hisho/internal/hisho/confirmations"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
	"github.com/bdobrica/Hisho/internal/hisho/voice"
)

const (
	textAccessDenied   = "⛔ Sorry, you are not allowed to use this bot."
	textUnknownCommand = "Unknown command. Type /help to see what I can do."
	textVoiceDisabled  = "🎤 Voice messages are not enabled."
	textVoiceFailed    = "🎤 Sorry, I couldn't understand the voice message."
	textButtonYes      = "✅ Yes"
	textButtonNo       = "❌ No"
)

// maxVoiceBytes caps the size of a downloaded voice message.
const maxVoiceBytes = 20 << 20

// maxConcurrentUpdates bounds how many updates are handled at once.
const maxConcurrentUpdates = 8

// BotAPI is the part of *tgbotapi.BotAPI the bot uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Assistant is the part of *assistant.Assistant the bot calls.
type Assistant interface {
	HandleText(ctx context.Context, req assistant.Request) *assistant.Reply
	Confirm(ctx context.Context, req assistant.ConfirmRequest) (*assistant.Reply, error)
	ConfirmLatest(ctx context.Context, userID string, approved bool, iface string) (*assistant.Reply, error)
}

var (
	_ BotAPI    = (*tgbotapi.BotAPI)(nil)
	_ Assistant = (*assistant.Assistant)(nil)
)

// Config holds bot settings.
type Config struct {
	// AllowedUsers restricts the bot to these Telegram user ids; empty allows
	// everyone.
	AllowedUsers []int64
	// Timeout is the long-polling timeout in seconds.
	Timeout int
}

// Bot routes Telegram updates to the assistant.
type Bot struct {
	api         BotAPI
	assistant   Assistant
	router      *commands.Router
	transcriber voice.Transcriber
	httpClient  *http.Client
	allowed     map[int64]bool
	timeout     int
}

// Option configures a Bot.
type Option func(*Bot)

// WithTranscriber enables voice messages.
func WithTranscriber(t voice.Transcriber) Option { return func(b *Bot) { b.transcriber = t } }

// WithHTTPClient sets the client used to download voice files.
func WithHTTPClient(c *http.Client) Option { return func(b *Bot) { b.httpClient = c } }

// Dial authorizes token against the Telegram API. Network failures are
// retried; a rejected token is not.
func Dial(ctx context.Context, token string) (*tgbotapi.BotAPI, error) {
	cfg := retry.DefaultConfig
	cfg.Name = "telegram authorize"
	cfg.ShouldRetry = func(err error) bool {
		var apiErr *tgbotapi.Error
		return !errors.As(err, &apiErr)
	}
	api, err := retry.Value(ctx, cfg, func() (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPI(token)
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: authorize bot: %w", err)
	}
	return api, nil
}

// New creates a bot. router handles "/" commands.
func New(api BotAPI, a Assistant, router *commands.Router, cfg Config, opts ...Option) *Bot {
	b := &Bot{
		api:        api,
		assistant:  a,
		router:     router,
		httpClient: http.DefaultClient,
		allowed:    make(map[int64]bool, len(cfg.AllowedUsers)),
		timeout:    cfg.Timeout,
	}
	if b.timeout <= 0 {
		b.timeout = 60
	}
	for _, id := range cfg.AllowedUsers {
		b.allowed[id] = true
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.timeout
	updates := b.api.GetUpdatesChan(u)
	observability.WithTrace(ctx).Info("telegram bot polling", "allowed_users", len(b.allowed))

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentUpdates)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			g.Go(func() error {
				b.handleUpdate(ctx, update)
				return nil
			})
		}
	}
}

func (b *Bot) isAllowed(userID int64) bool {
	return len(b.allowed) == 0 || b.allowed[userID]
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	defer func() {
		if r := recover(); r != nil {
			observability.WithTrace(ctx).Error("panic while handling telegram update",
				"update_id", update.UpdateID, "panic", r, "stack", string(debug.Stack()))
			if chat := update.FromChat(); chat != nil {
				b.sendText(ctx, chat.ID, assistant.TextInternalError)
			}
		}
	}()
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	log := observability.WithTrace(ctx).With("telegram_user", msg.From.ID, "chat_id", msg.Chat.ID)
	if !b.isAllowed(msg.From.ID) {
		log.Warn("telegram message from user not in allow-list")
		b.sendText(ctx, msg.Chat.ID, textAccessDenied)
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)

	text := strings.TrimSpace(msg.Text)
	if msg.Voice != nil {
		transcript, ok := b.transcribeVoice(ctx, msg)
		if !ok {
			return
		}
		b.sendText(ctx, msg.Chat.ID, "🎤 "+transcript)
		text = transcript
	}
	if text == "" {
		return
	}

	if b.router != nil && b.router.IsCommand(text) {
		b.handleCommand(ctx, msg.Chat.ID, userID, text)
		return
	}

	b.typing(msg.Chat.ID)
	if reply, handled := b.handleDecision(ctx, userID, text, msg.Voice != nil); handled {
		b.sendReply(ctx, msg.Chat.ID, reply)
		return
	}

	reply := b.assistant.HandleText(ctx, assistant.Request{
		UserID:    userID,
		Interface: assistant.InterfaceTelegram,
		Text:      text,
	})
	b.sendReply(ctx, msg.Chat.ID, reply)
}

// handleDecision answers a typed or spoken "yes"/"no". A bare answer with
// nothing pending is left for the assistant, as is "yes <word>" where the word
// is not a confirmation id.
func (b *Bot) handleDecision(ctx context.Context, userID, text string, spoken bool) (*assistant.Reply, bool) {
	d, err := confirmations.ParseReply(text, spoken)
	if err != nil {
		return nil, false
	}
	var reply *assistant.Reply
	if d.ID != "" {
		reply, err = b.assistant.Confirm(ctx, assistant.ConfirmRequest{
			ID:        d.ID,
			Approved:  d.Approved,
			UserID:    userID,
			Interface: assistant.InterfaceTelegram,
		})
	} else {
		reply, err = b.assistant.ConfirmLatest(ctx, userID, d.Approved, assistant.InterfaceTelegram)
		if errors.Is(err, assistant.ErrNothingPending) {
			return nil, false
		}
	}
	if err != nil {
		observability.WithTrace(ctx).Info("telegram confirmation failed", "user_id", userID, "err", err)
		if reply == nil {
			reply = &assistant.Reply{Action: assistant.ActionExecuted, Status: assistant.StatusError, Text: assistant.ErrorText(err)}
		}
	}
	return reply, true
}

func (b *Bot) handleCommand(ctx context.Context, chatID int64, userID, text string) {
	out, err := b.router.Route(ctx, text, commands.Caller{UserID: userID, Interface: assistant.InterfaceTelegram})
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		out = textUnknownCommand
	case err != nil:
		observability.WithTrace(ctx).Error("telegram command failed", "text", text, "err", err)
		out = assistant.TextInternalError
	}
	b.sendText(ctx, chatID, out)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	log := observability.WithTrace(ctx).With("telegram_user", q.From.ID)
	if !b.isAllowed(q.From.ID) {
		log.Warn("telegram callback from user not in allow-list")
		b.answerCallback(ctx, q.ID, textAccessDenied)
		return
	}
	d, err := confirmations.ParseCallbackData(q.Data)
	if err != nil {
		log.Warn("unrecognized callback data", "data", q.Data)
		b.answerCallback(ctx, q.ID, "")
		return
	}

	reply, err := b.assistant.Confirm(ctx, assistant.ConfirmRequest{
		ID:        d.ID,
		Approved:  d.Approved,
		UserID:    strconv.FormatInt(q.From.ID, 10),
		Interface: assistant.InterfaceTelegram,
	})
	var result string
	switch {
	case err != nil && reply != nil:
		result = reply.Text
	case err != nil:
		log.Info("telegram confirmation failed", "confirmation_id", d.ID, "err", err)
		result = assistant.ErrorText(err)
	default:
		result = reply.Text
	}
	b.answerCallback(ctx, q.ID, "")

	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(q.Message.Chat.ID, q.Message.MessageID, q.Message.Text+"\n\n"+result)
	if _, err := b.api.Send(edit); err != nil {
		log.Warn("failed to edit confirmation message", "err", err)
		b.sendText(ctx, q.Message.Chat.ID, result)
	}
}

func (b *Bot) transcribeVoice(ctx context.Context, msg *tgbotapi.Message) (string, bool) {
	log := observability.WithTrace(ctx)
	if b.transcriber == nil {
		b.sendText(ctx, msg.Chat.ID, textVoiceDisabled)
		return "", false
	}
	b.typing(msg.Chat.ID)

	url, err := b.api.GetFileDirectURL(msg.Voice.FileID)
	if err != nil {
		log.Error("failed to resolve voice file", "file_id", msg.Voice.FileID, "err", err)
		b.sendText(ctx, msg.Chat.ID, textVoiceFailed)
		return "", false
	}
	text, err := b.download(ctx, url)
	if err != nil {
		if !errors.Is(err, voice.ErrEmptyTranscript) {
			log.Error("voice transcription failed", "err", err)
		}
		b.sendText(ctx, msg.Chat.ID, textVoiceFailed)
		return "", false
	}
	return text, true
}

func (b *Bot) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download voice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download voice: status %d", resp.StatusCode)
	}
	return b.transcriber.Transcribe(ctx, "voice.ogg", io.LimitReader(resp.Body, maxVoiceBytes))
}

func (b *Bot) sendReply(ctx context.Context, chatID int64, reply *assistant.Reply) {
	if reply == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, reply.Text)
	if reply.Action == assistant.ActionConfirm && reply.ConfirmationID != "" {
		msg.ReplyMarkup = ConfirmKeyboard(reply.ConfirmationID)
	}
	if _, err := b.api.Send(msg); err != nil {
		observability.WithTrace(ctx).Error("failed to send telegram message", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) sendText(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		observability.WithTrace(ctx).Error("failed to send telegram message", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) answerCallback(ctx context.Context, id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		observability.WithTrace(ctx).Warn("failed to answer callback", "err", err)
	}
}

func (b *Bot) typing(chatID int64) {
	_, _ = b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

// ConfirmKeyboard builds the yes/no buttons for a confirmation prompt.
func ConfirmKeyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(textButtonYes, confirmations.CallbackData(id, true)),
			tgbotapi.NewInlineKeyboardButtonData(textButtonNo, confirmations.CallbackData(id, false)),
		),
	)
}
