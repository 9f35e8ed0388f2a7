package matrix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Hisho/internal/hisho/assistant"
	"github.com/bdobrica/Hisho/internal/hisho/commands"
	"github.com/bdobrica/Hisho/internal/hisho/dispatch"
	"github.com/bdobrica/Hisho/internal/hisho/store"
)

const testConfirmationID = "6f1c1c52-3b0e-4c5e-9d7a-0a4f0f6b9e21"

func TestDBSyncStore_RoundTrip(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	s := NewDBSyncStore(st.DB())
	user := id.UserID("@hisho:example.org")

	batch, err := s.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, s.SaveNextBatch(ctx, user, "s1"))
	require.NoError(t, s.SaveNextBatch(ctx, user, "s2"))
	require.NoError(t, s.SaveFilterID(ctx, user, "f1"))

	batch, err = s.LoadNextBatch(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "s2", batch)

	filter, err := s.LoadFilterID(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "f1", filter)

	other, err := s.LoadNextBatch(ctx, id.UserID("@other:example.org"))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDBSyncStore_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT value FROM matrix_sync_state").WillReturnError(errors.New("disk I/O error"))

	_, err = NewDBSyncStore(db).LoadNextBatch(context.Background(), id.UserID("@hisho:example.org"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "next_batch")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSyncStore_SaveError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO matrix_sync_state").
		WithArgs("@hisho:example.org", "filter_id", "f1").
		WillReturnError(errors.New("database is locked"))

	err = NewDBSyncStore(db).SaveFilterID(context.Background(), id.UserID("@hisho:example.org"), "f1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save filter_id for @hisho:example.org")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_Accept(t *testing.T) {
	c := &Client{
		config:    Config{UserID: "@hisho:example.org"},
		rooms:     map[string]bool{"!home:example.org": true},
		startedAt: time.Now(),
	}
	now := time.Now().UnixMilli()
	tests := []struct {
		name string
		evt  *event.Event
		want bool
	}{
		{"text in room", textEvent("@alice:example.org", "!home:example.org", "hi", now), true},
		{"own message", textEvent("@hisho:example.org", "!home:example.org", "hi", now), false},
		{"other room", textEvent("@alice:example.org", "!other:example.org", "hi", now), false},
		{"old message", textEvent("@alice:example.org", "!home:example.org", "hi", now-int64(time.Hour/time.Millisecond)), false},
		{"notice", &event.Event{
			Sender:    "@alice:example.org",
			RoomID:    "!home:example.org",
			Timestamp: now,
			Content:   event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgNotice, Body: "x"}},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.accept(tt.evt))
		})
	}
}

type sent struct {
	room, replyTo, text string
}

type fakeSender struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSender) SendText(_ context.Context, room, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{room: room, text: text})
	return nil
}

func (f *fakeSender) ReplyTo(_ context.Context, room, eventID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{room: room, replyTo: eventID, text: text})
	return nil
}

func (f *fakeSender) SetTyping(context.Context, string, bool) error { return nil }

type fakeAssistant struct {
	texts     []assistant.Request
	confirms  []assistant.ConfirmRequest
	latest    []bool
	reply     *assistant.Reply
	confirm   error
	latestErr error
}

func (f *fakeAssistant) HandleText(_ context.Context, req assistant.Request) *assistant.Reply {
	f.texts = append(f.texts, req)
	return f.reply
}

func (f *fakeAssistant) Confirm(_ context.Context, req assistant.ConfirmRequest) (*assistant.Reply, error) {
	f.confirms = append(f.confirms, req)
	if f.confirm != nil {
		return nil, f.confirm
	}
	return &assistant.Reply{Action: assistant.ActionExecuted, Status: assistant.StatusSuccess, Text: "✅ Task 'Buy milk' added"}, nil
}

func (f *fakeAssistant) ConfirmLatest(_ context.Context, _ string, approved bool, _ string) (*assistant.Reply, error) {
	f.latest = append(f.latest, approved)
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	return &assistant.Reply{Action: assistant.ActionExecuted, Status: assistant.StatusSuccess, Text: dispatch.TextCancelled}, nil
}

func (f *fakeAssistant) Stats(context.Context, string, int) (*assistant.Stats, error) {
	return &assistant.Stats{Days: 7, ByKind: map[string]int{}, TokensLeftToday: -1}, nil
}

func textEvent(sender, room, body string, ts int64) *event.Event {
	return &event.Event{
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(room),
		ID:        id.EventID("$evt1"),
		Type:      event.EventMessage,
		Timestamp: ts,
		Content:   event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}},
	}
}

func newHandler(fa *fakeAssistant, allowed ...string) (*Handler, *fakeSender) {
	fs := &fakeSender{}
	router := commands.NewRouter("!")
	commands.RegisterDefaults(router, fa)
	return NewHandler(fs, fa, router, allowed), fs
}

func TestHandler_ConfirmationPrompt(t *testing.T) {
	fa := &fakeAssistant{reply: &assistant.Reply{
		Action:           assistant.ActionConfirm,
		Status:           assistant.StatusSuccess,
		Text:             "✅ Did I get that right: add task 'Buy milk'?",
		ConfirmationID:   testConfirmationID,
		ConfirmationText: "✅ Did I get that right: add task 'Buy milk'?",
	}}
	h, fs := newHandler(fa)

	h.Handle(context.Background(), textEvent("@alice:example.org", "!home:example.org", "remind me to buy milk", 0))

	require.Len(t, fa.texts, 1)
	assert.Equal(t, assistant.Request{UserID: "@alice:example.org", Interface: assistant.InterfaceMatrix, Text: "remind me to buy milk"}, fa.texts[0])
	require.Len(t, fs.out, 1)
	assert.Equal(t, "!home:example.org", fs.out[0].room)
	assert.Contains(t, fs.out[0].text, "Buy milk")
	assert.Contains(t, fs.out[0].text, "yes "+testConfirmationID)
}

func TestHandler_Decisions(t *testing.T) {
	fa := &fakeAssistant{}
	h, fs := newHandler(fa)
	ctx := context.Background()

	h.Handle(ctx, textEvent("@alice:example.org", "!home:example.org", "yes "+testConfirmationID, 0))
	require.Len(t, fa.confirms, 1)
	assert.Equal(t, assistant.ConfirmRequest{ID: testConfirmationID, Approved: true, UserID: "@alice:example.org", Interface: assistant.InterfaceMatrix}, fa.confirms[0])

	h.Handle(ctx, textEvent("@alice:example.org", "!home:example.org", "No", 0))
	assert.Equal(t, []bool{false}, fa.latest)

	require.Len(t, fs.out, 2)
	assert.Equal(t, "✅ Task 'Buy milk' added", fs.out[0].text)
	assert.Equal(t, dispatch.TextCancelled, fs.out[1].text)
	assert.Empty(t, fa.texts)
}

func TestHandler_DecisionErrors(t *testing.T) {
	fa := &fakeAssistant{confirm: dispatch.ErrIdentityMismatch}
	h, fs := newHandler(fa)

	h.Handle(context.Background(), textEvent("@mallory:example.org", "!home:example.org", "yes "+testConfirmationID, 0))

	require.Len(t, fs.out, 1)
	assert.Equal(t, assistant.TextNotYours, fs.out[0].text)
}

func TestHandler_BareYesWithoutPendingGoesToAssistant(t *testing.T) {
	fa := &fakeAssistant{reply: &assistant.Reply{Text: "Hello!"}, latestErr: assistant.ErrNothingPending}
	h, fs := newHandler(fa)

	h.Handle(context.Background(), textEvent("@alice:example.org", "!home:example.org", "yes", 0))

	require.Len(t, fa.texts, 1)
	require.Len(t, fs.out, 1)
	assert.Equal(t, "Hello!", fs.out[0].text)
}

func TestHandler_Commands(t *testing.T) {
	fa := &fakeAssistant{}
	h, fs := newHandler(fa)
	ctx := context.Background()

	h.Handle(ctx, textEvent("@alice:example.org", "!home:example.org", "!help", 0))
	h.Handle(ctx, textEvent("@alice:example.org", "!home:example.org", "!stats 30", 0))
	h.Handle(ctx, textEvent("@alice:example.org", "!home:example.org", "!launch", 0))

	require.Len(t, fs.out, 3)
	assert.Equal(t, "$evt1", fs.out[0].replyTo)
	assert.Contains(t, fs.out[0].text, "!stats")
	assert.Contains(t, fs.out[1].text, "last 7 days")
	assert.Equal(t, textUnknownCommand, fs.out[2].text)
	assert.Empty(t, fa.texts)
}

func TestHandler_SenderAllowList(t *testing.T) {
	fa := &fakeAssistant{reply: &assistant.Reply{Text: "hi"}}
	h, fs := newHandler(fa, "@alice:example.org")

	h.Handle(context.Background(), textEvent("@bob:example.org", "!home:example.org", "hello", 0))
	assert.Empty(t, fa.texts)
	assert.Empty(t, fs.out)

	h.Handle(context.Background(), textEvent("@alice:example.org", "!home:example.org", "hello", 0))
	assert.Len(t, fa.texts, 1)
}

func TestFormatReply(t *testing.T) {
	plain := &assistant.Reply{Action: assistant.ActionExecuted, Text: "done"}
	assert.Equal(t, "done", FormatReply(plain))

	prompt := &assistant.Reply{Action: assistant.ActionConfirm, Text: "Sure?", ConfirmationID: "abc"}
	assert.Equal(t, "Sure?\n\nReply \"yes\" to confirm or \"no\" to cancel (or \"yes abc\").", FormatReply(prompt))
}
