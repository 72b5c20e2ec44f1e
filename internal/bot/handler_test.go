package bot

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/service/conversation"
	"chatrelay/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// --- fakes ---

type sentMessage struct {
	chatID    int64
	messageID int
	text      string
}

type fakeTransport struct {
	mu        sync.Mutex
	nextID    int
	sends     []sentMessage
	edits     []sentMessage
	callbacks []string
}

func (f *fakeTransport) Send(chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMessage{chatID: chatID, messageID: f.nextID, text: text})
	return f.nextID, nil
}

func (f *fakeTransport) Edit(chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, sentMessage{chatID: chatID, messageID: messageID, text: text})
	return nil
}

func (f *fakeTransport) SendMenu(chatID int64, text string, buttons []MenuButton) (int, error) {
	return f.Send(chatID, text)
}

func (f *fakeTransport) AnswerCallback(callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, text)
	return nil
}

func (f *fakeTransport) lastSendText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		t.Fatalf("no messages sent")
	}
	return f.sends[len(f.sends)-1].text
}

func (f *fakeTransport) lastEditText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatalf("no edits recorded")
	}
	return f.edits[len(f.edits)-1].text
}

type scriptedAI struct {
	fragments []string
	err       error
	models    []string
	lastSeen  []models.ContextEntry
}

func (s *scriptedAI) StreamChat(ctx context.Context, history []models.ContextEntry, callback func(string) error) (string, error) {
	s.lastSeen = history
	full := ""
	for _, fragment := range s.fragments {
		full += fragment
		if callback != nil {
			if err := callback(full); err != nil {
				return full, err
			}
		}
	}
	return full, s.err
}

func (s *scriptedAI) ListModels(ctx context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.models, nil
}

// --- setup ---

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "relay.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func newTestHandler(t *testing.T, ai *scriptedAI) (*Handler, *fakeTransport, *conversation.Service) {
	t.Helper()
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })

	svc := conversation.NewService(db)
	transport := &fakeTransport{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(PlatformName, transport, svc, cache.New(svc, nil), ai, time.Minute, logger)
	return handler, transport, svc
}

func chatEvent(senderID, text string) inboundEvent {
	return inboundEvent{kind: eventChat, chatID: 1000, senderID: senderID, text: text}
}

// --- tests ---

func TestUnauthorizedUserDenied(t *testing.T) {
	handler, transport, svc := newTestHandler(t, &scriptedAI{fragments: []string{"never"}})
	ctx := context.Background()

	handler.dispatch(ctx, chatEvent("42", "hi"))

	if got := transport.lastSendText(t); got != deniedText {
		t.Fatalf("expected denial, got %q", got)
	}
	if len(transport.edits) != 0 {
		t.Fatalf("no edits expected for denied user")
	}
	// No user record, no session, no entries.
	if user, err := svc.GetUserByPlatformID(ctx, PlatformName, "42"); err != nil || user != nil {
		t.Fatalf("unexpected user record: %+v err=%v", user, err)
	}
	if entries, err := svc.LoadSession(ctx, 1); err != nil || len(entries) != 0 {
		t.Fatalf("unexpected entries: %+v err=%v", entries, err)
	}
}

func TestAuthorizedChatFlow(t *testing.T) {
	ai := &scriptedAI{fragments: []string{"4", "."}}
	handler, transport, svc := newTestHandler(t, ai)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, PlatformName, "42", "ann", true); err != nil {
		t.Fatalf("create user: %v", err)
	}

	handler.dispatch(ctx, chatEvent("42", "What's 2+2?"))

	user, err := svc.GetUserByPlatformID(ctx, PlatformName, "42")
	if err != nil {
		t.Fatalf("refetch user: %v", err)
	}
	if user.ActiveSessionID != 1 {
		t.Fatalf("expected session 1, got %d", user.ActiveSessionID)
	}

	// Inference saw the one-entry history containing the user turn.
	if len(ai.lastSeen) != 1 || ai.lastSeen[0].Role != models.RoleUser || ai.lastSeen[0].Content != "What's 2+2?" {
		t.Fatalf("inference history wrong: %+v", ai.lastSeen)
	}

	entries, err := svc.LoadSession(ctx, 1)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EntryID != 0 || entries[0].Role != models.RoleUser || entries[0].Content != "What's 2+2?" {
		t.Fatalf("user turn wrong: %+v", entries[0])
	}
	if entries[1].EntryID != 1 || entries[1].Role != models.RoleAssistant || entries[1].Content != "4." {
		t.Fatalf("assistant turn wrong: %+v", entries[1])
	}

	if got := transport.lastEditText(t); got != "4." {
		t.Fatalf("final edit mismatch: %q", got)
	}
	if transport.sends[0].text != placeholderText {
		t.Fatalf("placeholder not sent first: %q", transport.sends[0].text)
	}
}

func TestResetCreatesNewSession(t *testing.T) {
	ai := &scriptedAI{fragments: []string{"ok."}}
	handler, transport, svc := newTestHandler(t, ai)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, PlatformName, "42", "", true); err != nil {
		t.Fatalf("create user: %v", err)
	}
	handler.dispatch(ctx, chatEvent("42", "hello"))

	handler.dispatch(ctx, inboundEvent{kind: eventReset, chatID: 1000, senderID: "42"})

	if got := transport.lastSendText(t); got != resetText {
		t.Fatalf("expected reset confirmation, got %q", got)
	}
	user, err := svc.GetUserByPlatformID(ctx, PlatformName, "42")
	if err != nil {
		t.Fatalf("refetch user: %v", err)
	}
	if user.ActiveSessionID != 2 {
		t.Fatalf("expected fresh session 2, got %d", user.ActiveSessionID)
	}
	if handler.cache.Len(user.ID) != 0 {
		t.Fatalf("cache not invalidated on reset")
	}

	// Next turn starts from an empty history in the new session.
	handler.dispatch(ctx, chatEvent("42", "again"))
	if len(ai.lastSeen) != 1 || ai.lastSeen[0].Content != "again" {
		t.Fatalf("history leaked across reset: %+v", ai.lastSeen)
	}
}

func TestAdminAuthorizeFlow(t *testing.T) {
	handler, transport, svc := newTestHandler(t, &scriptedAI{})
	ctx := context.Background()

	if err := svc.SeedAdmins(ctx, PlatformName, []string{"1"}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	handler.dispatch(ctx, inboundEvent{kind: eventCallback, chatID: 1000, senderID: "1", callbackID: "cb1", callbackData: "authorize"})
	if got := transport.lastSendText(t); got != authorizePrompt {
		t.Fatalf("expected authorize prompt, got %q", got)
	}
	if !handler.isPendingAuth("1") {
		t.Fatalf("admin not marked pending")
	}

	// The admin's next free-text message is routed as admin input.
	update := textUpdate(1, "Ann", " 555 ")
	if kind := handler.classify(update).kind; kind != eventAdminInput {
		t.Fatalf("expected admin input event, got %d", kind)
	}
	handler.dispatch(ctx, inboundEvent{kind: eventAdminInput, chatID: 1000, senderID: "1", text: " 555 "})

	if handler.isPendingAuth("1") {
		t.Fatalf("pending flag not cleared")
	}
	target, err := svc.GetUserByPlatformID(ctx, PlatformName, "555")
	if err != nil {
		t.Fatalf("lookup target: %v", err)
	}
	if target == nil || !target.IsAuthorized {
		t.Fatalf("target not authorized: %+v", target)
	}
}

func TestNonAdminAuthorizeDenied(t *testing.T) {
	handler, transport, svc := newTestHandler(t, &scriptedAI{})
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, PlatformName, "9", "", true); err != nil {
		t.Fatalf("create user: %v", err)
	}

	handler.dispatch(ctx, inboundEvent{kind: eventAuthorize, chatID: 1000, senderID: "9"})
	if got := transport.lastSendText(t); got != notAdminText {
		t.Fatalf("expected admin denial, got %q", got)
	}

	handler.dispatch(ctx, inboundEvent{kind: eventCallback, chatID: 1000, senderID: "9", callbackID: "cb", callbackData: "authorize"})
	if handler.isPendingAuth("9") {
		t.Fatalf("non-admin must not enter pending state")
	}
}

func TestStorageFailureAbortsTurn(t *testing.T) {
	handler, transport, svc := newTestHandler(t, &scriptedAI{fragments: []string{"never."}})
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, PlatformName, "42", "", true); err != nil {
		t.Fatalf("create user: %v", err)
	}

	// Swapping in a closed database makes the append fail mid-turn.
	db := openTestDB(t)
	db.Close()
	handler.conv = conversation.NewService(db)

	handler.dispatch(ctx, chatEvent("42", "hi"))
	if got := transport.lastSendText(t); got != failureText {
		t.Fatalf("expected failure notice, got %q", got)
	}
	if len(transport.edits) != 0 {
		t.Fatalf("no streaming should happen after storage failure")
	}
}

func TestClassifyEvents(t *testing.T) {
	handler, _, _ := newTestHandler(t, &scriptedAI{})

	cases := []struct {
		name string
		upd  tgbotapi.Update
		want eventKind
	}{
		{"start", commandUpdate(5, "/start"), eventStart},
		{"reset", commandUpdate(5, "/reset"), eventReset},
		{"authorize", commandUpdate(5, "/authorize"), eventAuthorize},
		{"models", commandUpdate(5, "/models"), eventModels},
		{"free text", textUpdate(5, "Bob", "hello"), eventChat},
		{"blank", textUpdate(5, "Bob", "   "), eventIgnore},
		{"empty update", tgbotapi.Update{}, eventIgnore},
	}
	for _, tc := range cases {
		if got := handler.classify(tc.upd).kind; got != tc.want {
			t.Fatalf("%s: expected kind %d, got %d", tc.name, tc.want, got)
		}
	}

	cb := tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb7",
		From:    &tgbotapi.User{ID: 5},
		Data:    "about",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 77}},
	}}
	ev := handler.classify(cb)
	if ev.kind != eventCallback || ev.callbackData != "about" || ev.chatID != 77 {
		t.Fatalf("callback classification wrong: %+v", ev)
	}
}

// --- update builders ---

func textUpdate(fromID int64, firstName, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: fromID, FirstName: firstName},
		Chat: &tgbotapi.Chat{ID: 1000},
		Text: text,
	}}
}

func commandUpdate(fromID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: fromID},
		Chat:     &tgbotapi.Chat{ID: 1000},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

var errBackendDown = errors.New("backend down")
