package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/models"
	"chatrelay/internal/service/conversation"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Inference produces the streamed reply for a message history.
type Inference interface {
	StreamChat(ctx context.Context, history []models.ContextEntry, callback func(string) error) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

const (
	deniedText       = "You are not authorized to use this bot."
	notAdminText     = "You do not have permission to authorize users."
	failureText      = "Something went wrong. Please try again."
	resetText        = "Chat has been reset. A new session has been created."
	authorizePrompt  = "Please enter the user ID you want to authorize:"
	authorizeMenu    = "Click the button below to authorize a user."
	aboutText        = "I relay your messages to a local language model."
	settingsText     = "No configurable settings yet."
	modelsFailedText = "The model backend is unreachable."
)

// Handler routes inbound events to the session core.
type Handler struct {
	platform      string
	transport     Transport
	conv          *conversation.Service
	cache         *cache.SessionCache
	ai            Inference
	gate          *userGate
	streamTimeout time.Duration
	logger        *slog.Logger

	pendingMu   sync.Mutex
	pendingAuth map[string]bool
}

// NewHandler wires the session core to a transport and inference backend.
func NewHandler(platform string, transport Transport, conv *conversation.Service, sessionCache *cache.SessionCache, inference Inference, streamTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if streamTimeout <= 0 {
		streamTimeout = 5 * time.Minute
	}
	return &Handler{
		platform:      platform,
		transport:     transport,
		conv:          conv,
		cache:         sessionCache,
		ai:            inference,
		gate:          newUserGate(),
		streamTimeout: streamTimeout,
		logger:        logger,
		pendingAuth:   make(map[string]bool),
	}
}

type eventKind int

const (
	eventIgnore eventKind = iota
	eventStart
	eventReset
	eventAuthorize
	eventModels
	eventAdminInput
	eventChat
	eventCallback
)

// inboundEvent is the tagged form of one platform update.
type inboundEvent struct {
	kind         eventKind
	chatID       int64
	senderID     string
	senderName   string
	text         string
	callbackID   string
	callbackData string
}

// HandleUpdate classifies one platform update and dispatches it.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	h.dispatch(ctx, h.classify(update))
}

func (h *Handler) classify(update tgbotapi.Update) inboundEvent {
	if cq := update.CallbackQuery; cq != nil {
		ev := inboundEvent{
			kind:         eventCallback,
			senderID:     strconv.FormatInt(cq.From.ID, 10),
			callbackID:   cq.ID,
			callbackData: cq.Data,
		}
		if cq.Message != nil {
			ev.chatID = cq.Message.Chat.ID
		}
		return ev
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return inboundEvent{kind: eventIgnore}
	}

	ev := inboundEvent{
		chatID:     msg.Chat.ID,
		senderID:   strconv.FormatInt(msg.From.ID, 10),
		senderName: senderName(msg.From),
		text:       msg.Text,
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			ev.kind = eventStart
		case "reset":
			ev.kind = eventReset
		case "authorize":
			ev.kind = eventAuthorize
		case "models":
			ev.kind = eventModels
		default:
			ev.kind = eventChat
		}
		return ev
	}

	if h.isPendingAuth(ev.senderID) {
		ev.kind = eventAdminInput
		return ev
	}
	if strings.TrimSpace(msg.Text) == "" {
		ev.kind = eventIgnore
		return ev
	}
	ev.kind = eventChat
	return ev
}

func (h *Handler) dispatch(ctx context.Context, ev inboundEvent) {
	switch ev.kind {
	case eventStart:
		h.handleStart(ev)
	case eventReset:
		h.handleReset(ctx, ev)
	case eventAuthorize:
		h.handleAuthorize(ctx, ev)
	case eventModels:
		h.handleModels(ctx, ev)
	case eventCallback:
		h.handleCallback(ctx, ev)
	case eventAdminInput:
		h.handleAdminInput(ctx, ev)
	case eventChat:
		h.handleChat(ctx, ev)
	}
}

// handleStart greets anyone; it is the only handler exempt from the
// authorization gate.
func (h *Handler) handleStart(ev inboundEvent) {
	name := ev.senderName
	if name == "" {
		name = "there"
	}
	greeting := fmt.Sprintf("Welcome, %s!", name)
	if _, err := h.transport.SendMenu(ev.chatID, greeting, []MenuButton{
		{Label: "ℹ️ About", Data: "about"},
		{Label: "⚙️ Settings", Data: "settings"},
	}); err != nil {
		h.logger.Error("send greeting", "err", err)
	}
}

func (h *Handler) handleReset(ctx context.Context, ev inboundEvent) {
	user, ok := h.authorizedUser(ctx, ev)
	if !ok {
		return
	}
	unlock := h.gate.lock(user.ID)
	defer unlock()

	// Re-read under the gate so the reset drops the session a concurrent
	// turn may have just created, not a stale pointer.
	if user, ok = h.authorizedUser(ctx, ev); !ok {
		return
	}

	oldSession := user.ActiveSessionID
	if _, err := h.conv.CreateSession(ctx, user.ID); err != nil {
		h.logger.Error("reset session", "user", user.PlatformUserID, "err", err)
		h.send(ev.chatID, failureText)
		return
	}
	h.cache.Invalidate(ctx, user.ID, oldSession)
	h.send(ev.chatID, resetText)
}

func (h *Handler) handleAuthorize(ctx context.Context, ev inboundEvent) {
	user, ok := h.authorizedUser(ctx, ev)
	if !ok {
		return
	}
	if !user.IsAdmin {
		h.send(ev.chatID, notAdminText)
		return
	}
	if _, err := h.transport.SendMenu(ev.chatID, authorizeMenu, []MenuButton{{Label: "Authorize", Data: "authorize"}}); err != nil {
		h.logger.Error("send authorize menu", "err", err)
	}
}

func (h *Handler) handleModels(ctx context.Context, ev inboundEvent) {
	if _, ok := h.authorizedUser(ctx, ev); !ok {
		return
	}
	names, err := h.ai.ListModels(ctx)
	if err != nil {
		h.logger.Error("list models", "err", err)
		h.send(ev.chatID, modelsFailedText)
		return
	}
	h.send(ev.chatID, "Available models:\n"+strings.Join(names, "\n"))
}

func (h *Handler) handleCallback(ctx context.Context, ev inboundEvent) {
	switch ev.callbackData {
	case "authorize":
		user, err := h.conv.GetUserByPlatformID(ctx, h.platform, ev.senderID)
		if err != nil {
			h.logger.Error("callback user lookup", "err", err)
			return
		}
		if user == nil || !user.IsAdmin {
			h.answerCallback(ev.callbackID, notAdminText)
			return
		}
		h.answerCallback(ev.callbackID, "")
		h.send(ev.chatID, authorizePrompt)
		h.setPendingAuth(ev.senderID, true)
	case "about":
		h.answerCallback(ev.callbackID, aboutText)
	case "settings":
		h.answerCallback(ev.callbackID, settingsText)
	default:
		h.answerCallback(ev.callbackID, "")
	}
}

// handleAdminInput consumes the free-text message an admin sends after
// pressing the authorize button: the platform user id to grant access to.
func (h *Handler) handleAdminInput(ctx context.Context, ev inboundEvent) {
	h.setPendingAuth(ev.senderID, false)

	target := strings.TrimSpace(ev.text)
	if target == "" {
		h.send(ev.chatID, "No user ID provided.")
		return
	}

	user, err := h.conv.GetUserByPlatformID(ctx, h.platform, target)
	if err != nil {
		h.logger.Error("authorize lookup", "target", target, "err", err)
		h.send(ev.chatID, failureText)
		return
	}
	if user != nil {
		if err := h.conv.SetAuthorized(ctx, user.ID); err != nil {
			h.logger.Error("authorize user", "target", target, "err", err)
			h.send(ev.chatID, failureText)
			return
		}
		h.send(ev.chatID, fmt.Sprintf("User %s has been authorized.", target))
		return
	}
	if _, err := h.conv.CreateUser(ctx, h.platform, target, "", true); err != nil {
		h.logger.Error("create authorized user", "target", target, "err", err)
		h.send(ev.chatID, failureText)
		return
	}
	h.send(ev.chatID, fmt.Sprintf("User %s has been added and authorized.", target))
}

// authorizedUser resolves the sender and enforces the authorization gate.
// Unauthorized senders get the fixed denial text and nothing else happens.
func (h *Handler) authorizedUser(ctx context.Context, ev inboundEvent) (*models.User, bool) {
	user, err := h.conv.GetUserByPlatformID(ctx, h.platform, ev.senderID)
	if err != nil {
		h.logger.Error("user lookup", "sender", ev.senderID, "err", err)
		h.send(ev.chatID, failureText)
		return nil, false
	}
	if user == nil || !user.IsAuthorized {
		h.send(ev.chatID, deniedText)
		return nil, false
	}
	return user, true
}

func (h *Handler) send(chatID int64, text string) {
	if _, err := h.transport.Send(chatID, text); err != nil {
		h.logger.Error("send message", "chat", chatID, "err", err)
	}
}

func (h *Handler) answerCallback(callbackID, text string) {
	if err := h.transport.AnswerCallback(callbackID, text); err != nil {
		h.logger.Error("answer callback", "err", err)
	}
}

func (h *Handler) isPendingAuth(senderID string) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return h.pendingAuth[senderID]
}

func (h *Handler) setPendingAuth(senderID string, pending bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if pending {
		h.pendingAuth[senderID] = true
	} else {
		delete(h.pendingAuth, senderID)
	}
}

func senderName(from *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(from.FirstName) + " " + strings.TrimSpace(from.LastName))
	if name == "" {
		name = from.UserName
	}
	return name
}
