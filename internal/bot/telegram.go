package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/service/conversation"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// PlatformName is the catalog name for this transport.
const PlatformName = "Telegram"

// Bot owns the Telegram connection and the long-polling loop.
type Bot struct {
	api     *tgbotapi.BotAPI
	handler *Handler
	logger  *slog.Logger
}

// New connects to Telegram (optionally through an outbound proxy) and wires
// the update handler.
func New(cfg *config.Config, conv *conversation.Service, sessionCache *cache.SessionCache, inference Inference, logger *slog.Logger) (*Bot, error) {
	api, err := newBotAPI(cfg.BasicConfig.BotToken, cfg.BasicConfig.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	handler := NewHandler(PlatformName, &telegramTransport{api: api}, conv, sessionCache, inference, cfg.StreamTimeout(), logger)
	return &Bot{api: api, handler: handler, logger: logger}, nil
}

func newBotAPI(token, proxyURL string) (*tgbotapi.BotAPI, error) {
	if proxyURL == "" {
		return tgbotapi.NewBotAPI(token)
	}
	proxy, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxy)}}
	return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
}

// Run registers the command menu and consumes updates until the context is
// canceled. Each update is handled in its own goroutine; the per-user gate
// keeps a single user's turns sequential.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.registerCommands(); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	b.logger.Info("telegram polling started", "bot", b.api.Self.UserName)

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := b.api.GetUpdatesChan(updateCfg)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handler.HandleUpdate(ctx, update)
		}
	}
}

func (b *Bot) registerCommands() error {
	cmds := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "Start"},
		tgbotapi.BotCommand{Command: "reset", Description: "Reset Context"},
		tgbotapi.BotCommand{Command: "authorize", Description: "Authorize User"},
		tgbotapi.BotCommand{Command: "models", Description: "List Models"},
	)
	_, err := b.api.Request(cmds)
	return err
}

// telegramTransport adapts the bot API to the Transport interface.
type telegramTransport struct {
	api *tgbotapi.BotAPI
}

func (t *telegramTransport) Send(chatID int64, text string) (int, error) {
	sent, err := t.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *telegramTransport) Edit(chatID int64, messageID int, text string) error {
	_, err := t.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (t *telegramTransport) SendMenu(chatID int64, text string, buttons []MenuButton) (int, error) {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *telegramTransport) AnswerCallback(callbackID, text string) error {
	_, err := t.api.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}
