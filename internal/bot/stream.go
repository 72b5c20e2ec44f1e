package bot

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chatrelay/internal/models"
)

const (
	placeholderText     = "typing..."
	ellipsisMarker      = "..."
	inferenceFailedText = "The model backend failed to produce a reply."
)

// handleChat runs one conversational turn under the user's gate:
// hydrate context, persist the user turn, stream the reply, persist the
// assistant turn.
func (h *Handler) handleChat(ctx context.Context, ev inboundEvent) {
	user, ok := h.authorizedUser(ctx, ev)
	if !ok {
		return
	}

	unlock := h.gate.lock(user.ID)
	defer unlock()

	// The pre-lock snapshot can miss a session created by a turn that was
	// still in flight; re-read the row now that the gate is held.
	if user, ok = h.authorizedUser(ctx, ev); !ok {
		return
	}

	// Bound the whole turn so a hung backend cannot hold the gate forever.
	ctx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	h.logger.Info("handling message", "user", user.PlatformUserID, "chars", len(ev.text))

	sessionID, err := h.cache.EnsureHydrated(ctx, user)
	if err != nil {
		h.logger.Error("hydrate session", "user", user.PlatformUserID, "err", err)
		h.send(ev.chatID, failureText)
		return
	}

	if err := h.persistTurn(ctx, user.ID, sessionID, models.RoleUser, ev.text); err != nil {
		h.logger.Error("persist user turn", "user", user.PlatformUserID, "err", err)
		h.send(ev.chatID, failureText)
		return
	}
	if err := h.conv.TouchLastActive(ctx, user.ID); err != nil {
		h.logger.Warn("touch last active", "user", user.PlatformUserID, "err", err)
	}

	h.streamReply(ctx, ev.chatID, user.ID, sessionID, h.cache.Get(user.ID))
}

// streamReply drives the inference stream into a single outgoing message,
// editing it in place at sentence boundaries and once more at the end.
func (h *Handler) streamReply(ctx context.Context, chatID, userID, sessionID int64, history []models.ContextEntry) {
	placeholderID, err := h.transport.Send(chatID, placeholderText)
	if err != nil {
		h.logger.Error("send placeholder", "chat", chatID, "err", err)
		return
	}

	lastFlushed := ""
	fullResponse, streamErr := h.ai.StreamChat(ctx, history, func(accumulated string) error {
		if !isSentenceEnd(accumulated, lastFlushed) {
			return nil
		}
		if err := h.transport.Edit(chatID, placeholderID, accumulated+ellipsisMarker); err != nil {
			h.logger.Warn("flush edit", "chat", chatID, "err", err)
			return nil
		}
		lastFlushed = accumulated
		return nil
	})

	if fullResponse == "" {
		if streamErr != nil {
			h.logger.Error("inference failed", "err", streamErr)
			if err := h.transport.Edit(chatID, placeholderID, inferenceFailedText); err != nil {
				h.logger.Error("edit failure notice", "chat", chatID, "err", err)
			}
		}
		// An empty but clean stream leaves the placeholder as-is and
		// records no assistant turn.
		return
	}

	if streamErr != nil {
		// Degraded success: finalize with whatever accumulated.
		h.logger.Warn("inference interrupted, keeping partial reply", "err", streamErr)
	}

	if err := h.transport.Edit(chatID, placeholderID, fullResponse); err != nil {
		h.logger.Error("final edit", "chat", chatID, "err", err)
	}

	// The turn context may already be expired; persistence still has to
	// happen so the durable history matches what the user saw.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := h.persistTurn(persistCtx, userID, sessionID, models.RoleAssistant, fullResponse); err != nil {
		h.logger.Error("persist assistant turn", "err", err)
	}
}

// persistTurn appends one turn to the durable log and the session cache,
// back-to-back under the caller's gate. The entry id is the cache length
// before the append.
func (h *Handler) persistTurn(ctx context.Context, userID, sessionID int64, role models.Role, content string) error {
	entryID := int64(h.cache.Len(userID))
	entry, err := h.conv.AppendEntry(ctx, sessionID, userID, entryID, role, content)
	if err != nil {
		return err
	}
	h.cache.Append(ctx, userID, sessionID, *entry)
	return nil
}

var sentenceTerminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
}

// isSentenceEnd reports whether the accumulated text ends a sentence
// (terminal punctuation, full-width included, trailing whitespace allowed)
// and has changed since the last flush.
func isSentenceEnd(accumulated, lastFlushed string) bool {
	if accumulated == "" || accumulated == lastFlushed {
		return false
	}
	trimmed := strings.TrimRightFunc(accumulated, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return sentenceTerminators[last]
}
