package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/redis"
)

const warmHistoryTTL = 30 * time.Minute

// warmCache keeps JSON-encoded session histories in redis so a restarted
// process can skip the database read on first hydration. Every method is
// nil-safe; the relay runs fine without redis.
type warmCache struct {
	client *redis.Client
}

func historyKey(sessionID int64) string {
	return fmt.Sprintf("relay:history:%d", sessionID)
}

func (w *warmCache) loadHistory(ctx context.Context, sessionID int64) ([]models.ContextEntry, bool) {
	if w == nil || w.client == nil || sessionID <= 0 {
		return nil, false
	}
	raw, err := w.client.Get(ctx, historyKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			slog.Warn("warm cache load failed", "session_id", sessionID, "err", err)
		}
		return nil, false
	}
	var entries []models.ContextEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Warn("warm cache decode failed", "session_id", sessionID, "err", err)
		return nil, false
	}
	return entries, true
}

func (w *warmCache) storeHistory(ctx context.Context, sessionID int64, entries []models.ContextEntry) {
	if w == nil || w.client == nil || sessionID <= 0 {
		return
	}
	data, err := json.Marshal(entries)
	if err != nil {
		slog.Warn("warm cache encode failed", "session_id", sessionID, "err", err)
		return
	}
	if err := w.client.Set(ctx, historyKey(sessionID), data, warmHistoryTTL); err != nil {
		slog.Warn("warm cache store failed", "session_id", sessionID, "err", err)
	}
}

func (w *warmCache) invalidate(ctx context.Context, sessionID int64) {
	if w == nil || w.client == nil || sessionID <= 0 {
		return
	}
	if err := w.client.Del(ctx, historyKey(sessionID)); err != nil && err != redis.ErrCacheMiss {
		slog.Warn("warm cache invalidate failed", "session_id", sessionID, "err", err)
	}
}
