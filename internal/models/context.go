package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContextEntry is one immutable turn inside a session. EntryID is the
// zero-based position of the turn within its session.
type ContextEntry struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	EntryID   int64     `json:"entry_id"`
	UserID    int64     `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
