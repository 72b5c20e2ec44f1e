package models

import "time"

// User identifies a person on a messaging platform together with the
// flags gating what they may do and a pointer to their live conversation.
type User struct {
	ID              int64     `json:"id"`
	Platform        string    `json:"platform"`
	PlatformUserID  string    `json:"platform_user_id"`
	Username        string    `json:"username,omitempty"`
	IsAdmin         bool      `json:"is_admin"`
	IsAuthorized    bool      `json:"is_authorized"`
	ActiveSessionID int64     `json:"active_session_id,omitempty"`
	JoinedAt        time.Time `json:"joined_at"`
	LastActive      time.Time `json:"last_active"`
}

// HasActiveSession reports whether the user points at a live session.
// Session ids start at 1, so zero means none.
func (u *User) HasActiveSession() bool {
	return u.ActiveSessionID > 0
}

// Platform is a catalog record for a messaging platform.
type Platform struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
