package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/models"
)

// Service owns durable conversation state: users, sessions, and the
// append-only context log.
type Service struct {
	db *sql.DB

	// sessionMu serializes session-id allocation. The per-user gate only
	// covers one user, so two different users' first turns can reach
	// CreateSession at the same time.
	sessionMu sync.Mutex
}

// NewService builds a conversation service over an open database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateSession allocates the next session id and points the user at it.
// Session ids form one monotonically increasing counter across all users:
// the next id is 1 + the maximum id found in either the context log or any
// user's active-session pointer, so a freshly created empty session still
// counts. Allocation is serialized; concurrent callers never share an id.
func (s *Service) CreateSession(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, errors.New("user_id is required")
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	var maxContext, maxActive sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(session_id) FROM contexts`).Scan(&maxContext); err != nil {
		return 0, fmt.Errorf("max context session: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(active_session_id) FROM users`).Scan(&maxActive); err != nil {
		return 0, fmt.Errorf("max active session: %w", err)
	}

	next := int64(1)
	if maxContext.Valid && maxContext.Int64 >= next {
		next = maxContext.Int64 + 1
	}
	if maxActive.Valid && maxActive.Int64 >= next {
		next = maxActive.Int64 + 1
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET active_session_id = ? WHERE id = ?`, next, userID)
	if err != nil {
		return 0, fmt.Errorf("set active session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return 0, sql.ErrNoRows
	}
	return next, nil
}

// AppendEntry writes one immutable turn. The caller supplies the zero-based
// entry id (its cache length before the append) and must hold the user's
// gate; the store itself does no locking.
func (s *Service) AppendEntry(ctx context.Context, sessionID, userID, entryID int64, role models.Role, content string) (*models.ContextEntry, error) {
	if sessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if entryID < 0 {
		return nil, errors.New("entry_id cannot be negative")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (session_id, entry_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, entryID, userID, role, content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert context entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("context entry id: %w", err)
	}
	return &models.ContextEntry{
		ID:        id,
		SessionID: sessionID,
		EntryID:   entryID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// LoadSession returns the session's entries ordered by entry id ascending.
func (s *Service) LoadSession(ctx context.Context, sessionID int64) ([]models.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, entry_id, user_id, role, content, created_at FROM contexts WHERE session_id = ? ORDER BY entry_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	var entries []models.ContextEntry
	for rows.Next() {
		var e models.ContextEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EntryID, &e.UserID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetUserByPlatformID looks a user up by platform identity. Absence is not
// an error: callers treat an unknown sender as unauthorized.
func (s *Service) GetUserByPlatformID(ctx context.Context, platform, platformUserID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, platform_user_id, username, is_admin, is_authorized, active_session_id, joined_at, last_active
		 FROM users WHERE platform = ? AND platform_user_id = ?`,
		platform, platformUserID,
	)
	var user models.User
	var username sql.NullString
	var activeSession sql.NullInt64
	err := row.Scan(&user.ID, &user.Platform, &user.PlatformUserID, &username, &user.IsAdmin, &user.IsAuthorized, &activeSession, &user.JoinedAt, &user.LastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.Username = username.String
	user.ActiveSessionID = activeSession.Int64
	return &user, nil
}

// CreateUser inserts a user record.
func (s *Service) CreateUser(ctx context.Context, platform, platformUserID, username string, authorized bool) (*models.User, error) {
	platform = strings.TrimSpace(platform)
	platformUserID = strings.TrimSpace(platformUserID)
	if platform == "" || platformUserID == "" {
		return nil, errors.New("platform and platform_user_id are required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (platform, platform_user_id, username, is_admin, is_authorized, joined_at, last_active) VALUES (?, ?, ?, 0, ?, ?, ?)`,
		platform, platformUserID, username, authorized, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{
		ID:             id,
		Platform:       platform,
		PlatformUserID: platformUserID,
		Username:       username,
		IsAuthorized:   authorized,
		JoinedAt:       now,
		LastActive:     now,
	}, nil
}

// SetAuthorized grants the conversational flag to an existing user.
func (s *Service) SetAuthorized(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_authorized = 1 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("set authorized: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchLastActive refreshes the user's activity timestamp.
func (s *Service) TouchLastActive(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_active = ? WHERE id = ?`, time.Now().UTC(), userID); err != nil {
		return fmt.Errorf("touch last active: %w", err)
	}
	return nil
}

// SeedAdmins guarantees the configured identities exist as authorized admin
// users. Safe to run on every start.
func (s *Service) SeedAdmins(ctx context.Context, platform string, adminIDs []string) error {
	for _, adminID := range adminIDs {
		adminID = strings.TrimSpace(adminID)
		if adminID == "" {
			continue
		}
		user, err := s.GetUserByPlatformID(ctx, platform, adminID)
		if err != nil {
			return err
		}
		if user == nil {
			now := time.Now().UTC()
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO users (platform, platform_user_id, is_admin, is_authorized, joined_at, last_active) VALUES (?, ?, 1, 1, ?, ?)`,
				platform, adminID, now, now,
			); err != nil {
				return fmt.Errorf("seed admin %s: %w", adminID, err)
			}
			continue
		}
		if user.IsAdmin && user.IsAuthorized {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE users SET is_admin = 1, is_authorized = 1 WHERE id = ?`, user.ID); err != nil {
			return fmt.Errorf("promote admin %s: %w", adminID, err)
		}
	}
	return nil
}

// EnsurePlatform records the platform in the catalog table if missing.
func (s *Service) EnsurePlatform(ctx context.Context, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("platform name is required")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM platforms WHERE name = ?)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("verify platform: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO platforms (name, description) VALUES (?, ?)`, name, description); err != nil {
		return fmt.Errorf("insert platform: %w", err)
	}
	return nil
}
