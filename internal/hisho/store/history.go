package store

import (
	"context"
	"fmt"
	"time"
)

// Role of a stored conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a user's conversation, on any interface.
type Message struct {
	ID        int64
	UserID    string
	Role      Role
	Content   string
	Interface string
	CreatedAt time.Time
}

// Usage records the model tokens spent on one request and the action kind
// it resolved to ("general" for plain replies).
type Usage struct {
	UserID     string
	Interface  string
	Kind       string
	TokensUsed int
	CreatedAt  time.Time
}

// SaveMessage appends a message to the user's history.
func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (user_id, role, content, interface, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.UserID, string(m.Role), m.Content, m.Interface, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// RecentMessages returns the user's last limit messages in chronological
// order (oldest first), ready to be replayed to the model.
func (s *Store) RecentMessages(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, content, interface, created_at
		FROM messages
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.UserID, &role, &m.Content, &m.Interface, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveUsage records one request's usage row.
func (s *Store) SaveUsage(ctx context.Context, u Usage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_stats (user_id, interface, kind, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.UserID, u.Interface, u.Kind, u.TokensUsed, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// UsageSince returns the user's usage rows created at or after since,
// newest first.
func (s *Store) UsageSince(ctx context.Context, userID string, since time.Time) ([]Usage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, interface, kind, tokens_used, created_at
		FROM usage_stats
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.UserID, &u.Interface, &u.Kind, &u.TokensUsed, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage: %w", err)
	}
	return out, nil
}

// Cleanup deletes messages and usage rows created before cutoff and reports
// how many rows of each were removed.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (messages, usage int64, err error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	if messages, err = res.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("failed to count deleted messages: %w", err)
	}

	res, err = s.db.ExecContext(ctx, "DELETE FROM usage_stats WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return messages, 0, fmt.Errorf("failed to delete old usage: %w", err)
	}
	if usage, err = res.RowsAffected(); err != nil {
		return messages, 0, fmt.Errorf("failed to count deleted usage: %w", err)
	}
	return messages, usage, nil
}
