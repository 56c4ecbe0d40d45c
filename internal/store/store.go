// Package store reads and updates chat and contact records in Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrChatNotFound is returned when no chat has the requested id.
var ErrChatNotFound = errors.New("chat not found")

// ChatSummary is one inbox row: a chat joined with its contact.
type ChatSummary struct {
	ID            string     `json:"id"`
	ContactID     string     `json:"contact_id"`
	Status        string     `json:"status"`
	Channel       string     `json:"channel"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	LastMessage   string     `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	UnreadCount   int64      `json:"unread_count"`
	UpdatedAt     time.Time  `json:"updated_at"`

	ContactName   string `json:"contact_name"`
	ContactPhone  string `json:"contact_phone"`
	ContactEmail  string `json:"contact_email,omitempty"`
	ContactAvatar string `json:"contact_avatar_url,omitempty"`
}

// ReadReceipt is what MarkChatRead reports back.
type ReadReceipt struct {
	ID          string    `json:"id"`
	UnreadCount int64     `json:"unread_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store wraps a database handle. It holds no other state.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const chatSummaryColumns = `c.id, c.contact_id, c.status, c.channel, c.assigned_to, c.last_message, c.last_message_at, c.unread_count, c.updated_at,
       ct.name, ct.phone, ct.email, ct.avatar_url`

// ListChats returns every chat with its contact fields, most recently
// updated first.
func (s *Store) ListChats(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatSummaryColumns+`
FROM chats c
LEFT JOIN contacts ct ON ct.id = c.contact_id
ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := []ChatSummary{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out, nil
}

// GetChat returns a single chat summary.
func (s *Store) GetChat(ctx context.Context, id string) (ChatSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatSummaryColumns+`
FROM chats c
LEFT JOIN contacts ct ON ct.id = c.contact_id
WHERE c.id = $1`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSummary{}, ErrChatNotFound
	}
	if err != nil {
		return ChatSummary{}, fmt.Errorf("get chat %s: %w", id, err)
	}
	return c, nil
}

// MarkChatRead zeroes the unread counter of one chat and stamps updated_at.
func (s *Store) MarkChatRead(ctx context.Context, id string, now time.Time) (ReadReceipt, error) {
	var r ReadReceipt
	err := s.db.QueryRowContext(ctx, `UPDATE chats SET unread_count = 0, updated_at = $2
WHERE id = $1
RETURNING id, unread_count, updated_at`, id, now.UTC()).Scan(&r.ID, &r.UnreadCount, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReadReceipt{}, ErrChatNotFound
	}
	if err != nil {
		return ReadReceipt{}, fmt.Errorf("mark chat %s read: %w", id, err)
	}
	return r, nil
}

// ChatContext flattens a chat and its contact into the attribute map that
// automation rules are evaluated against.
func (s *Store) ChatContext(ctx context.Context, id string) (map[string]any, error) {
	c, err := s.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Context(), nil
}

// Context returns the chat attributes keyed by column name.
func (c ChatSummary) Context() map[string]any {
	m := map[string]any{
		"id":            c.ID,
		"contact_id":    c.ContactID,
		"status":        c.Status,
		"channel":       c.Channel,
		"assigned_to":   c.AssignedTo,
		"last_message":  c.LastMessage,
		"unread_count":  c.UnreadCount,
		"contact_name":  c.ContactName,
		"contact_phone": c.ContactPhone,
		"contact_email": c.ContactEmail,
	}
	if c.AssignedTo == "" {
		m["assigned_to"] = nil
	}
	return m
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(sc scanner) (ChatSummary, error) {
	var (
		c                          ChatSummary
		contactID, status, channel sql.NullString
		assigned, lastMsg          sql.NullString
		name, phone, email, avatar sql.NullString
		lastAt                     sql.NullTime
		unread                     sql.NullInt64
	)
	if err := sc.Scan(&c.ID, &contactID, &status, &channel, &assigned, &lastMsg, &lastAt, &unread, &c.UpdatedAt,
		&name, &phone, &email, &avatar); err != nil {
		return ChatSummary{}, err
	}
	c.ContactID = contactID.String
	c.Status = status.String
	c.Channel = channel.String
	c.AssignedTo = assigned.String
	c.LastMessage = lastMsg.String
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	c.UnreadCount = unread.Int64
	c.ContactName = name.String
	c.ContactPhone = phone.String
	c.ContactEmail = email.String
	c.ContactAvatar = avatar.String
	return c, nil
}
