package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/backoffice/internal/domain"
)

// ErrResolved is returned when appending to a resolved conversation.
var ErrResolved = errors.New("store: conversation is resolved")

// ConversationStore persists relay conversations and their messages.
type ConversationStore struct {
	db  *DB
	now func() time.Time
}

// NewConversationStore creates a conversation store using the given database.
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db, now: time.Now}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Create opens a new conversation. ID and timestamps are assigned when empty.
func (s *ConversationStore) Create(ctx context.Context, c domain.Conversation) (*domain.Conversation, error) {
	if strings.TrimSpace(c.CustomerName) == "" {
		return nil, fmt.Errorf("creating conversation: customer name is required")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Category == "" {
		c.Category = "general"
	}
	now := s.now()
	c.Status = domain.StatusOpen
	c.CreatedAt, c.UpdatedAt = now, now
	c.Messages = []domain.Message{}

	var agent string
	if c.AssignedAgent != nil {
		agent = c.AssignedAgent.ID
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO conversations (id, customer_name, customer_email, category, status, assigned_agent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CustomerName, c.CustomerEmail, c.Category, c.Status, agent,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return &c, nil
}

// Get returns a conversation with its full message history in arrival order.
func (s *ConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := s.header(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Messages = msgs
	return c, nil
}

// List returns the most recently active conversations, newest first.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, customer_name, customer_email, category, status, assigned_agent, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	rows.Close()

	for i := range out {
		msgs, err := s.messages(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Messages = msgs
	}
	return out, nil
}

// Append persists a message at the end of a conversation. It assigns the
// message ID and timestamp and fails with ErrResolved once the conversation
// is closed.
func (s *ConversationStore) Append(ctx context.Context, conversationID string, m domain.Message) (domain.Message, error) {
	if !m.Sender.Valid() {
		return domain.Message{}, fmt.Errorf("appending message: unknown sender %q", m.Sender)
	}
	if m.Empty() {
		return domain.Message{}, fmt.Errorf("appending message: message has no text or attachment")
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, conversationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("reading conversation: %w", err)
	}
	if domain.Status(status) == domain.StatusResolved {
		return domain.Message{}, ErrResolved
	}

	m.ID = uuid.New().String()
	m.ConversationID = conversationID
	m.Timestamp = s.now()

	var media domain.Attachment
	if m.Attachment != nil {
		media = *m.Attachment
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, conversation_id, sender, sender_id, text, media_kind, media_url, media_name, media_size, media_mime, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, conversationID, m.Sender, m.SenderID, m.Text,
		media.Kind, media.URL, media.FileName, media.Size, media.MimeType,
		formatTime(m.Timestamp),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(m.Timestamp), conversationID); err != nil {
		return domain.Message{}, fmt.Errorf("touching conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("commit append: %w", err)
	}
	return m, nil
}

// Resolve closes a conversation. It reports whether the status changed;
// resolving an already resolved conversation is a no-op.
func (s *ConversationStore) Resolve(ctx context.Context, id string) (bool, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		domain.StatusResolved, formatTime(s.now()), id, domain.StatusResolved)
	if err != nil {
		return false, fmt.Errorf("resolving conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	if _, err := s.header(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Assign records the agent responsible for a conversation.
func (s *ConversationStore) Assign(ctx context.Context, id, agentID string) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE conversations SET assigned_agent = ?, updated_at = ? WHERE id = ?`,
		agentID, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("assigning conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ConversationStore) header(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, customer_name, customer_email, category, status, assigned_agent, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var status, agent, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.CustomerName, &c.CustomerEmail, &c.Category, &status, &agent, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	c.Status = domain.Status(status)
	if agent != "" {
		c.AssignedAgent = &domain.AgentRef{ID: agent}
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *ConversationStore) messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, sender, sender_id, text, media_kind, media_url, media_name, media_size, media_mime, timestamp
		 FROM chat_messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var sender, ts string
		var media domain.Attachment
		if err := rows.Scan(&m.ID, &sender, &m.SenderID, &m.Text,
			&media.Kind, &media.URL, &media.FileName, &media.Size, &media.MimeType, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.ConversationID = conversationID
		m.Sender = domain.Sender(sender)
		m.Timestamp = parseTime(ts)
		if media.URL != "" {
			m.Attachment = &media
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
