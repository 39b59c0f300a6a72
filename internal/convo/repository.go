package convo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const foreignKeyViolation = "23503"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetOrCreate finds or atomically creates the conversation for the canonical
// (sorted) pair. The no-op DO UPDATE makes the upsert return the surviving row
// whether this call created it or a concurrent one did, so both participants
// calling at once observe the same conversation.
func (r *Repository) GetOrCreate(ctx context.Context, handleA, handleB string) (*Conversation, error) {
	a, b := handleA, handleB
	if b < a {
		a, b = b, a
	}

	query := `
		INSERT INTO conversations (handle_a, handle_b)
		VALUES ($1, $2)
		ON CONFLICT (handle_a, handle_b)
		DO UPDATE SET handle_a = EXCLUDED.handle_a
		RETURNING id, handle_a, handle_b, last_message_text, last_message_at, created_at
	`
	c := &Conversation{}
	err := r.db.QueryRowContext(ctx, query, a, b).
		Scan(&c.ID, &c.HandleA, &c.HandleB, &c.LastMessageText, &c.LastMessageAt, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			// One of the handles is not in the directory.
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, id int) (*Conversation, error) {
	query := `
		SELECT id, handle_a, handle_b, last_message_text, last_message_at, created_at
		FROM conversations WHERE id = $1
	`
	c := &Conversation{}
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&c.ID, &c.HandleA, &c.HandleB, &c.LastMessageText, &c.LastMessageAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// Append stores a message and advances the conversation's last-message
// pointer in one transaction. The row lock on the conversation serializes
// concurrent appends, and the timestamp is clamped to never run backwards
// within the conversation.
func (r *Repository) Append(ctx context.Context, conversationID int, sender, content string) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		handleA, handleB string
		lastAt           *time.Time
	)
	lockQuery := `
		SELECT handle_a, handle_b, last_message_at
		FROM conversations WHERE id = $1 FOR UPDATE
	`
	err = tx.QueryRowContext(ctx, lockQuery, conversationID).Scan(&handleA, &handleB, &lastAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if sender != handleA && sender != handleB {
		return nil, ErrForbidden
	}
	receiver := handleA
	if sender == handleA {
		receiver = handleB
	}

	ts := time.Now().UTC()
	if lastAt != nil && ts.Before(*lastAt) {
		ts = *lastAt
	}

	msg := &Message{
		ConversationID: conversationID,
		Sender:         sender,
		Receiver:       receiver,
		Content:        content,
		CreatedAt:      ts,
	}

	insertQuery := `
		INSERT INTO messages (conversation_id, sender, receiver, content, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id
	`
	if err := tx.QueryRowContext(ctx, insertQuery, conversationID, sender, receiver, content, ts).Scan(&msg.ID); err != nil {
		return nil, err
	}

	updateQuery := `
		UPDATE conversations SET last_message_text = $1, last_message_at = $2 WHERE id = $3
	`
	if _, err := tx.ExecContext(ctx, updateQuery, content, ts, conversationID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) ListForHandle(ctx context.Context, handle string) ([]*Conversation, error) {
	query := `
		SELECT id, handle_a, handle_b, last_message_text, last_message_at, created_at
		FROM conversations
		WHERE handle_a = $1 OR handle_b = $1
		ORDER BY last_message_at DESC NULLS LAST, id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, handle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.HandleA, &c.HandleB, &c.LastMessageText, &c.LastMessageAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Messages returns one ascending page of a conversation's history.
func (r *Repository) Messages(ctx context.Context, conversationID, limit, offset int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender, receiver, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Receiver, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
