package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Message is a persisted chat message. Callers always receive copies.
type Message struct {
	ID        int64      `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	CreatedBy string     `json:"created_by"`
}

// NewMessage holds the caller-supplied fields of a message to insert.
type NewMessage struct {
	Content   string
	CreatedAt time.Time
	CreatedBy string
}

var messageColumns = []string{"id", "content", "created_at", "updated_at", "created_by"}

// ListMessages returns every message ordered by ascending id.
func (s *Store) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := sq.Select(messageColumns...).
		From("messages").
		OrderBy("id ASC").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			msg       Message
			createdAt int64
			updatedAt sql.NullInt64
		)
		if err := rows.Scan(&msg.ID, &msg.Content, &createdAt, &updatedAt, &msg.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = fromUnixNano(createdAt)
		if updatedAt.Valid {
			t := fromUnixNano(updatedAt.Int64)
			msg.UpdatedAt = &t
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CreateMessage inserts msg and returns the id assigned by the database.
func (s *Store) CreateMessage(ctx context.Context, msg NewMessage) (int64, error) {
	res, err := sq.Insert("messages").
		Columns("content", "created_at", "created_by").
		Values(msg.Content, toUnixNano(msg.CreatedAt), msg.CreatedBy).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read message id: %w", err)
	}
	s.log.Debug("Message stored", "id", id, "created_by", msg.CreatedBy)
	return id, nil
}

// DeleteMessage removes the message with the given id and reports whether a
// row existed.
func (s *Store) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	res, err := sq.Delete("messages").
		Where(sq.Eq{"id": id}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", id, err)
	}
	return affectedOne(res)
}

// UpdateMessage replaces the content of message id and stamps updated_at.
// It reports whether the row existed.
func (s *Store) UpdateMessage(ctx context.Context, id int64, content string, updatedAt time.Time) (bool, error) {
	res, err := sq.Update("messages").
		Set("content", content).
		Set("updated_at", toUnixNano(updatedAt)).
		Where(sq.Eq{"id": id}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return false, fmt.Errorf("update message %d: %w", id, err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
