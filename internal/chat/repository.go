package chat

import (
	"context"
	"database/sql"
	"errors"
)

// Repository is the PostgreSQL-backed ParticipantDirectory and MessageStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) IsParticipant(ctx context.Context, userID, conversationID int64) (bool, error) {
	var ok bool
	query := `SELECT EXISTS (
		SELECT 1 FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = $1 AND p.user_id = $2 AND u.active
	)`
	err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&ok)
	return ok, err
}

func (r *Repository) ListParticipants(ctx context.Context, conversationID int64) ([]int64, error) {
	query := `SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY user_id`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) Persist(ctx context.Context, env *Envelope) error {
	if env.ID == 0 {
		query := `INSERT INTO messages (conversation_id, sender_id, type, content, created_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`
		return r.db.QueryRowContext(ctx, query,
			env.ConversationID, env.SenderID, string(env.Type), env.Body, env.CreatedAt,
		).Scan(&env.ID)
	}

	query := `UPDATE messages SET content = $1, edited_at = $2
		WHERE id = $3 AND conversation_id = $4 AND sender_id = $5 AND deleted_at IS NULL
		RETURNING type, created_at`
	err := r.db.QueryRowContext(ctx, query,
		env.Body, env.EditedAt, env.ID, env.ConversationID, env.SenderID,
	).Scan(&env.Type, &env.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStoreNotFound
	}
	return err
}

func (r *Repository) MarkDeleted(ctx context.Context, conversationID, messageID, senderID int64) error {
	query := `UPDATE messages SET deleted_at = NOW(), content = ''
		WHERE id = $1 AND conversation_id = $2 AND sender_id = $3 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, messageID, conversationID, senderID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (r *Repository) PersistReceipt(ctx context.Context, rc Receipt) (bool, error) {
	query := `INSERT INTO read_receipts (conversation_id, message_id, user_id, read_at)
		SELECT $1::bigint, $2::bigint, $3::bigint, $4::timestamptz
		WHERE EXISTS (
			SELECT 1 FROM messages WHERE id = $2 AND conversation_id = $1 AND deleted_at IS NULL
		)
		ON CONFLICT DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, rc.ConversationID, rc.MessageID, rc.UserID, rc.ReadAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Nothing inserted: either a conflict or no such message in this conversation.
	var live bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2 AND deleted_at IS NULL)`,
		rc.MessageID, rc.ConversationID,
	).Scan(&live)
	if err != nil {
		return false, err
	}
	if !live {
		return false, ErrStoreNotFound
	}
	return false, nil
}

func (r *Repository) ExistingReceipt(ctx context.Context, key ReceiptKey) (bool, error) {
	var ok bool
	query := `SELECT EXISTS (
		SELECT 1 FROM read_receipts WHERE conversation_id = $1 AND message_id = $2 AND user_id = $3
	)`
	err := r.db.QueryRowContext(ctx, query, key.ConversationID, key.MessageID, key.UserID).Scan(&ok)
	return ok, err
}

func (r *Repository) MessagesAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]Envelope, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.type, m.content, m.created_at, m.edited_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1 AND m.id > $2 AND m.deleted_at IS NULL
		ORDER BY m.id ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Envelope
	for rows.Next() {
		var env Envelope
		var editedAt sql.NullTime
		if err := rows.Scan(&env.ID, &env.ConversationID, &env.SenderID, &env.SenderName,
			&env.Type, &env.Body, &env.CreatedAt, &editedAt); err != nil {
			return nil, err
		}
		if editedAt.Valid {
			env.EditedAt = &editedAt.Time
			env.Edited = true
		}
		messages = append(messages, env)
	}
	return messages, rows.Err()
}
