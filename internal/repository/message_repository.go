package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"iara_bot/internal/entities"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) MessageExists(ctx context.Context, providerMessageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE whatsapp_message_id = $1)
	`, providerMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", providerMessageID, err)
	}
	return exists, nil
}

// CreateMessage appends a row. A provider id seen before yields entities.ErrDuplicate.
func (r *MessageRepository) CreateMessage(ctx context.Context, msg *entities.Message) error {
	var id string
	err := r.db.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, direction, message_type, content, media_url,
		                      transcription, ai_response_generated, processing_time_ms, whatsapp_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (whatsapp_message_id) DO NOTHING
		RETURNING id
	`, msg.ID, msg.ConversationID, msg.Direction, msg.Type, msg.Content, msg.MediaURL,
		msg.Transcription, msg.AIResponseGenerated, msg.ProcessingTimeMs, msg.ProviderMessageID, msg.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("create message: %w", entities.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// RecentMessages orders by (created_at, id); rows stored after excludeID are left out.
func (r *MessageRepository) RecentMessages(ctx context.Context, conversationID string, limit int, excludeID string) ([]entities.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id::text, direction, message_type, COALESCE(content, ''), COALESCE(media_url, ''),
		       COALESCE(transcription, ''), ai_response_generated, processing_time_ms,
		       COALESCE(whatsapp_message_id, ''), created_at
		FROM (
			SELECT m.* FROM messages m
			WHERE m.conversation_id = $1 AND m.id <> $2
			  AND NOT EXISTS (
				SELECT 1 FROM messages cur
				WHERE cur.id = $2 AND (m.created_at, m.id) > (cur.created_at, cur.id)
			  )
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, id ASC
	`, conversationID, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.Message, error) {
		var m entities.Message
		err := row.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Type, &m.Content, &m.MediaURL,
			&m.Transcription, &m.AIResponseGenerated, &m.ProcessingTimeMs,
			&m.ProviderMessageID, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return msgs, nil
}
