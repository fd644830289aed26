package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"iara_bot/internal/entities"
)

type ConversationRepository struct {
	db *pgxpool.Pool
}

func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `
	id::text, business_id::text, whatsapp_contact_id, COALESCE(contact_phone, ''),
	COALESCE(contact_name, ''), status, last_activity_at, created_at`

func scanConversation(row pgx.Row) (*entities.Conversation, error) {
	var c entities.Conversation
	err := row.Scan(&c.ID, &c.BusinessID, &c.ContactID, &c.ContactPhone,
		&c.ContactName, &c.Status, &c.LastActivityAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entities.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

func (r *ConversationRepository) FindConversation(ctx context.Context, businessID, contactID string) (*entities.Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE business_id = $1 AND whatsapp_contact_id = $2
	`, businessID, contactID))
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

// CreateConversation inserts unless the (business, contact) pair exists; the unique constraint
// decides concurrent first contacts and the loser gets entities.ErrDuplicate.
func (r *ConversationRepository) CreateConversation(ctx context.Context, conv *entities.Conversation) (*entities.Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx, `
		INSERT INTO conversations (id, business_id, whatsapp_contact_id, contact_phone, contact_name, status, last_activity_at, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $7)
		ON CONFLICT (business_id, whatsapp_contact_id) DO NOTHING
		RETURNING `+conversationColumns,
		conv.ID, conv.BusinessID, conv.ContactID, conv.ContactPhone, conv.ContactName, conv.Status, conv.LastActivityAt,
	))
	if errors.Is(err, entities.ErrNotFound) {
		return nil, fmt.Errorf("create conversation: %w", entities.ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}
