package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"iara_bot/internal/entities"
	"iara_bot/internal/interfaces"
)

type ConversationResolver struct {
	store interfaces.ConversationStore
}

func NewConversationResolver(store interfaces.ConversationStore) *ConversationResolver {
	return &ConversationResolver{store: store}
}

// Resolve finds or lazily creates the conversation for (business, contact) and moves its last
// activity to at. Losing a concurrent create falls back to reading the winner.
func (r *ConversationResolver) Resolve(ctx context.Context, businessID, contactID, contactName string, at time.Time) (*entities.Conversation, error) {
	conv, err := r.store.FindConversation(ctx, businessID, contactID)
	switch {
	case err == nil:
		return r.touch(ctx, conv, at)
	case !errors.Is(err, entities.ErrNotFound):
		return nil, err
	}

	conv, err = r.store.CreateConversation(ctx, &entities.Conversation{
		ID:             uuid.NewString(),
		BusinessID:     businessID,
		ContactID:      contactID,
		ContactPhone:   ContactPhone(contactID),
		ContactName:    contactName,
		Status:         entities.ConversationActive,
		LastActivityAt: at,
	})
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, entities.ErrDuplicate) {
		return nil, err
	}

	conv, err = r.store.FindConversation(ctx, businessID, contactID)
	if err != nil {
		return nil, fmt.Errorf("re-read conversation after create race: %w", err)
	}
	return r.touch(ctx, conv, at)
}

func (r *ConversationResolver) touch(ctx context.Context, conv *entities.Conversation, at time.Time) (*entities.Conversation, error) {
	if err := r.store.TouchConversation(ctx, conv.ID, at); err != nil {
		return nil, err
	}
	if at.After(conv.LastActivityAt) {
		conv.LastActivityAt = at
	}
	return conv, nil
}

// ContactPhone strips the WhatsApp server suffix from a contact id.
func ContactPhone(contactID string) string {
	user, _, _ := strings.Cut(contactID, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
