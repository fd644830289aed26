package interfaces

import (
	"context"
	"time"

	"iara_bot/internal/entities"
)

// Stores

type BusinessStore interface {
	GetBusinessByID(ctx context.Context, id string) (*entities.BusinessProfile, error)
	GetBusinessBySenderID(ctx context.Context, phoneNumberID string) (*entities.BusinessProfile, error)
	// VerifyTokenExists reports whether any business uses token as its webhook handshake secret.
	VerifyTokenExists(ctx context.Context, token string) (bool, error)
	// GetAIStyleConfig returns nil, nil when the business has no config row.
	GetAIStyleConfig(ctx context.Context, businessID string) (*entities.AIStyleConfig, error)
}

// CatalogStore returns active records in creation order.
type CatalogStore interface {
	ActiveCatalogItems(ctx context.Context, businessID string) ([]entities.CatalogItem, error)
	ActivePolicies(ctx context.Context, businessID string) ([]entities.Policy, error)
	ActivePromotions(ctx context.Context, businessID string) ([]entities.Promotion, error)
}

type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*entities.Conversation, error)
	FindConversation(ctx context.Context, businessID, contactID string) (*entities.Conversation, error)
	// CreateConversation returns entities.ErrDuplicate when the (business, contact) pair already exists.
	CreateConversation(ctx context.Context, conv *entities.Conversation) (*entities.Conversation, error)
	// TouchConversation moves last activity forward, never backwards.
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

type MessageStore interface {
	MessageExists(ctx context.Context, providerMessageID string) (bool, error)
	// CreateMessage returns entities.ErrDuplicate when the provider message id was already stored.
	CreateMessage(ctx context.Context, msg *entities.Message) error
	// RecentMessages returns up to limit messages oldest first that precede excludeID, skipping it.
	// An unknown excludeID bounds nothing.
	RecentMessages(ctx context.Context, conversationID string, limit int, excludeID string) ([]entities.Message, error)
}

type UsageRecorder interface {
	IncrementReceived(ctx context.Context, businessID string) error
	IncrementSent(ctx context.Context, businessID string) error
}

// Adapters

type Completer interface {
	Complete(ctx context.Context, turns []entities.Turn, maxTokens int) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio entities.Media, language string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (entities.Media, error)
}

type MediaFetcher interface {
	FetchMedia(ctx context.Context, creds entities.ChannelCredentials, mediaID string) (entities.Media, error)
}

// Dispatcher sends replies through a channel.
type Dispatcher interface {
	SendText(ctx context.Context, creds entities.ChannelCredentials, to, body string) error
	SendAudio(ctx context.Context, creds entities.ChannelCredentials, to string, audio entities.OutboundAudio) error
}

// AudioStore persists synthesized audio and returns its public URL, or "" when it cannot be published.
type AudioStore interface {
	SaveAudio(ctx context.Context, businessID string, audio entities.Media) (string, error)
}

type HandoffNotifier interface {
	NotifyHandoff(ctx context.Context, business *entities.BusinessProfile, conv *entities.Conversation, text, keyword string) error
}
