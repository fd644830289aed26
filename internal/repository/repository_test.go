package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iara_bot/internal/entities"
	"iara_bot/internal/infrastructure"
)

// testPool connects to IARA_TEST_DATABASE_URL, skipping when it is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("IARA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("IARA_TEST_DATABASE_URL not set")
	}
	client, err := infrastructure.NewPostgresClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client.Pool
}

func seedBusiness(t *testing.T, db *pgxpool.Pool) string {
	t.Helper()
	id := uuid.NewString()
	phone := "phone-" + id[:8]
	_, err := db.Exec(context.Background(), `
		INSERT INTO business_profiles (id, name, whatsapp_phone_id, whatsapp_token, webhook_verify_token, locale)
		VALUES ($1, 'Loja Azul', $2, 'biz-token', $3, 'pt-BR')
	`, id, phone, "verify-"+id[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Exec(context.Background(), `DELETE FROM business_profiles WHERE id = $1`, id)
	})
	return id
}

func TestBusinessRepository(t *testing.T) {
	db := testPool(t)
	id := seedBusiness(t, db)
	repo := NewBusinessRepository(db)
	ctx := context.Background()

	b, err := repo.GetBusinessByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Loja Azul", b.Name)
	assert.Equal(t, "biz-token", b.Credentials.AccessToken)

	bySender, err := repo.GetBusinessBySenderID(ctx, b.Credentials.PhoneNumberID)
	require.NoError(t, err)
	assert.Equal(t, id, bySender.ID)

	_, err = repo.GetBusinessBySenderID(ctx, "nobody")
	assert.ErrorIs(t, err, entities.ErrNotFound)

	ok, err := repo.VerifyTokenExists(ctx, b.Credentials.VerifyToken)
	require.NoError(t, err)
	assert.True(t, ok)

	cfg, err := repo.GetAIStyleConfig(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = db.Exec(ctx, `INSERT INTO ai_configs (business_id, response_style, enable_audio, transfer_keywords) VALUES ($1, 'concise', TRUE, '{atendente}')`, id)
	require.NoError(t, err)
	cfg, err = repo.GetAIStyleConfig(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, entities.StyleConcise, cfg.ResponseStyle)
	assert.True(t, cfg.EnableAudio)
	assert.Equal(t, []string{"atendente"}, cfg.TransferKeywords)
}

func TestCatalogRepositoryCreationOrder(t *testing.T) {
	db := testPool(t)
	id := seedBusiness(t, db)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, name := range []string{"Camisa Polo", "Bermuda", "Boné"} {
		_, err := db.Exec(ctx, `INSERT INTO products (business_id, name, price, stock, created_at) VALUES ($1, $2, 89.90, 5, $3)`,
			id, name, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	_, err := db.Exec(ctx, `INSERT INTO products (business_id, name, active) VALUES ($1, 'Fora de linha', FALSE)`, id)
	require.NoError(t, err)

	items, err := NewCatalogRepository(db).ActiveCatalogItems(ctx, id)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "Camisa Polo", items[0].Name)
	assert.Equal(t, "Boné", items[2].Name)
	require.NotNil(t, items[0].Price)
	assert.InDelta(t, 89.90, *items[0].Price, 0.001)
}

func TestConversationRepositoryConcurrentCreate(t *testing.T) {
	db := testPool(t)
	id := seedBusiness(t, db)
	repo := NewConversationRepository(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.CreateConversation(ctx, &entities.Conversation{
				ID: uuid.NewString(), BusinessID: id, ContactID: "5511999998888",
				Status: entities.ConversationActive, LastActivityAt: time.Now(),
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, entities.ErrDuplicate)
	}
	assert.Equal(t, 1, created)

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM conversations WHERE business_id = $1`, id).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConversationRepositoryTouchNeverRewinds(t *testing.T) {
	db := testPool(t)
	id := seedBusiness(t, db)
	repo := NewConversationRepository(db)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)

	conv, err := repo.CreateConversation(ctx, &entities.Conversation{
		ID: uuid.NewString(), BusinessID: id, ContactID: "55", Status: entities.ConversationActive, LastActivityAt: at,
	})
	require.NoError(t, err)

	require.NoError(t, repo.TouchConversation(ctx, conv.ID, at.Add(-time.Hour)))
	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(at))

	require.NoError(t, repo.TouchConversation(ctx, conv.ID, at.Add(time.Hour)))
	got, err = repo.FindConversation(ctx, id, "55")
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(at.Add(time.Hour)))
}

func TestMessageRepository(t *testing.T) {
	db := testPool(t)
	id := seedBusiness(t, db)
	ctx := context.Background()
	conv, err := NewConversationRepository(db).CreateConversation(ctx, &entities.Conversation{
		ID: uuid.NewString(), BusinessID: id, ContactID: "55", Status: entities.ConversationActive, LastActivityAt: time.Now(),
	})
	require.NoError(t, err)

	repo := NewMessageRepository(db)
	providerID := "wamid." + ulid.Make().String()
	base := time.Now().Add(-time.Minute)

	var ids []string
	for i, content := range []string{"Oi", "Olá!", "Preço?"} {
		msg := &entities.Message{
			ID:             ulid.Make().String(),
			ConversationID: conv.ID,
			Direction:      entities.DirectionInbound,
			Type:           entities.MessageText,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if i == 0 {
			msg.ProviderMessageID = providerID
		}
		if i == 1 {
			msg.Direction = entities.DirectionOutbound
			msg.AIResponseGenerated = true
		}
		require.NoError(t, repo.CreateMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	exists, err := repo.MessageExists(ctx, providerID)
	require.NoError(t, err)
	assert.True(t, exists)

	err = repo.CreateMessage(ctx, &entities.Message{
		ID: ulid.Make().String(), ConversationID: conv.ID, Direction: entities.DirectionInbound,
		Type: entities.MessageText, Content: "Oi", ProviderMessageID: providerID, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, entities.ErrDuplicate)

	recent, err := repo.RecentMessages(ctx, conv.ID, 2, ids[2])
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "Oi", recent[0].Content)
	assert.Equal(t, "Olá!", recent[1].Content)
	assert.True(t, recent[1].AIResponseGenerated)

	// a sibling stored after the message being answered stays out of its history
	recent, err = repo.RecentMessages(ctx, conv.ID, 10, ids[1])
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Oi", recent[0].Content)

	recent, err = repo.RecentMessages(ctx, conv.ID, 10, "")
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestUsageRepository(t *testing.T) {
	db := testPool(t)
	id := seedBusiness(t, db)
	repo := NewUsageRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.IncrementReceived(ctx, id))
	require.NoError(t, repo.IncrementSent(ctx, id))
	require.NoError(t, repo.IncrementSent(ctx, id))

	s, err := repo.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TodaySent)
	assert.Equal(t, 1, s.TodayReceived)
	assert.Equal(t, 2, s.MonthSent)

	history, err := repo.GetUsageHistory(ctx, id, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].MessagesSent)
}
