package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"iara_bot/internal/entities"
)

type BusinessRepository struct {
	db *pgxpool.Pool
}

func NewBusinessRepository(db *pgxpool.Pool) *BusinessRepository {
	return &BusinessRepository{db: db}
}

const businessColumns = `
	id::text, name, COALESCE(description, ''), COALESCE(industry, ''), COALESCE(tone, ''),
	COALESCE(ai_name, ''), COALESCE(ai_personality, ''), COALESCE(locale, ''), active,
	COALESCE(whatsapp_token, ''), COALESCE(whatsapp_phone_id, ''), COALESCE(webhook_verify_token, '')`

func scanBusiness(row pgx.Row) (*entities.BusinessProfile, error) {
	var b entities.BusinessProfile
	err := row.Scan(
		&b.ID, &b.Name, &b.Description, &b.Industry, &b.Tone,
		&b.AIName, &b.AIPersonality, &b.Locale, &b.Active,
		&b.Credentials.AccessToken, &b.Credentials.PhoneNumberID, &b.Credentials.VerifyToken,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entities.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *BusinessRepository) GetBusinessByID(ctx context.Context, id string) (*entities.BusinessProfile, error) {
	b, err := scanBusiness(r.db.QueryRow(ctx, `SELECT `+businessColumns+` FROM business_profiles WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get business %s: %w", id, err)
	}
	return b, nil
}

// GetBusinessBySenderID looks up the business owning a WhatsApp phone number id.
func (r *BusinessRepository) GetBusinessBySenderID(ctx context.Context, phoneNumberID string) (*entities.BusinessProfile, error) {
	b, err := scanBusiness(r.db.QueryRow(ctx, `
		SELECT `+businessColumns+` FROM business_profiles
		WHERE whatsapp_phone_id = $1
		ORDER BY active DESC, created_at ASC
		LIMIT 1
	`, phoneNumberID))
	if err != nil {
		return nil, fmt.Errorf("get business by sender %s: %w", phoneNumberID, err)
	}
	return b, nil
}

func (r *BusinessRepository) VerifyTokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM business_profiles WHERE webhook_verify_token = $1)
	`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup verify token: %w", err)
	}
	return exists, nil
}

// GetAIStyleConfig returns nil when the business never saved a config
func (r *BusinessRepository) GetAIStyleConfig(ctx context.Context, businessID string) (*entities.AIStyleConfig, error) {
	cfg := entities.AIStyleConfig{BusinessID: businessID}
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(response_style, ''), enable_audio, enable_buttons,
		       COALESCE(fallback_message, ''), transfer_keywords, COALESCE(voice_id, '')
		FROM ai_configs WHERE business_id = $1
	`, businessID).Scan(
		&cfg.ResponseStyle, &cfg.EnableAudio, &cfg.EnableButtons,
		&cfg.FallbackMessage, &cfg.TransferKeywords, &cfg.VoiceID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Not found is not strictly an error
		}
		return nil, fmt.Errorf("get ai config %s: %w", businessID, err)
	}
	return &cfg, nil
}
