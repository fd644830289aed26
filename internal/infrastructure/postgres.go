package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}

	// Auto-migrate schema
	if err := client.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

// migrations run in order; every statement is idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{"business_profiles table", `
		CREATE TABLE IF NOT EXISTS business_profiles (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) NOT NULL,
			description TEXT,
			industry VARCHAR(100),
			tone VARCHAR(20) DEFAULT 'friendly',
			ai_name VARCHAR(100),
			ai_personality TEXT,
			locale VARCHAR(10),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			whatsapp_phone_id VARCHAR(64),
			whatsapp_token TEXT,
			webhook_verify_token VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"business_profiles phone index", `
		CREATE INDEX IF NOT EXISTS idx_business_profiles_phone ON business_profiles (whatsapp_phone_id);
	`},
	{"business_profiles verify token index", `
		CREATE INDEX IF NOT EXISTS idx_business_profiles_verify ON business_profiles (webhook_verify_token);
	`},
	{"ai_configs table", `
		CREATE TABLE IF NOT EXISTS ai_configs (
			business_id UUID PRIMARY KEY REFERENCES business_profiles(id) ON DELETE CASCADE,
			response_style VARCHAR(20) DEFAULT 'balanced',
			enable_audio BOOLEAN NOT NULL DEFAULT FALSE,
			enable_buttons BOOLEAN NOT NULL DEFAULT FALSE,
			fallback_message TEXT,
			transfer_keywords TEXT[] NOT NULL DEFAULT '{}',
			voice_id VARCHAR(100),
			voice_provider VARCHAR(50),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"products table", `
		CREATE TABLE IF NOT EXISTS products (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			business_id UUID NOT NULL REFERENCES business_profiles(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			price DECIMAL(15, 2),
			stock INT CHECK (stock >= 0),
			category VARCHAR(100),
			image_url TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"policies table", `
		CREATE TABLE IF NOT EXISTS policies (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			business_id UUID NOT NULL REFERENCES business_profiles(id) ON DELETE CASCADE,
			type VARCHAR(20) NOT NULL DEFAULT 'general',
			title VARCHAR(255) NOT NULL,
			description TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"promotions table", `
		CREATE TABLE IF NOT EXISTS promotions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			business_id UUID NOT NULL REFERENCES business_profiles(id) ON DELETE CASCADE,
			title VARCHAR(255) NOT NULL,
			description TEXT,
			discount_percentage DECIMAL(5, 2),
			discount_amount DECIMAL(15, 2),
			valid_from TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			valid_until TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"conversations table", `
		CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			business_id UUID NOT NULL REFERENCES business_profiles(id) ON DELETE CASCADE,
			whatsapp_contact_id VARCHAR(64) NOT NULL,
			contact_phone VARCHAR(32),
			contact_name VARCHAR(255),
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (business_id, whatsapp_contact_id)
		);
	`},
	{"messages table", `
		CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(26) PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			direction VARCHAR(10) NOT NULL,
			message_type VARCHAR(20) NOT NULL,
			content TEXT,
			media_url TEXT,
			transcription TEXT,
			ai_response_generated BOOLEAN NOT NULL DEFAULT FALSE,
			processing_time_ms BIGINT,
			whatsapp_message_id VARCHAR(128) UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"messages conversation index", `
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);
	`},
	{"leads table", `
		CREATE TABLE IF NOT EXISTS leads (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			business_id UUID NOT NULL REFERENCES business_profiles(id) ON DELETE CASCADE,
			conversation_id UUID REFERENCES conversations(id) ON DELETE SET NULL,
			contact_name VARCHAR(255),
			contact_phone VARCHAR(32),
			interest_level VARCHAR(20),
			interested_products TEXT[],
			tags TEXT[],
			notes TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"message_usage table", `
		CREATE TABLE IF NOT EXISTS message_usage (
			business_id UUID NOT NULL REFERENCES business_profiles(id) ON DELETE CASCADE,
			date DATE NOT NULL,
			messages_sent INT NOT NULL DEFAULT 0,
			messages_received INT NOT NULL DEFAULT 0,
			PRIMARY KEY (business_id, date)
		);
	`},
}

func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := p.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("create %s: %w", m.name, err)
		}
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
