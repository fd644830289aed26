package usecases

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type failingBusinessStore struct{ *memStore }

func (failingBusinessStore) VerifyTokenExists(context.Context, string) (bool, error) {
	return false, errBoom
}

func TestWebhookVerifier(t *testing.T) {
	store := newFixture().store

	tests := []struct {
		name   string
		shared string
		token  string
		want   bool
	}{
		{"shared secret", "process-secret", "process-secret", true},
		{"business token", "process-secret", "loja-azul-verify", true},
		{"business token without shared secret", "", "loja-azul-verify", true},
		{"wrong token", "process-secret", "nope", false},
		{"empty token", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewWebhookVerifier(tt.shared, store, zerolog.Nop())
			assert.Equal(t, tt.want, v.Verify(context.Background(), "subscribe", tt.token))
		})
	}
}

func TestWebhookVerifierStoreErrorFallsBackToSharedSecret(t *testing.T) {
	store := failingBusinessStore{memStore: newMemStore()}

	v := NewWebhookVerifier("process-secret", store, zerolog.Nop())
	assert.True(t, v.Verify(context.Background(), "subscribe", "process-secret"))
	assert.False(t, v.Verify(context.Background(), "subscribe", "other"))
}
