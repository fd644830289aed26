package usecases

import (
	"context"
	"crypto/subtle"

	"github.com/rs/zerolog"

	"iara_bot/internal/interfaces"
)

// WebhookVerifier answers the channel provider's subscription handshake.
type WebhookVerifier struct {
	sharedSecret string
	businesses   interfaces.BusinessStore
	log          zerolog.Logger
}

func NewWebhookVerifier(sharedSecret string, businesses interfaces.BusinessStore, log zerolog.Logger) *WebhookVerifier {
	return &WebhookVerifier{
		sharedSecret: sharedSecret,
		businesses:   businesses,
		log:          log.With().Str("component", "webhook_verifier").Logger(),
	}
}

// Verify reports whether token matches the shared secret or any business verify token. Both
// sources are always consulted so timing and output do not reveal which one matched.
func (v *WebhookVerifier) Verify(ctx context.Context, mode, token string) bool {
	if token == "" {
		v.log.Warn().Str("mode", mode).Msg("verification without token")
		return false
	}

	shared := subtle.ConstantTimeCompare([]byte(token), []byte(v.sharedSecret)) == 1 && v.sharedSecret != ""

	business, err := v.businesses.VerifyTokenExists(ctx, token)
	if err != nil {
		v.log.Error().Err(err).Msg("verify token lookup")
		business = false
	}

	ok := shared || business
	v.log.Info().Str("mode", mode).Bool("verified", ok).Msg("webhook verification")
	return ok
}
