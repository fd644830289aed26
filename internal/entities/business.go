package entities

import "strings"

// Tone is the communication register the assistant should use.
type Tone string

const (
	ToneFormal       Tone = "formal"
	ToneCasual       Tone = "casual"
	ToneFriendly     Tone = "friendly"
	ToneProfessional Tone = "professional"
)

// ResponseStyle controls reply verbosity.
type ResponseStyle string

const (
	StyleConcise  ResponseStyle = "concise"
	StyleBalanced ResponseStyle = "balanced"
	StyleDetailed ResponseStyle = "detailed"
)

// DefaultFallbackMessage is sent when generation fails and the business has no fallback configured.
const DefaultFallbackMessage = "Desculpe, estou com dificuldades técnicas no momento. Tente novamente em alguns instantes."

// ChannelCredentials are the WhatsApp Cloud API credentials used to reply on behalf of a business.
type ChannelCredentials struct {
	AccessToken   string `json:"-"`
	PhoneNumberID string `json:"phone_number_id"` // Sender identifier the webhook metadata refers to
	VerifyToken   string `json:"-"`               // Webhook handshake secret
}

// BusinessProfile is the tenant identity driving one bot.
type BusinessProfile struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Industry      string             `json:"industry"`
	Tone          Tone               `json:"tone"`
	AIName        string             `json:"ai_name"`
	AIPersonality string             `json:"ai_personality"`
	Locale        string             `json:"locale"` // Transcription language hint, e.g. "pt"
	Active        bool               `json:"active"`
	Credentials   ChannelCredentials `json:"credentials"`
}

// AIStyleConfig is the per-business generation tuning as stored. Any field may be zero.
type AIStyleConfig struct {
	BusinessID       string        `json:"business_id"`
	ResponseStyle    ResponseStyle `json:"response_style"`
	EnableAudio      bool          `json:"enable_audio"`
	EnableButtons    bool          `json:"enable_buttons"`
	FallbackMessage  string        `json:"fallback_message"`
	TransferKeywords []string      `json:"transfer_keywords"`
	VoiceID          string        `json:"voice_id"`
}

// ResolvedStyle is AIStyleConfig with every default applied.
type ResolvedStyle struct {
	ResponseStyle    ResponseStyle
	EnableAudio      bool
	EnableButtons    bool
	FallbackMessage  string
	TransferKeywords []string
	VoiceID          string
}

// ResolveStyle applies defaults to an optional config: balanced style, audio off and the generic
// fallback text. Unknown response styles resolve to balanced.
func ResolveStyle(cfg *AIStyleConfig) ResolvedStyle {
	s := ResolvedStyle{
		ResponseStyle:   StyleBalanced,
		FallbackMessage: DefaultFallbackMessage,
	}
	if cfg == nil {
		return s
	}

	switch cfg.ResponseStyle {
	case StyleConcise, StyleDetailed, StyleBalanced:
		s.ResponseStyle = cfg.ResponseStyle
	}
	if msg := strings.TrimSpace(cfg.FallbackMessage); msg != "" {
		s.FallbackMessage = msg
	}
	s.EnableAudio = cfg.EnableAudio
	s.EnableButtons = cfg.EnableButtons
	s.VoiceID = cfg.VoiceID

	for _, kw := range cfg.TransferKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			s.TransferKeywords = append(s.TransferKeywords, kw)
		}
	}
	return s
}

// MatchTransferKeyword returns the first handoff keyword contained in text, ignoring case.
func (s ResolvedStyle) MatchTransferKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range s.TransferKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
