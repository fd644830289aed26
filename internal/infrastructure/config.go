package infrastructure

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	LogPretty   bool
	JWTSecret   string

	WhatsApp   WhatsAppConfig
	Completion CompletionConfig
	Gemini     GeminiConfig
	OpenAI     OpenAIConfig
	Media      MediaConfig
	Telegram   TelegramConfig
	Pipeline   PipelineConfig
}

type WhatsAppConfig struct {
	GraphURL       string
	VerifyToken    string // process-wide handshake secret
	AppSecret      string // enables X-Hub-Signature-256 checks
	AccessToken    string // fallback only, business records win
	PhoneNumberID  string
	SendRate       float64
	SendBurst      int
	DevicesEnabled bool
	DevicesDir     string
}

type CompletionConfig struct {
	Provider    string // "openai" (any OpenAI-compatible API) or "gemini"
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type OpenAIConfig struct {
	APIKey                string
	BaseURL               string
	TranscriptionModel    string
	TranscriptionLanguage string
	SpeechModel           string
	SpeechVoice           string
}

type MediaConfig struct {
	Dir           string
	PublicBaseURL string
}

type TelegramConfig struct {
	BotToken      string
	HandoffChatID int64
}

type PipelineConfig struct {
	HistoryLimit      int
	CallTimeout       time.Duration
	CompletionTimeout time.Duration
	ContextTimeout    time.Duration
}

// LoadConfig reads .env (if present) and the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", "0.0.0.0:8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getEnvBool("LOG_PRETTY", false),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		WhatsApp: WhatsAppConfig{
			GraphURL:       strings.TrimRight(getEnv("WHATSAPP_GRAPH_URL", "https://graph.facebook.com/v18.0"), "/"),
			VerifyToken:    os.Getenv("WHATSAPP_VERIFY_TOKEN"),
			AppSecret:      os.Getenv("WHATSAPP_APP_SECRET"),
			AccessToken:    os.Getenv("WHATSAPP_ACCESS_TOKEN"),
			PhoneNumberID:  os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
			SendRate:       getEnvFloat("WHATSAPP_SEND_RATE", 20),
			SendBurst:      getEnvInt("WHATSAPP_SEND_BURST", 40),
			DevicesEnabled: getEnvBool("WHATSAPP_DEVICES_ENABLED", false),
			DevicesDir:     getEnv("WHATSAPP_DEVICES_DIR", "devices"),
		},
		Completion: CompletionConfig{
			Provider:    strings.ToLower(getEnv("COMPLETION_PROVIDER", "openai")),
			APIKey:      getEnv("COMPLETION_API_KEY", os.Getenv("DEEPSEEK_API_KEY")),
			BaseURL:     getEnv("COMPLETION_BASE_URL", "https://api.deepseek.com/v1"),
			Model:       getEnv("COMPLETION_MODEL", "deepseek-chat"),
			MaxTokens:   getEnvInt("COMPLETION_MAX_TOKENS", 500),
			Temperature: float32(getEnvFloat("COMPLETION_TEMPERATURE", 0.7)),
		},
		Gemini: GeminiConfig{
			APIKey: os.Getenv("GEMINI_API_KEY"),
			Model:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		OpenAI: OpenAIConfig{
			APIKey:                os.Getenv("OPENAI_API_KEY"),
			BaseURL:               os.Getenv("OPENAI_BASE_URL"),
			TranscriptionModel:    getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
			TranscriptionLanguage: getEnv("TRANSCRIPTION_LANGUAGE", "pt"),
			SpeechModel:           getEnv("SPEECH_MODEL", "tts-1"),
			SpeechVoice:           getEnv("SPEECH_VOICE", "nova"),
		},
		Media: MediaConfig{
			Dir:           getEnv("MEDIA_DIR", "media"),
			PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		},
		Telegram: TelegramConfig{
			BotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
			HandoffChatID: int64(getEnvInt("TELEGRAM_HANDOFF_CHAT_ID", 0)),
		},
		Pipeline: PipelineConfig{
			HistoryLimit:      getEnvInt("HISTORY_LIMIT", 10),
			CallTimeout:       getEnvDuration("CALL_TIMEOUT", 20*time.Second),
			CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT", 45*time.Second),
			ContextTimeout:    getEnvDuration("CONTEXT_TIMEOUT", 5*time.Second),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Completion.Provider != "openai" && cfg.Completion.Provider != "gemini" {
		return nil, fmt.Errorf("unknown COMPLETION_PROVIDER %q", cfg.Completion.Provider)
	}
	if cfg.Pipeline.HistoryLimit < 0 {
		cfg.Pipeline.HistoryLimit = 0
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getEnvFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
