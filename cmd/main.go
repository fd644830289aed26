package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types/events"

	"iara_bot/internal/entities"
	"iara_bot/internal/infrastructure"
	"iara_bot/internal/interfaces"
	"iara_bot/internal/interfaces/http"
	"iara_bot/internal/repository"
	"iara_bot/internal/usecases"
)

func main() {
	cfg, err := infrastructure.LoadConfig()
	if err != nil {
		boot := infrastructure.NewLogger("info", true)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := infrastructure.NewLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL
	pgClient, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pgClient.Close()

	// Initialize Repositories
	businessRepo := repository.NewBusinessRepository(pgClient.Pool)
	catalogRepo := repository.NewCatalogRepository(pgClient.Pool)
	conversationRepo := repository.NewConversationRepository(pgClient.Pool)
	messageRepo := repository.NewMessageRepository(pgClient.Pool)
	usageRepo := repository.NewUsageRepository(pgClient.Pool)

	deps := usecases.PipelineDeps{
		Businesses:    businessRepo,
		Catalog:       catalogRepo,
		Conversations: conversationRepo,
		Messages:      messageRepo,
		Usage:         usageRepo,
	}

	completer, closeCompleter := newCompleter(ctx, cfg, log)
	defer closeCompleter()
	if completer != nil {
		deps.Completer = completer
	}

	if cfg.OpenAI.APIKey != "" {
		speech := infrastructure.NewOpenAIClient(infrastructure.OpenAIClientConfig{
			APIKey:             cfg.OpenAI.APIKey,
			BaseURL:            cfg.OpenAI.BaseURL,
			TranscriptionModel: cfg.OpenAI.TranscriptionModel,
			SpeechModel:        cfg.OpenAI.SpeechModel,
			Voice:              cfg.OpenAI.SpeechVoice,
		})
		deps.Transcriber = speech
		deps.Synthesizer = speech
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set: audio transcription and synthesis disabled")
	}

	cloud := infrastructure.NewWhatsAppBusinessClient(cfg.WhatsApp.GraphURL, cfg.Pipeline.CallTimeout)
	sendLimiter := infrastructure.NewMessageRateLimiter(cfg.WhatsApp.SendRate, cfg.WhatsApp.SendBurst)
	defer sendLimiter.Stop()
	deps.Dispatcher = infrastructure.NewThrottledDispatcher(cloud, sendLimiter)
	deps.Media = cloud

	audioStore, err := infrastructure.NewDiskAudioStore(cfg.Media.Dir, cfg.Media.PublicBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare media directory")
	}
	deps.AudioStore = audioStore

	if notifier, err := infrastructure.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.HandoffChatID); err == nil {
		deps.Notifier = notifier
		log.Info().Str("bot", notifier.Bot.Self.UserName).Msg("telegram handoff alerts enabled")
	} else if !errors.Is(err, entities.ErrNotConfigured) {
		log.Warn().Err(err).Msg("telegram handoff alerts disabled")
	}

	pipeline := usecases.NewPipeline(deps, usecases.PipelineConfig{
		HistoryLimit:      cfg.Pipeline.HistoryLimit,
		MaxReplyTokens:    cfg.Completion.MaxTokens,
		CallTimeout:       cfg.Pipeline.CallTimeout,
		CompletionTimeout: cfg.Pipeline.CompletionTimeout,
		ContextTimeout:    cfg.Pipeline.ContextTimeout,
		DefaultLanguage:   cfg.OpenAI.TranscriptionLanguage,
		FallbackCredentials: entities.ChannelCredentials{
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		},
	}, log)
	verifier := usecases.NewWebhookVerifier(cfg.WhatsApp.VerifyToken, businessRepo, log)

	// Linked-device sessions (optional second transport)
	var devicesWG sync.WaitGroup
	var waManager *infrastructure.WhatsAppManager
	if cfg.WhatsApp.DevicesEnabled {
		waManager, err = infrastructure.NewWhatsAppManager(cfg.WhatsApp.DevicesDir, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to prepare device store")
		}
		waManager.HandlerFactory = func(businessID string) func(interface{}) {
			return func(evt interface{}) {
				msg, ok := evt.(*events.Message)
				if !ok {
					return
				}
				client := waManager.GetClient(businessID)
				if client == nil {
					return
				}
				ev, ok := client.ToInboundEvent(msg)
				if !ok {
					return
				}
				devicesWG.Add(1)
				go func() {
					defer devicesWG.Done()
					pipeline.WithChannel(client, client).ProcessBatch(context.WithoutCancel(ctx), []entities.InboundEvent{ev})
				}()
			}
		}
		restored := waManager.RestoreSessions(ctx)
		log.Info().Strs("businesses", restored).Msg("linked devices restored")
		defer waManager.DisconnectAll()
	}

	var authMiddleware *http.Middleware
	if cfg.JWTSecret != "" {
		authMiddleware = http.NewMiddleware(cfg.JWTSecret)
	} else {
		log.Warn().Msg("JWT_SECRET not set: operator API disabled")
	}

	handler := http.NewHandler(pipeline, verifier, pipeline, usageRepo, waManager, http.HandlerConfig{
		AppSecret: cfg.WhatsApp.AppSecret,
		MediaDir:  audioStore.Dir(),
	}, log)

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	http.SetupRoutes(r, handler, authMiddleware)

	srv := &nethttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	handler.Wait()
	devicesWG.Wait()
}

// newCompleter picks the completion backend. A missing key leaves the pipeline on fallback replies.
func newCompleter(ctx context.Context, cfg *infrastructure.Config, log zerolog.Logger) (interfaces.Completer, func()) {
	noop := func() {}

	switch cfg.Completion.Provider {
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			log.Warn().Msg("GEMINI_API_KEY not set: replies will use the fallback message")
			return nil, noop
		}
		client, err := infrastructure.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Completion.Temperature)
		if err != nil {
			log.Error().Err(err).Msg("gemini client unavailable: replies will use the fallback message")
			return nil, noop
		}
		return client, func() { _ = client.Close() }
	default:
		if cfg.Completion.APIKey == "" {
			log.Warn().Msg("COMPLETION_API_KEY not set: replies will use the fallback message")
			return nil, noop
		}
		return infrastructure.NewOpenAIClient(infrastructure.OpenAIClientConfig{
			APIKey:      cfg.Completion.APIKey,
			BaseURL:     cfg.Completion.BaseURL,
			Model:       cfg.Completion.Model,
			Temperature: cfg.Completion.Temperature,
		}), noop
	}
}
