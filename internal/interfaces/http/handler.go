package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"iara_bot/internal/entities"
	"iara_bot/internal/infrastructure"
	"iara_bot/internal/repository"
	"iara_bot/internal/usecases"
)

// Ingestor runs pipeline work for parsed webhook events.
type Ingestor interface {
	ProcessBatch(ctx context.Context, events []entities.InboundEvent) []usecases.Result
}

type Verifier interface {
	Verify(ctx context.Context, mode, token string) bool
}

type Simulator interface {
	Simulate(ctx context.Context, req usecases.SimulateRequest) (*usecases.SimulateResult, error)
}

type UsageReader interface {
	GetSummary(ctx context.Context, businessID string) (*repository.UsageSummary, error)
	GetUsageHistory(ctx context.Context, businessID string, days int) ([]repository.DailyUsage, error)
}

const (
	defaultUsageDays = 30
	maxUsageDays     = 90
)

type HandlerConfig struct {
	AppSecret string
	MediaDir  string
}

type Handler struct {
	ingestor  Ingestor
	verifier  Verifier
	simulator Simulator
	usage     UsageReader
	waManager *infrastructure.WhatsAppManager
	cfg       HandlerConfig
	log       zerolog.Logger

	inflight sync.WaitGroup
}

func NewHandler(ingestor Ingestor, verifier Verifier, simulator Simulator, usage UsageReader, waManager *infrastructure.WhatsAppManager, cfg HandlerConfig, log zerolog.Logger) *Handler {
	return &Handler{
		ingestor:  ingestor,
		verifier:  verifier,
		simulator: simulator,
		usage:     usage,
		waManager: waManager,
		cfg:       cfg,
		log:       log,
	}
}

// Wait blocks until every batch accepted by ReceiveWebhook has finished.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// SetupRoutes registers the public webhook surface and, when middleware is given, the operator API.
func SetupRoutes(r *gin.Engine, h *Handler, middleware *Middleware) {
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(10 << 20)) // 10MB max request size
	r.Use(RequestLogger(h.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public Routes
	r.GET("/webhook/whatsapp", h.VerifyWebhook)
	r.POST("/webhook/whatsapp", WebhookSignature(h.cfg.AppSecret), h.ReceiveWebhook)
	r.GET(infrastructure.AudioRoute+"/:name", h.ServeAudio)

	if middleware == nil {
		return
	}

	// Protected Operator Routes
	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimitPerUser(5, 10))
	{
		api.POST("/simulate", h.Simulate)
		api.GET("/businesses/:id/usage", h.GetUsage)

		device := api.Group("/businesses/:id/device")
		device.POST("/connect", h.ConnectDevice)
		device.GET("/qr", h.GetDeviceQRCode)
		device.GET("/status", h.GetDeviceStatus)
		device.POST("/logout", h.LogoutDevice)
	}
}

// VerifyWebhook answers the subscription handshake. Rejections carry no body.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := TruncateString(c.Query("hub.verify_token"), MaxTokenLength)
	challenge := c.Query("hub.challenge")

	if !h.verifier.Verify(c.Request.Context(), mode, token) {
		c.Status(http.StatusForbidden)
		return
	}
	c.String(http.StatusOK, challenge)
}

// ReceiveWebhook acknowledges every well-formed delivery immediately and processes it in the background.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}

	events, err := infrastructure.ParseWebhook(body)
	if err != nil {
		// Acknowledge anyway so the provider does not keep redelivering garbage
		h.log.Warn().Err(err).Int("bytes", len(body)).Msg("unreadable webhook payload")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	for i := range events {
		if t, ok := events[i].Content.(entities.TextContent); ok {
			t.Body = TruncateString(SanitizeString(t.Body), MaxMessageLength)
			events[i].Content = t
		}
	}

	if len(events) > 0 {
		ctx := context.WithoutCancel(c.Request.Context())
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.ingestor.ProcessBatch(ctx, events)
		}()
	}

	c.JSON(http.StatusOK, gin.H{"status": "received", "events": len(events)})
}

// ServeAudio exposes synthesized replies so the provider can fetch them by link.
func (h *Handler) ServeAudio(c *gin.Context) {
	name := c.Param("name")
	if h.cfg.MediaDir == "" || !ValidMediaName(name) {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Content-Type", "audio/ogg")
	c.File(filepath.Join(h.cfg.MediaDir, name))
}

func (h *Handler) Simulate(c *gin.Context) {
	var req usecases.SimulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	req.Message = TruncateString(SanitizeString(req.Message), MaxMessageLength)

	if !ValidUUID(req.BusinessID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid business_id"})
		return
	}
	if req.ConversationID != "" && !ValidUUID(req.ConversationID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation_id"})
		return
	}
	if !canAccessBusiness(c, req.BusinessID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	res, err := h.simulator.Simulate(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, usecases.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, entities.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	default:
		h.log.Error().Err(err).Str("business_id", req.BusinessID).Msg("simulation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Simulation failed"})
	}
}

func (h *Handler) GetUsage(c *gin.Context) {
	businessID, ok := businessParam(c)
	if !ok {
		return
	}

	days := defaultUsageDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxUsageDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 90"})
			return
		}
		days = n
	}

	summary, err := h.usage.GetSummary(c.Request.Context(), businessID)
	if err != nil {
		h.log.Error().Err(err).Str("business_id", businessID).Msg("usage lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch usage"})
		return
	}
	history, err := h.usage.GetUsageHistory(c.Request.Context(), businessID, days)
	if err != nil {
		h.log.Error().Err(err).Str("business_id", businessID).Msg("usage history lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "history": history})
}

// businessParam validates :id and the caller's access to it, writing the error response itself.
func businessParam(c *gin.Context) (string, bool) {
	businessID := c.Param("id")
	if !ValidUUID(businessID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid business ID"})
		return "", false
	}
	if !canAccessBusiness(c, businessID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return "", false
	}
	return businessID, true
}
