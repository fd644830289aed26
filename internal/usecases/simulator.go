package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"iara_bot/internal/entities"
)

type SimulateRequest struct {
	BusinessID     string `json:"business_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type SimulateResult struct {
	Response    string       `json:"response"`
	AIGenerated bool         `json:"ai_generated"`
	ContextUsed ContextStats `json:"context_used"`
}

// ErrInvalidRequest marks caller mistakes in a simulation request.
var ErrInvalidRequest = errors.New("invalid request")

// Simulate answers a message the way the webhook path would, without dispatching it. Messages
// are persisted only when the request names an existing conversation of the business.
func (p *Pipeline) Simulate(ctx context.Context, req SimulateRequest) (*SimulateResult, error) {
	text := strings.TrimSpace(req.Message)
	if req.BusinessID == "" || text == "" {
		return nil, fmt.Errorf("%w: business_id and message are required", ErrInvalidRequest)
	}

	cctx, cancel := p.callCtx(ctx)
	business, err := p.deps.Businesses.GetBusinessByID(cctx, req.BusinessID)
	cancel()
	if err != nil {
		return nil, err
	}

	cctx, cancel = p.callCtx(ctx)
	cfg, err := p.deps.Businesses.GetAIStyleConfig(cctx, business.ID)
	cancel()
	if err != nil {
		p.log.Error().Err(err).Str("business_id", business.ID).Msg("ai config lookup failed, using defaults")
		cfg = nil
	}
	style := entities.ResolveStyle(cfg)
	start := p.cfg.Now()

	var inboundID string
	if req.ConversationID != "" {
		cctx, cancel = p.callCtx(ctx)
		conv, err := p.deps.Conversations.GetConversation(cctx, req.ConversationID)
		cancel()
		if err != nil {
			return nil, err
		}
		if conv.BusinessID != business.ID {
			return nil, fmt.Errorf("conversation %s: %w", req.ConversationID, entities.ErrNotFound)
		}

		inboundID = ulid.Make().String()
		if err := p.persistSimulated(ctx, &entities.Message{
			ID:             inboundID,
			ConversationID: conv.ID,
			Direction:      entities.DirectionInbound,
			Type:           entities.MessageText,
			Content:        text,
			CreatedAt:      start,
		}); err != nil {
			return nil, err
		}

		cctx, cancel = p.callCtx(ctx)
		err = p.deps.Conversations.TouchConversation(cctx, conv.ID, start)
		cancel()
		if err != nil {
			p.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("conversation activity not updated")
		}
	}

	gc, err := p.assembler.Build(ctx, business, style, req.ConversationID, inboundID, p.cfg.Now())
	if err != nil {
		return nil, err
	}

	result := &SimulateResult{ContextUsed: gc.Stats}
	reply, err := p.complete(ctx, gc, text, p.cfg.PreviewMaxTokens)
	if err != nil {
		p.log.Error().Err(err).Str("business_id", business.ID).Msg("simulation completion failed, using fallback")
		reply = style.FallbackMessage
	} else {
		result.AIGenerated = true
	}
	result.Response = reply

	if req.ConversationID != "" {
		ms := p.cfg.Now().Sub(start).Milliseconds()
		if err := p.persistSimulated(ctx, &entities.Message{
			ID:                  ulid.Make().String(),
			ConversationID:      req.ConversationID,
			Direction:           entities.DirectionOutbound,
			Type:                entities.MessageText,
			Content:             reply,
			AIResponseGenerated: result.AIGenerated,
			ProcessingTimeMs:    &ms,
			CreatedAt:           p.cfg.Now(),
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *Pipeline) persistSimulated(ctx context.Context, msg *entities.Message) error {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	if err := p.deps.Messages.CreateMessage(cctx, msg); err != nil {
		return fmt.Errorf("persist simulated %s message: %w", msg.Direction, err)
	}
	return nil
}
