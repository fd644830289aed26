package usecases

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"iara_bot/internal/entities"
	"iara_bot/internal/interfaces"
)

// State is a step of the inbound message state machine.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateResolved          State = "RESOLVED"
	StateContentExtracted  State = "CONTENT_EXTRACTED"
	StatePersistedInbound  State = "PERSISTED_INBOUND"
	StateContextBuilt      State = "CONTEXT_BUILT"
	StateReplyGenerated    State = "REPLY_GENERATED"
	StatePersistedOutbound State = "PERSISTED_OUTBOUND"
	StateDispatched        State = "DISPATCHED"
	StateAudioSynthesized  State = "AUDIO_SYNTHESIZED"
	StateAudioDispatched   State = "AUDIO_DISPATCHED"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Placeholders stored when a voice note cannot be understood.
const (
	AudioEmptyPlaceholder = "Áudio não pôde ser transcrito"
	AudioErrorPlaceholder = "Erro ao processar áudio"
)

type PipelineConfig struct {
	HistoryLimit      int
	MaxReplyTokens    int
	PreviewMaxTokens  int
	CallTimeout       time.Duration // per outbound call and persistence step
	CompletionTimeout time.Duration
	ContextTimeout    time.Duration // whole scatter/gather group
	DefaultLanguage   string

	// Used only for fields the business record leaves empty.
	FallbackCredentials entities.ChannelCredentials

	Now func() time.Time
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.MaxReplyTokens <= 0 {
		c.MaxReplyTokens = 500
	}
	if c.PreviewMaxTokens <= 0 {
		c.PreviewMaxTokens = 800
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = 45 * time.Second
	}
	if c.ContextTimeout <= 0 {
		c.ContextTimeout = 5 * time.Second
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "pt"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// PipelineDeps holds the stores and adapters. Completer, Transcriber, Synthesizer, AudioStore,
// Notifier and Usage may be nil; the pipeline degrades instead of failing.
type PipelineDeps struct {
	Businesses    interfaces.BusinessStore
	Catalog       interfaces.CatalogStore
	Conversations interfaces.ConversationStore
	Messages      interfaces.MessageStore
	Usage         interfaces.UsageRecorder

	Completer   interfaces.Completer
	Transcriber interfaces.Transcriber
	Synthesizer interfaces.Synthesizer
	Media       interfaces.MediaFetcher
	Dispatcher  interfaces.Dispatcher
	AudioStore  interfaces.AudioStore
	Notifier    interfaces.HandoffNotifier
}

// Pipeline turns one inbound message into a persisted exchange and a dispatched reply.
type Pipeline struct {
	deps      PipelineDeps
	cfg       PipelineConfig
	resolver  *ConversationResolver
	assembler *ContextAssembler
	log       zerolog.Logger
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig, log zerolog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		deps:      deps,
		cfg:       cfg,
		resolver:  NewConversationResolver(deps.Conversations),
		assembler: NewContextAssembler(deps.Catalog, deps.Messages, cfg.HistoryLimit, cfg.ContextTimeout),
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// WithChannel returns a copy bound to another transport, e.g. a linked device.
func (p *Pipeline) WithChannel(dispatcher interfaces.Dispatcher, media interfaces.MediaFetcher) *Pipeline {
	cp := *p
	cp.deps.Dispatcher = dispatcher
	cp.deps.Media = media
	return &cp
}

// Result describes how one message ended.
type Result struct {
	RunID          string
	State          State
	Duplicate      bool
	ConversationID string
	Reply          string
	AIGenerated    bool
	AudioURL       string
}

// run carries per-message state through the steps.
type run struct {
	id       string
	started  time.Time
	log      zerolog.Logger
	now      func() time.Time
	ev       entities.InboundEvent
	business *entities.BusinessProfile
	creds    entities.ChannelCredentials
	style    entities.ResolvedStyle
	conv     *entities.Conversation
	result   Result
}

func (r *run) elapsed() time.Duration {
	return r.now().Sub(r.started)
}

func (r *run) to(s State) {
	r.result.State = s
	level := zerolog.DebugLevel
	if s == StateDone {
		level = zerolog.InfoLevel
	}
	r.log.WithLevel(level).
		Str("state", string(s)).
		Int64("elapsed_ms", r.elapsed().Milliseconds()).
		Msg("pipeline transition")
}

func (r *run) fail(step string, err error) (Result, error) {
	r.result.State = StateFailed
	r.log.Error().Err(err).
		Str("state", string(StateFailed)).
		Str("step", step).
		Int64("elapsed_ms", r.elapsed().Milliseconds()).
		Msg("pipeline transition")
	return r.result, fmt.Errorf("%s: %w", step, err)
}

func (p *Pipeline) newRun(ev entities.InboundEvent) *run {
	id := ulid.Make().String()
	r := &run{
		id:      id,
		started: p.cfg.Now(),
		now:     p.cfg.Now,
		ev:      ev,
		result:  Result{RunID: id},
	}
	r.log = p.log.With().
		Str("run_id", id).
		Str("provider_message_id", ev.ProviderMessageID).
		Str("message_type", string(kindOf(ev.Content))).
		Logger()
	return r
}

func kindOf(c entities.Content) entities.MessageType {
	if c == nil {
		return entities.MessageUnsupported
	}
	return c.Kind()
}

func (p *Pipeline) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}

// ProcessBatch runs one pipeline per event concurrently and waits for all of them. A failure or
// panic in one event never affects its siblings.
func (p *Pipeline) ProcessBatch(ctx context.Context, events []entities.InboundEvent) []Result {
	results := make([]Result, len(events))
	var wg sync.WaitGroup
	for i, ev := range events {
		wg.Add(1)
		go func(i int, ev entities.InboundEvent) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					p.log.Error().
						Interface("panic", rec).
						Str("provider_message_id", ev.ProviderMessageID).
						Str("stack", string(debug.Stack())).
						Msg("pipeline panic recovered")
					results[i] = Result{State: StateFailed}
				}
			}()
			res, err := p.Process(ctx, ev)
			if err != nil {
				p.log.Warn().Err(err).Str("run_id", res.RunID).Msg("message not processed")
			}
			results[i] = res
		}(i, ev)
	}
	wg.Wait()
	return results
}

// Process runs the state machine for one inbound message.
func (p *Pipeline) Process(ctx context.Context, ev entities.InboundEvent) (Result, error) {
	r := p.newRun(ev)
	r.to(StateReceived)

	// Redeliveries stop here, before any write.
	if ev.ProviderMessageID != "" {
		cctx, cancel := p.callCtx(ctx)
		exists, err := p.deps.Messages.MessageExists(cctx, ev.ProviderMessageID)
		cancel()
		if err != nil {
			return r.fail("check duplicate", err)
		}
		if exists {
			return p.duplicate(r), nil
		}
	}

	if err := p.loadBusiness(ctx, r); err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			r.result.State = StateFailed
			r.log.Warn().Str("sender_id", ev.SenderID).Msg("no business for sender, dropping message")
			return r.result, err
		}
		return r.fail("load business", err)
	}

	if _, ok := ev.Content.(entities.UnsupportedContent); ok || ev.Content == nil {
		r.log.Info().Msg("unsupported message type, nothing to do")
		r.to(StateDone)
		return r.result, nil
	}

	cctx, cancel := p.callCtx(ctx)
	conv, err := p.resolver.Resolve(cctx, r.business.ID, ev.From, ev.ContactName, p.activityTime(ev))
	cancel()
	if err != nil {
		return r.fail("resolve conversation", err)
	}
	r.conv = conv
	r.result.ConversationID = conv.ID
	r.log = r.log.With().Str("conversation_id", conv.ID).Logger()
	r.to(StateResolved)

	content, transcription := p.extractContent(ctx, r)
	r.to(StateContentExtracted)

	inbound := &entities.Message{
		ID:                ulid.Make().String(),
		ConversationID:    conv.ID,
		Direction:         entities.DirectionInbound,
		Type:              ev.Content.Kind(),
		Content:           content,
		MediaURL:          entities.MediaRef(ev.Content),
		Transcription:     transcription,
		ProviderMessageID: ev.ProviderMessageID,
		CreatedAt:         p.cfg.Now(),
	}
	cctx, cancel = p.callCtx(ctx)
	err = p.deps.Messages.CreateMessage(cctx, inbound)
	cancel()
	if errors.Is(err, entities.ErrDuplicate) {
		return p.duplicate(r), nil
	}
	if err != nil {
		return r.fail("persist inbound", err)
	}
	r.to(StatePersistedInbound)
	p.recordUsage(ctx, r, true)

	if !repliesTo(ev.Content) {
		r.log.Info().Msg("no reply for media without text")
		r.to(StateDone)
		return r.result, nil
	}

	p.checkHandoff(ctx, r, content)

	reply, aiGenerated := p.replyFor(ctx, r, inbound.ID, content)
	r.result.Reply = reply
	r.result.AIGenerated = aiGenerated
	r.to(StateReplyGenerated)

	ms := r.elapsed().Milliseconds()
	outbound := &entities.Message{
		ID:                  ulid.Make().String(),
		ConversationID:      conv.ID,
		Direction:           entities.DirectionOutbound,
		Type:                entities.MessageText,
		Content:             reply,
		AIResponseGenerated: aiGenerated,
		ProcessingTimeMs:    &ms,
		CreatedAt:           p.cfg.Now(),
	}
	cctx, cancel = p.callCtx(ctx)
	err = p.deps.Messages.CreateMessage(cctx, outbound)
	cancel()
	if err != nil {
		p.sendFallback(ctx, r)
		return r.fail("persist outbound", err)
	}
	r.to(StatePersistedOutbound)

	cctx, cancel = p.callCtx(ctx)
	err = p.deps.Dispatcher.SendText(cctx, r.creds, ev.From, reply)
	cancel()
	if err != nil {
		// the fallback goes out unless it was the rejected reply
		if aiGenerated {
			p.sendFallback(ctx, r)
		}
		return r.fail("dispatch", err)
	}
	p.recordUsage(ctx, r, false)
	r.to(StateDispatched)

	if r.style.EnableAudio && aiGenerated {
		p.sendAudioReply(ctx, r, reply)
	}

	r.to(StateDone)
	return r.result, nil
}

func (p *Pipeline) duplicate(r *run) Result {
	r.result.Duplicate = true
	r.log.Info().Msg("duplicate delivery ignored")
	r.to(StateDone)
	return r.result
}

func (p *Pipeline) activityTime(ev entities.InboundEvent) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return p.cfg.Now()
}

// loadBusiness resolves the business, its credentials and its style once per run.
func (p *Pipeline) loadBusiness(ctx context.Context, r *run) error {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()

	var (
		business *entities.BusinessProfile
		err      error
	)
	if r.ev.BusinessID != "" {
		business, err = p.deps.Businesses.GetBusinessByID(cctx, r.ev.BusinessID)
	} else {
		business, err = p.deps.Businesses.GetBusinessBySenderID(cctx, r.ev.SenderID)
	}
	if err != nil {
		return err
	}

	// A missing row is (nil, nil); an error here hides a real config.
	cfg, err := p.deps.Businesses.GetAIStyleConfig(cctx, business.ID)
	if err != nil {
		r.log.Error().Err(err).Str("business_id", business.ID).Msg("ai config lookup failed, using defaults")
		cfg = nil
	}

	r.business = business
	r.creds = ResolveCredentials(business.Credentials, p.cfg.FallbackCredentials)
	r.style = entities.ResolveStyle(cfg)
	r.log = r.log.With().Str("business_id", business.ID).Logger()
	return nil
}

// ResolveCredentials applies the precedence rule: the business record wins, process-wide
// values only fill fields the record leaves empty.
func ResolveCredentials(business, fallback entities.ChannelCredentials) entities.ChannelCredentials {
	out := business
	if out.AccessToken == "" {
		out.AccessToken = fallback.AccessToken
	}
	if out.PhoneNumberID == "" {
		out.PhoneNumberID = fallback.PhoneNumberID
	}
	return out
}

// repliesTo is the reply policy: only text and voice notes can ground an answer.
func repliesTo(c entities.Content) bool {
	switch c.(type) {
	case entities.TextContent, entities.AudioContent:
		return true
	}
	return false
}

// extractContent returns the message text and, for audio, the transcription. Audio failures
// degrade to a placeholder.
func (p *Pipeline) extractContent(ctx context.Context, r *run) (string, string) {
	switch c := r.ev.Content.(type) {
	case entities.TextContent:
		return c.Body, ""
	case entities.AudioContent:
		text, err := p.transcribe(ctx, r, c)
		if err != nil {
			r.log.Warn().Err(err).Msg("audio transcription failed, using placeholder")
			return AudioErrorPlaceholder, ""
		}
		if text == "" {
			r.log.Warn().Msg("empty transcription, using placeholder")
			return AudioEmptyPlaceholder, ""
		}
		return text, text
	case entities.ImageContent:
		return "", ""
	case entities.DocumentContent:
		return "", ""
	}
	return "", ""
}

func (p *Pipeline) transcribe(ctx context.Context, r *run, c entities.AudioContent) (string, error) {
	if p.deps.Media == nil || p.deps.Transcriber == nil {
		return "", fmt.Errorf("transcription: %w", entities.ErrNotConfigured)
	}

	cctx, cancel := p.callCtx(ctx)
	media, err := p.deps.Media.FetchMedia(cctx, r.creds, c.MediaID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("fetch audio: %w", err)
	}
	if media.MimeType == "" {
		media.MimeType = c.MimeType
	}

	lang := r.business.Locale
	if lang == "" {
		lang = p.cfg.DefaultLanguage
	}
	lang, _, _ = strings.Cut(lang, "-")

	cctx, cancel = p.callCtx(ctx)
	defer cancel()
	return p.deps.Transcriber.Transcribe(cctx, media, strings.ToLower(lang))
}

func (p *Pipeline) checkHandoff(ctx context.Context, r *run, content string) {
	kw, ok := r.style.MatchTransferKeyword(content)
	if !ok {
		return
	}
	r.log.Info().Str("keyword", kw).Msg("handoff requested")
	if p.deps.Notifier == nil {
		return
	}
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	if err := p.deps.Notifier.NotifyHandoff(cctx, r.business, r.conv, content, kw); err != nil {
		r.log.Warn().Err(err).Msg("handoff notification failed")
	}
}

// replyFor builds context and asks the completer. Any failure yields the fallback message,
// reported as not AI-generated.
func (p *Pipeline) replyFor(ctx context.Context, r *run, inboundID, content string) (string, bool) {
	gc, err := p.assembler.Build(ctx, r.business, r.style, r.conv.ID, inboundID, p.cfg.Now())
	if err != nil {
		r.log.Error().Err(err).Str("step", string(StateContextBuilt)).Msg("context assembly failed, using fallback")
		return r.style.FallbackMessage, false
	}
	r.log.Debug().
		Int("products", gc.Stats.Products).
		Int("policies", gc.Stats.Policies).
		Int("promotions", gc.Stats.Promotions).
		Int("history", gc.Stats.History).
		Msg("context stats")
	r.to(StateContextBuilt)

	reply, err := p.complete(ctx, gc, content, p.cfg.MaxReplyTokens)
	if err != nil {
		r.log.Error().Err(err).Str("step", string(StateReplyGenerated)).Msg("completion failed, using fallback")
		return r.style.FallbackMessage, false
	}
	return reply, true
}

func (p *Pipeline) complete(ctx context.Context, gc *GroundingContext, content string, maxTokens int) (string, error) {
	if p.deps.Completer == nil {
		return "", fmt.Errorf("completion: %w", entities.ErrNotConfigured)
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CompletionTimeout)
	defer cancel()

	reply, err := p.deps.Completer.Complete(cctx, BuildTurns(gc.System, gc.History, content), maxTokens)
	if err != nil {
		return "", err
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		return "", fmt.Errorf("completion: empty reply")
	}
	return reply, nil
}

// sendFallback is the best-effort delivery after a failure past PERSISTED_INBOUND.
func (p *Pipeline) sendFallback(ctx context.Context, r *run) {
	cctx, cancel := p.callCtx(ctx)
	defer cancel()
	if err := p.deps.Dispatcher.SendText(cctx, r.creds, r.ev.From, r.style.FallbackMessage); err != nil {
		r.log.Error().Err(err).Msg("fallback dispatch failed")
		return
	}
	r.log.Info().Msg("fallback dispatched")
}

// sendAudioReply never fails the run: the text reply is already out.
func (p *Pipeline) sendAudioReply(ctx context.Context, r *run, reply string) {
	if p.deps.Synthesizer == nil || p.deps.AudioStore == nil {
		r.log.Debug().Msg("audio enabled but no synthesizer or store configured")
		return
	}

	cctx, cancel := p.callCtx(ctx)
	audio, err := p.deps.Synthesizer.Synthesize(cctx, reply, r.style.VoiceID)
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Msg("speech synthesis failed")
		return
	}
	r.to(StateAudioSynthesized)

	cctx, cancel = p.callCtx(ctx)
	url, err := p.deps.AudioStore.SaveAudio(cctx, r.business.ID, audio)
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Msg("audio storage failed")
		return
	}
	if url == "" {
		r.log.Debug().Msg("audio has no public url, skipping")
		return
	}

	ms := r.elapsed().Milliseconds()
	row := &entities.Message{
		ID:                  ulid.Make().String(),
		ConversationID:      r.conv.ID,
		Direction:           entities.DirectionOutbound,
		Type:                entities.MessageAudio,
		Content:             reply,
		MediaURL:            url,
		AIResponseGenerated: true,
		ProcessingTimeMs:    &ms,
		CreatedAt:           p.cfg.Now(),
	}
	cctx, cancel = p.callCtx(ctx)
	err = p.deps.Messages.CreateMessage(cctx, row)
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Msg("persist audio reply failed")
		return
	}

	cctx, cancel = p.callCtx(ctx)
	err = p.deps.Dispatcher.SendAudio(cctx, r.creds, r.ev.From, entities.OutboundAudio{URL: url, Media: audio})
	cancel()
	if err != nil {
		r.log.Warn().Err(err).Msg("audio dispatch failed")
		return
	}
	r.result.AudioURL = url
	p.recordUsage(ctx, r, false)
	r.to(StateAudioDispatched)
}

func (p *Pipeline) recordUsage(ctx context.Context, r *run, inbound bool) {
	if p.deps.Usage == nil {
		return
	}
	cctx, cancel := p.callCtx(ctx)
	defer cancel()

	var err error
	if inbound {
		err = p.deps.Usage.IncrementReceived(cctx, r.business.ID)
	} else {
		err = p.deps.Usage.IncrementSent(cctx, r.business.ID)
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("usage counter not updated")
	}
}
