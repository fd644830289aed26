package usecases

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"iara_bot/internal/entities"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func ptrFloat(v float64) *float64 { return &v }
func ptrInt(v int) *int           { return &v }
func ptrTime(v time.Time) *time.Time {
	return &v
}

// memStore is an in-memory implementation of every store port.
type memStore struct {
	mu sync.Mutex

	businesses map[string]*entities.BusinessProfile
	styles     map[string]*entities.AIStyleConfig
	styleErr   error

	items      []entities.CatalogItem
	policies   []entities.Policy
	promos     []entities.Promotion
	catalogErr error

	conversations map[string]*entities.Conversation // keyed by business|contact
	touches       int

	messages     []entities.Message
	hideExisting bool // MessageExists always false, as when a sibling delivery is still in flight
	messageErr   func(*entities.Message) error

	received map[string]int
	sent     map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		businesses:    make(map[string]*entities.BusinessProfile),
		styles:        make(map[string]*entities.AIStyleConfig),
		conversations: make(map[string]*entities.Conversation),
		received:      make(map[string]int),
		sent:          make(map[string]int),
	}
}

func (s *memStore) GetBusinessByID(_ context.Context, id string) (*entities.BusinessProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.businesses[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) GetBusinessBySenderID(_ context.Context, phoneNumberID string) (*entities.BusinessProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.businesses {
		if b.Active && b.Credentials.PhoneNumberID == phoneNumberID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (s *memStore) VerifyTokenExists(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.businesses {
		if b.Credentials.VerifyToken != "" && b.Credentials.VerifyToken == token {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) GetAIStyleConfig(_ context.Context, businessID string) (*entities.AIStyleConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.styleErr != nil {
		return nil, s.styleErr
	}
	return s.styles[businessID], nil
}

func (s *memStore) ActiveCatalogItems(_ context.Context, _ string) ([]entities.CatalogItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.CatalogItem(nil), s.items...), s.catalogErr
}

func (s *memStore) ActivePolicies(_ context.Context, _ string) ([]entities.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.Policy(nil), s.policies...), nil
}

func (s *memStore) ActivePromotions(_ context.Context, _ string) ([]entities.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.Promotion(nil), s.promos...), nil
}

func convKey(businessID, contactID string) string { return businessID + "|" + contactID }

func (s *memStore) GetConversation(_ context.Context, id string) (*entities.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (s *memStore) FindConversation(_ context.Context, businessID, contactID string) (*entities.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[convKey(businessID, contactID)]
	if !ok {
		return nil, entities.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) CreateConversation(_ context.Context, conv *entities.Conversation) (*entities.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(conv.BusinessID, conv.ContactID)
	if _, ok := s.conversations[key]; ok {
		return nil, entities.ErrDuplicate
	}
	cp := *conv
	cp.CreatedAt = testNow
	s.conversations[key] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	for _, c := range s.conversations {
		if c.ID == id {
			if at.After(c.LastActivityAt) {
				c.LastActivityAt = at
			}
			return nil
		}
	}
	return entities.ErrNotFound
}

func (s *memStore) MessageExists(_ context.Context, providerMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideExisting {
		return false, nil
	}
	return s.hasProviderID(providerMessageID), nil
}

func (s *memStore) hasProviderID(id string) bool {
	for _, m := range s.messages {
		if m.ProviderMessageID != "" && m.ProviderMessageID == id {
			return true
		}
	}
	return false
}

func (s *memStore) CreateMessage(_ context.Context, msg *entities.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messageErr != nil {
		if err := s.messageErr(msg); err != nil {
			return err
		}
	}
	if msg.ProviderMessageID != "" && s.hasProviderID(msg.ProviderMessageID) {
		return entities.ErrDuplicate
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *memStore) RecentMessages(_ context.Context, conversationID string, limit int, excludeID string) ([]entities.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entities.Message
	for _, m := range s.messages {
		if m.ID == excludeID {
			break
		}
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) IncrementReceived(_ context.Context, businessID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[businessID]++
	return nil
}

func (s *memStore) IncrementSent(_ context.Context, businessID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[businessID]++
	return nil
}

func (s *memStore) allMessages() []entities.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.Message(nil), s.messages...)
}

func (s *memStore) conversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

type fakeCompleter struct {
	mu        sync.Mutex
	reply     string
	err       error
	panicOn   string
	calls     [][]entities.Turn
	maxTokens []int
}

func (f *fakeCompleter) Complete(_ context.Context, turns []entities.Turn, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn != "" && turns[len(turns)-1].Content == f.panicOn {
		panic("completer exploded")
	}
	f.calls = append(f.calls, turns)
	f.maxTokens = append(f.maxTokens, maxTokens)
	return f.reply, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTranscriber struct {
	text     string
	err      error
	language string
	got      entities.Media
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio entities.Media, language string) (string, error) {
	f.language = language
	f.got = audio
	return f.text, f.err
}

type fakeSynthesizer struct {
	err   error
	calls int
	voice string
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text, voice string) (entities.Media, error) {
	f.calls++
	f.voice = voice
	if f.err != nil {
		return entities.Media{}, f.err
	}
	return entities.Media{Data: []byte("OggS" + text), MimeType: "audio/ogg"}, nil
}

type fakeMedia struct {
	media entities.Media
	err   error
	creds entities.ChannelCredentials
	id    string
}

func (f *fakeMedia) FetchMedia(_ context.Context, creds entities.ChannelCredentials, mediaID string) (entities.Media, error) {
	f.creds = creds
	f.id = mediaID
	return f.media, f.err
}

type sentText struct {
	creds entities.ChannelCredentials
	to    string
	body  string
}

type fakeDispatcher struct {
	mu       sync.Mutex
	texts    []sentText
	audios   []entities.OutboundAudio
	textErr  error
	audioErr error
}

func (f *fakeDispatcher) SendText(_ context.Context, creds entities.ChannelCredentials, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{creds: creds, to: to, body: body})
	return f.textErr
}

func (f *fakeDispatcher) SendAudio(_ context.Context, _ entities.ChannelCredentials, _ string, audio entities.OutboundAudio) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioErr != nil {
		return f.audioErr
	}
	f.audios = append(f.audios, audio)
	return nil
}

// panickingDispatcher stands in for a channel adapter that blows up mid-send.
type panickingDispatcher struct {
	calls int
}

func (d *panickingDispatcher) SendText(context.Context, entities.ChannelCredentials, string, string) error {
	d.calls++
	panic("device connection dropped")
}

func (d *panickingDispatcher) SendAudio(context.Context, entities.ChannelCredentials, string, entities.OutboundAudio) error {
	panic("device connection dropped")
}

func (f *fakeDispatcher) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

type fakeAudioStore struct {
	url string
	err error
}

func (f *fakeAudioStore) SaveAudio(_ context.Context, _ string, _ entities.Media) (string, error) {
	return f.url, f.err
}

type fakeNotifier struct {
	keywords []string
}

func (f *fakeNotifier) NotifyHandoff(_ context.Context, _ *entities.BusinessProfile, _ *entities.Conversation, _, keyword string) error {
	f.keywords = append(f.keywords, keyword)
	return nil
}

var errBoom = errors.New("boom")

const (
	lojaAzulID    = "7f1e2c9a-3b4d-4e5f-8a6b-1c2d3e4f5a6b"
	lojaAzulPhone = "100200300"
	contactID     = "5511999998888"
)

type fixture struct {
	store      *memStore
	completer  *fakeCompleter
	dispatcher *fakeDispatcher
	transcr    *fakeTranscriber
	synth      *fakeSynthesizer
	media      *fakeMedia
	audio      *fakeAudioStore
	notifier   *fakeNotifier
	deps       PipelineDeps
	cfg        PipelineConfig
}

// newFixture seeds the "Loja Azul" business with one catalog item.
func newFixture() *fixture {
	store := newMemStore()
	store.businesses[lojaAzulID] = &entities.BusinessProfile{
		ID:       lojaAzulID,
		Name:     "Loja Azul",
		Industry: "Moda",
		Tone:     entities.ToneFriendly,
		AIName:   "Iara",
		Locale:   "pt-BR",
		Active:   true,
		Credentials: entities.ChannelCredentials{
			AccessToken:   "biz-token",
			PhoneNumberID: lojaAzulPhone,
			VerifyToken:   "loja-azul-verify",
		},
	}
	store.items = []entities.CatalogItem{{
		ID:         "p1",
		BusinessID: lojaAzulID,
		Name:       "Camisa Polo",
		Price:      ptrFloat(89.90),
		Stock:      ptrInt(5),
		Active:     true,
		CreatedAt:  testNow.Add(-48 * time.Hour),
	}}

	f := &fixture{
		store:      store,
		completer:  &fakeCompleter{reply: "A Camisa Polo custa R$ 89,90. Posso separar uma para você?"},
		dispatcher: &fakeDispatcher{},
		transcr:    &fakeTranscriber{text: "quero a camisa polo"},
		synth:      &fakeSynthesizer{},
		media:      &fakeMedia{media: entities.Media{Data: []byte("voice"), MimeType: "audio/ogg"}},
		audio:      &fakeAudioStore{url: "https://bot.example.com/media/audio/01J.ogg"},
		notifier:   &fakeNotifier{},
	}
	f.deps = PipelineDeps{
		Businesses:    store,
		Catalog:       store,
		Conversations: store,
		Messages:      store,
		Usage:         store,
		Completer:     f.completer,
		Transcriber:   f.transcr,
		Synthesizer:   f.synth,
		Media:         f.media,
		Dispatcher:    f.dispatcher,
		AudioStore:    f.audio,
		Notifier:      f.notifier,
	}
	f.cfg = PipelineConfig{
		HistoryLimit: 10,
		CallTimeout:  time.Second,
		Now:          func() time.Time { return testNow },
	}
	return f
}

func (f *fixture) pipeline() *Pipeline {
	return NewPipeline(f.deps, f.cfg, zerolog.Nop())
}

func textEvent(id, body string) entities.InboundEvent {
	return entities.InboundEvent{
		SenderID:          lojaAzulPhone,
		ProviderMessageID: id,
		From:              contactID,
		ContactName:       "Maria",
		Timestamp:         testNow,
		Content:           entities.TextContent{Body: body},
	}
}
