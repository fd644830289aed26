package usecases

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iara_bot/internal/entities"
)

func TestProcessTextReplyLojaAzul(t *testing.T) {
	f := newFixture()

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Qual o preço da camisa polo?"))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Duplicate)
	assert.True(t, res.AIGenerated)
	assert.NotEmpty(t, res.ConversationID)

	require.Equal(t, 1, f.completer.callCount())
	turns := f.completer.calls[0]
	require.Len(t, turns, 2)
	assert.Equal(t, entities.RoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Content, "1. Camisa Polo | Preço: R$ 89.9 | Estoque: 5 unidades")
	assert.Equal(t, entities.Turn{Role: entities.RoleUser, Content: "Qual o preço da camisa polo?"}, turns[1])
	assert.Equal(t, []int{500}, f.completer.maxTokens)

	msgs := f.store.allMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, entities.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "wamid.1", msgs[0].ProviderMessageID)
	assert.Equal(t, entities.DirectionOutbound, msgs[1].Direction)
	assert.True(t, msgs[1].AIResponseGenerated)
	assert.Equal(t, f.completer.reply, msgs[1].Content)
	require.NotNil(t, msgs[1].ProcessingTimeMs)

	sent := f.dispatcher.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, contactID, sent[0].to)
	assert.Equal(t, f.completer.reply, sent[0].body)
	assert.Equal(t, "biz-token", sent[0].creds.AccessToken)

	assert.Equal(t, 1, f.store.received[lojaAzulID])
	assert.Equal(t, 1, f.store.sent[lojaAzulID])
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture()
	p := f.pipeline()
	ev := textEvent("wamid.dup", "Oi")

	_, err := p.Process(context.Background(), ev)
	require.NoError(t, err)

	res, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, StateDone, res.State)

	assert.Len(t, f.store.allMessages(), 2)
	assert.Len(t, f.dispatcher.sentTexts(), 1)
	assert.Equal(t, 1, f.completer.callCount())
}

func TestProcessConcurrentRedeliveryLosesInsert(t *testing.T) {
	f := newFixture()
	p := f.pipeline()
	ev := textEvent("wamid.race", "Oi")

	_, err := p.Process(context.Background(), ev)
	require.NoError(t, err)

	f.store.hideExisting = true
	res, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, f.store.allMessages(), 2)
	assert.Len(t, f.dispatcher.sentTexts(), 1)
}

func TestProcessBatchFirstContactCreatesOneConversation(t *testing.T) {
	f := newFixture()

	results := f.pipeline().ProcessBatch(context.Background(), []entities.InboundEvent{
		textEvent("wamid.a", "Oi"),
		textEvent("wamid.b", "Tudo bem?"),
		textEvent("wamid.c", "Quanto custa?"),
	})

	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, StateDone, r.State)
		assert.Equal(t, results[0].ConversationID, r.ConversationID)
	}
	assert.Equal(t, 1, f.store.conversationCount())
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	f := newFixture()
	f.completer.panicOn = "explode"

	unknown := textEvent("wamid.x", "Oi")
	unknown.SenderID = "999"

	// separate contacts, so no sibling turn lands in the panicking run's history
	exploding := textEvent("wamid.p", "explode")
	exploding.From = "5511977776666"

	results := f.pipeline().ProcessBatch(context.Background(), []entities.InboundEvent{
		unknown,
		exploding,
		textEvent("wamid.ok", "Oi"),
	})

	require.Len(t, results, 3)
	assert.Equal(t, StateFailed, results[0].State)
	assert.Equal(t, StateFailed, results[1].State)
	assert.Equal(t, StateDone, results[2].State)
}

func TestProcessCompletionFailureUsesConfiguredFallback(t *testing.T) {
	f := newFixture()
	f.completer.err = errBoom
	f.store.styles[lojaAzulID] = &entities.AIStyleConfig{FallbackMessage: "Já volto com sua resposta!"}

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.AIGenerated)
	assert.Equal(t, "Já volto com sua resposta!", res.Reply)

	msgs := f.store.allMessages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].AIResponseGenerated)
	assert.Equal(t, "Já volto com sua resposta!", msgs[1].Content)

	sent := f.dispatcher.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, "Já volto com sua resposta!", sent[0].body)
}

func TestProcessGenericFallbackWithoutConfig(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"completion error", func(f *fixture) { f.completer.err = errBoom }},
		{"empty completion", func(f *fixture) { f.completer.reply = "   " }},
		{"no completer", func(f *fixture) { f.deps.Completer = nil }},
		{"context failure", func(f *fixture) { f.store.catalogErr = errBoom }},
		{"config lookup failure", func(f *fixture) {
			f.store.styleErr = errBoom
			f.completer.err = errBoom
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
			require.NoError(t, err)
			assert.Equal(t, StateDone, res.State)
			assert.False(t, res.AIGenerated)

			sent := f.dispatcher.sentTexts()
			require.Len(t, sent, 1)
			assert.Equal(t, entities.DefaultFallbackMessage, sent[0].body)
		})
	}
}

func TestProcessContextFailureSkipsCompletion(t *testing.T) {
	f := newFixture()
	f.store.catalogErr = errBoom

	_, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)
	assert.Zero(t, f.completer.callCount())
}

func TestProcessUnsupportedContentIsDropped(t *testing.T) {
	f := newFixture()
	ev := textEvent("wamid.s", "")
	ev.Content = entities.UnsupportedContent{RawType: "sticker"}

	res, err := f.pipeline().Process(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, res.ConversationID)
	assert.Zero(t, f.store.conversationCount())
	assert.Empty(t, f.store.allMessages())
	assert.Empty(t, f.dispatcher.sentTexts())
}

func TestProcessImageIsStoredWithoutReply(t *testing.T) {
	f := newFixture()
	ev := textEvent("wamid.img", "")
	ev.Content = entities.ImageContent{MediaID: "media-9", MimeType: "image/jpeg", Caption: "olha"}

	res, err := f.pipeline().Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)

	msgs := f.store.allMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, entities.MessageImage, msgs[0].Type)
	assert.Equal(t, "media-9", msgs[0].MediaURL)
	assert.Empty(t, f.dispatcher.sentTexts())
	assert.Zero(t, f.completer.callCount())
}

func audioEvent(id string) entities.InboundEvent {
	ev := textEvent(id, "")
	ev.Content = entities.AudioContent{MediaID: "audio-1", MimeType: "audio/ogg; codecs=opus", Voice: true}
	return ev
}

func TestProcessAudioIsTranscribed(t *testing.T) {
	f := newFixture()

	res, err := f.pipeline().Process(context.Background(), audioEvent("wamid.aud"))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)

	assert.Equal(t, "audio-1", f.media.id)
	assert.Equal(t, "biz-token", f.media.creds.AccessToken)
	assert.Equal(t, "pt", f.transcr.language)

	msgs := f.store.allMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, entities.MessageAudio, msgs[0].Type)
	assert.Equal(t, "quero a camisa polo", msgs[0].Content)
	assert.Equal(t, "quero a camisa polo", msgs[0].Transcription)

	turns := f.completer.calls[0]
	assert.Equal(t, "quero a camisa polo", turns[len(turns)-1].Content)
}

func TestProcessAudioTranscriptionDegrades(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  string
	}{
		{"transcriber error", func(f *fixture) { f.transcr.err = errBoom }, AudioErrorPlaceholder},
		{"fetch error", func(f *fixture) { f.media.err = errBoom }, AudioErrorPlaceholder},
		{"no transcriber", func(f *fixture) { f.deps.Transcriber = nil }, AudioErrorPlaceholder},
		{"empty transcription", func(f *fixture) { f.transcr.text = "" }, AudioEmptyPlaceholder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			res, err := f.pipeline().Process(context.Background(), audioEvent("wamid.aud"))
			require.NoError(t, err)
			assert.Equal(t, StateDone, res.State)

			msgs := f.store.allMessages()
			require.NotEmpty(t, msgs)
			assert.Equal(t, tt.want, msgs[0].Content)
			assert.Empty(t, msgs[0].Transcription)
			assert.Len(t, f.dispatcher.sentTexts(), 1)
		})
	}
}

func TestProcessAudioReply(t *testing.T) {
	f := newFixture()
	f.store.styles[lojaAzulID] = &entities.AIStyleConfig{EnableAudio: true, VoiceID: "shimmer"}

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, f.audio.url, res.AudioURL)
	assert.Equal(t, "shimmer", f.synth.voice)

	require.Len(t, f.dispatcher.audios, 1)
	assert.Equal(t, f.audio.url, f.dispatcher.audios[0].URL)
	assert.NotEmpty(t, f.dispatcher.audios[0].Media.Data)

	msgs := f.store.allMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, entities.MessageAudio, msgs[2].Type)
	assert.Equal(t, f.audio.url, msgs[2].MediaURL)
	assert.Equal(t, 2, f.store.sent[lojaAzulID])
}

func TestProcessAudioReplyFailuresKeepTextReply(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"synthesis error", func(f *fixture) { f.synth.err = errBoom }},
		{"store error", func(f *fixture) { f.audio.err = errBoom }},
		{"no public url", func(f *fixture) { f.audio.url = "" }},
		{"audio dispatch error", func(f *fixture) { f.dispatcher.audioErr = errBoom }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.store.styles[lojaAzulID] = &entities.AIStyleConfig{EnableAudio: true}
			tt.setup(f)

			res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
			require.NoError(t, err)
			assert.Equal(t, StateDone, res.State)
			assert.Empty(t, res.AudioURL)
			assert.Empty(t, f.dispatcher.audios)
			assert.Len(t, f.dispatcher.sentTexts(), 1)
		})
	}
}

func TestProcessNoAudioForFallback(t *testing.T) {
	f := newFixture()
	f.completer.err = errBoom
	f.store.styles[lojaAzulID] = &entities.AIStyleConfig{EnableAudio: true}

	_, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)
	assert.Zero(t, f.synth.calls)
}

func TestProcessDispatchFailure(t *testing.T) {
	f := newFixture()
	f.dispatcher.textErr = errBoom

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
	assert.Equal(t, StateFailed, res.State)

	// both rows stay persisted; the fallback is tried once after the AI reply
	assert.Len(t, f.store.allMessages(), 2)
	sent := f.dispatcher.sentTexts()
	require.Len(t, sent, 2)
	assert.Equal(t, f.completer.reply, sent[0].body)
	assert.Equal(t, entities.DefaultFallbackMessage, sent[1].body)
	assert.Equal(t, contactID, sent[1].to)
	assert.Zero(t, f.store.sent[lojaAzulID])
}

func TestProcessDispatchFailureOfFallbackIsNotRepeated(t *testing.T) {
	f := newFixture()
	f.completer.err = errBoom
	f.dispatcher.textErr = errBoom

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateFailed, res.State)

	sent := f.dispatcher.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, entities.DefaultFallbackMessage, sent[0].body)
}

func TestProcessBatchOnChannelRecoversPanics(t *testing.T) {
	f := newFixture()
	f.deps.Dispatcher = nil

	device := &panickingDispatcher{}
	results := f.pipeline().WithChannel(device, f.media).ProcessBatch(context.Background(), []entities.InboundEvent{
		textEvent("wamid.d1", "Oi"),
	})

	require.Len(t, results, 1)
	assert.Equal(t, StateFailed, results[0].State)
	assert.Equal(t, 1, device.calls)
}

func TestProcessStyleLookupFailureIsLogged(t *testing.T) {
	f := newFixture()
	f.store.styleErr = errBoom
	f.store.styles[lojaAzulID] = &entities.AIStyleConfig{FallbackMessage: "Volto já", EnableAudio: true}

	var buf bytes.Buffer
	p := NewPipeline(f.deps, f.cfg, zerolog.New(&buf))

	res, err := p.Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Zero(t, f.synth.calls)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var evt map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &evt))
		if evt["message"] == "ai config lookup failed, using defaults" {
			found = true
			assert.Equal(t, "error", evt["level"])
			assert.Equal(t, lojaAzulID, evt["business_id"])
			assert.Equal(t, "boom", evt["error"])
		}
	}
	assert.True(t, found)
}

func TestProcessOutboundPersistFailureSendsFallback(t *testing.T) {
	f := newFixture()
	f.store.messageErr = func(m *entities.Message) error {
		if m.Direction == entities.DirectionOutbound {
			return errBoom
		}
		return nil
	}

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)

	sent := f.dispatcher.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, entities.DefaultFallbackMessage, sent[0].body)
}

func TestProcessInboundPersistFailure(t *testing.T) {
	f := newFixture()
	f.store.messageErr = func(*entities.Message) error { return errBoom }

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, f.dispatcher.sentTexts())
}

func TestProcessUnknownBusiness(t *testing.T) {
	f := newFixture()
	ev := textEvent("wamid.1", "Oi")
	ev.SenderID = "does-not-exist"

	res, err := f.pipeline().Process(context.Background(), ev)
	require.ErrorIs(t, err, entities.ErrNotFound)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, f.store.conversationCount())
	assert.Empty(t, f.store.allMessages())
	assert.Empty(t, f.dispatcher.sentTexts())
}

func TestProcessByBusinessID(t *testing.T) {
	f := newFixture()
	ev := textEvent("DEVICE1", "Oi")
	ev.SenderID = ""
	ev.BusinessID = lojaAzulID

	res, err := f.pipeline().Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
}

func TestProcessCredentialPrecedence(t *testing.T) {
	f := newFixture()
	f.cfg.FallbackCredentials = entities.ChannelCredentials{AccessToken: "env-token", PhoneNumberID: "env-phone"}

	_, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)

	sent := f.dispatcher.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, "biz-token", sent[0].creds.AccessToken)
	assert.Equal(t, lojaAzulPhone, sent[0].creds.PhoneNumberID)
}

func TestResolveCredentials(t *testing.T) {
	fallback := entities.ChannelCredentials{AccessToken: "env-token", PhoneNumberID: "env-phone"}

	got := ResolveCredentials(entities.ChannelCredentials{AccessToken: "biz-token"}, fallback)
	assert.Equal(t, "biz-token", got.AccessToken)
	assert.Equal(t, "env-phone", got.PhoneNumberID)

	got = ResolveCredentials(entities.ChannelCredentials{}, fallback)
	assert.Equal(t, fallback, got)
}

func TestProcessHandoffNotifies(t *testing.T) {
	f := newFixture()
	f.store.styles[lojaAzulID] = &entities.AIStyleConfig{TransferKeywords: []string{"atendente"}}

	res, err := f.pipeline().Process(context.Background(), textEvent("wamid.1", "Quero falar com um atendente"))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"atendente"}, f.notifier.keywords)
	assert.Len(t, f.dispatcher.sentTexts(), 1)
}

func TestProcessHistoryFeedsNextTurn(t *testing.T) {
	f := newFixture()
	p := f.pipeline()

	_, err := p.Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)

	f.completer.reply = "Temos tamanhos P, M e G."
	_, err = p.Process(context.Background(), textEvent("wamid.2", "Quais tamanhos?"))
	require.NoError(t, err)

	require.Equal(t, 2, f.completer.callCount())
	turns := f.completer.calls[1]
	require.Len(t, turns, 4)
	assert.Equal(t, entities.RoleSystem, turns[0].Role)
	assert.Equal(t, entities.Turn{Role: entities.RoleUser, Content: "Oi"}, turns[1])
	assert.Equal(t, entities.RoleAssistant, turns[2].Role)
	assert.Equal(t, entities.Turn{Role: entities.RoleUser, Content: "Quais tamanhos?"}, turns[3])
}

func TestProcessFallbackStaysOutOfHistory(t *testing.T) {
	f := newFixture()
	f.completer.err = errBoom
	p := f.pipeline()

	_, err := p.Process(context.Background(), textEvent("wamid.1", "Oi"))
	require.NoError(t, err)

	f.completer.err = nil
	_, err = p.Process(context.Background(), textEvent("wamid.2", "Alguém aí?"))
	require.NoError(t, err)

	turns := f.completer.calls[len(f.completer.calls)-1]
	require.Len(t, turns, 2)
	assert.Equal(t, "Oi\nAlguém aí?", turns[1].Content)
	for _, turn := range turns {
		assert.False(t, strings.Contains(turn.Content, entities.DefaultFallbackMessage))
	}
}
