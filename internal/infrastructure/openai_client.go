package infrastructure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"iara_bot/internal/entities"
)

// OpenAIClientConfig configures one OpenAI-compatible endpoint. The same type serves the
// completion backend (DeepSeek by default) and the Whisper/TTS backend.
type OpenAIClientConfig struct {
	APIKey             string
	BaseURL            string
	Model              string
	Temperature        float32
	TopP               float32
	TranscriptionModel string
	SpeechModel        string
	Voice              string
}

// OpenAIClient implements Completer, Transcriber and Synthesizer on top of go-openai.
type OpenAIClient struct {
	client *openai.Client
	config OpenAIClientConfig
}

func NewOpenAIClient(config OpenAIClientConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	if config.TopP == 0 {
		config.TopP = 0.9
	}
	if config.TranscriptionModel == "" {
		config.TranscriptionModel = openai.Whisper1
	}
	if config.SpeechModel == "" {
		config.SpeechModel = string(openai.TTSModel1)
	}
	if config.Voice == "" {
		config.Voice = string(openai.VoiceNova)
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, turns []entities.Turn, maxTokens int) (string, error) {
	if c.config.APIKey == "" {
		return "", fmt.Errorf("completion: %w", entities.ErrNotConfigured)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: c.config.Temperature,
		TopP:        c.config.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("completion (%s): %w", classify(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion (malformed): no choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("completion (malformed): empty reply")
	}
	return reply, nil
}

func (c *OpenAIClient) Transcribe(ctx context.Context, audio entities.Media, language string) (string, error) {
	if c.config.APIKey == "" {
		return "", fmt.Errorf("transcription: %w", entities.ErrNotConfigured)
	}
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("transcription: empty audio")
	}

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.config.TranscriptionModel,
		FilePath: "audio" + audioExtension(audio.MimeType),
		Reader:   bytes.NewReader(audio.Data),
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription (%s): %w", classify(err), err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize renders text as ogg/opus, the format WhatsApp plays as a voice note.
func (c *OpenAIClient) Synthesize(ctx context.Context, text, voice string) (entities.Media, error) {
	if c.config.APIKey == "" {
		return entities.Media{}, fmt.Errorf("synthesis: %w", entities.ErrNotConfigured)
	}
	if voice == "" {
		voice = c.config.Voice
	}

	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.config.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return entities.Media{}, fmt.Errorf("synthesis (%s): %w", classify(err), err)
	}
	defer resp.Close()

	data, err := io.ReadAll(io.LimitReader(resp, MaxMediaBytes))
	if err != nil {
		return entities.Media{}, fmt.Errorf("synthesis: read audio: %w", err)
	}
	if len(data) == 0 {
		return entities.Media{}, fmt.Errorf("synthesis: empty audio")
	}
	return entities.Media{Data: data, MimeType: "audio/ogg"}, nil
}

func audioExtension(mime string) string {
	switch {
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return ".mp3"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"), strings.Contains(mime, "aac"):
		return ".m4a"
	case strings.Contains(mime, "amr"):
		return ".amr"
	case strings.Contains(mime, "wav"):
		return ".wav"
	}
	return ".ogg"
}

// classify labels backend failures for logs.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth"
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return "quota"
	case status >= 500:
		return "server"
	case status >= 400:
		return "request"
	}
	return "transport"
}
