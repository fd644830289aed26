package infrastructure

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"iara_bot/internal/entities"
)

// GeminiClient is the alternative completion backend.
type GeminiClient struct {
	client      *genai.Client
	modelName   string
	temperature float32
}

func NewGeminiClient(ctx context.Context, apiKey, modelName string, temperature float32) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", entities.ErrNotConfigured)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	return &GeminiClient{client: client, modelName: modelName, temperature: temperature}, nil
}

// Complete maps system turns to the system instruction, assistant turns to the "model" role and
// sends the final user turn through a chat session.
func (g *GeminiClient) Complete(ctx context.Context, turns []entities.Turn, maxTokens int) (string, error) {
	if len(turns) == 0 || turns[len(turns)-1].Role != entities.RoleUser {
		return "", fmt.Errorf("gemini: last turn must be from the user")
	}

	model := g.client.GenerativeModel(g.modelName)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.SetTemperature(g.temperature)

	var system []string
	var history []*genai.Content
	for _, t := range turns[:len(turns)-1] {
		switch t.Role {
		case entities.RoleSystem:
			system = append(system, t.Content)
		case entities.RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(t.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.Content)}})
		}
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}

	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(turns[len(turns)-1].Content))
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini completion (malformed): empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", fmt.Errorf("gemini completion (malformed): no text parts")
	}
	return reply, nil
}

func (g *GeminiClient) Close() error {
	return g.client.Close()
}
