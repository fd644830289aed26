package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"iara_bot/internal/entities"
)

// MaxMediaBytes caps inbound media downloads.
const MaxMediaBytes = 16 << 20

// WhatsAppBusinessClient talks to the WhatsApp Cloud API. It is stateless with respect to
// businesses: credentials travel with each call.
type WhatsAppBusinessClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewWhatsAppBusinessClient(baseURL string, timeout time.Duration) *WhatsAppBusinessClient {
	return &WhatsAppBusinessClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer from the Graph API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api: status %d: %s", e.StatusCode, e.Body)
}

func (w *WhatsAppBusinessClient) SendText(ctx context.Context, creds entities.ChannelCredentials, to, body string) error {
	return w.sendMessage(ctx, creds, map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text": map[string]string{
			"body": body,
		},
	})
}

func (w *WhatsAppBusinessClient) SendAudio(ctx context.Context, creds entities.ChannelCredentials, to string, audio entities.OutboundAudio) error {
	if audio.URL == "" {
		return fmt.Errorf("send audio: no public link")
	}
	return w.sendMessage(ctx, creds, map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "audio",
		"audio": map[string]string{
			"link": audio.URL,
		},
	})
}

func (w *WhatsAppBusinessClient) sendMessage(ctx context.Context, creds entities.ChannelCredentials, payload map[string]interface{}) error {
	if creds.AccessToken == "" || creds.PhoneNumberID == "" {
		return fmt.Errorf("send message: %w", entities.ErrNotConfigured)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// FetchMedia resolves a media id to its download URL and downloads it with the same token.
func (w *WhatsAppBusinessClient) FetchMedia(ctx context.Context, creds entities.ChannelCredentials, mediaID string) (entities.Media, error) {
	if creds.AccessToken == "" {
		return entities.Media{}, fmt.Errorf("fetch media: %w", entities.ErrNotConfigured)
	}
	if mediaID == "" {
		return entities.Media{}, fmt.Errorf("fetch media: empty media id")
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := w.getJSON(ctx, creds.AccessToken, fmt.Sprintf("%s/%s", w.baseURL, mediaID), &meta); err != nil {
		return entities.Media{}, fmt.Errorf("resolve media %s: %w", mediaID, err)
	}
	if meta.URL == "" {
		return entities.Media{}, fmt.Errorf("resolve media %s: no url in response", mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return entities.Media{}, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return entities.Media{}, fmt.Errorf("download media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return entities.Media{}, fmt.Errorf("download media %s: %w", mediaID, err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return entities.Media{}, fmt.Errorf("download media %s: %w", mediaID, err)
	}
	if len(data) > MaxMediaBytes {
		return entities.Media{}, fmt.Errorf("download media %s: larger than %d bytes", mediaID, MaxMediaBytes)
	}

	mime := meta.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	return entities.Media{Data: data, MimeType: mime}, nil
}

func (w *WhatsAppBusinessClient) getJSON(ctx context.Context, token, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
