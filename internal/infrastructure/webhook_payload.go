package infrastructure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"iara_bot/internal/entities"
)

const whatsAppObject = "whatsapp_business_account"

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string       `json:"field"`
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
}

type webhookMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	Voice    bool   `json:"voice"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio    *webhookMedia `json:"audio"`
	Image    *webhookMedia `json:"image"`
	Document *webhookMedia `json:"document"`
}

// ParseWebhook turns a Cloud API webhook body into one event per message. Shapes it does not
// recognise (other objects, status updates) yield no events and no error; only malformed JSON
// is an error.
func ParseWebhook(body []byte) ([]entities.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if payload.Object != whatsAppObject {
		return nil, nil
	}

	var events []entities.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				if m.ID == "" || m.From == "" {
					continue
				}
				events = append(events, entities.InboundEvent{
					SenderID:          v.Metadata.PhoneNumberID,
					ProviderMessageID: m.ID,
					From:              m.From,
					ContactName:       names[m.From],
					Timestamp:         parseUnix(m.Timestamp),
					Content:           m.content(),
				})
			}
		}
	}
	return events, nil
}

func (m webhookMessage) content() entities.Content {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return entities.TextContent{Body: m.Text.Body}
		}
	case "audio":
		if m.Audio != nil {
			return entities.AudioContent{MediaID: m.Audio.ID, MimeType: m.Audio.MimeType, Voice: m.Audio.Voice}
		}
	case "image":
		if m.Image != nil {
			return entities.ImageContent{MediaID: m.Image.ID, MimeType: m.Image.MimeType, Caption: m.Image.Caption}
		}
	case "document":
		if m.Document != nil {
			return entities.DocumentContent{
				MediaID:  m.Document.ID,
				MimeType: m.Document.MimeType,
				Filename: m.Document.Filename,
				Caption:  m.Document.Caption,
			}
		}
	}
	// type field present but payload missing counts as unsupported too
	return entities.UnsupportedContent{RawType: m.Type}
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ValidSignature checks an X-Hub-Signature-256 header against the raw body.
func ValidSignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
