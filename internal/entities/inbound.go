package entities

import "time"

// Content is the type-specific payload of an inbound message. Implementations are
// TextContent, AudioContent, ImageContent, DocumentContent and UnsupportedContent.
type Content interface {
	Kind() MessageType
}

type TextContent struct {
	Body string
}

type AudioContent struct {
	MediaID  string
	MimeType string
	Voice    bool // recorded as a voice note
}

type ImageContent struct {
	MediaID  string
	MimeType string
	Caption  string
}

type DocumentContent struct {
	MediaID  string
	MimeType string
	Filename string
	Caption  string
}

// UnsupportedContent carries any message type the pipeline cannot ground a reply on
// (stickers, locations, reactions...).
type UnsupportedContent struct {
	RawType string
}

func (TextContent) Kind() MessageType        { return MessageText }
func (AudioContent) Kind() MessageType       { return MessageAudio }
func (ImageContent) Kind() MessageType       { return MessageImage }
func (DocumentContent) Kind() MessageType    { return MessageDocument }
func (UnsupportedContent) Kind() MessageType { return MessageUnsupported }

// MediaRef returns the provider media id for media variants.
func MediaRef(c Content) string {
	switch v := c.(type) {
	case AudioContent:
		return v.MediaID
	case ImageContent:
		return v.MediaID
	case DocumentContent:
		return v.MediaID
	}
	return ""
}

// InboundEvent is one message delivered by a channel, addressed either by the business
// sender id (Cloud API webhooks) or directly by business id (linked devices).
type InboundEvent struct {
	SenderID          string // business phone_number_id from webhook metadata
	BusinessID        string
	ProviderMessageID string
	From              string // contact id (wa_id)
	ContactName       string
	Timestamp         time.Time
	Content           Content
}
