package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"iara_bot/internal/entities"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// WhatsAppClient is a linked-device session for one business. It acts as Dispatcher and
// MediaFetcher for that business; credentials passed to it are ignored.
type WhatsAppClient struct {
	Client     *whatsmeow.Client
	BusinessID string

	log    zerolog.Logger
	qrCode string
	qrLock sync.RWMutex

	// audio waiting to be downloaded by the pipeline, keyed by message id
	pending sync.Map
	now     func() time.Time
}

// pendingMediaTTL bounds how long audio that no run fetched stays in memory.
const pendingMediaTTL = 10 * time.Minute

type pendingAudio struct {
	msg *waProto.AudioMessage
	at  time.Time
}

func NewWhatsAppClient(ctx context.Context, dbPath, businessID string, log zerolog.Logger) (*WhatsAppClient, error) {
	log = log.With().Str("component", "whatsapp_device").Str("business_id", businessID).Logger()

	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", waLog.Zerolog(log.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	// Get the first device (or create one)
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Zerolog(log.With().Str("module", "client").Logger()))

	return &WhatsAppClient{
		Client:     client,
		BusinessID: businessID,
		log:        log,
		now:        time.Now,
	}, nil
}

func (w *WhatsAppClient) Connect(ctx context.Context) error {
	if w.Client.Store.ID != nil {
		// Already paired
		if err := w.Client.Connect(); err != nil {
			return err
		}
		w.log.Info().Msg("device connected with existing session")
		return nil
	}

	// No ID stored, new login
	qrChan, err := w.Client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := w.Client.Connect(); err != nil {
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event == "code" {
			w.qrLock.Lock()
			w.qrCode = evt.Code
			w.qrLock.Unlock()
			w.log.Debug().Msg("new pairing code")
			continue
		}
		if evt.Event == "success" {
			w.qrLock.Lock()
			w.qrCode = ""
			w.qrLock.Unlock()
		}
		w.log.Info().Str("event", evt.Event).Msg("pairing event")
	}
}

func (w *WhatsAppClient) GetQR() string {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode
}

func (w *WhatsAppClient) IsLoggedIn() bool {
	return w.Client.Store.ID != nil
}

// IsConnected returns true if client is connected and logged in
func (w *WhatsAppClient) IsConnected() bool {
	return w.Client.IsConnected() && w.Client.Store.ID != nil
}

// GetUserInfo returns connected user's phone number and push name
func (w *WhatsAppClient) GetUserInfo() (string, string) {
	if w.Client.Store.ID == nil {
		return "", ""
	}
	return w.Client.Store.ID.User, w.Client.Store.PushName
}

// Logout clears the session and starts a fresh pairing.
func (w *WhatsAppClient) Logout(ctx context.Context) error {
	w.qrLock.Lock()
	w.qrCode = ""
	w.qrLock.Unlock()

	if err := w.Client.Logout(ctx); err != nil {
		return err
	}
	w.Client.Disconnect()
	return w.Connect(ctx)
}

func (w *WhatsAppClient) Disconnect() {
	w.Client.Disconnect()
}

func (w *WhatsAppClient) AddHandler(handler func(interface{})) {
	w.Client.AddEventHandler(handler)
}

func parseRecipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(to, types.DefaultUserServer), nil
}

func (w *WhatsAppClient) SendText(ctx context.Context, _ entities.ChannelCredentials, to, body string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	_, err = w.Client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(body),
	})
	return err
}

// SendAudio uploads the synthesized payload and sends it as a voice note.
func (w *WhatsAppClient) SendAudio(ctx context.Context, _ entities.ChannelCredentials, to string, audio entities.OutboundAudio) error {
	if len(audio.Media.Data) == 0 {
		return fmt.Errorf("send audio: no payload")
	}
	jid, err := parseRecipient(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	up, err := w.Client.Upload(ctx, audio.Media.Data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}

	mime := audio.Media.MimeType
	if mime == "" || mime == "audio/ogg" {
		mime = "audio/ogg; codecs=opus"
	}
	_, err = w.Client.SendMessage(ctx, jid, &waProto.Message{
		AudioMessage: &waProto.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mime),
			PTT:           proto.Bool(true),
		},
	})
	return err
}

// FetchMedia downloads audio registered by ToInboundEvent; mediaID is the message id.
func (w *WhatsAppClient) FetchMedia(ctx context.Context, _ entities.ChannelCredentials, mediaID string) (entities.Media, error) {
	v, ok := w.pending.LoadAndDelete(mediaID)
	if !ok {
		return entities.Media{}, fmt.Errorf("fetch media %s: %w", mediaID, entities.ErrNotFound)
	}
	audio := v.(pendingAudio).msg

	data, err := w.Client.Download(ctx, audio)
	if err != nil {
		return entities.Media{}, fmt.Errorf("download media %s: %w", mediaID, err)
	}
	return entities.Media{Data: data, MimeType: audio.GetMimetype()}, nil
}

// ToInboundEvent converts a direct message into a pipeline event. Group, status and own
// messages are skipped.
func (w *WhatsAppClient) ToInboundEvent(evt *events.Message) (entities.InboundEvent, bool) {
	if evt.Info.IsGroup || evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return entities.InboundEvent{}, false
	}

	now := w.clock()
	w.sweepPending(now)

	content := deviceContent(string(evt.Info.ID), evt.Message)
	if audio := evt.Message.GetAudioMessage(); audio != nil {
		w.pending.Store(string(evt.Info.ID), pendingAudio{msg: audio, at: now})
	}

	return entities.InboundEvent{
		BusinessID:        w.BusinessID,
		ProviderMessageID: string(evt.Info.ID),
		From:              evt.Info.Chat.ToNonAD().String(),
		ContactName:       evt.Info.PushName,
		Timestamp:         evt.Info.Timestamp,
		Content:           content,
	}, true
}

func (w *WhatsAppClient) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// sweepPending drops audio that no run picked up within pendingMediaTTL.
func (w *WhatsAppClient) sweepPending(now time.Time) {
	w.pending.Range(func(key, value interface{}) bool {
		if now.Sub(value.(pendingAudio).at) > pendingMediaTTL {
			w.pending.Delete(key)
		}
		return true
	})
}

func deviceContent(messageID string, msg *waProto.Message) entities.Content {
	switch {
	case msg.GetConversation() != "":
		return entities.TextContent{Body: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		return entities.TextContent{Body: msg.GetExtendedTextMessage().GetText()}
	case msg.GetAudioMessage() != nil:
		a := msg.GetAudioMessage()
		return entities.AudioContent{MediaID: messageID, MimeType: a.GetMimetype(), Voice: a.GetPTT()}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return entities.ImageContent{MediaID: messageID, MimeType: img.GetMimetype(), Caption: img.GetCaption()}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		return entities.DocumentContent{
			MediaID:  messageID,
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
			Caption:  doc.GetCaption(),
		}
	}
	return entities.UnsupportedContent{RawType: "device"}
}
