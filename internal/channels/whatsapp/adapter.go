package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/observability"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow
)

// Adapter implements channels.Adapter for WhatsApp.
type Adapter struct {
	config  *Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store  *sqlstore.Container
	client *whatsmeow.Client

	events    chan channels.Event
	qrChan    chan string
	connected bool
	connMu    sync.RWMutex

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ channels.Adapter = (*Adapter)(nil)

// New creates a WhatsApp adapter backed by a SQLite device store.
func New(cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Adapter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, channels.ErrConfig("invalid whatsapp config", err)
	}

	sessionPath := expandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	adapter := newAdapter(cfg, logger, metrics)
	adapter.store = container
	return adapter, nil
}

func newAdapter(cfg *Config, logger *slog.Logger, metrics *observability.Metrics) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = DefaultConfig().EventBuffer
	}
	return &Adapter{
		config:  cfg,
		logger:  logger.With("channel", string(channels.TypeWhatsApp)),
		metrics: metrics,
		events:  make(chan channels.Event, buffer),
		qrChan:  make(chan string, 1),
	}
}

// Type implements channels.Adapter.
func (a *Adapter) Type() channels.Type {
	return channels.TypeWhatsApp
}

// Events implements channels.Adapter.
func (a *Adapter) Events() <-chan channels.Event {
	return a.events
}

// QRChannel returns pairing codes while the device is not logged in.
func (a *Adapter) QRChannel() <-chan string {
	return a.qrChan
}

// Start connects to WhatsApp and begins listening for messages.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	device, err := a.store.GetFirstDevice(ctx)
	if err != nil {
		return channels.ErrConnection("failed to get device", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID != nil {
		if err := a.client.Connect(); err != nil {
			return channels.ErrConnection("failed to connect", err)
		}
		return nil
	}

	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return channels.ErrConnection("failed to get QR channel", err)
	}
	if err := a.client.Connect(); err != nil {
		return channels.ErrConnection("failed to connect", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-qrChan:
				if !ok {
					return
				}
				if evt.Event == "code" {
					a.logger.Info("scan QR code to login", "code", evt.Code)
					select {
					case a.qrChan <- evt.Code:
					default:
					}
				}
			}
		}
	}()
	return nil
}

// Stop disconnects from WhatsApp and closes the event channel.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.wg.Wait()

	if a.client != nil {
		a.client.Disconnect()
	}
	a.setConnected(false)

	var err error
	a.closeOnce.Do(func() {
		close(a.qrChan)
		close(a.events)
		if a.store != nil {
			err = a.store.Close()
		}
	})
	return err
}

// SendText implements channels.Sender.
func (a *Adapter) SendText(ctx context.Context, chatKey, text string) error {
	jid, err := a.target(chatKey)
	if err != nil {
		return err
	}
	if _, err := a.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return channels.ErrConnection("failed to send message", err)
	}
	a.metrics.MessageSent(string(channels.TypeWhatsApp))
	return nil
}

// SendMedia uploads a local file and sends it as video, audio or document.
func (a *Adapter) SendMedia(ctx context.Context, chatKey string, media channels.Media) error {
	jid, err := a.target(chatKey)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(media.Path)
	if err != nil {
		return channels.ErrInvalidInput("failed to read media", err)
	}

	mimeType := media.MIMEType
	var uploadType whatsmeow.MediaType
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		uploadType = whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		uploadType = whatsmeow.MediaAudio
	case strings.HasPrefix(mimeType, "image/"):
		uploadType = whatsmeow.MediaImage
	default:
		uploadType = whatsmeow.MediaDocument
	}

	uploaded, err := a.client.Upload(ctx, data, uploadType)
	if err != nil {
		return channels.ErrConnection("failed to upload", err)
	}

	var caption *string
	if media.Caption != "" {
		caption = proto.String(media.Caption)
	}

	var waMsg *waE2E.Message
	switch uploadType {
	case whatsmeow.MediaVideo:
		waMsg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			Caption:       caption,
		}}
	case whatsmeow.MediaAudio:
		waMsg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
		}}
	case whatsmeow.MediaImage:
		waMsg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			Caption:       caption,
		}}
	default:
		filename := filepath.Base(media.Path)
		waMsg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			FileName:      &filename,
			Caption:       caption,
		}}
	}

	if _, err := a.client.SendMessage(ctx, jid, waMsg); err != nil {
		return channels.ErrConnection("failed to send media message", err)
	}
	a.metrics.MessageSent(string(channels.TypeWhatsApp))

	// Audio messages carry no caption.
	if uploadType == whatsmeow.MediaAudio && media.Caption != "" {
		return a.SendText(ctx, chatKey, media.Caption)
	}
	return nil
}

// SetComposing implements channels.Sender.
func (a *Adapter) SetComposing(ctx context.Context, chatKey string) error {
	if !a.config.SendPresence {
		return nil
	}
	jid, err := a.target(chatKey)
	if err != nil {
		return err
	}
	return a.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// target parses chatKey and checks the connection.
func (a *Adapter) target(chatKey string) (types.JID, error) {
	jid, err := types.ParseJID(chatKey)
	if err != nil {
		return types.JID{}, channels.ErrInvalidInput(fmt.Sprintf("invalid chat %q", chatKey), err)
	}
	if a.client == nil || !a.isConnected() {
		return types.JID{}, channels.ErrConnection("not connected to WhatsApp", nil)
	}
	return jid, nil
}

// handleEvent processes whatsmeow events.
func (a *Adapter) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		a.setConnected(true)
		a.logger.Info("connected to WhatsApp")

	case *events.Disconnected:
		a.setConnected(false)
		a.logger.Warn("disconnected from WhatsApp")

	case *events.LoggedOut:
		a.setConnected(false)
		a.logger.Warn("logged out from WhatsApp; delete the session database to pair again",
			"reason", v.Reason)

	case *events.Message:
		a.handleMessage(v)
	}
}

// handleMessage normalizes an inbound message and emits it.
func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	input, ok := normalizeMessage(evt.Message)
	if !ok {
		return
	}

	self := a.selfUsers()
	event := channels.Event{
		Channel:    channels.TypeWhatsApp,
		ChatKey:    evt.Info.Chat.String(),
		Sender:     evt.Info.Sender.ToNonAD().String(),
		IsGroup:    evt.Info.IsGroup,
		Input:      input,
		ReceivedAt: evt.Info.Timestamp,
	}
	if event.IsGroup {
		event.MentionsBot = mentionsAny(evt.Message, self) || repliesToAny(evt.Message, self)
	}

	a.metrics.MessageReceived(string(channels.TypeWhatsApp))
	a.emit(event)
}

// emit hands the event to the consumer, dropping it if the buffer is full
// so the whatsmeow event loop never blocks.
func (a *Adapter) emit(event channels.Event) {
	defer func() {
		// The channel may be closed by Stop while whatsmeow is still delivering.
		if r := recover(); r != nil {
			a.logger.Debug("dropped event after stop", "chat", event.ChatKey)
		}
	}()
	select {
	case a.events <- event:
	default:
		a.logger.Warn("event buffer full, dropping message", "chat", event.ChatKey)
	}
}

// selfUsers returns the user parts of our own phone and LID addresses.
func (a *Adapter) selfUsers() []string {
	if a.client == nil || a.client.Store == nil {
		return nil
	}
	var users []string
	if id := a.client.Store.ID; id != nil {
		users = append(users, id.User)
	}
	if lid := a.client.Store.LID; !lid.IsEmpty() {
		users = append(users, lid.User)
	}
	return users
}

func (a *Adapter) setConnected(v bool) {
	a.connMu.Lock()
	a.connected = v
	a.connMu.Unlock()
}

// isConnected returns whether the adapter is connected.
func (a *Adapter) isConnected() bool {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return a.connected
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
