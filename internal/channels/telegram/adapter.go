// Package telegram provides a Telegram channel adapter using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/observability"
)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Enabled controls whether the Telegram adapter is active.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`

	// SendTyping controls whether typing indicators are sent.
	SendTyping bool `yaml:"send_typing"`

	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SendTyping:  true,
		EventBuffer: 100,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Token) == "" {
		return channels.ErrConfig("telegram: token is required", nil)
	}
	if c.EventBuffer < 0 {
		return channels.ErrConfig("telegram: event_buffer must not be negative", nil)
	}
	return nil
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient injects a BotClient instead of dialing the Bot API.
func WithClient(client BotClient) Option {
	return func(a *Adapter) {
		a.client = client
	}
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	config  *Config
	logger  *slog.Logger
	metrics *observability.Metrics

	client BotClient
	self   *models.User

	events    chan channels.Event
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
}

var _ channels.Adapter = (*Adapter)(nil)

// NewAdapter creates a new Telegram adapter with the given configuration.
func NewAdapter(cfg *Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = DefaultConfig().EventBuffer
	}

	a := &Adapter{
		config:  cfg,
		logger:  logger.With("channel", string(channels.TypeTelegram)),
		metrics: metrics,
		events:  make(chan channels.Event, buffer),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Type implements channels.Adapter.
func (a *Adapter) Type() channels.Type {
	return channels.TypeTelegram
}

// Events implements channels.Adapter.
func (a *Adapter) Events() <-chan channels.Event {
	return a.events
}

// Start connects to the Bot API and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.client == nil {
		b, err := bot.New(a.config.Token, bot.WithDefaultHandler(func(ctx context.Context, _ *bot.Bot, update *models.Update) {
			a.handleUpdate(ctx, update)
		}))
		if err != nil {
			cancel()
			return channels.ErrAuthentication("failed to create bot", err)
		}
		a.client = newRealBotClient(b)
	}

	me, err := a.client.GetMe(ctx)
	if err != nil {
		cancel()
		return classifyError("failed to identify bot", err)
	}
	a.mu.Lock()
	a.self = me
	a.mu.Unlock()

	a.logger.Info("starting telegram adapter", "username", me.Username)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.client.Start(ctx)
	}()
	return nil
}

// Stop cancels polling, waits for it to finish and closes the event channel.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return channels.ErrConnection("telegram stop timed out", ctx.Err())
	}

	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
	})
	a.logger.Info("telegram adapter stopped")
	return nil
}

// SendText implements channels.Sender.
func (a *Adapter) SendText(ctx context.Context, chatKey, text string) error {
	chatID, err := a.target(chatKey)
	if err != nil {
		return err
	}
	if _, err := a.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		return classifyError("failed to send message", err)
	}
	a.metrics.MessageSent(string(channels.TypeTelegram))
	return nil
}

// SendMedia uploads a local file as video, audio or document.
func (a *Adapter) SendMedia(ctx context.Context, chatKey string, media channels.Media) error {
	chatID, err := a.target(chatKey)
	if err != nil {
		return err
	}

	f, err := os.Open(media.Path)
	if err != nil {
		return channels.ErrInvalidInput("failed to open media", err)
	}
	defer f.Close()

	upload := &models.InputFileUpload{Filename: filepath.Base(media.Path), Data: f}
	switch {
	case strings.HasPrefix(media.MIMEType, "video/"):
		_, err = a.client.SendVideo(ctx, &bot.SendVideoParams{
			ChatID:            chatID,
			Video:             upload,
			Caption:           media.Caption,
			SupportsStreaming: true,
		})
	case strings.HasPrefix(media.MIMEType, "audio/"):
		_, err = a.client.SendAudio(ctx, &bot.SendAudioParams{
			ChatID:  chatID,
			Audio:   upload,
			Caption: media.Caption,
		})
	default:
		_, err = a.client.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:   chatID,
			Document: upload,
			Caption:  media.Caption,
		})
	}
	if err != nil {
		return classifyError("failed to send media", err)
	}
	a.metrics.MessageSent(string(channels.TypeTelegram))
	return nil
}

// SetComposing implements channels.Sender.
func (a *Adapter) SetComposing(ctx context.Context, chatKey string) error {
	if !a.config.SendTyping {
		return nil
	}
	chatID, err := a.target(chatKey)
	if err != nil {
		return err
	}
	if _, err := a.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	}); err != nil {
		return classifyError("failed to send chat action", err)
	}
	return nil
}

func (a *Adapter) target(chatKey string) (int64, error) {
	chatID, err := strconv.ParseInt(chatKey, 10, 64)
	if err != nil {
		return 0, channels.ErrInvalidInput(fmt.Sprintf("invalid chat %q", chatKey), err)
	}
	if a.client == nil {
		return 0, channels.ErrConnection("telegram bot not started", nil)
	}
	return chatID, nil
}

// handleUpdate normalizes text messages and callback queries.
func (a *Adapter) handleUpdate(ctx context.Context, update *models.Update) {
	if update == nil {
		return
	}
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(update.Message)
	}
}

func (a *Adapter) handleMessage(msg *models.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	event := channels.Event{
		Channel:    channels.TypeTelegram,
		ChatKey:    strconv.FormatInt(msg.Chat.ID, 10),
		Sender:     strconv.FormatInt(msg.From.ID, 10),
		IsGroup:    isGroupChat(msg.Chat.Type),
		Input:      channels.Text{Body: text},
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if event.IsGroup {
		event.MentionsBot = mentionsBot(msg, a.selfUser())
	}
	a.emit(event)
}

func (a *Adapter) handleCallback(ctx context.Context, query *models.CallbackQuery) {
	if _, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		a.logger.Debug("failed to answer callback", "error", err)
	}

	if query.Data == "" || query.From.IsBot {
		return
	}

	var chat models.Chat
	switch {
	case query.Message.Message != nil:
		chat = query.Message.Message.Chat
	case query.Message.InaccessibleMessage != nil:
		chat = query.Message.InaccessibleMessage.Chat
	default:
		chat = models.Chat{ID: query.From.ID, Type: models.ChatTypePrivate}
	}

	event := channels.Event{
		Channel:    channels.TypeTelegram,
		ChatKey:    strconv.FormatInt(chat.ID, 10),
		Sender:     strconv.FormatInt(query.From.ID, 10),
		IsGroup:    isGroupChat(chat.Type),
		Input:      channels.MenuSelection{ID: query.Data},
		ReceivedAt: time.Now(),
	}
	// Pressing one of our buttons is addressing us.
	event.MentionsBot = event.IsGroup
	a.emit(event)
}

func (a *Adapter) emit(event channels.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	a.metrics.MessageReceived(string(channels.TypeTelegram))
	select {
	case a.events <- event:
	default:
		a.logger.Warn("event buffer full, dropping message", "chat", event.ChatKey)
	}
}

func (a *Adapter) selfUser() *models.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

func isGroupChat(t models.ChatType) bool {
	return t == models.ChatTypeGroup || t == models.ChatTypeSupergroup
}

// mentionsBot reports whether msg @-mentions self or replies to one of its messages.
func mentionsBot(msg *models.Message, self *models.User) bool {
	if self == nil {
		return false
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == self.ID {
		return true
	}
	for _, entities := range [][]models.MessageEntity{msg.Entities, msg.CaptionEntities} {
		for _, entity := range entities {
			if entity.Type == models.MessageEntityTypeTextMention && entity.User != nil && entity.User.ID == self.ID {
				return true
			}
		}
	}
	if self.Username == "" {
		return false
	}
	text := strings.ToLower(msg.Text + " " + msg.Caption)
	return strings.Contains(text, "@"+strings.ToLower(self.Username))
}

// classifyError maps Bot API failures onto channel error codes.
func classifyError(message string, err error) error {
	switch {
	case bot.IsTooManyRequestsError(err):
		return channels.NewError(channels.ErrCodeRateLimit, message, err)
	case errors.Is(err, bot.ErrorUnauthorized), errors.Is(err, bot.ErrorForbidden):
		return channels.ErrAuthentication(message, err)
	case errors.Is(err, bot.ErrorBadRequest):
		return channels.ErrInvalidInput(message, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return channels.ErrConnection(message, err)
	default:
		return channels.NewError(channels.ErrCodeInternal, message, err)
	}
}
