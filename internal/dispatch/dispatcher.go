// Package dispatch runs the conversation state machine. It admits inbound
// events, moves sessions between modes, calls the AI gateway or starts
// download jobs, and queues replies for paced delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/delivery"
	"github.com/haasonsaas/parley/internal/jobs"
	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/process"
	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/sessions"
)

// DefaultCommandPrefix starts prefix commands such as "!ping".
const DefaultCommandPrefix = "!"

// Generator produces an AI completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (llm.Completion, error)
}

// Config configures the dispatcher.
type Config struct {
	BotName       string `yaml:"name"`
	CommandPrefix string `yaml:"command_prefix"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		BotName:       "Parley",
		CommandPrefix: DefaultCommandPrefix,
	}
}

// Deps are the collaborators the dispatcher drives.
type Deps struct {
	Limiter  *ratelimit.Limiter
	Sessions *sessions.Store
	Jobs     *jobs.Manager
	Delivery *delivery.Queue
	AI       Generator
	Senders  channels.SenderLookup
	Catalog  *Catalog

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Dispatcher routes inbound events through the state machine. Events for
// one identity are evaluated sequentially; different identities proceed
// independently.
type Dispatcher struct {
	cfg      Config
	limiter  *ratelimit.Limiter
	sessions *sessions.Store
	jobs     *jobs.Manager
	delivery *delivery.Queue
	ai       Generator
	senders  channels.SenderLookup
	catalog  *Catalog
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	lanes    *process.Lanes
	watchers sync.WaitGroup
}

// New creates a dispatcher. Identity lanes run under ctx.
func New(ctx context.Context, cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Limiter == nil:
		return nil, errors.New("dispatch: limiter is required")
	case deps.Sessions == nil:
		return nil, errors.New("dispatch: session store is required")
	case deps.Jobs == nil:
		return nil, errors.New("dispatch: job manager is required")
	case deps.Delivery == nil:
		return nil, errors.New("dispatch: delivery queue is required")
	case deps.Senders == nil:
		return nil, errors.New("dispatch: sender lookup is required")
	}
	if cfg.BotName == "" {
		cfg.BotName = DefaultConfig().BotName
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = DefaultCommandPrefix
	}
	if deps.Catalog == nil {
		cat, err := NewCatalog(cfg.BotName, cfg.CommandPrefix, language.English)
		if err != nil {
			return nil, err
		}
		deps.Catalog = cat
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch")

	d := &Dispatcher{
		cfg:      cfg,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		jobs:     deps.Jobs,
		delivery: deps.Delivery,
		ai:       deps.AI,
		senders:  deps.Senders,
		catalog:  deps.Catalog,
		logger:   logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
	}
	d.lanes = process.NewLanes(ctx, process.Options{
		Logger: logger,
		OnWait: func(identity string, waited time.Duration, queuedAhead int) {
			logger.Warn("identity backlog", "identity", identity, "waited", waited, "queued_ahead", queuedAhead)
		},
		OnError: func(identity string, err error) {
			logger.Error("dispatch failed", "identity", identity, "error", err)
		},
	})
	return d, nil
}

// Submit queues evt on its identity lane and returns immediately.
func (d *Dispatcher) Submit(evt channels.Event) error {
	return d.lanes.Enqueue(evt.Identity(), func(ctx context.Context) error {
		return d.Handle(ctx, evt)
	})
}

// Run submits events until the channel closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan channels.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := d.Submit(evt); err != nil {
				d.logger.Warn("dropping event", "chat", evt.ChatKey, "error", err)
			}
		}
	}
}

// Idle blocks until no event is being evaluated.
func (d *Dispatcher) Idle(ctx context.Context) error {
	return d.lanes.Idle(ctx)
}

// Close waits for download watchers and drains the identity lanes.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.lanes.Close(ctx)
}

// Handle evaluates one event. Callers must not run two Handle calls for the
// same identity concurrently; Submit guarantees that.
func (d *Dispatcher) Handle(ctx context.Context, evt channels.Event) error {
	text := evt.Content()
	if text == "" {
		return nil
	}
	identity := evt.Identity()
	if evt.IsGroup {
		if stripped := stripMentions(text); stripped != "" {
			text = stripped
		}
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.handle",
		attribute.String("channel", string(evt.Channel)),
		attribute.Bool("group", evt.IsGroup),
	)
	defer span.End()

	// Unsolicited group chatter never creates a session.
	if evt.IsGroup && !evt.MentionsBot && !d.sessions.Exists(identity) {
		return nil
	}

	logger := d.logger.With("identity", identity, "chat", evt.ChatKey)

	decision := d.limiter.Admit(identity)
	if !decision.Allowed {
		d.metrics.RecordAdmission(string(decision.Reason))
		logger.Debug("rate limited", "reason", decision.Reason, "retry_after", decision.RetryAfter)
		return d.denied(evt, d.languageFor(identity, text), decision.Reason)
	}
	d.metrics.RecordAdmission("allowed")

	sess, created := d.sessions.GetOrCreate(identity, text)
	if created {
		d.metrics.SetActiveSessions(d.sessions.Len())
		span.SetAttributes(attribute.String("language", sess.Language.String()))
		logger.Info("session created", "language", sess.Language.String())
		if isGreeting(text) {
			d.reply(evt, d.catalog.Text(sess.Language, KeyGreeting))
		}
		d.reply(evt, d.catalog.Text(sess.Language, KeyMenu))
		return nil
	}
	span.SetAttributes(attribute.String("mode", string(sess.Mode)))

	norm := normalize(text)
	if norm == "menu" {
		return d.showMenu(evt, sess)
	}
	if cmd := parseCommand(text, d.cfg.CommandPrefix); cmd != nil {
		return d.command(ctx, evt, sess, cmd)
	}

	switch sess.Mode {
	case sessions.ModeAIChat:
		return d.chat(ctx, evt, sess, text)
	case sessions.ModeDownloading:
		if sess.HasPending() {
			return d.chooseFormat(ctx, evt, sess, norm)
		}
		return d.collectLink(evt, sess, text)
	default:
		return d.idle(evt, sess, norm)
	}
}

// idle handles ModeNone.
func (d *Dispatcher) idle(evt channels.Event, sess sessions.Session, norm string) error {
	switch {
	case norm == "1" || norm == "ai":
		if err := d.transition(sess, sessions.ModeAIChat); err != nil {
			return err
		}
		d.reply(evt, d.catalog.Text(sess.Language, KeyAIReady))
	case norm == "2" || norm == "download":
		if err := d.transition(sess, sessions.ModeDownloading); err != nil {
			return err
		}
		d.reply(evt, d.catalog.Text(sess.Language, KeySendLink))
	case isGreeting(norm):
		d.reply(evt, d.catalog.Text(sess.Language, KeyGreeting))
		d.reply(evt, d.catalog.Text(sess.Language, KeyMenu))
	default:
		d.reply(evt, d.catalog.Text(sess.Language, KeyMenu))
	}
	return nil
}

// showMenu resets the session from any mode.
func (d *Dispatcher) showMenu(evt channels.Event, sess sessions.Session) error {
	if err := d.transition(sess, sessions.ModeNone); err != nil {
		return err
	}
	d.reply(evt, d.catalog.Text(sess.Language, KeyMenu))
	return nil
}

// chat forwards text to the AI gateway and replies with the answer.
func (d *Dispatcher) chat(ctx context.Context, evt channels.Event, sess sessions.Session, prompt string) error {
	if d.ai == nil {
		d.reply(evt, d.catalog.Text(sess.Language, KeyAINotConfigured))
		return nil
	}
	completion, err := d.ai.Generate(ctx, prompt)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		d.reply(evt, d.catalog.Text(sess.Language, KeyAINotConfigured))
	case err != nil:
		d.logger.Warn("ai unavailable", "identity", sess.Identity, "error", err)
		d.reply(evt, d.catalog.Text(sess.Language, KeyAIUnavailable))
	default:
		d.reply(evt, completion.Text)
	}
	return nil
}

// collectLink handles ModeDownloading before a link is captured.
func (d *Dispatcher) collectLink(evt channels.Event, sess sessions.Session, text string) error {
	link, ok := findURL(text)
	if !ok {
		d.reply(evt, d.catalog.Text(sess.Language, KeyInvalidLink))
		return nil
	}
	if err := d.sessions.SetPending(sess.Identity, link); err != nil {
		return fmt.Errorf("store pending link: %w", err)
	}
	d.reply(evt, d.catalog.Text(sess.Language, KeyChooseFormat))
	return nil
}

// chooseFormat handles ModeDownloading once a link is pending.
func (d *Dispatcher) chooseFormat(ctx context.Context, evt channels.Event, sess sessions.Session, norm string) error {
	var kind jobs.Kind
	switch norm {
	case "1", "video":
		kind = jobs.KindVideo
	case "2", "audio":
		kind = jobs.KindAudio
	default:
		d.reply(evt, d.catalog.Text(sess.Language, KeyInvalidFormat))
		return nil
	}

	job, err := d.jobs.Start(ctx, sess.Identity, sess.PendingArtifact, kind)
	if errors.Is(err, jobs.ErrBusy) {
		d.reply(evt, d.catalog.Text(sess.Language, KeyBusy))
		return nil
	}
	if err != nil {
		return fmt.Errorf("start download: %w", err)
	}

	d.sessions.ClearPending(sess.Identity)
	d.logger.Info("download started",
		"identity", sess.Identity, "job_id", job.ID, "kind", string(kind))
	d.reply(evt, d.catalog.Text(sess.Language, KeyDownloadStarted))

	d.watchers.Add(1)
	go d.watch(evt, sess.Language, job)
	return nil
}

// watch waits for job and queues its completion on the identity lane, so the
// result is applied between events rather than during one.
func (d *Dispatcher) watch(evt channels.Event, tag language.Tag, job *jobs.Job) {
	defer d.watchers.Done()
	<-job.Done()

	err := d.lanes.Enqueue(job.Identity, func(ctx context.Context) error {
		return d.complete(evt, tag, job)
	})
	if err != nil {
		d.logger.Error("dropping download result", "identity", job.Identity, "job_id", job.ID, "error", err)
		artifact, _ := job.Result()
		if err := jobs.Remove(artifact); err != nil {
			d.logger.Warn("failed to remove download", "path", artifact.Path, "error", err)
		}
	}
}

// complete returns the session to ModeNone and delivers the job outcome
// followed by the menu. A link left waiting by a busy rejection is dropped
// with the transition, and the user is told so.
func (d *Dispatcher) complete(evt channels.Event, tag language.Tag, job *jobs.Job) error {
	var discarded string
	if sess, ok := d.sessions.Get(job.Identity); ok {
		discarded = sess.PendingArtifact
		if err := d.transition(sess, sessions.ModeNone); err != nil {
			return err
		}
	}

	artifact, err := job.Result()
	if err != nil {
		d.logger.Warn("download failed", "identity", job.Identity, "job_id", job.ID, "error", err)
		d.reply(evt, d.catalog.Text(tag, KeyDownloadFailed))
	} else {
		d.sendMedia(evt, channels.Media{
			Path:     artifact.Path,
			MIMEType: artifact.MIMEType,
			Caption:  d.catalog.Text(tag, KeyDownloadDone),
		}, func() {
			if err := jobs.Remove(artifact); err != nil {
				d.logger.Warn("failed to remove download", "path", artifact.Path, "error", err)
			}
		})
	}
	if discarded != "" {
		d.logger.Info("discarded pending link", "identity", job.Identity, "link", discarded)
		d.reply(evt, d.catalog.Text(tag, KeyPendingDiscarded))
	}
	d.reply(evt, d.catalog.Text(tag, KeyMenu))
	return nil
}

// command handles prefix commands in any mode without changing it.
func (d *Dispatcher) command(ctx context.Context, evt channels.Event, sess sessions.Session, cmd *command) error {
	switch cmd.Name {
	case "ping":
		d.reply(evt, d.catalog.Text(sess.Language, KeyPong))
	case "menu":
		d.reply(evt, d.catalog.Text(sess.Language, KeyCommands))
	case "ai":
		if cmd.Args == "" {
			d.reply(evt, d.catalog.Text(sess.Language, KeyAIUsage))
			return nil
		}
		return d.chat(ctx, evt, sess, cmd.Args)
	default:
		d.reply(evt, d.catalog.Text(sess.Language, KeyUnknownCommand))
	}
	return nil
}

// denied sends the rate-limit notice without touching session state.
func (d *Dispatcher) denied(evt channels.Event, tag language.Tag, reason ratelimit.Reason) error {
	key := KeyCooldown
	if reason == ratelimit.ReasonWindowExceeded {
		key = KeyWindowExceeded
	}
	d.reply(evt, d.catalog.Text(tag, key))
	return nil
}

// languageFor returns the session language, detecting it for unknown
// identities without creating a session.
func (d *Dispatcher) languageFor(identity, text string) language.Tag {
	if sess, ok := d.sessions.Get(identity); ok {
		return sess.Language
	}
	return d.sessions.Detect(text)
}

func (d *Dispatcher) transition(sess sessions.Session, mode sessions.Mode) error {
	if _, err := d.sessions.Transition(sess.Identity, mode); err != nil {
		return fmt.Errorf("transition to %s: %w", mode, err)
	}
	if sess.Mode != mode {
		d.metrics.RecordTransition(string(sess.Mode), string(mode))
	}
	return nil
}

// reply queues a paced text message for the event's chat.
func (d *Dispatcher) reply(evt channels.Event, text string) {
	d.deliver(evt, func(ctx context.Context, sender channels.Sender) error {
		return sender.SendText(ctx, evt.ChatKey, text)
	}, nil)
}

// sendMedia queues a paced media message. after runs once the send was
// attempted, whatever its outcome.
func (d *Dispatcher) sendMedia(evt channels.Event, media channels.Media, after func()) {
	d.deliver(evt, func(ctx context.Context, sender channels.Sender) error {
		return sender.SendMedia(ctx, evt.ChatKey, media)
	}, after)
}

func (d *Dispatcher) deliver(evt channels.Event, send func(context.Context, channels.Sender) error, after func()) {
	sender, ok := d.senders.Sender(evt.Channel)
	if !ok {
		d.logger.Error("no sender for channel", "channel", string(evt.Channel), "chat", evt.ChatKey)
		if after != nil {
			after()
		}
		return
	}

	cfg := d.delivery.Config()
	err := d.delivery.Enqueue(evt.ChatKey, func(ctx context.Context) error {
		if after != nil {
			defer after()
		}
		if err := delivery.SleepWithContext(ctx, delivery.TypingDelay(cfg.TypingMin, cfg.TypingMax)); err != nil {
			return err
		}
		if err := sender.SetComposing(ctx, evt.ChatKey); err != nil {
			d.logger.Debug("composing presence failed", "chat", evt.ChatKey, "error", err)
		}
		return send(ctx, sender)
	})
	if err != nil {
		d.logger.Warn("reply dropped", "chat", evt.ChatKey, "error", err)
		if after != nil {
			after()
		}
	}
}
