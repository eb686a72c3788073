package slackbot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/clackbot/clackbot/internal/agent"
	"github.com/clackbot/clackbot/internal/conversation"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// EmptyMentionText answers a mention that carries no request.
const EmptyMentionText = "What can I help you with?"

// Dispatcher handles one inbound message. Every call runs on its own goroutine.
type Dispatcher interface {
	HandleMessage(ctx context.Context, msg conversation.Message)
}

// Replier is the part of Poster the listener needs.
type Replier interface {
	PostMessage(ctx context.Context, channelID, threadID, text string) (string, error)
	ThreadContext(ctx context.Context, channelID, threadTS, currentTS string) ([]agent.HistoryMessage, []agent.Attachment, error)
}

// Listener receives app mentions and direct messages over Socket Mode.
type Listener struct {
	sm          *socketmode.Client
	replier     Replier
	handler     Dispatcher
	botUserID   string
	ownerUserID string
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewListener creates a Listener. sm may be nil when events are fed through
// HandleEvent directly.
func NewListener(sm *socketmode.Client, replier Replier, handler Dispatcher, botUserID, ownerUserID string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		sm:          sm,
		replier:     replier,
		handler:     handler,
		botUserID:   botUserID,
		ownerUserID: ownerUserID,
		logger:      logger,
	}
}

// Run connects to Slack and dispatches events until ctx is cancelled, then
// waits for in-flight messages to finish.
func (l *Listener) Run(ctx context.Context) error {
	if l.sm == nil {
		return errors.New("socket mode client not configured")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- l.sm.RunContext(ctx) }()

	defer l.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case evt := <-l.sm.Events:
			l.onSocketEvent(ctx, evt)
		}
	}
}

func (l *Listener) onSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		l.logger.Info("Connecting to Slack")
	case socketmode.EventTypeConnected:
		l.logger.Info("Connected to Slack")
	case socketmode.EventTypeConnectionError:
		l.logger.Warn("Slack connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if evt.Request != nil {
			l.sm.Ack(*evt.Request)
		}
		if !ok {
			l.logger.Debug("Ignoring unexpected events API payload")
			return
		}
		l.HandleEvent(ctx, apiEvent)
	}
}

// HandleEvent turns an Events API callback into a dispatched message. The
// dispatch happens on a new goroutine.
func (l *Listener) HandleEvent(ctx context.Context, evt slackevents.EventsAPIEvent) {
	if evt.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := evt.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		l.spawn(ctx, func(ctx context.Context) { l.onAppMention(ctx, ev) })
	case *slackevents.MessageEvent:
		if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" {
			return
		}
		l.spawn(ctx, func(ctx context.Context) { l.onDirectMessage(ctx, ev) })
	}
}

// Wait blocks until every dispatched message has been handled.
func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) spawn(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(ctx)
	}()
}

func (l *Listener) onAppMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if ev.User == "" || ev.BotID != "" {
		return
	}
	isOwner := agent.IsOwner(l.ownerUserID, ev.User)
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	log := l.logger.With("user_id", ev.User, "channel_id", ev.Channel, "thread_id", threadTS)
	log.Debug("Mention received")

	input := conversation.StripMention(ev.Text, l.botUserID)
	if strings.TrimSpace(input) == "" {
		if _, err := l.replier.PostMessage(ctx, ev.Channel, threadTS, EmptyMentionText); err != nil {
			log.Warn("Failed to answer empty mention", "error", err)
		}
		return
	}

	mode := conversation.ModeThread
	if ev.ThreadTimeStamp == "" && !isOwner {
		mode = conversation.ModeChannel
	}

	history, attachments := l.threadContext(ctx, ev.Channel, threadTS, ev.TimeStamp, log)
	l.handler.HandleMessage(ctx, conversation.Message{
		InputText:   input,
		UserID:      ev.User,
		ChannelID:   ev.Channel,
		ThreadID:    threadTS,
		Mode:        mode,
		History:     history,
		IsOwner:     isOwner,
		Attachments: attachments,
	})
}

func (l *Listener) onDirectMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	if ev.User == "" || strings.TrimSpace(ev.Text) == "" || threadTS == "" {
		return
	}
	log := l.logger.With("user_id", ev.User, "channel_id", ev.Channel, "thread_id", threadTS)
	log.Debug("Direct message received")

	history, attachments := l.threadContext(ctx, ev.Channel, threadTS, ev.TimeStamp, log)
	l.handler.HandleMessage(ctx, conversation.Message{
		InputText:   ev.Text,
		UserID:      ev.User,
		ChannelID:   ev.Channel,
		ThreadID:    threadTS,
		Mode:        conversation.ModeDM,
		History:     history,
		IsOwner:     agent.IsOwner(l.ownerUserID, ev.User),
		Attachments: attachments,
	})
}

func (l *Listener) threadContext(ctx context.Context, channelID, threadTS, currentTS string, log *slog.Logger) ([]agent.HistoryMessage, []agent.Attachment) {
	history, attachments, err := l.replier.ThreadContext(ctx, channelID, threadTS, currentTS)
	if err != nil {
		log.Warn("Failed to fetch thread context", "error", err)
		return nil, nil
	}
	return history, attachments
}
