// Package slackbot connects the conversation handler to a Slack workspace over
// Socket Mode and the Web API.
package slackbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clackbot/clackbot/internal/agent"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

const historyLimit = 50

// Poster posts and edits messages through the Slack Web API. Edits are rate
// limited per channel because chat.update rejects bursts.
type Poster struct {
	api    *slack.Client
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// NewPoster creates a Poster allowing updatesPerSec edits per channel with
// the given burst.
func NewPoster(api *slack.Client, updatesPerSec float64, burst int, logger *slog.Logger) *Poster {
	if updatesPerSec <= 0 {
		updatesPerSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poster{
		api:      api,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(updatesPerSec),
		burst:    burst,
	}
}

// PostMessage posts text to channelID, in threadID when set, and returns the
// message timestamp used as its edit handle.
func (p *Poster) PostMessage(ctx context.Context, channelID, threadID, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadID != "" {
		opts = append(opts, slack.MsgOptionTS(threadID))
	}
	_, ts, err := p.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// UpdateMessage replaces the text of the message at handle.
func (p *Poster) UpdateMessage(ctx context.Context, channelID, handle, text string) error {
	if err := p.limiter(channelID).Wait(ctx); err != nil {
		return fmt.Errorf("wait for update slot: %w", err)
	}
	if _, _, _, err := p.api.UpdateMessageContext(ctx, channelID, handle, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// ThreadContext returns the earlier messages of a thread and the attachments
// of the message at currentTS.
func (p *Poster) ThreadContext(ctx context.Context, channelID, threadTS, currentTS string) ([]agent.HistoryMessage, []agent.Attachment, error) {
	msgs, _, _, err := p.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     historyLimit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch thread replies: %w", err)
	}

	var history []agent.HistoryMessage
	var attachments []agent.Attachment
	for _, m := range msgs {
		if m.Timestamp == currentTS {
			attachments = fileAttachments(m.Files)
			continue
		}
		user := m.User
		if user == "" && m.BotID != "" {
			user = "bot"
		}
		history = append(history, agent.HistoryMessage{User: user, Text: m.Text})
	}
	return history, attachments, nil
}

// BotUserID returns the user id of the token's bot.
func (p *Poster) BotUserID(ctx context.Context) (string, error) {
	resp, err := p.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth test: %w", err)
	}
	return resp.UserID, nil
}

func (p *Poster) limiter(channelID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[channelID]
	if !ok {
		lim = rate.NewLimiter(p.rateVal, p.burst)
		p.limiters[channelID] = lim
	}
	return lim
}

func fileAttachments(files []slack.File) []agent.Attachment {
	var out []agent.Attachment
	for _, f := range files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		out = append(out, agent.Attachment{Name: f.Name, MimeType: f.Mimetype, URL: url})
	}
	return out
}
