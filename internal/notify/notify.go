// Package notify pushes pass summaries to a Telegram chat so operators
// see what the scheduler decided without reading logs. Delivery is best
// effort; a failed send never affects the pass.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token  string
	ChatID int64
}

type Notifier struct {
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Notifier{
		bot:     bot,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log,
	}, nil
}

// SendSummary posts the pass report as one message. Long reports are
// truncated to Telegram's message limit.
func (n *Notifier) SendSummary(ctx context.Context, header string, lines []string) {
	if n == nil {
		return
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return
	}
	body := header
	if len(lines) > 0 {
		body += "\n" + strings.Join(lines, "\n")
	}
	const maxLen = 4000
	if len(body) > maxLen {
		body = body[:maxLen] + "\n…"
	}
	if _, err := n.bot.Send(n.chat, body); err != nil {
		n.log.Warn().Err(err).Msg("summary notification failed")
	}
}
