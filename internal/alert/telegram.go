// Package alert pushes operator notifications for pipeline incidents.
// Dead-lettered items and degraded agents are the two events a human
// should hear about without watching a dashboard.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/foundry/internal/bus"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender delivers one alert message. Satisfied by *tgbotapi.BotAPI
// through botSender; tests substitute their own.
type Sender interface {
	Send(text string) error
}

type botSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func (b *botSender) Send(text string) error {
	_, err := b.bot.Send(tgbotapi.NewMessage(b.chatID, text))
	return err
}

// Notifier forwards incident events from the bus to a Sender.
type Notifier struct {
	bus    *bus.Bus
	sender Sender
	logger *slog.Logger
}

// NewTelegram builds a notifier backed by a Telegram bot.
func NewTelegram(token string, chatID int64, b *bus.Bus, logger *slog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	if logger != nil {
		logger.Info("telegram alerts enabled", "user", bot.Self.UserName)
	}
	return New(&botSender{bot: bot, chatID: chatID}, b, logger), nil
}

// New builds a notifier over any Sender.
func New(sender Sender, b *bus.Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{bus: b, sender: sender, logger: logger.With("component", "alert")}
}

// Run forwards incidents until ctx is canceled. Send failures are logged
// and dropped; alerting is best effort and never blocks the pipeline.
func (n *Notifier) Run(ctx context.Context) {
	deadLetters := n.bus.Subscribe(bus.TopicItemDeadLetter)
	defer n.bus.Unsubscribe(deadLetters)
	degraded := n.bus.Subscribe(bus.TopicAgentDegraded)
	defer n.bus.Unsubscribe(degraded)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-deadLetters.Ch():
			if !ok {
				return
			}
			if se, ok := ev.Payload.(bus.StageEvent); ok {
				n.send(fmt.Sprintf(
					"⚠️ item %s dead-lettered at stage %s after %d attempts: %s",
					se.ItemID, se.Stage, se.Attempt, se.Reason))
			}
		case ev, ok := <-degraded.Ch():
			if !ok {
				return
			}
			if ae, ok := ev.Payload.(bus.AgentEvent); ok {
				n.send(fmt.Sprintf("🔇 agent %s (%s) went silent: %s", ae.AgentID, ae.Role, ae.Reason))
			}
		}
	}
}

func (n *Notifier) send(text string) {
	if err := n.sender.Send(text); err != nil {
		n.logger.Warn("alert delivery failed", "error", err)
		return
	}
	n.logger.Info("alert sent")
}
