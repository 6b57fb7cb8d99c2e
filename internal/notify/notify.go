package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/ivanmolanski/empire/internal/bus"
	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/orchestrator"
)

// Notifier pushes workflow settlements to a Telegram chat. It only
// sends; nothing comes back in.
type Notifier struct {
	bot    *telego.Bot
	client *bus.Client
	chatID int64
}

func New(cfg config.NotifyConfig, client *bus.Client) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, client: client, chatID: cfg.ChatID}, nil
}

// Start subscribes to workflow events and notifies on every
// settlement.
func (n *Notifier) Start(ctx context.Context) error {
	_, err := n.client.Subscribe(bus.TopicEventsWorkflowAll, func(msg *nats.Msg) {
		var ev orchestrator.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		if ev.Type != orchestrator.EventWorkflowSettled {
			return
		}
		if err := n.send(ctx, settleText(ev)); err != nil {
			slog.Error("failed to send telegram notification", "workflow", ev.WorkflowID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe workflow events: %w", err)
	}
	slog.Info("notifier started", "chat", n.chatID)
	return nil
}

func (n *Notifier) send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func settleText(ev orchestrator.Event) string {
	name, _ := ev.Data["name"].(string)
	if name == "" {
		name = "workflow"
	}
	state, _ := ev.Data["state"].(string)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] settled: %s", name, truncate(ev.WorkflowID, 8), state)

	tasks, _ := ev.Data["tasks"].(map[string]any)
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		outcome, _ := tasks[id].(string)
		fmt.Fprintf(&b, "\n%s: %s", id, outcome)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
