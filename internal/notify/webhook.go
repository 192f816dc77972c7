// Package notify posts tick failures to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gridingest/internal/events"
)

// Message is the outbound alert body. BotID is set for GroupMe-style bots
// and omitted otherwise.
type Message struct {
	Text  string `json:"text"`
	BotID string `json:"bot_id,omitempty"`
}

// Notifier sends at most one alert per source per cooldown.
type Notifier struct {
	url      string
	botID    string
	cooldown time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func New(url, botID string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:      url,
		botID:    botID,
		cooldown: cooldown,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With(slog.String("component", "notify")),
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Run consumes ch until it closes or ctx ends.
func (n *Notifier) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.TickFailed || !n.due(ev.SourceKey) {
				continue
			}
			text := fmt.Sprintf("gridingest: %s failed at %s (tick %s): %s", ev.SourceKey, ev.Outcome, ev.TickID, ev.Message)
			if err := n.Send(ctx, Message{Text: text}); err != nil {
				n.logger.Warn("alert_failed", "source", ev.SourceKey, "err", err)
			}
		}
	}
}

func (n *Notifier) due(source string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.last[source]; ok && now.Sub(last) < n.cooldown {
		return false
	}
	n.last[source] = now
	return true
}

// Send posts msg to the webhook.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if msg.BotID == "" {
		msg.BotID = n.botID
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
