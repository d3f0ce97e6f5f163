// Package alert delivers asynchronous notifications when the gate
// escalates: punitive blocks, global security blocks, and bot verdicts.
//
// Deliveries run in goroutines so they never block the request path.
// Failed deliveries are logged but not retried.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gregdel/pushover"

	"github.com/luisfsill/abusegate/internal/domain"
)

// Notifier fans alert events out to registered webhooks and, when
// configured, a Pushover recipient.
type Notifier struct {
	mu       sync.RWMutex
	webhooks map[string]domain.WebhookConfig
	client   *http.Client

	push      *pushover.Pushover
	recipient *pushover.Recipient
}

// New creates a Notifier with a sensible default HTTP client timeout.
func New() *Notifier {
	return &Notifier{
		webhooks: make(map[string]domain.WebhookConfig),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// EnablePushover adds a Pushover delivery channel.
func (n *Notifier) EnablePushover(appToken, recipientToken string) {
	n.push = pushover.New(appToken)
	n.recipient = pushover.NewRecipient(recipientToken)
}

// Register stores a webhook configuration.
func (n *Notifier) Register(wh domain.WebhookConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.webhooks[wh.ID] = wh
}

// Delete removes a webhook by ID. Returns false if not found.
func (n *Notifier) Delete(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, exists := n.webhooks[id]
	if exists {
		delete(n.webhooks, id)
	}
	return exists
}

// List returns all registered webhooks.
func (n *Notifier) List() []domain.WebhookConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]domain.WebhookConfig, 0, len(n.webhooks))
	for _, wh := range n.webhooks {
		out = append(out, wh)
	}
	return out
}

// NotifyAsync fires delivery goroutines for the event and returns
// immediately.
func (n *Notifier) NotifyAsync(ev domain.AlertEvent) {
	n.mu.RLock()
	hooks := make([]domain.WebhookConfig, 0, len(n.webhooks))
	for _, wh := range n.webhooks {
		if wh.Active {
			hooks = append(hooks, wh)
		}
	}
	n.mu.RUnlock()

	for _, wh := range hooks {
		go n.send(wh, ev)
	}
	if n.push != nil {
		go n.sendPushover(ev)
	}
}

// send delivers one webhook call and logs the outcome.
func (n *Notifier) send(wh domain.WebhookConfig, ev domain.AlertEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("alert: failed to marshal payload", "webhook_id", wh.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		slog.Error("alert: failed to build request", "webhook_id", wh.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gate-Event", ev.Event)

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("alert: delivery failed", "webhook_id", wh.ID, "url", wh.URL, "error", err)
		return
	}
	defer resp.Body.Close()

	slog.Info("alert: delivered",
		"webhook_id", wh.ID,
		"event", ev.Event,
		"status", resp.StatusCode,
		"fingerprint", ev.Fingerprint,
	)
}

func (n *Notifier) sendPushover(ev domain.AlertEvent) {
	msg := pushover.NewMessageWithTitle(
		"event: "+ev.Event+"\nfingerprint: "+ev.Fingerprint+"\ndetail: "+ev.Detail,
		"abusegate: "+ev.Event,
	)
	if _, err := n.push.SendMessage(msg, n.recipient); err != nil {
		slog.Warn("alert: pushover delivery failed", "event", ev.Event, "error", err)
	}
}
