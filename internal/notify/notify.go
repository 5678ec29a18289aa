// Package notify announces order outcomes: a terminal line (with an optional
// bell) and an optional webhook POST for every order that reaches a final
// broker status or is refused at submission.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/stream"
	"wysetrade-desk/internal/workflow"
)

// Channel is one place notifications are delivered.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification is one order outcome.
type Notification struct {
	Type       NotificationType `json:"type"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	WorkflowID string           `json:"workflow_id"`
	OrderID    string           `json:"order_id,omitempty"`
	Symbol     string           `json:"tradingsymbol,omitempty"`
	Side       models.OrderSide `json:"transaction_type,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationFilled    NotificationType = "filled"
	NotificationRejected  NotificationType = "rejected"
	NotificationCancelled NotificationType = "cancelled"
	NotificationRefused   NotificationType = "refused"
)

// Important reports whether the notification deserves the bell.
func (n Notification) Important() bool {
	return n.Type != NotificationFilled
}

// FromView builds the notification for a workflow view, or false when the
// view is not an outcome worth announcing.
func FromView(v workflow.View) (Notification, bool) {
	n := Notification{WorkflowID: v.ID, Timestamp: time.Now()}
	if v.Draft != nil {
		n.Symbol = v.Draft.TradingSymbol
		n.Side = v.Draft.Action
	}
	if v.Status != nil {
		n.OrderID = v.Status.OrderID
	}

	switch {
	case v.State == workflow.StateComplete:
		n.Type = NotificationFilled
		n.Title = fmt.Sprintf("%s %s filled", n.Side, n.Symbol)
		n.Message = "Order complete"
		if s := v.Status; s != nil && s.FilledQuantity > 0 {
			n.Message = fmt.Sprintf("%d filled @ %s", s.FilledQuantity, s.AveragePrice.StringFixed(2))
		}
	case v.State == workflow.StateRejected:
		n.Type = NotificationRejected
		n.Title = fmt.Sprintf("%s %s rejected", n.Side, n.Symbol)
		n.Message = statusMessage(v, "Rejected by the broker")
	case v.State == workflow.StateCancelled:
		n.Type = NotificationCancelled
		n.Title = fmt.Sprintf("%s %s cancelled", n.Side, n.Symbol)
		n.Message = statusMessage(v, "Cancelled")
	case v.State == workflow.StateConfiguring && v.ErrorKind == apperrors.KindSubmission:
		n.Type = NotificationRefused
		n.Title = fmt.Sprintf("%s %s not placed", n.Side, n.Symbol)
		n.Message = v.Error
	default:
		return Notification{}, false
	}
	return n, true
}

func statusMessage(v workflow.View, fallback string) string {
	if v.Status != nil && v.Status.StatusMessage != "" {
		return v.Status.StatusMessage
	}
	return fallback
}

// Watcher turns order events from the hub into notifications. It implements
// stream.Consumer; delivery happens on its own goroutine so the hub's
// broadcast loop never waits on a slow channel.
type Watcher struct {
	channels []Channel
	queue    chan Notification
	logger   zerolog.Logger

	mu   sync.Mutex
	seen map[string]string // workflow id -> last announced outcome
}

// NewWatcher creates a watcher delivering to channels.
func NewWatcher(logger zerolog.Logger, channels ...Channel) *Watcher {
	return &Watcher{
		channels: channels,
		queue:    make(chan Notification, 64),
		logger:   logger.With().Str("component", "notify").Logger(),
		seen:     make(map[string]string),
	}
}

// Topics implements stream.Consumer.
func (w *Watcher) Topics() []string {
	return []string{workflow.TopicOrder}
}

// OnEvent implements stream.Consumer.
func (w *Watcher) OnEvent(ev stream.Event) {
	v, ok := ev.Payload.(workflow.View)
	if !ok || v.ID == "" {
		return
	}
	n, ok := FromView(v)
	if !ok {
		return
	}

	// Each outcome of a workflow is announced once; a refused submission
	// may be retried and refused again with a different reason.
	outcome := string(n.Type) + ":" + n.Message
	w.mu.Lock()
	if w.seen[v.ID] == outcome {
		w.mu.Unlock()
		return
	}
	w.seen[v.ID] = outcome
	w.mu.Unlock()

	select {
	case w.queue <- n:
	default:
		w.logger.Warn().Str("workflow", v.ID).Msg("Notification queue full, dropping")
	}
}

// Run delivers queued notifications until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-w.queue:
			w.deliver(ctx, n)
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, n Notification) {
	for _, ch := range w.channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			w.logger.Warn().Err(err).Str("channel", ch.Name()).Str("workflow", n.WorkflowID).
				Msg("Notification delivery failed")
		}
	}
}

// WebhookNotifier posts notifications as JSON.
type WebhookNotifier struct {
	url    string
	client *resty.Client
}

// NewWebhookNotifier creates a webhook channel. An empty url disables it.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url: strings.TrimSpace(url),
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "WyseTradeDesk/1.0"),
	}
}

// Name returns the channel name.
func (w *WebhookNotifier) Name() string { return "webhook" }

// IsEnabled reports whether a URL is configured.
func (w *WebhookNotifier) IsEnabled() bool { return w.url != "" }

// Send posts n to the webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	resp, err := w.client.R().SetContext(ctx).SetBody(n).Post(w.url)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
