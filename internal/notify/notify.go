// Package notify delivers outbound notifications. Dispatchers are only ever
// invoked behind the notification outbox: the dispatcher poller claims a
// persisted command, routes it by channel, and records the outcome. A
// channel failure is retried by the outbox, never surfaced to workflow or
// campaign state.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Well-known channel names.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelWebhook  = "webhook"
	ChannelEmail    = "email"
)

// Dispatcher sends one message over one channel type.
type Dispatcher interface {
	Send(ctx context.Context, recipient, message string) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, recipient, message string) error

func (f DispatcherFunc) Send(ctx context.Context, recipient, message string) error {
	return f(ctx, recipient, message)
}

// Router fans a notification command out to the dispatcher registered for
// its channel. Safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Dispatcher
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{channels: make(map[string]Dispatcher)}
}

// Register binds a dispatcher to a channel name, replacing any previous
// binding.
func (r *Router) Register(channel string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = d
}

// Send routes one message. An unregistered channel is an error so the outbox
// records the failure and retries once a dispatcher is wired.
func (r *Router) Send(ctx context.Context, channel, recipient, message string) error {
	r.mu.RLock()
	d := r.channels[channel]
	r.mu.RUnlock()
	if d == nil {
		return fmt.Errorf("notify.Router: no dispatcher registered for channel %q", channel)
	}
	if err := d.Send(ctx, recipient, message); err != nil {
		return fmt.Errorf("notify.Router: channel %s: %w", channel, err)
	}
	slog.Debug("Router.Send: delivered", "channel", channel, "recipient", recipient)
	return nil
}

// LogDispatcher records deliveries to the log only. It stands in for
// channels without a configured transport in development setups.
type LogDispatcher struct {
	Channel string
}

func (d *LogDispatcher) Send(ctx context.Context, recipient, message string) error {
	slog.Info("LogDispatcher.Send: notification", "channel", d.Channel, "recipient", recipient, "message", message)
	return nil
}
