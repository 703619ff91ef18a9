// Package notify implements the notification dispatcher:
// dispatch(alert, channels). The core treats this as an external
// collaborator; this package supplies two channel implementations,
// "console" and "slack".
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// Channel is a dispatcher's notification destination. The core only
// knows these as opaque strings; it never imports a specific transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert model.Alert) error
}

// Dispatcher fans an alert out to every requested channel by name,
// logging (not failing the caller) when a channel is unknown or a send
// errors — a notification failure must never block the detector.
type Dispatcher struct {
	channels map[string]Channel
	log      zerolog.Logger
}

// NewDispatcher registers channels by their Name().
func NewDispatcher(log zerolog.Logger, channels ...Channel) *Dispatcher {
	d := &Dispatcher{channels: make(map[string]Channel), log: log}
	for _, c := range channels {
		d.channels[c.Name()] = c
	}
	return d
}

// Dispatch sends alert to each named channel. Errors are logged per
// channel; a bad channel name or a failed send never propagates to the
// caller — the core does not know about any specific transport.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert, channelNames []string) {
	for _, name := range channelNames {
		ch, ok := d.channels[name]
		if !ok {
			d.log.Warn().Str("channel", name).Msg("unknown notification channel")
			continue
		}
		if err := ch.Send(ctx, alert); err != nil {
			d.log.Warn().Err(err).Str("channel", name).Str("alert_id", alert.AlertID).Msg("notification send failed")
		}
	}
}

// ConsoleChannel writes a one-line summary through the shared zerolog
// logger, to whatever writer that logger uses (cmd/surveild's writes to
// stderr) — the simplest channel, and the one every deployment
// gets for free.
type ConsoleChannel struct {
	log zerolog.Logger
}

// NewConsoleChannel creates the "console" channel.
func NewConsoleChannel(log zerolog.Logger) *ConsoleChannel { return &ConsoleChannel{log: log} }

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(_ context.Context, alert model.Alert) error {
	c.log.Info().
		Str("alert_id", alert.AlertID).
		Str("alert_type", alert.AlertType).
		Str("priority", string(alert.Priority)).
		Str("venue", alert.Venue).
		Str("instrument", alert.Instrument).
		Str("trigger_value", alert.TriggerValue.String()).
		Msg("ALERT")
	return nil
}

// SlackChannel posts to an incoming webhook URL. It is disabled (Send
// is a no-op) when constructed without a URL, degrading gracefully
// without credentials rather than refusing to start.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
	log        zerolog.Logger
}

// NewSlackChannel creates the "slack" channel. An empty webhookURL
// disables sending.
func NewSlackChannel(webhookURL string, log zerolog.Logger) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert model.Alert) error {
	if s.webhookURL == "" {
		s.log.Debug().Msg("slack channel disabled, no webhook configured")
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s %s/%s trigger=%s value=%s threshold=%s",
			alert.Priority, alert.AlertType, alert.Venue, alert.Instrument,
			alert.TriggerMetric, alert.TriggerValue.String(), alert.TriggerThreshold.String()),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
