package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

type fakeChannel struct {
	name    string
	sent    []model.Alert
	sendErr error
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Send(_ context.Context, a model.Alert) error {
	f.sent = append(f.sent, a)
	return f.sendErr
}

func testAlert() model.Alert {
	return model.Alert{
		AlertID:          "wide_spread-binance-BTC-USD-1",
		AlertType:        "wide_spread",
		Priority:         model.PriorityP2,
		Venue:            "binance",
		Instrument:       "BTC-USD",
		TriggerMetric:    "spread_bps",
		TriggerValue:     decimal.RequireFromString("75"),
		TriggerThreshold: decimal.RequireFromString("50"),
	}
}

func TestDispatcher_SendsToEveryNamedChannel(t *testing.T) {
	console := &fakeChannel{name: "console"}
	slack := &fakeChannel{name: "slack"}
	d := NewDispatcher(zerolog.Nop(), console, slack)

	d.Dispatch(context.Background(), testAlert(), []string{"console", "slack"})

	require.Len(t, console.sent, 1)
	require.Len(t, slack.sent, 1)
	assert.Equal(t, "wide_spread-binance-BTC-USD-1", console.sent[0].AlertID)
}

func TestDispatcher_UnknownChannelIsSkippedNotFatal(t *testing.T) {
	console := &fakeChannel{name: "console"}
	d := NewDispatcher(zerolog.Nop(), console)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), testAlert(), []string{"console", "pagerduty"})
	})
	assert.Len(t, console.sent, 1)
}

func TestDispatcher_FailedSendDoesNotPropagate(t *testing.T) {
	failing := &fakeChannel{name: "slack", sendErr: assert.AnError}
	d := NewDispatcher(zerolog.Nop(), failing)

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), testAlert(), []string{"slack"})
	})
}

func TestSlackChannel_DisabledWithoutWebhookURL(t *testing.T) {
	ch := NewSlackChannel("", zerolog.Nop())
	err := ch.Send(context.Background(), testAlert())
	assert.NoError(t, err)
}

func TestSlackChannel_PostsPayloadToWebhook(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, zerolog.Nop())
	err := ch.Send(context.Background(), testAlert())
	require.NoError(t, err)
	assert.Contains(t, received["text"], "wide_spread")
}

func TestSlackChannel_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, zerolog.Nop())
	err := ch.Send(context.Background(), testAlert())
	assert.Error(t, err)
}

func TestConsoleChannel_NeverErrors(t *testing.T) {
	ch := NewConsoleChannel(zerolog.Nop())
	assert.NoError(t, ch.Send(context.Background(), testAlert()))
}
