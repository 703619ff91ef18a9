package pipeline

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/cold"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
)

type fakeAdapter struct {
	health model.HealthSnapshot
}

func (f *fakeAdapter) Run(ctx context.Context)                   {}
func (f *fakeAdapter) Snapshots() <-chan model.OrderBookSnapshot { return nil }
func (f *fakeAdapter) Tickers() <-chan model.TickerSnapshot      { return nil }
func (f *fakeAdapter) Gaps() <-chan model.GapMarker              { return nil }
func (f *fakeAdapter) Health() model.HealthSnapshot              { return f.health }
func (f *fakeAdapter) Close() error                              { return nil }

func newTestAggregator(t *testing.T, adapters map[string]VenueAdapter) *Aggregator {
	t.Helper()
	hotStore := hot.New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), hot.DefaultConfig(), zerolog.Nop())
	coldCfg := cold.DefaultConfig()
	coldCfg.FallbackQueuePath = t.TempDir() + "/fallback.jsonl"
	coldStore, err := cold.New(nil, coldCfg, zerolog.Nop())
	require.NoError(t, err)
	return NewAggregator(adapters, hotStore, coldStore)
}

func TestAggregator_HealthyWhenAllConnected(t *testing.T) {
	adapters := map[string]VenueAdapter{
		"binance": &fakeAdapter{health: model.HealthSnapshot{Venue: "binance", Status: model.HealthConnected}},
		"okx":     &fakeAdapter{health: model.HealthSnapshot{Venue: "okx", Status: model.HealthConnected}},
	}
	agg := newTestAggregator(t, adapters)

	resp := agg.Gather()
	assert.Equal(t, "healthy", resp.Status)
	assert.Len(t, resp.Venues, 2)
	assert.False(t, resp.HotStoreDegraded)
	assert.Equal(t, int64(0), resp.ColdQueueDepth)
}

func TestAggregator_DegradedWhenOneVenueDown(t *testing.T) {
	adapters := map[string]VenueAdapter{
		"binance": &fakeAdapter{health: model.HealthSnapshot{Venue: "binance", Status: model.HealthConnected}},
		"okx":     &fakeAdapter{health: model.HealthSnapshot{Venue: "okx", Status: model.HealthDisconnected}},
	}
	agg := newTestAggregator(t, adapters)

	resp := agg.Gather()
	assert.Equal(t, "degraded", resp.Status)
}

func TestAggregator_UnhealthyWhenAllVenuesDown(t *testing.T) {
	adapters := map[string]VenueAdapter{
		"binance": &fakeAdapter{health: model.HealthSnapshot{Venue: "binance", Status: model.HealthDisconnected}},
	}
	agg := newTestAggregator(t, adapters)

	resp := agg.Gather()
	assert.Equal(t, "unhealthy", resp.Status)
}

func TestAggregator_ServeHTTPReturnsJSON(t *testing.T) {
	adapters := map[string]VenueAdapter{
		"binance": &fakeAdapter{health: model.HealthSnapshot{Venue: "binance", Status: model.HealthConnected}},
	}
	agg := newTestAggregator(t, adapters)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	agg.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}
