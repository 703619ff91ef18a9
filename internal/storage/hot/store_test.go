package hot

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// unreachableClient points at a port nothing listens on so every call
// fails fast without requiring a live Redis instance.
func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	})
}

func TestStore_NotDegradedInitially(t *testing.T) {
	s := New(unreachableClient(), Config{WriteTimeout: 50 * time.Millisecond, BufferCapacity: 4}, zerolog.Nop())
	assert.False(t, s.Degraded())
}

func TestStore_WriteFailureFlipsDegraded(t *testing.T) {
	s := New(unreachableClient(), Config{WriteTimeout: 50 * time.Millisecond, BufferCapacity: 4}, zerolog.Nop())

	book := &model.OrderBookSnapshot{
		Venue:      "binance",
		Instrument: "BTC-USD",
		VenueTime:  time.Now(),
		LocalTime:  time.Now(),
	}
	err := s.WriteOrderBook(context.Background(), book)
	require.Error(t, err)
	assert.True(t, s.Degraded())
}

func TestStore_BufferDropsOldestOnOverflow(t *testing.T) {
	s := New(unreachableClient(), Config{WriteTimeout: 20 * time.Millisecond, BufferCapacity: 2}, zerolog.Nop())

	health := model.HealthSnapshot{Venue: "binance", LastMessageAt: time.Now()}
	for i := 0; i < 5; i++ {
		_ = s.WriteHealth(context.Background(), health)
	}

	s.mu.Lock()
	depth := len(s.buffer)
	last := s.buffer[len(s.buffer)-1]
	s.mu.Unlock()
	assert.LessOrEqual(t, depth, 2)
	assert.True(t, s.Degraded())

	assert.Equal(t, "health:binance", last.key, "buffered entry must record which key failed, not an empty placeholder")
	assert.WithinDuration(t, time.Now(), last.failedAt, time.Second)
}

// WriteOrderBook's failure is recorded under the order-book key, proving
// tryExec threads the actual write's key through rather than a shared
// or blank value.
func TestStore_BufferRecordsTheFailingKey(t *testing.T) {
	s := New(unreachableClient(), Config{WriteTimeout: 20 * time.Millisecond, BufferCapacity: 4}, zerolog.Nop())

	book := &model.OrderBookSnapshot{Venue: "binance", Instrument: "BTC-USD", VenueTime: time.Now(), LocalTime: time.Now()}
	err := s.WriteOrderBook(context.Background(), book)
	require.Error(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.buffer)
	assert.Equal(t, "orderbook:binance:BTC-USD", s.buffer[0].key)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, 4096, cfg.BufferCapacity)
}
