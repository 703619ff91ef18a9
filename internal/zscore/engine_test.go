package zscore

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(cfg Config) *Engine {
	if cfg.WindowSize == 0 {
		cfg = DefaultConfig()
	}
	return NewEngine(cfg, zerolog.Nop())
}

func TestAdd_AbsentDuringWarmup(t *testing.T) {
	e := testEngine(DefaultConfig())
	now := time.Now()

	for i := 0; i < 29; i++ {
		z := e.Add("spread_bps", "binance", "BTC-USD", decimal.NewFromFloat(float64(i)), now)
		assert.Nil(t, z, "sample %d should be absent during warmup", i)
	}
}

func TestAdd_FiresOnMinSamplesWithVariance(t *testing.T) {
	e := testEngine(DefaultConfig())
	now := time.Now()

	for i := 0; i < 29; i++ {
		e.Add("spread_bps", "binance", "BTC-USD", decimal.NewFromFloat(2.0), now)
	}
	z := e.Add("spread_bps", "binance", "BTC-USD", decimal.NewFromFloat(5.0), now)
	require.NotNil(t, z)
}

func TestAdd_FlatSeriesNeverFires(t *testing.T) {
	e := testEngine(DefaultConfig())
	now := time.Now()

	for i := 0; i < 400; i++ {
		z := e.Add("spread_bps", "binance", "BTC-USD", decimal.NewFromFloat(2.0), now)
		assert.Nil(t, z, "identical samples must never produce a z-score")
	}
}

func TestReset_ClearsWarmupAndCount(t *testing.T) {
	e := testEngine(DefaultConfig())
	now := time.Now()

	for i := 0; i < 50; i++ {
		e.Add("basis_bps", "binance", "ETH-USD", decimal.NewFromFloat(float64(i)), now)
	}
	status, ok := e.Status("basis_bps", "binance", "ETH-USD")
	require.True(t, ok)
	assert.True(t, status.WarmedUp)

	e.ResetInstrument("binance", "ETH-USD", "gap")

	status, ok = e.Status("basis_bps", "binance", "ETH-USD")
	require.True(t, ok)
	assert.False(t, status.WarmedUp)
	assert.Equal(t, 0, status.SampleCount)

	for i := 0; i < 29; i++ {
		z := e.Add("basis_bps", "binance", "ETH-USD", decimal.NewFromFloat(float64(i)), now)
		assert.Nil(t, z)
	}
}

func TestUnsubscribe_RemovesSeries(t *testing.T) {
	e := testEngine(DefaultConfig())
	now := time.Now()
	e.Add("spread_bps", "okx", "BTC-USD", decimal.NewFromFloat(1.0), now)
	e.Unsubscribe("okx", "BTC-USD")

	_, ok := e.Status("spread_bps", "okx", "BTC-USD")
	assert.False(t, ok)
}

func TestAdd_MultipleSeriesAreIndependent(t *testing.T) {
	e := testEngine(DefaultConfig())
	now := time.Now()

	for i := 0; i < 50; i++ {
		e.Add("spread_bps", "binance", "BTC-USD", decimal.NewFromFloat(float64(i)), now)
	}
	// a brand-new series for a different instrument must still be in warmup
	z := e.Add("spread_bps", "binance", "ETH-USD", decimal.NewFromFloat(1.0), now)
	assert.Nil(t, z)
}
