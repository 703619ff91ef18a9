package venue

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// Keep-alive framing is venue-specific: Binance uses a binary
// websocket control-frame ping, OKX (and Coinbase) use an
// application-level text ping/pong. Both paths get dedicated coverage
// here rather than assuming one framing for every venue.

func TestBinanceParser_UsesBinaryControlPing(t *testing.T) {
	cfg := BinanceKeepalive()
	assert.Equal(t, KeepaliveBinaryPing, cfg.Mode)

	var p BinanceParser
	msgType, payload := p.PingFrame()
	assert.Equal(t, websocket.PingMessage, msgType)
	assert.Empty(t, payload)
	assert.False(t, p.IsPong([]byte("pong")), "binance pong is handled by the transport, never by IsPong")
}

func TestOKXParser_UsesTextPingPong(t *testing.T) {
	cfg := OKXKeepalive()
	assert.Equal(t, KeepaliveTextPing, cfg.Mode)

	var p OKXParser
	msgType, payload := p.PingFrame()
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "ping", string(payload))
	assert.True(t, p.IsPong([]byte("pong")))
	assert.False(t, p.IsPong([]byte("something-else")))
}

func TestCoinbaseParser_UsesTextHeartbeat(t *testing.T) {
	cfg := CoinbaseKeepalive()
	assert.Equal(t, KeepaliveTextPing, cfg.Mode)

	var p CoinbaseParser
	msgType, payload := p.PingFrame()
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Contains(t, string(payload), "heartbeat")
	assert.True(t, p.IsPong([]byte(`{"type":"heartbeat"}`)))
	assert.False(t, p.IsPong([]byte(`{"type":"snapshot"}`)))
}

// fakeConn is a minimal Conn double driven entirely by the test: reads
// block until fed or closed, writes always succeed, and the registered
// pong handler is invoked only when the test calls triggerPong —
// standing in for an actual pong control frame arriving off the wire.
type fakeConn struct {
	mu          sync.Mutex
	pongHandler func(string) error
	incoming    chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pongHandler = h
	c.mu.Unlock()
}

func (c *fakeConn) triggerPong() {
	c.mu.Lock()
	h := c.pongHandler
	c.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func binaryPingConfig(pingInterval, pongTimeout time.Duration) Config {
	return Config{
		Venue:     "binance",
		WSURL:     "wss://example.invalid",
		Keepalive: KeepaliveConfig{Mode: KeepaliveBinaryPing, PingInterval: pingInterval, PongTimeout: pongTimeout},
		Gap:       DefaultGapConfig(),
	}
}

// A successful local write must never substitute for a real pong: with
// nothing ever invoking the registered pong handler, the adapter must
// time out and transition to reconnecting once PongTimeout elapses,
// even though every ping write on the fake connection succeeds.
func TestAdapter_BinaryPing_WriteSuccessAloneDoesNotPreventTimeout(t *testing.T) {
	a := New(binaryPingConfig(5*time.Millisecond, 20*time.Millisecond), nil, &BinanceParser{}, nil, zerolog.Nop())
	conn := newFakeConn()
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.streamLoop(ctx, conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("streamLoop did not return on pong timeout")
	}
	assert.Equal(t, model.HealthReconnecting, a.Health().Status)
}

// A real pong, delivered through the Conn's registered SetPongHandler
// callback, must reset the deadline and keep the connection healthy
// past what would otherwise be a timeout.
func TestAdapter_BinaryPing_RealPongResetsDeadline(t *testing.T) {
	a := New(binaryPingConfig(5*time.Millisecond, 20*time.Millisecond), nil, &BinanceParser{}, nil, zerolog.Nop())
	conn := newFakeConn()
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		a.streamLoop(ctx, conn)
		close(done)
	}()

	stopPongs := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopPongs:
				return
			case <-ticker.C:
				conn.triggerPong()
			}
		}
	}()

	time.Sleep(70 * time.Millisecond) // several multiples of PongTimeout
	close(stopPongs)
	assert.Equal(t, model.HealthConnected, a.Health().Status, "must stay healthy while real pongs keep arriving")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("streamLoop did not return after context cancellation")
	}
}
