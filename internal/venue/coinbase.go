package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// CoinbaseKeepalive mirrors OKX's text ping/pong protocol — Coinbase's
// Advanced Trade feed also expects an application-level heartbeat rather
// than relying on websocket control frames.
func CoinbaseKeepalive() KeepaliveConfig {
	return KeepaliveConfig{
		Mode:         KeepaliveTextPing,
		PingInterval: 30 * time.Second,
		PongTimeout:  45 * time.Second,
	}
}

type coinbaseL2Update struct {
	Type       string     `json:"type"`
	ProductID  string     `json:"product_id"`
	Time       string     `json:"time"`
	Bids       [][]string `json:"bids"`
	Asks       [][]string `json:"asks"`
	Sequence   int64      `json:"sequence"`
}

// CoinbaseParser implements venue.Parser against Coinbase's level2
// order-book channel.
type CoinbaseParser struct{}

func (CoinbaseParser) SubscribeFrames(instruments []string) [][]byte {
	frame, _ := json.Marshal(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": instruments,
		"channels":    []string{"level2"},
	})
	return [][]byte{frame}
}

func (CoinbaseParser) Parse(data []byte) (*model.OrderBookSnapshot, *model.TickerSnapshot, int64, error) {
	var msg coinbaseL2Update
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, 0, fmt.Errorf("coinbase: %w", err)
	}
	if msg.Type != "snapshot" && msg.Type != "l2update" {
		return nil, nil, 0, nil
	}
	if msg.ProductID == "" {
		return nil, nil, 0, nil
	}

	venueTime, err := time.Parse(time.RFC3339, msg.Time)
	if err != nil {
		venueTime = time.Now()
	}
	now := time.Now()

	book, err := BuildOrderBook("coinbase", msg.ProductID, toRawLevels(msg.Bids), toRawLevels(msg.Asks), msg.Sequence, venueTime, now, model.SourceStream)
	if err != nil {
		return nil, nil, 0, err
	}
	return book, nil, msg.Sequence, nil
}

func (CoinbaseParser) IsPong(data []byte) bool {
	var msg struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Type == "heartbeat"
}

func (CoinbaseParser) PingFrame() (int, []byte) {
	frame, _ := json.Marshal(map[string]string{"type": "heartbeat"})
	return websocket.TextMessage, frame
}

// CoinbaseTickerFetch fetches the current order book over REST for the
// degraded-mode fallback path.
func CoinbaseTickerFetch(client *http.Client) FetchFunc {
	return func(ctx context.Context, instrument string) (*model.OrderBookSnapshot, error) {
		url := fmt.Sprintf("https://api.exchange.coinbase.com/products/%s/book?level=1", instrument)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("coinbase rest: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("coinbase rest status %d: %s", resp.StatusCode, string(body))
		}
		var payload struct {
			Bids     [][]string `json:"bids"`
			Asks     [][]string `json:"asks"`
			Sequence int64      `json:"sequence"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("coinbase rest decode: %w", err)
		}
		now := time.Now()
		return BuildOrderBook("coinbase", instrument, toRawLevels(payload.Bids), toRawLevels(payload.Asks), payload.Sequence, now, now, model.SourceREST)
	}
}
