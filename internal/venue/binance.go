package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// BinanceKeepalive uses a binary ping frame. gorilla/websocket answers
// ping control frames with a pong automatically on the read side; the
// adapter only needs to emit the ping itself.
func BinanceKeepalive() KeepaliveConfig {
	return KeepaliveConfig{
		Mode:         KeepaliveBinaryPing,
		PingInterval: 20 * time.Second,
		PongTimeout:  50 * time.Second,
	}
}

// binanceDepthUpdate mirrors Binance's partial book depth stream
// payload for a single instrument subscription.
type binanceDepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// BinanceParser implements venue.Parser against Binance's combined
// depth-update stream.
type BinanceParser struct{}

func (BinanceParser) SubscribeFrames(instruments []string) [][]byte {
	streams := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		streams = append(streams, strings.ToLower(inst)+"@depth20@100ms")
	}
	frame, _ := json.Marshal(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     1,
	})
	return [][]byte{frame}
}

func (BinanceParser) Parse(data []byte) (*model.OrderBookSnapshot, *model.TickerSnapshot, int64, error) {
	var msg binanceDepthUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, 0, fmt.Errorf("binance: %w", err)
	}
	if msg.Symbol == "" {
		return nil, nil, 0, nil // subscription ack or similar, not a data frame
	}

	bids := toRawLevels(msg.Bids)
	asks := toRawLevels(msg.Asks)
	now := time.Now()
	venueTime := time.UnixMilli(msg.EventTime)

	book, err := BuildOrderBook("binance", msg.Symbol, bids, asks, msg.FinalUpdateID, venueTime, now, model.SourceStream)
	if err != nil {
		return nil, nil, 0, err
	}
	return book, nil, msg.FinalUpdateID, nil
}

func (BinanceParser) IsPong(data []byte) bool { return false } // binary pong, handled by transport

func (BinanceParser) PingFrame() (int, []byte) { return websocket.PingMessage, nil }

func toRawLevels(raw [][]string) []RawLevel {
	out := make([]RawLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		out = append(out, RawLevel{Price: pair[0], Quantity: pair[1]})
	}
	return out
}

// BinanceTickerFetch fetches the current book ticker over REST, used by
// the adapter's REST fallback path while in degraded mode.
func BinanceTickerFetch(client *http.Client) FetchFunc {
	return func(ctx context.Context, instrument string) (*model.OrderBookSnapshot, error) {
		url := fmt.Sprintf("https://api.binance.com/api/v3/ticker/bookTicker?symbol=%s", strings.ToUpper(instrument))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("binance rest: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("binance rest status %d: %s", resp.StatusCode, string(body))
		}
		var payload struct {
			Symbol   string `json:"symbol"`
			BidPrice string `json:"bidPrice"`
			BidQty   string `json:"bidQty"`
			AskPrice string `json:"askPrice"`
			AskQty   string `json:"askQty"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("binance rest decode: %w", err)
		}
		now := time.Now()
		return BuildOrderBook("binance", instrument,
			[]RawLevel{{Price: payload.BidPrice, Quantity: payload.BidQty}},
			[]RawLevel{{Price: payload.AskPrice, Quantity: payload.AskQty}},
			0, now, now, model.SourceREST,
		)
	}
}
