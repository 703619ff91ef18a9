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

// OKXKeepalive uses the application-level text "ping"/"pong" protocol:
// OKX does not answer websocket control-frame pings, it expects a
// literal text message and answers with a literal text message.
func OKXKeepalive() KeepaliveConfig {
	return KeepaliveConfig{
		Mode:         KeepaliveTextPing,
		PingInterval: 20 * time.Second,
		PongTimeout:  30 * time.Second,
	}
}

type okxBookMessage struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		TS   string     `json:"ts"`
		Seq  int64      `json:"seqId"`
	} `json:"data"`
}

// OKXParser implements venue.Parser against OKX's order-book channel.
type OKXParser struct{}

func (OKXParser) SubscribeFrames(instruments []string) [][]byte {
	args := make([]map[string]string, 0, len(instruments))
	for _, inst := range instruments {
		args = append(args, map[string]string{"channel": "books", "instId": inst})
	}
	frame, _ := json.Marshal(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
	return [][]byte{frame}
}

func (OKXParser) Parse(data []byte) (*model.OrderBookSnapshot, *model.TickerSnapshot, int64, error) {
	if string(data) == "pong" {
		return nil, nil, 0, nil
	}
	var msg okxBookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, 0, fmt.Errorf("okx: %w", err)
	}
	if len(msg.Data) == 0 || msg.Arg.InstID == "" {
		return nil, nil, 0, nil
	}
	entry := msg.Data[0]

	bids := toRawLevels(trimOKXLevels(entry.Bids))
	asks := toRawLevels(trimOKXLevels(entry.Asks))

	venueTimeMS, err := parseOKXTimestamp(entry.TS)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("okx ts: %w", err)
	}
	now := time.Now()

	book, err := BuildOrderBook("okx", msg.Arg.InstID, bids, asks, entry.Seq, venueTimeMS, now, model.SourceStream)
	if err != nil {
		return nil, nil, 0, err
	}
	return book, nil, entry.Seq, nil
}

// trimOKXLevels drops OKX's trailing order-count/liquidated-count
// fields, keeping only (price, quantity).
func trimOKXLevels(raw [][]string) [][]string {
	out := make([][]string, 0, len(raw))
	for _, level := range raw {
		if len(level) >= 2 {
			out = append(out, level[:2])
		}
	}
	return out
}

func parseOKXTimestamp(ts string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ts, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func (OKXParser) IsPong(data []byte) bool { return string(data) == "pong" }

func (OKXParser) PingFrame() (int, []byte) { return websocket.TextMessage, []byte("ping") }

// OKXTickerFetch fetches the current order book over REST for the
// degraded-mode fallback path.
func OKXTickerFetch(client *http.Client) FetchFunc {
	return func(ctx context.Context, instrument string) (*model.OrderBookSnapshot, error) {
		url := fmt.Sprintf("https://www.okx.com/api/v5/market/books?instId=%s&sz=1", instrument)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("okx rest: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("okx rest status %d: %s", resp.StatusCode, string(body))
		}
		var payload struct {
			Data []struct {
				Bids [][]string `json:"bids"`
				Asks [][]string `json:"asks"`
				TS   string     `json:"ts"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("okx rest decode: %w", err)
		}
		if len(payload.Data) == 0 {
			return nil, fmt.Errorf("okx rest: empty response for %s", instrument)
		}
		entry := payload.Data[0]
		venueTime, err := parseOKXTimestamp(entry.TS)
		if err != nil {
			venueTime = time.Now()
		}
		now := time.Now()
		return BuildOrderBook("okx", instrument,
			toRawLevels(trimOKXLevels(entry.Bids)),
			toRawLevels(trimOKXLevels(entry.Asks)),
			0, venueTime, now, model.SourceREST,
		)
	}
}
