package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// Conn is the subset of *websocket.Conn the adapter depends on, so tests
// can substitute a fake transport without a real socket.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	// SetPongHandler registers the callback gorilla/websocket invokes
	// when a control-frame pong is read off the wire. *websocket.Conn
	// satisfies this directly; it is only consulted for
	// KeepaliveBinaryPing venues.
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a venue's websocket connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials with gorilla/websocket's default dialer.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Parser turns one raw websocket message into normalized updates. A
// message may carry a book update, a ticker update, both, or neither
// (e.g. an exchange ack or a pong already handled by the adapter).
type Parser interface {
	// SubscribeFrames returns the frame(s) to send right after connecting,
	// to subscribe to every configured instrument.
	SubscribeFrames(instruments []string) [][]byte
	// Parse returns the book/ticker this message carries, if any, plus
	// the venue sequence number used for gap detection (0 if the
	// message carries no sequence).
	Parse(data []byte) (book *model.OrderBookSnapshot, ticker *model.TickerSnapshot, sequence int64, err error)
	// IsPong reports whether a text-mode keep-alive frame is the venue's
	// pong reply (only consulted when Keepalive.Mode is KeepaliveTextPing).
	IsPong(data []byte) bool
	// PingFrame returns the frame type and payload to send as a
	// keep-alive ping, honoring the venue's configured KeepaliveMode.
	PingFrame() (messageType int, payload []byte)
}

// Adapter drives one venue's connection lifecycle end to end: connect,
// subscribe, stream, keep-alive, reconnect-with-backoff, and REST
// fallback once reconnection has failed past the configured maximum.
// It is the one concrete implementation of the venue contract;
// concrete venues differ only in their Parser and Config.
type Adapter struct {
	cfg    Config
	dial   Dialer
	parser Parser
	fetch  FetchFunc
	log    zerolog.Logger

	snapshots chan model.OrderBookSnapshot
	tickers   chan model.TickerSnapshot
	gaps      chan model.GapMarker

	mu      sync.Mutex
	state   State
	health  model.HealthSnapshot

	gapTracker *GapTracker

	stop chan struct{}
	done chan struct{}
}

// New creates an Adapter. fetch supplies the REST fallback poller's
// per-instrument fetch function.
func New(cfg Config, dial Dialer, parser Parser, fetch FetchFunc, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		dial:       dial,
		parser:     parser,
		fetch:      fetch,
		log:        log,
		snapshots:  make(chan model.OrderBookSnapshot, 1024),
		tickers:    make(chan model.TickerSnapshot, 1024),
		gaps:       make(chan model.GapMarker, 256),
		state:      StateInit,
		health:     model.HealthSnapshot{Venue: cfg.Venue, Status: model.HealthDisconnected},
		gapTracker: NewGapTracker(cfg.Gap),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Snapshots exposes the normalized order-book sequence.
func (a *Adapter) Snapshots() <-chan model.OrderBookSnapshot { return a.snapshots }

// Tickers exposes the normalized ticker sequence.
func (a *Adapter) Tickers() <-chan model.TickerSnapshot { return a.tickers }

// Gaps exposes the gap-marker sequence.
func (a *Adapter) Gaps() <-chan model.GapMarker { return a.gaps }

// Health returns the latest known connection health.
func (a *Adapter) Health() model.HealthSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// Close shuts the adapter down and completes all three sequences.
func (a *Adapter) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

// Run drives the adapter until Close is called or ctx is canceled. It
// is meant to be launched in its own goroutine by the pipeline
// supervisor.
func (a *Adapter) Run(ctx context.Context) {
	defer close(a.done)
	defer close(a.snapshots)
	defer close(a.tickers)
	defer close(a.gaps)

	backoff := NewBackoff(a.cfg.Reconnect)
	var restCancel context.CancelFunc

	for {
		select {
		case <-a.stop:
			if restCancel != nil {
				restCancel()
			}
			return
		case <-ctx.Done():
			if restCancel != nil {
				restCancel()
			}
			return
		default:
		}

		a.setState(StateConnecting)
		conn, err := a.dial(ctx, a.cfg.WSURL)
		if err != nil {
			a.log.Warn().Str("venue", a.cfg.Venue).Err(err).Msg("connect failed")
			if a.maybeGoDegraded(ctx, backoff, &restCancel) {
				continue
			}
			a.sleepBackoff(ctx, backoff)
			continue
		}

		backoff.Reset()
		if restCancel != nil {
			restCancel()
			restCancel = nil
		}
		reconnectedAt := time.Now()
		a.emitReconnectGaps(reconnectedAt)

		a.setState(StateConnected)
		if err := a.subscribe(conn); err != nil {
			a.log.Warn().Str("venue", a.cfg.Venue).Err(err).Msg("subscribe failed")
			conn.Close()
			a.sleepBackoff(ctx, backoff)
			continue
		}
		a.setState(StateSubscribed)

		a.streamLoop(ctx, conn)
		conn.Close()
	}
}

// maybeGoDegraded transitions to degraded mode and starts the REST
// poller once the backoff attempt count exceeds the configured maximum.
// Returns true if it did so (caller should skip the normal backoff sleep
// and keep trying to reconnect in the background).
func (a *Adapter) maybeGoDegraded(ctx context.Context, backoff *Backoff, restCancel *context.CancelFunc) bool {
	if !backoff.ExceededMax() {
		return false
	}
	a.setState(StateDegraded)
	if *restCancel != nil {
		return true // already degraded
	}
	restCtx, cancel := context.WithCancel(ctx)
	*restCancel = cancel
	poller := NewRESTPoller(a.cfg.Venue, a.cfg.Instruments, a.cfg.Gap.RESTPollInterval, a.fetch, a.log)
	go poller.Run(restCtx)
	go a.forwardREST(restCtx, poller)
	return true
}

func (a *Adapter) forwardREST(ctx context.Context, poller *RESTPoller) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-poller.Snapshots():
			if !ok {
				return
			}
			select {
			case a.snapshots <- snap:
			case <-ctx.Done():
			}
		}
	}
}

func (a *Adapter) sleepBackoff(ctx context.Context, backoff *Backoff) {
	delay := backoff.Next()
	a.setState(StateReconnecting)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	case <-a.stop:
	}
}

// emitReconnectGaps publishes a disconnect GapMarker for every
// instrument that had prior traffic: every reconnection causes a
// GapMarker bounded by (last message, the time the new connection was
// established).
func (a *Adapter) emitReconnectGaps(reconnectedAt time.Time) {
	for _, instrument := range a.cfg.Instruments {
		if marker := a.gapTracker.Disconnect(a.cfg.Venue, instrument, reconnectedAt); marker != nil {
			select {
			case a.gaps <- *marker:
			default:
			}
		}
	}
}

func (a *Adapter) subscribe(conn Conn) error {
	for _, frame := range a.parser.SubscribeFrames(a.cfg.Instruments) {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

// streamLoop reads messages until the connection errors or a pong
// timeout elapses, then returns so Run can reconnect.
func (a *Adapter) streamLoop(ctx context.Context, conn Conn) {
	a.setState(StateStreaming)
	a.updateHealth(model.HealthConnected)

	keepaliveStop := make(chan struct{})
	defer close(keepaliveStop)
	pongDeadline := make(chan time.Time, 1)
	if a.cfg.Keepalive.Mode == KeepaliveBinaryPing {
		conn.SetPongHandler(func(string) error {
			select {
			case pongDeadline <- time.Now():
			default:
			}
			return nil
		})
	}
	go a.keepaliveLoop(conn, keepaliveStop)

	msgCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- data
		}
	}()

	silenceTicker := time.NewTicker(time.Second)
	defer silenceTicker.Stop()

	pongTimer := time.NewTimer(a.cfg.Keepalive.PongTimeout)
	defer pongTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case err := <-errCh:
			a.log.Warn().Str("venue", a.cfg.Venue).Err(err).Msg("read error, reconnecting")
			a.updateHealth(model.HealthReconnecting)
			return
		case <-pongTimer.C:
			a.log.Warn().Str("venue", a.cfg.Venue).Msg("pong timeout, reconnecting")
			a.updateHealth(model.HealthReconnecting)
			return
		case <-pongDeadline:
			if !pongTimer.Stop() {
				<-pongTimer.C
			}
			pongTimer.Reset(a.cfg.Keepalive.PongTimeout)
		case <-silenceTicker.C:
			for _, marker := range a.gapTracker.CheckSilence(a.cfg.Venue, time.Now()) {
				select {
				case a.gaps <- marker:
				default:
				}
			}
		case data := <-msgCh:
			if a.cfg.Keepalive.Mode == KeepaliveTextPing && a.parser.IsPong(data) {
				select {
				case pongDeadline <- time.Now():
				default:
				}
				continue
			}
			a.handleMessage(data)
		}
	}
}

func (a *Adapter) handleMessage(data []byte) {
	book, ticker, sequence, err := a.parser.Parse(data)
	if err != nil {
		a.log.Debug().Str("venue", a.cfg.Venue).Err(err).Msg("dropping unparseable message")
		return
	}

	now := time.Now()
	instrument := ""
	if book != nil {
		instrument = book.Instrument
	} else if ticker != nil {
		instrument = ticker.Instrument
	}
	if instrument != "" && sequence > 0 {
		if marker, ok := a.gapTracker.Observe(a.cfg.Venue, instrument, sequence, now); ok {
			select {
			case a.gaps <- *marker:
			default:
			}
		}
	}

	a.mu.Lock()
	a.health.LastMessageAt = now
	a.health.MessageCount++
	a.mu.Unlock()

	if book != nil {
		select {
		case a.snapshots <- *book:
		default:
			a.log.Warn().Str("venue", a.cfg.Venue).Msg("snapshot channel full, dropping")
		}
	}
	if ticker != nil {
		select {
		case a.tickers <- *ticker:
		default:
			a.log.Warn().Str("venue", a.cfg.Venue).Msg("ticker channel full, dropping")
		}
	}
}

// keepaliveLoop sends pings on the configured interval. It never resets
// the pong deadline itself: for binary-ping venues that happens in
// Conn's registered SetPongHandler callback when an actual pong control
// frame arrives off the wire (streamLoop wires that up before this loop
// starts); for text-ping venues streamLoop resets it directly when it
// observes a text pong frame in the regular message stream. A
// successful write alone never counts — a dead peer can still accept
// writes into a socket buffer while never answering.
func (a *Adapter) keepaliveLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.Keepalive.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			msgType, payload := a.parser.PingFrame()
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Adapter) updateHealth(status model.HealthStatus) {
	a.mu.Lock()
	a.health.Status = status
	if status == model.HealthReconnecting {
		a.health.ReconnectCount++
	}
	a.mu.Unlock()
}

// CurrentState exposes the lifecycle state for tests and health wiring.
func (a *Adapter) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
