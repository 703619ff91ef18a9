package venue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// FetchFunc retrieves one normalized snapshot for an instrument over
// REST. Implementations live alongside each venue's websocket client
// (binance.go, okx.go, coinbase.go) since the wire format differs.
type FetchFunc func(ctx context.Context, instrument string) (*model.OrderBookSnapshot, error)

// RESTPoller emits snapshots tagged SourceREST at a fixed interval,
// driven while the parent adapter is in degraded mode. It wraps each
// fetch in a circuit breaker so a dead REST endpoint does not get
// hammered at the poll interval indefinitely.
type RESTPoller struct {
	venue       string
	instruments []string
	interval    time.Duration
	fetch       FetchFunc
	breaker     *gobreaker.CircuitBreaker
	log         zerolog.Logger

	out chan model.OrderBookSnapshot
}

// NewRESTPoller creates a poller for the given instruments.
func NewRESTPoller(venueName string, instruments []string, interval time.Duration, fetch FetchFunc, log zerolog.Logger) *RESTPoller {
	settings := gobreaker.Settings{
		Name:    venueName + "-rest-fallback",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &RESTPoller{
		venue:       venueName,
		instruments: instruments,
		interval:    interval,
		fetch:       fetch,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		log:         log,
		out:         make(chan model.OrderBookSnapshot, 256),
	}
}

// Snapshots returns the channel REST-sourced snapshots are published on.
func (p *RESTPoller) Snapshots() <-chan model.OrderBookSnapshot { return p.out }

// Run polls every configured instrument once per interval until ctx is
// canceled, then closes the output channel.
func (p *RESTPoller) Run(ctx context.Context) {
	defer close(p.out)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, instrument := range p.instruments {
				p.pollOne(ctx, instrument)
			}
		}
	}
}

func (p *RESTPoller) pollOne(ctx context.Context, instrument string) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx, instrument)
	})
	if err != nil {
		p.log.Warn().Str("venue", p.venue).Str("instrument", instrument).Err(err).Msg("rest fallback poll failed")
		return
	}
	snap, ok := result.(*model.OrderBookSnapshot)
	if !ok || snap == nil {
		return
	}
	snap.Source = model.SourceREST
	select {
	case p.out <- *snap:
	case <-ctx.Done():
	}
}
