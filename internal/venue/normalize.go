package venue

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/model"
)

// RawLevel is a (price, quantity) pair still in string form, as parsed
// directly out of a venue's wire JSON before decimal conversion.
type RawLevel struct {
	Price    string
	Quantity string
}

// BuildOrderBook converts raw per-side levels into a validated
// OrderBookSnapshot, enforcing every invariant a book must satisfy:
// numeric parseability, positive price and size, non-crossed book, and
// strictly monotonic levels on each side (bids descending, asks
// ascending). Any failure is returned as an error so the caller can
// log-and-drop without killing the stream.
func BuildOrderBook(venueName, instrument string, bidsRaw, asksRaw []RawLevel, sequence int64, venueTime, localTime time.Time, source model.SourceTier) (*model.OrderBookSnapshot, error) {
	bids, err := parseLevels(bidsRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing bids: %w", err)
	}
	asks, err := parseLevels(asksRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing asks: %w", err)
	}

	if err := monotonicDescending(bids); err != nil {
		return nil, fmt.Errorf("bids not monotonic: %w", err)
	}
	if err := monotonicAscending(asks); err != nil {
		return nil, fmt.Errorf("asks not monotonic: %w", err)
	}

	book := &model.OrderBookSnapshot{
		Venue:         venueName,
		Instrument:    instrument,
		VenueTime:     venueTime,
		LocalTime:     localTime,
		SequenceID:    sequence,
		Bids:          bids,
		Asks:          asks,
		DepthCaptured: len(bids) + len(asks),
		Source:        source,
	}

	if bestBid, ok := book.BestBid(); ok {
		if bestAsk, ok := book.BestAsk(); ok && bestBid.Price.GreaterThanOrEqual(bestAsk.Price) {
			return nil, fmt.Errorf("crossed book: best_bid=%s best_ask=%s", bestBid.Price, bestAsk.Price)
		}
	}

	return book, nil
}

func parseLevels(raw []RawLevel) ([]model.Level, error) {
	levels := make([]model.Level, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", r.Price, err)
		}
		qty, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", r.Quantity, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("non-positive price %s", price)
		}
		if !qty.IsPositive() {
			return nil, fmt.Errorf("non-positive quantity %s", qty)
		}
		levels = append(levels, model.Level{Price: price, Quantity: qty})
	}
	return levels, nil
}

func monotonicDescending(levels []model.Level) error {
	for i := 1; i < len(levels); i++ {
		if !levels[i-1].Price.GreaterThan(levels[i].Price) {
			return fmt.Errorf("level %d (%s) not strictly less than level %d (%s)", i, levels[i].Price, i-1, levels[i-1].Price)
		}
	}
	return nil
}

func monotonicAscending(levels []model.Level) error {
	for i := 1; i < len(levels); i++ {
		if !levels[i-1].Price.LessThan(levels[i].Price) {
			return fmt.Errorf("level %d (%s) not strictly greater than level %d (%s)", i, levels[i].Price, i-1, levels[i-1].Price)
		}
	}
	return nil
}

// BuildTicker converts raw ticker fields into a TickerSnapshot. mark and
// index are empty strings for spot instruments, which must surface as
// nil pointers rather than zero values.
func BuildTicker(venueName, instrument, last, mark, index, volume24h, funding string, nextFunding, venueTime, localTime time.Time) (*model.TickerSnapshot, error) {
	lastPrice, err := decimal.NewFromString(last)
	if err != nil {
		return nil, fmt.Errorf("last price %q: %w", last, err)
	}
	if !lastPrice.IsPositive() {
		return nil, fmt.Errorf("non-positive last price %s", lastPrice)
	}

	t := &model.TickerSnapshot{
		Venue:           venueName,
		Instrument:      instrument,
		VenueTime:       venueTime,
		LocalTime:       localTime,
		LastPrice:       lastPrice,
		NextFundingTime: nextFunding,
	}

	if mark != "" {
		v, err := decimal.NewFromString(mark)
		if err != nil {
			return nil, fmt.Errorf("mark price %q: %w", mark, err)
		}
		t.MarkPrice = &v
	}
	if index != "" {
		v, err := decimal.NewFromString(index)
		if err != nil {
			return nil, fmt.Errorf("index price %q: %w", index, err)
		}
		t.IndexPrice = &v
	}
	if volume24h != "" {
		v, err := decimal.NewFromString(volume24h)
		if err != nil {
			return nil, fmt.Errorf("volume %q: %w", volume24h, err)
		}
		t.Volume24h = v
	}
	if funding != "" {
		v, err := decimal.NewFromString(funding)
		if err != nil {
			return nil, fmt.Errorf("funding rate %q: %w", funding, err)
		}
		t.FundingRate = v
	}

	return t, nil
}
