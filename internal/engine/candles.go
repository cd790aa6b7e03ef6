package engine

import (
	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
)

// Aggregator builds OHLCV candles for one (symbol, interval) from the raw
// trade flow. It is a plain state machine: the caller serializes Apply calls
// (the owning symbolState holds its lock while feeding it).
//
// The building candle mutates in place until a trade lands at or past the
// interval boundary, at which point the bar is emitted closed and a new one
// opens seeded with the prior close.
type Aggregator struct {
	symbol   string
	interval string
	durMs    int64
	current  *model.Candle
}

// NewAggregator creates an aggregator for an interval label such as "1m".
func NewAggregator(symbol, interval string) (*Aggregator, error) {
	dur, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		symbol:   symbol,
		interval: interval,
		durMs:    dur.Milliseconds(),
	}, nil
}

// Apply folds one trade into the building candle. It returns the completed
// bar when the trade opens a new interval, nil otherwise.
//
// Trades that arrive with a timestamp earlier than the current interval are
// folded into the current bar: per-symbol processing is arrival-ordered, so
// such trades are clock skew, not replays, and gaps are never backfilled.
func (a *Aggregator) Apply(t model.Trade) *model.Candle {
	start := t.Timestamp - t.Timestamp%a.durMs

	if a.current == nil {
		a.current = a.newCandle(start, t.Price, t.Price, t.Quantity)
		return nil
	}

	if start > a.current.StartTime {
		closed := *a.current
		closed.IsClosed = true
		// New bar opens at the prior close so the series stays continuous.
		a.current = a.newCandle(start, closed.Close, t.Price, t.Quantity)
		return &closed
	}

	c := a.current
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Quantity
	return nil
}

// Current returns a copy of the building candle, or nil before the first
// trade.
func (a *Aggregator) Current() *model.Candle {
	if a.current == nil {
		return nil
	}
	c := *a.current
	return &c
}

func (a *Aggregator) newCandle(start int64, open, price, quantity float64) *model.Candle {
	high, low := open, open
	if price > high {
		high = price
	}
	if price < low {
		low = price
	}
	return &model.Candle{
		Symbol:    a.symbol,
		Interval:  a.interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     price,
		Volume:    quantity,
		StartTime: start,
		CloseTime: start + a.durMs - 1,
	}
}
