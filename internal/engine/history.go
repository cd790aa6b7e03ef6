package engine

import (
	"sort"

	"crypto-market-hub/internal/model"
)

// history is the bounded per-symbol cache of recent trades and closed
// candles. It backs subscriber replay and fetch_history pagination.
// Eviction is strict FIFO by count. Not safe for concurrent use on its own;
// the owning symbolState serializes access.
type history struct {
	tradeLimit  int
	candleLimit int

	trades       []model.Trade       // oldest first
	aggTrades    []model.AggTrade    // oldest first
	liquidations []model.Liquidation // oldest first
	candles      map[string][]model.Candle
}

func newHistory(tradeLimit, candleLimit int) *history {
	return &history{
		tradeLimit:  tradeLimit,
		candleLimit: candleLimit,
		candles:     make(map[string][]model.Candle),
	}
}

func (h *history) appendTrade(t model.Trade) {
	h.trades = append(h.trades, t)
	if len(h.trades) > h.tradeLimit {
		h.trades = append([]model.Trade(nil), h.trades[len(h.trades)-h.tradeLimit:]...)
	}
}

func (h *history) appendAggTrade(t model.AggTrade) {
	h.aggTrades = append(h.aggTrades, t)
	if len(h.aggTrades) > h.tradeLimit {
		h.aggTrades = append([]model.AggTrade(nil), h.aggTrades[len(h.aggTrades)-h.tradeLimit:]...)
	}
}

func (h *history) appendLiquidation(liq model.Liquidation) {
	h.liquidations = append(h.liquidations, liq)
	if len(h.liquidations) > h.tradeLimit {
		h.liquidations = append([]model.Liquidation(nil), h.liquidations[len(h.liquidations)-h.tradeLimit:]...)
	}
}

// appendCandle archives a closed candle. A resend of the bar at the tail
// (same start_time) replaces it in place, so the latest write wins.
func (h *history) appendCandle(c model.Candle) {
	ring := h.candles[c.Interval]
	if n := len(ring); n > 0 && ring[n-1].StartTime == c.StartTime {
		ring[n-1] = c
		h.candles[c.Interval] = ring
		return
	}
	ring = append(ring, c)
	if len(ring) > h.candleLimit {
		ring = append([]model.Candle(nil), ring[len(ring)-h.candleLimit:]...)
	}
	h.candles[c.Interval] = ring
}

// recentTrades returns up to limit trades, newest first.
func (h *history) recentTrades(limit int) []model.Trade {
	n := len(h.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Trade, n)
	for i := 0; i < n; i++ {
		out[i] = h.trades[len(h.trades)-1-i]
	}
	return out
}

// recentAggTrades returns up to limit aggregated trades, newest first.
func (h *history) recentAggTrades(limit int) []model.AggTrade {
	n := len(h.aggTrades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.AggTrade, n)
	for i := 0; i < n; i++ {
		out[i] = h.aggTrades[len(h.aggTrades)-1-i]
	}
	return out
}

// recentLiquidations returns up to limit liquidations, newest first.
func (h *history) recentLiquidations(limit int) []model.Liquidation {
	n := len(h.liquidations)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Liquidation, n)
	for i := 0; i < n; i++ {
		out[i] = h.liquidations[len(h.liquidations)-1-i]
	}
	return out
}

// recentCandles returns the cached candles for every interval, each run
// ascending by start time.
func (h *history) recentCandles() []model.Candle {
	var out []model.Candle
	for _, ring := range h.candles {
		out = append(out, ring...)
	}
	return out
}

// fetch returns candles with StartTime < before, ascending and deduplicated
// per (interval, start_time) with the later write winning, capped to the
// newest limit entries. An empty interval selects all cached intervals;
// bars from different intervals may legitimately share a start time.
func (h *history) fetch(interval string, before int64, limit int) []model.Candle {
	type barKey struct {
		interval string
		start    int64
	}
	byBar := make(map[barKey]model.Candle)

	collect := func(ring []model.Candle) {
		for _, c := range ring {
			if c.StartTime < before {
				byBar[barKey{c.Interval, c.StartTime}] = c
			}
		}
	}

	if interval != "" {
		collect(h.candles[interval])
	} else {
		for _, ring := range h.candles {
			collect(ring)
		}
	}

	out := make([]model.Candle, 0, len(byBar))
	for _, c := range byBar {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].Interval < out[j].Interval
	})

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
