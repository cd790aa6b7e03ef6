package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
	"crypto-market-hub/internal/telemetry"
)

// Processor receives every normalized message the engine emits. The broadcast
// hub and the event recorder both register as processors. Process must not
// block: implementations hand the message to their own queue and return.
type Processor interface {
	Process(msg *model.Message)
}

// Engine owns all per-symbol market state: the current order book, the live
// trade stream, building candles and the bounded history cache. Every mutation
// for one symbol is serialized through that symbol's lock; different symbols
// update fully in parallel.
type Engine struct {
	mu       sync.RWMutex
	registry map[string]*symbolState

	procMu     sync.RWMutex
	processors []Processor

	activeMu sync.Mutex
	active   map[string]struct{}

	tradeLimit      int
	candleLimit     int
	deriveIntervals []string
}

// symbolState is the exclusively-owned mutable state for one symbol.
// All access goes through the Engine API while holding mu.
type symbolState struct {
	mu sync.Mutex

	book       *model.OrderBook
	ticker     *model.Ticker
	markPrice  *model.MarkPrice
	history    *history
	derived    map[string]*Aggregator // locally built intervals
	lastClosed map[string]int64       // last archived start_time per interval
}

// New creates an engine sized by the configured history limits.
func New(cfg *service.Config) *Engine {
	return &Engine{
		registry:        make(map[string]*symbolState),
		active:          make(map[string]struct{}),
		tradeLimit:      cfg.Engine.TradeHistoryLimit,
		candleLimit:     cfg.Engine.CandleHistoryLimit,
		deriveIntervals: cfg.Engine.DeriveIntervals,
	}
}

// RegisterProcessor attaches a downstream consumer of normalized messages.
func (e *Engine) RegisterProcessor(p Processor) {
	e.procMu.Lock()
	e.processors = append(e.processors, p)
	e.procMu.Unlock()
}

// RequestIngestion marks a symbol as actively ingested. It returns true only
// for the first request, so upstream connections are never started twice for
// the same stream set.
func (e *Engine) RequestIngestion(symbol string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, ok := e.active[symbol]; ok {
		return false
	}
	e.active[symbol] = struct{}{}
	return true
}

// ActiveSymbols returns the symbols currently being ingested.
func (e *Engine) ActiveSymbols() []string {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	out := make([]string, 0, len(e.active))
	for s := range e.active {
		out = append(out, s)
	}
	return out
}

func (e *Engine) getOrCreate(symbol string) *symbolState {
	e.mu.RLock()
	state, ok := e.registry[symbol]
	e.mu.RUnlock()
	if ok {
		return state
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok = e.registry[symbol]; ok {
		return state
	}

	state = &symbolState{
		history:    newHistory(e.tradeLimit, e.candleLimit),
		derived:    make(map[string]*Aggregator),
		lastClosed: make(map[string]int64),
	}
	for _, interval := range e.deriveIntervals {
		agg, err := NewAggregator(symbol, interval)
		if err != nil {
			service.Logger.Warn("Skipping unparseable derive interval",
				zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
			continue
		}
		state.derived[interval] = agg
	}
	e.registry[symbol] = state
	return state
}

// ApplyOrderBook validates and installs a replacement snapshot. A crossed
// book, a bad level or a decreasing last_update_id rejects the update and the
// previous snapshot keeps serving.
func (e *Engine) ApplyOrderBook(book *model.OrderBook) error {
	if err := validateOrderBook(book); err != nil {
		telemetry.RejectedUpdatesTotal.WithLabelValues("order_book").Inc()
		service.Logger.Warn("Rejected order book update",
			zap.String("symbol", book.Symbol), zap.Error(err))
		return err
	}

	state := e.getOrCreate(book.Symbol)

	state.mu.Lock()
	if state.book != nil && book.LastUpdateID < state.book.LastUpdateID {
		state.mu.Unlock()
		telemetry.RejectedUpdatesTotal.WithLabelValues("stale_book").Inc()
		service.Logger.Warn("Rejected stale order book update",
			zap.String("symbol", book.Symbol),
			zap.Int64("got", book.LastUpdateID),
			zap.Int64("have", state.book.LastUpdateID))
		return ErrStaleBook
	}
	state.book = book
	state.mu.Unlock()

	msg, err := model.NewOrderBookMessage(book)
	if err != nil {
		return err
	}
	e.broadcast(msg)
	return nil
}

// ApplyTrade records a trade, feeds the derived candle aggregators and
// broadcasts the trade plus any bar it closed.
func (e *Engine) ApplyTrade(trade model.Trade) error {
	if err := validateTradeValues(trade.Price, trade.Quantity); err != nil {
		telemetry.RejectedUpdatesTotal.WithLabelValues("trade").Inc()
		service.Logger.Warn("Rejected trade",
			zap.String("symbol", trade.Symbol), zap.Int64("id", trade.ID), zap.Error(err))
		return err
	}

	state := e.getOrCreate(trade.Symbol)

	var closed []model.Candle
	state.mu.Lock()
	state.history.appendTrade(trade)
	for _, agg := range state.derived {
		if c := agg.Apply(trade); c != nil {
			state.history.appendCandle(*c)
			state.lastClosed[c.Interval] = c.StartTime
			closed = append(closed, *c)
		}
	}
	state.mu.Unlock()

	msg, err := model.NewTradeMessage(trade)
	if err != nil {
		return err
	}
	e.broadcast(msg)

	for _, c := range closed {
		if cm, err := model.NewCandleMessage(c); err == nil {
			e.broadcast(cm)
		}
	}
	return nil
}

// ApplyAggTrade records an aggregated trade and broadcasts it. Candle
// derivation is driven by the raw trade stream only, to avoid double
// counting volume.
func (e *Engine) ApplyAggTrade(trade model.AggTrade) error {
	if err := validateTradeValues(trade.Price, trade.Quantity); err != nil {
		telemetry.RejectedUpdatesTotal.WithLabelValues("agg_trade").Inc()
		service.Logger.Warn("Rejected agg trade",
			zap.String("symbol", trade.Symbol), zap.Int64("id", trade.ID), zap.Error(err))
		return err
	}

	state := e.getOrCreate(trade.Symbol)

	state.mu.Lock()
	state.history.appendAggTrade(trade)
	state.mu.Unlock()

	msg, err := model.NewAggTradeMessage(trade)
	if err != nil {
		return err
	}
	e.broadcast(msg)
	return nil
}

// ApplyKline relays an exchange-built candle. An open bar (IsClosed=false)
// only broadcasts; a closed bar is archived first. Closed bars must arrive
// with non-decreasing start times per interval; a resend of the latest bar
// overwrites it (latest write wins), anything older is rejected.
func (e *Engine) ApplyKline(candle model.Candle) error {
	if err := validateKline(candle); err != nil {
		telemetry.RejectedUpdatesTotal.WithLabelValues("kline").Inc()
		service.Logger.Warn("Rejected kline",
			zap.String("symbol", candle.Symbol), zap.String("interval", candle.Interval), zap.Error(err))
		return err
	}

	state := e.getOrCreate(candle.Symbol)

	if candle.IsClosed {
		state.mu.Lock()
		if last, ok := state.lastClosed[candle.Interval]; ok && candle.StartTime < last {
			state.mu.Unlock()
			telemetry.RejectedUpdatesTotal.WithLabelValues("kline").Inc()
			service.Logger.Warn("Rejected out-of-order closed kline",
				zap.String("symbol", candle.Symbol),
				zap.String("interval", candle.Interval),
				zap.Int64("got", candle.StartTime),
				zap.Int64("have", last))
			return fmt.Errorf("closed candle start_time %d precedes %d", candle.StartTime, last)
		}
		state.history.appendCandle(candle)
		state.lastClosed[candle.Interval] = candle.StartTime
		state.mu.Unlock()
	}

	msg, err := model.NewCandleMessage(candle)
	if err != nil {
		return err
	}
	e.broadcast(msg)
	return nil
}

// ApplyTicker installs the latest 24h statistics snapshot and broadcasts it.
func (e *Engine) ApplyTicker(t model.Ticker) error {
	if !isFinite(t.LastPrice) || !isFinite(t.Volume) || !isFinite(t.QuoteVolume) ||
		!isFinite(t.HighPrice) || !isFinite(t.LowPrice) {
		telemetry.RejectedUpdatesTotal.WithLabelValues("ticker").Inc()
		service.Logger.Warn("Rejected ticker", zap.String("symbol", t.Symbol))
		return fmt.Errorf("non-finite ticker values")
	}

	state := e.getOrCreate(t.Symbol)
	state.mu.Lock()
	state.ticker = &t
	state.mu.Unlock()

	msg, err := model.NewTickerMessage(t)
	if err != nil {
		return err
	}
	e.broadcast(msg)
	return nil
}

// ApplyMarkPrice installs the latest mark/index price and broadcasts it.
func (e *Engine) ApplyMarkPrice(mp model.MarkPrice) error {
	if !isFinite(mp.MarkPrice) || !isFinite(mp.IndexPrice) || !isFinite(mp.FundingRate) || mp.MarkPrice <= 0 {
		telemetry.RejectedUpdatesTotal.WithLabelValues("mark_price").Inc()
		service.Logger.Warn("Rejected mark price", zap.String("symbol", mp.Symbol))
		return fmt.Errorf("invalid mark price values")
	}

	state := e.getOrCreate(mp.Symbol)
	state.mu.Lock()
	state.markPrice = &mp
	state.mu.Unlock()

	msg, err := model.NewMarkPriceMessage(mp)
	if err != nil {
		return err
	}
	e.broadcast(msg)
	return nil
}

// ApplyLiquidation records a forced order and broadcasts it.
func (e *Engine) ApplyLiquidation(liq model.Liquidation) error {
	if err := validateTradeValues(liq.Price, liq.Quantity); err != nil {
		telemetry.RejectedUpdatesTotal.WithLabelValues("liquidation").Inc()
		service.Logger.Warn("Rejected liquidation",
			zap.String("symbol", liq.Symbol), zap.Error(err))
		return err
	}

	state := e.getOrCreate(liq.Symbol)
	state.mu.Lock()
	state.history.appendLiquidation(liq)
	state.mu.Unlock()

	msg, err := model.NewLiquidationMessage(liq)
	if err != nil {
		return err
	}
	e.broadcast(msg)
	return nil
}

// validateKline rejects malformed candle timestamps and values.
func validateKline(c model.Candle) error {
	dur, err := service.ParseIntervalDuration(c.Interval)
	if err != nil {
		return err
	}
	if c.StartTime <= 0 || c.CloseTime <= c.StartTime {
		return fmt.Errorf("invalid candle window [%d, %d]", c.StartTime, c.CloseTime)
	}
	if c.StartTime%dur.Milliseconds() != 0 {
		return fmt.Errorf("start_time %d not aligned to %s boundary", c.StartTime, c.Interval)
	}
	if !isFinite(c.Open) || !isFinite(c.High) || !isFinite(c.Low) || !isFinite(c.Close) || !isFinite(c.Volume) {
		return fmt.Errorf("non-finite candle values")
	}
	return nil
}

// LoadHistoricalCandles bulk-inserts backfilled bars into the history cache
// without broadcasting, for late-joining subscribers.
func (e *Engine) LoadHistoricalCandles(symbol string, candles []model.Candle) {
	if len(candles) == 0 {
		return
	}
	state := e.getOrCreate(symbol)

	state.mu.Lock()
	for _, c := range candles {
		state.history.appendCandle(c)
		if c.StartTime > state.lastClosed[c.Interval] {
			state.lastClosed[c.Interval] = c.StartTime
		}
	}
	state.mu.Unlock()
}

// Snapshot returns a copy of the latest consistent order book, or false when
// none has been accepted yet.
func (e *Engine) Snapshot(symbol string) (*model.OrderBook, bool) {
	state := e.lookup(symbol)
	if state == nil {
		return nil, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.book == nil {
		return nil, false
	}
	out := &model.OrderBook{
		Symbol:       state.book.Symbol,
		Bids:         append([]model.PriceLevel(nil), state.book.Bids...),
		Asks:         append([]model.PriceLevel(nil), state.book.Asks...),
		LastUpdateID: state.book.LastUpdateID,
	}
	return out, true
}

// Ticker returns a copy of the latest 24h statistics snapshot.
func (e *Engine) Ticker(symbol string) (model.Ticker, bool) {
	state := e.lookup(symbol)
	if state == nil {
		return model.Ticker{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.ticker == nil {
		return model.Ticker{}, false
	}
	return *state.ticker, true
}

// MarkPrice returns a copy of the latest mark price update.
func (e *Engine) MarkPrice(symbol string) (model.MarkPrice, bool) {
	state := e.lookup(symbol)
	if state == nil {
		return model.MarkPrice{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.markPrice == nil {
		return model.MarkPrice{}, false
	}
	return *state.markPrice, true
}

// RecentLiquidations returns up to limit cached liquidations, newest first.
func (e *Engine) RecentLiquidations(symbol string, limit int) []model.Liquidation {
	state := e.lookup(symbol)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.history.recentLiquidations(limit)
}

// RecentTrades returns up to limit cached trades, newest first.
func (e *Engine) RecentTrades(symbol string, limit int) []model.Trade {
	state := e.lookup(symbol)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.history.recentTrades(limit)
}

// RecentAggTrades returns up to limit cached aggregated trades, newest first.
func (e *Engine) RecentAggTrades(symbol string, limit int) []model.AggTrade {
	state := e.lookup(symbol)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.history.recentAggTrades(limit)
}

// RecentCandles returns the cached candles across all intervals.
func (e *Engine) RecentCandles(symbol string) []model.Candle {
	state := e.lookup(symbol)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.history.recentCandles()
}

// History returns cached candles with start_time < before, ascending,
// deduplicated per (interval, start_time). An empty interval selects all.
func (e *Engine) History(symbol, interval string, before int64, limit int) []model.Candle {
	state := e.lookup(symbol)
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.history.fetch(interval, before, limit)
}

func (e *Engine) lookup(symbol string) *symbolState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry[symbol]
}

func (e *Engine) broadcast(msg *model.Message) {
	telemetry.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	e.procMu.RLock()
	procs := e.processors
	e.procMu.RUnlock()

	for _, p := range procs {
		p.Process(msg)
	}
}
