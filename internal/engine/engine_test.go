package engine

import (
	"fmt"
	"math"
	"os"
	"sync"
	"testing"

	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
)

func TestMain(m *testing.M) {
	service.InitLogger("error")
	os.Exit(m.Run())
}

// captureProcessor records every broadcast message for assertions.
type captureProcessor struct {
	mu   sync.Mutex
	msgs []*model.Message
}

func (p *captureProcessor) Process(msg *model.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func (p *captureProcessor) byKind(kind model.Kind) []*model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.Message
	for _, m := range p.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func testConfig() *service.Config {
	return &service.Config{
		Engine: service.EngineConfig{
			TradeHistoryLimit:  2500,
			CandleHistoryLimit: 1000,
		},
	}
}

func testBook(symbol string, updateID int64, bestBid, bestAsk float64) *model.OrderBook {
	return &model.OrderBook{
		Symbol: symbol,
		Bids: []model.PriceLevel{
			{Price: bestBid, Quantity: 1},
			{Price: bestBid - 1, Quantity: 2},
		},
		Asks: []model.PriceLevel{
			{Price: bestAsk, Quantity: 1},
			{Price: bestAsk + 1, Quantity: 2},
		},
		LastUpdateID: updateID,
	}
}

func testTrade(symbol string, id int64, price float64, ts int64) model.Trade {
	return model.Trade{
		ID:        id,
		Symbol:    symbol,
		Price:     price,
		Quantity:  0.5,
		Timestamp: ts,
		Side:      model.SideBuy,
	}
}

func TestApplyOrderBookSequence(t *testing.T) {
	eng := New(testConfig())

	const n = 50
	for i := 1; i <= n; i++ {
		book := testBook("BTCUSDT", int64(i), 100+float64(i), 101+float64(i))
		if err := eng.ApplyOrderBook(book); err != nil {
			t.Fatalf("update %d rejected: %v", i, err)
		}
	}

	snap, ok := eng.Snapshot("BTCUSDT")
	if !ok {
		t.Fatal("expected a snapshot after updates")
	}
	if snap.LastUpdateID != n {
		t.Errorf("expected last_update_id %d, got %d", n, snap.LastUpdateID)
	}
	if snap.BestBid() != 100+float64(n) {
		t.Errorf("expected best bid %.2f, got %.2f", 100+float64(n), snap.BestBid())
	}
}

func TestApplyOrderBookRejectsCrossedBook(t *testing.T) {
	eng := New(testConfig())

	good := testBook("BTCUSDT", 1, 100, 101)
	if err := eng.ApplyOrderBook(good); err != nil {
		t.Fatalf("valid book rejected: %v", err)
	}

	crossed := testBook("BTCUSDT", 2, 105, 104)
	if err := eng.ApplyOrderBook(crossed); err == nil {
		t.Fatal("crossed book accepted")
	}

	snap, ok := eng.Snapshot("BTCUSDT")
	if !ok {
		t.Fatal("snapshot missing after rejection")
	}
	if snap.LastUpdateID != 1 {
		t.Errorf("expected prior snapshot to survive, got update id %d", snap.LastUpdateID)
	}
}

func TestApplyOrderBookRejectsDecreasingUpdateID(t *testing.T) {
	eng := New(testConfig())

	if err := eng.ApplyOrderBook(testBook("BTCUSDT", 10, 100, 101)); err != nil {
		t.Fatalf("valid book rejected: %v", err)
	}
	if err := eng.ApplyOrderBook(testBook("BTCUSDT", 9, 102, 103)); err != ErrStaleBook {
		t.Fatalf("expected ErrStaleBook, got %v", err)
	}

	snap, _ := eng.Snapshot("BTCUSDT")
	if snap.LastUpdateID != 10 {
		t.Errorf("expected update id 10, got %d", snap.LastUpdateID)
	}
}

func TestApplyOrderBookRejectsBadLevels(t *testing.T) {
	eng := New(testConfig())

	book := testBook("BTCUSDT", 1, 100, 101)
	book.Asks[0].Quantity = -3
	if err := eng.ApplyOrderBook(book); err == nil {
		t.Fatal("negative quantity accepted")
	}
	if _, ok := eng.Snapshot("BTCUSDT"); ok {
		t.Fatal("rejected book should not be stored")
	}
}

func TestApplyTradeRejectsInvalidValues(t *testing.T) {
	eng := New(testConfig())

	bad := testTrade("BTCUSDT", 1, -5, 1000)
	if err := eng.ApplyTrade(bad); err == nil {
		t.Fatal("negative price accepted")
	}
	if got := eng.RecentTrades("BTCUSDT", 0); len(got) != 0 {
		t.Errorf("rejected trade was cached: %v", got)
	}
}

func TestDerivedCandleAggregation(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.DeriveIntervals = []string{"1m"}
	eng := New(cfg)

	capture := &captureProcessor{}
	eng.RegisterProcessor(capture)

	t0 := int64(1700000040000) // aligned to a minute boundary
	for i, offset := range []int64{0, 30_000, 70_000} {
		trade := testTrade("BTCUSDT", int64(i+1), 100+float64(i), t0+offset)
		if err := eng.ApplyTrade(trade); err != nil {
			t.Fatalf("trade %d rejected: %v", i, err)
		}
	}

	candles := capture.byKind(model.KindCandle)
	if len(candles) != 1 {
		t.Fatalf("expected exactly one closed candle broadcast, got %d", len(candles))
	}

	history := eng.History("BTCUSDT", "1m", t0+120_000, 0)
	if len(history) != 1 {
		t.Fatalf("expected one archived candle, got %d", len(history))
	}
	c := history[0]
	if c.StartTime != t0 {
		t.Errorf("expected candle start %d, got %d", t0, c.StartTime)
	}
	if c.CloseTime != t0+60_000-1 {
		t.Errorf("expected candle close %d, got %d", t0+60_000-1, c.CloseTime)
	}
	if !c.IsClosed {
		t.Error("archived candle should be closed")
	}
	if c.Open != 100 || c.Close != 101 {
		t.Errorf("expected open=100 close=101, got open=%.2f close=%.2f", c.Open, c.Close)
	}
	if c.Volume != 1.0 {
		t.Errorf("expected volume 1.0 (two trades of 0.5), got %.2f", c.Volume)
	}
}

func TestApplyKlineRelaySemantics(t *testing.T) {
	eng := New(testConfig())
	capture := &captureProcessor{}
	eng.RegisterProcessor(capture)

	start := int64(1700000040000)
	open := model.Candle{
		Symbol: "ETHUSDT", Interval: "1m",
		Open: 10, High: 12, Low: 9, Close: 11, Volume: 5,
		StartTime: start, CloseTime: start + 59_999, IsClosed: false,
	}
	if err := eng.ApplyKline(open); err != nil {
		t.Fatalf("open kline rejected: %v", err)
	}
	// Open bars broadcast but are not archived.
	if got := eng.History("ETHUSDT", "1m", start+120_000, 0); len(got) != 0 {
		t.Fatalf("open candle was archived: %v", got)
	}

	closed := open
	closed.Close = 11.5
	closed.IsClosed = true
	if err := eng.ApplyKline(closed); err != nil {
		t.Fatalf("closed kline rejected: %v", err)
	}
	history := eng.History("ETHUSDT", "1m", start+120_000, 0)
	if len(history) != 1 || !history[0].IsClosed {
		t.Fatalf("expected one closed candle archived, got %v", history)
	}

	// An older closed bar must be rejected once a newer one is archived.
	older := closed
	older.StartTime = start - 60_000
	older.CloseTime = start - 1
	if err := eng.ApplyKline(older); err == nil {
		t.Fatal("out-of-order closed kline accepted")
	}

	if got := len(capture.byKind(model.KindCandle)); got != 2 {
		t.Errorf("expected 2 candle broadcasts, got %d", got)
	}
}

func TestApplyKlineRejectsMalformedTimestamps(t *testing.T) {
	eng := New(testConfig())

	c := model.Candle{
		Symbol: "ETHUSDT", Interval: "1m",
		Open: 1, High: 1, Low: 1, Close: 1,
		StartTime: 1700000040500, // not aligned to the minute
		CloseTime: 1700000100499,
		IsClosed:  true,
	}
	if err := eng.ApplyKline(c); err == nil {
		t.Fatal("unaligned kline accepted")
	}

	c.StartTime = 1700000040000
	c.CloseTime = c.StartTime // close_time must be after start_time
	if err := eng.ApplyKline(c); err == nil {
		t.Fatal("inverted candle window accepted")
	}
}

func TestApplyTickerLatestWins(t *testing.T) {
	eng := New(testConfig())
	capture := &captureProcessor{}
	eng.RegisterProcessor(capture)

	if _, ok := eng.Ticker("BTCUSDT"); ok {
		t.Fatal("ticker present before any update")
	}

	for i := 1; i <= 3; i++ {
		err := eng.ApplyTicker(model.Ticker{
			Symbol: "BTCUSDT", LastPrice: 42000 + float64(i), OpenPrice: 41900,
			HighPrice: 42500, LowPrice: 41800, Volume: 1200, QuoteVolume: 5e7,
			PriceChange: 100, PriceChangePercent: 0.24,
			Timestamp: 1700000000000 + int64(i),
		})
		if err != nil {
			t.Fatalf("ticker %d rejected: %v", i, err)
		}
	}

	ticker, ok := eng.Ticker("BTCUSDT")
	if !ok || ticker.LastPrice != 42003 {
		t.Fatalf("expected latest ticker, got %+v ok=%v", ticker, ok)
	}
	if got := len(capture.byKind(model.KindTicker)); got != 3 {
		t.Errorf("expected 3 ticker broadcasts, got %d", got)
	}

	bad := ticker
	bad.LastPrice = math.NaN()
	if err := eng.ApplyTicker(bad); err == nil {
		t.Fatal("non-finite ticker accepted")
	}
	if after, _ := eng.Ticker("BTCUSDT"); after.LastPrice != 42003 {
		t.Error("rejected ticker replaced the stored one")
	}
}

func TestApplyMarkPriceLatestWins(t *testing.T) {
	eng := New(testConfig())

	for i := 1; i <= 2; i++ {
		err := eng.ApplyMarkPrice(model.MarkPrice{
			Symbol: "BTCUSDT", MarkPrice: 42000 + float64(i), IndexPrice: 41999,
			FundingRate: 0.0001, NextFundingTime: 1700028800000,
		})
		if err != nil {
			t.Fatalf("mark price %d rejected: %v", i, err)
		}
	}

	mp, ok := eng.MarkPrice("BTCUSDT")
	if !ok || mp.MarkPrice != 42002 {
		t.Fatalf("expected latest mark price, got %+v ok=%v", mp, ok)
	}

	if err := eng.ApplyMarkPrice(model.MarkPrice{Symbol: "BTCUSDT", MarkPrice: -1}); err == nil {
		t.Fatal("non-positive mark price accepted")
	}
}

func TestApplyLiquidationBoundedNewestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.TradeHistoryLimit = 3
	eng := New(cfg)
	capture := &captureProcessor{}
	eng.RegisterProcessor(capture)

	for i := int64(1); i <= 5; i++ {
		err := eng.ApplyLiquidation(model.Liquidation{
			Symbol: "BTCUSDT", Price: 42000, Quantity: 0.01, Side: model.SideSell,
			Timestamp: 1700000000000 + i,
		})
		if err != nil {
			t.Fatalf("liquidation %d rejected: %v", i, err)
		}
	}

	liqs := eng.RecentLiquidations("BTCUSDT", 0)
	if len(liqs) != 3 {
		t.Fatalf("expected cap of 3 liquidations, got %d", len(liqs))
	}
	if liqs[0].Timestamp != 1700000000005 || liqs[2].Timestamp != 1700000000003 {
		t.Errorf("expected newest first with FIFO eviction, got %v", liqs)
	}
	if got := len(capture.byKind(model.KindLiquidation)); got != 5 {
		t.Errorf("expected 5 liquidation broadcasts, got %d", got)
	}

	bad := model.Liquidation{Symbol: "BTCUSDT", Price: -1, Quantity: 1}
	if err := eng.ApplyLiquidation(bad); err == nil {
		t.Fatal("negative liquidation price accepted")
	}
}

func TestRequestIngestionIsOnceOnly(t *testing.T) {
	eng := New(testConfig())

	if !eng.RequestIngestion("BTCUSDT") {
		t.Fatal("first request should start ingestion")
	}
	if eng.RequestIngestion("BTCUSDT") {
		t.Fatal("second request must not start ingestion again")
	}
	if !eng.RequestIngestion("ETHUSDT") {
		t.Fatal("different symbol should start its own ingestion")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	eng := New(testConfig())
	if err := eng.ApplyOrderBook(testBook("BTCUSDT", 1, 100, 101)); err != nil {
		t.Fatalf("valid book rejected: %v", err)
	}

	snap, _ := eng.Snapshot("BTCUSDT")
	snap.Bids[0].Price = 999999

	again, _ := eng.Snapshot("BTCUSDT")
	if again.Bids[0].Price == 999999 {
		t.Fatal("snapshot shares internal state with the store")
	}
}

func TestPerSymbolParallelUpdates(t *testing.T) {
	eng := New(testConfig())

	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		symbol := fmt.Sprintf("SYM%dUSDT", s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				eng.ApplyOrderBook(testBook(symbol, int64(i), 100, 101))
				eng.ApplyTrade(testTrade(symbol, int64(i), 100, int64(1700000000000+i)))
			}
		}()
	}
	wg.Wait()

	for s := 0; s < 4; s++ {
		symbol := fmt.Sprintf("SYM%dUSDT", s)
		snap, ok := eng.Snapshot(symbol)
		if !ok || snap.LastUpdateID != 200 {
			t.Fatalf("%s: expected final snapshot 200, got %+v", symbol, snap)
		}
		if got := len(eng.RecentTrades(symbol, 0)); got != 200 {
			t.Fatalf("%s: expected 200 cached trades, got %d", symbol, got)
		}
	}
}
