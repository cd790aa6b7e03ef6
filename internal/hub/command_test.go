package hub

import (
	"testing"

	"crypto-market-hub/internal/engine"
	"crypto-market-hub/internal/model"
)

func TestParseChannel(t *testing.T) {
	cases := []struct {
		channel  string
		symbol   string
		interval string
	}{
		{"BTCUSDT", "BTCUSDT", ""},
		{"btcusdt", "BTCUSDT", ""},
		{"BTCUSDT_1m", "BTCUSDT", "1m"},
		{"ethusdt_5m", "ETHUSDT", "5m"},
		{"BTCUSDT_1h", "BTCUSDT", "1h"},
		{"BTCUSDT_1d", "BTCUSDT", "1d"},
		// Suffix that is not an interval stays part of the symbol.
		{"1000SHIB_USDT", "1000SHIB_USDT", ""},
		{"BTCUSDT_banana", "BTCUSDT_BANANA", ""},
		// Leading underscore is not a separator.
		{"_1m", "_1M", ""},
		{"", "", ""},
	}

	for _, tc := range cases {
		symbol, interval := ParseChannel(tc.channel)
		if symbol != tc.symbol || interval != tc.interval {
			t.Errorf("ParseChannel(%q) = (%q, %q), want (%q, %q)",
				tc.channel, symbol, interval, tc.symbol, tc.interval)
		}
	}
}

func TestSubscribeAddsChannelInterval(t *testing.T) {
	cfg := hubTestConfig()
	h, _ := newTestHub(cfg)
	c := newLocalClient(h, 8, "test-interval")

	h.handleCommand(c, []byte(`{"action":"subscribe","channel":"BTCUSDT_5m"}`))

	sub, ok := c.subscription("BTCUSDT")
	if !ok {
		t.Fatal("subscription missing")
	}
	if !sub.WantsInterval("5m") {
		t.Errorf("channel interval not added to subscription: %v", sub.KlineIntervals)
	}
	if !sub.WantsInterval("1m") {
		t.Error("default intervals should be preserved")
	}
}

func TestSubscribeWithExplicitConfig(t *testing.T) {
	cfg := hubTestConfig()
	h, _ := newTestHub(cfg)
	c := newLocalClient(h, 8, "test-explicit")

	h.handleCommand(c, []byte(
		`{"action":"subscribe","channel":"ETHUSDT","config":{"raw_trades":true,"agg_trades":false,"order_book":false,"kline_intervals":[]}}`))

	sub, ok := c.subscription("ETHUSDT")
	if !ok {
		t.Fatal("subscription missing")
	}
	if !sub.RawTrades || sub.AggTrades || sub.OrderBook {
		t.Errorf("explicit config not honored: %+v", sub)
	}
}

func TestUnsubscribeRemovesSymbol(t *testing.T) {
	cfg := hubTestConfig()
	h, _ := newTestHub(cfg)
	c := newLocalClient(h, 8, "test-unsub")
	c.setSubscription("BTCUSDT", cfg.DefaultStreamConfig())

	h.handleCommand(c, []byte(`{"action":"unsubscribe","channel":"btcusdt"}`))

	if _, ok := c.subscription("BTCUSDT"); ok {
		t.Fatal("subscription survived unsubscribe")
	}

	h.Process(mustTradeMessage(t, "BTCUSDT", 1))
	if len(c.send) != 0 {
		t.Fatal("events delivered after unsubscribe")
	}
}

func TestSubscribeTriggersIngestionOnce(t *testing.T) {
	cfg := hubTestConfig()
	eng := engine.New(cfg)

	var started []string
	h := New(eng, cfg, func(symbol string, _ model.StreamConfig) {
		started = append(started, symbol)
	})
	eng.RegisterProcessor(h)

	a := newLocalClient(h, 8, "test-ingest-a")
	b := newLocalClient(h, 8, "test-ingest-b")

	h.handleCommand(a, []byte(`{"action":"subscribe","channel":"BTCUSDT"}`))
	h.handleCommand(b, []byte(`{"action":"subscribe","channel":"BTCUSDT"}`))
	h.handleCommand(a, []byte(`{"action":"subscribe","channel":"ETHUSDT"}`))

	if len(started) != 2 || started[0] != "BTCUSDT" || started[1] != "ETHUSDT" {
		t.Fatalf("expected ingestion started once per symbol, got %v", started)
	}
}
