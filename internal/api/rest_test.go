package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1m" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			[1700000040000,"42000.0","42100.0","41900.0","42050.0","10.5",1700000099999,"441000.0",250,"5.0","210000.0","0"],
			[1700000100000,"42050.0","42200.0","42000.0","42150.0","8.2",1700000159999,"345000.0",190,"4.1","172000.0","0"]
		]`))
	}))
	defer srv.Close()

	candles, err := FetchKlines(context.Background(), srv.URL, "btcusdt", "1m", 2)
	if err != nil {
		t.Fatalf("FetchKlines: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}

	c := candles[0]
	if c.Symbol != "BTCUSDT" || c.Interval != "1m" {
		t.Errorf("unexpected identity: %+v", c)
	}
	if c.StartTime != 1700000040000 || c.CloseTime != 1700000099999 {
		t.Errorf("unexpected window: %+v", c)
	}
	if c.Open != 42000.0 || c.High != 42100.0 || c.Low != 41900.0 || c.Close != 42050.0 {
		t.Errorf("unexpected OHLC: %+v", c)
	}
	if c.Volume != 10.5 {
		t.Errorf("unexpected volume %.2f", c.Volume)
	}
	if !c.IsClosed {
		t.Error("historical candles must be closed")
	}
}

func TestFetchKlinesSkipsShortRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1700000040000,"1","1","1"],[1700000100000,"2","2","2","2","1",1700000159999]]`))
	}))
	defer srv.Close()

	candles, err := FetchKlines(context.Background(), srv.URL, "BTCUSDT", "1m", 2)
	if err != nil {
		t.Fatalf("FetchKlines: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("short row should be skipped, got %d candles", len(candles))
	}
}

func TestFetchKlinesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := FetchKlines(context.Background(), srv.URL, "NOPE", "1m", 1); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
