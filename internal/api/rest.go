package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"crypto-market-hub/internal/engine"
	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
)

// FetchKlines pulls historical candles from the exchange REST API.
// Binance answers with an array of arrays mixing numbers and strings:
// [openTime, open, high, low, close, volume, closeTime, ...].
func FetchKlines(ctx context.Context, restURL, symbol, interval string, limit int) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("limit", fmt.Sprintf("%d", limit))
	reqURL := restURL + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines request status %d", resp.StatusCode)
	}

	var rows [][]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("klines decode: %w", err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		candles = append(candles, model.Candle{
			Symbol:    strings.ToUpper(symbol),
			Interval:  interval,
			StartTime: asInt64(row[0]),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: asInt64(row[6]),
			IsClosed:  true, // historical bars are always closed
		})
	}
	return candles, nil
}

// Backfill loads recent history for every configured kline interval so
// late-joining subscribers see full charts immediately. Failures are logged
// and skipped; backfill is best effort.
func Backfill(eng *engine.Engine, app *service.Config, symbol string, intervals []string) {
	for _, interval := range intervals {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		candles, err := FetchKlines(ctx, app.Exchange.RESTURL, symbol, interval, app.Server.BackfillLimit)
		cancel()
		if err != nil {
			service.Logger.Warn("History backfill failed",
				zap.String("symbol", symbol), zap.String("interval", interval), zap.Error(err))
			continue
		}
		eng.LoadHistoricalCandles(symbol, candles)
		service.Logger.Info("History backfilled",
			zap.String("symbol", symbol),
			zap.String("interval", interval),
			zap.Int("candles", len(candles)))
	}
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case string:
		f, _ := service.StringToFloat(val)
		return f
	case float64:
		return val
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case string:
		i, _ := service.StringToInt64(val)
		return i
	default:
		return 0
	}
}
