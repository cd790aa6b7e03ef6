package api

import (
	"encoding/json"
	"fmt"

	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
)

// Binance wire models. Field tags follow the exchange's single-letter schema.
//
// Go matches JSON keys to tags case-insensitively when no exact tag exists,
// so every uppercase key sharing a letter with a consumed lowercase field
// needs its own field here, or it silently folds into the wrong one (or
// fails the whole frame on a type mismatch).

type binanceTradeEvent struct {
	ID           int64  `json:"t"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"` // keeps "M" out of "m"
}

type binanceAggTradeEvent struct {
	ID           int64  `json:"a"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"` // keeps "M" out of "m"
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
}

type binanceKlineEvent struct {
	Symbol string           `json:"s"`
	Kline  binanceKlineData `json:"k"`
}

type binanceKlineData struct {
	StartTime   int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	IsClosed    bool   `json:"x"`
	LastTradeID int64  `json:"L"` // keeps "L" out of "l"
	TakerVolume string `json:"V"` // keeps "V" out of "v"
}

type binanceTickerEvent struct {
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	LastQty            string `json:"Q"` // keeps "Q" out of "q"
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	StatsOpenTime      int64  `json:"O"` // keeps "O" out of "o"
	StatsCloseTime     int64  `json:"C"` // keeps "C" out of "c"
	LastTradeID        int64  `json:"L"` // keeps "L" out of "l"
}

type binanceMarkPriceEvent struct {
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	EstSettlePrice  string `json:"P"` // keeps "P" out of "p"
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type binanceLiquidationEvent struct {
	Order binanceForceOrder `json:"o"`
}

type binanceForceOrder struct {
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

type binanceDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// decodeEvent normalizes one raw upstream frame. It returns nil, nil for
// frames that are valid but carry nothing to ingest (subscription acks,
// stream kinds we do not consume).
func decodeEvent(symbol string, raw []byte) (any, error) {
	// "E" (event time, a number) must be captured separately or Go's
	// case-insensitive field matching folds it into "e".
	var env struct {
		Event     string          `json:"e"`
		EventTime json.RawMessage `json:"E"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Event {
	case "trade":
		var ev binanceTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return normalizeTrade(ev)

	case "aggTrade":
		var ev binanceAggTradeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return normalizeAggTrade(ev)

	case "kline":
		var ev binanceKlineEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return normalizeKline(ev)

	case "24hrTicker":
		var ev binanceTickerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		var eventTime int64
		if len(env.EventTime) > 0 {
			if err := json.Unmarshal(env.EventTime, &eventTime); err != nil {
				return nil, fmt.Errorf("ticker event time: %w", err)
			}
		}
		return normalizeTicker(ev, eventTime)

	case "markPriceUpdate":
		var ev binanceMarkPriceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return normalizeMarkPrice(ev)

	case "forceOrder":
		var ev binanceLiquidationEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		return normalizeLiquidation(symbol, ev)

	case "":
		// Partial depth snapshots carry no event type, just the book.
		var ev binanceDepthSnapshot
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if len(ev.Bids) == 0 && len(ev.Asks) == 0 {
			return nil, nil
		}
		return normalizeDepth(symbol, ev)
	}

	return nil, nil
}

func normalizeTrade(ev binanceTradeEvent) (model.Trade, error) {
	price, err := service.StringToFloat(ev.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("trade price: %w", err)
	}
	qty, err := service.StringToFloat(ev.Quantity)
	if err != nil {
		return model.Trade{}, fmt.Errorf("trade quantity: %w", err)
	}
	return model.Trade{
		ID:        ev.ID,
		Symbol:    ev.Symbol,
		Price:     price,
		Quantity:  qty,
		Timestamp: ev.TradeTime,
		Side:      model.SideFromBuyerMaker(ev.IsBuyerMaker),
	}, nil
}

func normalizeAggTrade(ev binanceAggTradeEvent) (model.AggTrade, error) {
	price, err := service.StringToFloat(ev.Price)
	if err != nil {
		return model.AggTrade{}, fmt.Errorf("agg trade price: %w", err)
	}
	qty, err := service.StringToFloat(ev.Quantity)
	if err != nil {
		return model.AggTrade{}, fmt.Errorf("agg trade quantity: %w", err)
	}
	return model.AggTrade{
		ID:           ev.ID,
		Symbol:       ev.Symbol,
		Price:        price,
		Quantity:     qty,
		Timestamp:    ev.TradeTime,
		Side:         model.SideFromBuyerMaker(ev.IsBuyerMaker),
		FirstTradeID: ev.FirstTradeID,
		LastTradeID:  ev.LastTradeID,
	}, nil
}

func normalizeKline(ev binanceKlineEvent) (model.Candle, error) {
	k := ev.Kline
	candle := model.Candle{
		Symbol:    ev.Symbol,
		Interval:  k.Interval,
		StartTime: k.StartTime,
		CloseTime: k.CloseTime,
		IsClosed:  k.IsClosed,
	}

	var err error
	if candle.Open, err = service.StringToFloat(k.Open); err != nil {
		return model.Candle{}, fmt.Errorf("kline open: %w", err)
	}
	if candle.High, err = service.StringToFloat(k.High); err != nil {
		return model.Candle{}, fmt.Errorf("kline high: %w", err)
	}
	if candle.Low, err = service.StringToFloat(k.Low); err != nil {
		return model.Candle{}, fmt.Errorf("kline low: %w", err)
	}
	if candle.Close, err = service.StringToFloat(k.Close); err != nil {
		return model.Candle{}, fmt.Errorf("kline close: %w", err)
	}
	if candle.Volume, err = service.StringToFloat(k.Volume); err != nil {
		return model.Candle{}, fmt.Errorf("kline volume: %w", err)
	}
	return candle, nil
}

func normalizeTicker(ev binanceTickerEvent, eventTime int64) (model.Ticker, error) {
	t := model.Ticker{Symbol: ev.Symbol, Timestamp: eventTime}

	fields := []struct {
		dst  *float64
		src  string
		name string
	}{
		{&t.PriceChange, ev.PriceChange, "price change"},
		{&t.PriceChangePercent, ev.PriceChangePercent, "price change percent"},
		{&t.LastPrice, ev.LastPrice, "last price"},
		{&t.OpenPrice, ev.OpenPrice, "open price"},
		{&t.HighPrice, ev.HighPrice, "high price"},
		{&t.LowPrice, ev.LowPrice, "low price"},
		{&t.Volume, ev.Volume, "volume"},
		{&t.QuoteVolume, ev.QuoteVolume, "quote volume"},
	}
	for _, f := range fields {
		v, err := service.StringToFloat(f.src)
		if err != nil {
			return model.Ticker{}, fmt.Errorf("ticker %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return t, nil
}

func normalizeMarkPrice(ev binanceMarkPriceEvent) (model.MarkPrice, error) {
	mark, err := service.StringToFloat(ev.MarkPrice)
	if err != nil {
		return model.MarkPrice{}, fmt.Errorf("mark price: %w", err)
	}
	index, err := service.StringToFloat(ev.IndexPrice)
	if err != nil {
		return model.MarkPrice{}, fmt.Errorf("index price: %w", err)
	}
	rate, err := service.StringToFloat(ev.FundingRate)
	if err != nil {
		return model.MarkPrice{}, fmt.Errorf("funding rate: %w", err)
	}
	return model.MarkPrice{
		Symbol:          ev.Symbol,
		MarkPrice:       mark,
		IndexPrice:      index,
		FundingRate:     rate,
		NextFundingTime: ev.NextFundingTime,
	}, nil
}

func normalizeLiquidation(symbol string, ev binanceLiquidationEvent) (model.Liquidation, error) {
	price, err := service.StringToFloat(ev.Order.Price)
	if err != nil {
		return model.Liquidation{}, fmt.Errorf("liquidation price: %w", err)
	}
	qty, err := service.StringToFloat(ev.Order.Quantity)
	if err != nil {
		return model.Liquidation{}, fmt.Errorf("liquidation quantity: %w", err)
	}
	side := model.SideBuy
	if ev.Order.Side == "SELL" {
		side = model.SideSell
	}
	if ev.Order.Symbol != "" {
		symbol = ev.Order.Symbol
	}
	return model.Liquidation{
		Symbol:    symbol,
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: ev.Order.TradeTime,
	}, nil
}

func normalizeDepth(symbol string, ev binanceDepthSnapshot) (*model.OrderBook, error) {
	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return nil, fmt.Errorf("depth bids: %w", err)
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return nil, fmt.Errorf("depth asks: %w", err)
	}
	return &model.OrderBook{
		Symbol:       symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: ev.LastUpdateID,
	}, nil
}

func parseLevels(raw [][]string) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			return nil, fmt.Errorf("short depth row: %v", row)
		}
		price, err := service.StringToFloat(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := service.StringToFloat(row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
