package model

import "encoding/json"

// Kind tags a normalized outbound message for routing.
type Kind string

const (
	KindOrderBook         Kind = "OrderBook"
	KindTrade             Kind = "Trade"
	KindAggTrade          Kind = "AggTrade"
	KindCandle            Kind = "Candle"
	KindTicker            Kind = "Ticker"
	KindMarkPrice         Kind = "MarkPrice"
	KindLiquidation       Kind = "Liquidation"
	KindHistoricalCandles Kind = "HistoricalCandles"
)

// Envelope is the outbound wire format sent to downstream clients.
type Envelope struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// Message is one normalized event as it travels through the broadcast path.
// The payload is marshaled exactly once, then shared by every subscriber and
// processor so a fan-out of N clients costs N channel sends, not N encodes.
type Message struct {
	Kind     Kind
	Symbol   string
	Interval string // set for Candle messages only
	Payload  []byte // marshaled Envelope
}

func newMessage(kind Kind, symbol, interval string, data any) (*Message, error) {
	payload, err := json.Marshal(Envelope{Type: kind, Data: data})
	if err != nil {
		return nil, err
	}
	return &Message{Kind: kind, Symbol: symbol, Interval: interval, Payload: payload}, nil
}

// NewOrderBookMessage wraps a book snapshot for broadcast.
func NewOrderBookMessage(book *OrderBook) (*Message, error) {
	return newMessage(KindOrderBook, book.Symbol, "", book)
}

// NewTradeMessage wraps a trade for broadcast.
func NewTradeMessage(trade Trade) (*Message, error) {
	return newMessage(KindTrade, trade.Symbol, "", trade)
}

// NewAggTradeMessage wraps an aggregated trade for broadcast.
func NewAggTradeMessage(trade AggTrade) (*Message, error) {
	return newMessage(KindAggTrade, trade.Symbol, "", trade)
}

// NewCandleMessage wraps an open or closed candle for broadcast.
func NewCandleMessage(candle Candle) (*Message, error) {
	return newMessage(KindCandle, candle.Symbol, candle.Interval, candle)
}

// NewTickerMessage wraps a 24h ticker snapshot for broadcast.
func NewTickerMessage(ticker Ticker) (*Message, error) {
	return newMessage(KindTicker, ticker.Symbol, "", ticker)
}

// NewMarkPriceMessage wraps a mark price update for broadcast.
func NewMarkPriceMessage(mp MarkPrice) (*Message, error) {
	return newMessage(KindMarkPrice, mp.Symbol, "", mp)
}

// NewLiquidationMessage wraps a forced order for broadcast.
func NewLiquidationMessage(liq Liquidation) (*Message, error) {
	return newMessage(KindLiquidation, liq.Symbol, "", liq)
}

// NewHistoryMessage wraps a bulk history response. It is addressed to a
// single requester and never fanned out.
func NewHistoryMessage(symbol string, candles []Candle) (*Message, error) {
	return newMessage(KindHistoricalCandles, symbol, "", candles)
}
