package model

// TradeSide is the direction of the aggressor (taker) in a fill.
// Binance reports "is buyer maker" (m): when the maker was the buyer the
// taker sold into the bid, so m=true maps to Sell and m=false to Buy.
type TradeSide string

const (
	SideBuy  TradeSide = "Buy"
	SideSell TradeSide = "Sell"
)

// SideFromBuyerMaker converts the exchange maker flag to the taker-side
// convention used everywhere downstream.
func SideFromBuyerMaker(isBuyerMaker bool) TradeSide {
	if isBuyerMaker {
		return SideSell
	}
	return SideBuy
}

// PriceLevel is one row of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a complete replacement snapshot of one symbol's book.
// Bids are sorted descending by price, asks ascending. Snapshots are swapped
// wholesale; there is no incremental patching.
type OrderBook struct {
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
}

// BestBid returns the top bid price, or 0 when the side is empty.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the side is empty.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Trade is a single print. Immutable once created.
type Trade struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp int64     `json:"timestamp_ms"`
	Side      TradeSide `json:"side"`
}

// AggTrade is an aggregated trade: consecutive fills at one price from the
// same taker order, carrying the raw trade id range it covers.
type AggTrade struct {
	ID           int64     `json:"id"`
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	Timestamp    int64     `json:"timestamp_ms"`
	Side         TradeSide `json:"side"`
	FirstTradeID int64     `json:"first_trade_id"`
	LastTradeID  int64     `json:"last_trade_id"`
}

// Candle is one OHLCV bar. The bar for a (symbol, interval) stays open
// (IsClosed=false) and mutates in place until its interval elapses; once
// closed it is archived and never touched again.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	StartTime int64   `json:"start_time"`
	CloseTime int64   `json:"close_time"`
	IsClosed  bool    `json:"is_closed"`
}

// Ticker is the rolling 24h statistics snapshot for a symbol. Only the
// latest one is kept; each update replaces the previous.
type Ticker struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"price_change"`
	PriceChangePercent float64 `json:"price_change_percent"`
	LastPrice          float64 `json:"last_price"`
	OpenPrice          float64 `json:"open_price"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
	Volume             float64 `json:"volume"`
	QuoteVolume        float64 `json:"quote_volume"`
	Timestamp          int64   `json:"timestamp_ms"`
}

// MarkPrice is the futures mark/index price update. The upstream stream
// carries the funding rate in the same frame, so it lives here too.
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"mark_price"`
	IndexPrice      float64 `json:"index_price"`
	FundingRate     float64 `json:"funding_rate"`
	NextFundingTime int64   `json:"next_funding_time"`
}

// Liquidation is one forced order. Side is the liquidated order's side.
type Liquidation struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      TradeSide `json:"side"`
	Timestamp int64     `json:"timestamp_ms"`
}

// StreamConfig selects which data kinds a subscription (or an upstream
// connection) carries. MarkPrice and Liquidation exist on futures markets
// only.
type StreamConfig struct {
	RawTrades      bool     `json:"raw_trades"`
	AggTrades      bool     `json:"agg_trades"`
	OrderBook      bool     `json:"order_book"`
	Ticker         bool     `json:"ticker"`
	MarkPrice      bool     `json:"mark_price"`
	Liquidation    bool     `json:"liquidation"`
	KlineIntervals []string `json:"kline_intervals"`
}

// WantsInterval reports whether the config includes a kline interval.
func (c StreamConfig) WantsInterval(interval string) bool {
	for _, i := range c.KlineIntervals {
		if i == interval {
			return true
		}
	}
	return false
}

// Command actions accepted from downstream clients.
const (
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
	ActionFetchHistory = "fetch_history"
)

// Command is the inbound envelope from a downstream client.
type Command struct {
	Action  string        `json:"action"`
	Channel string        `json:"channel"`
	Config  *StreamConfig `json:"config,omitempty"`
	EndTime int64         `json:"end_time,omitempty"`
}
