package api

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-market-hub/internal/engine"
	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
	"crypto-market-hub/internal/telemetry"
)

const maxFrameSize = 5 * 1024 * 1024

var connectedUpstreams atomic.Int64

// ConnectedUpstreams reports how many upstream feed connections are live.
func ConnectedUpstreams() int {
	return int(connectedUpstreams.Load())
}

// Connector maintains one resilient upstream connection for a symbol's
// stream set. The subscribed streams are encoded in the dial URL, so a
// reconnect re-establishes every active subscription without issuing any
// subscribe frames, and never twice for the same stream.
type Connector struct {
	symbol string
	cfg    model.StreamConfig
	app    *service.Config
	engine *engine.Engine
}

// NewConnector prepares a connector. Call Start in its own goroutine.
func NewConnector(symbol string, cfg model.StreamConfig, app *service.Config, eng *engine.Engine) *Connector {
	return &Connector{symbol: symbol, cfg: cfg, app: app, engine: eng}
}

// streamURL builds the Binance combined-stream endpoint for the configured
// data kinds, e.g. .../ws/btcusdt@depth20/btcusdt@trade/btcusdt@kline_1m.
func (c *Connector) streamURL() (string, error) {
	s := strings.ToLower(c.symbol)
	var streams []string

	if c.cfg.OrderBook {
		streams = append(streams, fmt.Sprintf("%s@depth%s", s, c.app.Exchange.OrderBookDepth))
	}
	if c.cfg.RawTrades {
		streams = append(streams, s+"@trade")
	}
	if c.cfg.AggTrades {
		streams = append(streams, s+"@aggTrade")
	}
	if c.cfg.Ticker {
		streams = append(streams, s+"@ticker")
	}
	if c.cfg.MarkPrice {
		streams = append(streams, s+"@markPrice")
	}
	if c.cfg.Liquidation {
		streams = append(streams, s+"@forceOrder")
	}
	for _, interval := range c.cfg.KlineIntervals {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", s, interval))
	}

	if len(streams) == 0 {
		return "", fmt.Errorf("no streams enabled for %s", c.symbol)
	}
	return c.app.Exchange.WSURL + "/" + strings.Join(streams, "/"), nil
}

// Start runs the connect/read/reconnect loop indefinitely. Dial failures and
// disconnects retry with exponential backoff, capped by config and reset on
// a successful connection.
func (c *Connector) Start() {
	url, err := c.streamURL()
	if err != nil {
		service.Logger.Error("Aborting connector", zap.String("symbol", c.symbol), zap.Error(err))
		return
	}

	backoff := time.Second
	maxBackoff := time.Duration(c.app.Exchange.ReconnectDelayMax) * time.Second

	for {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			service.Logger.Warn("Upstream dial failed, retrying",
				zap.String("symbol", c.symbol),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		connectedUpstreams.Add(1)
		telemetry.UpstreamConnected.Inc()
		service.Logger.Info("Upstream connected",
			zap.String("symbol", c.symbol), zap.String("url", url))

		c.readLoop(conn)
		conn.Close()

		connectedUpstreams.Add(-1)
		telemetry.UpstreamConnected.Dec()
		service.Logger.Warn("Upstream disconnected, reconnecting",
			zap.String("symbol", c.symbol), zap.Duration("backoff", backoff))
		time.Sleep(backoff)
	}
}

// readLoop consumes frames until the connection errors. The read deadline
// doubles as an idle watchdog: a silently dead connection trips it and
// triggers a reconnect.
func (c *Connector) readLoop(conn *websocket.Conn) {
	idle := time.Duration(c.app.Exchange.IdleTimeout) * time.Second
	conn.SetReadLimit(maxFrameSize)

	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			service.Logger.Warn("Upstream read error",
				zap.String("symbol", c.symbol), zap.Error(err))
			return
		}
		c.dispatch(raw)
	}
}

// dispatch normalizes one frame and applies it to the engine. Unparseable
// frames are dropped and counted; invariant rejections are handled (and
// counted) inside the engine. Neither kills the connection.
func (c *Connector) dispatch(raw []byte) {
	event, err := decodeEvent(c.symbol, raw)
	if err != nil {
		telemetry.ParseErrorsTotal.Inc()
		service.Logger.Debug("Dropping unparseable upstream message",
			zap.String("symbol", c.symbol), zap.Error(err))
		return
	}

	switch ev := event.(type) {
	case model.Trade:
		c.engine.ApplyTrade(ev)
	case model.AggTrade:
		c.engine.ApplyAggTrade(ev)
	case model.Candle:
		c.engine.ApplyKline(ev)
	case model.Ticker:
		c.engine.ApplyTicker(ev)
	case model.MarkPrice:
		c.engine.ApplyMarkPrice(ev)
	case model.Liquidation:
		c.engine.ApplyLiquidation(ev)
	case *model.OrderBook:
		c.engine.ApplyOrderBook(ev)
	case nil:
		// Acks and unconsumed stream kinds.
	}
}
