package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
	"crypto-market-hub/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 20 * time.Second
	maxCommandSize = 4096
)

// Client is one downstream WebSocket subscriber. Delivery is fully decoupled
// from the ingestion path: every client owns a bounded queue and a dedicated
// write pump, so a stalled socket never backpressures into Publish.
//
// Two delivery lanes implement the drop policy:
//   - latest-value streams (order books, tickers, mark prices) coalesce:
//     only the newest payload per kind and symbol is kept, a superseded
//     unsent one is silently replaced;
//   - trades, liquidations and candles queue up to the cap, after which the
//     client is disconnected as too slow (counted, never silent).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string

	send          chan []byte
	latestMu      sync.Mutex
	latest        map[coalesceKey][]byte
	latestPending chan struct{}

	subMu sync.RWMutex
	subs  map[string]model.StreamConfig

	done      chan struct{}
	closeOnce sync.Once
}

// coalesceKey addresses the latest-value slot for one stream of a symbol.
type coalesceKey struct {
	kind   model.Kind
	symbol string
}

func newClient(h *Hub, conn *websocket.Conn, queueSize int) *Client {
	return &Client{
		hub:           h,
		conn:          conn,
		remote:        conn.RemoteAddr().String(),
		send:          make(chan []byte, queueSize),
		latest:        make(map[coalesceKey][]byte),
		latestPending: make(chan struct{}, 1),
		subs:          make(map[string]model.StreamConfig),
		done:          make(chan struct{}),
	}
}

func (c *Client) setSubscription(symbol string, cfg model.StreamConfig) {
	c.subMu.Lock()
	c.subs[symbol] = cfg
	c.subMu.Unlock()
}

func (c *Client) removeSubscription(symbol string) {
	c.subMu.Lock()
	delete(c.subs, symbol)
	c.subMu.Unlock()
}

func (c *Client) subscription(symbol string) (model.StreamConfig, bool) {
	c.subMu.RLock()
	cfg, ok := c.subs[symbol]
	c.subMu.RUnlock()
	return cfg, ok
}

// deliver routes one broadcast message to this client, applying the
// subscription filter and the queue policy. Never blocks.
func (c *Client) deliver(msg *model.Message) {
	cfg, ok := c.subscription(msg.Symbol)
	if !ok {
		return
	}

	switch msg.Kind {
	case model.KindOrderBook:
		if !cfg.OrderBook {
			return
		}
		c.coalesce(msg.Kind, msg.Symbol, msg.Payload)
		return
	case model.KindTicker:
		if !cfg.Ticker {
			return
		}
		c.coalesce(msg.Kind, msg.Symbol, msg.Payload)
		return
	case model.KindMarkPrice:
		if !cfg.MarkPrice {
			return
		}
		c.coalesce(msg.Kind, msg.Symbol, msg.Payload)
		return
	case model.KindTrade:
		if !cfg.RawTrades {
			return
		}
	case model.KindAggTrade:
		if !cfg.AggTrades {
			return
		}
	case model.KindLiquidation:
		if !cfg.Liquidation {
			return
		}
	case model.KindCandle:
		if !cfg.WantsInterval(msg.Interval) {
			return
		}
	default:
		// HistoricalCandles is addressed, not broadcast.
		return
	}

	select {
	case c.send <- msg.Payload:
	case <-c.done:
	default:
		// Queue exhausted on an append-only stream. Dropping would lose
		// state, so the client goes away instead.
		telemetry.DroppedMessagesTotal.WithLabelValues(string(msg.Kind)).Inc()
		telemetry.SlowClientDisconnectsTotal.Inc()
		service.Logger.Warn("Disconnecting slow client",
			zap.String("remote", c.remote), zap.String("kind", string(msg.Kind)))
		c.close()
	}
}

func (c *Client) coalesce(kind model.Kind, symbol string, payload []byte) {
	key := coalesceKey{kind: kind, symbol: symbol}

	c.latestMu.Lock()
	if _, replaced := c.latest[key]; replaced {
		telemetry.DroppedMessagesTotal.WithLabelValues(string(kind)).Inc()
	}
	c.latest[key] = payload
	c.latestMu.Unlock()

	select {
	case c.latestPending <- struct{}{}:
	default:
	}
}

// sendDirect queues an addressed reply (replay, fetch_history response).
// It may block the client's own read loop, never the ingestion path.
func (c *Client) sendDirect(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	}
}

// close tears the client down exactly once. Safe to call concurrently with
// in-flight deliveries; once unregistered, further publishes are no-ops.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// writePump is the single writer on the connection. It drains the coalesced
// latest-value slots and the message queue, and keeps the connection alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.latestPending:
			if !c.flushLatest() {
				return
			}
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) flushLatest() bool {
	c.latestMu.Lock()
	pending := c.latest
	c.latest = make(map[coalesceKey][]byte)
	c.latestMu.Unlock()

	for _, payload := range pending {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return false
		}
	}
	return true
}

// readPump consumes client commands until the connection drops.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxCommandSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handleCommand(c, raw)
	}
}
