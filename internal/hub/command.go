package hub

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
)

// ParseChannel splits a command channel into symbol and optional interval.
// "BTCUSDT_1m" scopes the subscription to one kline interval; a plain
// "BTCUSDT" leaves the interval to the stream config defaults.
func ParseChannel(channel string) (symbol, interval string) {
	if i := strings.LastIndex(channel, "_"); i > 0 {
		suffix := channel[i+1:]
		if _, err := service.ParseIntervalDuration(suffix); err == nil {
			return strings.ToUpper(channel[:i]), suffix
		}
	}
	return strings.ToUpper(channel), ""
}

// handleCommand parses and applies one inbound client frame. Malformed
// frames and unknown actions are logged and ignored, never fatal.
func (h *Hub) handleCommand(c *Client, raw []byte) {
	var cmd model.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		service.Logger.Warn("Ignoring malformed command",
			zap.String("remote", c.remote), zap.Error(err))
		return
	}

	switch cmd.Action {
	case model.ActionSubscribe:
		h.subscribe(c, cmd)
	case model.ActionUnsubscribe:
		symbol, _ := ParseChannel(cmd.Channel)
		c.removeSubscription(symbol)
		service.Logger.Info("Client unsubscribed",
			zap.String("remote", c.remote), zap.String("symbol", symbol))
	case model.ActionFetchHistory:
		h.fetchHistory(c, cmd)
	default:
		service.Logger.Warn("Ignoring unknown command action",
			zap.String("remote", c.remote), zap.String("action", cmd.Action))
	}
}

func (h *Hub) subscribe(c *Client, cmd model.Command) {
	symbol, interval := ParseChannel(cmd.Channel)
	if symbol == "" {
		service.Logger.Warn("Ignoring subscribe with empty channel",
			zap.String("remote", c.remote))
		return
	}

	cfg := h.cfg.DefaultStreamConfig()
	if cmd.Config != nil {
		cfg = *cmd.Config
	}
	if interval != "" && !cfg.WantsInterval(interval) {
		cfg.KlineIntervals = append(cfg.KlineIntervals, interval)
	}

	c.setSubscription(symbol, cfg)
	service.Logger.Info("Client subscribed",
		zap.String("remote", c.remote),
		zap.String("symbol", symbol),
		zap.Strings("intervals", cfg.KlineIntervals))

	// First subscriber for a symbol starts its upstream ingestion, exactly
	// once across all clients.
	if h.engine.RequestIngestion(symbol) && h.ingest != nil {
		service.Logger.Info("Starting ingestion for new symbol", zap.String("symbol", symbol))
		h.ingest(symbol, cfg)
	}

	h.replay(c, symbol, cfg, interval)
}

// replay sends the current state to a late-joining subscriber only: latest
// book/ticker/mark price snapshots, recent trades and liquidations in
// chronological order, cached candles and an initial history block.
func (h *Hub) replay(c *Client, symbol string, cfg model.StreamConfig, interval string) {
	if cfg.OrderBook {
		if book, ok := h.engine.Snapshot(symbol); ok {
			if msg, err := model.NewOrderBookMessage(book); err == nil {
				if !c.sendDirect(msg.Payload) {
					return
				}
			}
		}
	}

	if cfg.Ticker {
		if ticker, ok := h.engine.Ticker(symbol); ok {
			if msg, err := model.NewTickerMessage(ticker); err == nil {
				if !c.sendDirect(msg.Payload) {
					return
				}
			}
		}
	}

	if cfg.MarkPrice {
		if mp, ok := h.engine.MarkPrice(symbol); ok {
			if msg, err := model.NewMarkPriceMessage(mp); err == nil {
				if !c.sendDirect(msg.Payload) {
					return
				}
			}
		}
	}

	if cfg.RawTrades {
		trades := h.engine.RecentTrades(symbol, 0)
		for i := len(trades) - 1; i >= 0; i-- {
			if msg, err := model.NewTradeMessage(trades[i]); err == nil {
				if !c.sendDirect(msg.Payload) {
					return
				}
			}
		}
	}

	if cfg.AggTrades {
		trades := h.engine.RecentAggTrades(symbol, 0)
		for i := len(trades) - 1; i >= 0; i-- {
			if msg, err := model.NewAggTradeMessage(trades[i]); err == nil {
				if !c.sendDirect(msg.Payload) {
					return
				}
			}
		}
	}

	if cfg.Liquidation {
		liqs := h.engine.RecentLiquidations(symbol, 0)
		for i := len(liqs) - 1; i >= 0; i-- {
			if msg, err := model.NewLiquidationMessage(liqs[i]); err == nil {
				if !c.sendDirect(msg.Payload) {
					return
				}
			}
		}
	}

	for _, candle := range h.engine.RecentCandles(symbol) {
		if !cfg.WantsInterval(candle.Interval) {
			continue
		}
		if msg, err := model.NewCandleMessage(candle); err == nil {
			if !c.sendDirect(msg.Payload) {
				return
			}
		}
	}

	now := time.Now().UnixMilli()
	history := h.engine.History(symbol, interval, now, h.cfg.Server.HistoryFetchLimit)
	if len(history) > 0 {
		if msg, err := model.NewHistoryMessage(symbol, history); err == nil {
			c.sendDirect(msg.Payload)
		}
	}
}

// fetchHistory answers a pagination request with one bulk response to the
// requesting client only.
func (h *Hub) fetchHistory(c *Client, cmd model.Command) {
	symbol, interval := ParseChannel(cmd.Channel)
	end := cmd.EndTime
	if end == 0 {
		end = time.Now().UnixMilli()
	}

	candles := h.engine.History(symbol, interval, end, h.cfg.Server.HistoryFetchLimit)
	msg, err := model.NewHistoryMessage(symbol, candles)
	if err != nil {
		service.Logger.Error("Failed to encode history response", zap.Error(err))
		return
	}
	c.sendDirect(msg.Payload)
}
