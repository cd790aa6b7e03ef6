package api

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"crypto-market-hub/internal/engine"
	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/service"
)

// MockFeed synthesizes a plausible trade and depth stream for one symbol so
// the full pipeline can run without exchange connectivity. Selected with
// Exchange.Name "mock" in config.
type MockFeed struct {
	symbol string
	cfg    model.StreamConfig
	engine *engine.Engine

	rng      *rand.Rand
	price    float64
	tradeID  int64
	updateID int64
}

// NewMockFeed seeds a random-walk generator around basePrice.
func NewMockFeed(symbol string, cfg model.StreamConfig, eng *engine.Engine, basePrice float64) *MockFeed {
	return &MockFeed{
		symbol: symbol,
		cfg:    cfg,
		engine: eng,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		price:  basePrice,
	}
}

// Start emits a trade and a fresh book snapshot a few times a second.
// Runs until the process exits, mirroring the real connector.
func (m *MockFeed) Start() {
	service.Logger.Info("Mock feed started",
		zap.String("symbol", m.symbol), zap.Float64("base_price", m.price))

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		m.step()
	}
}

func (m *MockFeed) step() {
	// Random walk, +-0.05% per step.
	m.price *= 1 + (m.rng.Float64()-0.5)*0.001
	now := time.Now().UnixMilli()

	if m.cfg.RawTrades {
		m.tradeID++
		m.engine.ApplyTrade(model.Trade{
			ID:        m.tradeID,
			Symbol:    m.symbol,
			Price:     m.price,
			Quantity:  0.01 + m.rng.Float64()*0.5,
			Timestamp: now,
			Side:      model.SideFromBuyerMaker(m.rng.Intn(2) == 0),
		})
	}

	if m.cfg.OrderBook {
		m.updateID++
		m.engine.ApplyOrderBook(m.makeBook(now))
	}
}

func (m *MockFeed) makeBook(_ int64) *model.OrderBook {
	const levels = 10
	tick := m.price * 0.0001

	bids := make([]model.PriceLevel, levels)
	asks := make([]model.PriceLevel, levels)
	for i := 0; i < levels; i++ {
		bids[i] = model.PriceLevel{
			Price:    m.price - tick*float64(i+1),
			Quantity: 0.1 + m.rng.Float64()*2,
		}
		asks[i] = model.PriceLevel{
			Price:    m.price + tick*float64(i+1),
			Quantity: 0.1 + m.rng.Float64()*2,
		}
	}

	return &model.OrderBook{
		Symbol:       m.symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: m.updateID,
	}
}
