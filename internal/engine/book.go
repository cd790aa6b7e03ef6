package engine

import (
	"errors"
	"fmt"
	"math"

	"crypto-market-hub/internal/model"
)

// Validation failures on incoming snapshots. The offending update is dropped
// and the last good state keeps serving.
var (
	ErrCrossedBook = errors.New("order book is crossed")
	ErrStaleBook   = errors.New("order book update id decreased")
)

// validateOrderBook checks level sanity and the non-crossing invariant
// (best bid must stay below best ask).
func validateOrderBook(b *model.OrderBook) error {
	for _, side := range [][]model.PriceLevel{b.Bids, b.Asks} {
		for _, lvl := range side {
			if !isFinite(lvl.Price) || !isFinite(lvl.Quantity) || lvl.Price < 0 || lvl.Quantity < 0 {
				return fmt.Errorf("invalid price level %.8f @ %.8f", lvl.Quantity, lvl.Price)
			}
		}
	}

	if len(b.Bids) > 0 && len(b.Asks) > 0 && b.BestBid() >= b.BestAsk() {
		return ErrCrossedBook
	}
	return nil
}

// validateTradeValues rejects NaN or infinite values, a non-positive price
// and a negative quantity.
func validateTradeValues(price, quantity float64) error {
	if !isFinite(price) || price <= 0 {
		return fmt.Errorf("invalid trade price %v", price)
	}
	if !isFinite(quantity) || quantity < 0 {
		return fmt.Errorf("invalid trade quantity %v", quantity)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
