package store

import (
	"sort"

	"github.com/shopspring/decimal"

	"feedflow/models"
)

// BookView pairs the best levels bids against asks with cumulative totals.
// Bids are orders with a positive amount, asks a negative one.
func BookView(symbol string, orders []models.Order, levels int) models.BookView {
	view := models.BookView{Symbol: symbol, Levels: []models.BookLevel{}}
	bids, asks := splitSides(orders)

	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if levels > 0 {
		if len(bids) > levels {
			bids = bids[:levels]
		}
		if len(asks) > levels {
			asks = asks[:levels]
		}
	}

	bidTotal, askTotal := decimal.Zero, decimal.Zero
	rows := len(bids)
	if len(asks) > rows {
		rows = len(asks)
	}
	for i := 0; i < rows; i++ {
		var level models.BookLevel
		if i < len(bids) {
			bidTotal = bidTotal.Add(decimal.NewFromFloat(bids[i].Amount))
			level.Bid = &models.BookSide{
				ID:     bids[i].ID,
				Price:  bids[i].Price,
				Amount: bids[i].Amount,
				Total:  bidTotal.InexactFloat64(),
			}
		}
		if i < len(asks) {
			askTotal = askTotal.Add(decimal.NewFromFloat(asks[i].Amount).Abs())
			level.Ask = &models.BookSide{
				ID:     asks[i].ID,
				Price:  asks[i].Price,
				Amount: asks[i].Amount,
				Total:  askTotal.InexactFloat64(),
			}
		}
		view.Levels = append(view.Levels, level)
	}
	view.MaxDepth = bidTotal.Add(askTotal).InexactFloat64()
	return view
}

// DepthView computes the cumulative depth-of-market curve over the whole
// book, one point per distinct price.
func DepthView(symbol string, orders []models.Order) models.Depth {
	bids, asks := splitSides(orders)
	return models.Depth{
		Symbol: symbol,
		Bids:   cumulative(bids, func(order, level float64) bool { return order >= level }),
		Asks:   cumulative(asks, func(order, level float64) bool { return order <= level }),
	}
}

func splitSides(orders []models.Order) (bids, asks []models.Order) {
	for _, o := range orders {
		switch {
		case o.Amount > 0:
			bids = append(bids, o)
		case o.Amount < 0:
			asks = append(asks, o)
		}
	}
	return bids, asks
}

// cumulative returns one point per distinct price, ascending, summing the
// absolute amount of every order whose price satisfies include.
func cumulative(orders []models.Order, include func(order, level float64) bool) []models.DepthPoint {
	seen := make(map[float64]bool, len(orders))
	prices := make([]float64, 0, len(orders))
	for _, o := range orders {
		if !seen[o.Price] {
			seen[o.Price] = true
			prices = append(prices, o.Price)
		}
	}
	sort.Float64s(prices)

	points := make([]models.DepthPoint, 0, len(prices))
	for _, p := range prices {
		sum := decimal.Zero
		for _, o := range orders {
			if include(o.Price, p) {
				sum = sum.Add(decimal.NewFromFloat(o.Amount).Abs())
			}
		}
		points = append(points, models.DepthPoint{Price: p, Depth: sum.InexactFloat64()})
	}
	return points
}
