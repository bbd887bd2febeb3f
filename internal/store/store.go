package store

import "feedflow/models"

// Stores groups the per-channel state owned by the normalizer.
type Stores struct {
	Book    *BookStore
	Trades  *TradeStore
	Candles *CandleStore
	Tickers *TickerStore

	bookLevels int
}

// Limits caps every bounded collection.
type Limits struct {
	MaxBookOrders int
	MaxTrades     int
	MaxCandles    int
	BookLevels    int
}

func New(l Limits) *Stores {
	return &Stores{
		Book:       NewBookStore(l.MaxBookOrders),
		Trades:     NewTradeStore(l.MaxTrades),
		Candles:    NewCandleStore(l.MaxCandles),
		Tickers:    NewTickerStore(),
		bookLevels: l.BookLevels,
	}
}

// BookView derives the paired top-of-book for symbol.
func (s *Stores) BookView(symbol string) models.BookView {
	return BookView(symbol, s.Book.Orders(symbol), s.bookLevels)
}

// Depth derives the depth-of-market curve for symbol.
func (s *Stores) Depth(symbol string) models.Depth {
	return DepthView(symbol, s.Book.Orders(symbol))
}
