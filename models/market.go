package models

// Order is one raw book entry. A positive Amount is a bid, a negative Amount
// an ask. Price 0 on an update deletes the order.
type Order struct {
	ID     int64   `json:"id"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// Trade represents an executed trade. Amount is signed by taker side.
type Trade struct {
	ID        int64   `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price"`
}

// Candle is one OHLCV bar keyed by its opening timestamp.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    float64 `json:"volume"`
}

// Ticker is the latest top-of-book and daily statistics for a symbol.
type Ticker struct {
	Bid                 float64 `json:"bid"`
	BidSize             float64 `json:"bidSize"`
	Ask                 float64 `json:"ask"`
	AskSize             float64 `json:"askSize"`
	DailyChange         float64 `json:"dailyChange"`
	DailyChangeRelative float64 `json:"dailyChangeRelative"`
	LastPrice           float64 `json:"lastPrice"`
	Volume              float64 `json:"volume"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
}

// BookSide is one side of a paired book row.
type BookSide struct {
	ID     int64   `json:"id"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Total  float64 `json:"total"`
}

// BookLevel pairs the n-th best bid with the n-th best ask. Either side may
// be nil when one side of the book is shallower than the other.
type BookLevel struct {
	Bid *BookSide `json:"bid,omitempty"`
	Ask *BookSide `json:"ask,omitempty"`
}

// BookView is the paired top-of-book with cumulative totals.
type BookView struct {
	Symbol   string      `json:"symbol"`
	Levels   []BookLevel `json:"levels"`
	MaxDepth float64     `json:"maxDepth"`
}

// DepthPoint is the cumulative amount available at or beyond Price.
type DepthPoint struct {
	Price float64 `json:"price"`
	Depth float64 `json:"depth"`
}

// Depth is the depth-of-market curve. Both sides are ordered by ascending
// price; a bid point sums bids at or above its price, an ask point sums asks
// at or below it.
type Depth struct {
	Symbol string       `json:"symbol"`
	Bids   []DepthPoint `json:"bids"`
	Asks   []DepthPoint `json:"asks"`
}
