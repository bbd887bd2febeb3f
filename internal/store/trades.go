package store

import (
	"sort"
	"sync"

	"feedflow/models"
)

// TradeStore keeps trades per plain symbol sorted by ascending timestamp.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string][]models.Trade
	maxLen int
}

func NewTradeStore(maxLen int) *TradeStore {
	return &TradeStore{trades: make(map[string][]models.Trade), maxLen: maxLen}
}

// Snapshot replaces the trades of symbol. The feed sends snapshots newest
// first; they are stored ascending like every other trade collection.
func (s *TradeStore) Snapshot(symbol string, trades []models.Trade) {
	out := append([]models.Trade(nil), trades...)
	sortTrades(out)
	out = keepLast(out, s.maxLen)

	s.mu.Lock()
	s.trades[symbol] = out
	s.mu.Unlock()
}

// Upsert replaces the trade with the same id or inserts it, then restores
// ascending order and evicts the oldest trades past the cap.
func (s *TradeStore) Upsert(symbol string, t models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trades := s.trades[symbol]
	replaced := false
	for i := range trades {
		if trades[i].ID == t.ID {
			trades[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		trades = append(trades, t)
	}
	sortTrades(trades)
	s.trades[symbol] = keepLast(trades, s.maxLen)
}

func (s *TradeStore) Trades(symbol string) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Trade(nil), s.trades[symbol]...)
}

func (s *TradeStore) Clear(symbol string) {
	s.mu.Lock()
	delete(s.trades, symbol)
	s.mu.Unlock()
}

func sortTrades(trades []models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp < trades[j].Timestamp })
}
