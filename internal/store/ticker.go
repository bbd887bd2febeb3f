package store

import (
	"sync"

	"feedflow/models"
)

// TickerStore holds the latest ticker per plain symbol.
type TickerStore struct {
	mu      sync.RWMutex
	tickers map[string]models.Ticker
}

func NewTickerStore() *TickerStore {
	return &TickerStore{tickers: make(map[string]models.Ticker)}
}

// Set replaces the ticker of symbol wholesale.
func (s *TickerStore) Set(symbol string, t models.Ticker) {
	s.mu.Lock()
	s.tickers[symbol] = t
	s.mu.Unlock()
}

func (s *TickerStore) Get(symbol string) (models.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

func (s *TickerStore) All() map[string]models.Ticker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Ticker, len(s.tickers))
	for k, v := range s.tickers {
		out[k] = v
	}
	return out
}
