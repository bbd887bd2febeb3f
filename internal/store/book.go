package store

import (
	"sort"
	"sync"

	"feedflow/models"
)

// BookStore keeps the raw order book per plain symbol. Orders are kept in
// insertion order; at most one order per id.
type BookStore struct {
	mu     sync.RWMutex
	books  map[string][]models.Order
	maxLen int
}

func NewBookStore(maxLen int) *BookStore {
	return &BookStore{books: make(map[string][]models.Order), maxLen: maxLen}
}

// Snapshot replaces the whole book for symbol. Duplicate ids keep their
// last occurrence; when the snapshot exceeds the cap the earliest entries
// are dropped.
func (s *BookStore) Snapshot(symbol string, orders []models.Order) {
	book := make([]models.Order, 0, len(orders))
	pos := make(map[int64]int, len(orders))
	for _, o := range orders {
		if i, ok := pos[o.ID]; ok {
			book[i] = o
			continue
		}
		pos[o.ID] = len(book)
		book = append(book, o)
	}
	book = keepLast(book, s.maxLen)

	s.mu.Lock()
	s.books[symbol] = book
	s.mu.Unlock()
}

// Apply merges one order update. Price 0 deletes an existing id, an existing
// id is replaced in place, anything else is appended and the oldest entry
// is evicted past the cap. A price-0 update for an id not in the book is
// dropped instead of being appended as a zero-price order.
// It reports whether the book changed.
func (s *BookStore) Apply(symbol string, o models.Order) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	book := s.books[symbol]
	idx := -1
	for i := range book {
		if book[i].ID == o.ID {
			idx = i
			break
		}
	}

	switch {
	case o.Price == 0 && idx >= 0:
		s.books[symbol] = append(book[:idx:idx], book[idx+1:]...)
	case o.Price == 0:
		return false
	case idx >= 0:
		book[idx] = o
	default:
		s.books[symbol] = keepLast(append(book, o), s.maxLen)
	}
	return true
}

// Orders returns a copy of the raw book for symbol.
func (s *BookStore) Orders(symbol string) []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Order(nil), s.books[symbol]...)
}

func (s *BookStore) Len(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books[symbol])
}

// Symbols lists every symbol with a book, sorted.
func (s *BookStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for sym := range s.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Clear drops the book for symbol.
func (s *BookStore) Clear(symbol string) {
	s.mu.Lock()
	delete(s.books, symbol)
	s.mu.Unlock()
}

// keepLast trims items to the newest max entries. A non-positive max keeps
// everything.
func keepLast[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	return append([]T(nil), items[len(items)-max:]...)
}
