package store

import (
	"sort"
	"sync"

	"feedflow/models"
)

// CandleStore keeps candles per lookup key (symbol:timeframe) sorted by
// ascending timestamp, one candle per timestamp.
type CandleStore struct {
	mu      sync.RWMutex
	candles map[string][]models.Candle
	maxLen  int
}

func NewCandleStore(maxLen int) *CandleStore {
	return &CandleStore{candles: make(map[string][]models.Candle), maxLen: maxLen}
}

// Snapshot replaces the candles of key. Repeated timestamps keep the last
// bar seen.
func (s *CandleStore) Snapshot(key string, candles []models.Candle) {
	byTS := make(map[int64]int, len(candles))
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if i, ok := byTS[c.Timestamp]; ok {
			out[i] = c
			continue
		}
		byTS[c.Timestamp] = len(out)
		out = append(out, c)
	}
	sortCandles(out)
	out = keepLast(out, s.maxLen)

	s.mu.Lock()
	s.candles[key] = out
	s.mu.Unlock()
}

// Upsert replaces the bar with the same timestamp or inserts it in order,
// evicting the oldest bars past the cap.
func (s *CandleStore) Upsert(key string, c models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candles := s.candles[key]
	i := sort.Search(len(candles), func(i int) bool { return candles[i].Timestamp >= c.Timestamp })
	if i < len(candles) && candles[i].Timestamp == c.Timestamp {
		candles[i] = c
		return
	}
	candles = append(candles, models.Candle{})
	copy(candles[i+1:], candles[i:])
	candles[i] = c
	s.candles[key] = keepLast(candles, s.maxLen)
}

func (s *CandleStore) Candles(key string) []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Candle(nil), s.candles[key]...)
}

// Keys lists every lookup key with candles, sorted.
func (s *CandleStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.candles))
	for k := range s.candles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortCandles(candles []models.Candle) {
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
}
