package models

import "time"

// UpdateKind tags a normalized update event.
type UpdateKind string

const (
	UpdateTicker       UpdateKind = "ticker"
	UpdateTrades       UpdateKind = "trades"
	UpdateCandles      UpdateKind = "candles"
	UpdateBook         UpdateKind = "book"
	UpdateSubscription UpdateKind = "subscription"
	UpdateStale        UpdateKind = "stale"
	UpdateConnection   UpdateKind = "connection"
)

// Update describes a state change applied by the normalizer. Consumers read
// the current state from the stores; the event only says what moved.
type Update struct {
	Kind     UpdateKind `json:"kind"`
	Symbol   string     `json:"symbol,omitempty"`
	Key      string     `json:"key,omitempty"`
	ChanID   int64      `json:"chanId,omitempty"`
	Snapshot bool       `json:"snapshot,omitempty"`
	Count    int        `json:"count,omitempty"`
	BatchID  string     `json:"batchId,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	At       time.Time  `json:"at"`
}
