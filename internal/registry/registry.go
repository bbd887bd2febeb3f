package registry

import (
	"sort"
	"sync"
	"time"

	"feedflow/internal/protocol"
	"feedflow/internal/symbols"
)

// Subscription is an acknowledged channel subscription.
type Subscription struct {
	ChanID     int64            `json:"chanId"`
	Channel    protocol.Channel `json:"channel"`
	Request    protocol.Request `json:"request"`
	IsStale    bool             `json:"isStale"`
	LastUpdate time.Time        `json:"lastUpdate"`
}

// Symbol returns the plain symbol the subscription is for.
func (s Subscription) Symbol(m symbols.Mapper) string {
	if s.Request.Key != "" {
		if _, sym, err := m.ParseCandleKey(s.Request.Key); err == nil {
			return sym
		}
	}
	return m.Strip(s.Request.Symbol)
}

// Registry tracks subscriptions by server assigned channel id. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	mapper symbols.Mapper
}

func New(mapper symbols.Mapper) *Registry {
	return &Registry{subs: make(map[int64]*Subscription), mapper: mapper}
}

// Ack inserts or replaces chanID. New entries start stale with no update.
func (r *Registry) Ack(chanID int64, channel protocol.Channel, req protocol.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[chanID] = &Subscription{
		ChanID:  chanID,
		Channel: channel,
		Request: req,
		IsStale: true,
	}
}

// Unack removes chanID and reports whether it was present.
func (r *Registry) Unack(chanID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[chanID]
	delete(r.subs, chanID)
	return ok
}

// Touch clears the stale flag and refreshes LastUpdate. It returns the
// updated subscription, whether it was stale before, and false when chanID
// is unknown.
func (r *Registry) Touch(chanID int64, now time.Time) (sub Subscription, wasStale bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[chanID]
	if !ok {
		return Subscription{}, false, false
	}
	wasStale = s.IsStale
	s.IsStale = false
	s.LastUpdate = now
	return *s, wasStale, true
}

func (r *Registry) Get(chanID int64) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[chanID]
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// Lookup returns the lowest channel id subscribed to channel for the plain
// symbol. An empty symbol matches any subscription of that channel.
func (r *Registry) Lookup(channel protocol.Channel, symbol string) (int64, bool) {
	ids := r.LookupAll(channel, symbol)
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// LookupAll returns every matching channel id in ascending order.
func (r *Registry) LookupAll(channel protocol.Channel, symbol string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, s := range r.subs {
		if s.Channel != channel {
			continue
		}
		if symbol != "" && !r.matches(s, symbol) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) matches(s *Subscription, symbol string) bool {
	if s.Request.Symbol != "" {
		return s.Request.Symbol == symbol || r.mapper.Strip(s.Request.Symbol) == symbol
	}
	if s.Request.Key != "" {
		_, sym, err := r.mapper.ParseCandleKey(s.Request.Key)
		return err == nil && sym == r.mapper.Strip(symbol)
	}
	return false
}

// ChannelIDs returns the ids of every subscription on any of channels, in
// ascending order.
func (r *Registry) ChannelIDs(channels ...protocol.Channel) []int64 {
	want := make(map[protocol.Channel]bool, len(channels))
	for _, c := range channels {
		want[c] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, s := range r.subs {
		if want[s.Channel] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns a copy of every subscription ordered by channel id.
func (r *Registry) All() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChanID < out[j].ChanID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Reset drops every subscription. Channel ids do not survive a reconnect.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[int64]*Subscription)
}

// MarkStaleOlderThan flags fresh subscriptions whose LastUpdate is before
// cutoff and returns the ones it flagged. Entries that never received data
// are skipped.
func (r *Registry) MarkStaleOlderThan(cutoff time.Time) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var flagged []Subscription
	for _, s := range r.subs {
		if s.IsStale || s.LastUpdate.IsZero() {
			continue
		}
		if s.LastUpdate.Before(cutoff) {
			s.IsStale = true
			flagged = append(flagged, *s)
		}
	}
	sort.Slice(flagged, func(i, j int) bool { return flagged[i].ChanID < flagged[j].ChanID })
	return flagged
}
