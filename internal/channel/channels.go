package channel

import (
	"sync"

	"feedflow/logger"
	"feedflow/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

type subscriber struct {
	ch chan models.Update
}

// Updates fans normalized update events out to any number of subscribers.
// Publishing never blocks: a full subscriber buffer drops the event.
type Updates struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	closed bool

	stats      ChannelStats
	statsMutex sync.Mutex
	log        *logger.Log
}

func NewUpdates(bufferSize int) *Updates {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	log.WithComponent("update_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("update channels initialized")
	return &Updates{subs: make(map[int]*subscriber), buffer: bufferSize, log: log}
}

// Subscribe registers a new consumer. The returned cancel function removes
// it and closes its channel.
func (u *Updates) Subscribe() (<-chan models.Update, func()) {
	u.mu.Lock()
	defer u.mu.Unlock()

	ch := make(chan models.Update, u.buffer)
	if u.closed {
		close(ch)
		return ch, func() {}
	}
	id := u.nextID
	u.nextID++
	u.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			u.mu.Lock()
			defer u.mu.Unlock()
			if s, ok := u.subs[id]; ok {
				delete(u.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers evt to every subscriber without blocking.
func (u *Updates) Publish(evt models.Update) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return
	}
	for _, s := range u.subs {
		select {
		case s.ch <- evt:
			u.increment(false)
		default:
			u.increment(true)
			logger.RecordDrop("updates")
		}
	}
}

func (u *Updates) increment(dropped bool) {
	u.statsMutex.Lock()
	if dropped {
		u.stats.Dropped++
	} else {
		u.stats.Sent++
	}
	u.statsMutex.Unlock()
}

func (u *Updates) Subscribers() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.subs)
}

func (u *Updates) GetStats() ChannelStats {
	u.statsMutex.Lock()
	defer u.statsMutex.Unlock()
	return u.stats
}

// Close closes every subscriber channel. Later publishes are ignored.
func (u *Updates) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	for id, s := range u.subs {
		close(s.ch)
		delete(u.subs, id)
	}
	u.log.WithComponent("update_channels").Info("update channels closed")
}
