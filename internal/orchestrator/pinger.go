package orchestrator

import (
	"sync"
	"time"

	"feedflow/internal/metrics"
	"feedflow/internal/protocol"
	"feedflow/logger"
)

const defaultPingInterval = 5 * time.Second

// Pinger sends ping frames with increasing cids while the connection is
// open and derives round trip latency from the matching pongs.
type Pinger struct {
	send     func([]byte) error
	interval time.Duration
	now      func() time.Time
	log      *logger.Log

	mu      sync.Mutex
	nextCID int64
	sent    map[int64]time.Time
	latency time.Duration
	stop    chan struct{}
	done    chan struct{}
}

func NewPinger(send func([]byte) error, interval time.Duration) *Pinger {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return &Pinger{
		send:     send,
		interval: interval,
		now:      time.Now,
		log:      logger.GetLogger(),
		sent:     make(map[int64]time.Time),
	}
}

// Start begins the ping loop. It is a no-op while running.
func (p *Pinger) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
}

func (p *Pinger) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = p.Ping()
		}
	}
}

// Ping sends one ping frame and remembers when it left.
func (p *Pinger) Ping() error {
	p.mu.Lock()
	p.nextCID++
	cid := p.nextCID
	now := p.now()
	p.sent[cid] = now
	// pongs older than a few intervals are not coming back
	for id, at := range p.sent {
		if now.Sub(at) > 4*p.interval {
			delete(p.sent, id)
		}
	}
	p.mu.Unlock()

	payload, err := protocol.Ping(cid)
	if err == nil {
		err = p.send(payload)
	}
	if err != nil {
		p.mu.Lock()
		delete(p.sent, cid)
		p.mu.Unlock()
		p.log.WithComponent("pinger").WithError(err).Debug("ping not sent")
	}
	return err
}

// Pong records the latency of the ping matching ev.CID. Unknown cids are
// ignored.
func (p *Pinger) Pong(ev protocol.Event) {
	p.mu.Lock()
	at, ok := p.sent[ev.CID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sent, ev.CID)
	latency := p.now().Sub(at)
	p.latency = latency
	p.mu.Unlock()

	metrics.SetPingLatency(latency)
	p.log.WithComponent("pinger").WithFields(logger.Fields{
		"cid":        ev.CID,
		"latency_ms": latency.Milliseconds(),
	}).Debug("pong received")
}

// Latency returns the last measured round trip.
func (p *Pinger) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Stop ends the ping loop and forgets outstanding pings.
func (p *Pinger) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.sent = make(map[int64]time.Time)
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
