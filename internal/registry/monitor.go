package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feedflow/logger"
)

// Monitor periodically flags subscriptions that stopped receiving data.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
	onStale  func([]Subscription)
	now      func() time.Time
	log      *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor sweeps reg every interval and flags entries idle for longer
// than timeout. onStale may be nil.
func NewMonitor(reg *Registry, interval, timeout time.Duration, onStale func([]Subscription)) *Monitor {
	return &Monitor{
		reg:      reg,
		interval: interval,
		timeout:  timeout,
		onStale:  onStale,
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// Sweep runs one pass at now and returns the newly flagged subscriptions.
func (m *Monitor) Sweep(now time.Time) []Subscription {
	flagged := m.reg.MarkStaleOlderThan(now.Add(-m.timeout))
	if len(flagged) == 0 {
		return nil
	}
	for _, s := range flagged {
		m.log.WithComponent("staleness_monitor").WithFields(logger.Fields{
			"chan_id":     s.ChanID,
			"channel":     s.Channel,
			"last_update": s.LastUpdate,
		}).Warn("subscription marked stale")
	}
	if m.onStale != nil {
		m.onStale(flagged)
	}
	return flagged
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("staleness monitor already running")
	}
	if m.interval <= 0 {
		return fmt.Errorf("staleness monitor interval must be greater than 0")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()

	m.log.WithComponent("staleness_monitor").WithFields(logger.Fields{
		"interval": m.interval.String(),
		"timeout":  m.timeout.String(),
	}).Info("staleness monitor started")
	return nil
}

// Stop cancels the sweep ticker and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}
