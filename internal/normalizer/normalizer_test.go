package normalizer

import (
	"sync"
	"testing"
	"time"

	"feedflow/internal/batch"
	"feedflow/internal/channel"
	"feedflow/internal/protocol"
	"feedflow/internal/registry"
	"feedflow/internal/store"
	"feedflow/internal/symbols"
	"feedflow/logger"
	"feedflow/models"
)

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(_ time.Duration, f func()) batch.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

type harness struct {
	n       *Normalizer
	clock   *fakeClock
	updates <-chan models.Update
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mapper := symbols.NewMapper("")
	stores := store.New(store.Limits{MaxBookOrders: 100, MaxTrades: 100, MaxCandles: 100, BookLevels: 5})
	updates := channel.NewUpdates(64)
	ch, cancel := updates.Subscribe()
	t.Cleanup(cancel)

	h := &harness{clock: &fakeClock{}, updates: ch, now: time.Unix(1700000000, 0)}
	h.n = New(registry.New(mapper), stores, Options{
		Mapper:     mapper,
		FlushDelay: 100 * time.Millisecond,
		Updates:    updates,
	}).WithAfterFunc(h.clock.afterFunc)
	h.n.now = func() time.Time { return h.now }
	t.Cleanup(h.n.Close)
	return h
}

func (h *harness) send(frames ...string) {
	for _, f := range frames {
		h.n.Handle([]byte(f))
	}
}

// drain returns every update published so far.
func (h *harness) drain() []models.Update {
	var out []models.Update
	for {
		select {
		case u := <-h.updates:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestBookSnapshotThenBatchedDelete(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD","prec":"R0"}`,
		`[5,[[1,100,0.5],[2,101,-0.3]]]`,
		`[5,[1,0,1]]`,
	)

	books := h.n.Stores().Book
	if books.Len("BTCUSD") != 2 {
		t.Fatalf("update applied before the flush window closed")
	}
	if h.n.PendingBook("BTCUSD") != 1 {
		t.Fatalf("expected one pending update, got %d", h.n.PendingBook("BTCUSD"))
	}
	h.drain()

	h.clock.last().f()

	orders := books.Orders("BTCUSD")
	if len(orders) != 1 || orders[0].ID != 2 {
		t.Fatalf("expected only order 2 after flush, got %+v", orders)
	}
	got := h.drain()
	if len(got) != 1 || got[0].Kind != models.UpdateBook || got[0].BatchID == "" || got[0].Count != 1 {
		t.Fatalf("expected one batched book update, got %+v", got)
	}
}

func TestBookUpdatesWithinWindowApplyTogether(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD","prec":"R0"}`,
		`[5,[]]`,
		`[5,[1,100,0.5]]`,
		`[5,[2,101,-0.3]]`,
		`[5,[1,100,0.7]]`,
	)
	if len(h.clock.timers) != 1 {
		t.Fatalf("expected a single flush timer per window, got %d", len(h.clock.timers))
	}
	h.clock.last().f()

	orders := h.n.Stores().Book.Orders("BTCUSD")
	if len(orders) != 2 || orders[0].ID != 1 || orders[0].Amount != 0.7 {
		t.Fatalf("unexpected book %+v", orders)
	}
}

func TestSnapshotFlushesPendingFirst(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD","prec":"R0"}`,
		`[5,[[1,100,0.5]]]`,
		`[5,[3,99,1]]`,
	)
	pending := h.clock.last()
	h.drain()

	h.send(`[5,[[7,102,-1]]]`)

	if !pending.stopped {
		t.Fatalf("pending flush timer not cancelled by snapshot")
	}
	if h.n.PendingBook("BTCUSD") != 0 {
		t.Fatalf("queue not flushed by snapshot")
	}
	got := h.drain()
	if len(got) != 2 || got[0].BatchID == "" || !got[1].Snapshot {
		t.Fatalf("expected flush then snapshot, got %+v", got)
	}
	orders := h.n.Stores().Book.Orders("BTCUSD")
	if len(orders) != 1 || orders[0].ID != 7 {
		t.Fatalf("snapshot should replace the book, got %+v", orders)
	}

	// the cancelled timer firing late must not apply anything
	pending.f()
	if len(h.drain()) != 0 || h.n.Stores().Book.Len("BTCUSD") != 1 {
		t.Fatalf("stale timer applied updates")
	}
}

func TestTradesSnapshotAndUpdates(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"trades","chanId":3,"symbol":"tETHUSD"}`,
		`[3,[[12,1002,0.2,2000],[11,1001,-0.1,1999]]]`,
		`[3,"te",[13,1003,0.5,2001]]`,
		`[3,"tu",[13,1003,0.5,2001.5]]`,
	)
	trades := h.n.Stores().Trades.Trades("ETHUSD")
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %+v", trades)
	}
	if trades[0].ID != 11 || trades[2].ID != 13 || trades[2].Price != 2001.5 {
		t.Fatalf("unexpected trade order %+v", trades)
	}
}

func TestCandlesAndTicker(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"candles","chanId":9,"key":"trade:1m:tBTCUSD"}`,
		`{"event":"subscribed","channel":"ticker","chanId":4,"symbol":"tBTCUSD"}`,
		`[9,[[2000,1,2,3,0.5,10],[1000,1,1,1,1,1]]]`,
		`[9,[2000,1,4,5,0.5,12]]`,
		`[4,[1,2,3,4,5,0.1,7,8,9,10]]`,
	)
	candles := h.n.Stores().Candles.Candles("BTCUSD:1m")
	if len(candles) != 2 || candles[1].Close != 4 || candles[1].Volume != 12 {
		t.Fatalf("unexpected candles %+v", candles)
	}
	ticker, ok := h.n.Stores().Tickers.Get("BTCUSD")
	if !ok || ticker.LastPrice != 7 {
		t.Fatalf("unexpected ticker %+v", ticker)
	}

	var kinds []models.UpdateKind
	for _, u := range h.drain() {
		kinds = append(kinds, u.Kind)
	}
	want := []models.UpdateKind{models.UpdateSubscription, models.UpdateSubscription,
		models.UpdateStale, models.UpdateCandles, models.UpdateCandles, models.UpdateStale, models.UpdateTicker}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected updates %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("update %d: got %s want %s", i, kinds[i], want[i])
		}
	}
}

func TestCandlesForColonPair(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"candles","chanId":7,"key":"trade:1m:tDOGE:USD"}`,
		`[7,[[1000,1,2,3,0.5,10]]]`,
	)
	candles := h.n.Stores().Candles.Candles("DOGE:USD:1m")
	if len(candles) != 1 || candles[0].Close != 2 {
		t.Fatalf("unexpected candles %+v", candles)
	}
	if got := h.n.Stores().Candles.Candles("DOGE:1m"); len(got) != 0 {
		t.Fatalf("candles stored under truncated symbol: %+v", got)
	}
	if id, ok := h.n.Registry().Lookup(protocol.ChannelCandles, "DOGE:USD"); !ok || id != 7 {
		t.Fatalf("Lookup(candles, DOGE:USD) = %d,%v", id, ok)
	}
}

func TestHeartbeatClearsStaleness(t *testing.T) {
	h := newHarness(t)
	h.send(`{"event":"subscribed","channel":"trades","chanId":3,"symbol":"tETHUSD"}`)
	sub, _ := h.n.Registry().Get(3)
	if !sub.IsStale || !sub.LastUpdate.IsZero() {
		t.Fatalf("new subscription should start stale, got %+v", sub)
	}

	h.send(`[3,"hb"]`)
	sub, _ = h.n.Registry().Get(3)
	if sub.IsStale || !sub.LastUpdate.Equal(h.now) {
		t.Fatalf("heartbeat did not refresh subscription: %+v", sub)
	}
}

func TestUnsubscribedAndMissingChannels(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"trades","chanId":3,"symbol":"tETHUSD"}`,
		`{"event":"unsubscribed","chanId":3,"status":"OK"}`,
		`[3,[[12,1002,0.2,2000]]]`,
		`[99,"hb"]`,
	)
	if h.n.Registry().Len() != 0 {
		t.Fatalf("subscription not removed")
	}
	if len(h.n.Stores().Trades.Trades("ETHUSD")) != 0 {
		t.Fatalf("data for unknown channel applied")
	}
}

func TestUnsubscribeReleasesTradesAndBook(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"trades","chanId":3,"symbol":"tETHUSD"}`,
		`{"event":"subscribed","channel":"book","chanId":5,"symbol":"tETHUSD","prec":"R0"}`,
		`{"event":"subscribed","channel":"ticker","chanId":4,"symbol":"tETHUSD"}`,
		`[3,[[12,1002,0.2,2000]]]`,
		`[5,[[1,2000,1]]]`,
		`[5,[2,2001,-1]]`,
		`[4,[1,2,3,4,5,0.1,7,8,9,10]]`,
	)
	if h.n.PendingBook("ETHUSD") != 1 {
		t.Fatalf("expected one pending book update")
	}

	h.send(
		`{"event":"unsubscribed","chanId":3,"status":"OK"}`,
		`{"event":"unsubscribed","chanId":5,"status":"OK"}`,
	)

	if got := h.n.Stores().Trades.Trades("ETHUSD"); len(got) != 0 {
		t.Fatalf("trades kept after unsubscribe: %+v", got)
	}
	if got := h.n.Stores().Book.Orders("ETHUSD"); len(got) != 0 {
		t.Fatalf("book kept after unsubscribe: %+v", got)
	}
	if h.n.PendingBook("ETHUSD") != 0 {
		t.Fatalf("pending book updates kept after unsubscribe")
	}
	if _, ok := h.n.Stores().Tickers.Get("ETHUSD"); !ok {
		t.Fatalf("ticker should survive a trades/book unsubscribe")
	}
}

func TestCloseAppliesPendingBookUpdates(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD","prec":"R0"}`,
		`[5,[[1,100,1]]]`,
		`[5,[2,101,-1]]`,
	)
	h.n.Close()

	if h.n.PendingBook("BTCUSD") != 0 {
		t.Fatalf("pending updates left after Close")
	}
	if got := h.n.Stores().Book.Len("BTCUSD"); got != 2 {
		t.Fatalf("expected queued update applied on Close, book has %d orders", got)
	}
	if h.n.book.Flushes() != 1 {
		t.Fatalf("expected one flush, got %d", h.n.book.Flushes())
	}
}

func TestUnknownChannelIsDropped(t *testing.T) {
	h := newHarness(t)
	h.n.Registry().Ack(8, protocol.Channel("status"), protocol.Request{Channel: "status", Key: "deriv:tBTCF0:USTF0"})
	before := logger.WarnCount("normalizer")

	h.send(`[8,[1,2,3]]`)

	if logger.WarnCount("normalizer") <= before {
		t.Fatalf("expected a warning for an unhandled channel")
	}
}

func TestMalformedAndPanickingFramesDoNotStopDispatch(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.n.SetOnPong(func(protocol.Event) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	})

	h.send(`{bad`, `[1]`, `{"event":"pong","cid":1}`, `{"event":"pong","cid":2}`)
	if calls != 2 {
		t.Fatalf("expected dispatch to continue after a panic, got %d pong calls", calls)
	}

	h.send(
		`{"event":"subscribed","channel":"trades","chanId":3,"symbol":"tETHUSD"}`,
		`[3,[[12,1002,0.2]]]`,
		`[3,[[12,1002,0.2,2000]]]`,
	)
	if len(h.n.Stores().Trades.Trades("ETHUSD")) != 1 {
		t.Fatalf("valid frame after a malformed one not applied")
	}
}

func TestMarkedStaleAndReset(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD","prec":"R0"}`,
		`[5,[[1,100,0.5]]]`,
		`[5,[2,101,1]]`,
	)
	h.drain()

	h.n.MarkedStale([]registry.Subscription{{ChanID: 5, Channel: protocol.ChannelBook,
		Request: protocol.Request{Channel: protocol.ChannelBook, Symbol: "tBTCUSD"}}})
	got := h.drain()
	if len(got) != 1 || got[0].Kind != models.UpdateStale || got[0].Symbol != "BTCUSD" || got[0].Detail != "stale" {
		t.Fatalf("unexpected stale events %+v", got)
	}

	h.n.Reset()
	if h.n.Registry().Len() != 0 || h.n.PendingBook("BTCUSD") != 0 {
		t.Fatalf("reset left state behind")
	}
	if !h.clock.last().stopped {
		t.Fatalf("reset did not cancel the pending flush")
	}
}

func TestBookScenarioThroughFrames(t *testing.T) {
	h := newHarness(t)
	h.send(
		`{"event":"subscribed","channel":"book","chanId":5,"symbol":"tBTCUSD","prec":"R0"}`,
		`[5,[[45000,2,1.5],[44999,1,0.8]]]`,
		`[5,[45000,1,0.5]]`,
		`[5,[45000,0,0]]`,
	)
	h.clock.last().f()

	view := h.n.Stores().BookView("BTCUSD")
	if len(view.Levels) != 1 || view.Levels[0].Bid == nil || view.Levels[0].Bid.ID != 44999 || view.Levels[0].Ask != nil {
		t.Fatalf("expected 44999 as the only bid, got %+v", view.Levels)
	}
}
