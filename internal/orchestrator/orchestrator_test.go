package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"feedflow/config"
	"feedflow/internal/protocol"
	"feedflow/internal/registry"
	"feedflow/internal/symbols"
	"feedflow/internal/transport"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      []string
	state     transport.State
	waitErr   error
	failOn    string
	onConnect []func()
	onClose   []func(error)
}

func (c *fakeConn) Start(context.Context) error {
	c.mu.Lock()
	c.state = transport.Connected
	fns := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != "" && strings.Contains(string(payload), c.failOn) {
		return transport.ErrNotConnected
	}
	c.sent = append(c.sent, string(payload))
	return nil
}

func (c *fakeConn) WaitConnected(context.Context) error { return c.waitErr }

func (c *fakeConn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *fakeConn) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeConn) close(err error) {
	c.mu.Lock()
	c.state = transport.Disconnected
	fns := append([]func(error){}, c.onClose...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

type fakeLoader struct {
	syms []string
	err  error
}

func (l fakeLoader) Load(context.Context) ([]string, error) { return l.syms, l.err }

func newOrchestrator(t *testing.T, conn *fakeConn, loader SymbolLoader, subs config.SubscriptionsConfig) (*Orchestrator, *registry.Registry) {
	t.Helper()
	mapper := symbols.NewMapper("")
	reg := registry.New(mapper)
	o := New(conn, reg, loader, Options{Mapper: mapper, Subscriptions: subs})
	o.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(o.Close)
	return o, reg
}

func assertFrames(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sent %d frames, want %d:\n%s", len(got), len(want), strings.Join(got, "\n"))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestBootstrapSequence(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOrchestrator(t, conn, fakeLoader{syms: []string{"BTCUSD", "ETHUSD"}},
		config.SubscriptionsConfig{InitialSymbol: "ethusd"})

	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	assertFrames(t, conn.frames(), []string{
		`{"event":"subscribe","channel":"ticker","symbol":"tBTCUSD"}`,
		`{"event":"subscribe","channel":"candles","key":"trade:1m:tBTCUSD"}`,
		`{"event":"subscribe","channel":"ticker","symbol":"tETHUSD"}`,
		`{"event":"subscribe","channel":"candles","key":"trade:1m:tETHUSD"}`,
		`{"event":"subscribe","channel":"trades","symbol":"tETHUSD"}`,
		`{"event":"subscribe","channel":"book","symbol":"tETHUSD","prec":"R0"}`,
	})
	if o.Selected() != "ETHUSD" {
		t.Fatalf("expected ETHUSD selected, got %q", o.Selected())
	}
	st := o.Status()
	if st.State != "connected" || !st.Bootstrapped || len(st.Symbols) != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestBootstrapFailures(t *testing.T) {
	t.Run("connect timeout", func(t *testing.T) {
		conn := &fakeConn{waitErr: context.DeadlineExceeded}
		o, _ := newOrchestrator(t, conn, fakeLoader{syms: []string{"BTCUSD"}}, config.SubscriptionsConfig{})
		if err := o.Bootstrap(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
		if len(conn.frames()) != 0 {
			t.Fatalf("nothing should be sent before the connection opens")
		}
	})
	t.Run("reference data", func(t *testing.T) {
		loadErr := errors.New("404")
		conn := &fakeConn{}
		o, _ := newOrchestrator(t, conn, fakeLoader{err: loadErr}, config.SubscriptionsConfig{})
		if err := o.Bootstrap(context.Background()); !errors.Is(err, loadErr) {
			t.Fatalf("expected load error, got %v", err)
		}
		if len(conn.frames()) != 0 {
			t.Fatalf("no subscriptions expected without symbols")
		}
	})
}

func TestSelectReplacesTradesAndBook(t *testing.T) {
	conn := &fakeConn{}
	o, reg := newOrchestrator(t, conn, fakeLoader{syms: []string{"BTCUSD", "ETHUSD"}}, config.SubscriptionsConfig{})
	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	reg.Ack(10, protocol.ChannelTrades, protocol.SubscribeTrades("tBTCUSD"))
	reg.Ack(11, protocol.ChannelBook, protocol.SubscribeBook("tBTCUSD", "R0"))
	reg.Ack(12, protocol.ChannelTicker, protocol.SubscribeTicker("tBTCUSD"))
	conn.reset()

	if err := o.Select(context.Background(), "ethusd"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	assertFrames(t, conn.frames(), []string{
		`{"event":"unsubscribe","chanId":10}`,
		`{"event":"unsubscribe","chanId":11}`,
		`{"event":"subscribe","channel":"trades","symbol":"tETHUSD"}`,
		`{"event":"subscribe","channel":"book","symbol":"tETHUSD","prec":"R0"}`,
	})
}

func TestSelectToleratesUnsubscribeFailures(t *testing.T) {
	conn := &fakeConn{}
	o, reg := newOrchestrator(t, conn, fakeLoader{syms: []string{"BTCUSD", "ETHUSD"}}, config.SubscriptionsConfig{})
	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	reg.Ack(10, protocol.ChannelTrades, protocol.SubscribeTrades("tBTCUSD"))
	conn.reset()
	conn.failOn = `"unsubscribe"`

	if err := o.Select(context.Background(), "ETHUSD"); err != nil {
		t.Fatalf("Select should tolerate unsubscribe errors: %v", err)
	}
	if got := conn.frames(); len(got) != 2 || !strings.Contains(got[0], `"trades"`) {
		t.Fatalf("expected trades and book subscriptions, got %v", got)
	}
}

func TestSelectRejectsUnknownSymbol(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOrchestrator(t, conn, fakeLoader{syms: []string{"BTCUSD"}}, config.SubscriptionsConfig{})
	if err := o.Select(context.Background(), "BTCUSD"); !errors.Is(err, ErrNotBootstrapped) {
		t.Fatalf("expected ErrNotBootstrapped, got %v", err)
	}
	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := o.Select(context.Background(), "DOGEUSD"); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOrchestrator(t, conn, fakeLoader{syms: []string{"BTCUSD"}}, config.SubscriptionsConfig{})
	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	conn.close(errors.New("reset by peer"))
	conn.reset()

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Wait()

	assertFrames(t, conn.frames(), []string{
		`{"event":"subscribe","channel":"ticker","symbol":"tBTCUSD"}`,
		`{"event":"subscribe","channel":"candles","key":"trade:1m:tBTCUSD"}`,
		`{"event":"subscribe","channel":"trades","symbol":"tBTCUSD"}`,
		`{"event":"subscribe","channel":"book","symbol":"tBTCUSD","prec":"R0"}`,
	})
}

func TestSubscriptionsAreStaggered(t *testing.T) {
	conn := &fakeConn{}
	o, _ := newOrchestrator(t, conn, fakeLoader{syms: []string{"BTCUSD", "ETHUSD", "XRPUSD"}},
		config.SubscriptionsConfig{Stagger: 20 * time.Millisecond})

	start := time.Now()
	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected paced subscriptions, finished in %v", elapsed)
	}
}
