package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedflow/config"
	"feedflow/internal/protocol"
	"feedflow/internal/refdata"
	"feedflow/internal/registry"
	"feedflow/internal/symbols"
	"feedflow/internal/transport"
	"feedflow/logger"
)

const defaultConnectTimeout = 30 * time.Second

var (
	// ErrUnknownSymbol is returned by Select for a symbol missing from the
	// reference data.
	ErrUnknownSymbol = errors.New("unknown symbol")
	// ErrNotBootstrapped is returned by Select before Bootstrap completed.
	ErrNotBootstrapped = errors.New("not bootstrapped")
)

// Conn is the transport surface the orchestrator drives.
type Conn interface {
	Start(ctx context.Context) error
	Send(payload []byte) error
	WaitConnected(ctx context.Context) error
	State() transport.State
	OnConnect(fn func())
	OnClose(fn func(error))
}

// SymbolLoader returns the tradable plain symbols.
type SymbolLoader interface {
	Load(ctx context.Context) ([]string, error)
}

type Options struct {
	Mapper         symbols.Mapper
	Subscriptions  config.SubscriptionsConfig
	ConnectTimeout time.Duration
	PingInterval   time.Duration
}

// Status is a point in time view of the orchestrator.
type Status struct {
	State         string   `json:"state"`
	Selected      string   `json:"selected"`
	Symbols       []string `json:"symbols"`
	Subscriptions int      `json:"subscriptions"`
	LatencyMs     int64    `json:"latencyMs"`
	Bootstrapped  bool     `json:"bootstrapped"`
}

// Orchestrator drives the subscription lifecycle: the bootstrap sequence,
// symbol selection and resubscription after a reconnect.
type Orchestrator struct {
	conn    Conn
	reg     *registry.Registry
	loader  SymbolLoader
	mapper  symbols.Mapper
	subs    config.SubscriptionsConfig
	timeout time.Duration
	limiter *rate.Limiter
	pinger  *Pinger
	sleep   func(ctx context.Context, d time.Duration) error
	log     *logger.Log

	selectMu sync.Mutex

	mu           sync.Mutex
	ctx          context.Context
	symbols      []string
	selected     string
	bootstrapped bool
	recovering   sync.WaitGroup
}

func New(conn Conn, reg *registry.Registry, loader SymbolLoader, opts Options) *Orchestrator {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Mapper.Prefix == "" {
		opts.Mapper = symbols.NewMapper("")
	}
	if opts.Subscriptions.CandleTimeframe == "" {
		opts.Subscriptions.CandleTimeframe = "1m"
	}
	if opts.Subscriptions.BookPrecision == "" {
		opts.Subscriptions.BookPrecision = "R0"
	}

	limit := rate.Inf
	if opts.Subscriptions.Stagger > 0 {
		limit = rate.Every(opts.Subscriptions.Stagger)
	}

	o := &Orchestrator{
		conn:    conn,
		reg:     reg,
		loader:  loader,
		mapper:  opts.Mapper,
		subs:    opts.Subscriptions,
		timeout: opts.ConnectTimeout,
		limiter: rate.NewLimiter(limit, 1),
		pinger:  NewPinger(conn.Send, opts.PingInterval),
		sleep:   sleepContext,
		log:     logger.GetLogger(),
		ctx:     context.Background(),
	}
	conn.OnConnect(o.connected)
	conn.OnClose(o.disconnected)
	return o
}

// Pinger exposes the latency collaborator so pong events can be routed to it.
func (o *Orchestrator) Pinger() *Pinger { return o.pinger }

// Bootstrap connects, loads the reference symbols, subscribes ticker and
// candles for each of them and selects the initial symbol.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	log := o.log.WithComponent("orchestrator")
	start := time.Now()

	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	if err := o.conn.Start(ctx); err != nil {
		log.WithError(err).Warn("initial connect failed, waiting for reconnect")
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	err := o.conn.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	syms, err := o.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: load symbols: %w", err)
	}
	if len(syms) == 0 {
		return fmt.Errorf("bootstrap: %w", refdata.ErrNoSymbols)
	}
	initial := pickInitial(syms, o.subs.InitialSymbol)

	o.mu.Lock()
	o.symbols = syms
	o.mu.Unlock()

	if err := o.subscribeAll(ctx, syms); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	o.mu.Lock()
	o.bootstrapped = true
	o.mu.Unlock()

	if err := o.Select(ctx, initial); err != nil {
		return fmt.Errorf("bootstrap: select %s: %w", initial, err)
	}

	logger.LogPerformanceEntry(log, "orchestrator", "bootstrap", time.Since(start), logger.Fields{
		"symbols": len(syms),
		"initial": initial,
	})
	return nil
}

// subscribeAll requests ticker and candles for every symbol, paced by the
// stagger limiter.
func (o *Orchestrator) subscribeAll(ctx context.Context, syms []string) error {
	for _, sym := range syms {
		if err := o.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
		o.subscribe(protocol.SubscribeTicker(o.mapper.Prefixed(sym)))
		o.subscribe(protocol.SubscribeCandles(o.mapper.CandleKey(o.subs.CandleTimeframe, sym)))
	}
	return nil
}

// Select moves the trades and book subscriptions to symbol. Unsubscribe
// failures are logged and do not stop the switch.
func (o *Orchestrator) Select(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	o.mu.Lock()
	known, ready := o.symbols, o.bootstrapped
	o.mu.Unlock()
	if !ready {
		return ErrNotBootstrapped
	}
	if !contains(known, symbol) {
		return fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}

	o.selectMu.Lock()
	defer o.selectMu.Unlock()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"symbol": symbol})
	for _, id := range o.reg.ChannelIDs(protocol.ChannelTrades, protocol.ChannelBook) {
		payload, err := protocol.Unsubscribe(id)
		if err == nil {
			err = o.conn.Send(payload)
		}
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"chan_id": id}).Warn("unsubscribe failed")
		}
	}

	if err := o.sleep(ctx, o.subs.SettleDelay); err != nil {
		return err
	}

	var errs []error
	for _, req := range []protocol.Request{
		protocol.SubscribeTrades(o.mapper.Prefixed(symbol)),
		protocol.SubscribeBook(o.mapper.Prefixed(symbol), o.subs.BookPrecision),
	} {
		if err := o.subscribe(req); err != nil {
			errs = append(errs, err)
		}
	}

	o.mu.Lock()
	o.selected = symbol
	o.mu.Unlock()

	log.Info("symbol selected")
	return errors.Join(errs...)
}

func (o *Orchestrator) subscribe(req protocol.Request) error {
	payload, err := protocol.Subscribe(req)
	if err == nil {
		err = o.conn.Send(payload)
	}
	if err != nil {
		o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
			"channel": req.Channel,
			"symbol":  req.Symbol,
			"key":     req.Key,
		}).Warn("subscribe failed")
		return fmt.Errorf("subscribe %s: %w", req.Channel, err)
	}
	return nil
}

func (o *Orchestrator) connected() {
	o.pinger.Start()

	o.mu.Lock()
	ready, ctx, syms, selected := o.bootstrapped, o.ctx, o.symbols, o.selected
	o.mu.Unlock()
	if !ready {
		return
	}

	o.recovering.Add(1)
	go func() {
		defer o.recovering.Done()
		log := o.log.WithComponent("orchestrator")
		log.WithFields(logger.Fields{"symbols": len(syms), "selected": selected}).Info("resubscribing after reconnect")
		if err := o.subscribeAll(ctx, syms); err != nil {
			log.WithError(err).Warn("resubscribe failed")
			return
		}
		if err := o.Select(ctx, selected); err != nil {
			log.WithError(err).Warn("reselect failed")
		}
	}()
}

func (o *Orchestrator) disconnected(error) {
	o.pinger.Stop()
}

// Wait blocks until any in-flight reconnect recovery has finished.
func (o *Orchestrator) Wait() {
	o.recovering.Wait()
}

// Selected returns the currently selected symbol.
func (o *Orchestrator) Selected() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		Selected:     o.selected,
		Symbols:      append([]string(nil), o.symbols...),
		Bootstrapped: o.bootstrapped,
	}
	o.mu.Unlock()
	st.State = o.conn.State().String()
	st.Subscriptions = o.reg.Len()
	st.LatencyMs = o.pinger.Latency().Milliseconds()
	return st
}

// Close stops the ping loop.
func (o *Orchestrator) Close() {
	o.pinger.Stop()
	o.recovering.Wait()
}

func pickInitial(syms []string, preferred string) string {
	preferred = strings.ToUpper(preferred)
	if preferred != "" && contains(syms, preferred) {
		return preferred
	}
	return syms[0]
}

func contains(syms []string, sym string) bool {
	for _, s := range syms {
		if s == sym {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
