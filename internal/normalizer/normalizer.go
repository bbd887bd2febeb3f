package normalizer

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"feedflow/internal/batch"
	"feedflow/internal/channel"
	"feedflow/internal/metrics"
	"feedflow/internal/protocol"
	"feedflow/internal/registry"
	"feedflow/internal/store"
	"feedflow/internal/symbols"
	"feedflow/logger"
	"feedflow/models"
)

// Options configure a Normalizer.
type Options struct {
	Mapper     symbols.Mapper
	Limits     store.Limits
	FlushDelay time.Duration
	Updates    *channel.Updates
	// OnPong receives every pong event. It runs with the normalizer lock
	// held and must not call Handle.
	OnPong func(protocol.Event)
}

// Normalizer turns inbound frames into registry and store mutations. Handle
// is serialized; book updates are applied later by the per-symbol batcher.
//
// Lock order: Normalizer.mu, then the batcher, then a store. Batched
// flushes take the batcher lock and then a store, never Normalizer.mu.
type Normalizer struct {
	mu sync.Mutex

	id      string
	reg     *registry.Registry
	stores  *store.Stores
	mapper  symbols.Mapper
	book    *batch.Batcher[models.Order]
	updates *channel.Updates
	onPong  func(protocol.Event)
	now     func() time.Time
	log     *logger.Log
}

func New(reg *registry.Registry, stores *store.Stores, opts Options) *Normalizer {
	n := &Normalizer{
		id:      uuid.New().String(),
		reg:     reg,
		stores:  stores,
		mapper:  opts.Mapper,
		updates: opts.Updates,
		onPong:  opts.OnPong,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
	if n.mapper.Prefix == "" {
		n.mapper = symbols.NewMapper("")
	}
	n.book = batch.New[models.Order](opts.FlushDelay, n.applyBook)
	return n
}

// WithAfterFunc swaps the book flush scheduler. Used by tests.
func (n *Normalizer) WithAfterFunc(fn batch.AfterFunc) *Normalizer {
	n.book.WithAfterFunc(fn)
	return n
}

// SetOnPong replaces the pong collaborator.
func (n *Normalizer) SetOnPong(fn func(protocol.Event)) {
	n.mu.Lock()
	n.onPong = fn
	n.mu.Unlock()
}

func (n *Normalizer) Registry() *registry.Registry { return n.reg }
func (n *Normalizer) Stores() *store.Stores        { return n.stores }

// Handle processes one inbound frame. Malformed frames and handler panics
// are logged and the frame is dropped.
func (n *Normalizer) Handle(raw []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			n.log.WithComponent("normalizer").WithFields(logger.Fields{
				"panic": fmt.Sprint(r),
				"frame": truncate(raw),
				"stack": string(debug.Stack()),
			}).Error("handler panicked, frame dropped")
			metrics.EmitDropMetric(n.log, metrics.DropMetricHandlerPanic, "", "", "dispatch")
		}
	}()

	logger.RecordFrame("feed", len(raw))

	frame, err := protocol.Decode(raw)
	if err != nil {
		n.log.WithComponent("normalizer").WithError(err).WithFields(logger.Fields{
			"frame": truncate(raw),
		}).Warn("failed to decode frame")
		metrics.EmitDropMetric(n.log, metrics.DropMetricMalformed, "", "", "decode")
		return
	}

	switch frame.Kind {
	case protocol.KindEvent:
		n.handleEvent(*frame.Event)
	case protocol.KindHeartbeat:
		n.handleHeartbeat(frame.ChanID)
	case protocol.KindData:
		n.handleData(frame)
	}
}

func (n *Normalizer) handleEvent(ev protocol.Event) {
	metrics.IncFrame("event", ev.Event)
	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{"event": ev.Event})

	switch ev.Event {
	case protocol.EventSubscribed:
		req := ev.Request()
		n.reg.Ack(ev.ChanID, ev.Channel, req)
		metrics.SetActiveSubscriptions(n.reg.Len())
		log.WithFields(logger.Fields{
			"chan_id": ev.ChanID,
			"channel": ev.Channel,
			"symbol":  req.Symbol,
			"key":     req.Key,
		}).Info("subscribed")
		n.publish(models.Update{Kind: models.UpdateSubscription, ChanID: ev.ChanID, Detail: protocol.EventSubscribed,
			Symbol: n.subscriptionSymbol(req)})
	case protocol.EventUnsubscribed:
		sub, _ := n.reg.Get(ev.ChanID)
		n.reg.Unack(ev.ChanID)
		metrics.SetActiveSubscriptions(n.reg.Len())
		log.WithFields(logger.Fields{"chan_id": ev.ChanID, "channel": sub.Channel}).Info("unsubscribed")
		n.releaseSymbolState(sub)
		n.publish(models.Update{Kind: models.UpdateSubscription, ChanID: ev.ChanID, Detail: protocol.EventUnsubscribed,
			Symbol: n.subscriptionSymbol(sub.Request)})
	case protocol.EventPong:
		if n.onPong != nil {
			n.onPong(ev)
		}
	case protocol.EventInfo:
		log.WithFields(logger.Fields{"version": ev.Version, "code": ev.Code, "msg": ev.Msg}).Info("feed info")
	case protocol.EventError:
		log.WithFields(logger.Fields{"code": ev.Code, "msg": ev.Msg, "channel": ev.Channel, "symbol": ev.Symbol}).Warn("feed error event")
	default:
		log.Debug("ignoring event")
	}
}

// handleHeartbeat refreshes liveness. A heartbeat alone clears staleness.
func (n *Normalizer) handleHeartbeat(chanID int64) {
	sub, wasStale, ok := n.reg.Touch(chanID, n.now())
	if !ok {
		return
	}
	metrics.IncFrame("heartbeat", string(sub.Channel))
	if wasStale {
		n.publishFresh(sub)
	}
}

func (n *Normalizer) handleData(frame protocol.Frame) {
	sub, ok := n.reg.Get(frame.ChanID)
	if !ok {
		// unsubscribe raced with in-flight data
		metrics.IncDropped(string(metrics.DropMetricUnsubscribed))
		return
	}

	if !sub.Channel.Valid() {
		n.log.WithComponent("normalizer").WithFields(logger.Fields{
			"chan_id": sub.ChanID,
			"channel": sub.Channel,
		}).Warn("no handler for channel, frame dropped")
		metrics.EmitDropMetric(n.log, metrics.DropMetricUnknownChannel, string(sub.Channel), "", "dispatch")
		return
	}

	sub, wasStale, _ := n.reg.Touch(frame.ChanID, n.now())
	if wasStale {
		n.publishFresh(sub)
	}
	metrics.IncFrame("data", string(sub.Channel))
	logger.RecordFrame(string(sub.Channel), len(frame.Payload))

	var err error
	switch sub.Channel {
	case protocol.ChannelTrades:
		err = n.handleTrades(sub, frame.Payload)
	case protocol.ChannelTicker:
		err = n.handleTicker(sub, frame.Payload)
	case protocol.ChannelBook:
		err = n.handleBook(sub, frame.Payload)
	case protocol.ChannelCandles:
		err = n.handleCandles(sub, frame.Payload)
	}
	if err != nil {
		n.log.WithComponent("normalizer").WithError(err).WithFields(logger.Fields{
			"chan_id": sub.ChanID,
			"channel": sub.Channel,
		}).Warn("failed to handle frame")
		metrics.EmitDropMetric(n.log, metrics.DropMetricMalformed, string(sub.Channel), n.subscriptionSymbol(sub.Request), "handle")
	}
}

func (n *Normalizer) handleTrades(sub registry.Subscription, payload json.RawMessage) error {
	trades, err := protocol.DecodeTrades(payload)
	if err != nil {
		return err
	}
	symbol := n.mapper.Strip(sub.Request.Symbol)
	if trades.Snapshot {
		n.stores.Trades.Snapshot(symbol, trades.Trades)
	} else {
		for _, t := range trades.Trades {
			n.stores.Trades.Upsert(symbol, t)
		}
	}
	n.publish(models.Update{Kind: models.UpdateTrades, Symbol: symbol, ChanID: sub.ChanID,
		Snapshot: trades.Snapshot, Count: len(trades.Trades)})
	return nil
}

func (n *Normalizer) handleTicker(sub registry.Subscription, payload json.RawMessage) error {
	ticker, err := protocol.DecodeTicker(payload)
	if err != nil {
		return err
	}
	symbol := n.mapper.Strip(sub.Request.Symbol)
	n.stores.Tickers.Set(symbol, ticker)
	n.publish(models.Update{Kind: models.UpdateTicker, Symbol: symbol, ChanID: sub.ChanID, Count: 1})
	return nil
}

// handleBook applies snapshots immediately, after flushing anything queued
// for the symbol, and queues single order updates for the batched flush.
func (n *Normalizer) handleBook(sub registry.Subscription, payload json.RawMessage) error {
	book, err := protocol.DecodeBook(payload)
	if err != nil {
		return err
	}
	symbol := n.mapper.Strip(sub.Request.Symbol)
	if !book.Snapshot {
		for _, o := range book.Orders {
			n.book.Add(symbol, o)
		}
		return nil
	}

	if flushed := n.book.Flush(symbol); flushed > 0 {
		n.log.WithComponent("normalizer").WithFields(logger.Fields{
			"symbol":  symbol,
			"flushed": flushed,
		}).Debug("flushed pending book updates before snapshot")
	}
	n.stores.Book.Snapshot(symbol, book.Orders)
	n.publish(models.Update{Kind: models.UpdateBook, Symbol: symbol, ChanID: sub.ChanID,
		Snapshot: true, Count: len(book.Orders)})
	return nil
}

// applyBook runs under the batcher lock, from a timer or a forced flush.
func (n *Normalizer) applyBook(symbol string, orders []models.Order, batchID string) {
	changed := 0
	for _, o := range orders {
		if n.stores.Book.Apply(symbol, o) {
			changed++
		}
	}
	metrics.ObserveBookFlush(len(orders))
	logger.LogDataFlowEntry(n.log.WithComponent("normalizer"), "book_batch", "book_store", len(orders), "order")
	n.publish(models.Update{Kind: models.UpdateBook, Symbol: symbol, Count: changed, BatchID: batchID})
}

func (n *Normalizer) handleCandles(sub registry.Subscription, payload json.RawMessage) error {
	timeframe, symbol, err := n.mapper.ParseCandleKey(sub.Request.Key)
	if err != nil {
		return err
	}
	candles, err := protocol.DecodeCandles(payload)
	if err != nil {
		return err
	}
	key := symbols.LookupKey(symbol, timeframe)
	if candles.Snapshot {
		n.stores.Candles.Snapshot(key, candles.Candles)
	} else {
		for _, c := range candles.Candles {
			n.stores.Candles.Upsert(key, c)
		}
	}
	n.publish(models.Update{Kind: models.UpdateCandles, Symbol: symbol, Key: key, ChanID: sub.ChanID,
		Snapshot: candles.Snapshot, Count: len(candles.Candles)})
	return nil
}

// MarkedStale publishes stale events for subscriptions flagged by the
// staleness monitor.
func (n *Normalizer) MarkedStale(subs []registry.Subscription) {
	for _, s := range subs {
		metrics.IncStale(string(s.Channel))
		n.publish(models.Update{Kind: models.UpdateStale, ChanID: s.ChanID, Symbol: n.subscriptionSymbol(s.Request),
			Detail: "stale"})
	}
}

func (n *Normalizer) publishFresh(sub registry.Subscription) {
	n.publish(models.Update{Kind: models.UpdateStale, ChanID: sub.ChanID, Symbol: n.subscriptionSymbol(sub.Request),
		Detail: "fresh"})
}

// Reset discards pending book updates and forgets every subscription. Used
// when the connection closes since channel ids are per connection.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.book.Stop()
	n.reg.Reset()
	metrics.SetActiveSubscriptions(0)
	n.log.WithComponent("normalizer").WithFields(logger.Fields{"instance": n.id}).Info("normalizer state reset")
}

// releaseSymbolState drops the trades or book of a symbol once its last
// subscription on that channel is gone. Ticker and candle state is kept.
func (n *Normalizer) releaseSymbolState(sub registry.Subscription) {
	symbol := n.mapper.Strip(sub.Request.Symbol)
	if symbol == "" || len(n.reg.LookupAll(sub.Channel, symbol)) > 0 {
		return
	}
	switch sub.Channel {
	case protocol.ChannelTrades:
		n.stores.Trades.Clear(symbol)
	case protocol.ChannelBook:
		if dropped := n.book.Discard(symbol); dropped > 0 {
			metrics.IncDropped(string(metrics.DropMetricUnsubscribed))
		}
		n.stores.Book.Clear(symbol)
	default:
		return
	}
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"symbol":  symbol,
		"channel": sub.Channel,
	}).Debug("released state of unsubscribed symbol")
}

// PendingBook reports queued book updates for symbol.
func (n *Normalizer) PendingBook(symbol string) int {
	return n.book.Pending(symbol)
}

// Close applies whatever book updates are still queued and cancels every
// flush timer.
func (n *Normalizer) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending := n.book.FlushAll()
	n.book.Stop()
	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"instance":      n.id,
		"book_flushes":  n.book.Flushes(),
		"flushed_final": pending,
	}).Info("normalizer closed")
}

func (n *Normalizer) subscriptionSymbol(req protocol.Request) string {
	return registry.Subscription{Request: req}.Symbol(n.mapper)
}

func (n *Normalizer) publish(u models.Update) {
	if n.updates == nil {
		return
	}
	u.At = n.now()
	n.updates.Publish(u)
}

func truncate(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
