package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"feedflow/internal/metrics"
	"feedflow/logger"
)

const (
	defaultBaseDelay        = time.Second
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = time.Second
)

var (
	// ErrNotConnected is returned by Send while the socket is not open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrStopped is returned by WaitConnected once Stop has been called.
	ErrStopped = errors.New("transport: stopped")
)

// State is the connection state seen by observers.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Timer is the part of *time.Timer used for reconnect scheduling.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

type Options struct {
	URL              string
	BaseDelay        time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	Dialer           Dialer
	AfterFunc        AfterFunc
}

// Connection owns one reconnecting websocket to the feed. Observers are
// multi-subscriber; callbacks run on the read pump or reconnect goroutine
// and must not block for long.
type Connection struct {
	url         string
	dialer      Dialer
	baseDelay   time.Duration
	maxAttempts int
	afterFunc   AfterFunc
	log         *logger.Log

	mu          sync.Mutex
	ctx         context.Context
	conn        *websocket.Conn
	state       State
	attempts    int
	stopped     bool
	dialing     bool
	timer       Timer
	connectedCh chan struct{}
	stopCh      chan struct{}

	writeMu sync.Mutex

	obsMu     sync.RWMutex
	onConnect []func()
	onReceive []func([]byte)
	onError   []func(error)
	onClose   []func(error)
}

func NewConnection(opts Options) *Connection {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Connection{
		url:         opts.URL,
		dialer:      opts.Dialer,
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		afterFunc:   opts.AfterFunc,
		log:         logger.GetLogger(),
		ctx:         context.Background(),
		connectedCh: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

func (c *Connection) OnConnect(fn func()) {
	c.obsMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.obsMu.Unlock()
}

func (c *Connection) OnReceive(fn func([]byte)) {
	c.obsMu.Lock()
	c.onReceive = append(c.onReceive, fn)
	c.obsMu.Unlock()
}

func (c *Connection) OnError(fn func(error)) {
	c.obsMu.Lock()
	c.onError = append(c.onError, fn)
	c.obsMu.Unlock()
}

// OnClose observers receive the read error that ended the connection, nil
// after Stop.
func (c *Connection) OnClose(fn func(error)) {
	c.obsMu.Lock()
	c.onClose = append(c.onClose, fn)
	c.obsMu.Unlock()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts reports reconnect attempts since the last successful open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start dials the feed. It is a no-op while connected or dialing. A failed
// dial is returned and also schedules a reconnect.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.stopped = false
		c.stopCh = make(chan struct{})
	}
	c.ctx = ctx
	c.mu.Unlock()

	return c.connect()
}

func (c *Connection) connect() error {
	c.mu.Lock()
	if c.stopped || c.conn != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	ctx := c.ctx
	c.mu.Unlock()

	log := c.log.WithComponent("transport").WithFields(logger.Fields{"url": c.url})
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		log.WithError(err).Warn("failed to connect to feed websocket")
		c.emitError(err)
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	c.conn = conn
	c.state = Connected
	c.attempts = 0
	close(c.connectedCh)
	c.mu.Unlock()

	log.Info("connected to feed websocket")
	c.emitConnect()
	go c.readPump(conn)
	return nil
}

func (c *Connection) readPump(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.closed(conn, err)
			return
		}
		c.emitReceive(msg)
	}
}

// closed tears down conn once and decides whether to reconnect.
func (c *Connection) closed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = Disconnected
	c.connectedCh = make(chan struct{})
	stopped := c.stopped
	c.mu.Unlock()

	conn.Close()

	log := c.log.WithComponent("transport").WithFields(logger.Fields{"url": c.url})
	if stopped {
		log.Info("feed websocket closed")
		c.emitClose(nil)
		return
	}

	log.WithError(err).Warn("feed websocket closed unexpectedly")
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.emitError(err)
	}
	c.emitClose(err)
	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.timer != nil || c.conn != nil {
		return
	}
	log := c.log.WithComponent("transport").WithFields(logger.Fields{"url": c.url})
	if c.attempts >= c.maxAttempts {
		log.WithFields(logger.Fields{"attempts": c.attempts}).Error("reconnect attempts exhausted")
		return
	}
	c.attempts++
	delay := c.baseDelay * time.Duration(c.attempts)
	log.WithFields(logger.Fields{
		"attempt": c.attempts,
		"delay":   delay.String(),
	}).Info("scheduling reconnect")
	metrics.IncReconnect()

	var timer Timer
	timer = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.timer != timer || c.stopped {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		_ = c.connect()
	})
	c.timer = timer
}

// Send writes payload as a text frame. While disconnected the payload is
// logged and dropped.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.log.WithComponent("transport").WithFields(logger.Fields{
			"payload": string(payload),
		}).Warn("send while disconnected, dropping")
		metrics.EmitDropMetric(c.log, metrics.DropMetricSendDisconnected, "", "", "send")
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.emitError(err)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// WaitConnected blocks until the socket is open, ctx ends or Stop is called.
func (c *Connection) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	ch, stop := c.connectedCh, c.stopCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-stop:
		return ErrStopped
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection: %w", ctx.Err())
	}
}

// Stop disables reconnection, cancels a pending reconnect and closes the
// socket. Start may be called again afterwards.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	c.writeMu.Unlock()
	conn.Close()
	c.closed(conn, nil)
}

func (c *Connection) emitConnect() {
	c.obsMu.RLock()
	fns := append([]func(){}, c.onConnect...)
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Connection) emitReceive(msg []byte) {
	c.obsMu.RLock()
	fns := append([]func([]byte){}, c.onReceive...)
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *Connection) emitError(err error) {
	c.obsMu.RLock()
	fns := append([]func(error){}, c.onError...)
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Connection) emitClose(err error) {
	c.obsMu.RLock()
	fns := append([]func(error){}, c.onClose...)
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}
