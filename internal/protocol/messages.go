package protocol

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Channel is a logical stream multiplexed on the socket.
type Channel string

const (
	ChannelTrades  Channel = "trades"
	ChannelTicker  Channel = "ticker"
	ChannelCandles Channel = "candles"
	ChannelBook    Channel = "book"
)

// Valid reports whether c is one of the channels this package decodes.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTrades, ChannelTicker, ChannelCandles, ChannelBook:
		return true
	}
	return false
}

// Control event names.
const (
	EventSubscribe    = "subscribe"
	EventSubscribed   = "subscribed"
	EventUnsubscribe  = "unsubscribe"
	EventUnsubscribed = "unsubscribed"
	EventPing         = "ping"
	EventPong         = "pong"
	EventInfo         = "info"
	EventError        = "error"
)

// Request is the logical subscription request echoed back by an
// acknowledgement. Book requests carry Prec and no Event, candles requests
// carry Key instead of Symbol.
type Request struct {
	Event   string  `json:"event,omitempty"`
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol,omitempty"`
	Key     string  `json:"key,omitempty"`
	Prec    string  `json:"prec,omitempty"`
}

// Event is any object frame received from the feed.
type Event struct {
	Event   string  `json:"event"`
	ChanID  int64   `json:"chanId"`
	Channel Channel `json:"channel"`
	Symbol  string  `json:"symbol"`
	Key     string  `json:"key"`
	Prec    string  `json:"prec"`
	Status  string  `json:"status"`
	CID     int64   `json:"cid"`
	TS      int64   `json:"ts"`
	Code    int     `json:"code"`
	Msg     string  `json:"msg"`
	Version int     `json:"version"`
}

// Request extracts the stored request of a subscribed acknowledgement.
func (e Event) Request() Request {
	switch e.Channel {
	case ChannelBook:
		return Request{Channel: e.Channel, Symbol: e.Symbol, Prec: e.Prec}
	case ChannelCandles:
		return Request{Event: e.Event, Channel: e.Channel, Key: e.Key}
	default:
		return Request{Event: e.Event, Channel: e.Channel, Symbol: e.Symbol}
	}
}

type unsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

type pingRequest struct {
	Event string `json:"event"`
	CID   int64  `json:"cid"`
}

// Subscribe encodes a subscribe frame for req.
func Subscribe(req Request) ([]byte, error) {
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("subscribe: unknown channel %q", req.Channel)
	}
	req.Event = EventSubscribe
	return json.Marshal(req)
}

// SubscribeTrades builds the trades request for a prefixed symbol.
func SubscribeTrades(symbol string) Request {
	return Request{Channel: ChannelTrades, Symbol: symbol}
}

// SubscribeTicker builds the ticker request for a prefixed symbol.
func SubscribeTicker(symbol string) Request {
	return Request{Channel: ChannelTicker, Symbol: symbol}
}

// SubscribeCandles builds the candles request for a composite key.
func SubscribeCandles(key string) Request {
	return Request{Channel: ChannelCandles, Key: key}
}

// SubscribeBook builds the book request for a prefixed symbol.
func SubscribeBook(symbol, prec string) Request {
	return Request{Channel: ChannelBook, Symbol: symbol, Prec: prec}
}

// Unsubscribe encodes an unsubscribe frame.
func Unsubscribe(chanID int64) ([]byte, error) {
	return json.Marshal(unsubscribeRequest{Event: EventUnsubscribe, ChanID: chanID})
}

// Ping encodes a ping frame carrying cid.
func Ping(cid int64) ([]byte, error) {
	return json.Marshal(pingRequest{Event: EventPing, CID: cid})
}
