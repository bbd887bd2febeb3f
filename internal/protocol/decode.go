package protocol

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"feedflow/models"
)

// HeartbeatMarker is the second element of a heartbeat array.
const HeartbeatMarker = "hb"

// ErrMalformed wraps every frame that cannot be classified.
var ErrMalformed = errors.New("malformed frame")

// Kind classifies an inbound frame.
type Kind int

const (
	KindEvent Kind = iota
	KindHeartbeat
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindHeartbeat:
		return "heartbeat"
	case KindData:
		return "data"
	}
	return "unknown"
}

// Frame is a classified inbound frame. Event is set for KindEvent; ChanID
// for heartbeats and data; Payload holds the undecoded data element.
type Frame struct {
	Kind    Kind
	Event   *Event
	ChanID  int64
	Marker  string
	Payload json.RawMessage
}

// Decode classifies raw as a control event, a heartbeat or channel data.
// The legacy form [chanId, "tu", [...]] yields a data frame with Marker set.
func Decode(raw []byte) (Frame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	switch raw[0] {
	case '{':
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.Event == "" {
			return Frame{}, fmt.Errorf("%w: object without event", ErrMalformed)
		}
		return Frame{Kind: KindEvent, Event: &ev}, nil
	case '[':
	default:
		return Frame{}, fmt.Errorf("%w: unexpected %q", ErrMalformed, raw[0])
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(elems) < 2 {
		return Frame{}, fmt.Errorf("%w: array of %d elements", ErrMalformed, len(elems))
	}

	var chanID int64
	if err := json.Unmarshal(elems[0], &chanID); err != nil {
		return Frame{}, fmt.Errorf("%w: channel id: %v", ErrMalformed, err)
	}

	second := bytes.TrimSpace(elems[1])
	if len(second) > 0 && second[0] == '"' {
		var marker string
		if err := json.Unmarshal(second, &marker); err != nil {
			return Frame{}, fmt.Errorf("%w: marker: %v", ErrMalformed, err)
		}
		if marker == HeartbeatMarker {
			return Frame{Kind: KindHeartbeat, ChanID: chanID, Marker: marker}, nil
		}
		if len(elems) < 3 {
			return Frame{}, fmt.Errorf("%w: marker %q without payload", ErrMalformed, marker)
		}
		return Frame{Kind: KindData, ChanID: chanID, Marker: marker, Payload: elems[2]}, nil
	}

	return Frame{Kind: KindData, ChanID: chanID, Payload: second}, nil
}

// isSnapshot reports whether payload is an array of arrays. An empty array
// counts as an empty snapshot.
func isSnapshot(payload json.RawMessage) (bool, error) {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 || p[0] != '[' {
		return false, fmt.Errorf("%w: payload is not an array", ErrMalformed)
	}
	inner := bytes.TrimSpace(p[1:])
	if len(inner) == 0 {
		return false, fmt.Errorf("%w: truncated payload", ErrMalformed)
	}
	return inner[0] == '[' || inner[0] == ']', nil
}

// tuples decodes payload into one or more numeric tuples of at least width
// elements. Nulls decode as zero.
func tuples(payload json.RawMessage, width int) (rows [][]float64, snapshot bool, err error) {
	snapshot, err = isSnapshot(payload)
	if err != nil {
		return nil, false, err
	}
	if snapshot {
		if err := json.Unmarshal(payload, &rows); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var row []float64
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		rows = [][]float64{row}
	}
	for i, row := range rows {
		if len(row) < width {
			return nil, false, fmt.Errorf("%w: tuple %d has %d fields, want %d", ErrMalformed, i, len(row), width)
		}
	}
	return rows, snapshot, nil
}

// Trades is a decoded trades payload. An update carries exactly one trade.
type Trades struct {
	Snapshot bool
	Trades   []models.Trade
}

// Book is a decoded book payload. An update carries exactly one order.
type Book struct {
	Snapshot bool
	Orders   []models.Order
}

// Candles is a decoded candles payload. An update carries exactly one candle.
type Candles struct {
	Snapshot bool
	Candles  []models.Candle
}

// DecodeTrades decodes [id, mts, amount, price] tuples in payload order.
func DecodeTrades(payload json.RawMessage) (Trades, error) {
	rows, snapshot, err := tuples(payload, 4)
	if err != nil {
		return Trades{}, fmt.Errorf("trades: %w", err)
	}
	out := Trades{Snapshot: snapshot, Trades: make([]models.Trade, 0, len(rows))}
	for _, r := range rows {
		out.Trades = append(out.Trades, models.Trade{
			ID:        int64(r[0]),
			Timestamp: int64(r[1]),
			Amount:    r[2],
			Price:     r[3],
		})
	}
	return out, nil
}

// DecodeBook decodes [id, price, amount] tuples.
func DecodeBook(payload json.RawMessage) (Book, error) {
	rows, snapshot, err := tuples(payload, 3)
	if err != nil {
		return Book{}, fmt.Errorf("book: %w", err)
	}
	out := Book{Snapshot: snapshot, Orders: make([]models.Order, 0, len(rows))}
	for _, r := range rows {
		out.Orders = append(out.Orders, models.Order{ID: int64(r[0]), Price: r[1], Amount: r[2]})
	}
	return out, nil
}

// DecodeCandles decodes [mts, open, close, high, low, volume] tuples.
func DecodeCandles(payload json.RawMessage) (Candles, error) {
	rows, snapshot, err := tuples(payload, 6)
	if err != nil {
		return Candles{}, fmt.Errorf("candles: %w", err)
	}
	out := Candles{Snapshot: snapshot, Candles: make([]models.Candle, 0, len(rows))}
	for _, r := range rows {
		out.Candles = append(out.Candles, models.Candle{
			Timestamp: int64(r[0]),
			Open:      r[1],
			Close:     r[2],
			High:      r[3],
			Low:       r[4],
			Volume:    r[5],
		})
	}
	return out, nil
}

// DecodeTicker decodes the positional 10-tuple. Tickers have no snapshot
// form; an array of arrays is rejected.
func DecodeTicker(payload json.RawMessage) (models.Ticker, error) {
	rows, snapshot, err := tuples(payload, 10)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("ticker: %w", err)
	}
	if snapshot || len(rows) != 1 {
		return models.Ticker{}, fmt.Errorf("ticker: %w: nested payload", ErrMalformed)
	}
	r := rows[0]
	return models.Ticker{
		Bid:                 r[0],
		BidSize:             r[1],
		Ask:                 r[2],
		AskSize:             r[3],
		DailyChange:         r[4],
		DailyChangeRelative: r[5],
		LastPrice:           r[6],
		Volume:              r[7],
		High:                r[8],
		Low:                 r[9],
	}, nil
}
