package symbols

import (
	"fmt"
	"strings"
)

// DefaultPrefix marks trading pairs on the feed, e.g. tBTCUSD.
const DefaultPrefix = "t"

// Mapper converts between plain pair codes and the prefixed form the feed
// expects.
type Mapper struct {
	Prefix string
}

// NewMapper returns a Mapper for prefix, falling back to DefaultPrefix.
func NewMapper(prefix string) Mapper {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Mapper{Prefix: prefix}
}

// Prefixed returns the feed form of a plain symbol.
//
//	BTCUSD -> tBTCUSD
func (m Mapper) Prefixed(sym string) string {
	return m.Prefix + strings.ToUpper(sym)
}

// Strip drops the one-character direction prefix from a feed symbol.
// Symbols without the prefix are returned unchanged.
func (m Mapper) Strip(sym string) string {
	return strings.TrimPrefix(sym, m.Prefix)
}

// CandleKey builds the composite key of a candles subscription.
//
//	(1m, BTCUSD) -> trade:1m:tBTCUSD
func (m Mapper) CandleKey(timeframe, sym string) string {
	return "trade:" + timeframe + ":" + m.Prefixed(sym)
}

// ParseCandleKey recovers the timeframe and plain symbol from a candles key.
// The symbol keeps any colon of its own, as in trade:1m:tDOGE:USD.
func (m Mapper) ParseCandleKey(key string) (timeframe, sym string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "trade" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid candle key %q", key)
	}
	return parts[1], m.Strip(parts[2]), nil
}

// LookupKey indexes candle state by plain symbol and timeframe.
func LookupKey(sym, timeframe string) string {
	return sym + ":" + timeframe
}
