package refdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"feedflow/logger"
)

// ErrNoSymbols is returned when a source yields an empty symbol list.
var ErrNoSymbols = errors.New("refdata: no symbols")

// Source loads the raw reference document.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]byte, error)
}

// Loader fetches the list of tradable symbols from a Source, retrying
// transient failures with exponential backoff.
type Loader struct {
	source       Source
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	log          *logger.Log
}

func NewLoader(source Source, maxAttempts int, initialDelay, maxDelay time.Duration) *Loader {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Loader{
		source:       source,
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		log:          logger.GetLogger(),
	}
}

// Load returns the de-duplicated, upper-cased symbol codes in source order.
// Fetch errors are retried; a document that does not parse is not.
func (l *Loader) Load(ctx context.Context) ([]string, error) {
	bo := backoff.NewExponentialBackOff()
	if l.initialDelay > 0 {
		bo.InitialInterval = l.initialDelay
	}
	if l.maxDelay > 0 {
		bo.MaxInterval = l.maxDelay
	}

	log := l.log.WithComponent("refdata").WithFields(logger.Fields{"source": l.source.Name()})
	attempt := 0
	start := time.Now()

	symbols, err := backoff.Retry(ctx, func() ([]string, error) {
		attempt++
		data, err := l.source.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		symbols, err := Parse(data)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%s: %w", l.source.Name(), err))
		}
		return symbols, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(l.maxAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			log.WithError(err).WithFields(logger.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("failed to load reference data, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load reference data from %s after %d attempts: %w", l.source.Name(), attempt, err)
	}

	logger.LogPerformanceEntry(log, "refdata", "load", time.Since(start), logger.Fields{
		"symbols":  len(symbols),
		"attempts": attempt,
	})
	return symbols, nil
}

// Parse decodes a JSON array of symbol codes.
func Parse(data []byte) ([]string, error) {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse reference data: %w", err)
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, ErrNoSymbols
	}
	return out, nil
}
