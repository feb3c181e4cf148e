// Package quotes caches the latest mark price per instrument.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"riskmonitor/src/broker"
	"riskmonitor/src/model"
)

// ErrQuoteFetch wraps broker failures during a refresh. Callers keep serving
// the last known prices when they see it.
var ErrQuoteFetch = errors.New("quote fetch failed")

// Cache holds the latest quote per instrument. Refresh merges only the
// symbols the broker actually returned; instruments missing from a response
// keep their previous entry, so a partial outage never zeroes a price.
type Cache struct {
	broker broker.Broker

	mu          sync.RWMutex
	quotes      map[string]model.Quote
	lastRefresh time.Time
}

func NewCache(b broker.Broker) *Cache {
	return &Cache{
		broker: b,
		quotes: make(map[string]model.Quote),
	}
}

// Refresh fetches marks for the given instruments and merges them in.
func (c *Cache) Refresh(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	fetched, err := c.broker.GetQuotes(ctx, symbols)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuoteFetch, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, q := range fetched {
		c.quotes[q.Symbol] = q
	}
	c.lastRefresh = time.Now()

	if len(fetched) < len(symbols) {
		logger.WithFields(logger.Fields{
			"requested": len(symbols),
			"returned":  len(fetched),
		}).Debug("quote refresh returned a partial set")
	}
	return nil
}

// Set stores a single quote. Used by the streaming feed between polls.
func (c *Cache) Set(q model.Quote) {
	if q.Symbol == "" || q.LastPrice <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Symbol] = q
}

// Get returns the latest quote for symbol.
func (c *Cache) Get(symbol string) (model.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[symbol]
	return q, ok
}

// Price returns the latest mark for symbol, zero when unknown.
func (c *Cache) Price(symbol string) float64 {
	q, ok := c.Get(symbol)
	if !ok {
		return 0
	}
	return q.LastPrice
}

// Age returns how long ago the cache last refreshed successfully. Returns a
// very large duration before the first refresh.
func (c *Cache) Age(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastRefresh.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(c.lastRefresh)
}
