package pricing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/domain"
)

// DefaultRefreshInterval matches the upstream cache policy of at most one
// fetch every 10 seconds.
const DefaultRefreshInterval = 10 * time.Second

// Cache is a background-refreshed price oracle.
//
// Lookups are served from memory only. A failed refresh keeps the last
// known-good prices; unavailability surfaces per-lookup, never as a stall.
type Cache struct {
	fetcher  Fetcher
	interval time.Duration

	mu        sync.RWMutex
	prices    map[domain.Currency]decimal.Decimal
	fetchedAt time.Time
}

// NewCache creates a cache over the fetcher. A non-positive interval falls
// back to DefaultRefreshInterval.
func NewCache(fetcher Fetcher, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Cache{fetcher: fetcher, interval: interval}
}

// CurrentPrice returns the cached USD price for the currency.
func (c *Cache) CurrentPrice(currency domain.Currency) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.prices[currency]
	if !ok || !price.IsPositive() {
		return decimal.Zero, ErrUnavailable
	}
	return price, nil
}

// LastFetched reports when prices were last refreshed successfully.
func (c *Cache) LastFetched() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Refresh fetches prices once and replaces the cached set on success.
func (c *Cache) Refresh(ctx context.Context) error {
	prices, err := c.fetcher.FetchPrices(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.prices = prices
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		log.Printf("price refresh: %v", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.Printf("price refresh: %v", err)
			}
		}
	}
}
