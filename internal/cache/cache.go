package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceCache holds folded ledger balances. It is an index only: every append
// invalidates the customer's key and a miss is answered by refolding the entries.
type BalanceCache interface {
	Get(ctx context.Context, customerID string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, customerID string, balance decimal.Decimal, ttl time.Duration) error
	Invalidate(ctx context.Context, customerID string) error
}

type NoopBalanceCache struct{}

func (NoopBalanceCache) Get(_ context.Context, _ string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (NoopBalanceCache) Set(_ context.Context, _ string, _ decimal.Decimal, _ time.Duration) error {
	return nil
}

func (NoopBalanceCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

// MemoryBalanceCache is a process-local cache for single-box deployments and tests.
type MemoryBalanceCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	balance   decimal.Decimal
	expiresAt time.Time
}

func NewMemoryBalanceCache() *MemoryBalanceCache {
	return &MemoryBalanceCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryBalanceCache) Get(_ context.Context, customerID string) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[customerID]
	if !ok {
		return decimal.Zero, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(c.entries, customerID)
		return decimal.Zero, false, nil
	}
	return entry.balance, true, nil
}

func (c *MemoryBalanceCache) Set(_ context.Context, customerID string, balance decimal.Decimal, ttl time.Duration) error {
	entry := memoryEntry{balance: balance}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[customerID] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryBalanceCache) Invalidate(_ context.Context, customerID string) error {
	c.mu.Lock()
	delete(c.entries, customerID)
	c.mu.Unlock()
	return nil
}
