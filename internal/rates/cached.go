package rates

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"splitledger/internal/core"
	"splitledger/internal/log"
)

// Cached memoizes another Oracle per currency pair and day.
type Cached struct {
	next   Oracle
	cache  *cache.Cache
	logger *log.Logger
}

func NewCached(next Oracle, ttl time.Duration, logger *log.Logger) *Cached {
	if logger == nil {
		logger = log.Default()
	}
	return &Cached{
		next:   next,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger.WithComponent(log.ComponentRates),
	}
}

func (c *Cached) Rate(ctx context.Context, from, to core.Currency, on time.Time) (decimal.Decimal, error) {
	key := string(from) + "/" + string(to) + "@" + truncateDay(on).Format(time.DateOnly)
	if v, ok := c.cache.Get(key); ok {
		return v.(decimal.Decimal), nil
	}

	rate, err := c.next.Rate(ctx, from, to, on)
	if err != nil {
		return decimal.Decimal{}, err
	}
	c.cache.SetDefault(key, rate)
	c.logger.DebugContext(ctx, "Rate cached", "key", key, "rate", rate.String())
	return rate, nil
}

// Flush drops every cached rate.
func (c *Cached) Flush() {
	c.cache.Flush()
}
