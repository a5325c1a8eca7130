// Package cache provides read-through Redis caching for the catalog and settings readers.
//
// The cache never answers for a missing product or rate: only found values
// are stored, and every Redis failure falls through to the wrapped reader.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/economy-engine/economy"
)

const (
	keyPrefix = "economy:"
	rateKey   = keyPrefix + "conversion_rate"
)

func priceKey(id economy.ProductID) string {
	return keyPrefix + "price:" + string(id)
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog caches GetPrice results of the wrapped Catalog.
type Catalog struct {
	next economy.Catalog
	rdb  *redis.Client
	ttl  time.Duration
	log  logrus.FieldLogger
}

func NewCatalog(next economy.Catalog, rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Catalog {
	return &Catalog{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *Catalog) GetPrice(ctx context.Context, productID economy.ProductID) (decimal.Decimal, bool, error) {
	var price decimal.Decimal
	hit, err := get(ctx, c.rdb, priceKey(productID), &price)
	if err != nil {
		c.log.WithError(err).WithField("product_id", productID).Warn("price cache read failed")
	}
	if hit {
		return price, true, nil
	}

	price, found, err := c.next.GetPrice(ctx, productID)
	if err != nil || !found {
		return price, found, err
	}
	if err := set(ctx, c.rdb, priceKey(productID), price, c.ttl); err != nil {
		c.log.WithError(err).WithField("product_id", productID).Warn("price cache write failed")
	}
	return price, true, nil
}

// Invalidate drops the cached price of productID.
func (c *Catalog) Invalidate(ctx context.Context, productID economy.ProductID) error {
	return c.rdb.Del(ctx, priceKey(productID)).Err()
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings caches the conversion rate of the wrapped Settings.
type Settings struct {
	next economy.Settings
	rdb  *redis.Client
	ttl  time.Duration
	log  logrus.FieldLogger
}

func NewSettings(next economy.Settings, rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Settings {
	return &Settings{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (s *Settings) GetConversionRate(ctx context.Context) (economy.ConversionRate, bool, error) {
	var rate decimal.Decimal
	hit, err := get(ctx, s.rdb, rateKey, &rate)
	if err != nil {
		s.log.WithError(err).Warn("conversion rate cache read failed")
	}
	if hit {
		return economy.ConversionRate{BeansPerGold: rate}, true, nil
	}

	r, found, err := s.next.GetConversionRate(ctx)
	if err != nil || !found {
		return r, found, err
	}
	if err := set(ctx, s.rdb, rateKey, r.BeansPerGold, s.ttl); err != nil {
		s.log.WithError(err).Warn("conversion rate cache write failed")
	}
	return r, true, nil
}

// Invalidate drops the cached conversion rate.
func (s *Settings) Invalidate(ctx context.Context) error {
	return s.rdb.Del(ctx, rateKey).Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func get(ctx context.Context, rdb *redis.Client, key string, dest any) (bool, error) {
	val, err := rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func set(ctx context.Context, rdb *redis.Client, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, b, ttl).Err()
}
