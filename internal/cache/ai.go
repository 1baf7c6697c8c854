package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PricingDoc is the cached per-model pricing entry. Missing marks an
// explicit negative entry: the model has no pricing row, and repeated DB
// probes for it are suppressed for the full TTL.
type PricingDoc struct {
	Missing     bool    `json:"missing,omitempty"`
	InputPrice  float64 `json:"input_price,omitempty"`
	OutputPrice float64 `json:"output_price,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// GetPricing returns the cached pricing entry, negative entries included.
// A nil result means the cache is cold and the caller should consult the DB.
func (c *Client) GetPricing(ctx context.Context, provider, model string) (*PricingDoc, error) {
	raw, err := c.rdb.Get(ctx, PricingKey(provider, model)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get pricing: %w", err)
	}
	var doc PricingDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cache: decode pricing %s/%s: %w", provider, model, err)
	}
	return &doc, nil
}

// SetPricing caches a pricing entry. Negative entries (Missing=true) get the
// same TTL as hits so unmodeled models do not cause a DB probe per request.
func (c *Client) SetPricing(ctx context.Context, provider, model string, doc *PricingDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cache: marshal pricing: %w", err)
	}
	if err := c.rdb.Set(ctx, PricingKey(provider, model), raw, pricingTTL).Err(); err != nil {
		return fmt.Errorf("cache: set pricing: %w", err)
	}
	return nil
}

// InvalidateUsageTotals deletes every usage aggregate key. Runs after a
// pricing backfill so totals are recomputed with the new prices. Uses SCAN
// in batches — KEYS would block the server on a large keyspace.
func (c *Client) InvalidateUsageTotals(ctx context.Context) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, "ai_usage_totals:*", 512).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache: scan usage totals: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache: delete usage totals: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// AddUsedModel records a (provider, model) pair in the used-models set.
func (c *Client) AddUsedModel(ctx context.Context, provider, model string) error {
	if err := c.rdb.SAdd(ctx, usedModelsKey, provider+":"+model).Err(); err != nil {
		return fmt.Errorf("cache: add used model: %w", err)
	}
	return nil
}

// UsedModels returns the distinct "provider:model" pairs currently in the set.
func (c *Client) UsedModels(ctx context.Context) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, usedModelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: used models: %w", err)
	}
	return members, nil
}

// SeedUsedModels replaces the set with pairs from a DB distinct-scan. Called
// on cold start and after the nightly usage rollup trims the raw log.
func (c *Client) SeedUsedModels(ctx context.Context, pairs []string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, usedModelsKey)
	if len(pairs) > 0 {
		members := make([]any, len(pairs))
		for i, p := range pairs {
			members[i] = p
		}
		pipe.SAdd(ctx, usedModelsKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: seed used models: %w", err)
	}
	return nil
}
