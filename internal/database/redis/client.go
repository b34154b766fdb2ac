// Package redis provides the Redis client of the wsgate gateway: the
// reference price cache, the per-wallet balance cache and the balance update
// pub/sub channels.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
)

// Breaker names reported to the monitor
const (
	BalanceBreaker = "balanceCache"
	PriceBreaker   = "priceCache"
)

// NativeMint is the balance hash field of the native SOL balance
const NativeMint = "SOL"

const (
	balanceKeyPrefix     = "balance:"
	balanceChannelPrefix = "balances:"
	priceKeyPrefix       = "price:"
)

// Client wraps Redis operations for the gateway
type Client struct {
	rdb        *redis.Client
	balances   *circuit.Breaker
	prices     *circuit.Breaker
	balanceTTL time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	URL        string
	PoolSize   int
	BalanceTTL time.Duration

	// Breaker is the template of both cache breakers. Name is overwritten.
	Breaker circuit.Config
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return NewClientWithRedis(rdb, cfg), nil
}

// NewClientWithRedis wraps an existing go-redis client
func NewClientWithRedis(rdb *redis.Client, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	template := cfg.Breaker
	if template.MaxFailures <= 0 {
		template = *circuit.DefaultConfig()
	}
	balances, prices := template, template
	balances.Name = BalanceBreaker
	prices.Name = PriceBreaker

	ttl := cfg.BalanceTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Client{
		rdb:        rdb,
		balances:   circuit.New(&balances),
		prices:     circuit.New(&prices),
		balanceTTL: ttl,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// BalanceBreaker returns the breaker guarding balance cache calls
func (c *Client) BalanceBreaker() *circuit.Breaker {
	return c.balances
}

// PriceBreaker returns the breaker guarding price cache calls
func (c *Client) PriceBreaker() *circuit.Breaker {
	return c.prices
}

// Reference prices

// GetPrice returns the cached price of pair, for example SOL/USD. A missing
// key returns false without counting against the breaker.
func (c *Client) GetPrice(ctx context.Context, pair string) (decimal.Decimal, bool, error) {
	type result struct {
		price decimal.Decimal
		found bool
	}

	res, err := circuit.ExecuteWithResult(ctx, c.prices, func() (result, error) {
		raw, err := c.rdb.Get(ctx, priceKeyPrefix+pair).Result()
		if stderrors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, errors.Wrap(err, errors.ErrorTypeNetwork, "get_price", "failed to read price")
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return result{}, errors.Wrap(err, errors.ErrorTypeValidation, "get_price", "malformed price").
				WithContext("value", raw)
		}
		return result{price: price, found: true}, nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	return res.price, res.found, nil
}

// SetPrice stores the price of pair. A zero expiration keeps it forever.
func (c *Client) SetPrice(ctx context.Context, pair string, price decimal.Decimal, expiration time.Duration) error {
	return c.prices.Execute(ctx, func() error {
		if err := c.rdb.Set(ctx, priceKeyPrefix+pair, price.String(), expiration).Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "set_price", "failed to write price")
		}
		return nil
	})
}

// Balances

// BalanceEntry is one cached balance of a wallet
type BalanceEntry struct {
	Wallet    string          `json:"wallet"`
	Mint      string          `json:"mint"`
	Account   string          `json:"account,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Raw       string          `json:"raw,omitempty"`
	Decimals  int32           `json:"decimals"`
	Slot      uint64          `json:"slot"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func balanceKey(wallet string) string {
	return balanceKeyPrefix + wallet
}

func mintField(mint string) string {
	if mint == "" {
		return NativeMint
	}
	return mint
}

// GetBalance returns the cached balance of wallet for mint, or the native
// balance when mint is empty.
func (c *Client) GetBalance(ctx context.Context, wallet, mint string) (*BalanceEntry, bool, error) {
	type result struct {
		entry *BalanceEntry
		found bool
	}

	res, err := circuit.ExecuteWithResult(ctx, c.balances, func() (result, error) {
		raw, err := c.rdb.HGet(ctx, balanceKey(wallet), mintField(mint)).Bytes()
		if stderrors.Is(err, redis.Nil) {
			return result{}, nil
		}
		if err != nil {
			return result{}, errors.Wrap(err, errors.ErrorTypeNetwork, "get_balance", "failed to read balance").
				WithContext("wallet", wallet)
		}
		entry := &BalanceEntry{}
		if err := json.Unmarshal(raw, entry); err != nil {
			return result{}, errors.Wrap(err, errors.ErrorTypeValidation, "get_balance", "malformed balance entry").
				WithContext("wallet", wallet)
		}
		return result{entry: entry, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.entry, res.found, nil
}

// GetBalances returns every cached balance of wallet keyed by mint.
// Malformed fields are skipped.
func (c *Client) GetBalances(ctx context.Context, wallet string) (map[string]*BalanceEntry, error) {
	return circuit.ExecuteWithResult(ctx, c.balances, func() (map[string]*BalanceEntry, error) {
		fields, err := c.rdb.HGetAll(ctx, balanceKey(wallet)).Result()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "get_balances", "failed to read balances").
				WithContext("wallet", wallet)
		}
		out := make(map[string]*BalanceEntry, len(fields))
		for mint, raw := range fields {
			entry := &BalanceEntry{}
			if err := json.Unmarshal([]byte(raw), entry); err != nil {
				continue
			}
			out[mint] = entry
		}
		return out, nil
	})
}

// SetBalance caches entry under its wallet and refreshes the hash expiry
func (c *Client) SetBalance(ctx context.Context, entry *BalanceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "set_balance", "failed to marshal balance")
	}

	return c.balances.Execute(ctx, func() error {
		key := balanceKey(entry.Wallet)
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, key, mintField(entry.Mint), data)
		pipe.Expire(ctx, key, c.balanceTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "set_balance", "failed to write balance").
				WithContext("wallet", entry.Wallet)
		}
		return nil
	})
}

// PublishBalance announces entry on the wallet's update channel
func (c *Client) PublishBalance(ctx context.Context, entry *BalanceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "publish_balance", "failed to marshal balance")
	}

	return c.balances.Execute(ctx, func() error {
		if err := c.rdb.Publish(ctx, balanceChannelPrefix+entry.Wallet, data).Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "publish_balance", "failed to publish balance").
				WithContext("wallet", entry.Wallet)
		}
		return nil
	})
}

// SubscribeBalances pattern-subscribes to every wallet update channel. The
// subscription is confirmed before returning. Callers close the PubSub.
func (c *Client) SubscribeBalances(ctx context.Context) (*redis.PubSub, error) {
	ps := c.rdb.PSubscribe(ctx, balanceChannelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "subscribe_balances", "failed to subscribe to balance updates")
	}
	return ps, nil
}

// DecodeBalance parses an update received through SubscribeBalances. The
// wallet defaults to the channel suffix.
func DecodeBalance(msg *redis.Message) (*BalanceEntry, error) {
	entry := &BalanceEntry{}
	if err := json.Unmarshal([]byte(msg.Payload), entry); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidMessage, "decode_balance", "malformed balance update").
			WithContext("channel", msg.Channel)
	}
	if entry.Wallet == "" {
		entry.Wallet = strings.TrimPrefix(msg.Channel, balanceChannelPrefix)
	}
	return entry, nil
}
