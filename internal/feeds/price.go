package feeds

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/internal/ratelimit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

// ReferencePair is the price pair served on market.price.
const ReferencePair = "SOL/USD"

const subtypePriceUpdate = "priceUpdate"

// PriceStore reads the externally maintained reference price.
// redis.Client satisfies it.
type PriceStore interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, bool, error)
}

// PriceView is the reference price as pushed to clients.
type PriceView struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// PriceFeed serves market.price from a short-TTL cache over the store.
type PriceFeed struct {
	store  PriceStore
	cache  *ratelimit.ValueCache[PriceView]
	out    *gateway.Broadcaster
	logger *log.Logger
	now    func() time.Time
}

// NewPriceFeed creates the price feed. Prices older than ttl are re-read.
func NewPriceFeed(store PriceStore, ttl time.Duration, out *gateway.Broadcaster, logger *log.Logger) *PriceFeed {
	if logger == nil {
		logger = log.Nop()
	}
	return &PriceFeed{
		store:  store,
		cache:  ratelimit.NewValueCache[PriceView](ttl),
		out:    out,
		logger: logger.WithComponent("price_feed"),
		now:    time.Now,
	}
}

// SetClock replaces the time source of the feed and its cache.
func (f *PriceFeed) SetClock(now func() time.Time) {
	f.now = now
	f.cache.SetClock(now)
}

// Kinds implements gateway.Feed.
func (f *PriceFeed) Kinds() []protocol.Kind {
	return []protocol.Kind{protocol.KindMarketPrice}
}

// Snapshot implements gateway.Feed.
func (f *PriceFeed) Snapshot(ctx context.Context, _ *gateway.Connection, _ protocol.Topic) (any, error) {
	return f.Current(ctx)
}

// Current returns the reference price, re-reading the store when the cached
// value expired.
func (f *PriceFeed) Current(ctx context.Context) (*PriceView, error) {
	if v, ok := f.cache.Get(); ok {
		return &v, nil
	}

	price, found, err := f.store.GetPrice(ctx, ReferencePair)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "get_price", "price source unreachable")
	}
	if !found {
		return nil, errors.New(errors.ErrorTypeUpstream, "get_price", "no reference price available").
			WithContext("pair", ReferencePair)
	}

	v := PriceView{Pair: ReferencePair, Price: price, UpdatedAt: f.now()}
	f.cache.Set(v)
	return &v, nil
}

// Price implements PriceSource.
func (f *PriceFeed) Price(ctx context.Context) (decimal.Decimal, error) {
	v, err := f.Current(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Price, nil
}

// Tick broadcasts the current price when market.price has subscribers. It
// reports whether anything was sent.
func (f *PriceFeed) Tick(ctx context.Context) bool {
	if !f.out.HasSubscribers(protocol.TopicMarketPrice) {
		return false
	}
	v, err := f.Current(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("skipping price broadcast")
		return false
	}
	return f.out.Publish(protocol.TopicMarketPrice, subtypePriceUpdate, v) > 0
}

// Run broadcasts the price every interval until ctx is done.
func (f *PriceFeed) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Mount registers the price feed and its action on r.
func (f *PriceFeed) Mount(r *gateway.Router) {
	r.AddFeed(f)
	r.Route(protocol.TypeRequest, protocol.ActionGetPrice, func(ctx context.Context, _ *gateway.Call) (any, error) {
		return f.Current(ctx)
	}, gateway.ForKinds(protocol.KindMarketPrice))
}
