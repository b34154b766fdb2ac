package feeds

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/wsgate/internal/database/redis"
	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/internal/ratelimit"
	"github.com/bardlex/wsgate/internal/tracker"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

const (
	nativeMint = redis.NativeMint

	subtypeBalanceUpdate = "balanceUpdate"

	backgroundRefreshTimeout = 10 * time.Second
)

// BalanceSource is the upstream of the balance feed. tracker.Tracker
// satisfies it.
type BalanceSource interface {
	Get(ctx context.Context, key tracker.Key) (*tracker.Balance, error)
	Refresh(ctx context.Context, key tracker.Key) (*tracker.Balance, error)
	Portfolio(ctx context.Context, wallet string) ([]*tracker.Balance, error)
	Subscribe(key tracker.Key, h tracker.Handler) (tracker.HandlerID, error)
	Unsubscribe(key tracker.Key, id tracker.HandlerID) error
}

// PriceSource supplies the SOL/USD reference price. PriceFeed satisfies it.
type PriceSource interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// BalanceView is a balance as pushed to clients.
type BalanceView struct {
	Wallet    string           `json:"wallet"`
	Mint      string           `json:"mint"`
	Amount    decimal.Decimal  `json:"amount"`
	Decimals  int32            `json:"decimals"`
	Slot      uint64           `json:"slot"`
	USDValue  *decimal.Decimal `json:"usdValue,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
	AgeMs     int64            `json:"ageMs"`
	Freshness Freshness        `json:"freshness"`
}

// PortfolioView is every balance of a wallet. Freshness and UpdatedAt are
// those of the oldest balance.
type PortfolioView struct {
	Wallet    string          `json:"wallet"`
	Balances  []BalanceView   `json:"balances"`
	TotalUSD  decimal.Decimal `json:"totalUsd"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Freshness Freshness       `json:"freshness"`
}

// BalanceFeed serves wallet, token and portfolio topics.
type BalanceFeed struct {
	source     BalanceSource
	prices     PriceSource
	out        *gateway.Broadcaster
	limiter    *ratelimit.TokenBucket
	staleAfter time.Duration
	logger     *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[tracker.Key]struct{}
	wg       sync.WaitGroup
}

// NewBalanceFeed creates the balance feed. limiter bounds refreshes per
// wallet, explicit and background alike.
func NewBalanceFeed(source BalanceSource, prices PriceSource, out *gateway.Broadcaster, limiter *ratelimit.TokenBucket, staleAfter time.Duration, logger *log.Logger) *BalanceFeed {
	if logger == nil {
		logger = log.Nop()
	}
	return &BalanceFeed{
		source:     source,
		prices:     prices,
		out:        out,
		limiter:    limiter,
		staleAfter: staleAfter,
		logger:     logger.WithComponent("balance_feed"),
		now:        time.Now,
		inflight:   make(map[tracker.Key]struct{}),
	}
}

// SetClock replaces the time source used for ages.
func (f *BalanceFeed) SetClock(now func() time.Time) {
	f.now = now
}

// Kinds implements gateway.Feed.
func (f *BalanceFeed) Kinds() []protocol.Kind {
	return []protocol.Kind{protocol.KindWallet, protocol.KindToken, protocol.KindPortfolio}
}

func keyOf(topic protocol.Topic) tracker.Key {
	switch topic.Kind {
	case protocol.KindToken:
		return tracker.Key{Wallet: topic.Name, Mint: topic.Mint}
	case protocol.KindPortfolio:
		return tracker.Key{Wallet: topic.Name, Mint: tracker.AllMints}
	default:
		return tracker.Key{Wallet: topic.Name}
	}
}

// Snapshot implements gateway.Feed.
func (f *BalanceFeed) Snapshot(ctx context.Context, c *gateway.Connection, topic protocol.Topic) (any, error) {
	if err := ownTopic(c, topic); err != nil {
		return nil, err
	}
	if topic.Kind == protocol.KindPortfolio {
		return f.GetPortfolio(ctx, topic.Name)
	}
	return f.Get(ctx, keyOf(topic))
}

// Attach implements gateway.Attacher: updates for the topic are pushed to c
// until the subscription ends.
func (f *BalanceFeed) Attach(ctx context.Context, c *gateway.Connection, topic protocol.Topic) (gateway.Release, error) {
	if err := ownTopic(c, topic); err != nil {
		return nil, err
	}
	key := keyOf(topic)
	id, err := f.source.Subscribe(key, func(b *tracker.Balance) {
		view := f.view(context.Background(), b)
		f.out.SendToConnection(c, protocol.NewData(topic.Raw, subtypeBalanceUpdate, view, f.out.Now()))
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := f.source.Unsubscribe(key, id); err != nil {
			f.logger.WithError(err).Warn("failed to release balance handler", "topic", topic.Raw)
		}
	}, nil
}

// Get returns the current balance at key. A balance older than the stale
// threshold triggers a background refresh when the wallet has refresh
// budget left; the cached value is returned either way.
func (f *BalanceFeed) Get(ctx context.Context, key tracker.Key) (*BalanceView, error) {
	b, err := f.source.Get(ctx, key)
	if err != nil {
		return nil, upstream(err, "get_balance")
	}
	if f.now().Sub(b.UpdatedAt) >= f.staleAfter {
		f.refreshInBackground(key)
	}
	return f.view(ctx, b), nil
}

// Refresh forces a chain read of key. It is rate limited per wallet.
func (f *BalanceFeed) Refresh(ctx context.Context, key tracker.Key) (*BalanceView, error) {
	if err := f.limiter.Take(protocol.ActionRefreshBalance, key.Wallet); err != nil {
		return nil, err
	}
	b, err := f.source.Refresh(ctx, key)
	if err != nil {
		return nil, upstream(err, "refresh_balance")
	}
	return f.view(ctx, b), nil
}

// GetPortfolio returns every balance of wallet with its total USD value.
func (f *BalanceFeed) GetPortfolio(ctx context.Context, wallet string) (*PortfolioView, error) {
	balances, err := f.source.Portfolio(ctx, wallet)
	if err != nil {
		return nil, upstream(err, "get_portfolio")
	}

	price := f.solPrice(ctx)
	pv := &PortfolioView{Wallet: wallet, Balances: make([]BalanceView, 0, len(balances)), TotalUSD: decimal.Zero}
	for _, b := range balances {
		v := f.viewWithPrice(b, price)
		pv.Balances = append(pv.Balances, *v)
		if v.USDValue != nil {
			pv.TotalUSD = pv.TotalUSD.Add(*v.USDValue)
		}
		if pv.UpdatedAt.IsZero() || b.UpdatedAt.Before(pv.UpdatedAt) {
			pv.UpdatedAt = b.UpdatedAt
		}
	}
	pv.Freshness = Classify(f.now().Sub(pv.UpdatedAt))
	return pv, nil
}

func (f *BalanceFeed) refreshInBackground(key tracker.Key) {
	f.mu.Lock()
	if _, busy := f.inflight[key]; busy {
		f.mu.Unlock()
		return
	}
	if ok, _ := f.limiter.Allow(key.Wallet); !ok {
		f.mu.Unlock()
		return
	}
	f.inflight[key] = struct{}{}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			delete(f.inflight, key)
			f.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		if _, err := f.source.Refresh(ctx, key); err != nil {
			f.logger.WithError(err).Warn("background balance refresh failed", "wallet", key.Wallet, "mint", key.Mint)
		}
	}()
}

// Wait blocks until background refreshes finish.
func (f *BalanceFeed) Wait() {
	f.wg.Wait()
}

func (f *BalanceFeed) solPrice(ctx context.Context) *decimal.Decimal {
	if f.prices == nil {
		return nil
	}
	p, err := f.prices.Price(ctx)
	if err != nil {
		f.logger.Debug("reference price unavailable", "error", err)
		return nil
	}
	return &p
}

func (f *BalanceFeed) view(ctx context.Context, b *tracker.Balance) *BalanceView {
	var price *decimal.Decimal
	if b.Mint == nativeMint {
		price = f.solPrice(ctx)
	}
	return f.viewWithPrice(b, price)
}

func (f *BalanceFeed) viewWithPrice(b *tracker.Balance, price *decimal.Decimal) *BalanceView {
	age := f.now().Sub(b.UpdatedAt)
	if age < 0 {
		age = 0
	}
	return &BalanceView{
		Wallet:    b.Wallet,
		Mint:      b.Mint,
		Amount:    b.Amount,
		Decimals:  b.Decimals,
		Slot:      b.Slot,
		USDValue:  usdValue(b.Mint, b.Amount, price),
		UpdatedAt: b.UpdatedAt,
		AgeMs:     age.Milliseconds(),
		Freshness: Classify(age),
	}
}

// upstream keeps wire errors and turns everything else into UPSTREAM_ERROR.
func upstream(err error, op string) error {
	switch {
	case errors.IsType(err, errors.ErrorTypeInvalidMessage),
		errors.IsType(err, errors.ErrorTypeNotFound),
		errors.IsType(err, errors.ErrorTypeUnauthorized),
		errors.IsType(err, errors.ErrorTypeRateLimited),
		errors.IsType(err, errors.ErrorTypeUpstream):
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeUpstream, op, "balance source failed")
}

// Mount registers the balance feed and its actions on r.
func (f *BalanceFeed) Mount(r *gateway.Router) {
	r.AddFeed(f)
	r.Route(protocol.TypeRequest, protocol.ActionGetBalance, f.handleGet, gateway.ForKinds(protocol.KindWallet))
	r.Route(protocol.TypeRequest, protocol.ActionRefreshBalance, f.handleRefresh, gateway.ForKinds(protocol.KindWallet))
	r.Route(protocol.TypeRequest, protocol.ActionGetTokenBalance, f.handleGet, gateway.ForKinds(protocol.KindToken))
	r.Route(protocol.TypeRequest, protocol.ActionRefreshTokenBalance, f.handleRefresh, gateway.ForKinds(protocol.KindToken))
	r.Route(protocol.TypeRequest, protocol.ActionGetPortfolio, f.handleGetPortfolio, gateway.ForKinds(protocol.KindPortfolio))
}

func (f *BalanceFeed) handleGet(ctx context.Context, call *gateway.Call) (any, error) {
	if err := ownTopic(call.Conn, call.Topic); err != nil {
		return nil, err
	}
	return f.Get(ctx, keyOf(call.Topic))
}

func (f *BalanceFeed) handleRefresh(ctx context.Context, call *gateway.Call) (any, error) {
	if err := ownTopic(call.Conn, call.Topic); err != nil {
		return nil, err
	}
	return f.Refresh(ctx, keyOf(call.Topic))
}

func (f *BalanceFeed) handleGetPortfolio(ctx context.Context, call *gateway.Call) (any, error) {
	if err := ownTopic(call.Conn, call.Topic); err != nil {
		return nil, err
	}
	return f.GetPortfolio(ctx, call.Topic.Name)
}
