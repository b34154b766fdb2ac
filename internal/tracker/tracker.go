// Package tracker keeps wallet balances current. Reads are served from the
// Redis balance cache and fall back to Solana RPC; refreshes go to RPC and
// are announced on Redis pub/sub, which every gateway instance listens to.
package tracker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bardlex/wsgate/internal/database/redis"
	"github.com/bardlex/wsgate/internal/solana"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
	"github.com/bardlex/wsgate/pkg/retry"
)

// AllMints subscribes to every balance of a wallet
const AllMints = "*"

// Balance is one wallet balance
type Balance = redis.BalanceEntry

// Key addresses a tracked balance. An empty Mint is the native SOL balance.
type Key struct {
	Wallet string
	Mint   string
}

func (k Key) normalize() Key {
	if k.Mint == "" {
		k.Mint = redis.NativeMint
	}
	return k
}

func (k Key) String() string {
	return k.Wallet + "/" + k.normalize().Mint
}

// HandlerID identifies one registered update handler
type HandlerID uint64

// Handler receives balance updates. It must not block.
type Handler func(b *Balance)

// Chain reads balances from the blockchain. solana.Client satisfies it.
type Chain interface {
	GetBalance(ctx context.Context, address string) (solana.Balance, error)
	GetTokenBalances(ctx context.Context, owner, mint string) ([]solana.TokenBalance, error)
}

// Tracker is the balance source behind the balance feeds
type Tracker struct {
	chain  Chain
	cache  *redis.Client
	logger *log.Logger
	now    func() time.Time

	listenRetry *retry.Config

	nextID   atomic.Uint64
	mu       sync.RWMutex
	handlers map[Key]map[HandlerID]Handler

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a tracker reading chain and caching in cache
func New(chain Chain, cache *redis.Client, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{
		chain:    chain,
		cache:    cache,
		logger:   logger.WithComponent("tracker"),
		now:      time.Now,
		handlers: make(map[Key]map[HandlerID]Handler),
		ready:    make(chan struct{}),

		listenRetry: retry.ListenConfig(),
	}
}

// SetClock replaces the time source used to stamp balances
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Get returns the balance at key, from cache when present
func (t *Tracker) Get(ctx context.Context, key Key) (*Balance, error) {
	if key.Wallet == "" {
		return nil, errors.InvalidMessage("get_balance", "wallet is required")
	}
	key = key.normalize()

	cached, found, err := t.cache.GetBalance(ctx, key.Wallet, key.Mint)
	switch {
	case err != nil:
		t.logger.WithError(err).Warn("balance cache read failed, reading chain", "key", key.String())
	case found:
		return cached, nil
	}

	b, err := t.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	t.store(ctx, b)
	return b, nil
}

// Refresh reads key from the chain, caches it and announces the update
func (t *Tracker) Refresh(ctx context.Context, key Key) (*Balance, error) {
	if key.Wallet == "" {
		return nil, errors.InvalidMessage("refresh_balance", "wallet is required")
	}
	b, err := t.fetch(ctx, key.normalize())
	if err != nil {
		return nil, err
	}
	t.store(ctx, b)
	t.announce(ctx, b)
	return b, nil
}

// Portfolio returns every cached balance of wallet, reading the chain when
// nothing is cached
func (t *Tracker) Portfolio(ctx context.Context, wallet string) ([]*Balance, error) {
	if wallet == "" {
		return nil, errors.InvalidMessage("get_portfolio", "wallet is required")
	}

	cached, err := t.cache.GetBalances(ctx, wallet)
	if err != nil {
		t.logger.WithError(err).Warn("balance cache read failed, reading chain", "wallet", wallet)
	}
	if native, ok := cached[redis.NativeMint]; ok && native != nil {
		out := make([]*Balance, 0, len(cached))
		for _, b := range cached {
			out = append(out, b)
		}
		sortBalances(out)
		return out, nil
	}

	balances, err := t.fetchAll(ctx, wallet)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		t.store(ctx, b)
	}
	return balances, nil
}

// RefreshPortfolio reads every balance of wallet from the chain, caches and
// announces each
func (t *Tracker) RefreshPortfolio(ctx context.Context, wallet string) ([]*Balance, error) {
	if wallet == "" {
		return nil, errors.InvalidMessage("refresh_portfolio", "wallet is required")
	}
	balances, err := t.fetchAll(ctx, wallet)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		t.store(ctx, b)
		t.announce(ctx, b)
	}
	return balances, nil
}

func (t *Tracker) fetch(ctx context.Context, key Key) (*Balance, error) {
	if key.Mint == redis.NativeMint {
		native, err := t.chain.GetBalance(ctx, key.Wallet)
		if err != nil {
			return nil, err
		}
		return t.nativeBalance(key.Wallet, native), nil
	}

	accounts, err := t.chain.GetTokenBalances(ctx, key.Wallet, key.Mint)
	if err != nil {
		return nil, err
	}
	merged := mergeTokens(key.Wallet, accounts, t.now())
	if b, ok := merged[key.Mint]; ok {
		return b, nil
	}
	// no token account holds this mint
	return &Balance{Wallet: key.Wallet, Mint: key.Mint, Amount: decimal.Zero, Raw: "0", UpdatedAt: t.now()}, nil
}

func (t *Tracker) fetchAll(ctx context.Context, wallet string) ([]*Balance, error) {
	native, err := t.chain.GetBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	accounts, err := t.chain.GetTokenBalances(ctx, wallet, "")
	if err != nil {
		return nil, err
	}

	out := []*Balance{t.nativeBalance(wallet, native)}
	for _, b := range mergeTokens(wallet, accounts, t.now()) {
		out = append(out, b)
	}
	sortBalances(out)
	return out, nil
}

func (t *Tracker) nativeBalance(wallet string, b solana.Balance) *Balance {
	return &Balance{
		Wallet:    wallet,
		Mint:      redis.NativeMint,
		Amount:    b.SOL,
		Raw:       fmt.Sprintf("%d", b.Lamports),
		Decimals:  9,
		Slot:      b.Slot,
		UpdatedAt: t.now(),
	}
}

// mergeTokens sums token accounts per mint
func mergeTokens(wallet string, accounts []solana.TokenBalance, at time.Time) map[string]*Balance {
	out := make(map[string]*Balance)
	for _, acc := range accounts {
		b, ok := out[acc.Mint]
		if !ok {
			out[acc.Mint] = &Balance{
				Wallet:    wallet,
				Mint:      acc.Mint,
				Account:   acc.Account,
				Amount:    acc.Amount,
				Raw:       acc.Raw,
				Decimals:  acc.Decimals,
				Slot:      acc.Slot,
				UpdatedAt: at,
			}
			continue
		}
		b.Amount = b.Amount.Add(acc.Amount)
		b.Raw = b.Amount.Shift(b.Decimals).String()
		// several accounts hold the mint
		b.Account = ""
	}
	return out
}

// sortBalances orders native SOL first, then tokens by mint
func sortBalances(bs []*Balance) {
	slices.SortFunc(bs, func(a, b *Balance) int {
		switch {
		case a.Mint == b.Mint:
			return 0
		case a.Mint == redis.NativeMint:
			return -1
		case b.Mint == redis.NativeMint:
			return 1
		}
		return strings.Compare(a.Mint, b.Mint)
	})
}

func (t *Tracker) store(ctx context.Context, b *Balance) {
	if err := t.cache.SetBalance(ctx, b); err != nil {
		t.logger.WithError(err).Warn("balance cache write failed", "wallet", b.Wallet, "mint", b.Mint)
	}
}

// announce publishes the update. When Redis cannot carry it the local
// handlers are served directly.
func (t *Tracker) announce(ctx context.Context, b *Balance) {
	if err := t.cache.PublishBalance(ctx, b); err != nil {
		t.logger.WithError(err).Warn("balance publish failed, dispatching locally", "wallet", b.Wallet)
		t.dispatch(b)
	}
}

// Subscribe registers h for updates at key. A key with Mint AllMints
// receives every balance of the wallet.
func (t *Tracker) Subscribe(key Key, h Handler) (HandlerID, error) {
	if key.Wallet == "" || h == nil {
		return 0, errors.InvalidMessage("subscribe_balance", "wallet and handler are required")
	}
	key = key.normalize()
	id := HandlerID(t.nextID.Add(1))

	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.handlers[key]
	if !ok {
		set = make(map[HandlerID]Handler)
		t.handlers[key] = set
	}
	set[id] = h
	return id, nil
}

// Unsubscribe removes the handler registered as id at key
func (t *Tracker) Unsubscribe(key Key, id HandlerID) error {
	key = key.normalize()

	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.handlers[key]
	if !ok {
		return errors.NotFound("unsubscribe_balance", "no handlers for key").WithContext("key", key.String())
	}
	if _, ok := set[id]; !ok {
		return errors.NotFound("unsubscribe_balance", "unknown handler").
			WithContext("key", key.String()).
			WithContext("handler_id", uint64(id))
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.handlers, key)
	}
	return nil
}

// HandlerCount returns the number of registered handlers
func (t *Tracker) HandlerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, set := range t.handlers {
		n += len(set)
	}
	return n
}

func (t *Tracker) dispatch(b *Balance) {
	key := Key{Wallet: b.Wallet, Mint: b.Mint}.normalize()

	t.mu.RLock()
	var targets []Handler
	for _, k := range []Key{key, {Wallet: b.Wallet, Mint: AllMints}} {
		for _, h := range t.handlers[k] {
			targets = append(targets, h)
		}
	}
	t.mu.RUnlock()

	for _, h := range targets {
		t.invoke(h, b)
	}
}

func (t *Tracker) invoke(h Handler, b *Balance) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("balance handler panicked", "wallet", b.Wallet, "mint", b.Mint, "panic", r)
		}
	}()
	h(b)
}

// Ready is closed once Listen holds its Redis subscription
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// Listen feeds Redis balance updates to the registered handlers until ctx
// is done. A failing subscription is retried with backoff.
func (t *Tracker) Listen(ctx context.Context) error {
	ps, err := t.subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer ps.Close()
	t.readyOnce.Do(func() { close(t.ready) })

	t.logger.Info("listening for balance updates")
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New(errors.ErrorTypeNetwork, "listen_balances", "balance subscription closed")
			}
			t.receive(msg)
		}
	}
}

func (t *Tracker) subscribe(ctx context.Context) (*goredis.PubSub, error) {
	cfg := *t.listenRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.logger.WithError(err).Warn("balance subscription failed, retrying",
			"attempt", attempt,
			"delay", delay,
		)
	}
	return retry.DoWithResult(ctx, &cfg, func() (*goredis.PubSub, error) {
		ps, err := t.cache.SubscribeBalances(ctx)
		if err != nil && ctx.Err() == nil {
			e := errors.Wrap(err, errors.ErrorTypeNetwork, "listen_balances", "balance subscription failed")
			e.Retryable = true
			return nil, e
		}
		return ps, err
	})
}

func (t *Tracker) receive(msg *goredis.Message) {
	b, err := redis.DecodeBalance(msg)
	if err != nil {
		t.logger.WithError(err).Warn("dropping malformed balance update", "channel", msg.Channel)
		return
	}
	t.dispatch(b)
}
