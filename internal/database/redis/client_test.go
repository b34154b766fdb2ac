package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
)

const wallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewClientWithRedis(rdb, &Config{
		BalanceTTL: time.Minute,
		Breaker: circuit.Config{
			MaxFailures:       3,
			DegradedThreshold: 1,
			SuccessRequired:   1,
			Timeout:           time.Minute,
		},
	})
	return c, mr
}

func TestClient_BreakerNames(t *testing.T) {
	c, _ := setupTestClient(t)
	assert.Equal(t, BalanceBreaker, c.BalanceBreaker().Name())
	assert.Equal(t, PriceBreaker, c.PriceBreaker().Name())
}

func TestClient_Price(t *testing.T) {
	c, mr := setupTestClient(t)
	ctx := context.Background()

	_, found, err := c.GetPrice(ctx, "SOL/USD")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, c.PriceBreaker().GetStats().Failures, "a miss is not a failure")

	require.NoError(t, c.SetPrice(ctx, "SOL/USD", decimal.RequireFromString("142.37"), 0))
	assert.Equal(t, "142.37", mustGet(t, mr, "price:SOL/USD"))

	price, found, err := c.GetPrice(ctx, "SOL/USD")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, price.Equal(decimal.RequireFromString("142.37")))
}

func TestClient_MalformedPrice(t *testing.T) {
	c, mr := setupTestClient(t)
	require.NoError(t, mr.Set("price:SOL/USD", "lots"))

	_, _, err := c.GetPrice(context.Background(), "SOL/USD")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestClient_Balances(t *testing.T) {
	c, mr := setupTestClient(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	native := &BalanceEntry{Wallet: wallet, Amount: decimal.RequireFromString("1.5"), Decimals: 9, Slot: 10, UpdatedAt: at}
	usdc := &BalanceEntry{Wallet: wallet, Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Amount: decimal.RequireFromString("20.25"), Decimals: 6, Slot: 11, UpdatedAt: at}
	require.NoError(t, c.SetBalance(ctx, native))
	require.NoError(t, c.SetBalance(ctx, usdc))

	assert.Equal(t, time.Minute, mr.TTL("balance:"+wallet))

	got, found, err := c.GetBalance(ctx, wallet, "")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Amount.Equal(native.Amount))
	assert.Equal(t, at, got.UpdatedAt)

	all, err := c.GetBalances(ctx, wallet)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, NativeMint)
	assert.Contains(t, all, usdc.Mint)

	_, found, err = c.GetBalance(ctx, wallet, "unknownMint")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_PublishSubscribe(t *testing.T) {
	c, _ := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps, err := c.SubscribeBalances(ctx)
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, c.PublishBalance(ctx, &BalanceEntry{Wallet: wallet, Amount: decimal.NewFromInt(3)}))

	select {
	case msg := <-ps.Channel():
		entry, err := DecodeBalance(msg)
		require.NoError(t, err)
		assert.Equal(t, wallet, entry.Wallet)
		assert.True(t, entry.Amount.Equal(decimal.NewFromInt(3)))
	case <-ctx.Done():
		t.Fatal("no balance update received")
	}
}

func TestDecodeBalance_WalletFromChannel(t *testing.T) {
	entry, err := DecodeBalance(&redis.Message{Channel: "balances:" + wallet, Payload: `{"amount":"2"}`})
	require.NoError(t, err)
	assert.Equal(t, wallet, entry.Wallet)

	_, err = DecodeBalance(&redis.Message{Channel: "balances:" + wallet, Payload: `{`})
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidMessage))
}

func TestClient_OutageOpensBreaker(t *testing.T) {
	c, mr := setupTestClient(t)
	mr.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := c.GetBalance(ctx, wallet, "")
		require.Error(t, err)
	}
	assert.Equal(t, circuit.StatusOpen, c.BalanceBreaker().GetStats().Status())
	assert.Equal(t, circuit.StatusClosed, c.PriceBreaker().GetStats().Status())

	_, _, err := c.GetBalance(ctx, wallet, "")
	assert.True(t, circuit.IsOpen(err))
	assert.Error(t, c.Health(ctx))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
