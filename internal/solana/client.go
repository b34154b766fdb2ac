// Package solana provides the minimal Solana JSON-RPC client the balance
// tracker reads wallet and token balances with.
package solana

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/retry"
)

// BreakerName is the name the RPC circuit breaker reports to the monitor.
const BreakerName = "solanaRpc"

// TokenProgramID is the SPL token program owning every token account.
const TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// NativeMint identifies the SOL balance among token balances.
const NativeMint = "SOL"

const lamportsPerSOLExp = 9

// Client is a Solana JSON-RPC client guarded by a circuit breaker.
// It speaks plain JSON-RPC 2.0 over HTTP through go-ethereum's rpc client,
// which is chain agnostic.
type Client struct {
	rpc            *rpc.Client
	commitment     string
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Dial creates a client for the node at url. No request is made until the
// first call.
//
// Parameters:
//   - ctx: Context bounding the dial
//   - url: RPC endpoint, e.g. https://api.mainnet-beta.solana.com
//
// Returns:
//   - *Client: Configured client ready for use
//   - error: Any error encountered while creating the transport
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "rpc_client_creation",
			"failed to create Solana RPC client").
			WithContext("url", url)
	}

	cbConfig := &circuit.Config{
		Name:              BreakerName,
		MaxFailures:       5,
		DegradedThreshold: 2,
		SuccessRequired:   2,
		Timeout:           15 * time.Second,
		ResetTimeout:      60 * time.Second,
	}

	return &Client{
		rpc:            c,
		commitment:     "confirmed",
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.RPCConfig(),
	}, nil
}

// Breaker returns the breaker guarding RPC calls.
func (c *Client) Breaker() *circuit.Breaker {
	return c.circuitBreaker
}

// Close releases the transport.
func (c *Client) Close() {
	c.rpc.Close()
}

// call runs one RPC method behind the breaker with retries.
func call[T any](ctx context.Context, c *Client, method string, args ...any) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (T, error) {
			var result T
			if err := c.rpc.CallContext(ctx, &result, method, args...); err != nil {
				return result, wrapRPCError(err, method)
			}
			return result, nil
		})
	})
}

func wrapRPCError(err error, method string) error {
	if rpcErr, ok := err.(rpc.Error); ok {
		// the node answered; retrying the same request will not help
		se := errors.Wrap(err, errors.ErrorTypeUpstream, method, "Solana RPC returned an error").
			WithContext("rpc_code", rpcErr.ErrorCode())
		se.Retryable = false
		return se
	}
	return errors.Wrap(err, errors.ErrorTypeNetwork, method, "Solana RPC request failed")
}

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type balanceResult struct {
	Context rpcContext `json:"context"`
	Value   uint64     `json:"value"`
}

// Balance is a wallet's SOL balance at a slot.
type Balance struct {
	Lamports uint64
	SOL      decimal.Decimal
	Slot     uint64
}

// GetBalance returns the SOL balance of a wallet.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - address: Base58 wallet address
//
// Returns:
//   - Balance: Lamports, SOL amount and the slot it was read at
//   - error: Network or node error
func (c *Client) GetBalance(ctx context.Context, address string) (Balance, error) {
	res, err := call[balanceResult](ctx, c, "getBalance", address, commitmentConfig{Commitment: c.commitment})
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Lamports: res.Value,
		SOL:      decimal.NewFromInt(int64(res.Value)).Shift(-lamportsPerSOLExp),
		Slot:     res.Context.Slot,
	}, nil
}

type tokenAmount struct {
	Amount         string `json:"amount"`
	Decimals       int32  `json:"decimals"`
	UIAmountString string `json:"uiAmountString"`
}

type tokenAccountsResult struct {
	Context rpcContext `json:"context"`
	Value   []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string      `json:"mint"`
						Owner       string      `json:"owner"`
						TokenAmount tokenAmount `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// TokenBalance is the balance of one SPL token held by a wallet.
type TokenBalance struct {
	Mint     string
	Account  string
	Raw      string
	Decimals int32
	Amount   decimal.Decimal
	Slot     uint64
}

// GetTokenBalances returns every token balance of a wallet. A non-empty mint
// restricts the result to that mint.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - owner: Base58 wallet address
//   - mint: Optional mint address filter
//
// Returns:
//   - []TokenBalance: One entry per token account, summed per mint by callers
//   - error: Network, node or decoding error
func (c *Client) GetTokenBalances(ctx context.Context, owner, mint string) ([]TokenBalance, error) {
	filter := map[string]string{"programId": TokenProgramID}
	if mint != "" {
		filter = map[string]string{"mint": mint}
	}

	res, err := call[tokenAccountsResult](ctx, c, "getTokenAccountsByOwner", owner, filter,
		commitmentConfig{Commitment: c.commitment, Encoding: "jsonParsed"})
	if err != nil {
		return nil, err
	}

	out := make([]TokenBalance, 0, len(res.Value))
	for _, acc := range res.Value {
		info := acc.Account.Data.Parsed.Info
		raw, err := decimal.NewFromString(info.TokenAmount.Amount)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "getTokenAccountsByOwner",
				"invalid token amount").
				WithContext("account", acc.Pubkey)
		}
		out = append(out, TokenBalance{
			Mint:     info.Mint,
			Account:  acc.Pubkey,
			Raw:      info.TokenAmount.Amount,
			Decimals: info.TokenAmount.Decimals,
			Amount:   raw.Shift(-info.TokenAmount.Decimals),
			Slot:     res.Context.Slot,
		})
	}
	return out, nil
}

// Health checks that the node is in sync. It bypasses the breaker so a
// recovery check always reaches the node.
func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.rpc.CallContext(ctx, &status, "getHealth"); err != nil {
		return wrapRPCError(err, "getHealth")
	}
	if status != "ok" {
		return errors.New(errors.ErrorTypeUpstream, "getHealth", "node is not healthy").
			WithContext("status", status)
	}
	return nil
}
