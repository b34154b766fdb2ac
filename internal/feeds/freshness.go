// Package feeds bridges the gateway's upstream sources onto topics: wallet,
// token and portfolio balances, the reference price, and user notifications.
package feeds

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"

	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/errors"
)

// Freshness classifies the age of a balance.
type Freshness string

const (
	FreshnessFresh    Freshness = "fresh"
	FreshnessRecent   Freshness = "recent"
	FreshnessStale    Freshness = "stale"
	FreshnessOutdated Freshness = "outdated"
)

// Freshness thresholds
const (
	freshWithin  = 15 * time.Second
	recentWithin = 60 * time.Second
	staleWithin  = 300 * time.Second
)

// Classify returns the freshness of data that is age old.
func Classify(age time.Duration) Freshness {
	switch {
	case age < freshWithin:
		return FreshnessFresh
	case age < recentWithin:
		return FreshnessRecent
	case age < staleWithin:
		return FreshnessStale
	default:
		return FreshnessOutdated
	}
}

// USD-pegged mints valued at one dollar.
var stableMints = mapset.NewThreadUnsafeSet(
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", // USDC
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", // USDT
)

// usdValue prices amount of mint. The native balance uses the reference
// price; unknown tokens have no value.
func usdValue(mint string, amount decimal.Decimal, solPrice *decimal.Decimal) *decimal.Decimal {
	var v decimal.Decimal
	switch {
	case mint == nativeMint:
		if solPrice == nil {
			return nil
		}
		v = amount.Mul(*solPrice).Round(2)
	case stableMints.Contains(mint):
		v = amount.Round(2)
	default:
		return nil
	}
	return &v
}

// ownTopic rejects a topic that is not bound to the connection's identity.
func ownTopic(c *gateway.Connection, topic protocol.Topic) error {
	creds := c.Credentials()
	if !creds.Authenticated() {
		return errors.Unauthorized("feed", "authentication required").WithContext("topic", topic.Raw)
	}
	if creds.Identity != topic.Name {
		return errors.Unauthorized("feed", "topic belongs to another identity").WithContext("topic", topic.Raw)
	}
	return nil
}
