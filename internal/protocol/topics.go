package protocol

import (
	"regexp"
	"strings"

	"github.com/bardlex/wsgate/pkg/errors"
)

// Fixed topics
const (
	TopicMarketPrice = "market.price"
	TopicServicesAll = "services.all"
	TopicAdminAlerts = "admin.alerts"
)

// Topic prefixes for parameterized topics
const (
	prefixService   = "service."
	prefixLayer     = "service-layer."
	prefixWallet    = "wallet."
	prefixToken     = "token."
	prefixPortfolio = "portfolio."
	prefixUser      = "user."
)

// Kind classifies a topic by shape.
type Kind string

const (
	KindMarketPrice  Kind = "market.price"
	KindServicesAll  Kind = "services.all"
	KindAdminAlerts  Kind = "admin.alerts"
	KindService      Kind = "service"
	KindServiceLayer Kind = "service-layer"
	KindWallet       Kind = "wallet"
	KindToken        Kind = "token"
	KindPortfolio    Kind = "portfolio"
	KindUser         Kind = "user"
)

// Access is the gate a topic sits behind.
type Access int

const (
	// AccessPublic topics are open to every connection
	AccessPublic Access = iota
	// AccessAdmin topics require role admin or superadmin
	AccessAdmin
	// AccessOwner topics require the authenticated identity to own the parameter
	AccessOwner
)

// Role is the authorization role bound to an authenticated connection.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// IsAdmin reports whether the role may use admin topics and commands.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

var (
	// service names, layer names and user identities
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,127}$`)

	// base58 Solana public keys
	addressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// Topic is a parsed topic string.
type Topic struct {
	Raw  string
	Kind Kind
	Name string // service name, layer, wallet address or identity
	Mint string // token topics only
}

// Access returns the gate of the topic.
func (t Topic) Access() Access {
	switch t.Kind {
	case KindMarketPrice:
		return AccessPublic
	case KindServicesAll, KindAdminAlerts, KindService, KindServiceLayer:
		return AccessAdmin
	default:
		return AccessOwner
	}
}

// Owner returns the identity an owner-gated topic belongs to.
func (t Topic) Owner() string {
	if t.Access() != AccessOwner {
		return ""
	}
	return t.Name
}

func (t Topic) String() string { return t.Raw }

// ParseTopic validates a topic string against the grammar. Unknown shapes
// are INVALID_MESSAGE errors.
func ParseTopic(raw string) (Topic, error) {
	switch raw {
	case TopicMarketPrice:
		return Topic{Raw: raw, Kind: KindMarketPrice}, nil
	case TopicServicesAll:
		return Topic{Raw: raw, Kind: KindServicesAll}, nil
	case TopicAdminAlerts:
		return Topic{Raw: raw, Kind: KindAdminAlerts}, nil
	}

	invalid := func(reason string) (Topic, error) {
		return Topic{}, errors.InvalidMessage("parse_topic", reason).WithContext("topic", raw)
	}

	switch {
	case strings.HasPrefix(raw, prefixLayer):
		layer := strings.TrimPrefix(raw, prefixLayer)
		if !namePattern.MatchString(layer) {
			return invalid("invalid layer name")
		}
		return Topic{Raw: raw, Kind: KindServiceLayer, Name: layer}, nil

	case strings.HasPrefix(raw, prefixService):
		name := strings.TrimPrefix(raw, prefixService)
		if !namePattern.MatchString(name) {
			return invalid("invalid service name")
		}
		return Topic{Raw: raw, Kind: KindService, Name: name}, nil

	case strings.HasPrefix(raw, prefixWallet):
		addr := strings.TrimPrefix(raw, prefixWallet)
		if !addressPattern.MatchString(addr) {
			return invalid("invalid wallet address")
		}
		return Topic{Raw: raw, Kind: KindWallet, Name: addr}, nil

	case strings.HasPrefix(raw, prefixToken):
		addr, mint, ok := strings.Cut(strings.TrimPrefix(raw, prefixToken), ".")
		if !ok || !addressPattern.MatchString(addr) || !addressPattern.MatchString(mint) {
			return invalid("token topic must be token.<address>.<mint>")
		}
		return Topic{Raw: raw, Kind: KindToken, Name: addr, Mint: mint}, nil

	case strings.HasPrefix(raw, prefixPortfolio):
		addr := strings.TrimPrefix(raw, prefixPortfolio)
		if !addressPattern.MatchString(addr) {
			return invalid("invalid wallet address")
		}
		return Topic{Raw: raw, Kind: KindPortfolio, Name: addr}, nil

	case strings.HasPrefix(raw, prefixUser):
		id := strings.TrimPrefix(raw, prefixUser)
		if !namePattern.MatchString(id) {
			return invalid("invalid identity")
		}
		return Topic{Raw: raw, Kind: KindUser, Name: id}, nil
	}

	return invalid("unknown topic")
}

// IsAddress reports whether s is a well-formed wallet or mint address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ServiceTopic returns the topic of one monitored service.
func ServiceTopic(name string) string { return prefixService + name }

// LayerTopic returns the aggregate topic of a service layer.
func LayerTopic(layer string) string { return prefixLayer + layer }

// WalletTopic returns the balance topic of a wallet.
func WalletTopic(address string) string { return prefixWallet + address }

// TokenTopic returns the token balance topic of a wallet and mint.
func TokenTopic(address, mint string) string { return prefixToken + address + "." + mint }

// PortfolioTopic returns the portfolio topic of a wallet.
func PortfolioTopic(address string) string { return prefixPortfolio + address }

// UserTopic returns the notification topic of an identity.
func UserTopic(identity string) string { return prefixUser + identity }
