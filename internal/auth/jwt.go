// Package auth validates the bearer credentials clients present to the
// gateway.
package auth

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/errors"
)

// Claims is the payload of a gateway access token. The identity is the
// wallet address claim, or the subject when it is absent.
type Claims struct {
	WalletAddress string `json:"wallet_address,omitempty"`
	Role          string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity the token binds.
func (c *Claims) Identity() string {
	if c.WalletAddress != "" {
		return c.WalletAddress
	}
	return c.Subject
}

// Validator checks HS256 tokens. It implements gateway.Authenticator.
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

// NewValidator creates a validator for tokens signed with secret. A
// non-empty issuer must match the iss claim.
func NewValidator(secret, issuer string) *Validator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Validator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (v *Validator) key(*jwt.Token) (any, error) {
	return v.secret, nil
}

// Authenticate validates token and returns the bound identity and role.
// Every failure is UNAUTHORIZED.
func (v *Validator) Authenticate(_ context.Context, token string) (string, protocol.Role, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.key); err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeUnauthorized, "authenticate", reason(err))
	}

	identity := claims.Identity()
	if identity == "" {
		return "", "", errors.Unauthorized("authenticate", "token carries no identity")
	}

	role := protocol.Role(claims.Role)
	switch role {
	case "":
		role = protocol.RoleUser
	case protocol.RoleUser, protocol.RoleAdmin, protocol.RoleSuperadmin:
	default:
		return "", "", errors.Unauthorized("authenticate", "unknown role").WithContext("role", claims.Role)
	}
	return identity, role, nil
}

func reason(err error) string {
	switch {
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token signature"
	case stderrors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid token issuer"
	case stderrors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}
