package feeds

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/errors"
)

const (
	walletA = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	walletB = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	usdc    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	bonk    = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

type tokenAuth map[string]gateway.Credentials

func (a tokenAuth) Authenticate(_ context.Context, token string) (string, protocol.Role, error) {
	creds, ok := a[token]
	if !ok {
		return "", "", errors.Unauthorized("authenticate", "invalid token")
	}
	return creds.Identity, creds.Role, nil
}

type frame struct {
	Type      protocol.MessageType `json:"type"`
	Topic     string               `json:"topic"`
	Subtype   string               `json:"subtype"`
	Action    string               `json:"action"`
	RequestID string               `json:"requestId"`
	Data      json.RawMessage      `json:"data"`
	Code      int                  `json:"code"`
	Error     string               `json:"error"`
	Topics    []string             `json:"topics"`
	Rejected  []protocol.Rejection `json:"rejected"`

	RetryAfterMs int64 `json:"retryAfterMs"`
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	registry *gateway.Registry
	out      *gateway.Broadcaster
	router   *gateway.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry := gateway.NewRegistry(nil, nil)
	out := gateway.NewBroadcaster(registry, nil, nil)
	router := gateway.NewRouter(registry, out, tokenAuth{
		"a": {Identity: walletA, Role: protocol.RoleUser},
		"b": {Identity: walletB, Role: protocol.RoleUser},
	}, nil, nil)
	return &harness{registry: registry, out: out, router: router}
}

// connect registers a connection, authenticated as identity when non-empty.
func (h *harness) connect(t *testing.T, identity string) *gateway.Connection {
	t.Helper()
	c := gateway.NewConnection("127.0.0.1:9000", 128, nil)
	require.True(t, h.registry.Register(c))
	if identity != "" {
		h.registry.Rebind(c, gateway.Credentials{Identity: identity, Role: protocol.RoleUser})
	}
	return c
}

func (h *harness) send(t *testing.T, c *gateway.Connection, msg map[string]any) []frame {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	h.router.Handle(context.Background(), c, raw)
	return drain(t, c)
}

func drain(t *testing.T, c *gateway.Connection) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case data := <-c.Outbound():
			var fr frame
			require.NoError(t, json.Unmarshal(data, &fr))
			out = append(out, fr)
		default:
			return out
		}
	}
}

func ofType(frames []frame, typ protocol.MessageType) []frame {
	var out []frame
	for _, fr := range frames {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}
