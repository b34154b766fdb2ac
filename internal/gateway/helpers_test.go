package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/errors"
)

const (
	walletA = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	walletB = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
)

type staticAuth map[string]Credentials

func (a staticAuth) Authenticate(_ context.Context, token string) (string, protocol.Role, error) {
	creds, ok := a[token]
	if !ok {
		return "", "", errors.Unauthorized("authenticate", "invalid token")
	}
	return creds.Identity, creds.Role, nil
}

func testAuth() staticAuth {
	return staticAuth{
		"user-a":  {Identity: walletA, Role: protocol.RoleUser},
		"user-b":  {Identity: walletB, Role: protocol.RoleUser},
		"admin-a": {Identity: walletA, Role: protocol.RoleAdmin},
	}
}

// stubFeed serves fixed snapshots and counts handler attach/release.
type stubFeed struct {
	kinds    []protocol.Kind
	snapshot func(topic protocol.Topic) (any, error)
	attach   bool

	attached atomic.Int32
	released atomic.Int32
	mu       sync.Mutex
	perTopic map[string]int
}

func (f *stubFeed) Kinds() []protocol.Kind { return f.kinds }

func (f *stubFeed) Snapshot(_ context.Context, _ *Connection, topic protocol.Topic) (any, error) {
	if f.snapshot == nil {
		return map[string]any{"topic": topic.Raw}, nil
	}
	return f.snapshot(topic)
}

func (f *stubFeed) Attach(_ context.Context, _ *Connection, topic protocol.Topic) (Release, error) {
	if !f.attach {
		return nil, nil
	}
	f.attached.Add(1)
	return func() {
		f.released.Add(1)
		f.mu.Lock()
		if f.perTopic == nil {
			f.perTopic = make(map[string]int)
		}
		f.perTopic[topic.Raw]++
		f.mu.Unlock()
	}, nil
}

func (f *stubFeed) releases(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perTopic[topic]
}

type countingAdmitter struct {
	mu      sync.Mutex
	removed map[string]int
}

func (a *countingAdmitter) Admit(string) error { return nil }
func (a *countingAdmitter) Release(string)     {}
func (a *countingAdmitter) Remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.removed == nil {
		a.removed = make(map[string]int)
	}
	a.removed[id]++
}

type harness struct {
	registry *Registry
	out      *Broadcaster
	router   *Router
	feeds    map[protocol.Kind]*stubFeed
}

func newHarness(t *testing.T, admit Admitter) *harness {
	t.Helper()
	registry := NewRegistry(admit, nil)
	out := NewBroadcaster(registry, nil, nil)
	router := NewRouter(registry, out, testAuth(), nil, nil)

	h := &harness{registry: registry, out: out, router: router, feeds: make(map[protocol.Kind]*stubFeed)}
	for _, kinds := range [][]protocol.Kind{
		{protocol.KindMarketPrice},
		{protocol.KindService, protocol.KindServiceLayer, protocol.KindServicesAll, protocol.KindAdminAlerts},
		{protocol.KindWallet, protocol.KindToken, protocol.KindPortfolio},
		{protocol.KindUser},
	} {
		f := &stubFeed{kinds: kinds, attach: true}
		router.AddFeed(f)
		for _, k := range kinds {
			h.feeds[k] = f
		}
	}
	return h
}

func (h *harness) connect(t *testing.T) *Connection {
	t.Helper()
	c := NewConnection("127.0.0.1:5000", 64, nil)
	require.True(t, h.registry.Register(c))
	return c
}

func (h *harness) send(t *testing.T, c *Connection, msg map[string]any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	h.router.Handle(context.Background(), c, raw)
}

// drain returns every frame queued on c.
func drain(t *testing.T, c *Connection) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case data := <-c.Outbound():
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(frames []protocol.Envelope, typ protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}
