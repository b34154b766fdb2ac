package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/internal/ratelimit"
	"github.com/bardlex/wsgate/pkg/errors"
)

func TestRouter_InvalidMessageKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	h.router.Handle(context.Background(), c, []byte("{not json"))
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeError, frames[0].Type)
	assert.Equal(t, "INVALID_MESSAGE", frames[0].Error)
	assert.Equal(t, errors.CodeInvalidMessage, frames[0].Code)
	assert.False(t, c.IsClosed())

	h.send(t, c, map[string]any{"type": "BOGUS"})
	frames = drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "INVALID_MESSAGE", frames[0].Error)
}

func TestRouter_AuthGatingScenario(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)
	serviceTopic := protocol.ServiceTopic("tokenSync")

	// unauthenticated
	h.send(t, c, map[string]any{"type": "SUBSCRIBE", "topics": []string{serviceTopic}, "requestId": "1"})
	frames := drain(t, c)
	require.Len(t, frames, 1)
	ack := frames[0]
	assert.Equal(t, protocol.TypeAcknowledge, ack.Type)
	assert.Empty(t, ack.Topics)
	require.Len(t, ack.Rejected, 1)
	assert.Equal(t, "UNAUTHORIZED", ack.Rejected[0].Error)
	assert.False(t, c.IsSubscribed(serviceTopic))

	// role user: own wallet only
	h.send(t, c, map[string]any{
		"type":      "SUBSCRIBE",
		"topics":    []string{protocol.WalletTopic(walletA), protocol.WalletTopic(walletB)},
		"authToken": "user-a",
	})
	frames = drain(t, c)
	acks := ofType(frames, protocol.TypeAcknowledge)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{protocol.WalletTopic(walletA)}, acks[0].Topics)
	require.Len(t, acks[0].Rejected, 1)
	assert.Equal(t, protocol.WalletTopic(walletB), acks[0].Rejected[0].Topic)
	assert.Equal(t, errors.CodeUnauthorized, acks[0].Rejected[0].Code)
	assert.True(t, c.IsSubscribed(protocol.WalletTopic(walletA)))
	assert.False(t, c.IsSubscribed(protocol.WalletTopic(walletB)))

	h.send(t, c, map[string]any{"type": "SUBSCRIBE", "topic": serviceTopic})
	acks = ofType(drain(t, c), protocol.TypeAcknowledge)
	require.Len(t, acks, 1)
	require.Len(t, acks[0].Rejected, 1)
	assert.Equal(t, "UNAUTHORIZED", acks[0].Rejected[0].Error)

	// role admin: service topic with immediate snapshot
	h.send(t, c, map[string]any{"type": "SUBSCRIBE", "topic": serviceTopic, "authToken": "admin-a"})
	frames = drain(t, c)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeAcknowledge, frames[0].Type)
	assert.Equal(t, []string{serviceTopic}, frames[0].Topics)
	assert.Equal(t, protocol.TypeData, frames[1].Type)
	assert.Equal(t, serviceTopic, frames[1].Topic)
	assert.Equal(t, "snapshot", frames[1].Subtype)

	require.NoError(t, h.registry.CheckConsistency())
}

func TestRouter_FailedAuthDoesNotCloseConnection(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	h.send(t, c, map[string]any{
		"type":      "SUBSCRIBE",
		"topics":    []string{protocol.TopicMarketPrice},
		"authToken": "forged",
		"requestId": 7,
	})
	frames := drain(t, c)
	errs := ofType(frames, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "UNAUTHORIZED", errs[0].Error)
	assert.Equal(t, "7", errs[0].RequestID)

	acks := ofType(frames, protocol.TypeAcknowledge)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{protocol.TopicMarketPrice}, acks[0].Topics, "public topics still work")
	assert.False(t, c.Credentials().Authenticated())
	assert.False(t, c.IsClosed())
}

func TestRouter_AuthenticateCommand(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	h.send(t, c, map[string]any{
		"type":      "COMMAND",
		"action":    "authenticate",
		"requestId": "a1",
		"data":      map[string]any{"token": "user-b"},
	})
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeData, frames[0].Type)
	assert.Equal(t, "a1", frames[0].RequestID)
	data := frames[0].Data.(map[string]any)
	assert.Equal(t, true, data["authenticated"])
	assert.Equal(t, walletB, data["identity"])
	assert.Equal(t, walletB, c.Credentials().Identity)
	assert.Len(t, h.registry.IdentityConnections(walletB), 1)

	h.send(t, c, map[string]any{"type": "COMMAND", "action": "authenticate", "authToken": "nope"})
	frames = drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "UNAUTHORIZED", frames[0].Error)
	assert.Equal(t, walletB, c.Credentials().Identity, "failed re-auth keeps the old identity")
}

func TestRouter_ReauthRevokesForeignTopics(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	h.send(t, c, map[string]any{
		"type":      "SUBSCRIBE",
		"topics":    []string{protocol.WalletTopic(walletA), protocol.TopicMarketPrice},
		"authToken": "user-a",
	})
	drain(t, c)
	require.True(t, c.IsSubscribed(protocol.WalletTopic(walletA)))

	h.send(t, c, map[string]any{"type": "COMMAND", "action": "authenticate", "authToken": "user-b"})
	frames := drain(t, c)

	system := ofType(frames, protocol.TypeSystem)
	require.Len(t, system, 1)
	assert.Equal(t, protocol.EventRevoked, system[0].Event)
	assert.False(t, c.IsSubscribed(protocol.WalletTopic(walletA)))
	assert.True(t, c.IsSubscribed(protocol.TopicMarketPrice))
	assert.Equal(t, 1, h.feeds[protocol.KindWallet].releases(protocol.WalletTopic(walletA)))
}

func TestRouter_SelfWalletIsolationOnRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.router.Route(protocol.TypeRequest, protocol.ActionRefreshBalance, func(_ context.Context, call *Call) (any, error) {
		return map[string]any{"wallet": call.Topic.Name}, nil
	}, ForKinds(protocol.KindWallet))

	c := h.connect(t)
	h.send(t, c, map[string]any{
		"type":      "REQUEST",
		"action":    "refreshBalance",
		"topic":     protocol.WalletTopic(walletB),
		"authToken": "user-a",
		"requestId": "r1",
	})
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "UNAUTHORIZED", frames[0].Error)
	assert.Equal(t, "r1", frames[0].RequestID)

	h.send(t, c, map[string]any{
		"type":      "REQUEST",
		"action":    "refreshBalance",
		"topic":     protocol.WalletTopic(walletA),
		"requestId": "r2",
	})
	frames = drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeData, frames[0].Type)
	assert.Equal(t, "response", frames[0].Subtype)
	assert.Equal(t, "refreshBalance", frames[0].Action)
	assert.Equal(t, walletA, frames[0].Data.(map[string]any)["wallet"])
}

func TestRouter_DispatchErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.router.Route(protocol.TypeRequest, protocol.ActionGetBalance, func(context.Context, *Call) (any, error) {
		return 1, nil
	}, ForKinds(protocol.KindWallet))
	h.router.Route(protocol.TypeRequest, protocol.ActionHealthCheck, func(_ context.Context, call *Call) (any, error) {
		return map[string]any{"service": call.Topic.Name}, nil
	}, OpenAccess(), ForKinds(protocol.KindService))
	h.router.Route(protocol.TypeRequest, protocol.ActionGetPrice, func(context.Context, *Call) (any, error) {
		panic("price feed exploded")
	})

	c := h.connect(t)
	cases := []struct {
		name string
		msg  map[string]any
		code string
	}{
		{"unknown action", map[string]any{"type": "REQUEST", "action": "mine"}, "NOT_FOUND"},
		{"missing topic", map[string]any{"type": "REQUEST", "action": "getBalance"}, "INVALID_MESSAGE"},
		{"bad topic", map[string]any{"type": "REQUEST", "action": "getBalance", "topic": "wallet.0OIl"}, "INVALID_MESSAGE"},
		{"wrong kind", map[string]any{"type": "REQUEST", "action": "getBalance", "topic": protocol.TopicMarketPrice}, "INVALID_MESSAGE"},
		{"panic", map[string]any{"type": "REQUEST", "action": "getPrice", "topic": protocol.TopicMarketPrice}, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.send(t, c, tc.msg)
			frames := drain(t, c)
			require.Len(t, frames, 1)
			assert.Equal(t, protocol.TypeError, frames[0].Type)
			assert.Equal(t, tc.code, frames[0].Error)
		})
	}

	h.send(t, c, map[string]any{"type": "REQUEST", "action": "healthCheck", "topic": protocol.ServiceTopic("tokenSync")})
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeData, frames[0].Type, "open routes skip the admin gate")
	assert.False(t, c.IsClosed())
}

func TestRouter_Ping(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	h.send(t, c, map[string]any{"type": "REQUEST", "action": "ping", "requestId": 42})
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "42", frames[0].RequestID)
	assert.Equal(t, true, frames[0].Data.(map[string]any)["pong"])
}

func TestRouter_SubscriptionRateLimitIsPerTopic(t *testing.T) {
	limiter := ratelimit.NewSubscriptionLimiter(100, 2, time.Minute)
	h := newHarness(t, limiter)
	c := h.connect(t)

	h.send(t, c, map[string]any{
		"type":      "SUBSCRIBE",
		"authToken": "admin-a",
		"topics": []string{
			protocol.TopicMarketPrice,
			protocol.TopicServicesAll,
			protocol.TopicAdminAlerts,
		},
	})
	acks := ofType(drain(t, c), protocol.TypeAcknowledge)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{protocol.TopicMarketPrice, protocol.TopicServicesAll}, acks[0].Topics)
	require.Len(t, acks[0].Rejected, 1)
	assert.Equal(t, protocol.TopicAdminAlerts, acks[0].Rejected[0].Topic)
	assert.Equal(t, "RATE_LIMITED", acks[0].Rejected[0].Error)
	assert.False(t, c.IsSubscribed(protocol.TopicAdminAlerts))
}

func TestRouter_UnknownFeedIsNotFound(t *testing.T) {
	registry := NewRegistry(nil, nil)
	out := NewBroadcaster(registry, nil, nil)
	router := NewRouter(registry, out, testAuth(), nil, nil)
	c := NewConnection("a", 8, nil)
	registry.Register(c)

	raw := []byte(`{"type":"SUBSCRIBE","topics":["market.price","nonsense.topic"]}`)
	router.Handle(context.Background(), c, raw)
	acks := ofType(drain(t, c), protocol.TypeAcknowledge)
	require.Len(t, acks, 1)
	require.Len(t, acks[0].Rejected, 2)
	assert.Equal(t, "NOT_FOUND", acks[0].Rejected[0].Error)
	assert.Equal(t, "INVALID_MESSAGE", acks[0].Rejected[1].Error)
}

func TestRouter_UnsubscribeReleasesHandlerOnce(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)
	topic := protocol.WalletTopic(walletA)

	h.send(t, c, map[string]any{"type": "SUBSCRIBE", "topic": topic, "authToken": "user-a"})
	h.send(t, c, map[string]any{"type": "SUBSCRIBE", "topic": topic})
	drain(t, c)
	feed := h.feeds[protocol.KindWallet]
	assert.Equal(t, int32(1), feed.attached.Load(), "resubscribing does not attach twice")

	h.send(t, c, map[string]any{"type": "UNSUBSCRIBE", "topic": topic, "requestId": "u"})
	h.send(t, c, map[string]any{"type": "UNSUBSCRIBE", "topic": topic})
	frames := drain(t, c)
	require.Len(t, frames, 2)
	assert.Equal(t, string(protocol.TypeUnsubscribe), frames[0].Operation)
	assert.Equal(t, []string{topic}, frames[1].Topics, "unsubscribing an absent topic is acknowledged")
	assert.Equal(t, 1, feed.releases(topic))
	assert.Equal(t, 0, h.registry.TopicCount())
}

func TestRouter_SnapshotFailureIsReportedPerTopic(t *testing.T) {
	h := newHarness(t, nil)
	h.feeds[protocol.KindMarketPrice].snapshot = func(protocol.Topic) (any, error) {
		return nil, errors.New(errors.ErrorTypeUpstream, "price", "price source unreachable")
	}
	c := h.connect(t)

	h.send(t, c, map[string]any{"type": "SUBSCRIBE", "topic": protocol.TopicMarketPrice})
	frames := drain(t, c)
	require.Len(t, frames, 2)
	assert.Equal(t, protocol.TypeAcknowledge, frames[0].Type)
	assert.Equal(t, protocol.TypeError, frames[1].Type)
	assert.Equal(t, "UPSTREAM_ERROR", frames[1].Error)
	assert.Equal(t, protocol.TopicMarketPrice, frames[1].Topic)
	assert.True(t, c.IsSubscribed(protocol.TopicMarketPrice), "subscription survives a failed snapshot")
}

func TestRouter_CloseReleasesEveryHandler(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect(t)

	h.send(t, c, map[string]any{
		"type":      "SUBSCRIBE",
		"authToken": "user-a",
		"topics": []string{
			protocol.WalletTopic(walletA),
			protocol.PortfolioTopic(walletA),
			protocol.UserTopic(walletA),
		},
	})
	drain(t, c)

	h.registry.Unregister(c)
	h.registry.Unregister(c)

	walletFeed := h.feeds[protocol.KindWallet]
	assert.Equal(t, int32(2), walletFeed.released.Load())
	assert.Equal(t, int32(1), h.feeds[protocol.KindUser].released.Load())
	assert.Equal(t, 0, h.registry.TopicCount())
	require.NoError(t, h.registry.CheckConsistency())
}

// knownServices rejects service topics it does not know and counts lookups.
type knownServices struct {
	stubFeed
	known   map[string]bool
	lookups atomic.Int32
}

func (f *knownServices) ValidateTopic(topic protocol.Topic) error {
	f.lookups.Add(1)
	if !f.known[topic.Name] {
		return errors.NotFound("subscribe", "unknown service").WithContext("topic", topic.Raw)
	}
	return nil
}

func TestRouter_AccessCheckedBeforeExistence(t *testing.T) {
	registry := NewRegistry(nil, nil)
	out := NewBroadcaster(registry, nil, nil)
	router := NewRouter(registry, out, testAuth(), nil, nil)
	feed := &knownServices{
		stubFeed: stubFeed{kinds: []protocol.Kind{protocol.KindService}},
		known:    map[string]bool{"tokenSync": true},
	}
	router.AddFeed(feed)
	c := NewConnection("a", 8, nil)
	registry.Register(c)

	for _, token := range []string{"", "user-a"} {
		msg := `{"type":"SUBSCRIBE","topics":["service.tokenSync","service.ghost"]}`
		if token != "" {
			msg = `{"type":"SUBSCRIBE","authToken":"` + token + `","topics":["service.tokenSync","service.ghost"]}`
		}
		router.Handle(context.Background(), c, []byte(msg))
		acks := ofType(drain(t, c), protocol.TypeAcknowledge)
		require.Len(t, acks, 1, "token %q", token)
		require.Len(t, acks[0].Rejected, 2)
		for _, rej := range acks[0].Rejected {
			assert.Equal(t, "UNAUTHORIZED", rej.Error, "token %q topic %s", token, rej.Topic)
		}
	}
	assert.Zero(t, feed.lookups.Load(), "existence never consulted for unauthorized callers")

	router.Handle(context.Background(), c, []byte(`{"type":"SUBSCRIBE","authToken":"admin-a","topics":["service.tokenSync","service.ghost"]}`))
	acks := ofType(drain(t, c), protocol.TypeAcknowledge)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{"service.tokenSync"}, acks[0].Topics)
	require.Len(t, acks[0].Rejected, 1)
	assert.Equal(t, "NOT_FOUND", acks[0].Rejected[0].Error)
	assert.Equal(t, int32(2), feed.lookups.Load())
}
