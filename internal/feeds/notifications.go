package feeds

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/wsgate/internal/database/postgres"
	"github.com/bardlex/wsgate/internal/gateway"
	"github.com/bardlex/wsgate/internal/protocol"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/log"
)

const (
	subtypeNotification = "notification"
	subtypeUnreadCount  = "unreadCount"

	pollBatch         = 500
	defaultListLimit  = 50
	maxListLimit      = 200
	snapshotListLimit = 20
)

// NotificationStore persists notifications. postgres.NotificationRepository
// satisfies it.
type NotificationStore interface {
	FindMany(ctx context.Context, filter postgres.Filter) ([]*postgres.Notification, error)
	UpdateMany(ctx context.Context, filter postgres.Filter, patch postgres.Patch) (int64, error)
	DeleteMany(ctx context.Context, filter postgres.Filter) (int64, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
	UnreadCount(ctx context.Context, identity string) (int, error)
}

// NotificationIntervals configures the background passes.
type NotificationIntervals struct {
	Poll      time.Duration
	Unread    time.Duration
	Prune     time.Duration
	Retention time.Duration
}

// UnreadView is the unread counter of an identity.
type UnreadView struct {
	Identity string `json:"identity"`
	Unread   int    `json:"unread"`
}

// InboxView is the snapshot of a user topic.
type InboxView struct {
	Identity      string                   `json:"identity"`
	Unread        int                      `json:"unread"`
	Notifications []*postgres.Notification `json:"notifications"`
}

// NotificationFeed serves user topics. Undelivered notifications are pushed
// to subscribed identities and marked delivered whether or not anyone was
// listening.
type NotificationFeed struct {
	store     NotificationStore
	out       *gateway.Broadcaster
	intervals NotificationIntervals
	logger    *log.Logger
	now       func() time.Time
}

// NewNotificationFeed creates the notification feed.
func NewNotificationFeed(store NotificationStore, out *gateway.Broadcaster, intervals NotificationIntervals, logger *log.Logger) *NotificationFeed {
	if logger == nil {
		logger = log.Nop()
	}
	return &NotificationFeed{
		store:     store,
		out:       out,
		intervals: intervals,
		logger:    logger.WithComponent("notification_feed"),
		now:       time.Now,
	}
}

// SetClock replaces the time source used by pruning and delivery stamps.
func (f *NotificationFeed) SetClock(now func() time.Time) {
	f.now = now
}

// Kinds implements gateway.Feed.
func (f *NotificationFeed) Kinds() []protocol.Kind {
	return []protocol.Kind{protocol.KindUser}
}

// Snapshot implements gateway.Feed: the unread count and latest unread
// notifications.
func (f *NotificationFeed) Snapshot(ctx context.Context, c *gateway.Connection, topic protocol.Topic) (any, error) {
	if err := ownTopic(c, topic); err != nil {
		return nil, err
	}
	unread, err := f.store.UnreadCount(ctx, topic.Name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "notification_snapshot", "notification store failed")
	}
	list, err := f.store.FindMany(ctx, postgres.Filter{Identity: topic.Name, Read: postgres.Bool(false), Limit: snapshotListLimit})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "notification_snapshot", "notification store failed")
	}
	return &InboxView{Identity: topic.Name, Unread: unread, Notifications: nonNil(list)}, nil
}

// Poll pushes undelivered notifications to their identities and marks them
// delivered. It returns how many were marked.
func (f *NotificationFeed) Poll(ctx context.Context) (int64, error) {
	pending, err := f.store.FindMany(ctx, postgres.Filter{Delivered: postgres.Bool(false), Limit: pollBatch})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(pending))
	pushed := 0
	for _, n := range pending {
		ids = append(ids, n.ID)
		topic := protocol.UserTopic(n.Identity)
		if f.out.HasSubscribers(topic) {
			pushed += f.out.Publish(topic, subtypeNotification, n)
		}
	}

	marked, err := f.store.UpdateMany(ctx, postgres.Filter{IDs: ids}, postgres.Patch{Delivered: postgres.Bool(true), At: f.now()})
	if err != nil {
		return 0, err
	}
	f.logger.Debug("notifications delivered", "pending", len(pending), "pushed", pushed, "marked", marked)
	return marked, nil
}

// PushUnreadCounts sends the unread counter to every identity subscribed to
// its user topic.
func (f *NotificationFeed) PushUnreadCounts(ctx context.Context) (int, error) {
	identities := f.out.Registry().SubscribedIdentities(protocol.UserTopic)
	if len(identities) == 0 {
		return 0, nil
	}
	counts, err := f.store.UnreadCounts(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, identity := range identities {
		sent += f.out.Publish(protocol.UserTopic(identity), subtypeUnreadCount,
			UnreadView{Identity: identity, Unread: counts[identity]})
	}
	return sent, nil
}

// Prune deletes delivered and read notifications past the retention window.
func (f *NotificationFeed) Prune(ctx context.Context) (int64, error) {
	cutoff := f.now().Add(-f.intervals.Retention)
	n, err := f.store.DeleteMany(ctx, postgres.Filter{
		Delivered:     postgres.Bool(true),
		Read:          postgres.Bool(true),
		CreatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		f.logger.Info("pruned notifications", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run drives the poll, unread and prune passes until ctx is done. A failing
// pass is logged and retried on its next tick.
func (f *NotificationFeed) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	loop := func(name string, every time.Duration, pass func(context.Context) error) {
		g.Go(func() error {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := pass(ctx); err != nil {
						f.logger.WithError(err).Warn("notification pass failed", "pass", name)
					}
				}
			}
		})
	}

	loop("poll", f.intervals.Poll, func(ctx context.Context) error {
		_, err := f.Poll(ctx)
		return err
	})
	loop("unread", f.intervals.Unread, func(ctx context.Context) error {
		_, err := f.PushUnreadCounts(ctx)
		return err
	})
	loop("prune", f.intervals.Prune, func(ctx context.Context) error {
		_, err := f.Prune(ctx)
		return err
	})
	return g.Wait()
}

// Mount registers the notification feed and its actions on r.
func (f *NotificationFeed) Mount(r *gateway.Router) {
	r.AddFeed(f)
	r.Route(protocol.TypeRequest, protocol.ActionGetNotifications, f.handleList, gateway.ForKinds(protocol.KindUser))
	r.Route(protocol.TypeRequest, protocol.ActionGetUnreadCount, f.handleUnread, gateway.ForKinds(protocol.KindUser))
	r.Route(protocol.TypeCommand, protocol.ActionMarkNotificationsRead, f.handleMarkRead, gateway.ForKinds(protocol.KindUser))
}

type listRequest struct {
	Limit      int  `json:"limit"`
	UnreadOnly bool `json:"unreadOnly"`
}

func (f *NotificationFeed) handleList(ctx context.Context, call *gateway.Call) (any, error) {
	if err := ownTopic(call.Conn, call.Topic); err != nil {
		return nil, err
	}
	var req listRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	switch {
	case req.Limit <= 0:
		req.Limit = defaultListLimit
	case req.Limit > maxListLimit:
		req.Limit = maxListLimit
	}

	filter := postgres.Filter{Identity: call.Topic.Name, Limit: req.Limit}
	if req.UnreadOnly {
		filter.Read = postgres.Bool(false)
	}
	list, err := f.store.FindMany(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "get_notifications", "notification store failed")
	}
	return map[string]any{"notifications": nonNil(list)}, nil
}

func (f *NotificationFeed) handleUnread(ctx context.Context, call *gateway.Call) (any, error) {
	if err := ownTopic(call.Conn, call.Topic); err != nil {
		return nil, err
	}
	n, err := f.store.UnreadCount(ctx, call.Topic.Name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "get_unread_count", "notification store failed")
	}
	return UnreadView{Identity: call.Topic.Name, Unread: n}, nil
}

type markReadRequest struct {
	IDs []int64 `json:"ids"`
	All bool    `json:"all"`
}

// handleMarkRead marks the listed notifications, or all of them, read. The
// filter always carries the caller's identity so foreign ids match nothing.
func (f *NotificationFeed) handleMarkRead(ctx context.Context, call *gateway.Call) (any, error) {
	if err := ownTopic(call.Conn, call.Topic); err != nil {
		return nil, err
	}
	var req markReadRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	if !req.All && len(req.IDs) == 0 {
		return nil, errors.InvalidMessage("mark_notifications_read", "ids or all is required")
	}

	identity := call.Topic.Name
	filter := postgres.Filter{Identity: identity, Read: postgres.Bool(false)}
	if !req.All {
		filter.IDs = req.IDs
	}
	updated, err := f.store.UpdateMany(ctx, filter, postgres.Patch{Read: postgres.Bool(true), At: f.now()})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "mark_notifications_read", "notification store failed")
	}

	unread, err := f.store.UnreadCount(ctx, identity)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "mark_notifications_read", "notification store failed")
	}
	f.out.Publish(protocol.UserTopic(identity), subtypeUnreadCount, UnreadView{Identity: identity, Unread: unread})
	return map[string]any{"updated": updated, "unread": unread}, nil
}

func nonNil(list []*postgres.Notification) []*postgres.Notification {
	if list == nil {
		return []*postgres.Notification{}
	}
	return list
}
