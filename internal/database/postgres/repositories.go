package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/wsgate/pkg/circuit"
	"github.com/bardlex/wsgate/pkg/errors"
	"github.com/bardlex/wsgate/pkg/retry"
)

const notificationColumns = `id, identity, kind, title, body, payload, delivered, delivered_at, read, read_at, created_at`

// NotificationRepository handles notification persistence. Every call goes
// through the store's circuit breaker.
type NotificationRepository struct {
	db          *sql.DB
	breaker     *circuit.Breaker
	retryConfig *retry.Config
}

// NewNotificationRepository creates a new notification repository. A nil
// breaker gets a private one.
func NewNotificationRepository(db *sql.DB, breaker *circuit.Breaker) *NotificationRepository {
	if breaker == nil {
		breaker = circuit.New(nil)
	}
	return &NotificationRepository{
		db:          db,
		breaker:     breaker,
		retryConfig: retry.DatabaseConfig(),
	}
}

// where renders the filter as a WHERE clause, numbering placeholders after
// the args already bound.
func (f Filter) where(args []any) (string, []any) {
	var clauses []string
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Identity != "" {
		add("identity = $%d", f.Identity)
	}
	if f.Delivered != nil {
		add("delivered = $%d", *f.Delivered)
	}
	if f.Read != nil {
		add("read = $%d", *f.Read)
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", pq.Array(f.IDs))
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Create stores a new notification
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (identity, kind, title, body, payload, delivered, read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, false, $6)
		RETURNING id`

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload := []byte(n.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	return r.breaker.Execute(ctx, func() error {
		err := r.db.QueryRowContext(ctx, query,
			n.Identity, n.Kind, n.Title, n.Body, payload, n.CreatedAt,
		).Scan(&n.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "create_notification",
				"failed to create notification").
				WithContext("identity", n.Identity)
		}
		return nil
	})
}

// FindMany returns the notifications matching filter, oldest first
func (r *NotificationRepository) FindMany(ctx context.Context, filter Filter) ([]*Notification, error) {
	where, args := filter.where(nil)
	query := `SELECT ` + notificationColumns + ` FROM notifications` + where + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return circuit.ExecuteWithResult(ctx, r.breaker, func() ([]*Notification, error) {
		return retry.DoWithResult(ctx, r.retryConfig, func() ([]*Notification, error) {
			rows, err := r.db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "find_notifications",
					"failed to query notifications")
			}
			defer rows.Close()

			var out []*Notification
			for rows.Next() {
				n := &Notification{}
				var payload []byte
				if err := rows.Scan(
					&n.ID, &n.Identity, &n.Kind, &n.Title, &n.Body, &payload,
					&n.Delivered, &n.DeliveredAt, &n.Read, &n.ReadAt, &n.CreatedAt,
				); err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "find_notifications",
						"failed to scan notification")
				}
				n.Payload = payload
				out = append(out, n)
			}
			if err := rows.Err(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "find_notifications",
					"failed to iterate notifications")
			}
			return out, nil
		})
	})
}

// UpdateMany applies patch to every notification matching filter and
// returns the number of rows changed
func (r *NotificationRepository) UpdateMany(ctx context.Context, filter Filter, patch Patch) (int64, error) {
	at := patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var sets []string
	var args []any
	set := func(column string, flag bool) {
		var stamp any
		if flag {
			stamp = at
		}
		args = append(args, flag, stamp)
		sets = append(sets, fmt.Sprintf("%s = $%d, %s_at = $%d", column, len(args)-1, column, len(args)))
	}
	if patch.Delivered != nil {
		set("delivered", *patch.Delivered)
	}
	if patch.Read != nil {
		set("read", *patch.Read)
	}
	if len(sets) == 0 {
		return 0, errors.New(errors.ErrorTypeValidation, "update_notifications", "empty patch")
	}

	where, args := filter.where(args)
	query := `UPDATE notifications SET ` + strings.Join(sets, ", ") + where

	return r.execRows(ctx, "update_notifications", query, args)
}

// DeleteMany removes the notifications matching filter. An empty filter is
// refused.
func (r *NotificationRepository) DeleteMany(ctx context.Context, filter Filter) (int64, error) {
	if filter.IsEmpty() {
		return 0, errors.New(errors.ErrorTypeValidation, "delete_notifications", "refusing to delete without a filter")
	}
	where, args := filter.where(nil)
	return r.execRows(ctx, "delete_notifications", `DELETE FROM notifications`+where, args)
}

func (r *NotificationRepository) execRows(ctx context.Context, op, query string, args []any) (int64, error) {
	return circuit.ExecuteWithResult(ctx, r.breaker, func() (int64, error) {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeDatabase, op, "failed to execute statement")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeDatabase, op, "failed to read affected rows")
		}
		return n, nil
	})
}

// UnreadCounts returns the number of unread notifications per identity
func (r *NotificationRepository) UnreadCounts(ctx context.Context) (map[string]int, error) {
	query := `SELECT identity, COUNT(*) FROM notifications WHERE read = false GROUP BY identity`

	return circuit.ExecuteWithResult(ctx, r.breaker, func() (map[string]int, error) {
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "unread_counts",
				"failed to count unread notifications")
		}
		defer rows.Close()

		counts := make(map[string]int)
		for rows.Next() {
			var identity string
			var count int
			if err := rows.Scan(&identity, &count); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "unread_counts",
					"failed to scan unread count")
			}
			counts[identity] = count
		}
		return counts, rows.Err()
	})
}

// UnreadCount returns the number of unread notifications of one identity
func (r *NotificationRepository) UnreadCount(ctx context.Context, identity string) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE identity = $1 AND read = false`

	return circuit.ExecuteWithResult(ctx, r.breaker, func() (int, error) {
		var count int
		if err := r.db.QueryRowContext(ctx, query, identity).Scan(&count); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "unread_count",
				"failed to count unread notifications").
				WithContext("identity", identity)
		}
		return count, nil
	})
}
