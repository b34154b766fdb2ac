package postgres

import (
	"encoding/json"
	"time"
)

// Notification is one user notification and its delivery state
type Notification struct {
	ID          int64           `db:"id" json:"id"`
	Identity    string          `db:"identity" json:"identity"`
	Kind        string          `db:"kind" json:"kind"`
	Title       string          `db:"title" json:"title"`
	Body        string          `db:"body" json:"body"`
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"`
	Delivered   bool            `db:"delivered" json:"delivered"`
	DeliveredAt *time.Time      `db:"delivered_at" json:"deliveredAt,omitempty"`
	Read        bool            `db:"read" json:"read"`
	ReadAt      *time.Time      `db:"read_at" json:"readAt,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

// Filter selects notifications. Zero fields do not filter.
type Filter struct {
	Identity      string
	Delivered     *bool
	Read          *bool
	IDs           []int64
	CreatedBefore time.Time
	Limit         int
}

// IsEmpty reports whether the filter selects every row
func (f Filter) IsEmpty() bool {
	return f.Identity == "" && f.Delivered == nil && f.Read == nil &&
		len(f.IDs) == 0 && f.CreatedBefore.IsZero()
}

// Patch is the change UpdateMany applies. Setting a flag also stamps its
// timestamp with At.
type Patch struct {
	Delivered *bool
	Read      *bool
	At        time.Time
}

// Bool returns a pointer to b for filters and patches
func Bool(b bool) *bool {
	return &b
}
