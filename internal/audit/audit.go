// Package audit keeps the append-only trail of operator actions taken
// through the gateway: health checks and circuit-breaker resets.
package audit

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/vadiminshakov/gowal"

	"github.com/bardlex/wsgate/pkg/errors"
)

const (
	defaultDir     = "./data/audit"
	segmentLimit   = 1000
	maxSegments    = 100
	entryKeyPrefix = "audit_"
)

// Actions recorded in the trail
const (
	ActionHealthCheck = "healthCheck"
	ActionReset       = "resetCircuitBreaker"
)

// Outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeDenied  = "denied"
)

// Entry is one audited action.
type Entry struct {
	Service   string    `json:"service"`
	Requester string    `json:"requester"`
	Role      string    `json:"role"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Record is an entry together with its position in the log.
type Record struct {
	Index uint64
	Entry Entry
}

// Log persists entries in a write-ahead log in sync-disk mode.
type Log struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// Open initializes a WAL-backed trail under dir. Existing entries are kept.
func Open(dir string) (*Log, error) {
	if dir == "" {
		dir = defaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "audit_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "audit_open", "failed to open audit log").
			WithContext("dir", dir)
	}
	return &Log{wal: wal}, nil
}

// Record appends entry. A zero At is stamped with the current time.
func (l *Log) Record(entry Entry) error {
	if l == nil || l.wal == nil {
		return errors.New(errors.ErrorTypeInternal, "audit_record", "audit log is not initialized")
	}
	if entry.Service == "" || entry.Action == "" {
		return errors.New(errors.ErrorTypeValidation, "audit_record", "service and action are required")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "audit_record", "failed to encode entry")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.wal.CurrentIndex() + 1
	if err := l.wal.Write(next, entryKeyPrefix+entry.Service, payload); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "audit_record", "failed to append entry").
			WithContext("service", entry.Service)
	}
	return nil
}

// Entries returns every entry written after index, oldest first.
func (l *Log) Entries(after uint64) ([]Record, error) {
	if l == nil || l.wal == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "audit_entries", "audit log is not initialized")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	current := l.wal.CurrentIndex()
	if current <= after {
		return nil, nil
	}

	out := make([]Record, 0, current-after)
	for idx := after + 1; idx <= current; idx++ {
		key, payload, err := l.wal.Get(idx)
		if err != nil || !strings.HasPrefix(key, entryKeyPrefix) {
			continue
		}
		var e Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "audit_entries", "corrupt audit entry").
				WithContext("index", idx)
		}
		out = append(out, Record{Index: idx, Entry: e})
	}
	return out, nil
}

// CurrentIndex returns the index of the newest entry.
func (l *Log) CurrentIndex() uint64 {
	if l == nil || l.wal == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (l *Log) Close() error {
	if l == nil || l.wal == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wal.Close()
}
