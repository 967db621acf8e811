// Package unitstore persists per-unit research state so an interrupted run
// can be resumed without redoing finished units.
package unitstore

import (
	"context"
	"sync"
	"time"

	"github.com/Kocoro-lab/reportflow/internal/report"
)

// Record is the persisted state of one unit.
type Record struct {
	UnitID        string            `db:"unit_id" json:"unit_id"`
	Status        report.UnitStatus `db:"status" json:"status"`
	Content       string            `db:"content" json:"content"`
	Sources       []string          `db:"-" json:"sources,omitempty"`
	FailureReason string            `db:"failure_reason" json:"failure_reason,omitempty"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updated_at"`
}

// RecordFromUnit snapshots u.
func RecordFromUnit(u report.Unit) Record {
	return Record{
		UnitID:        u.ID,
		Status:        u.Status,
		Content:       u.Content,
		Sources:       append([]string(nil), u.Sources...),
		FailureReason: u.FailureReason,
		UpdatedAt:     u.UpdatedAt,
	}
}

// ErrorEntry is one line of a unit's append-only error log.
type ErrorEntry struct {
	UnitID    string    `db:"unit_id" json:"unit_id"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store is the unit state store. Save overwrites; LogError and SaveMetrics append.
// Load returns (nil, nil) when nothing was saved for unitID.
type Store interface {
	Save(ctx context.Context, unitID string, rec Record) error
	Load(ctx context.Context, unitID string) (*Record, error)
	LogError(ctx context.Context, unitID, message string) error
	Errors(ctx context.Context, unitID string) ([]ErrorEntry, error)
	SaveMetrics(ctx context.Context, m report.Metrics) error
	Ping(ctx context.Context) error
	Close() error
}

// keyedMutex serializes writers per unit id without cross-unit contention.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
