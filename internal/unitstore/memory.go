package unitstore

import (
	"context"
	"sync"
	"time"

	"github.com/Kocoro-lab/reportflow/internal/report"
)

// MemoryStore keeps state in process. It does not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	errors  map[string][]ErrorEntry
	metrics []report.Metrics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		errors:  make(map[string][]ErrorEntry),
	}
}

func (m *MemoryStore) Save(_ context.Context, unitID string, rec Record) error {
	rec.UnitID = unitID
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Sources = append([]string(nil), rec.Sources...)
	m.mu.Lock()
	m.records[unitID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, unitID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[unitID]
	if !ok {
		return nil, nil
	}
	rec.Sources = append([]string(nil), rec.Sources...)
	return &rec, nil
}

func (m *MemoryStore) LogError(_ context.Context, unitID, message string) error {
	m.mu.Lock()
	m.errors[unitID] = append(m.errors[unitID], ErrorEntry{UnitID: unitID, Message: message, CreatedAt: time.Now().UTC()})
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Errors(_ context.Context, unitID string) ([]ErrorEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ErrorEntry(nil), m.errors[unitID]...), nil
}

func (m *MemoryStore) SaveMetrics(_ context.Context, sample report.Metrics) error {
	m.mu.Lock()
	m.metrics = append(m.metrics, sample)
	m.mu.Unlock()
	return nil
}

// Metrics returns every recorded sample.
func (m *MemoryStore) Metrics() []report.Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]report.Metrics(nil), m.metrics...)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
