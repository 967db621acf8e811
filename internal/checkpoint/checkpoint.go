// Package checkpoint stores serialized workflow state keyed by thread and stage.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for the key.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one durable snapshot. Version increases with every Put for
// the same thread; the highest version is the latest position.
type Checkpoint struct {
	ThreadID  string    `db:"thread_id" json:"thread_id"`
	StageName string    `db:"stage_name" json:"stage_name"`
	State     []byte    `db:"state" json:"state"`
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store is durable key-value storage keyed by (threadID, stageName).
type Store interface {
	Put(ctx context.Context, threadID, stageName string, state []byte) (*Checkpoint, error)
	Get(ctx context.Context, threadID, stageName string) (*Checkpoint, error)
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
	Delete(ctx context.Context, threadID string) error
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process Store for tests and single-run use.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]map[string]Checkpoint
	version map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]map[string]Checkpoint),
		version: make(map[string]int64),
	}
}

func (m *MemoryStore) Put(_ context.Context, threadID, stageName string, state []byte) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version[threadID]++
	cp := Checkpoint{
		ThreadID:  threadID,
		StageName: stageName,
		State:     append([]byte(nil), state...),
		Version:   m.version[threadID],
		CreatedAt: time.Now().UTC(),
	}
	if m.threads[threadID] == nil {
		m.threads[threadID] = make(map[string]Checkpoint)
	}
	m.threads[threadID][stageName] = cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, threadID, stageName string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.threads[threadID][stageName]
	if !ok {
		return nil, ErrNotFound
	}
	cp.State = append([]byte(nil), cp.State...)
	return &cp, nil
}

func (m *MemoryStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Checkpoint
	for _, cp := range m.threads[threadID] {
		if latest == nil || cp.Version > latest.Version {
			c := cp
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	latest.State = append([]byte(nil), latest.State...)
	return latest, nil
}

func (m *MemoryStore) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	delete(m.version, threadID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
