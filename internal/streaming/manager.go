package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/metrics"
)

// Event types published during a run.
const (
	EventPlanReviewRequested = "plan_review_requested"
	EventReviewLimitReached  = "review_limit_reached"
	EventApprovalDecision    = "approval_decision"
	EventApprovalTimeout     = "approval_timeout"
	EventUnitProgress        = "unit_progress"
	EventUnitFailed          = "unit_failed"
	EventReportCompiled      = "report_compiled"
	EventWorkflowSuspended   = "workflow_suspended"
	EventWorkflowFailed      = "workflow_failed"
)

// Event is one progress or review notification for a thread.
type Event struct {
	ThreadID  string         `json:"thread_id"`
	Type      string         `json:"type"`
	UnitID    string         `json:"unit_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Marshal returns JSON for event payloads in websocket frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides per-thread pub/sub with a replay ring and an optional
// Redis Streams mirror for consumers in other processes.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	retention   time.Duration

	redis  redis.UniversalClient
	maxLen int64
	prefix string
	logger *zap.Logger
}

// NewManager creates a manager keeping up to capacity events per thread.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retention:   5 * time.Minute,
		prefix:      "reportflow:events",
		logger:      logger,
	}
}

// MirrorTo additionally appends every event to a capped Redis stream per thread.
func (m *Manager) MirrorTo(client redis.UniversalClient, maxLen int64) *Manager {
	if maxLen <= 0 {
		maxLen = 1000
	}
	m.redis = client
	m.maxLen = maxLen
	return m
}

// WithRetention sets how long a thread's history and subscribers outlive its
// terminal event. Zero keeps them until Close.
func (m *Manager) WithRetention(d time.Duration) *Manager {
	m.retention = d
	return m
}

func (m *Manager) streamKey(threadID string) string { return m.prefix + ":" + threadID }

// Subscribe adds a subscriber channel for threadID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(threadID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[threadID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[threadID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(threadID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[threadID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, threadID)
		}
	}
}

// Publish assigns the next sequence number, records the event for replay and
// fans it out without blocking on slow subscribers.
func (m *Manager) Publish(threadID string, evt Event) Event {
	evt.ThreadID = threadID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[threadID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[threadID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	for ch := range m.subscribers[threadID] {
		select {
		case ch <- evt:
		default:
			// drop for slow subscribers; they can replay by sequence
		}
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
	m.mirror(evt)
	if m.retention > 0 && terminal(evt.Type) {
		seq := evt.Seq
		time.AfterFunc(m.retention, func() { m.expire(threadID, seq) })
	}
	return evt
}

func terminal(eventType string) bool {
	return eventType == EventReportCompiled || eventType == EventWorkflowFailed
}

// expire closes the thread unless it published again after seq, as a
// resumed run does.
func (m *Manager) expire(threadID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rg := m.history[threadID]; rg == nil || rg.nextSeq != seq {
		return
	}
	m.logger.Debug("Expiring finished thread events", zap.String("thread_id", threadID))
	m.closeLocked(threadID)
}

func (m *Manager) mirror(evt Event) {
	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: m.streamKey(evt.ThreadID),
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]any{
			"seq":     strconv.FormatUint(evt.Seq, 10),
			"type":    evt.Type,
			"payload": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to mirror event to Redis",
			zap.String("thread_id", evt.ThreadID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
	}
}

// Notify implements the review channel: fire-and-forget publish of a typed payload.
func (m *Manager) Notify(_ context.Context, threadID, eventType string, data map[string]any) error {
	m.Publish(threadID, Event{Type: eventType, Data: data})
	return nil
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(threadID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[threadID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ReadMirror reads events with Seq > since back from the Redis stream.
func (m *Manager) ReadMirror(ctx context.Context, threadID string, since uint64) ([]Event, error) {
	if m.redis == nil {
		return nil, nil
	}
	msgs, err := m.redis.XRange(ctx, m.streamKey(threadID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	var out []Event
	for _, msg := range msgs {
		raw, _ := msg.Values["payload"].(string)
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Close drops all history and subscribers for threadID.
func (m *Manager) Close(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(threadID)
}

func (m *Manager) closeLocked(threadID string) {
	for ch := range m.subscribers[threadID] {
		close(ch)
	}
	delete(m.subscribers, threadID)
	delete(m.history, threadID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
