package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

// Register adds or replaces a checker by name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
	m.logger.Info("Registered health checker", zap.String("name", c.Name()), zap.Bool("critical", c.IsCritical()))
}

// Check runs every checker concurrently. The service is ready unless a
// critical check is unhealthy; non-critical failures only degrade it.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		m.mu.RLock()
		c := m.checkers[name]
		m.mu.RUnlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	ready := true
	report := Report{Components: make(map[string]CheckResult, len(names)), Timestamp: time.Now()}
	for i, res := range results {
		report.Components[names[i]] = res
		switch {
		case res.status == StatusUnhealthy && res.Critical:
			overall = StatusUnhealthy
			ready = false
			m.logger.Warn("Critical health check failed", zap.String("name", names[i]), zap.String("error", res.Error))
		case res.status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	report.Status = overall.String()
	report.Ready = ready
	return report
}
