package health

import (
	"context"
	"time"
)

// Pinger is satisfied by the unit store, the checkpoint stores and redis
// clients wrapped with PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingChecker reports a dependency healthy when Ping succeeds, degraded
// when it succeeds slower than slow.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
	timeout  time.Duration
	slow     time.Duration
}

func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical, timeout: 5 * time.Second, slow: 200 * time.Millisecond}
}

func (p *PingChecker) Name() string     { return p.name }
func (p *PingChecker) IsCritical() bool { return p.critical }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.target.Ping(ctx)
	res := CheckResult{Component: p.name, Critical: p.critical, Duration: time.Since(start)}
	switch {
	case err != nil:
		res.status = StatusUnhealthy
		res.Error = err.Error()
		res.Message = p.name + " ping failed"
	case res.Duration > p.slow:
		res.status = StatusDegraded
		res.Message = p.name + " responding with high latency"
	default:
		res.status = StatusHealthy
	}
	res.Status = res.status.String()
	return res
}
