package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/janovincze/tidings/internal/ingest/pipeline"
	"github.com/janovincze/tidings/internal/ingest/scheduler"
)

// PingChecker reports a dependency reachable through a ping function, such
// as the broker, a database or an object store.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker named name around ping.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// Name implements Checker.
func (c *PingChecker) Name() string { return c.name }

// Check implements Checker.
func (c *PingChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.name}
	if err := c.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "unreachable"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "reachable"
	return result
}

// SchedulerView is the part of the scheduler the checker reads.
type SchedulerView interface {
	IsRunning() bool
	Status() []scheduler.SourceStatus
}

// SchedulerChecker is unhealthy when the scheduler is not running and
// degraded when a source's last run failed.
type SchedulerChecker struct {
	scheduler SchedulerView
}

// NewSchedulerChecker creates a scheduler checker.
func NewSchedulerChecker(s SchedulerView) *SchedulerChecker {
	return &SchedulerChecker{scheduler: s}
}

// Name implements Checker.
func (c *SchedulerChecker) Name() string { return "scheduler" }

// Check implements Checker.
func (c *SchedulerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name()}
	if !c.scheduler.IsRunning() {
		result.Status = StatusUnhealthy
		result.Message = "scheduler is not running"
		return result
	}

	var failing []string
	sources := c.scheduler.Status()
	for _, st := range sources {
		if st.LastError != "" {
			failing = append(failing, st.SourceID)
		}
	}
	if len(failing) > 0 {
		result.Status = StatusDegraded
		result.Message = "last run failed for: " + strings.Join(failing, ", ")
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d sources scheduled", len(sources))
	return result
}

// WorkerView is the part of a stage worker the checker reads.
type WorkerView interface {
	State() pipeline.State
}

// WorkerChecker is healthy while its stage worker is running.
type WorkerChecker struct {
	name   string
	worker WorkerView
}

// NewWorkerChecker creates a checker for one stage worker.
func NewWorkerChecker(name string, w WorkerView) *WorkerChecker {
	return &WorkerChecker{name: name, worker: w}
}

// Name implements Checker.
func (c *WorkerChecker) Name() string { return c.name }

// Check implements Checker.
func (c *WorkerChecker) Check(ctx context.Context) CheckResult {
	state := c.worker.State()
	result := CheckResult{Name: c.name, Message: state.String()}
	switch state {
	case pipeline.StateRunning:
		result.Status = StatusHealthy
	case pipeline.StateStarting, pipeline.StateStopping:
		result.Status = StatusDegraded
	default:
		result.Status = StatusUnhealthy
	}
	return result
}

var (
	_ Checker = (*PingChecker)(nil)
	_ Checker = (*SchedulerChecker)(nil)
	_ Checker = (*WorkerChecker)(nil)
)
