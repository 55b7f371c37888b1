// Package health runs periodic component checks (store, redis, circuit
// breakers) and derives an overall service status for the admin API.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/examlink/sebconn/logger"
	"github.com/examlink/sebconn/pkg/circuitbreaker"
	"github.com/examlink/sebconn/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health
	Enabled  bool

	// Fields below are protected by mu
	mu         sync.RWMutex
	LastCheck  time.Time
	LastError  error
	Status     ComponentStatus
	CheckCount int
	FailCount  int
}

type HealthMonitor struct {
	checks          map[string]*HealthCheck
	mu              sync.RWMutex
	overallStatus   ComponentStatus
	ctx             context.Context
	cancel          context.CancelFunc
	statusCallbacks []func(name string, status ComponentStatus)
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:          make(map[string]*HealthCheck),
		overallStatus:   StatusHealthy,
		statusCallbacks: make([]func(string, ComponentStatus), 0),
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.Status = StatusHealthy
	check.Enabled = true

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddStatusCallback(callback func(name string, status ComponentStatus)) {
	hm.mu.Lock()
	hm.statusCallbacks = append(hm.statusCallbacks, callback)
	hm.mu.Unlock()
}

// OnRecovery calls fn each time the named check reports healthy after
// failing at least once since the previous call.
func (hm *HealthMonitor) OnRecovery(name string, fn func()) {
	var mu sync.Mutex
	seenFailures := 0
	hm.AddStatusCallback(func(checkName string, status ComponentStatus) {
		if checkName != name || status != StatusHealthy {
			return
		}
		failures := hm.failCount(name)
		mu.Lock()
		recovered := failures > seenFailures
		seenFailures = failures
		mu.Unlock()
		if recovered {
			logger.Info("Health: component recovered", "check", name)
			fn()
		}
	})
}

func (hm *HealthMonitor) failCount(name string) int {
	hm.mu.RLock()
	check, ok := hm.checks[name]
	hm.mu.RUnlock()
	if !ok {
		return 0
	}
	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.FailCount
}

func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	for _, check := range hm.checks {
		if check.Enabled {
			go hm.runHealthCheck(check)
		}
	}
	hm.mu.RUnlock()
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
}

func (hm *HealthMonitor) runHealthCheck(check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health: monitoring started", "check", check.Name, "interval", check.Interval)

	// The first check waits one interval so startup does not race the components.
	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(check)
		}
	}
}

func (hm *HealthMonitor) performCheck(check *HealthCheck) {
	// Recover from panics within a health check to prevent the monitor goroutine from crashing.
	defer func() {
		if r := recover(); r != nil {
			// A panic is a critical failure, so we mark the component as unhealthy.
			err := fmt.Errorf("panic: %v", r)
			logger.Error("Health: panic during check", "check", check.Name, "error", err)

			check.mu.Lock()
			check.Status = StatusUnhealthy
			check.LastError = err
			check.mu.Unlock()

			hm.notifyStatusChange(check.Name, StatusUnhealthy)
			hm.updateOverallStatus()
		}
	}()

	parent := hm.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, check.Timeout)
	defer cancel()

	startTime := time.Now()
	err := check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(startTime).Seconds())

	check.mu.Lock()
	check.CheckCount++
	check.LastCheck = time.Now()
	previousStatus := check.Status
	isFirstCheck := check.CheckCount == 1

	if err != nil {
		check.FailCount++
		check.LastError = err

		failureRate := float64(check.FailCount) / float64(check.CheckCount)

		// If failure rate is high, mark as unhealthy. Otherwise, a single
		// failure will result in a 'degraded' state.
		if failureRate >= 0.5 {
			check.Status = StatusUnhealthy
		} else {
			check.Status = StatusDegraded
		}

		logger.Warn("Health: check failed", "check", check.Name, "error", err, "status", check.Status, "failure_rate", failureRate)
	} else {
		check.LastError = nil
		// A successful check transitions the state back to healthy.
		check.Status = StatusHealthy
	}

	currentStatus := check.Status
	check.mu.Unlock()

	var statusValue float64
	switch currentStatus {
	case StatusHealthy:
		statusValue = 3
	case StatusDegraded:
		statusValue = 2
	case StatusUnhealthy:
		statusValue = 1
	case StatusUnreachable:
		statusValue = 0
	}
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue)

	if previousStatus != currentStatus || isFirstCheck {
		logger.Info("Health: check status", "check", check.Name, "from", previousStatus, "to", currentStatus)
		hm.notifyStatusChange(check.Name, currentStatus)
	}

	hm.updateOverallStatus()
}

func (hm *HealthMonitor) notifyStatusChange(name string, status ComponentStatus) {
	hm.mu.RLock()
	callbacks := make([]func(string, ComponentStatus), len(hm.statusCallbacks))
	copy(callbacks, hm.statusCallbacks)
	hm.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(name, status)
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalUnhealthy, criticalDegraded bool
	var anyDegraded bool

	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.Status
		critical := check.Critical
		check.mu.RUnlock()

		if critical {
			switch status {
			case StatusUnhealthy, StatusUnreachable:
				criticalUnhealthy = true
			case StatusDegraded:
				criticalDegraded = true
			}
		}

		if status == StatusDegraded {
			anyDegraded = true
		}
	}

	previousStatus := hm.overallStatus

	switch {
	case criticalUnhealthy:
		hm.overallStatus = StatusUnhealthy
	case criticalDegraded || anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}

	if previousStatus != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previousStatus, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()

	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	status := check.Status
	check.mu.RUnlock()

	return status, true
}

func (hm *HealthMonitor) IsHealthy(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && status == StatusHealthy
}

func (hm *HealthMonitor) IsDegraded(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && status == StatusDegraded
}

func (hm *HealthMonitor) IsUnhealthy(name string) bool {
	status, exists := hm.GetCheckStatus(name)
	return exists && (status == StatusUnhealthy || status == StatusUnreachable)
}

// CheckResult is a point-in-time view of one check for reporting.
type CheckResult struct {
	Name       string          `json:"name"`
	Status     ComponentStatus `json:"status"`
	Critical   bool            `json:"critical"`
	LastCheck  time.Time       `json:"last_check"`
	LastError  string          `json:"last_error,omitempty"`
	CheckCount int             `json:"check_count"`
	FailCount  int             `json:"fail_count"`
}

// Snapshot returns the state of every registered check.
func (hm *HealthMonitor) Snapshot() []CheckResult {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mu.RUnlock()

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		check.mu.RLock()
		r := CheckResult{
			Name:       check.Name,
			Status:     check.Status,
			Critical:   check.Critical,
			LastCheck:  check.LastCheck,
			CheckCount: check.CheckCount,
			FailCount:  check.FailCount,
		}
		if check.LastError != nil {
			r.LastError = check.LastError.Error()
		}
		check.mu.RUnlock()
		results = append(results, r)
	}
	return results
}

// RunAll performs every enabled check once, synchronously.
func (hm *HealthMonitor) RunAll() {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		if check.Enabled {
			checks = append(checks, check)
		}
	}
	hm.mu.RUnlock()

	for _, check := range checks {
		hm.performCheck(check)
	}
}

// Pinger is satisfied by the connection stores and the redis ping strategy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingCheck builds a check that calls p.Ping.
func NewPingCheck(name string, p Pinger, critical bool) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: critical,
		Check:    p.Ping,
	}
}

// NewCircuitBreakerCheck reports an open breaker as a failed check.
func NewCircuitBreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) *HealthCheck {
	adapter := NewCircuitBreakerHealthAdapter(breaker, name)
	return &HealthCheck{
		Name:     name,
		Interval: 10 * time.Second,
		Timeout:  time.Second,
		Check: func(ctx context.Context) error {
			if status := adapter.GetStatus(); status != StatusHealthy {
				return fmt.Errorf("circuit breaker %s is %s", breaker.Name(), breaker.State())
			}
			return nil
		},
	}
}

type CircuitBreakerHealthAdapter struct {
	breaker *circuitbreaker.CircuitBreaker
	name    string
}

func NewCircuitBreakerHealthAdapter(breaker *circuitbreaker.CircuitBreaker, name string) *CircuitBreakerHealthAdapter {
	return &CircuitBreakerHealthAdapter{
		breaker: breaker,
		name:    name,
	}
}

func (cb *CircuitBreakerHealthAdapter) GetStatus() ComponentStatus {
	switch cb.breaker.State() {
	case circuitbreaker.StateClosed:
		counts := cb.breaker.Counts()
		if counts.TotalFailures > 0 {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			if failureRatio > 0.2 {
				return StatusDegraded
			}
		}
		return StatusHealthy
	case circuitbreaker.StateHalfOpen:
		return StatusDegraded
	case circuitbreaker.StateOpen:
		return StatusUnhealthy
	default:
		return StatusUnreachable
	}
}
