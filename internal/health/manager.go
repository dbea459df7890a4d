package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers concurrently, each under its own timeout.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates a manager with a per-check timeout (5s when <= 0).
func NewManager(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{checkers: make(map[string]Checker), timeout: timeout, logger: logger}
}

// Register adds a checker; names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Check evaluates every checker. With no checkers the service is healthy.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	start := time.Now()
	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	report := Report{
		Components: make(map[string]CheckResult, len(results)),
		Timestamp:  start,
		Duration:   time.Since(start),
	}
	var critical, degraded []string
	for _, r := range results {
		report.Components[r.Component] = r
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			critical = append(critical, r.Component)
		case r.Status != StatusHealthy:
			degraded = append(degraded, r.Component)
		}
	}
	sort.Strings(critical)
	sort.Strings(degraded)

	switch {
	case len(critical) > 0:
		report.Status = StatusUnhealthy
		report.Message = fmt.Sprintf("%d critical component(s) failing: %v", len(critical), critical)
	case len(degraded) > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d component(s) degraded: %v", len(degraded), degraded)
		report.Ready = true
	default:
		report.Status = StatusHealthy
		report.Message = fmt.Sprintf("All %d components healthy", len(results))
		report.Ready = true
	}
	return report
}

func (m *Manager) run(ctx context.Context, c Checker) (result CheckResult) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health checker panicked", zap.String("checker", c.Name()), zap.Any("panic", r))
			result = CheckResult{Status: StatusUnhealthy, Error: fmt.Sprint(r)}
		}
		result.Component = c.Name()
		result.Critical = c.IsCritical()
		result.Duration = time.Since(start)
		result.Timestamp = start
	}()
	return c.Check(checkCtx)
}
