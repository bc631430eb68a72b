package health

import (
	"sort"
	"sync"
)

// Reporter returns the current health of one component.
type Reporter func() Status

// Monitor aggregates component reporters in a thread-safe manner
type Monitor struct {
	mu        sync.RWMutex
	reporters map[string]Reporter
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		reporters: make(map[string]Reporter),
	}
}

// Register adds or replaces the reporter for name.
func (m *Monitor) Register(name string, report Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters[name] = report
}

// Remove stops monitoring name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reporters, name)
}

// Check runs every reporter and aggregates the results under systemName.
// Sub-statuses are ordered by component name.
func (m *Monitor) Check(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.reporters))
	reporters := make(map[string]Reporter, len(m.reporters))
	for name, r := range m.reporters {
		names = append(names, name)
		reporters[name] = r
	}
	m.mu.RUnlock()

	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		st := reporters[name]()
		st.Component = name
		subs = append(subs, st)
	}
	return Aggregate(systemName, subs)
}

// Count returns the number of registered reporters
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reporters)
}
