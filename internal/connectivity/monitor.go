// Package connectivity tracks whether the backend is reachable and notifies
// subscribers on transitions.
package connectivity

import (
	"fmt"
	"sync"

	"github.com/kimhsiao/fieldops/internal/logging"
)

// Listener is called with the new status on every transition.
type Listener func(online bool)

// Monitor holds the current online status. Listeners are only called when the
// status actually changes.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	nextID    int
	listeners map[int]Listener
	logger    *logging.Logger
}

// NewMonitor creates a monitor with an initial status.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[int]Listener),
		logger:    logging.Get().Named("connectivity"),
	}
}

// GetStatus returns true when the backend is considered reachable.
func (m *Monitor) GetStatus() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers fn and returns a function that unregisters it.
func (m *Monitor) OnChange(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Set records a platform signal. It reports whether the status changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", map[string]interface{}{"online": online})

	for _, fn := range listeners {
		m.notify(fn, online)
	}
	return true
}

func (m *Monitor) notify(fn Listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"online": online})
		}
	}()
	fn(online)
}
