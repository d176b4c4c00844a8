package link

// ObserveTransitions installs fn as the machine's transition observer.
func ObserveTransitions(m *Machine, fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}
