package engine

// ForgetAgent drops an agent from the registry, leaving tasks that reference it.
func ForgetAgent(e *Engine, id string) {
	e.mu.Lock()
	delete(e.agents, id)
	e.mu.Unlock()
}
