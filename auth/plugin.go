package auth

import (
	"context"

	"threadkit/rest"
	"threadkit/token"
)

// Callbacks is the contract an external method's UI reports through:
// exactly one of Success, Error, or Cancel fires when the flow ends.
type Callbacks struct {
	Success func(pair token.Pair, user rest.User)
	Error   func(err error)
	Cancel  func()
}

// Plugin describes a pluggable sign-in method (a wallet signer, for
// example). The plugin is data plus a start hook, not a subtype: the
// manager merges its descriptor into the server's method list and defers
// entirely to Start when selected.
type Plugin struct {
	ID    string
	Name  string
	Start func(ctx context.Context, cb Callbacks)
}

// RegisterPlugin merges a method into the list offered on the next Login.
// Idempotent by ID: re-registering replaces the earlier descriptor.
func (m *Manager) RegisterPlugin(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.plugins {
		if m.plugins[i].ID == p.ID {
			m.plugins[i] = p
			return
		}
	}
	m.plugins = append(m.plugins, p)
}

// mergeMethods appends plugin descriptors to the server's list, skipping
// ids the server already offers.
func (m *Manager) mergeMethods(server []rest.MethodInfo) []rest.MethodInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	offered := make(map[string]struct{}, len(server))
	merged := make([]rest.MethodInfo, len(server))
	copy(merged, server)
	for _, info := range server {
		offered[info.ID] = struct{}{}
	}
	for _, p := range m.plugins {
		if _, ok := offered[p.ID]; ok {
			continue
		}
		merged = append(merged, rest.MethodInfo{ID: p.ID, Name: p.Name, Kind: "external"})
	}
	return merged
}

func (m *Manager) plugin(id string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plugins {
		if p.ID == id {
			return p, true
		}
	}
	return Plugin{}, false
}
