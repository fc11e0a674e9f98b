package config

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter"
	"github.com/tilegw/gateway/gwerr"
)

// AdapterFactory constructs one DeviceAdapter from its configuration
// entry's args. port is 0 when the entry has no Port set.
type AdapterFactory func(args Args, port int, logger *zap.Logger) (adapter.Interface, error)

// Agent is the minimal lifecycle every GatewayAgent (C7) plug-in exposes
// to the startup sequence; the concrete operations it re-exports over its
// transport are a gateway-package concern, not a configuration concern.
type Agent interface {
	Serve() error
	Close() error
}

// AgentFactory constructs one GatewayAgent from its configuration entry's
// args. deps is an opaque handle the caller supplies at registration time
// (normally the *session.Manager the agent should front); config itself
// has no session-layer dependency, keeping the registry usable from
// packages that never import session.
type AgentFactory func(args Args, deps interface{}, logger *zap.Logger) (Agent, error)

// Registry is the explicit plug-in table that stands in for any dynamic
// package-discovery machinery. It is populated at process
// startup (normally from cmd/gatewayd's main) and is safe for concurrent
// reads once populated; registration after Start is unusual but not
// forbidden.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]AdapterFactory
	agents   map[string]AgentFactory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]AdapterFactory),
		agents:   make(map[string]AgentFactory),
	}
}

// RegisterAdapter installs factory under name, overwriting any prior
// registration -- useful for tests that substitute a fake transport.
func (r *Registry) RegisterAdapter(name string, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = factory
}

// RegisterAgent installs factory under name.
func (r *Registry) RegisterAgent(name string, factory AgentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = factory
}

// BuildAdapter looks up entry.Name and invokes its factory, failing with
// gwerr.ErrUnknownAdapter if no such plug-in was registered.
func (r *Registry) BuildAdapter(entry AdapterEntry, logger *zap.Logger) (adapter.Interface, error) {
	r.mu.RLock()
	factory, ok := r.adapters[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerr.New(gwerr.KindUnknownAdapter, "no adapter registered under this name", map[string]interface{}{"name": entry.Name})
	}
	return factory(entry.Args, entry.Port, logger)
}

// BuildAgent looks up entry.Name and invokes its factory, failing with
// gwerr.ErrUnknownAgent if no such plug-in was registered.
func (r *Registry) BuildAgent(entry AgentEntry, deps interface{}, logger *zap.Logger) (Agent, error) {
	r.mu.RLock()
	factory, ok := r.agents[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerr.New(gwerr.KindUnknownAgent, "no agent registered under this name", map[string]interface{}{"name": entry.Name})
	}
	return factory(entry.Args, deps, logger)
}

// BuildAdapters builds every adapter entry in doc, stopping at the first
// failure. Callers that started earlier adapters are responsible for
// stopping them, same as AggregatingAdapter.Start's all-or-nothing policy.
func (r *Registry) BuildAdapters(doc *Document, logger *zap.Logger) ([]adapter.Interface, error) {
	out := make([]adapter.Interface, 0, len(doc.Adapters))
	for _, entry := range doc.Adapters {
		a, err := r.BuildAdapter(entry, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// BuildAgents builds every agent entry in doc, stopping at the first
// failure.
func (r *Registry) BuildAgents(doc *Document, deps interface{}, logger *zap.Logger) ([]Agent, error) {
	out := make([]Agent, 0, len(doc.Agents))
	for _, entry := range doc.Agents {
		ag, err := r.BuildAgent(entry, deps, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, ag)
	}
	return out, nil
}
