package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/tilegw/gateway/adapter/aggregate"
	"github.com/tilegw/gateway/config"
	"github.com/tilegw/gateway/gwerr"
	"github.com/tilegw/gateway/internal/metrics"
	"github.com/tilegw/gateway/report"
	"github.com/tilegw/gateway/report/auth"
	"github.com/tilegw/gateway/session"
)

// InstanceOptions configures one GatewayInstance.
type InstanceOptions struct {
	Logger   *zap.Logger
	Registry *config.Registry
	Document *config.Document

	// AuthProvider resolves report signing/verification keys. Defaults to
	// a chain of the environment master-key provider alone.
	AuthProvider auth.Provider

	Metrics *metrics.Measures
}

// Instance owns everything a single running gateway needs: the adapters the
// configuration document names, the aggregator merging them, the session
// manager, and the agents re-exporting it. The plug-in Registry is the only
// state shared between instances, so multiple
// Instances can run in one process against the same Registry.
type Instance struct {
	logger  *zap.Logger
	manager *session.Manager
	agents  []config.Agent
	agg     *aggregate.AggregatingAdapter
}

// NewInstance builds adapters and agents from doc via the registry and
// wires them to a fresh session manager. Construction failures are fatal
// at startup, and only at startup; nothing is started
// yet, so there is nothing to unwind on error beyond returning it.
func NewInstance(o InstanceOptions) (*Instance, error) {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.Registry == nil || o.Document == nil {
		return nil, gwerr.New(gwerr.KindBadArgument, "instance requires a registry and a configuration document", nil)
	}

	provider := o.AuthProvider
	if provider == nil {
		provider = auth.Chain{auth.NewEnvMasterKeyProvider()}
	}

	adapters, err := o.Registry.BuildAdapters(o.Document, logger)
	if err != nil {
		return nil, err
	}

	agg := aggregate.New(aggregate.Options{
		Adapters: adapters,
		Logger:   logger.With(zap.String("component", "aggregate")),
	})

	manager := session.NewManager(session.Options{
		Adapter: agg,
		Logger:  logger.With(zap.String("component", "session")),
		Codec:   report.AuthCodec{Provider: provider},
		Metrics: o.Metrics,
	})

	agents, err := o.Registry.BuildAgents(o.Document, manager, logger)
	if err != nil {
		return nil, err
	}

	return &Instance{
		logger:  logger,
		manager: manager,
		agents:  agents,
		agg:     agg,
	}, nil
}

// Manager exposes the instance's session layer, mainly for in-process
// clients and tests.
func (i *Instance) Manager() *session.Manager { return i.manager }

// Start starts the adapter stack, then every agent's Serve loop in its own
// goroutine. Agent serve errors are logged, not fatal: an agent that fails
// leaves the rest of the gateway running.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.manager.Start(ctx); err != nil {
		return err
	}

	for idx, agent := range i.agents {
		go func(idx int, agent config.Agent) {
			if err := agent.Serve(); err != nil {
				i.logger.Error("agent serve ended", zap.Int("agent", idx), zap.Error(err))
			}
		}(idx, agent)
	}
	return nil
}

// Stop closes every agent, then the session layer and adapters beneath it.
func (i *Instance) Stop(ctx context.Context) error {
	for idx, agent := range i.agents {
		if err := agent.Close(); err != nil {
			i.logger.Warn("agent close failed", zap.Int("agent", idx), zap.Error(err))
		}
	}
	return i.manager.Stop(ctx)
}
