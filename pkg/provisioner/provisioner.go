package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/bootstrap"
	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/provider"
	"github.com/moltagent/moltagent/pkg/types"
)

// ErrNotProvisioned is returned when no instance is tracked for an agent.
var ErrNotProvisioned = errors.New("agent has no provisioned instance")

// Config configures the provisioner.
type Config struct {
	// DefaultProvider is used when a manifest does not name one.
	DefaultProvider string
	// SSHKeyIDs are attached to every cloud instance for operator access.
	SSHKeyIDs []string
}

// Provisioner drives the full deploy path: manifest in, running instance
// out. It tracks which instance belongs to which agent so destroy and
// status work by agent id.
type Provisioner struct {
	registry *provider.Registry
	cfg      Config
	logger   zerolog.Logger

	mu    sync.RWMutex
	index map[string]*types.VpsInstance
}

// New creates a provisioner over the given provider registry.
func New(registry *provider.Registry, cfg Config) *Provisioner {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "hetzner"
	}
	return &Provisioner{
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("provisioner"),
		index:    make(map[string]*types.VpsInstance),
	}
}

// Provision generates the bootstrap script and creates an instance for the
// manifest. A nil error means the provider accepted the request, not that
// the worker is up yet.
func (p *Provisioner) Provision(ctx context.Context, m *manifest.Manifest) (*types.VpsInstance, error) {
	prov, err := p.resolve(m.Resources.Provider)
	if err != nil {
		return nil, err
	}

	script, err := bootstrap.Generate(m)
	if err != nil {
		return nil, fmt.Errorf("failed to generate bootstrap script: %w", err)
	}

	p.logger.Info().
		Str("agent_id", m.Identity.ID).
		Str("provider", prov.Name()).
		Str("server_type", m.Resources.ServerType).
		Str("region", m.Resources.Region).
		Msg("provisioning instance")

	inst, err := prov.Create(ctx, provider.CreateRequest{
		Manifest:        m,
		BootstrapScript: script,
		SSHKeyIDs:       p.cfg.SSHKeyIDs,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("agent_id", m.Identity.ID).Msg("instance creation failed")
		return nil, fmt.Errorf("failed to provision agent %s: %w", m.Identity.ID, err)
	}

	p.Track(m.Identity.ID, inst)
	return inst, nil
}

// Destroy tears down the instance tracked for an agent. A provider-side
// not-found is treated as already destroyed; the index entry is dropped
// either way.
func (p *Provisioner) Destroy(ctx context.Context, agentID string) error {
	last, ok := p.lookup(agentID)
	if !ok {
		return ErrNotProvisioned
	}
	prov, err := p.resolve(last.Provider)
	if err != nil {
		return err
	}

	err = prov.Destroy(ctx, last.ID)
	if err != nil && !errors.Is(err, provider.ErrInstanceNotFound) {
		return fmt.Errorf("failed to destroy instance %s: %w", last.ID, err)
	}

	p.mu.Lock()
	delete(p.index, agentID)
	p.mu.Unlock()

	p.logger.Info().
		Str("agent_id", agentID).
		Str("instance_id", last.ID).
		Str("provider", last.Provider).
		Msg("instance destroyed")
	return nil
}

// Status fetches the live provider-side state of an agent's instance. When
// the provider is unreachable the last-known value is served instead; a
// provider-side not-found still surfaces, since it means the instance is
// genuinely gone.
func (p *Provisioner) Status(ctx context.Context, agentID string) (*types.VpsInstance, error) {
	last, ok := p.lookup(agentID)
	if !ok {
		return nil, ErrNotProvisioned
	}
	prov, err := p.resolve(last.Provider)
	if err != nil {
		return nil, err
	}

	inst, err := prov.Status(ctx, last.ID)
	if err != nil {
		if errors.Is(err, provider.ErrInstanceNotFound) {
			return nil, err
		}
		p.logger.Warn().Err(err).
			Str("agent_id", agentID).
			Str("provider", last.Provider).
			Msg("provider unreachable, serving last-known instance state")
		return last, nil
	}
	p.Track(agentID, inst)
	return inst, nil
}

// ListInstances snapshots the tracked index. It never hits a provider.
func (p *Provisioner) ListInstances() []*types.VpsInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.VpsInstance, 0, len(p.index))
	for _, inst := range p.index {
		copied := *inst
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ListProviderInstances asks one backend (or, with an empty name, every
// registered backend) for its live managed instances.
func (p *Provisioner) ListProviderInstances(ctx context.Context, providerName string) ([]*types.VpsInstance, error) {
	if providerName != "" {
		prov, err := p.resolve(providerName)
		if err != nil {
			return nil, err
		}
		return prov.List(ctx)
	}

	var all []*types.VpsInstance
	for _, name := range p.registry.Names() {
		prov, _ := p.registry.Get(name)
		instances, err := prov.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s instances: %w", name, err)
		}
		all = append(all, instances...)
	}
	return all, nil
}

// Track records the freshest known instance for an agent. The orchestrator
// calls this on startup so instances survive control-plane restarts.
func (p *Provisioner) Track(agentID string, inst *types.VpsInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *inst
	p.index[agentID] = &copied
}

func (p *Provisioner) lookup(agentID string) (*types.VpsInstance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.index[agentID]
	if !ok {
		return nil, false
	}
	copied := *inst
	return &copied, true
}

func (p *Provisioner) resolve(name string) (provider.Provider, error) {
	if name == "" {
		name = p.cfg.DefaultProvider
	}
	prov, ok := p.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %s)",
			name, strings.Join(p.registry.Names(), ", "))
	}
	return prov, nil
}
