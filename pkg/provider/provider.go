package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

// Label attached to every instance this system creates; List filters on it.
const (
	ManagedLabel      = "moltagent"
	ManagedLabelValue = "true"
	AgentIDLabel      = "agent-id"
	OwnerIDLabel      = "owner-id"
)

// ErrInstanceNotFound is returned by Status and Destroy when the provider
// has no record of the instance.
var ErrInstanceNotFound = errors.New("instance not found")

// CreateRequest carries everything a backend needs to boot a worker node.
type CreateRequest struct {
	Manifest        *manifest.Manifest
	BootstrapScript string
	SSHKeyIDs       []string
}

// Provider is the uniform lifecycle contract over heterogeneous VPS
// backends. Create is initiation only: a nil error means the provider
// accepted the request and assigned an id (and, where applicable, an IP),
// not that the worker is reachable. Failures are never retried here;
// callers decide policy.
type Provider interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (*types.VpsInstance, error)
	Destroy(ctx context.Context, instanceID string) error
	Status(ctx context.Context, instanceID string) (*types.VpsInstance, error)
	List(ctx context.Context) ([]*types.VpsInstance, error)
}

// APIError surfaces an upstream HTTP failure with status and body attached.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Registry maps provider name to implementation. It is owned by the
// orchestrator and handed to the provisioner; nothing registers globally.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name, replacing any previous one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
