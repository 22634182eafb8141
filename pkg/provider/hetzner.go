package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/types"
)

const hetznerDefaultBaseURL = "https://api.hetzner.cloud/v1"

// HetznerConfig configures the cloud backend. BaseURL is overridable for
// tests; Image defaults to Ubuntu 24.04.
type HetznerConfig struct {
	Token   string
	BaseURL string
	Image   string
}

// HetznerProvider provisions workers on a Hetzner-like cloud REST API:
// bearer-token JSON API, user-data bootstrap, label selectors.
type HetznerProvider struct {
	token   string
	baseURL string
	image   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHetzner creates the cloud backend.
func NewHetzner(cfg HetznerConfig) *HetznerProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = hetznerDefaultBaseURL
	}
	image := cfg.Image
	if image == "" {
		image = "ubuntu-24.04"
	}
	return &HetznerProvider{
		token:   cfg.Token,
		baseURL: baseURL,
		image:   image,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithComponent("provider.hetzner"),
	}
}

// Name implements Provider.
func (p *HetznerProvider) Name() string { return "hetzner" }

// hetznerServer is the subset of the API's server object we consume.
type hetznerServer struct {
	ID        json.Number `json:"id"`
	Name      string      `json:"name"`
	Status    string      `json:"status"`
	Created   time.Time   `json:"created"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
		IPv6 struct {
			IP string `json:"ip"`
		} `json:"ipv6"`
	} `json:"public_net"`
	ServerType struct {
		Name string `json:"name"`
	} `json:"server_type"`
	Datacenter struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"datacenter"`
	Labels map[string]string `json:"labels"`
}

// Create implements Provider. The bootstrap script rides in as user-data and
// the server starts immediately.
func (p *HetznerProvider) Create(ctx context.Context, req CreateRequest) (*types.VpsInstance, error) {
	m := req.Manifest
	body := map[string]interface{}{
		"name":        fmt.Sprintf("moltagent-%.8s", m.Identity.ID),
		"server_type": m.Resources.ServerType,
		"image":       p.image,
		"location":    m.Resources.Region,
		"user_data":   req.BootstrapScript,
		"labels": map[string]string{
			ManagedLabel: ManagedLabelValue,
			AgentIDLabel: m.Identity.ID,
			OwnerIDLabel: m.Identity.OwnerID,
		},
		"start_after_create": true,
	}
	if len(req.SSHKeyIDs) > 0 {
		body["ssh_keys"] = req.SSHKeyIDs
	}

	var resp struct {
		Server hetznerServer `json:"server"`
	}
	if err := p.do(ctx, http.MethodPost, "/servers", body, &resp); err != nil {
		return nil, err
	}

	inst := p.toInstance(&resp.Server, m.Identity.ID)
	p.logger.Info().
		Str("instance_id", inst.ID).
		Str("agent_id", m.Identity.ID).
		Str("server_type", inst.ServerType).
		Msg("server create accepted")
	return inst, nil
}

// Destroy implements Provider.
func (p *HetznerProvider) Destroy(ctx context.Context, instanceID string) error {
	err := p.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(instanceID), nil, nil)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return ErrInstanceNotFound
	}
	return err
}

// Status implements Provider, mapping the native lifecycle states onto the
// common variant.
func (p *HetznerProvider) Status(ctx context.Context, instanceID string) (*types.VpsInstance, error) {
	var resp struct {
		Server hetznerServer `json:"server"`
	}
	err := p.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(instanceID), nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.toInstance(&resp.Server, resp.Server.Labels[AgentIDLabel]), nil
}

// List implements Provider, filtering to instances this system created.
func (p *HetznerProvider) List(ctx context.Context) ([]*types.VpsInstance, error) {
	var resp struct {
		Servers []hetznerServer `json:"servers"`
	}
	selector := url.QueryEscape(ManagedLabel + "=" + ManagedLabelValue)
	if err := p.do(ctx, http.MethodGet, "/servers?label_selector="+selector, nil, &resp); err != nil {
		return nil, err
	}
	instances := make([]*types.VpsInstance, 0, len(resp.Servers))
	for i := range resp.Servers {
		srv := &resp.Servers[i]
		instances = append(instances, p.toInstance(srv, srv.Labels[AgentIDLabel]))
	}
	return instances, nil
}

func (p *HetznerProvider) toInstance(srv *hetznerServer, agentID string) *types.VpsInstance {
	return &types.VpsInstance{
		ID:         srv.ID.String(),
		Provider:   p.Name(),
		Status:     mapHetznerStatus(srv.Status),
		PublicIPv4: srv.PublicNet.IPv4.IP,
		PublicIPv6: srv.PublicNet.IPv6.IP,
		ServerType: srv.ServerType.Name,
		Region:     srv.Datacenter.Location.Name,
		CreatedAt:  srv.Created,
		AgentID:    agentID,
		Metadata:   map[string]string{"name": srv.Name},
	}
}

func mapHetznerStatus(status string) types.InstanceStatus {
	switch status {
	case "initializing", "starting":
		return types.InstanceCreating
	case "running":
		return types.InstanceRunning
	case "stopping", "deleting":
		return types.InstanceStopping
	case "off":
		return types.InstanceStopped
	default:
		return types.InstanceError
	}
}

// do performs one authenticated API call. Non-2xx responses surface the
// upstream status and body; nothing is retried here.
func (p *HetznerProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.Name(), err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", p.Name(), err)
		}
	}
	return nil
}
