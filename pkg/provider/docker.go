package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/bootstrap"
	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/types"
)

const dockerDefaultImage = "moltagent/worker:latest"

// commandRunner abstracts CLI execution so tests can fake the docker binary.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// DockerProvider runs workers as local containers through the docker CLI.
// It exists for development loops where a cloud round trip is too slow;
// the bootstrap script is not executed, the manifest rides in as an
// environment variable instead.
type DockerProvider struct {
	image  string
	run    commandRunner
	logger zerolog.Logger
}

// NewDocker creates the local container backend. image falls back to the
// stock worker image when empty.
func NewDocker(image string) *DockerProvider {
	if image == "" {
		image = dockerDefaultImage
	}
	return &DockerProvider{
		image:  image,
		run:    execRunner,
		logger: log.WithComponent("provider.docker"),
	}
}

// Name implements Provider.
func (p *DockerProvider) Name() string { return "docker-local" }

// Create implements Provider. The gateway port is published on an ephemeral
// host port and the instance IP is always loopback.
func (p *DockerProvider) Create(ctx context.Context, req CreateRequest) (*types.VpsInstance, error) {
	m := req.Manifest
	manifestJSON, err := m.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}

	image := p.image
	if m.Resources.DockerImage != "" {
		image = m.Resources.DockerImage
	}

	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("moltagent-%.8s", m.Identity.ID),
		"--label", ManagedLabel + "=" + ManagedLabelValue,
		"--label", AgentIDLabel + "=" + m.Identity.ID,
		"--label", OwnerIDLabel + "=" + m.Identity.OwnerID,
		"-e", "MOLTAGENT_MANIFEST_B64=" + base64.StdEncoding.EncodeToString(manifestJSON),
		"-e", "MOLTAGENT_ID=" + m.Identity.ID,
		"-p", fmt.Sprintf("0:%d", bootstrap.GatewayPort),
		image,
	}
	out, err := p.run(ctx, "docker", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	containerID := strings.TrimSpace(string(out))

	p.logger.Info().
		Str("container_id", containerID).
		Str("agent_id", m.Identity.ID).
		Str("image", image).
		Msg("container started")

	return &types.VpsInstance{
		ID:         containerID,
		Provider:   p.Name(),
		Status:     types.InstanceRunning,
		PublicIPv4: "127.0.0.1",
		CreatedAt:  time.Now().UTC(),
		AgentID:    m.Identity.ID,
		Metadata:   map[string]string{"image": image},
	}, nil
}

// Destroy implements Provider. Force removal covers both running and
// stopped containers.
func (p *DockerProvider) Destroy(ctx context.Context, instanceID string) error {
	if _, err := p.run(ctx, "docker", "rm", "-f", instanceID); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return ErrInstanceNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// dockerInspect is the subset of `docker inspect` output we consume.
type dockerInspect struct {
	ID      string `json:"Id"`
	Created string `json:"Created"`
	State   struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// Status implements Provider.
func (p *DockerProvider) Status(ctx context.Context, instanceID string) (*types.VpsInstance, error) {
	out, err := p.run(ctx, "docker", "inspect", instanceID)
	if err != nil {
		if strings.Contains(err.Error(), "No such object") || strings.Contains(err.Error(), "No such container") {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	var results []dockerInspect
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, fmt.Errorf("failed to decode inspect output: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrInstanceNotFound
	}
	return p.toInstance(&results[0]), nil
}

// List implements Provider, filtering to containers this system created.
func (p *DockerProvider) List(ctx context.Context) ([]*types.VpsInstance, error) {
	out, err := p.run(ctx, "docker", "ps", "-a", "-q",
		"--filter", "label="+ManagedLabel+"="+ManagedLabelValue)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := strings.Fields(string(out))
	instances := make([]*types.VpsInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := p.Status(ctx, id)
		if err == ErrInstanceNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (p *DockerProvider) toInstance(info *dockerInspect) *types.VpsInstance {
	created, _ := time.Parse(time.RFC3339Nano, info.Created)
	return &types.VpsInstance{
		ID:         info.ID,
		Provider:   p.Name(),
		Status:     mapDockerStatus(info.State.Status),
		PublicIPv4: "127.0.0.1",
		CreatedAt:  created,
		AgentID:    info.Config.Labels[AgentIDLabel],
	}
}

func mapDockerStatus(status string) types.InstanceStatus {
	switch status {
	case "created", "restarting":
		return types.InstanceCreating
	case "running", "paused":
		return types.InstanceRunning
	case "removing":
		return types.InstanceStopping
	case "exited":
		return types.InstanceStopped
	default:
		return types.InstanceError
	}
}
