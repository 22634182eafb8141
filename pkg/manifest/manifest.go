package manifest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the literal every manifest carries for forward
// compatibility. Readers accept documents without it by defaulting.
const SchemaVersion = "1.0"

// Manifest is the immutable root document describing a deployable worker.
// Every field has a default where sensible, so partial inputs still yield a
// complete manifest after ApplyDefaults.
type Manifest struct {
	SchemaVersion     string                 `json:"schemaVersion"`
	Identity          Identity               `json:"identity"`
	AgentConfig       AgentConfig            `json:"agentConfig"`
	Capabilities      Capabilities           `json:"capabilities"`
	Channels          []Channel              `json:"channels" validate:"dive"`
	Resources         Resources              `json:"resources"`
	FinancialControls FinancialControls      `json:"financialControls"`
	ControlPlane      ControlPlane           `json:"controlPlane"`
	Retention         Retention              `json:"retention"`
	Goals             []Goal                 `json:"goals" validate:"dive"`
	Knowledge         Knowledge              `json:"knowledge"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Identity names and attributes a worker.
type Identity struct {
	ID          string   `json:"id" validate:"required,uuid4"`
	Name        string   `json:"name" validate:"required"`
	OwnerID     string   `json:"ownerId,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ToolDescriptor is an inline tool definition handed to the agent runtime.
type ToolDescriptor struct {
	Name        string                 `json:"name" validate:"required"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// AgentConfig configures the worker's reasoning runtime.
type AgentConfig struct {
	SystemPrompt  string           `json:"systemPrompt,omitempty"`
	ModelProvider string           `json:"modelProvider"`
	ModelName     string           `json:"modelName"`
	Temperature   float64          `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens     int              `json:"maxTokens" validate:"gte=0"`
	Skills        []string         `json:"skills,omitempty"`
	Tools         []ToolDescriptor `json:"tools,omitempty" validate:"dive"`
}

// GitRepo declares a repository cloned onto the node at first boot.
type GitRepo struct {
	URL          string `json:"url" validate:"required,url"`
	Branch       string `json:"branch,omitempty"`
	Path         string `json:"path,omitempty"`
	SetupCommand string `json:"setupCommand,omitempty"`
}

// Capabilities are the feature flags and install lists for a worker node.
type Capabilities struct {
	WebBrowsing   bool      `json:"webBrowsing"`
	CodeExecution bool      `json:"codeExecution"`
	Terminal      bool      `json:"terminal"`
	FileSystem    bool      `json:"fileSystem"`
	GitRepos      []GitRepo `json:"gitRepos,omitempty" validate:"dive"`
	OSPackages    []string  `json:"osPackages,omitempty"`
	NpmPackages   []string  `json:"npmPackages,omitempty"`
	PipPackages   []string  `json:"pipPackages,omitempty"`
}

// Channel is a typed credential bag for one messaging adapter.
type Channel struct {
	Type        string                 `json:"type" validate:"required"`
	Enabled     bool                   `json:"enabled"`
	Credentials map[string]string      `json:"credentials,omitempty"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
}

// Resources selects the VPS shape the worker is provisioned onto.
type Resources struct {
	ServerType  string `json:"serverType"`
	Region      string `json:"region"`
	DiskGB      int    `json:"diskGb" validate:"gte=0"`
	DockerImage string `json:"dockerImage,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// FinancialControls caps worker spending. Caps are USD; zero means no cap.
// Semantic coherence (wallet required when a crypto channel is enabled) is a
// documented precondition for consumers, not a schema rule.
type FinancialControls struct {
	MaxPerTransaction     float64 `json:"maxPerTransaction" validate:"gte=0"`
	MaxPerDay             float64 `json:"maxPerDay" validate:"gte=0"`
	MaxPerMonth           float64 `json:"maxPerMonth" validate:"gte=0"`
	RequireApprovalForAll bool    `json:"requireApprovalForAll"`
	WalletAddress         string  `json:"walletAddress,omitempty"`
}

// ControlPlane tells the worker where to dial home.
type ControlPlane struct {
	URL                     string `json:"url" validate:"required,url"`
	Token                   string `json:"token,omitempty"`
	HeartbeatIntervalSec    int    `json:"heartbeatIntervalSec" validate:"gt=0"`
	StatusReportIntervalSec int    `json:"statusReportIntervalSec" validate:"gt=0"`
}

// Retention bounds how long worker artifacts are kept.
type Retention struct {
	ActionLogDays int  `json:"actionLogDays" validate:"gte=0"`
	RecordingDays int  `json:"recordingDays" validate:"gte=0"`
	LiveStream    bool `json:"liveStream"`
}

// Goal is one ordered objective with measurable key results.
type Goal struct {
	ID          string     `json:"id,omitempty"`
	Description string     `json:"description" validate:"required"`
	Priority    int        `json:"priority" validate:"gte=1,lte=5"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	KeyResults  []string   `json:"keyResults,omitempty"`
}

// Document is an inline knowledge document.
type Document struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content" validate:"required"`
}

// Knowledge seeds the worker with context.
type Knowledge struct {
	URLs      []string   `json:"urls,omitempty" validate:"dive,url"`
	Files     []string   `json:"files,omitempty"`
	Documents []Document `json:"documents,omitempty" validate:"dive"`
}

// ApplyDefaults fills every unset field with its default. Calling it twice
// is a no-op, which keeps Parse idempotent.
func (m *Manifest) ApplyDefaults() {
	if m.SchemaVersion == "" {
		m.SchemaVersion = SchemaVersion
	}
	if m.Identity.ID == "" {
		m.Identity.ID = uuid.New().String()
	}
	if m.Identity.Name == "" {
		m.Identity.Name = fmt.Sprintf("agent-%.8s", m.Identity.ID)
	}
	if m.AgentConfig.ModelProvider == "" {
		m.AgentConfig.ModelProvider = "anthropic"
	}
	if m.AgentConfig.ModelName == "" {
		m.AgentConfig.ModelName = "claude-3-5-sonnet"
	}
	if m.AgentConfig.Temperature == 0 {
		m.AgentConfig.Temperature = 0.7
	}
	if m.AgentConfig.MaxTokens == 0 {
		m.AgentConfig.MaxTokens = 4096
	}
	if m.Resources.ServerType == "" {
		m.Resources.ServerType = "cx22"
	}
	if m.Resources.Region == "" {
		m.Resources.Region = "nbg1"
	}
	if m.Resources.DiskGB == 0 {
		m.Resources.DiskGB = 40
	}
	if m.ControlPlane.URL == "" {
		m.ControlPlane.URL = "ws://localhost:18790"
	}
	if m.ControlPlane.HeartbeatIntervalSec == 0 {
		m.ControlPlane.HeartbeatIntervalSec = 30
	}
	if m.ControlPlane.StatusReportIntervalSec == 0 {
		m.ControlPlane.StatusReportIntervalSec = 300
	}
	if m.Retention.ActionLogDays == 0 {
		m.Retention.ActionLogDays = 30
	}
	if m.Retention.RecordingDays == 0 {
		m.Retention.RecordingDays = 7
	}
	for i := range m.Capabilities.GitRepos {
		if m.Capabilities.GitRepos[i].Branch == "" {
			m.Capabilities.GitRepos[i].Branch = "main"
		}
		if m.Capabilities.GitRepos[i].Path == "" {
			m.Capabilities.GitRepos[i].Path = fmt.Sprintf("/opt/moltagent/repos/repo-%d", i)
		}
	}
	for i := range m.Goals {
		if m.Goals[i].ID == "" {
			m.Goals[i].ID = uuid.New().String()
		}
		if m.Goals[i].Priority == 0 {
			m.Goals[i].Priority = 3
		}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
}

// Redacted returns a deep-enough copy with every secret replaced by "***":
// the control-plane bearer token and all channel credential values.
func (m *Manifest) Redacted() Manifest {
	out := *m
	if out.ControlPlane.Token != "" {
		out.ControlPlane.Token = "***"
	}
	if len(m.Channels) > 0 {
		out.Channels = make([]Channel, len(m.Channels))
		for i, ch := range m.Channels {
			redacted := ch
			if len(ch.Credentials) > 0 {
				redacted.Credentials = make(map[string]string, len(ch.Credentials))
				for k := range ch.Credentials {
					redacted.Credentials[k] = "***"
				}
			}
			out.Channels[i] = redacted
		}
	}
	return out
}
