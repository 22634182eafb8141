package types

import (
	"time"

	"github.com/moltagent/moltagent/pkg/manifest"
)

// Capacity limits for the bounded collections owned by the fleet and
// approval managers. Appends beyond these truncate oldest-first.
const (
	RecentActionsCap   = 200
	RecentErrorsCap    = 50
	ApprovalHistoryCap = 1000
)

// InstanceStatus is the common lifecycle variant every provider maps its
// native states into.
type InstanceStatus string

const (
	InstanceCreating InstanceStatus = "creating"
	InstanceRunning  InstanceStatus = "running"
	InstanceStopping InstanceStatus = "stopping"
	InstanceStopped  InstanceStatus = "stopped"
	InstanceError    InstanceStatus = "error"
)

// VpsInstance is a provider's view of a provisioned machine.
type VpsInstance struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	Status     InstanceStatus    `json:"status"`
	PublicIPv4 string            `json:"publicIpv4,omitempty"`
	PublicIPv6 string            `json:"publicIpv6,omitempty"`
	ServerType string            `json:"serverType,omitempty"`
	Region     string            `json:"region,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	AgentID    string            `json:"agentId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ConnectionState tracks whether a worker currently holds a live session.
type ConnectionState string

const (
	ConnectionOnline  ConnectionState = "online"
	ConnectionOffline ConnectionState = "offline"
	ConnectionUnknown ConnectionState = "unknown"
)

// WorkerState is the worker-reported lifecycle state.
type WorkerState string

const (
	WorkerStarting     WorkerState = "starting"
	WorkerRunning      WorkerState = "running"
	WorkerBusy         WorkerState = "busy"
	WorkerIdle         WorkerState = "idle"
	WorkerError        WorkerState = "error"
	WorkerShuttingDown WorkerState = "shutting_down"
)

// StatusReport is a worker-produced snapshot of its current condition.
type StatusReport struct {
	State        WorkerState        `json:"state"`
	ActiveTask   string             `json:"activeTask,omitempty"`
	Channels     []string           `json:"channels,omitempty"`
	UptimeSec    int64              `json:"uptimeSec"`
	MemoryMB     float64            `json:"memoryMb"`
	CPUPercent   float64            `json:"cpuPercent"`
	ActionsToday int                `json:"actionsToday"`
	SpendToday   float64            `json:"spendToday"`
	GoalProgress map[string]float64 `json:"goalProgress,omitempty"`
}

// ActionCategory classifies a logged unit of work.
type ActionCategory string

const (
	ActionBrowse  ActionCategory = "browse"
	ActionExecute ActionCategory = "execute"
	ActionMessage ActionCategory = "message"
	ActionAPICall ActionCategory = "api_call"
	ActionSpend   ActionCategory = "spend"
	ActionFile    ActionCategory = "file"
	ActionOther   ActionCategory = "other"
)

// ActionLogEntry is a single logged action performed by a worker.
// Spend entries with a numeric "amount" in Details contribute to the
// cumulative spend counter.
type ActionLogEntry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Category   ActionCategory         `json:"category"`
	Summary    string                 `json:"summary"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
}

// ErrorEntry is one entry in an agent's recent-errors ring.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AgentRecord is a fleet entry: everything the control plane knows about a
// deployed worker. Persistence is owned exclusively by the fleet manager.
type AgentRecord struct {
	Manifest      manifest.Manifest `json:"manifest"`
	Instance      *VpsInstance      `json:"instance,omitempty"`
	Connection    ConnectionState   `json:"connection"`
	RemoteAddr    string            `json:"remoteAddr,omitempty"`
	LastStatus    *StatusReport     `json:"lastStatus,omitempty"`
	DeployedAt    time.Time         `json:"deployedAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat,omitzero"`
	UptimeSec     int64             `json:"uptimeSec"`
	// Both rings are bounded and stored oldest-first; newest-first views
	// are produced at the query layer.
	RecentActions []ActionLogEntry `json:"recentActions"`
	RecentErrors  []ErrorEntry     `json:"recentErrors"`
	TotalActions  int64             `json:"totalActions"`
	TotalSpend    float64           `json:"totalSpend"`
}

// ApprovalCategory classifies what a worker is asking permission for.
type ApprovalCategory string

const (
	ApprovalSpend  ApprovalCategory = "spend"
	ApprovalAction ApprovalCategory = "action"
	ApprovalAccess ApprovalCategory = "access"
)

// ApprovalState is the approval lifecycle. Pending is the only non-terminal
// state; terminal states never transition again.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
	ApprovalExpired  ApprovalState = "expired"
)

// ApprovalRequest is the worker-originated side of an approval.
type ApprovalRequest struct {
	ID          string           `json:"id"`
	Category    ApprovalCategory `json:"category"`
	Description string           `json:"description"`
	Amount      float64          `json:"amount,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	ExpiresAt   time.Time        `json:"expiresAt,omitzero"`
}

// PendingApproval is a queued human-gated authorization.
type PendingApproval struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agentId"`
	Category    ApprovalCategory `json:"category"`
	Description string           `json:"description"`
	Amount      float64          `json:"amount,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	State       ApprovalState    `json:"state"`
	RespondedBy string           `json:"respondedBy,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	RespondedAt *time.Time       `json:"respondedAt,omitempty"`
}
