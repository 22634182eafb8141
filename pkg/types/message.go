package types

import (
	"encoding/json"

	"github.com/moltagent/moltagent/pkg/manifest"
)

// MessageType discriminates wire frames. Unknown types are dropped
// silently by both peers.
type MessageType string

// Worker -> control plane.
const (
	MsgHeartbeat       MessageType = "heartbeat"
	MsgStatus          MessageType = "status"
	MsgAction          MessageType = "action"
	MsgApprovalRequest MessageType = "approval_request"
	MsgError           MessageType = "error"
)

// Control plane -> worker.
const (
	MsgUpdateConfig     MessageType = "update_config"
	MsgUpdateGoals      MessageType = "update_goals"
	MsgInjectKnowledge  MessageType = "inject_knowledge"
	MsgSendMessage      MessageType = "send_message"
	MsgApprovalResponse MessageType = "approval_response"
	MsgRestart          MessageType = "restart"
	MsgShutdown         MessageType = "shutdown"
	MsgPing             MessageType = "ping"
)

// Message is the wire envelope: one newline-free JSON object per WebSocket
// frame, discriminated by Type. Unused fields are omitted.
type Message struct {
	Type MessageType `json:"type"`

	// Worker-originated fields.
	AgentID   string           `json:"agentId,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	UptimeSec int64            `json:"uptimeSec,omitempty"`
	Report    *StatusReport    `json:"report,omitempty"`
	Entry     *ActionLogEntry  `json:"entry,omitempty"`
	Request   *ApprovalRequest `json:"request,omitempty"`
	Message   string           `json:"message,omitempty"`

	// Plane-originated fields.
	Config    json.RawMessage     `json:"config,omitempty"`
	Goals     []manifest.Goal     `json:"goals,omitempty"`
	Documents []manifest.Document `json:"documents,omitempty"`
	Content   string              `json:"content,omitempty"`
	Channel   string              `json:"channel,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
	Approved  bool                `json:"approved,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}
