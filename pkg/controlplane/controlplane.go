package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/types"
)

// CloseReplaced is the close code sent to a session displaced by a newer
// connection for the same agent.
const CloseReplaced = 4000

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// ErrAgentNotConnected is returned when a command targets an agent with no
// live session.
var ErrAgentNotConnected = errors.New("agent not connected")

// Fleet is the slice of the fleet manager the plane needs.
type Fleet interface {
	MarkOnline(agentID, remoteAddr string)
	MarkOffline(agentID string)
	RecordHeartbeat(agentID string, uptimeSec int64)
	RecordStatus(agentID string, report *types.StatusReport)
	RecordAction(agentID string, entry types.ActionLogEntry)
	RecordError(agentID, message string)
}

// Approvals is the slice of the approval manager the plane needs.
type Approvals interface {
	Add(agentID string, req types.ApprovalRequest) types.PendingApproval
}

// Server terminates worker WebSocket sessions. At most one session exists
// per agent id; a new connection for the same agent displaces the old one.
type Server struct {
	token     string
	fleet     Fleet
	approvals Approvals
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	draining bool
}

// NewServer creates the plane. token empty disables authentication, which
// is only acceptable for local development.
func NewServer(token string, fleet Fleet, approvals Approvals) *Server {
	return &Server{
		token:     token,
		fleet:     fleet,
		approvals: approvals,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   log.WithComponent("controlplane"),
		sessions: make(map[string]*session),
	}
}

// session is one live worker connection. All writes go through the send
// channel so the socket has a single writer.
type session struct {
	agentID     string
	remoteAddr  string
	connectedAt time.Time
	conn        *websocket.Conn
	send        chan types.Message

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) touch() {
	s.hbMu.Lock()
	s.lastHeartbeat = time.Now().UTC()
	s.hbMu.Unlock()
}

func (s *session) heartbeatAt() time.Time {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.lastHeartbeat
}

func (s *session) shutdown(code int, text string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, text)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		close(s.closed)
		_ = s.conn.Close()
	})
}

// ServeHTTP upgrades a worker connection. Admission requires the shared
// token (when configured), as a bearer header or a token query parameter,
// and an agentId query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" &&
		r.Header.Get("Authorization") != "Bearer "+s.token &&
		r.URL.Query().Get("token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, "agentId query parameter required", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	draining := s.draining
	s.mu.RUnlock()
	if draining {
		http.Error(w, "control plane shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	sess := &session{
		agentID:     agentID,
		remoteAddr:  r.RemoteAddr,
		connectedAt: time.Now().UTC(),
		conn:        conn,
		send:        make(chan types.Message, sendBufferSize),
		closed:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		sess.shutdown(websocket.CloseGoingAway, "control plane shutting down")
		return
	}
	if old, ok := s.sessions[agentID]; ok {
		old.shutdown(CloseReplaced, "Replaced by new connection")
	}
	s.sessions[agentID] = sess
	s.mu.Unlock()

	s.fleet.MarkOnline(agentID, r.RemoteAddr)
	s.logger.Info().Str("agent_id", agentID).Str("remote_addr", r.RemoteAddr).Msg("agent connected")

	go s.writePump(sess)
	go s.readPump(sess)
}

func (s *Server) writePump(sess *session) {
	for {
		select {
		case msg := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteJSON(msg); err != nil {
				sess.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-sess.closed:
			return
		}
	}
}

func (s *Server) readPump(sess *session) {
	defer s.dropSession(sess)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are dropped without closing the session.
			s.logger.Debug().Str("agent_id", sess.agentID).Msg("dropping malformed frame")
			continue
		}
		s.dispatch(sess, &msg)
	}
}

// dispatch routes one worker frame. Unknown types are dropped silently.
func (s *Server) dispatch(sess *session, msg *types.Message) {
	agentID := sess.agentID
	switch msg.Type {
	case types.MsgHeartbeat:
		// Liveness is noted on the session handle and the fleet record.
		sess.touch()
		s.fleet.RecordHeartbeat(agentID, msg.UptimeSec)
	case types.MsgStatus:
		if msg.Report != nil {
			s.fleet.RecordStatus(agentID, msg.Report)
		}
	case types.MsgAction:
		if msg.Entry != nil {
			s.fleet.RecordAction(agentID, *msg.Entry)
		}
	case types.MsgApprovalRequest:
		if msg.Request != nil {
			s.approvals.Add(agentID, *msg.Request)
		}
	case types.MsgError:
		if msg.Message != "" {
			s.fleet.RecordError(agentID, msg.Message)
		}
	default:
		s.logger.Debug().Str("agent_id", agentID).Str("type", string(msg.Type)).Msg("dropping unknown frame type")
	}
}

// dropSession tears a session down and marks the agent offline, unless a
// replacement session already took its slot.
func (s *Server) dropSession(sess *session) {
	sess.shutdown(websocket.CloseNormalClosure, "")

	s.mu.Lock()
	current := s.sessions[sess.agentID] == sess
	if current {
		delete(s.sessions, sess.agentID)
	}
	s.mu.Unlock()

	if current {
		s.fleet.MarkOffline(sess.agentID)
		s.logger.Info().Str("agent_id", sess.agentID).Msg("agent disconnected")
	}
}

// Connected reports whether the agent holds a live session.
func (s *Server) Connected(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[agentID]
	return ok
}

// ConnectedAgents returns the ids of all live sessions.
func (s *Server) ConnectedAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// SessionInfo describes one live session for observability surfaces.
type SessionInfo struct {
	AgentID       string    `json:"agentId"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitzero"`
}

// Sessions snapshots every live session.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			AgentID:       sess.agentID,
			RemoteAddr:    sess.remoteAddr,
			ConnectedAt:   sess.connectedAt,
			LastHeartbeat: sess.heartbeatAt(),
		})
	}
	return out
}

// SendToAgent queues one frame for an agent. It fails fast when the agent
// is offline or its send buffer is full.
func (s *Server) SendToAgent(agentID string, msg types.Message) error {
	s.mu.RLock()
	sess, ok := s.sessions[agentID]
	s.mu.RUnlock()
	if !ok {
		return ErrAgentNotConnected
	}
	select {
	case sess.send <- msg:
		return nil
	case <-sess.closed:
		return ErrAgentNotConnected
	default:
		return errors.New("send buffer full")
	}
}

// SendApprovalResponse relays a verdict to the requesting worker.
func (s *Server) SendApprovalResponse(agentID, requestID string, approved bool, reason string) error {
	return s.SendToAgent(agentID, types.Message{
		Type:      types.MsgApprovalResponse,
		RequestID: requestID,
		Approved:  approved,
		Reason:    reason,
	})
}

// Close stops admitting upgrades and shuts every session down with a
// going-away close.
func (s *Server) Close() {
	s.mu.Lock()
	s.draining = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown(websocket.CloseGoingAway, "control plane shutting down")
	}
}
