package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

// State is the bridge connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

const (
	// DefaultApprovalTimeout bounds how long RequestApproval blocks before
	// treating silence as denial.
	DefaultApprovalTimeout = 5 * time.Minute

	maxBackoff     = 60 * time.Second
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// ErrNotConnected is returned by outbound helpers while no session is live.
var ErrNotConnected = errors.New("bridge not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bridge closed")

// Handlers are the worker runtime's reactions to plane commands. Nil
// handlers drop the command after logging it.
type Handlers struct {
	OnUpdateConfig    func(config json.RawMessage)
	OnUpdateGoals     func(goals []manifest.Goal)
	OnInjectKnowledge func(docs []manifest.Document)
	OnSendMessage     func(channel, content string)
	OnRestart         func()
	OnShutdown        func()
}

// Config configures the bridge.
type Config struct {
	URL               string
	Token             string
	AgentID           string
	HeartbeatInterval time.Duration
	ApprovalTimeout   time.Duration
}

// Bridge maintains the worker's persistent WebSocket session to the
// control plane: it dials, re-dials with exponential backoff, heartbeats,
// and routes frames in both directions.
type Bridge struct {
	cfg      Config
	handlers Handlers
	logger   zerolog.Logger
	started  time.Time

	mu       sync.RWMutex
	state    State
	conn     *websocket.Conn
	send     chan types.Message
	verdicts map[string]chan verdict

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type verdict struct {
	approved bool
	reason   string
}

// New creates a bridge. Run must be called to start dialing.
func New(cfg Config, handlers Handlers) *Bridge {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &Bridge{
		cfg:      cfg,
		handlers: handlers,
		logger:   log.WithComponent("bridge"),
		started:  time.Now(),
		state:    StateDisconnected,
		verdicts: make(map[string]chan verdict),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Run dials and serves the session until ctx is cancelled or Close is
// called, reconnecting with exponential backoff after every drop.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)
	defer b.setState(StateClosed)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		default:
		}

		b.setState(StateConnecting)
		conn, err := b.dial(ctx)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			b.setState(StateDisconnected)
			b.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			}
			continue
		}

		attempt = 0
		b.logger.Info().Str("url", b.cfg.URL).Msg("connected to control plane")
		b.serve(ctx, conn)

		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		default:
			b.setState(StateDisconnected)
			b.logger.Warn().Msg("session dropped, reconnecting")
		}
	}
}

// backoffDelay is min(1s * 2^(attempt-1), 60s).
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("agentId", b.cfg.AgentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	return conn, err
}

// serve runs one session until it drops.
func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan types.Message, sendBufferSize)

	b.mu.Lock()
	b.state = StateConnected
	b.conn = conn
	b.send = send
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.send = nil
		b.mu.Unlock()
		conn.Close()
	}()

	sessionDone := make(chan struct{})

	go func() {
		ticker := time.NewTicker(b.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case msg := <-send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				hb := types.Message{
					Type:      types.MsgHeartbeat,
					AgentID:   b.cfg.AgentID,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
					UptimeSec: int64(time.Since(b.started).Seconds()),
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(hb); err != nil {
					conn.Close()
					return
				}
			case <-sessionDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-b.stop:
				deadline := time.Now().Add(writeWait)
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "worker shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			close(sessionDone)
			return
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug().Msg("dropping malformed frame")
			continue
		}
		b.dispatch(&msg)
	}
}

// dispatch routes one plane frame. Unknown types are dropped silently.
// Duplicate restart and shutdown commands are not suppressed; both
// handlers are expected to be idempotent.
func (b *Bridge) dispatch(msg *types.Message) {
	switch msg.Type {
	case types.MsgUpdateConfig:
		if b.handlers.OnUpdateConfig != nil {
			b.handlers.OnUpdateConfig(msg.Config)
		} else {
			b.logger.Info().Msg("config update received, no handler registered")
		}
	case types.MsgUpdateGoals:
		if b.handlers.OnUpdateGoals != nil {
			b.handlers.OnUpdateGoals(msg.Goals)
		} else {
			b.logger.Info().Int("goals", len(msg.Goals)).Msg("goal update received, no handler registered")
		}
	case types.MsgInjectKnowledge:
		if b.handlers.OnInjectKnowledge != nil {
			b.handlers.OnInjectKnowledge(msg.Documents)
		} else {
			b.logger.Info().Int("documents", len(msg.Documents)).Msg("knowledge received, no handler registered")
		}
	case types.MsgSendMessage:
		if b.handlers.OnSendMessage != nil {
			b.handlers.OnSendMessage(msg.Channel, msg.Content)
		} else {
			b.logger.Info().Str("channel", msg.Channel).Msg("message received, no handler registered")
		}
	case types.MsgApprovalResponse:
		b.resolveVerdict(msg.RequestID, verdict{approved: msg.Approved, reason: msg.Reason})
	case types.MsgRestart:
		b.logger.Info().Msg("restart requested")
		if b.handlers.OnRestart != nil {
			b.handlers.OnRestart()
		}
	case types.MsgShutdown:
		b.logger.Info().Msg("shutdown requested")
		if b.handlers.OnShutdown != nil {
			b.handlers.OnShutdown()
		}
	case types.MsgPing:
		_ = b.enqueue(types.Message{
			Type:      types.MsgHeartbeat,
			AgentID:   b.cfg.AgentID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			UptimeSec: int64(time.Since(b.started).Seconds()),
		})
	default:
		b.logger.Debug().Str("type", string(msg.Type)).Msg("dropping unknown frame type")
	}
}

func (b *Bridge) enqueue(msg types.Message) error {
	b.mu.RLock()
	send := b.send
	state := b.state
	b.mu.RUnlock()
	if state == StateClosed {
		return ErrClosed
	}
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// SendStatus ships a status report to the plane.
func (b *Bridge) SendStatus(report types.StatusReport) error {
	report.UptimeSec = int64(time.Since(b.started).Seconds())
	return b.enqueue(types.Message{
		Type:      types.MsgStatus,
		AgentID:   b.cfg.AgentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Report:    &report,
	})
}

// LogAction ships one action log entry. A missing id or timestamp is
// filled in.
func (b *Bridge) LogAction(entry types.ActionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return b.enqueue(types.Message{
		Type:    types.MsgAction,
		AgentID: b.cfg.AgentID,
		Entry:   &entry,
	})
}

// ReportError ships an error message to the plane.
func (b *Bridge) ReportError(message string) error {
	return b.enqueue(types.Message{
		Type:      types.MsgError,
		AgentID:   b.cfg.AgentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   message,
	})
}

// RequestApproval asks for a human verdict and blocks until one arrives.
// No verdict within the approval timeout counts as denial; only transport
// failures and context cancellation surface as errors.
func (b *Bridge) RequestApproval(ctx context.Context, req types.ApprovalRequest) (bool, string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ch := make(chan verdict, 1)
	b.mu.Lock()
	b.verdicts[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.verdicts, req.ID)
		b.mu.Unlock()
	}()

	err := b.enqueue(types.Message{
		Type:    types.MsgApprovalRequest,
		AgentID: b.cfg.AgentID,
		Request: &req,
	})
	if err != nil {
		return false, "", err
	}

	timer := time.NewTimer(b.cfg.ApprovalTimeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v.approved, v.reason, nil
	case <-timer.C:
		b.logger.Warn().Str("request_id", req.ID).Msg("approval timed out, treating as denied")
		return false, "approval timed out", nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

func (b *Bridge) resolveVerdict(requestID string, v verdict) {
	b.mu.Lock()
	ch, ok := b.verdicts[requestID]
	if ok {
		delete(b.verdicts, requestID)
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Debug().Str("request_id", requestID).Msg("verdict for unknown request")
		return
	}
	ch <- v
}

// Close stops the bridge permanently and waits for Run to return. Only
// valid once Run has been started.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}
