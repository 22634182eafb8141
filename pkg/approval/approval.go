package approval

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/types"
)

// DefaultTTL is applied when a request carries no expiry of its own.
const DefaultTTL = 5 * time.Minute

// scanInterval is how often the expiry scanner sweeps the pending queue.
const scanInterval = 10 * time.Second

var (
	// ErrNotFound is returned when no approval with the given id exists.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyResolved is returned when resolving an approval that
	// already reached a terminal state.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Publisher receives approval lifecycle events. The events broker
// satisfies it.
type Publisher interface {
	Publish(eventType, agentID string, data map[string]interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, map[string]interface{}) {}

// ResolvedFunc observes every transition out of pending, including
// expiry. The control plane uses it to relay verdicts to workers.
type ResolvedFunc func(approval types.PendingApproval)

// Manager owns the pending-approval queue and its bounded history. Pending
// is the only non-terminal state; once resolved or expired an approval
// never transitions again.
type Manager struct {
	pub    Publisher
	logger zerolog.Logger

	mu         sync.RWMutex
	pending    map[string]*types.PendingApproval
	history    []types.PendingApproval
	onResolved ResolvedFunc

	stop chan struct{}
	done chan struct{}
}

// NewManager creates the manager and starts the expiry scanner.
func NewManager(pub Publisher) *Manager {
	if pub == nil {
		pub = nopPublisher{}
	}
	m := &Manager{
		pub:     pub,
		logger:  log.WithComponent("approval"),
		pending: make(map[string]*types.PendingApproval),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.scanLoop()
	return m
}

// OnResolved registers the resolution observer. Must be called before
// traffic starts.
func (m *Manager) OnResolved(fn ResolvedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolved = fn
}

// Close stops the expiry scanner.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

// Add queues a worker-originated approval request. A request without an id
// or expiry gets one assigned.
func (m *Manager) Add(agentID string, req types.ApprovalRequest) types.PendingApproval {
	now := time.Now().UTC()
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultTTL)
	}

	p := &types.PendingApproval{
		ID:          id,
		AgentID:     agentID,
		Category:    req.Category,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		State:       types.ApprovalPending,
	}

	m.mu.Lock()
	m.pending[id] = p
	m.mu.Unlock()

	m.pub.Publish("approval_created", agentID, map[string]interface{}{
		"approvalId": id,
		"category":   string(p.Category),
		"amount":     p.Amount,
	})
	m.logger.Info().
		Str("approval_id", id).
		Str("agent_id", agentID).
		Str("category", string(p.Category)).
		Float64("amount", p.Amount).
		Msg("approval queued")
	return *p
}

// Resolve records a human verdict. Resolving a non-pending approval fails
// with ErrAlreadyResolved; an unknown id fails with ErrNotFound.
func (m *Manager) Resolve(id string, approved bool, respondedBy, reason string) (types.PendingApproval, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		if m.inHistory(id) {
			m.mu.Unlock()
			return types.PendingApproval{}, ErrAlreadyResolved
		}
		m.mu.Unlock()
		return types.PendingApproval{}, ErrNotFound
	}

	now := time.Now().UTC()
	if approved {
		p.State = types.ApprovalApproved
	} else {
		p.State = types.ApprovalDenied
	}
	p.RespondedBy = respondedBy
	p.Reason = reason
	p.RespondedAt = &now
	resolved := *p
	m.retire(p)
	fn := m.onResolved
	m.mu.Unlock()

	m.pub.Publish("approval_updated", resolved.AgentID, map[string]interface{}{
		"approvalId": resolved.ID,
		"state":      string(resolved.State),
	})
	m.logger.Info().
		Str("approval_id", resolved.ID).
		Str("state", string(resolved.State)).
		Str("responded_by", respondedBy).
		Msg("approval resolved")
	if fn != nil {
		fn(resolved)
	}
	return resolved, nil
}

// Get returns an approval by id, pending or historical.
func (m *Manager) Get(id string) (types.PendingApproval, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pending[id]; ok {
		return *p, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], true
		}
	}
	return types.PendingApproval{}, false
}

// Pending returns the queue ordered oldest first, optionally filtered to
// one agent.
func (m *Manager) Pending(agentID string) []types.PendingApproval {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PendingApproval, 0, len(m.pending))
	for _, p := range m.pending {
		if agentID != "" && p.AgentID != agentID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns one page of resolved approvals, newest first.
func (m *Manager) History(limit, offset int) []types.PendingApproval {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.history)
	if limit <= 0 {
		limit = n
	}
	if offset < 0 {
		offset = 0
	}
	out := make([]types.PendingApproval, 0, limit)
	for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Summary is the dashboard rollup of approval activity.
type Summary struct {
	Pending            int     `json:"pending"`
	ApprovedToday      int     `json:"approvedToday"`
	DeniedToday        int     `json:"deniedToday"`
	ExpiredToday       int     `json:"expiredToday"`
	ApprovedSpendToday float64 `json:"approvedSpendToday"`
}

// Summarize computes the rollup: queue depth plus today's resolution
// counts and approved spend.
func (m *Manager) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	s := Summary{Pending: len(m.pending)}
	for _, p := range m.history {
		if p.RespondedAt == nil || p.RespondedAt.Before(midnight) {
			continue
		}
		switch p.State {
		case types.ApprovalApproved:
			s.ApprovedToday++
			s.ApprovedSpendToday += p.Amount
		case types.ApprovalDenied:
			s.DeniedToday++
		case types.ApprovalExpired:
			s.ExpiredToday++
		}
	}
	return s
}

// PendingCount is the dashboard's queue depth.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// retire moves p into the bounded history. Caller holds the write lock.
func (m *Manager) retire(p *types.PendingApproval) {
	delete(m.pending, p.ID)
	m.history = append(m.history, *p)
	if len(m.history) > types.ApprovalHistoryCap {
		m.history = m.history[len(m.history)-types.ApprovalHistoryCap:]
	}
}

func (m *Manager) inHistory(id string) bool {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) scanLoop() {
	defer close(m.done)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.expireDue(time.Now().UTC())
		case <-m.stop:
			return
		}
	}
}

// expireDue transitions every pending approval past its deadline to
// expired and notifies the observer.
func (m *Manager) expireDue(now time.Time) {
	m.mu.Lock()
	var expired []types.PendingApproval
	for _, p := range m.pending {
		if now.Before(p.ExpiresAt) {
			continue
		}
		p.State = types.ApprovalExpired
		resolvedAt := now
		p.RespondedAt = &resolvedAt
		expired = append(expired, *p)
		m.retire(p)
	}
	fn := m.onResolved
	m.mu.Unlock()

	for _, p := range expired {
		m.pub.Publish("approval_updated", p.AgentID, map[string]interface{}{
			"approvalId": p.ID,
			"state":      string(types.ApprovalExpired),
		})
		m.logger.Info().Str("approval_id", p.ID).Msg("approval expired")
		if fn != nil {
			fn(p)
		}
	}
}
