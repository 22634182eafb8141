package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

// StateVersion is the on-disk format version. A file carrying a different
// version is never reinterpreted; the manager starts empty instead.
const StateVersion = 1

// saveInterval is how often dirty state is flushed to disk.
const saveInterval = 30 * time.Second

// Publisher receives fleet events. The events broker satisfies it.
type Publisher interface {
	Publish(eventType, agentID string, data map[string]interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, map[string]interface{}) {}

// state is the persisted document: one JSON file for the whole fleet.
type state struct {
	Version   int                           `json:"version"`
	UpdatedAt time.Time                     `json:"updatedAt"`
	Agents    map[string]*types.AgentRecord `json:"agents"`
}

// Manager owns all agent records and their persistence. All mutations pass
// through it; readers get copies.
type Manager struct {
	path   string
	pub    Publisher
	logger zerolog.Logger

	mu     sync.RWMutex
	agents map[string]*types.AgentRecord
	dirty  bool

	stop chan struct{}
	done chan struct{}
}

// NewManager loads fleet state from path (creating parent directories as
// needed) and starts the periodic flush loop. Loaded agents are marked
// offline; liveness is only ever established by a live session.
func NewManager(path string, pub Publisher) (*Manager, error) {
	if pub == nil {
		pub = nopPublisher{}
	}
	m := &Manager{
		path:   path,
		pub:    pub,
		logger: log.WithComponent("fleet"),
		agents: make(map[string]*types.AgentRecord),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	go m.flushLoop()
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.logger.Info().Str("path", m.path).Msg("no existing state, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read fleet state: %w", err)
	}

	// A corrupt or unrecognized file must not brick the control plane:
	// log it and start empty.
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		m.logger.Warn().Err(err).Str("path", m.path).Msg("fleet state unreadable, starting empty")
		return nil
	}
	if st.Version != StateVersion {
		m.logger.Warn().Int("version", st.Version).Str("path", m.path).
			Msg("unknown fleet state version, starting empty")
		return nil
	}

	for id, rec := range st.Agents {
		// Connections never survive a restart.
		rec.Connection = types.ConnectionOffline
		rec.RemoteAddr = ""
		m.agents[id] = rec
	}
	m.logger.Info().Int("agents", len(m.agents)).Str("path", m.path).Msg("fleet state loaded")
	return nil
}

// save writes the state file atomically. Callers hold at least a read lock.
func (m *Manager) save() error {
	st := state{Version: StateVersion, UpdatedAt: time.Now().UTC(), Agents: m.agents}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fleet state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write fleet state: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace fleet state: %w", err)
	}
	return nil
}

func (m *Manager) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Flush()
		case <-m.stop:
			return
		}
	}
}

// Flush persists state now if anything changed since the last save.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return
	}
	if err := m.save(); err != nil {
		m.logger.Error().Err(err).Msg("state flush failed")
		return
	}
	m.dirty = false
}

// Close stops the flush loop and performs a final flush.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
	m.Flush()
}

func (m *Manager) markDirty() { m.dirty = true }

// Register creates or refreshes the record for a deployed agent. On
// re-registration (a re-provision of an existing agent) the activity
// history and cumulative counters are preserved.
func (m *Manager) Register(mf manifest.Manifest, inst *types.VpsInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := mf.Identity.ID
	rec, ok := m.agents[id]
	if !ok {
		// A freshly provisioned agent has never dialed in, so its
		// connection is unknown until the first session settles it.
		rec = &types.AgentRecord{
			Connection:    types.ConnectionUnknown,
			DeployedAt:    time.Now().UTC(),
			RecentActions: []types.ActionLogEntry{},
			RecentErrors:  []types.ErrorEntry{},
		}
		m.agents[id] = rec
	}
	rec.Manifest = mf
	rec.Instance = inst
	m.markDirty()

	m.pub.Publish("agent_registered", id, map[string]interface{}{"name": mf.Identity.Name})
	m.logger.Info().Str("agent_id", id).Str("name", mf.Identity.Name).Msg("agent registered")
}

// Remove deletes an agent's record entirely.
func (m *Manager) Remove(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return false
	}
	delete(m.agents, agentID)
	m.markDirty()
	m.pub.Publish("agent_removed", agentID, nil)
	return true
}

// Get returns a copy of one agent's record.
func (m *Manager) Get(agentID string) (types.AgentRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return types.AgentRecord{}, false
	}
	return copyRecord(rec), true
}

// List returns copies of every record, ordered by deployment time then id.
func (m *Manager) List() []types.AgentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.AgentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].DeployedAt.Before(out[j].DeployedAt)
		}
		return out[i].Manifest.Identity.ID < out[j].Manifest.Identity.ID
	})
	return out
}

// Online returns copies of every record with a live connection.
func (m *Manager) Online() []types.AgentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.AgentRecord
	for _, rec := range m.agents {
		if rec.Connection == types.ConnectionOnline {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.Identity.ID < out[j].Manifest.Identity.ID
	})
	return out
}

// MarkOnline flips an agent online when its session is admitted.
func (m *Manager) MarkOnline(agentID, remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.Connection = types.ConnectionOnline
	rec.RemoteAddr = remoteAddr
	m.markDirty()
	m.pub.Publish("agent_online", agentID, map[string]interface{}{"remoteAddr": remoteAddr})
}

// MarkOffline flips an agent offline when its session ends.
func (m *Manager) MarkOffline(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.Connection = types.ConnectionOffline
	rec.RemoteAddr = ""
	m.markDirty()
	m.pub.Publish("agent_offline", agentID, nil)
}

// RecordHeartbeat notes worker liveness.
func (m *Manager) RecordHeartbeat(agentID string, uptimeSec int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.LastHeartbeat = time.Now().UTC()
	rec.UptimeSec = uptimeSec
	m.markDirty()
}

// RecordStatus stores the latest worker status report.
func (m *Manager) RecordStatus(agentID string, report *types.StatusReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.LastStatus = report
	rec.UptimeSec = report.UptimeSec
	m.markDirty()
	m.pub.Publish("status", agentID, map[string]interface{}{"state": string(report.State)})
}

// RecordAction appends to the bounded action ring, bumps the lifetime
// counter, and accounts spend actions against the cumulative total. The
// ring is stored oldest-first; the Actions view serves it newest-first.
func (m *Manager) RecordAction(agentID string, entry types.ActionLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.RecentActions = append(rec.RecentActions, entry)
	if len(rec.RecentActions) > types.RecentActionsCap {
		rec.RecentActions = rec.RecentActions[len(rec.RecentActions)-types.RecentActionsCap:]
	}
	rec.TotalActions++
	data := map[string]interface{}{
		"category": string(entry.Category),
		"summary":  entry.Summary,
	}
	if entry.Category == types.ActionSpend {
		if amount, ok := entry.Details["amount"].(float64); ok {
			rec.TotalSpend += amount
			data["amount"] = amount
		}
	}
	m.markDirty()
	m.pub.Publish("action", agentID, data)
}

// RecordError appends to the bounded error ring.
func (m *Manager) RecordError(agentID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	rec.RecentErrors = append(rec.RecentErrors, types.ErrorEntry{
		Timestamp: time.Now().UTC(),
		Message:   message,
	})
	if len(rec.RecentErrors) > types.RecentErrorsCap {
		rec.RecentErrors = rec.RecentErrors[len(rec.RecentErrors)-types.RecentErrorsCap:]
	}
	m.markDirty()
	m.pub.Publish("error", agentID, map[string]interface{}{"message": message})
}

// UpdateGoals replaces an agent's stored goal list so dashboard reads stay
// consistent with what was pushed to the worker.
func (m *Manager) UpdateGoals(agentID string, goals []manifest.Goal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return false
	}
	rec.Manifest.Goals = goals
	m.markDirty()
	return true
}

// Actions returns one page of an agent's recent actions, newest first.
func (m *Manager) Actions(agentID string, limit, offset int) ([]types.ActionLogEntry, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, 0, false
	}
	n := len(rec.RecentActions)
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	out := make([]types.ActionLogEntry, 0, limit)
	for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, rec.RecentActions[i])
	}
	return out, n, true
}

// Summary is the fleet-level dashboard rollup.
type Summary struct {
	TotalAgents  int     `json:"totalAgents"`
	Online       int     `json:"online"`
	Offline      int     `json:"offline"`
	TotalActions int64   `json:"totalActions"`
	TotalSpend   float64 `json:"totalSpend"`
}

// Summarize computes the fleet rollup.
func (m *Manager) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Summary
	for _, rec := range m.agents {
		s.TotalAgents++
		if rec.Connection == types.ConnectionOnline {
			s.Online++
		} else {
			s.Offline++
		}
		s.TotalActions += rec.TotalActions
		s.TotalSpend += rec.TotalSpend
	}
	return s
}

func copyRecord(rec *types.AgentRecord) types.AgentRecord {
	out := *rec
	if rec.Instance != nil {
		inst := *rec.Instance
		out.Instance = &inst
	}
	if rec.LastStatus != nil {
		st := *rec.LastStatus
		out.LastStatus = &st
	}
	out.RecentActions = append([]types.ActionLogEntry(nil), rec.RecentActions...)
	out.RecentErrors = append([]types.ErrorEntry(nil), rec.RecentErrors...)
	return out
}
