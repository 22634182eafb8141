package fleet

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(eventType, agentID string, data map[string]interface{}) {
	p.events = append(p.events, eventType+":"+agentID)
}

func testManifest(t *testing.T, id string) manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(fmt.Sprintf(`{
		"identity": {"id": %q, "name": "agent-one"},
		"controlPlane": {"url": "ws://localhost:18790"}
	}`, id)))
	require.NoError(t, err)
	return *m
}

const agentID = "f47ac10b-58cc-4372-a567-0e02b2c3d479"

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.json")
	m, err := NewManager(path, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, path
}

func TestRegisterAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(testManifest(t, agentID), &types.VpsInstance{ID: "i-1", Provider: "hetzner"})

	rec, ok := m.Get(agentID)
	require.True(t, ok)
	assert.Equal(t, "agent-one", rec.Manifest.Identity.Name)
	// No session yet, so liveness is unknown rather than offline.
	assert.Equal(t, types.ConnectionUnknown, rec.Connection)
	assert.Equal(t, "i-1", rec.Instance.ID)
	assert.False(t, rec.DeployedAt.IsZero())
}

func TestReregisterPreservesHistory(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(testManifest(t, agentID), &types.VpsInstance{ID: "i-1"})
	m.RecordAction(agentID, types.ActionLogEntry{ID: "act-1", Category: types.ActionSpend,
		Details: map[string]interface{}{"amount": 2.5}})
	m.RecordError(agentID, "boom")

	m.Register(testManifest(t, agentID), &types.VpsInstance{ID: "i-2"})

	rec, _ := m.Get(agentID)
	assert.Equal(t, "i-2", rec.Instance.ID)
	assert.Equal(t, int64(1), rec.TotalActions)
	assert.Equal(t, 2.5, rec.TotalSpend)
	assert.Len(t, rec.RecentActions, 1)
	assert.Len(t, rec.RecentErrors, 1)
}

func TestActionRingBounded(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(testManifest(t, agentID), nil)

	for i := 0; i < types.RecentActionsCap+10; i++ {
		m.RecordAction(agentID, types.ActionLogEntry{ID: fmt.Sprintf("act-%d", i)})
	}

	rec, _ := m.Get(agentID)
	assert.Len(t, rec.RecentActions, types.RecentActionsCap)
	assert.Equal(t, int64(types.RecentActionsCap+10), rec.TotalActions)
	// Oldest entries were dropped.
	assert.Equal(t, "act-10", rec.RecentActions[0].ID)
}

func TestErrorRingBounded(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(testManifest(t, agentID), nil)

	for i := 0; i < types.RecentErrorsCap+5; i++ {
		m.RecordError(agentID, fmt.Sprintf("err-%d", i))
	}

	rec, _ := m.Get(agentID)
	assert.Len(t, rec.RecentErrors, types.RecentErrorsCap)
	assert.Equal(t, "err-5", rec.RecentErrors[0].Message)
}

func TestSpendAccountingIgnoresNonNumericAmount(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(testManifest(t, agentID), nil)

	m.RecordAction(agentID, types.ActionLogEntry{Category: types.ActionSpend,
		Details: map[string]interface{}{"amount": "not a number"}})
	m.RecordAction(agentID, types.ActionLogEntry{Category: types.ActionSpend,
		Details: map[string]interface{}{"amount": 1.25}})
	m.RecordAction(agentID, types.ActionLogEntry{Category: types.ActionBrowse,
		Details: map[string]interface{}{"amount": 99.0}})

	rec, _ := m.Get(agentID)
	assert.Equal(t, 1.25, rec.TotalSpend)
	assert.Equal(t, int64(3), rec.TotalActions)
}

func TestStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	m, err := NewManager(path, nil)
	require.NoError(t, err)

	m.Register(testManifest(t, agentID), &types.VpsInstance{ID: "i-1", Provider: "hetzner"})
	m.MarkOnline(agentID, "10.0.0.1:5000")
	m.RecordAction(agentID, types.ActionLogEntry{Category: types.ActionSpend,
		Details: map[string]interface{}{"amount": 3.0}})
	m.Close()

	reloaded, err := NewManager(path, nil)
	require.NoError(t, err)
	defer reloaded.Close()

	rec, ok := reloaded.Get(agentID)
	require.True(t, ok)
	// Connections never survive a restart.
	assert.Equal(t, types.ConnectionOffline, rec.Connection)
	assert.Empty(t, rec.RemoteAddr)
	assert.Equal(t, 3.0, rec.TotalSpend)
	assert.Equal(t, int64(1), rec.TotalActions)
}

func TestLoadStartsEmptyOnUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "agents": {}}`), 0o600))

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()
	assert.Empty(t, m.List())
}

func TestLoadStartsEmptyOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1, "agents": {`), 0o600))

	m, err := NewManager(path, nil)
	require.NoError(t, err)
	defer m.Close()
	assert.Empty(t, m.List())

	// The manager is fully usable despite the bad file.
	m.Register(testManifest(t, agentID), nil)
	_, ok := m.Get(agentID)
	assert.True(t, ok)
}

func TestOnlineOfflineTransitionsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	path := filepath.Join(t.TempDir(), "fleet.json")
	m, err := NewManager(path, pub)
	require.NoError(t, err)
	defer m.Close()

	m.Register(testManifest(t, agentID), nil)
	m.MarkOnline(agentID, "10.0.0.1:5000")
	m.MarkOffline(agentID)

	rec, _ := m.Get(agentID)
	assert.Equal(t, types.ConnectionOffline, rec.Connection)
	assert.Equal(t, []string{
		"agent_registered:" + agentID,
		"agent_online:" + agentID,
		"agent_offline:" + agentID,
	}, pub.events)
}

func TestActionsPagination(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(testManifest(t, agentID), nil)
	for i := 0; i < 10; i++ {
		m.RecordAction(agentID, types.ActionLogEntry{ID: fmt.Sprintf("act-%d", i)})
	}

	page, total, ok := m.Actions(agentID, 3, 0)
	require.True(t, ok)
	assert.Equal(t, 10, total)
	require.Len(t, page, 3)
	assert.Equal(t, "act-9", page[0].ID)

	page, _, _ = m.Actions(agentID, 3, 8)
	require.Len(t, page, 2)
	assert.Equal(t, "act-1", page[0].ID)

	_, _, ok = m.Actions("missing", 3, 0)
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	m, _ := newTestManager(t)
	other := "0b2c3d47-58cc-4372-a567-f47ac10b9e02"
	m.Register(testManifest(t, agentID), nil)
	m.Register(testManifest(t, other), nil)
	m.MarkOnline(agentID, "10.0.0.1:5000")
	m.RecordAction(agentID, types.ActionLogEntry{Category: types.ActionSpend,
		Details: map[string]interface{}{"amount": 4.0}})

	s := m.Summarize()
	assert.Equal(t, 2, s.TotalAgents)
	assert.Equal(t, 1, s.Online)
	assert.Equal(t, 1, s.Offline)
	assert.Equal(t, int64(1), s.TotalActions)
	assert.Equal(t, 4.0, s.TotalSpend)
}

func TestRecordStatusAndHeartbeat(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(testManifest(t, agentID), nil)

	m.RecordHeartbeat(agentID, 120)
	m.RecordStatus(agentID, &types.StatusReport{State: types.WorkerIdle, UptimeSec: 150})

	rec, _ := m.Get(agentID)
	require.NotNil(t, rec.LastStatus)
	assert.Equal(t, types.WorkerIdle, rec.LastStatus.State)
	assert.Equal(t, int64(150), rec.UptimeSec)
	assert.WithinDuration(t, time.Now(), rec.LastHeartbeat, 5*time.Second)
}
