package approval

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil)
	t.Cleanup(m.Close)
	return m
}

func TestAddAssignsIDAndExpiry(t *testing.T) {
	m := newTestManager(t)
	p := m.Add("a-1", types.ApprovalRequest{
		Category:    types.ApprovalSpend,
		Description: "buy domain",
		Amount:      12.99,
		Currency:    "USD",
	})

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "a-1", p.AgentID)
	assert.Equal(t, types.ApprovalPending, p.State)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), p.ExpiresAt, 5*time.Second)
	assert.Equal(t, 1, m.PendingCount())
}

func TestResolveApprove(t *testing.T) {
	m := newTestManager(t)
	var observed []types.PendingApproval
	m.OnResolved(func(p types.PendingApproval) { observed = append(observed, p) })

	p := m.Add("a-1", types.ApprovalRequest{ID: "req-1", Category: types.ApprovalAction})
	resolved, err := m.Resolve(p.ID, true, "operator", "looks fine")
	require.NoError(t, err)

	assert.Equal(t, types.ApprovalApproved, resolved.State)
	assert.Equal(t, "operator", resolved.RespondedBy)
	require.NotNil(t, resolved.RespondedAt)
	assert.Equal(t, 0, m.PendingCount())

	require.Len(t, observed, 1)
	assert.Equal(t, "req-1", observed[0].ID)

	got, ok := m.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, types.ApprovalApproved, got.State)
}

func TestResolveTerminalStatesAreFinal(t *testing.T) {
	m := newTestManager(t)
	p := m.Add("a-1", types.ApprovalRequest{Category: types.ApprovalSpend})

	_, err := m.Resolve(p.ID, false, "operator", "too expensive")
	require.NoError(t, err)

	_, err = m.Resolve(p.ID, true, "operator", "changed my mind")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = m.Resolve("missing", true, "operator", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiryTransitionsAndNotifies(t *testing.T) {
	m := newTestManager(t)
	var observed []types.PendingApproval
	m.OnResolved(func(p types.PendingApproval) { observed = append(observed, p) })

	past := time.Now().UTC().Add(-time.Second)
	p := m.Add("a-1", types.ApprovalRequest{ID: "req-1", ExpiresAt: past})
	fresh := m.Add("a-1", types.ApprovalRequest{ID: "req-2"})

	m.expireDue(time.Now().UTC())

	got, _ := m.Get(p.ID)
	assert.Equal(t, types.ApprovalExpired, got.State)
	require.Len(t, observed, 1)
	assert.Equal(t, "req-1", observed[0].ID)

	stillPending, _ := m.Get(fresh.ID)
	assert.Equal(t, types.ApprovalPending, stillPending.State)

	// Expired is terminal.
	_, err := m.Resolve(p.ID, true, "operator", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestPendingOrderedOldestFirst(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		m.Add("a-1", types.ApprovalRequest{ID: fmt.Sprintf("req-%d", i)})
		time.Sleep(2 * time.Millisecond)
	}

	pending := m.Pending("")
	require.Len(t, pending, 3)
	assert.Equal(t, "req-0", pending[0].ID)
	assert.Equal(t, "req-2", pending[2].ID)
}

func TestPendingFilteredByAgent(t *testing.T) {
	m := newTestManager(t)
	m.Add("a-1", types.ApprovalRequest{ID: "req-1"})
	m.Add("a-2", types.ApprovalRequest{ID: "req-2"})

	onlyA2 := m.Pending("a-2")
	require.Len(t, onlyA2, 1)
	assert.Equal(t, "req-2", onlyA2[0].ID)
	assert.Len(t, m.Pending(""), 2)
}

func TestSummarize(t *testing.T) {
	m := newTestManager(t)

	p1 := m.Add("a-1", types.ApprovalRequest{ID: "req-1", Category: types.ApprovalSpend, Amount: 10})
	p2 := m.Add("a-1", types.ApprovalRequest{ID: "req-2", Category: types.ApprovalSpend, Amount: 7})
	m.Add("a-1", types.ApprovalRequest{ID: "req-3"})
	expired := m.Add("a-1", types.ApprovalRequest{ID: "req-4", ExpiresAt: time.Now().UTC().Add(-time.Second)})

	_, err := m.Resolve(p1.ID, true, "operator", "")
	require.NoError(t, err)
	_, err = m.Resolve(p2.ID, false, "operator", "too much")
	require.NoError(t, err)
	m.expireDue(time.Now().UTC())
	_ = expired

	s := m.Summarize()
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.ApprovedToday)
	assert.Equal(t, 1, s.DeniedToday)
	assert.Equal(t, 1, s.ExpiredToday)
	assert.Equal(t, 10.0, s.ApprovedSpendToday)
}

func TestHistoryBoundedNewestFirst(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < types.ApprovalHistoryCap+5; i++ {
		p := m.Add("a-1", types.ApprovalRequest{ID: fmt.Sprintf("req-%d", i)})
		_, err := m.Resolve(p.ID, true, "operator", "")
		require.NoError(t, err)
	}

	hist := m.History(0, 0)
	require.Len(t, hist, types.ApprovalHistoryCap)
	assert.Equal(t, fmt.Sprintf("req-%d", types.ApprovalHistoryCap+4), hist[0].ID)

	page := m.History(2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, fmt.Sprintf("req-%d", types.ApprovalHistoryCap+3), page[0].ID)
}

func TestPublisherSeesLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewManager(pub)
	defer m.Close()

	p := m.Add("a-1", types.ApprovalRequest{ID: "req-1"})
	_, err := m.Resolve(p.ID, true, "operator", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"approval_created:a-1", "approval_updated:a-1"}, pub.events)
}

type recordingPublisher struct {
	events []string
}

func (p *recordingPublisher) Publish(eventType, agentID string, data map[string]interface{}) {
	p.events = append(p.events, eventType+":"+agentID)
}
