package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/pkg/approval"
	"github.com/moltagent/moltagent/pkg/fleet"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

const agentID = "f47ac10b-58cc-4372-a567-0e02b2c3d479"

type fakeFleet struct {
	records map[string]types.AgentRecord
	removed []string
	goals   map[string][]manifest.Goal
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		records: make(map[string]types.AgentRecord),
		goals:   make(map[string][]manifest.Goal),
	}
}

func (f *fakeFleet) Get(id string) (types.AgentRecord, bool) {
	rec, ok := f.records[id]
	return rec, ok
}

func (f *fakeFleet) List() []types.AgentRecord {
	out := make([]types.AgentRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out
}

func (f *fakeFleet) Online() []types.AgentRecord {
	var out []types.AgentRecord
	for _, rec := range f.records {
		if rec.Connection == types.ConnectionOnline {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeFleet) Register(mf manifest.Manifest, inst *types.VpsInstance) {
	f.records[mf.Identity.ID] = types.AgentRecord{Manifest: mf, Instance: inst, Connection: types.ConnectionUnknown}
}

func (f *fakeFleet) Remove(id string) bool {
	_, ok := f.records[id]
	delete(f.records, id)
	f.removed = append(f.removed, id)
	return ok
}

func (f *fakeFleet) Actions(id string, limit, offset int) ([]types.ActionLogEntry, int, bool) {
	rec, ok := f.records[id]
	if !ok {
		return nil, 0, false
	}
	return rec.RecentActions, len(rec.RecentActions), true
}

func (f *fakeFleet) UpdateGoals(id string, goals []manifest.Goal) bool {
	f.goals[id] = goals
	_, ok := f.records[id]
	return ok
}

func (f *fakeFleet) Summarize() fleet.Summary {
	return fleet.Summary{TotalAgents: len(f.records)}
}

type fakeApprovals struct {
	pending  []types.PendingApproval
	resolved map[string]bool
}

func (a *fakeApprovals) Pending(agentID string) []types.PendingApproval {
	if agentID == "" {
		return a.pending
	}
	var out []types.PendingApproval
	for _, p := range a.pending {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	return out
}

func (a *fakeApprovals) History(limit, offset int) []types.PendingApproval { return nil }

func (a *fakeApprovals) Resolve(id string, approved bool, respondedBy, reason string) (types.PendingApproval, error) {
	if a.resolved[id] {
		return types.PendingApproval{}, approval.ErrAlreadyResolved
	}
	for _, p := range a.pending {
		if p.ID == id {
			if a.resolved == nil {
				a.resolved = make(map[string]bool)
			}
			a.resolved[id] = true
			state := types.ApprovalDenied
			if approved {
				state = types.ApprovalApproved
			}
			p.State = state
			p.RespondedBy = respondedBy
			p.Reason = reason
			return p, nil
		}
	}
	return types.PendingApproval{}, approval.ErrNotFound
}

func (a *fakeApprovals) Summarize() approval.Summary {
	return approval.Summary{Pending: len(a.pending)}
}

type fakePlane struct {
	online map[string]bool
	sent   []types.Message
}

func (p *fakePlane) Connected(agentID string) bool { return p.online[agentID] }

func (p *fakePlane) SendToAgent(agentID string, msg types.Message) error {
	if !p.online[agentID] {
		return errors.New("agent not connected")
	}
	p.sent = append(p.sent, msg)
	return nil
}

type fakeProvisioner struct {
	provisionErr error
	destroyed    []string
}

func (p *fakeProvisioner) Provision(ctx context.Context, m *manifest.Manifest) (*types.VpsInstance, error) {
	if p.provisionErr != nil {
		return nil, p.provisionErr
	}
	return &types.VpsInstance{ID: "inst-1", Provider: "hetzner", AgentID: m.Identity.ID}, nil
}

func (p *fakeProvisioner) Destroy(ctx context.Context, agentID string) error {
	p.destroyed = append(p.destroyed, agentID)
	return nil
}

type harness struct {
	srv   *Server
	fleet *fakeFleet
	appr  *fakeApprovals
	plane *fakePlane
	prov  *fakeProvisioner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fleet: newFakeFleet(),
		appr:  &fakeApprovals{},
		plane: &fakePlane{online: make(map[string]bool)},
		prov:  &fakeProvisioner{},
	}
	h.srv = NewServer(Config{
		Token:       "secret",
		Fleet:       h.fleet,
		Approvals:   h.appr,
		Plane:       h.plane,
		Provisioner: h.prov,
	})
	return h
}

func (h *harness) seedAgent(t *testing.T, online bool) {
	t.Helper()
	m, err := manifest.Parse([]byte(`{
		"identity": {"id": "` + agentID + `", "name": "agent-one"},
		"controlPlane": {"url": "ws://localhost:18790", "token": "cp-secret"},
		"channels": [{"type": "slack", "enabled": true, "credentials": {"botToken": "xoxb-123"}}]
	}`))
	require.NoError(t, err)
	h.fleet.Register(*m, &types.VpsInstance{ID: "inst-1", Provider: "hetzner"})
	if online {
		rec := h.fleet.records[agentID]
		rec.Connection = types.ConnectionOnline
		h.fleet.records[agentID] = rec
		h.plane.online[agentID] = true
	}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer secret")
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthUnauthenticated(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/moltagent/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboardRequiresToken(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/moltagent/dashboard/agents", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReadyEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/moltagent/ready", map[string]string{"agentId": agentID}, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/moltagent/ready", map[string]string{}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOverview(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, true)

	rec := h.do(t, http.MethodGet, "/moltagent/dashboard/overview", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Fleet        fleet.Summary    `json:"fleet"`
		Approvals    approval.Summary `json:"approvals"`
		OnlineAgents []string         `json:"onlineAgents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Fleet.TotalAgents)
	assert.Equal(t, []string{agentID}, body.OnlineAgents)
}

func TestGetAgentRedactsSecrets(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, false)

	rec := h.do(t, http.MethodGet, "/moltagent/dashboard/agents/"+agentID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.AgentRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "***", got.Manifest.ControlPlane.Token)
	require.Len(t, got.Manifest.Channels, 1)
	assert.Equal(t, "***", got.Manifest.Channels[0].Credentials["botToken"])

	rec = h.do(t, http.MethodGet, "/moltagent/dashboard/agents/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployAgent(t *testing.T) {
	h := newHarness(t)

	body := map[string]interface{}{
		"identity":     map[string]string{"id": agentID, "name": "agent-one"},
		"controlPlane": map[string]interface{}{"url": "ws://localhost:18790"},
	}
	rec := h.do(t, http.MethodPost, "/moltagent/dashboard/agents", body, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		AgentID  string             `json:"agentId"`
		Instance *types.VpsInstance `json:"instance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, agentID, resp.AgentID)
	assert.Equal(t, "inst-1", resp.Instance.ID)

	_, ok := h.fleet.Get(agentID)
	assert.True(t, ok)
}

func TestDeployAgentValidationFailure(t *testing.T) {
	h := newHarness(t)

	body := map[string]interface{}{
		"identity":     map[string]string{"id": "not-a-uuid", "name": "x"},
		"controlPlane": map[string]interface{}{"url": "ws://localhost:18790"},
	}
	rec := h.do(t, http.MethodPost, "/moltagent/dashboard/agents", body, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Issues []manifest.Issue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Issues)
	assert.Equal(t, "identity.id", resp.Issues[0].Field)
}

func TestDeployAgentProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.provisionErr = errors.New("hetzner API error: status 422")

	body := map[string]interface{}{
		"identity":     map[string]string{"id": agentID, "name": "agent-one"},
		"controlPlane": map[string]interface{}{"url": "ws://localhost:18790"},
	}
	rec := h.do(t, http.MethodPost, "/moltagent/dashboard/agents", body, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "422")
}

func TestDeleteAgent(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, true)

	rec := h.do(t, http.MethodDelete, "/moltagent/dashboard/agents/"+agentID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{agentID}, h.prov.destroyed)
	assert.Equal(t, []string{agentID}, h.fleet.removed)
	require.Len(t, h.plane.sent, 1)
	assert.Equal(t, types.MsgShutdown, h.plane.sent[0].Type)
}

func TestRelayToOfflineAgent(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, false)

	rec := h.do(t, http.MethodPost, "/moltagent/dashboard/agents/"+agentID+"/message",
		map[string]string{"content": "hello"}, true)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		AgentOnline bool `json:"agentOnline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.AgentOnline)
}

func TestRelayMessageAndRestart(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, true)

	rec := h.do(t, http.MethodPost, "/moltagent/dashboard/agents/"+agentID+"/message",
		map[string]string{"content": "hello", "channel": "slack"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/moltagent/dashboard/agents/"+agentID+"/restart", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.plane.sent, 2)
	assert.Equal(t, types.MsgSendMessage, h.plane.sent[0].Type)
	assert.Equal(t, "hello", h.plane.sent[0].Content)
	assert.Equal(t, types.MsgRestart, h.plane.sent[1].Type)

	// Empty content is a validation failure.
	rec = h.do(t, http.MethodPost, "/moltagent/dashboard/agents/"+agentID+"/message",
		map[string]string{"channel": "slack"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateGoalsStoresAndRelays(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, true)

	body := map[string]interface{}{
		"goals": []map[string]interface{}{{"description": "ship it", "priority": 1}},
	}
	rec := h.do(t, http.MethodPost, "/moltagent/dashboard/agents/"+agentID+"/goals", body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.fleet.goals[agentID], 1)
	require.Len(t, h.plane.sent, 1)
	assert.Equal(t, types.MsgUpdateGoals, h.plane.sent[0].Type)
	assert.Equal(t, "ship it", h.plane.sent[0].Goals[0].Description)
}

func TestRespondApproval(t *testing.T) {
	h := newHarness(t)
	h.appr.pending = []types.PendingApproval{{ID: "apr-1", AgentID: agentID, State: types.ApprovalPending}}

	rec := h.do(t, http.MethodPost, "/moltagent/dashboard/approvals/apr-1/respond",
		map[string]interface{}{"approved": true, "reason": "fine"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved types.PendingApproval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, types.ApprovalApproved, resolved.State)
	assert.Equal(t, "dashboard", resolved.RespondedBy)

	// Second verdict on the same approval.
	rec = h.do(t, http.MethodPost, "/moltagent/dashboard/approvals/apr-1/respond",
		map[string]interface{}{"approved": false}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown id.
	rec = h.do(t, http.MethodPost, "/moltagent/dashboard/approvals/nope/respond",
		map[string]interface{}{"approved": true}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing verdict.
	rec = h.do(t, http.MethodPost, "/moltagent/dashboard/approvals/apr-1/respond",
		map[string]interface{}{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingApprovalsFilter(t *testing.T) {
	h := newHarness(t)
	h.appr.pending = []types.PendingApproval{
		{ID: "apr-1", AgentID: agentID},
		{ID: "apr-2", AgentID: "other"},
	}

	rec := h.do(t, http.MethodGet, "/moltagent/dashboard/approvals?agentId="+agentID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []types.PendingApproval
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "apr-1", got[0].ID)
}
