package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(`{
		"identity": {"id": "f47ac10b-58cc-4372-a567-0e02b2c3d479", "name": "crawler", "ownerId": "owner-1"},
		"controlPlane": {"url": "ws://plane.example.com:18790"}
	}`))
	require.NoError(t, err)
	return m
}

func TestHetznerCreate(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/servers", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"server": {
			"id": 42,
			"name": "moltagent-f47ac10b",
			"status": "initializing",
			"created": "2026-08-24T10:00:00Z",
			"public_net": {"ipv4": {"ip": "192.0.2.10"}},
			"server_type": {"name": "cx22"},
			"datacenter": {"location": {"name": "nbg1"}}
		}}`))
	}))
	defer srv.Close()

	p := NewHetzner(HetznerConfig{Token: "test-token", BaseURL: srv.URL})
	inst, err := p.Create(context.Background(), CreateRequest{
		Manifest:        testManifest(t),
		BootstrapScript: "#!/bin/bash\necho hi\n",
	})
	require.NoError(t, err)

	assert.Equal(t, "42", inst.ID)
	assert.Equal(t, "hetzner", inst.Provider)
	assert.Equal(t, types.InstanceCreating, inst.Status)
	assert.Equal(t, "192.0.2.10", inst.PublicIPv4)
	assert.Equal(t, "f47ac10b-58cc-4372-a567-0e02b2c3d479", inst.AgentID)

	assert.Equal(t, "moltagent-f47ac10b", captured["name"])
	assert.Equal(t, "#!/bin/bash\necho hi\n", captured["user_data"])
	assert.Equal(t, true, captured["start_after_create"])
	labels := captured["labels"].(map[string]interface{})
	assert.Equal(t, "true", labels[ManagedLabel])
	assert.Equal(t, "f47ac10b-58cc-4372-a567-0e02b2c3d479", labels[AgentIDLabel])
	assert.Equal(t, "owner-1", labels[OwnerIDLabel])
}

func TestHetznerCreateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": {"code": "invalid_input", "message": "server_type unknown"}}`))
	}))
	defer srv.Close()

	p := NewHetzner(HetznerConfig{Token: "t", BaseURL: srv.URL})
	_, err := p.Create(context.Background(), CreateRequest{Manifest: testManifest(t)})
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "server_type unknown")
	assert.Contains(t, apiErr.Error(), "hetzner")
}

func TestHetznerStatusMapping(t *testing.T) {
	tests := []struct {
		native string
		want   types.InstanceStatus
	}{
		{"initializing", types.InstanceCreating},
		{"starting", types.InstanceCreating},
		{"running", types.InstanceRunning},
		{"stopping", types.InstanceStopping},
		{"off", types.InstanceStopped},
		{"migrating", types.InstanceError},
	}
	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			assert.Equal(t, tt.want, mapHetznerStatus(tt.native))
		})
	}
}

func TestHetznerStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": "not_found"}}`))
	}))
	defer srv.Close()

	p := NewHetzner(HetznerConfig{Token: "t", BaseURL: srv.URL})
	_, err := p.Status(context.Background(), "99")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	err = p.Destroy(context.Background(), "99")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestHetznerList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "moltagent=true", r.URL.Query().Get("label_selector"))
		w.Write([]byte(`{"servers": [
			{"id": 1, "status": "running", "labels": {"agent-id": "a-1"}},
			{"id": 2, "status": "off", "labels": {"agent-id": "a-2"}}
		]}`))
	}))
	defer srv.Close()

	p := NewHetzner(HetznerConfig{Token: "t", BaseURL: srv.URL})
	instances, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "a-1", instances[0].AgentID)
	assert.Equal(t, types.InstanceStopped, instances[1].Status)
}
