package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/approval"
	"github.com/moltagent/moltagent/pkg/events"
	"github.com/moltagent/moltagent/pkg/fleet"
	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

// Fleet is the slice of the fleet manager the API needs.
type Fleet interface {
	Get(agentID string) (types.AgentRecord, bool)
	List() []types.AgentRecord
	Online() []types.AgentRecord
	Register(mf manifest.Manifest, inst *types.VpsInstance)
	Remove(agentID string) bool
	Actions(agentID string, limit, offset int) ([]types.ActionLogEntry, int, bool)
	UpdateGoals(agentID string, goals []manifest.Goal) bool
	Summarize() fleet.Summary
}

// Approvals is the slice of the approval manager the API needs.
type Approvals interface {
	Pending(agentID string) []types.PendingApproval
	History(limit, offset int) []types.PendingApproval
	Resolve(id string, approved bool, respondedBy, reason string) (types.PendingApproval, error)
	Summarize() approval.Summary
}

// Plane is the slice of the control-plane server the API needs.
type Plane interface {
	Connected(agentID string) bool
	SendToAgent(agentID string, msg types.Message) error
}

// Provisioner is the slice of the provisioner the API needs.
type Provisioner interface {
	Provision(ctx context.Context, m *manifest.Manifest) (*types.VpsInstance, error)
	Destroy(ctx context.Context, agentID string) error
}

// Recents serves the recent-events feed.
type Recents interface {
	Recent(limit int) []events.Event
}

// Config wires the API's collaborators.
type Config struct {
	Token       string
	Fleet       Fleet
	Approvals   Approvals
	Plane       Plane
	Provisioner Provisioner
	Events      Recents

	// WSHandler terminates worker WebSocket upgrades at /moltagent/ws.
	WSHandler http.Handler
	// MetricsHandler serves /moltagent/metrics when set.
	MetricsHandler http.Handler
}

// Server is the management HTTP surface: everything the dashboard and CLI
// talk to, mounted under /moltagent.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: log.WithComponent("api")}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/moltagent", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/ready", s.handleReady)
		if s.cfg.WSHandler != nil {
			r.Handle("/ws", s.cfg.WSHandler)
		}
		if s.cfg.MetricsHandler != nil {
			r.Handle("/metrics", s.cfg.MetricsHandler)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.auth)
			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/overview", s.handleOverview)
				r.Get("/events", s.handleEvents)

				r.Route("/agents", func(r chi.Router) {
					r.Get("/", s.handleListAgents)
					r.Post("/", s.handleDeployAgent)
					r.Route("/{agentID}", func(r chi.Router) {
						r.Get("/", s.handleGetAgent)
						r.Delete("/", s.handleDeleteAgent)
						r.Get("/actions", s.handleAgentActions)
						r.Post("/message", s.handleSendMessage)
						r.Post("/goals", s.handleUpdateGoals)
						r.Post("/knowledge", s.handleInjectKnowledge)
						r.Post("/restart", s.handleRestart)
					})
				})

				r.Route("/approvals", func(r chi.Router) {
					r.Get("/", s.handlePendingApprovals)
					r.Get("/history", s.handleApprovalHistory)
					r.Post("/{approvalID}/respond", s.handleRespondApproval)
				})
			})
		})
	})
	return r
}

// auth enforces the shared bearer token on the dashboard surface.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is the unauthenticated first-boot ping from a freshly
// provisioned node. It is informational only.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId required")
		return
	}
	s.logger.Info().Str("agent_id", body.AgentID).Msg("node reported ready")
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	online := s.cfg.Fleet.Online()
	ids := make([]string, len(online))
	for i, rec := range online {
		ids[i] = rec.Manifest.Identity.ID
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fleet":        s.cfg.Fleet.Summarize(),
		"approvals":    s.cfg.Approvals.Summarize(),
		"onlineAgents": ids,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	limit, _ := queryInt(r, "limit", 100)
	writeJSON(w, http.StatusOK, s.cfg.Events.Recent(limit))
}

// agentSummary is the list-view projection of a record.
type agentSummary struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Connection   types.ConnectionState `json:"connection"`
	State        types.WorkerState     `json:"state,omitempty"`
	Provider     string                `json:"provider,omitempty"`
	TotalActions int64                 `json:"totalActions"`
	TotalSpend   float64               `json:"totalSpend"`
}

func summarize(rec types.AgentRecord) agentSummary {
	out := agentSummary{
		ID:           rec.Manifest.Identity.ID,
		Name:         rec.Manifest.Identity.Name,
		Connection:   rec.Connection,
		TotalActions: rec.TotalActions,
		TotalSpend:   rec.TotalSpend,
	}
	if rec.LastStatus != nil {
		out.State = rec.LastStatus.State
	}
	if rec.Instance != nil {
		out.Provider = rec.Instance.Provider
	}
	return out
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records := s.cfg.Fleet.List()
	out := make([]agentSummary, len(records))
	for i, rec := range records {
		out[i] = summarize(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.cfg.Fleet.Get(chi.URLParam(r, "agentID"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	rec.Manifest = rec.Manifest.Redacted()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeployAgent(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	m, err := manifest.Parse(data)
	if err != nil {
		var verr *manifest.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "invalid manifest",
				"issues": verr.Issues,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := s.cfg.Provisioner.Provision(r.Context(), m)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", m.Identity.ID).Msg("deploy failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.cfg.Fleet.Register(*m, inst)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agentId":  m.Identity.ID,
		"instance": inst,
	})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, ok := s.cfg.Fleet.Get(agentID); !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	// Politely ask the worker to stop; teardown proceeds regardless.
	if err := s.cfg.Plane.SendToAgent(agentID, types.Message{Type: types.MsgShutdown}); err != nil {
		s.logger.Debug().Str("agent_id", agentID).Msg("shutdown not delivered, agent offline")
	}

	// Teardown failures (including an agent that never had an instance)
	// do not block record removal.
	if err := s.cfg.Provisioner.Destroy(r.Context(), agentID); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("instance teardown skipped")
	}

	removed := s.cfg.Fleet.Remove(agentID)
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleAgentActions(w http.ResponseWriter, r *http.Request) {
	limit, _ := queryInt(r, "limit", 50)
	offset, _ := queryInt(r, "offset", 0)
	page, total, ok := s.cfg.Fleet.Actions(chi.URLParam(r, "agentID"), limit, offset)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": page,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// relay delivers one command frame to an online agent, mapping offline
// agents to 503 with agentOnline:false.
func (s *Server) relay(w http.ResponseWriter, agentID string, msg types.Message) {
	if _, ok := s.cfg.Fleet.Get(agentID); !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if !s.cfg.Plane.Connected(agentID) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":       "agent offline",
			"agentOnline": false,
		})
		return
	}
	if err := s.cfg.Plane.SendToAgent(agentID, msg); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":       err.Error(),
			"agentOnline": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	s.relay(w, chi.URLParam(r, "agentID"), types.Message{
		Type:    types.MsgSendMessage,
		Content: body.Content,
		Channel: body.Channel,
	})
}

func (s *Server) handleUpdateGoals(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Goals []manifest.Goal `json:"goals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	agentID := chi.URLParam(r, "agentID")
	s.cfg.Fleet.UpdateGoals(agentID, body.Goals)
	s.relay(w, agentID, types.Message{Type: types.MsgUpdateGoals, Goals: body.Goals})
}

func (s *Server) handleInjectKnowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Documents []manifest.Document `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.relay(w, chi.URLParam(r, "agentID"), types.Message{
		Type:      types.MsgInjectKnowledge,
		Documents: body.Documents,
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.relay(w, chi.URLParam(r, "agentID"), types.Message{Type: types.MsgRestart})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Approvals.Pending(r.URL.Query().Get("agentId")))
}

func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := queryInt(r, "limit", 50)
	offset, _ := queryInt(r, "offset", 0)
	writeJSON(w, http.StatusOK, s.cfg.Approvals.History(limit, offset))
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved    *bool  `json:"approved"`
		Reason      string `json:"reason"`
		RespondedBy string `json:"respondedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved required")
		return
	}
	if body.RespondedBy == "" {
		body.RespondedBy = "dashboard"
	}

	resolved, err := s.cfg.Approvals.Resolve(chi.URLParam(r, "approvalID"), *body.Approved, body.RespondedBy, body.Reason)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval not found")
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusBadRequest, "approval already resolved")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, err
	}
	return v, nil
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&buf); err != nil {
		return nil, err
	}
	return buf, nil
}
