package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltagent/moltagent/pkg/api"
	"github.com/moltagent/moltagent/pkg/approval"
	"github.com/moltagent/moltagent/pkg/controlplane"
	"github.com/moltagent/moltagent/pkg/events"
	"github.com/moltagent/moltagent/pkg/fleet"
	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/metrics"
	"github.com/moltagent/moltagent/pkg/provider"
	"github.com/moltagent/moltagent/pkg/provisioner"
	"github.com/moltagent/moltagent/pkg/types"
)

// DefaultPort is the standalone control-plane port.
const DefaultPort = 18790

// Config assembles the control-plane process.
type Config struct {
	APIToken        string
	Port            int
	DataDir         string
	HetznerToken    string
	DefaultProvider string
	DockerImage     string
}

// ConfigFromEnv reads the process environment.
func ConfigFromEnv() Config {
	cfg := Config{
		APIToken:     os.Getenv("MOLTAGENT_API_TOKEN"),
		DataDir:      os.Getenv("MOLTAGENT_DATA_DIR"),
		HetznerToken: os.Getenv("HETZNER_API_TOKEN"),
		Port:         DefaultPort,
	}
	if raw := os.Getenv("MOLTAGENT_CP_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			cfg.Port = port
		}
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/moltagent"
	}
	if c.DefaultProvider == "" {
		if c.HetznerToken != "" {
			c.DefaultProvider = "hetzner"
		} else {
			c.DefaultProvider = "docker-local"
		}
	}
}

// Orchestrator is the assembled control plane: fleet, approvals, WebSocket
// plane, provisioner, metrics, and the management HTTP listener.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	broker    *events.Broker
	fleet     *fleet.Manager
	approvals *approval.Manager
	plane     *controlplane.Server
	prov      *provisioner.Provisioner
	metrics   *metrics.Metrics
	httpSrv   *http.Server
}

// New wires the whole control plane together.
func New(cfg Config) (*Orchestrator, error) {
	cfg.applyDefaults()
	logger := log.WithComponent("orchestrator")

	broker := events.NewBroker()
	fleetMgr, err := fleet.NewManager(filepath.Join(cfg.DataDir, "fleet.json"), broker)
	if err != nil {
		return nil, fmt.Errorf("failed to open fleet state: %w", err)
	}
	approvals := approval.NewManager(broker)
	mets := metrics.New()

	plane := controlplane.NewServer(cfg.APIToken, &instrumentedFleet{fleet: fleetMgr, metrics: mets}, approvals)

	// Every verdict, human or expiry, is relayed to the worker if it is
	// still connected.
	approvals.OnResolved(func(p types.PendingApproval) {
		approved := p.State == types.ApprovalApproved
		reason := p.Reason
		if p.State == types.ApprovalExpired && reason == "" {
			reason = "approval expired"
		}
		mets.ApprovalsTotal.WithLabelValues(string(p.State)).Inc()
		if err := plane.SendApprovalResponse(p.AgentID, p.ID, approved, reason); err != nil {
			logger.Debug().
				Str("approval_id", p.ID).
				Str("agent_id", p.AgentID).
				Msg("verdict not delivered, agent offline")
		}
	})

	registry := provider.NewRegistry()
	registry.Register(provider.NewDocker(cfg.DockerImage))
	if cfg.HetznerToken != "" {
		registry.Register(provider.NewHetzner(provider.HetznerConfig{Token: cfg.HetznerToken}))
	}
	prov := provisioner.New(registry, provisioner.Config{DefaultProvider: cfg.DefaultProvider})

	// Re-track instances for agents that survived a restart.
	for _, rec := range fleetMgr.List() {
		if rec.Instance != nil {
			prov.Track(rec.Manifest.Identity.ID, rec.Instance)
		}
	}

	apiSrv := api.NewServer(api.Config{
		Token:          cfg.APIToken,
		Fleet:          fleetMgr,
		Approvals:      approvals,
		Plane:          plane,
		Provisioner:    &instrumentedProvisioner{prov: prov, metrics: mets},
		Events:         broker,
		WSHandler:      plane,
		MetricsHandler: mets.Handler(),
	})

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		broker:    broker,
		fleet:     fleetMgr,
		approvals: approvals,
		plane:     plane,
		prov:      prov,
		metrics:   mets,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           apiSrv,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return o, nil
}

// Run serves until ctx is cancelled, then shuts everything down in
// dependency order.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.observe(ctx)

	errc := make(chan error, 1)
	go func() {
		o.logger.Info().Str("addr", o.httpSrv.Addr).Msg("control plane listening")
		if err := o.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		o.shutdown()
		return err
	case <-ctx.Done():
		o.logger.Info().Msg("shutting down")
		o.shutdown()
		return nil
	}
}

func (o *Orchestrator) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = o.httpSrv.Shutdown(shutdownCtx)

	o.plane.Close()
	o.approvals.Close()
	o.fleet.Close()
}

// observe keeps gauges fresh and turns the event stream into counters.
func (o *Orchestrator) observe(ctx context.Context) {
	ch, cancel := o.broker.Subscribe(256)
	defer cancel()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	refresh := func() {
		s := o.fleet.Summarize()
		o.metrics.AgentsTotal.Set(float64(s.TotalAgents))
		o.metrics.AgentsOnline.Set(float64(s.Online))
		o.metrics.ApprovalsPending.Set(float64(o.approvals.PendingCount()))
	}
	refresh()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Type {
			case events.TypeAgentOnline:
				o.metrics.SessionsOpened.Inc()
			case events.TypeAction:
				category, _ := evt.Data["category"].(string)
				o.metrics.ActionsTotal.WithLabelValues(category).Inc()
				if amount, ok := evt.Data["amount"].(float64); ok {
					o.metrics.SpendTotal.Add(amount)
				}
			case events.TypeError:
				o.metrics.ErrorsTotal.Inc()
			}
		case <-ticker.C:
			refresh()
		case <-ctx.Done():
			return
		}
	}
}

// instrumentedFleet counts heartbeats on their way into the fleet manager.
type instrumentedFleet struct {
	fleet   *fleet.Manager
	metrics *metrics.Metrics
}

func (f *instrumentedFleet) MarkOnline(agentID, remoteAddr string) {
	f.fleet.MarkOnline(agentID, remoteAddr)
}

func (f *instrumentedFleet) MarkOffline(agentID string) { f.fleet.MarkOffline(agentID) }

func (f *instrumentedFleet) RecordHeartbeat(agentID string, uptimeSec int64) {
	f.metrics.HeartbeatsTotal.Inc()
	f.fleet.RecordHeartbeat(agentID, uptimeSec)
}

func (f *instrumentedFleet) RecordStatus(agentID string, report *types.StatusReport) {
	f.fleet.RecordStatus(agentID, report)
}

func (f *instrumentedFleet) RecordAction(agentID string, entry types.ActionLogEntry) {
	f.fleet.RecordAction(agentID, entry)
}

func (f *instrumentedFleet) RecordError(agentID, message string) {
	f.fleet.RecordError(agentID, message)
}

// instrumentedProvisioner counts provisioning outcomes per provider.
type instrumentedProvisioner struct {
	prov    *provisioner.Provisioner
	metrics *metrics.Metrics
}

func (p *instrumentedProvisioner) Provision(ctx context.Context, m *manifest.Manifest) (*types.VpsInstance, error) {
	inst, err := p.prov.Provision(ctx, m)
	providerName := m.Resources.Provider
	if inst != nil {
		providerName = inst.Provider
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.metrics.ProvisionsTotal.WithLabelValues(providerName, outcome).Inc()
	return inst, err
}

func (p *instrumentedProvisioner) Destroy(ctx context.Context, agentID string) error {
	return p.prov.Destroy(ctx, agentID)
}

// Provisioner exposes the underlying provisioner for CLI verbs that run in
// the same process.
func (o *Orchestrator) Provisioner() *provisioner.Provisioner { return o.prov }

// Fleet exposes the fleet manager.
func (o *Orchestrator) Fleet() *fleet.Manager { return o.fleet }
