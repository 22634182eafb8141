package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/moltagent/moltagent/pkg/bridge"
	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

// worker is the on-node runtime shell: it keeps the manifest current as
// the plane pushes updates and reports status on a fixed cadence.
type worker struct {
	mu       sync.Mutex
	manifest *manifest.Manifest
	bridge   *bridge.Bridge
	state    types.WorkerState
}

func runWorker(ctx context.Context, manifestPath string) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	logger := log.WithAgentID(m.Identity.ID)
	logger.Info().Str("name", m.Identity.Name).Msg("worker starting")

	w := &worker{manifest: m, state: types.WorkerStarting}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := bridge.New(bridge.Config{
		URL:               m.ControlPlane.URL,
		Token:             m.ControlPlane.Token,
		AgentID:           m.Identity.ID,
		HeartbeatInterval: time.Duration(m.ControlPlane.HeartbeatIntervalSec) * time.Second,
	}, bridge.Handlers{
		OnUpdateConfig:    w.applyConfig,
		OnUpdateGoals:     w.applyGoals,
		OnInjectKnowledge: w.injectKnowledge,
		OnSendMessage:     w.deliverMessage,
		OnRestart: func() {
			logger.Info().Msg("restarting on control-plane request")
			// The supervisor unit restarts the process.
			os.Exit(0)
		},
		OnShutdown: func() {
			logger.Info().Msg("shutting down on control-plane request")
			os.Exit(0)
		},
	})
	w.bridge = b

	go b.Run(ctx)
	defer b.Close()

	w.setState(types.WorkerIdle)

	interval := time.Duration(m.ControlPlane.StatusReportIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.SendStatus(w.statusReport()); err != nil {
				logger.Debug().Err(err).Msg("status report skipped")
			}
		case <-ctx.Done():
			w.setState(types.WorkerShuttingDown)
			return nil
		}
	}
}

func (w *worker) setState(s types.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) statusReport() types.StatusReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	channels := make([]string, 0, len(w.manifest.Channels))
	for _, ch := range w.manifest.Channels {
		if ch.Enabled {
			channels = append(channels, ch.Type)
		}
	}
	return types.StatusReport{
		State:    w.state,
		Channels: channels,
		MemoryMB: float64(ms.Alloc) / (1 << 20),
	}
}

// applyConfig merges a pushed agentConfig fragment into the in-memory
// manifest. The on-disk manifest stays untouched; a restart reverts.
func (w *worker) applyConfig(config json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	logger := log.WithAgentID(w.manifest.Identity.ID)
	if err := json.Unmarshal(config, &w.manifest.AgentConfig); err != nil {
		logger.Warn().Err(err).Msg("ignoring malformed config update")
		return
	}
	logger.Info().Msg("agent config updated")
}

func (w *worker) applyGoals(goals []manifest.Goal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.manifest.Goals = goals
	logger := log.WithAgentID(w.manifest.Identity.ID)
	logger.Info().Int("goals", len(goals)).Msg("goals updated")
}

func (w *worker) injectKnowledge(docs []manifest.Document) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.manifest.Knowledge.Documents = append(w.manifest.Knowledge.Documents, docs...)
	logger := log.WithAgentID(w.manifest.Identity.ID)
	logger.Info().Int("documents", len(docs)).Msg("knowledge injected")
}

func (w *worker) deliverMessage(channel, content string) {
	logger := log.WithAgentID(w.manifest.Identity.ID)
	logger.Info().Str("channel", channel).Int("bytes", len(content)).Msg("operator message received")
	if err := w.bridge.LogAction(types.ActionLogEntry{
		Category: types.ActionMessage,
		Summary:  "operator message delivered",
		Details:  map[string]interface{}{"channel": channel},
	}); err != nil {
		logger.Debug().Err(err).Msg("action log skipped")
	}
}
