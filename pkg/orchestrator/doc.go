// Package orchestrator assembles the control-plane process: fleet state,
// approvals, the WebSocket plane, providers, metrics, and the management
// HTTP listener, with coordinated shutdown.
package orchestrator
