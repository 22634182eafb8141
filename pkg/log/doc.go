/*
Package log provides structured logging for MoltAgent using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Every long-lived component (control plane, fleet manager, approval manager,
provisioner, bridge) obtains a child logger via WithComponent so log lines can
be attributed without grepping message text. Workers additionally tag lines
with WithAgentID.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("controlplane")
	logger.Info().Str("agent_id", id).Msg("agent connected")
*/
package log
