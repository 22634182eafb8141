// Package bridge is the worker side of the control-plane protocol: a
// self-healing WebSocket session with heartbeats, outbound telemetry
// helpers, and inbound command dispatch.
package bridge
