// Package controlplane terminates worker WebSocket sessions and routes
// JSON frames between workers and the fleet and approval managers. One
// session per agent id; newer connections displace older ones.
package controlplane
