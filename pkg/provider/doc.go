// Package provider defines the uniform VPS lifecycle contract and its two
// backends: a Hetzner-style cloud REST API and a docker-local mode for
// development. Backends are looked up by name through a Registry owned by
// the orchestrator.
package provider
