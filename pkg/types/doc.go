/*
Package types defines the core data structures shared across MoltAgent
components: the provider view of a VPS instance, fleet records, worker
status reports, action log entries, approvals, and the JSON wire envelope
exchanged between workers and the control plane.

Each mutable aggregate (the fleet map, the approval queue, the live-instance
index) has exactly one owning component; types carries no behavior beyond
struct definitions and shared constants so that ownership stays with the
managers.
*/
package types
