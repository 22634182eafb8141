// Package approval queues human-gated authorization requests from workers
// and tracks their resolution. Approvals expire on a deadline; all
// transitions out of pending are terminal.
package approval
