// Package api is the management HTTP surface under /moltagent: dashboard
// queries, deploy and teardown, command relays to online workers, and the
// approval verdict endpoint. All dashboard routes share one bearer token.
package api
