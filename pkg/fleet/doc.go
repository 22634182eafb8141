// Package fleet is the system of record for deployed agents. One JSON file
// holds the whole fleet; writes are batched behind a dirty flag and flushed
// periodically and on shutdown.
package fleet
