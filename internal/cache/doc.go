// Package cache defines the versioned response cache used by the worker. A
// Storage holds any number of named namespaces; exactly one of them (named by
// the configured cache version) is current at a time and older ones are swept
// on activation. Each namespace maps a request identity (method + URL) to a
// Snapshot of the network response plus the moment it was captured.
// The disk store lays entries out as StoragePath/<namespace>/<xx>/<digest>
// and writes them through temp file + rename; the memory store backs tests
// and ephemeral runs.
package cache
