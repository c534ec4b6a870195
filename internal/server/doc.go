// Package server hosts the Fiber sidecar that exposes the cache manager over
// HTTP. An embedding host asks /-/fetch for a resource and falls back to its
// own network stack whenever the answer is not a cached or fetched response.
// The package also serves the runtime-mutable mime filter, health and metrics
// endpoints. Keep exports narrow and accept explicit dependencies.
package server
