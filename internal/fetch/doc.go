// Package fetch is the HTTP collaborator used by the remote tiers. It owns the
// shared upstream transport, strips hop-by-hop headers in both directions and
// coalesces concurrent fetches of the same resource.
package fetch
