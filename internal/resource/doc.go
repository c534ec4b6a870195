// Package resource holds the values that travel through the cache pipeline:
// the per-fetch Request, the cached or fetched Resource, ordered headers and the
// URL-derived key shared by the memory and disk tiers.
package resource
