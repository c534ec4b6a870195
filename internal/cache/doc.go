// Package cache implements the persistent disk store behind the disk tier.
// Every entry is addressed by key and made of a fixed number of streams
// (metadata and body for the disk tier). Edits are staged in a private
// directory and published by rename plus a single sqlite index transaction, so
// readers never observe a half-written entry. The store is size bounded with
// least-recently-used eviction, versioned, and repairs itself on open.
package cache
