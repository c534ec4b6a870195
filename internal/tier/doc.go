// Package tier holds the built-in interceptors of the cache pipeline: the
// in-process memory LRU, the on-disk store, the remote fetch tiers and the
// optional valkey-backed shared tier.
//
// Tiers never surface errors to the pipeline. A failing lookup is a miss and a
// failing population is logged and dropped.
package tier
