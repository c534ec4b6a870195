// Package engine is the cache manager facade. It owns the interceptor lists for
// the force and default pipelines, selects one per request and turns the
// pipeline result into a host response.
package engine
