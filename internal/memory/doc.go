// Package memory implements the learning memory store: per-domain buckets of
// outcome records with append/evict semantics, bounded pitfall lists, and
// similarity-ranked retrieval of best practices.
//
// The default Bank ranks records by word-overlap similarity. The
// vectorindex package provides an embedding-based implementation of the
// same Store interface for deployments with an embedding endpoint.
package memory
