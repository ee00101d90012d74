// Package cache provides a generic TTL cache with LRU eviction.
//
// The pipeline marks publish keys with CheckAndMark so a resumed run never
// sends the same campaign twice, and the image proxy keeps fetched images in
// a Cache of byte payloads.
package cache
