// Package cache keeps synthesized chunk audio so that re-converting the
// same text with the same voice settings skips the provider. It has an
// in-memory LRU level and a zstd-compressed disk level.
package cache
