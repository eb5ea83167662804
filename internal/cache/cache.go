package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTooLarge is returned when an item exceeds a level's capacity.
	ErrTooLarge = errors.New("item too large for cache")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// Stats describes one cache level.
type Stats struct {
	Capacity  int64
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate is hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// Config sizes the two levels.
type Config struct {
	// MemoryCapacity is the L1 budget in bytes.
	MemoryCapacity int64

	// Dir is the L2 directory. DiskCapacity is its budget in bytes of
	// compressed data.
	Dir          string
	DiskCapacity int64

	// CompressionLevel is the zstd level; 0 stores data uncompressed.
	CompressionLevel int

	// TTL drops disk entries older than this when the cache is opened.
	TTL time.Duration
}

// DefaultConfig returns a 64MB memory level and a 512MB disk level under
// dir, kept for a week.
func DefaultConfig(dir string) Config {
	return Config{
		MemoryCapacity:   64 << 20,
		Dir:              dir,
		DiskCapacity:     512 << 20,
		CompressionLevel: 3,
		TTL:              7 * 24 * time.Hour,
	}
}

// Key identifies the audio for one chunk rendered with the given settings.
func Key(text, voice, model string, speed float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%.2f", text, voice, model, speed)))
	return hex.EncodeToString(sum[:16])
}
