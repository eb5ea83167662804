package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

// Tiered checks memory first, then disk, promoting disk hits to memory.
type Tiered struct {
	memory *Memory
	disk   *Disk
	logger *log.Logger

	hits       atomic.Int64
	misses     atomic.Int64
	promotions atomic.Int64
}

// Open builds a two-level cache on fs. Disk entries older than
// config.TTL are pruned immediately.
func Open(fs afero.Fs, config Config, logger *log.Logger) (*Tiered, error) {
	if config.Dir == "" {
		return nil, errors.New("cache directory not set")
	}
	if logger == nil {
		logger = log.Default()
	}

	disk, err := OpenDisk(fs, config.Dir, config.DiskCapacity, config.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk cache: %w", err)
	}
	if config.TTL > 0 {
		if n := disk.Prune(time.Now().Add(-config.TTL)); n > 0 {
			logger.Debug("pruned expired audio", "entries", n)
		}
	}

	return &Tiered{
		memory: NewMemory(config.MemoryCapacity),
		disk:   disk,
		logger: logger,
	}, nil
}

// Get returns cached audio for key.
func (t *Tiered) Get(key string) ([]byte, bool) {
	if data, ok := t.memory.Get(key); ok {
		t.hits.Add(1)
		return data, true
	}
	if data, ok := t.disk.Get(key); ok {
		t.hits.Add(1)
		if err := t.memory.Put(key, data); err == nil {
			t.promotions.Add(1)
		}
		return data, true
	}
	t.misses.Add(1)
	return nil, false
}

// Put stores audio in both levels. An item too large for one level is
// still stored in the other.
func (t *Tiered) Put(key string, data []byte) error {
	memErr := t.memory.Put(key, data)
	diskErr := t.disk.Put(key, data)

	if diskErr != nil && !errors.Is(diskErr, ErrTooLarge) {
		return fmt.Errorf("disk cache: %w", diskErr)
	}
	if memErr != nil && diskErr != nil {
		return ErrTooLarge
	}
	return nil
}

// Delete removes key from both levels.
func (t *Tiered) Delete(key string) {
	t.memory.Delete(key)
	t.disk.Delete(key)
}

// Summary aggregates hit counters across levels.
type Summary struct {
	Hits       int64
	Misses     int64
	Promotions int64
	Memory     Stats
	Disk       Stats
}

// Stats returns the counters of both levels.
func (t *Tiered) Stats() Summary {
	return Summary{
		Hits:       t.hits.Load(),
		Misses:     t.misses.Load(),
		Promotions: t.promotions.Load(),
		Memory:     t.memory.Stats(),
		Disk:       t.disk.Stats(),
	}
}

// Close flushes the disk index.
func (t *Tiered) Close() error {
	t.memory.Clear()
	return t.disk.Close()
}
