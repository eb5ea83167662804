package cache

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

const indexFile = "index.gob"

// Disk is a persistent cache storing one file per entry plus a gob index.
// Entries larger than 1KB are zstd-compressed when that makes them
// smaller.
type Disk struct {
	mu       sync.Mutex
	fs       afero.Fs
	dir      string
	capacity int64
	size     int64
	index    map[string]*diskEntry
	stats    Stats

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	closed  bool
}

type diskEntry struct {
	Key        string
	File       string
	Size       int64 // bytes on disk
	Compressed bool
	Created    time.Time
	LastAccess time.Time
}

// OpenDisk opens or creates a disk cache in dir on fs. A missing or
// unreadable index starts the cache empty.
func OpenDisk(fs afero.Fs, dir string, capacity int64, level int) (*Disk, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	d := &Disk{
		fs:       fs,
		dir:      dir,
		capacity: capacity,
		index:    make(map[string]*diskEntry),
	}

	if level > 0 {
		var err error
		d.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	// the decoder is always needed to read entries written with compression
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	d.decoder = decoder

	if err := d.loadIndex(); err != nil {
		d.index = make(map[string]*diskEntry)
	}
	for _, e := range d.index {
		d.size += e.Size
	}

	return d, nil
}

// Get reads and decompresses the entry for key. A corrupt or missing file
// is dropped from the index and reported as a miss.
func (d *Disk) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.index[key]
	if !ok || d.closed {
		d.stats.Misses++
		return nil, false
	}

	data, err := afero.ReadFile(d.fs, e.File)
	if err == nil && e.Compressed {
		data, err = d.decoder.DecodeAll(data, nil)
	}
	if err != nil {
		d.drop(e)
		d.stats.Misses++
		return nil, false
	}

	e.LastAccess = time.Now()
	d.stats.Hits++
	return data, true
}

// Put writes value for key, evicting the least recently accessed entries
// when over capacity.
func (d *Disk) Put(key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	data, compressed := value, false
	if d.encoder != nil && len(value) > 1024 {
		if c := d.encoder.EncodeAll(value, nil); len(c) < len(value) {
			data, compressed = c, true
		}
	}

	n := int64(len(data))
	if n > d.capacity {
		return ErrTooLarge
	}

	if old, ok := d.index[key]; ok {
		d.drop(old)
	}
	for d.size+n > d.capacity && len(d.index) > 0 {
		d.evictOldest()
	}

	file := filepath.Join(d.dir, key+".bin")
	if err := writeAtomic(d.fs, file, data); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	d.index[key] = &diskEntry{
		Key:        key,
		File:       file,
		Size:       n,
		Compressed: compressed,
		Created:    now,
		LastAccess: now,
	}
	d.size += n
	return nil
}

// Delete removes key if present.
func (d *Disk) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.index[key]; ok {
		d.drop(e)
	}
}

// Prune removes entries created before cutoff and returns how many went.
func (d *Disk) Prune(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for _, e := range d.index {
		if e.Created.Before(cutoff) {
			d.drop(e)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (d *Disk) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Capacity = d.capacity
	s.Size = d.size
	s.Items = len(d.index)
	return s
}

// Close persists the index. The cache is unusable afterwards.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.encoder != nil {
		d.encoder.Close()
	}
	d.decoder.Close()
	return d.saveIndex()
}

// drop must be called with the lock held.
func (d *Disk) drop(e *diskEntry) {
	_ = d.fs.Remove(e.File)
	delete(d.index, e.Key)
	d.size -= e.Size
}

func (d *Disk) evictOldest() {
	entries := make([]*diskEntry, 0, len(d.index))
	for _, e := range d.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})
	if len(entries) > 0 {
		d.drop(entries[0])
		d.stats.Evictions++
	}
}

func (d *Disk) loadIndex() error {
	f, err := d.fs.Open(filepath.Join(d.dir, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(&d.index)
}

func (d *Disk) saveIndex() error {
	path := filepath.Join(d.dir, indexFile)
	tmp := path + ".tmp"

	f, err := d.fs.Create(tmp)
	if err != nil {
		return err
	}
	err = gob.NewEncoder(f).Encode(d.index)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}
	return d.fs.Rename(tmp, path)
}

// writeAtomic writes to a temporary file and renames it into place.
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return fs.Rename(tmp, path)
}
