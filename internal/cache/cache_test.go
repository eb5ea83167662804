package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

func TestMemory_BasicOperations(t *testing.T) {
	m := NewMemory(1024)

	if err := m.Put("k", []byte("value")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok := m.Get("k")
	if !ok || string(got) != "value" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if s := m.Stats(); s.Size != 5 || s.Items != 1 || s.Hits != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}

	m.Delete("k")
	if m.Contains("k") {
		t.Error("key still present after Delete")
	}
	if _, ok := m.Get("k"); ok {
		t.Error("Get succeeded after Delete")
	}
	if s := m.Stats(); s.Size != 0 || s.Misses != 1 {
		t.Errorf("unexpected stats after delete: %+v", s)
	}
}

func TestMemory_LRUEviction(t *testing.T) {
	m := NewMemory(100)
	for i := 0; i < 5; i++ {
		if err := m.Put(fmt.Sprintf("key-%d", i), make([]byte, 20)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// key-0 and key-1 become most recently used
	m.Get("key-0")
	m.Get("key-1")

	if err := m.Put("new", make([]byte, 30)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for _, k := range []string{"key-0", "key-1", "key-4", "new"} {
		if !m.Contains(k) {
			t.Errorf("%s should have survived eviction", k)
		}
	}
	for _, k := range []string{"key-2", "key-3"} {
		if m.Contains(k) {
			t.Errorf("%s should have been evicted", k)
		}
	}
	if s := m.Stats(); s.Evictions != 2 || s.Size != 90 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestMemory_ReplaceAndTooLarge(t *testing.T) {
	m := NewMemory(10)
	if err := m.Put("k", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := m.Put("k", []byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	if s := m.Stats(); s.Size != 6 || s.Items != 1 {
		t.Errorf("replace left stats %+v", s)
	}
	if err := m.Put("big", make([]byte, 11)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	m := NewMemory(1 << 20)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("%d-%d", g, i%10)
				_ = m.Put(key, []byte(key))
				m.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if s := m.Stats(); s.Items != 80 {
		t.Errorf("items = %d, want 80", s.Items)
	}
}

func TestDisk_RoundTripWithCompression(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := OpenDisk(fs, "/cache", 1<<20, 3)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}

	compressible := bytes.Repeat([]byte("mp3frame"), 1000)
	if err := d.Put("a", compressible); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if s := d.Stats(); s.Size >= int64(len(compressible)) {
		t.Errorf("entry was not compressed: %d bytes on disk", s.Size)
	}

	got, ok := d.Get("a")
	if !ok || !bytes.Equal(got, compressible) {
		t.Fatal("round trip failed")
	}
}

func TestDisk_PersistsIndex(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := OpenDisk(fs, "/cache", 1<<20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Put("k", []byte("audio")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Put("late", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close = %v", err)
	}

	reopened, err := OpenDisk(fs, "/cache", 1<<20, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Get("k")
	if !ok || string(got) != "audio" {
		t.Errorf("reopened cache Get = %q, %v", got, ok)
	}
	if s := reopened.Stats(); s.Size != 5 {
		t.Errorf("size not restored: %d", s.Size)
	}
}

func TestDisk_MissingFileIsMiss(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, _ := OpenDisk(fs, "/cache", 1<<20, 0)
	_ = d.Put("k", []byte("audio"))

	if err := fs.Remove("/cache/k.bin"); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Get("k"); ok {
		t.Error("expected a miss for a vanished file")
	}
	if s := d.Stats(); s.Items != 0 || s.Size != 0 {
		t.Errorf("stale entry kept: %+v", s)
	}
}

func TestDisk_EvictsLeastRecentlyAccessed(t *testing.T) {
	d, _ := OpenDisk(afero.NewMemMapFs(), "/cache", 10, 0)
	_ = d.Put("a", []byte("aaaa"))
	time.Sleep(2 * time.Millisecond)
	_ = d.Put("b", []byte("bbbb"))
	time.Sleep(2 * time.Millisecond)
	d.Get("a")

	if err := d.Put("c", []byte("cccc")); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := d.Get("a"); !ok {
		t.Error("a should have survived")
	}
}

func TestDisk_Prune(t *testing.T) {
	d, _ := OpenDisk(afero.NewMemMapFs(), "/cache", 1<<20, 0)
	_ = d.Put("old", []byte("x"))

	if n := d.Prune(time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if n := d.Prune(time.Now()); n != 0 {
		t.Errorf("pruned %d from an empty cache", n)
	}
}

func TestTiered_PromotesDiskHits(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := DefaultConfig("/cache")
	c, err := Open(fs, cfg, log.New(io.Discard))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Put("k", []byte("audio")); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	c, err = Open(fs, cfg, log.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected a disk hit")
	}
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected a memory hit")
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected hit")
	}

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Promotions != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.Memory.Hits != 1 {
		t.Errorf("memory hits = %d, want 1", s.Memory.Hits)
	}
}

func TestTiered_RequiresDir(t *testing.T) {
	if _, err := Open(afero.NewMemMapFs(), Config{}, nil); err == nil {
		t.Error("expected an error without a directory")
	}
}

func TestKey(t *testing.T) {
	base := Key("Hello.", "nova", "tts-1", 1.0)
	if len(base) != 32 {
		t.Errorf("key length = %d, want 32", len(base))
	}
	if Key("Hello.", "nova", "tts-1", 1.0) != base {
		t.Error("Key is not deterministic")
	}
	for _, other := range []string{
		Key("Hello!", "nova", "tts-1", 1.0),
		Key("Hello.", "onyx", "tts-1", 1.0),
		Key("Hello.", "nova", "tts-1-hd", 1.0),
		Key("Hello.", "nova", "tts-1", 1.5),
	} {
		if other == base {
			t.Error("different settings produced the same key")
		}
	}
}
