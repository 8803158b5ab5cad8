// Package registry implements the Session Registry: a directory of JSON
// heartbeat records, one per live launcher, read by the hub and written by
// the owning launcher.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/clawrelay/clawrelay/internal/logger"
)

// StaleAfter is the age past which a reader is authorized to treat a
// record as dead and unlink its file.
const StaleAfter = 30 * time.Second

// Record is one live session's heartbeat entry.
type Record struct {
	ID          string `json:"id"`
	CWD         string `json:"cwd"`
	PID         int    `json:"pid"`
	Pipe        string `json:"pipe"`
	Started     int64  `json:"started"`
	LastSeen    int64  `json:"lastSeen"`
	ClientCount int    `json:"clientCount"`
	Preview     string `json:"preview"`
	Status      string `json:"status"`
}

// Stale reports whether the record's lastSeen is older than StaleAfter,
// relative to now (epoch ms).
func (r *Record) Stale(nowMS int64) bool {
	return nowMS-r.LastSeen > StaleAfter.Milliseconds()
}

// Registry is a handle on one directory of session records. While the
// fsnotify watch is running, List serves a cached snapshot of the last
// scan until a directory event, an in-process Write/Remove, or a cached
// record crossing the staleness threshold invalidates it. Every
// invalidation path falls back to a full os.ReadDir scan, so a dropped
// notification can only cost an extra scan, never a stale answer.
type Registry struct {
	dir string

	watcher *fsnotify.Watcher // optimization only; nil if it failed to start

	mu    sync.Mutex
	cache []*Record
	gen   uint64 // bumped on every invalidation
	dirty bool
}

// Open ensures the registry directory exists and starts a best-effort
// fsnotify watch on it.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	r := &Registry{dir: dir, dirty: true}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("registry: fsnotify unavailable, falling back to scan-per-list", "error", err)
		return r, nil
	}
	if err := w.Add(dir); err != nil {
		logger.Warn("registry: fsnotify watch failed", "error", err)
		w.Close()
		return r, nil
	}
	r.watcher = w
	go r.watchLoop()
	return r, nil
}

// watchLoop invalidates the cached snapshot on any directory event. It
// exits when Close shuts the watcher down and its channels close.
func (r *Registry) watchLoop() {
	for {
		select {
		case _, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.invalidate()
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			// A watch error may mean missed events; never trust the
			// cache past one.
			r.invalidate()
		}
	}
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.gen++
	r.dirty = true
	r.cache = nil
	r.mu.Unlock()
}

// Close releases the fsnotify watcher, if any.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Dir returns the registry's backing directory.
func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the JSON file path for the given session id.
func (r *Registry) Path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// Write atomically (temp file + rename) writes the full record. Atomicity
// is a courtesy, not a requirement — readers tolerate partial files by
// skipping ones that fail to parse.
func (r *Registry) Write(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	dst := r.Path(rec.ID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename record: %w", err)
	}
	// The watch reports this too, but invalidating directly keeps an
	// in-process writer from ever reading its own stale snapshot.
	r.invalidate()
	return nil
}

// Remove unlinks the record for id, if present. Missing files are not an
// error — removal is idempotent.
func (r *Registry) Remove(id string) error {
	if err := os.Remove(r.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}
	r.invalidate()
	return nil
}

// List returns every live record. With the watch running and no
// invalidation since the last scan, the cached snapshot is returned
// without touching the filesystem. Otherwise the directory is rescanned:
// malformed files are skipped silently and records older than StaleAfter
// are unlinked. A scan is O(n) in directory size.
func (r *Registry) List() ([]*Record, error) {
	now := time.Now().UnixMilli()
	if recs, ok := r.snapshot(now); ok {
		return recs, nil
	}

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}

	var out []*Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Stale(now) {
			os.Remove(path)
			continue
		}
		out = append(out, &rec)
	}

	// Publish only if nothing invalidated the directory mid-scan (our
	// own stale unlinks above count, via their watch events) — a skipped
	// publish costs one extra scan on the next List, never a stale answer.
	r.mu.Lock()
	if r.gen == gen {
		r.cache = out
		r.dirty = false
	}
	r.mu.Unlock()

	return out, nil
}

// snapshot returns the cached scan if the watch is running, no event has
// arrived since, and no cached record has aged past the staleness
// threshold — staleness is time-driven and produces no directory event
// until somebody reaps the file, so the age check has to happen here.
func (r *Registry) snapshot(nowMS int64) ([]*Record, bool) {
	if r.watcher == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		return nil, false
	}
	for _, rec := range r.cache {
		if rec.Stale(nowMS) {
			r.gen++
			r.dirty = true
			r.cache = nil
			return nil, false
		}
	}
	out := make([]*Record, len(r.cache))
	copy(out, r.cache)
	return out, true
}

// Get looks up a single session by id, excluding stale entries, mirroring
// the exclusion rule List applies. It does not unlink a stale match —
// attach callers treat "not found" and "stale" identically, and the next
// List call will reap it.
func (r *Registry) Get(id string) (*Record, bool) {
	data, err := os.ReadFile(r.Path(id))
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if rec.Stale(time.Now().UnixMilli()) {
		return nil, false
	}
	return &rec, true
}
