// Package store implements keephost's in-memory JSON document store:
// recipe-driven Query/Modify, deep-copy/deep-merge semantics, debounced
// file persistence, and an external-change watcher (spec.md §4.1).
//
// The teacher (squat-collective-rat/platform) persists to Postgres; this
// package has no direct teacher analogue. Its debounced single-writer
// discipline follows the mutex/timer idioms used throughout the teacher's
// internal/cache and internal/api/ratelimit.go instead.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/keephost/keephost/internal/scribe"
)

// metaCollection and recipesCollection are the two reserved collection
// names spec.md §3 calls out.
const (
	metaCollection    = "_"
	recipesCollection = "recipes"
)

// ErrUniqueCollision is returned when an insert's unique-key strategy
// cannot produce a key (spec.md §9 Open Question: fail, don't guess).
var ErrUniqueCollision = errors.New("store: unable to assign unique key for insert")

// Meta is the reserved "_" collection's shape: format/debounce/read-only.
type Meta struct {
	Format       string `json:"format,omitempty"`
	DebounceMS   int    `json:"debounceMs,omitempty"`
	ReadOnly     bool   `json:"readOnly,omitempty"`
}

// Store is one named JSON document collection set, file-backed.
type Store struct {
	path string

	mu   sync.RWMutex
	tree map[string]any
	meta Meta

	dirty     bool
	timer     *time.Timer
	inhibit   atomicBool
	version   uint64

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// atomicBool is a tiny helper over sync/atomic's int32 flag dance, kept
// local because the store only needs a single inhibit flag.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (b *atomicBool) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *atomicBool) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// New creates a Store bound to a JSON file path. Call Load before use.
func New(path string) *Store {
	return &Store{path: path, tree: map[string]any{}, stop: make(chan struct{})}
}

// Load reads the backing file, replaces the in-memory tree atomically, and
// resets cfg from the reserved "_" node (spec.md §4.1). A missing file
// starts the store empty rather than failing, so a brand-new site can boot
// without a pre-seeded database; any other read/parse error is fatal to the
// owning site, per spec.md §7.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path) // #nosec G304 — operator-configured store path
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.tree = map[string]any{}
		s.meta = Meta{DebounceMS: 1000}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: load %s: %w", s.path, err)
	}

	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("store: parse %s: %w", s.path, err)
	}

	meta := Meta{DebounceMS: 1000}
	if rawMeta, ok := tree[metaCollection]; ok {
		if mb, err := json.Marshal(rawMeta); err == nil {
			_ = json.Unmarshal(mb, &meta)
		}
		if meta.DebounceMS == 0 {
			meta.DebounceMS = 1000
		}
	}

	s.mu.Lock()
	s.tree = tree
	s.meta = meta
	s.version++
	s.mu.Unlock()
	return nil
}

// Lookup finds a recipe by name in the "recipes" collection.
func (s *Store) Lookup(name string) (Recipe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.tree[recipesCollection]
	if !ok {
		return Recipe{}, false
	}
	items, ok := raw.([]any)
	if !ok {
		return Recipe{}, false
	}
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var r Recipe
		if err := json.Unmarshal(b, &r); err != nil {
			continue
		}
		if r.Name == name {
			return r, true
		}
	}
	return Recipe{}, false
}

// Query evaluates recipe.Expression against the store with the given
// bindings, applies limit/header/filter, deep-copies, and returns the
// result. Any failure is swallowed into recipe.Defaults (or {}) and logged,
// per spec.md §4.1 — Query never returns an error to the caller.
func (s *Store) Query(recipe Recipe, bindings map[string]any) any {
	s.mu.RLock()
	treeJSON, err := json.Marshal(s.tree)
	s.mu.RUnlock()
	if err != nil {
		scribe.Logger().Error("store: marshal tree for query failed", "recipe", recipe.Name, "error", err)
		return defaultsOrEmpty(recipe)
	}

	val, ok := evalExpression(treeJSON, recipe.Expression, bindings)
	if !ok {
		if scribe.Enabled(scribe.VerboseStore) {
			scribe.Logger().Info("store: query matched nothing", "recipe", recipe.Name)
		}
		return defaultsOrEmpty(recipe)
	}

	val = applyLimit(val, recipe.Limit)
	val = applyHeader(val, recipe.Header)
	val = applyFilterToValue(val, recipe.Filter)
	return DeepCopy(val)
}

func defaultsOrEmpty(recipe Recipe) any {
	if recipe.Defaults != nil {
		return DeepCopy(recipe.Defaults)
	}
	return map[string]any{}
}

// ModifyOp is the op tag in a Modify result tuple.
type ModifyOp string

const (
	OpAdd    ModifyOp = "add"
	OpChange ModifyOp = "change"
	OpDelete ModifyOp = "delete"
	OpNop    ModifyOp = "nop"
	OpBad    ModifyOp = "bad"
)

// ModifyEntry is one requested mutation: Record == nil means delete.
type ModifyEntry struct {
	Ref    any
	Record any
}

// ModifyResult is the [op, ref, idx] tuple spec.md §4.1 Modify returns per
// entry.
type ModifyResult struct {
	Op    ModifyOp `json:"op"`
	Ref   any      `json:"ref"`
	Index *int     `json:"idx"`
}

// Modify applies a batch of mutations against recipe.Collection, in input
// order (spec invariant 2: deterministic, order-preserving). Returns the
// per-entry ops plus a non-nil error if any single entry failed (callers
// still get every other entry's result).
func (s *Store) Modify(recipe Recipe, entries []ModifyEntry) ([]ModifyResult, error) {
	if recipe.Collection == "" {
		return nil, fmt.Errorf("store: recipe %q has no collection", recipe.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, _ := s.tree[recipe.Collection].([]any)
	var firstErr error
	results := make([]ModifyResult, 0, len(entries))

	for _, e := range entries {
		if e.Ref == nil && e.Record == nil {
			results = append(results, ModifyResult{Op: OpBad})
			continue
		}

		idx, existing, found, err := resolveReference(s.tree, recipe, e.Ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			results = append(results, ModifyResult{Op: OpBad, Ref: e.Ref})
			continue
		}

		if e.Record != nil {
			var existingAny any
			if existing != nil {
				existingAny = existing
			}
			newRecord := MergeChain(recipe.Defaults, existingAny, e.Record)
			newObj, _ := newRecord.(map[string]any)

			if !found {
				var keyVal any
				if recipe.Unique != nil {
					v, err := assignUnique(recipe.Unique, newObj, items)
					if err != nil {
						if firstErr == nil {
							firstErr = err
						}
						results = append(results, ModifyResult{Op: OpBad, Ref: e.Ref})
						continue
					}
					if newObj != nil {
						newObj[recipe.Unique.Key] = v
					}
					keyVal = v
				}
				items = append(items, newRecord)
				newIdx := len(items) - 1
				results = append(results, ModifyResult{Op: OpAdd, Ref: keyVal, Index: &newIdx})
			} else {
				items[idx] = newRecord
				i := idx
				results = append(results, ModifyResult{Op: OpChange, Ref: e.Ref, Index: &i})
			}
		} else {
			if found {
				items = append(items[:idx], items[idx+1:]...)
				i := idx
				results = append(results, ModifyResult{Op: OpDelete, Ref: e.Ref, Index: &i})
			} else {
				results = append(results, ModifyResult{Op: OpNop, Ref: e.Ref})
			}
		}
	}

	s.tree[recipe.Collection] = items
	s.dirty = true
	s.version++
	s.schedulePersistLocked()

	return results, firstErr
}

// assignUnique implements the UniqueSpec strategies documented on the type.
func assignUnique(spec *UniqueSpec, record map[string]any, existing []any) (any, error) {
	switch spec.Strategy {
	case "uuid":
		return uuid.NewString(), nil
	case "seq":
		return len(existing) + 1, nil
	case "field":
		if record == nil {
			return nil, ErrUniqueCollision
		}
		v, ok := record[spec.Key]
		if !ok || v == nil || v == "" {
			return nil, ErrUniqueCollision
		}
		return v, nil
	default:
		return nil, fmt.Errorf("store: unknown unique strategy %q: %w", spec.Strategy, ErrUniqueCollision)
	}
}

// schedulePersistLocked (re)arms the debounce timer. Caller must hold s.mu.
func (s *Store) schedulePersistLocked() {
	debounce := time.Duration(s.meta.DebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = time.Second
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounce, s.persist)
}

// persist writes the current tree to disk, inhibiting the watcher for the
// duration of the write (spec.md §4.1, §5). Failure is logged and will be
// retried on the next mutation, per spec.md §4.1 failure semantics.
func (s *Store) persist() {
	s.inhibit.set(true)
	defer s.inhibit.set(false)

	s.mu.Lock()
	s.dirty = false
	data, err := json.MarshalIndent(s.tree, "", "  ")
	s.mu.Unlock()
	if err != nil {
		scribe.Logger().Error("store: marshal for persist failed", "path", s.path, "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		scribe.Logger().Error("store: write temp file failed", "path", s.path, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		scribe.Logger().Error("store: rename temp file failed", "path", s.path, "error", err)
	}
}

// Watch starts the external-change watcher (fsnotify). File events trigger
// a 500ms quiet window before reload, unless inhibited by our own writer
// (spec.md §4.1, §9 "Watcher/writer race").
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("store: watch dir for %s: %w", s.path, err)
	}
	s.watcher = w

	s.wg.Add(1)
	go s.watchLoop(ctx)
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	var quiet *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(s.path) {
				continue
			}
			if s.inhibit.get() {
				continue
			}
			if quiet != nil {
				quiet.Stop()
			}
			quiet = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if s.inhibit.get() {
				continue
			}
			if err := s.Load(); err != nil {
				scribe.Logger().Error("store: reload after external change failed", "path", s.path, "error", err)
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher and waits for background goroutines to exit.
func (s *Store) Close() error {
	close(s.stop)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.wg.Wait()
	return nil
}

// Version returns the current in-memory generation counter, advanced by
// every Load and every Modify.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
