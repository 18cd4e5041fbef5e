package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used for local development and tests.
// Documents are versioned so transactions get the same optimistic conflict
// detection Firestore provides.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	versions map[string]uint64 // survives deletes so re-creation is a conflict too
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]map[string]any),
		versions: make(map[string]uint64),
		now:      time.Now,
	}
}

// SetClock overrides the server timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Memory) snapshot(path string) (*jsonSnapshot, uint64, error) {
	doc, ok := m.docs[path]
	if !ok {
		return &jsonSnapshot{}, m.versions[path], nil
	}
	return &jsonSnapshot{data: cloneDoc(doc), exists: true}, m.versions[path], nil
}

// Get reads one document.
func (m *Memory) Get(_ context.Context, path string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, _, err := m.snapshot(path)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetAll reads several documents in order.
func (m *Memory) GetAll(ctx context.Context, paths []string) ([]Snapshot, error) {
	snaps := make([]Snapshot, len(paths))
	for i, p := range paths {
		snap, err := m.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		snaps[i] = snap
	}
	return snaps, nil
}

// Set replaces a document.
func (m *Memory) Set(_ context.Context, path string, v any) error {
	return m.apply([]Write{{Kind: WriteSet, Path: path, Value: v}})
}

// Create writes a document that must not exist yet.
func (m *Memory) Create(_ context.Context, path string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; ok {
		return fmt.Errorf("create %s: %w", path, ErrAlreadyExists)
	}
	return m.applyLocked([]Write{{Kind: WriteSet, Path: path, Value: v}})
}

// Update mutates an existing document.
func (m *Memory) Update(_ context.Context, path string, muts ...Mutation) error {
	return m.apply([]Write{{Kind: WriteUpdate, Path: path, Mutations: muts}})
}

// Merge mutates a document, creating it if absent.
func (m *Memory) Merge(_ context.Context, path string, muts ...Mutation) error {
	return m.apply([]Write{{Kind: WriteMerge, Path: path, Mutations: muts}})
}

// Delete removes a document. Deleting a missing document is not an error.
func (m *Memory) Delete(_ context.Context, path string) error {
	return m.apply([]Write{{Kind: WriteDelete, Path: path}})
}

// List returns document IDs directly under collection, sorted.
func (m *Memory) List(_ context.Context, collection string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(collection, "/") + "/"
	var ids []string
	for path := range m.docs {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		ids = append(ids, rest)
	}
	sort.Strings(ids)
	return ids, nil
}

// Commit applies each write independently.
func (m *Memory) Commit(_ context.Context, b *Batch) error {
	var errs []error
	for _, w := range b.Writes() {
		if err := m.apply([]Write{w}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) apply(writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(writes)
}

// applyLocked stages every write first so a failing write leaves the store untouched.
func (m *Memory) applyLocked(writes []Write) error {
	staged := make(map[string]map[string]any)
	deleted := make(map[string]bool)
	var order []string

	current := func(path string) (map[string]any, bool, error) {
		if deleted[path] {
			return nil, false, nil
		}
		if doc, ok := staged[path]; ok {
			return doc, true, nil
		}
		doc, ok := m.docs[path]
		if !ok {
			return nil, false, nil
		}
		return cloneDoc(doc), true, nil
	}

	now := m.now()
	for _, w := range writes {
		doc, exists, err := current(w.Path)
		if err != nil {
			return err
		}
		switch w.Kind {
		case WriteSet:
			doc, err = normalizeDoc(w.Value)
			if err != nil {
				return fmt.Errorf("set %s: %w", w.Path, err)
			}
		case WriteUpdate:
			if !exists {
				return fmt.Errorf("update %s: %w", w.Path, ErrNotFound)
			}
			if err := applyMutations(doc, w.Mutations, now); err != nil {
				return fmt.Errorf("update %s: %w", w.Path, err)
			}
		case WriteMerge:
			if !exists {
				doc = make(map[string]any)
			}
			if err := applyMutations(doc, w.Mutations, now); err != nil {
				return fmt.Errorf("merge %s: %w", w.Path, err)
			}
		case WriteDelete:
			delete(staged, w.Path)
			deleted[w.Path] = true
			order = append(order, w.Path)
			continue
		}
		delete(deleted, w.Path)
		staged[w.Path] = doc
		order = append(order, w.Path)
	}

	for _, path := range order {
		m.versions[path]++
		if deleted[path] {
			delete(m.docs, path)
			continue
		}
		m.docs[path] = staged[path]
	}
	return nil
}

// RunTransaction retries fn when a document it read changed before commit.
func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memoryTx{m: m, reads: make(map[string]uint64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}

		m.mu.Lock()
		conflict := false
		for path, v := range tx.reads {
			if m.versions[path] != v {
				conflict = true
				break
			}
		}
		if conflict {
			m.mu.Unlock()
			continue
		}
		err := m.applyLocked(tx.writes)
		m.mu.Unlock()
		return err
	}
	return fmt.Errorf("after %d attempts: %w", maxTxAttempts, ErrConflict)
}

type memoryTx struct {
	m      *Memory
	reads  map[string]uint64
	writes []Write
}

func (t *memoryTx) Get(path string) (Snapshot, error) {
	if len(t.writes) > 0 {
		return nil, errors.New("docstore: read after write in transaction")
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	snap, version, err := t.m.snapshot(path)
	if err != nil {
		return nil, err
	}
	t.reads[path] = version
	return snap, nil
}

func (t *memoryTx) GetAll(paths []string) ([]Snapshot, error) {
	snaps := make([]Snapshot, len(paths))
	for i, p := range paths {
		snap, err := t.Get(p)
		if err != nil {
			return nil, err
		}
		snaps[i] = snap
	}
	return snaps, nil
}

func (t *memoryTx) Set(path string, v any) error {
	t.writes = append(t.writes, Write{Kind: WriteSet, Path: path, Value: v})
	return nil
}

func (t *memoryTx) Update(path string, muts ...Mutation) error {
	t.writes = append(t.writes, Write{Kind: WriteUpdate, Path: path, Mutations: muts})
	return nil
}

func (t *memoryTx) Delete(path string) error {
	t.writes = append(t.writes, Write{Kind: WriteDelete, Path: path})
	return nil
}

// cloneDoc deep-copies a stored document. Stored documents only hold JSON-model values.
func cloneDoc(doc map[string]any) map[string]any {
	return cloneValue(doc).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Compile-time interface checks.
var (
	_ Store = (*Memory)(nil)
	_ Tx    = (*memoryTx)(nil)
)
