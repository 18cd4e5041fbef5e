// Package docstore is the document database boundary: path-addressed documents,
// field-level transforms, optimistic transactions and batched writes.
package docstore

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrAlreadyExists = errors.New("docstore: document already exists")
	ErrConflict      = errors.New("docstore: transaction conflict")
)

// maxTxAttempts bounds optimistic transaction retries.
const maxTxAttempts = 5

// Snapshot is a read of one document. A missing document reads as a snapshot
// whose Exists reports false, not as an error.
type Snapshot interface {
	Exists() bool
	DataTo(v any) error
}

// Tx is a read-modify-write transaction. All reads must happen before writes.
type Tx interface {
	Get(path string) (Snapshot, error)
	GetAll(paths []string) ([]Snapshot, error)
	Set(path string, v any) error
	Update(path string, muts ...Mutation) error
	Delete(path string) error
}

// Store is implemented by the Firestore, GCS and in-memory backends.
type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	GetAll(ctx context.Context, paths []string) ([]Snapshot, error)
	// Set replaces the document.
	Set(ctx context.Context, path string, v any) error
	// Create fails with ErrAlreadyExists if the document exists.
	Create(ctx context.Context, path string, v any) error
	// Update applies mutations; it fails with ErrNotFound if the document is absent.
	Update(ctx context.Context, path string, muts ...Mutation) error
	// Merge applies mutations, creating the document if absent.
	Merge(ctx context.Context, path string, muts ...Mutation) error
	Delete(ctx context.Context, path string) error
	// List returns the IDs of documents directly under a collection path.
	List(ctx context.Context, collection string) ([]string, error)
	// RunTransaction runs fn, retrying it on optimistic conflicts.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Commit applies a batch without transactional reads. Writes are
	// independent; failures are joined.
	Commit(ctx context.Context, b *Batch) error
	Close() error
}

// Join builds a slash-separated document path.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// WriteKind selects how a batched write is applied.
type WriteKind int

// Batched write kinds.
const (
	WriteSet WriteKind = iota
	WriteMerge
	WriteUpdate
	WriteDelete
)

// Write is one staged batch operation.
type Write struct {
	Kind      WriteKind
	Path      string
	Value     any
	Mutations []Mutation
}

// Batch collects writes for Store.Commit.
type Batch struct {
	writes []Write
}

// Set stages a full document replacement.
func (b *Batch) Set(path string, v any) {
	b.writes = append(b.writes, Write{Kind: WriteSet, Path: path, Value: v})
}

// Merge stages field mutations that create the document if absent.
func (b *Batch) Merge(path string, muts ...Mutation) {
	b.writes = append(b.writes, Write{Kind: WriteMerge, Path: path, Mutations: muts})
}

// Update stages field mutations on an existing document.
func (b *Batch) Update(path string, muts ...Mutation) {
	b.writes = append(b.writes, Write{Kind: WriteUpdate, Path: path, Mutations: muts})
}

// Delete stages a document deletion.
func (b *Batch) Delete(path string) {
	b.writes = append(b.writes, Write{Kind: WriteDelete, Path: path})
}

// Len returns the number of staged writes.
func (b *Batch) Len() int {
	return len(b.writes)
}

// Writes returns the staged writes in order.
func (b *Batch) Writes() []Write {
	return b.writes
}
