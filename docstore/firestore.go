package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is the production Store backed by Cloud Firestore.
type Firestore struct {
	client *firestore.Client
	logger *slog.Logger
}

// NewFirestore wraps an initialized Firestore client.
func NewFirestore(client *firestore.Client, logger *slog.Logger) *Firestore {
	return &Firestore{
		client: client,
		logger: logger,
	}
}

func (f *Firestore) ref(path string) (*firestore.DocumentRef, error) {
	ref := f.client.Doc(path)
	if ref == nil {
		return nil, fmt.Errorf("invalid document path %q", path)
	}
	return ref, nil
}

func (f *Firestore) refs(paths []string) ([]*firestore.DocumentRef, error) {
	refs := make([]*firestore.DocumentRef, len(paths))
	for i, p := range paths {
		ref, err := f.ref(p)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	return refs, nil
}

// mapError translates gRPC status codes into docstore sentinels.
func mapError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s %s: %w", op, path, ErrNotFound)
	case codes.AlreadyExists:
		return fmt.Errorf("%s %s: %w", op, path, ErrAlreadyExists)
	case codes.Aborted:
		return fmt.Errorf("%s %s: %w: %w", op, path, ErrConflict, err)
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}

// Get reads one document.
func (f *Firestore) Get(ctx context.Context, path string) (Snapshot, error) {
	ref, err := f.ref(path)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return snap, nil
	}
	if err != nil {
		return nil, mapError("get", path, err)
	}
	return snap, nil
}

// GetAll reads several documents in one round trip.
func (f *Firestore) GetAll(ctx context.Context, paths []string) ([]Snapshot, error) {
	refs, err := f.refs(paths)
	if err != nil {
		return nil, err
	}
	docs, err := f.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}
	return toSnapshots(docs), nil
}

func toSnapshots(docs []*firestore.DocumentSnapshot) []Snapshot {
	snaps := make([]Snapshot, len(docs))
	for i, d := range docs {
		snaps[i] = d
	}
	return snaps
}

// Set replaces a document.
func (f *Firestore) Set(ctx context.Context, path string, v any) error {
	ref, err := f.ref(path)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, v)
	return mapError("set", path, err)
}

// Create writes a document that must not exist yet.
func (f *Firestore) Create(ctx context.Context, path string, v any) error {
	ref, err := f.ref(path)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, v)
	return mapError("create", path, err)
}

// Update mutates an existing document.
func (f *Firestore) Update(ctx context.Context, path string, muts ...Mutation) error {
	ref, err := f.ref(path)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, updates(muts))
	return mapError("update", path, err)
}

// Merge mutates a document, creating it if absent. Each mutation path is
// listed in the merge mask so map values are replaced wholesale.
func (f *Firestore) Merge(ctx context.Context, path string, muts ...Mutation) error {
	ref, err := f.ref(path)
	if err != nil {
		return err
	}
	data, fps := mergeData(muts)
	_, err = ref.Set(ctx, data, firestore.Merge(fps...))
	return mapError("merge", path, err)
}

// Delete removes a document.
func (f *Firestore) Delete(ctx context.Context, path string) error {
	ref, err := f.ref(path)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return mapError("delete", path, err)
}

// List returns document IDs directly under collection.
func (f *Firestore) List(ctx context.Context, collection string) ([]string, error) {
	col := f.client.Collection(collection)
	if col == nil {
		return nil, fmt.Errorf("invalid collection path %q", collection)
	}
	it := col.DocumentRefs(ctx)
	var ids []string
	for {
		ref, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate %s: %w", collection, err)
		}
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

// RunTransaction delegates retries to the Firestore client.
func (f *Firestore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{f: f, t: t})
	}, firestore.MaxAttempts(maxTxAttempts))
	if status.Code(err) == codes.Aborted {
		return fmt.Errorf("run transaction: %w: %w", ErrConflict, err)
	}
	return err
}

// Commit applies the batch through a BulkWriter. Writes are independent.
func (f *Firestore) Commit(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	bw := f.client.BulkWriter(ctx)
	type pending struct {
		path string
		job  *firestore.BulkWriterJob
	}
	var (
		jobs []pending
		errs []error
	)
	for _, w := range b.Writes() {
		ref, err := f.ref(w.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var job *firestore.BulkWriterJob
		switch w.Kind {
		case WriteSet:
			job, err = bw.Set(ref, w.Value)
		case WriteMerge:
			data, fps := mergeData(w.Mutations)
			job, err = bw.Set(ref, data, firestore.Merge(fps...))
		case WriteUpdate:
			job, err = bw.Update(ref, updates(w.Mutations))
		case WriteDelete:
			job, err = bw.Delete(ref)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", w.Path, err))
			continue
		}
		jobs = append(jobs, pending{path: w.Path, job: job})
	}
	bw.End()

	for _, p := range jobs {
		if _, err := p.job.Results(); err != nil {
			errs = append(errs, mapError("write", p.path, err))
		}
	}
	if len(errs) > 0 {
		f.logger.Warn("Batch commit had failures", "writes", b.Len(), "failed", len(errs))
	}
	return errors.Join(errs...)
}

// Close closes the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

func fieldValue(m Mutation) any {
	switch m.Op {
	case OpDelete:
		return firestore.Delete
	case OpArrayUnion:
		return firestore.ArrayUnion(m.Values...)
	case OpArrayRemove:
		return firestore.ArrayRemove(m.Values...)
	case OpServerTimestamp:
		return firestore.ServerTimestamp
	default:
		return m.Value
	}
}

func updates(muts []Mutation) []firestore.Update {
	ups := make([]firestore.Update, len(muts))
	for i, m := range muts {
		ups[i] = firestore.Update{FieldPath: firestore.FieldPath(m.Path), Value: fieldValue(m)}
	}
	return ups
}

// mergeData nests mutation values under their paths and returns the merge mask.
func mergeData(muts []Mutation) (map[string]any, []firestore.FieldPath) {
	data := make(map[string]any)
	fps := make([]firestore.FieldPath, 0, len(muts))
	for _, m := range muts {
		cur := data
		for _, key := range m.Path[:len(m.Path)-1] {
			next, ok := cur[key].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[key] = next
			}
			cur = next
		}
		cur[m.Path[len(m.Path)-1]] = fieldValue(m)
		fps = append(fps, firestore.FieldPath(m.Path))
	}
	return data, fps
}

type firestoreTx struct {
	f *Firestore
	t *firestore.Transaction
}

func (tx *firestoreTx) Get(path string) (Snapshot, error) {
	ref, err := tx.f.ref(path)
	if err != nil {
		return nil, err
	}
	snap, err := tx.t.Get(ref)
	if status.Code(err) == codes.NotFound {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction get %s: %w", path, err)
	}
	return snap, nil
}

func (tx *firestoreTx) GetAll(paths []string) ([]Snapshot, error) {
	refs, err := tx.f.refs(paths)
	if err != nil {
		return nil, err
	}
	docs, err := tx.t.GetAll(refs)
	if err != nil {
		return nil, fmt.Errorf("transaction get all: %w", err)
	}
	return toSnapshots(docs), nil
}

func (tx *firestoreTx) Set(path string, v any) error {
	ref, err := tx.f.ref(path)
	if err != nil {
		return err
	}
	return tx.t.Set(ref, v)
}

func (tx *firestoreTx) Update(path string, muts ...Mutation) error {
	ref, err := tx.f.ref(path)
	if err != nil {
		return err
	}
	return tx.t.Update(ref, updates(muts))
}

func (tx *firestoreTx) Delete(path string) error {
	ref, err := tx.f.ref(path)
	if err != nil {
		return err
	}
	return tx.t.Delete(ref)
}

var (
	_ Store = (*Firestore)(nil)
	_ Tx    = (*firestoreTx)(nil)
)
