package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// errPrecondition marks a lost generation-match race.
var errPrecondition = errors.New("generation precondition failed")

// GCS stores documents as JSON objects in a Cloud Storage bucket. Object
// generations give per-document compare-and-set; a transaction validates every
// generation it read before writing, then writes in staged order. Multi-object
// commits are not atomic, so callers stage data objects before the object
// that references them.
type GCS struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// NewGCS creates a Store over the given bucket.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *GCS {
	return &GCS{
		client: client,
		bucket: bucket,
		logger: logger,
		now:    time.Now,
	}
}

func objectName(path string) string {
	return path + ".json"
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, path string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "path", path, "error", err)
		}),
	}
}

// read returns the document and its generation; a missing object has generation 0.
func (g *GCS) read(ctx context.Context, path string) (map[string]any, int64, error) {
	var (
		data []byte
		gen  int64
	)
	err := retry.Do(
		func() error {
			r, err := g.client.Bucket(g.bucket).Object(objectName(path)).NewReader(ctx)
			if errors.Is(err, storage.ErrObjectNotExist) {
				data, gen = nil, 0
				return nil
			}
			if err != nil {
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			b, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			data, gen = b, r.Attrs.Generation
			return nil
		},
		retryOpts(ctx, g.logger, "read", path)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s after retries: %w", path, err)
	}
	if data == nil {
		return nil, 0, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return doc, gen, nil
}

// write stores doc. gen < 0 writes unconditionally, 0 requires absence,
// otherwise the live generation must match.
func (g *GCS) write(ctx context.Context, path string, doc map[string]any, gen int64) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return retry.Do(
		func() error {
			obj := g.client.Bucket(g.bucket).Object(objectName(path))
			switch {
			case gen == 0:
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			case gen > 0:
				obj = obj.If(storage.Conditions{GenerationMatch: gen})
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPrecondition(closeErr) {
					return retry.Unrecoverable(errPrecondition)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, g.logger, "write", path)...,
	)
}

func (g *GCS) remove(ctx context.Context, path string, gen int64) error {
	return retry.Do(
		func() error {
			obj := g.client.Bucket(g.bucket).Object(objectName(path))
			if gen > 0 {
				obj = obj.If(storage.Conditions{GenerationMatch: gen})
			}
			err := obj.Delete(ctx)
			switch {
			case err == nil, errors.Is(err, storage.ErrObjectNotExist):
				return nil
			case isPrecondition(err):
				return retry.Unrecoverable(errPrecondition)
			default:
				return fmt.Errorf("delete from storage: %w", err)
			}
		},
		retryOpts(ctx, g.logger, "delete", path)...,
	)
}

func isPrecondition(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Get reads one document.
func (g *GCS) Get(ctx context.Context, path string) (Snapshot, error) {
	doc, gen, err := g.read(ctx, path)
	if err != nil {
		return nil, err
	}
	return &jsonSnapshot{data: doc, exists: gen != 0}, nil
}

// GetAll reads documents concurrently.
func (g *GCS) GetAll(ctx context.Context, paths []string) ([]Snapshot, error) {
	snaps := make([]Snapshot, len(paths))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, p := range paths {
		eg.Go(func() error {
			snap, err := g.Get(ctx, p)
			if err != nil {
				return err
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

// Set replaces a document.
func (g *GCS) Set(ctx context.Context, path string, v any) error {
	doc, err := normalizeDoc(v)
	if err != nil {
		return err
	}
	return g.write(ctx, path, doc, -1)
}

// Create writes a document that must not exist yet.
func (g *GCS) Create(ctx context.Context, path string, v any) error {
	doc, err := normalizeDoc(v)
	if err != nil {
		return err
	}
	err = g.write(ctx, path, doc, 0)
	if errors.Is(err, errPrecondition) {
		return fmt.Errorf("create %s: %w", path, ErrAlreadyExists)
	}
	return err
}

// Update mutates an existing document.
func (g *GCS) Update(ctx context.Context, path string, muts ...Mutation) error {
	return g.casMutate(ctx, path, muts, false)
}

// Merge mutates a document, creating it if absent.
func (g *GCS) Merge(ctx context.Context, path string, muts ...Mutation) error {
	return g.casMutate(ctx, path, muts, true)
}

// casMutate is a read-modify-write loop on one object's generation.
func (g *GCS) casMutate(ctx context.Context, path string, muts []Mutation, create bool) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		doc, gen, err := g.read(ctx, path)
		if err != nil {
			return err
		}
		if gen == 0 {
			if !create {
				return fmt.Errorf("update %s: %w", path, ErrNotFound)
			}
			doc = make(map[string]any)
		}
		if err := applyMutations(doc, muts, g.now()); err != nil {
			return fmt.Errorf("mutate %s: %w", path, err)
		}
		err = g.write(ctx, path, doc, gen)
		if errors.Is(err, errPrecondition) {
			g.logger.Debug("Lost generation race, re-reading", "path", path, "attempt", attempt)
			continue
		}
		return err
	}
	return fmt.Errorf("mutate %s after %d attempts: %w", path, maxTxAttempts, ErrConflict)
}

// Delete removes a document.
func (g *GCS) Delete(ctx context.Context, path string) error {
	return g.remove(ctx, path, -1)
}

// List returns document IDs directly under collection.
func (g *GCS) List(ctx context.Context, collection string) ([]string, error) {
	prefix := strings.TrimSuffix(collection, "/") + "/"
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var ids []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		rest := strings.TrimPrefix(attrs.Name, prefix)
		if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(rest, ".json"))
	}
	return ids, nil
}

// RunTransaction runs fn and commits its writes if no document it read changed.
func (g *GCS) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx := &gcsTx{g: g, ctx: ctx, reads: make(map[string]int64), docs: make(map[string]map[string]any)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := tx.commit(ctx)
		if errors.Is(err, errPrecondition) {
			g.logger.Info("Transaction conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("after %d attempts: %w", maxTxAttempts, ErrConflict)
}

// Commit applies each write independently.
func (g *GCS) Commit(ctx context.Context, b *Batch) error {
	var errs []error
	for _, w := range b.Writes() {
		var err error
		switch w.Kind {
		case WriteSet:
			err = g.Set(ctx, w.Path, w.Value)
		case WriteMerge:
			err = g.Merge(ctx, w.Path, w.Mutations...)
		case WriteUpdate:
			err = g.Update(ctx, w.Path, w.Mutations...)
		case WriteDelete:
			err = g.Delete(ctx, w.Path)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

type gcsTx struct {
	g      *GCS
	ctx    context.Context
	reads  map[string]int64
	docs   map[string]map[string]any
	writes []Write
}

func (t *gcsTx) Get(path string) (Snapshot, error) {
	if len(t.writes) > 0 {
		return nil, errors.New("docstore: read after write in transaction")
	}
	doc, gen, err := t.g.read(t.ctx, path)
	if err != nil {
		return nil, err
	}
	t.reads[path] = gen
	t.docs[path] = doc
	return &jsonSnapshot{data: doc, exists: gen != 0}, nil
}

func (t *gcsTx) GetAll(paths []string) ([]Snapshot, error) {
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

func (t *gcsTx) Set(path string, v any) error {
	t.writes = append(t.writes, Write{Kind: WriteSet, Path: path, Value: v})
	return nil
}

func (t *gcsTx) Update(path string, muts ...Mutation) error {
	if _, ok := t.reads[path]; !ok {
		return fmt.Errorf("transaction update %s: document was not read", path)
	}
	t.writes = append(t.writes, Write{Kind: WriteUpdate, Path: path, Mutations: muts})
	return nil
}

func (t *gcsTx) Delete(path string) error {
	t.writes = append(t.writes, Write{Kind: WriteDelete, Path: path})
	return nil
}

func (t *gcsTx) commit(ctx context.Context) error {
	// Validate every read before the first write.
	for path, gen := range t.reads {
		attrs, err := t.g.client.Bucket(t.g.bucket).Object(objectName(path)).Attrs(ctx)
		var live int64
		switch {
		case errors.Is(err, storage.ErrObjectNotExist):
		case err != nil:
			return fmt.Errorf("validate %s: %w", path, err)
		default:
			live = attrs.Generation
		}
		if live != gen {
			return errPrecondition
		}
	}

	for _, w := range t.writes {
		gen, read := t.reads[w.Path]
		if !read {
			gen = -1
		}
		var err error
		switch w.Kind {
		case WriteSet:
			var doc map[string]any
			doc, err = normalizeDoc(w.Value)
			if err == nil {
				err = t.g.write(ctx, w.Path, doc, gen)
			}
		case WriteUpdate:
			doc := t.docs[w.Path]
			if doc == nil {
				return fmt.Errorf("transaction update %s: %w", w.Path, ErrNotFound)
			}
			if err = applyMutations(doc, w.Mutations, t.g.now()); err == nil {
				err = t.g.write(ctx, w.Path, doc, gen)
			}
		case WriteDelete:
			err = t.g.remove(ctx, w.Path, gen)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

var (
	_ Store = (*GCS)(nil)
	_ Tx    = (*gcsTx)(nil)
)
