package restodb

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/cache"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/metrics"
	"go.pilab.hu/restodb/query"
)

// Collection is a handle to one named collection.
type Collection struct {
	db   *DB
	name string
	path string
}

var _ query.Source = (*Collection)(nil)

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Path returns the remote file path backing the collection.
func (c *Collection) Path() string { return c.path }

func (c *Collection) check() error {
	if err := c.db.checkReady(); err != nil {
		return err
	}
	if !validCollectionName(c.name) {
		return &serrors.ConfigurationError{Field: "collection", Reason: fmt.Sprintf("invalid collection name %q", c.name)}
	}
	return nil
}

func (c *Collection) snapshot(ctx context.Context) (*cache.Snapshot, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.db.cache.Get(ctx, c.name, c.load)
}

func (c *Collection) load(ctx context.Context, _ string) (*cache.Snapshot, error) {
	snap := &cache.Snapshot{Collection: c.name, Path: c.path, FetchedAt: time.Now()}

	blob, err := c.db.store.Read(ctx, c.path)
	if serrors.IsNotFound(err) {
		snap.Docs = []domain.Document{}
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	docs, err := c.db.codec.Decode(c.path, blob.Content, c.db.schemas.DateFields(c.name)...)
	if err != nil {
		log.Error().Err(err).Str("collection", c.name).Msg("collection file is corrupt")
		return nil, err
	}
	snap.Docs = docs
	snap.Revision = blob.Revision
	return snap, nil
}

// Documents returns the current snapshot. The slice is shared with the
// cache and must not be modified; use All for copies.
func (c *Collection) Documents(ctx context.Context) ([]domain.Document, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Docs, nil
}

// All returns a copy of every document.
func (c *Collection) All(ctx context.Context) ([]domain.Document, error) {
	docs, err := c.Documents(ctx)
	if err != nil {
		return nil, err
	}
	return domain.CloneAll(docs), nil
}

// Query starts a query plan over this collection.
func (c *Collection) Query() *query.Query {
	return query.New(c)
}

// Find returns the documents matching every predicate, in stored order.
func (c *Collection) Find(ctx context.Context, preds ...query.Predicate) ([]domain.Document, error) {
	q := c.Query()
	for _, p := range preds {
		q.Where(p)
	}
	return q.Exec(ctx)
}

// FindOne returns the first match or a NotFoundError.
func (c *Collection) FindOne(ctx context.Context, preds ...query.Predicate) (domain.Document, error) {
	q := c.Query()
	for _, p := range preds {
		q.Where(p)
	}
	doc, err := q.First(ctx)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &serrors.NotFoundError{Kind: "document", Key: c.name}
	}
	return doc, nil
}

// Get returns the document with id, matching either id alias.
func (c *Collection) Get(ctx context.Context, id string) (domain.Document, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	i := snap.Index(id)
	if i < 0 {
		return nil, c.notFound(id)
	}
	return snap.Docs[i].Clone(), nil
}

// Count returns the number of documents.
func (c *Collection) Count(ctx context.Context) (int, error) {
	docs, err := c.Documents(ctx)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Insert validates, defaults and stamps doc, then appends it. The stored
// document is returned; doc itself is not modified.
func (c *Collection) Insert(ctx context.Context, doc domain.Document) (domain.Document, error) {
	out, err := c.insert(ctx, []domain.Document{doc}, -1)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// InsertMany is the bulk path: every document is validated before anything
// is written, and the whole batch lands in a single remote write.
func (c *Collection) InsertMany(ctx context.Context, docs []domain.Document) ([]domain.Document, error) {
	if len(docs) == 0 {
		return []domain.Document{}, nil
	}
	return c.insert(ctx, docs, 0)
}

// insert prepares docs outside the CAS loop so ids stay stable across
// retries. firstIndex -1 marks a single insert in errors.
func (c *Collection) insert(ctx context.Context, docs []domain.Document, firstIndex int) ([]domain.Document, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	prepared := make([]domain.Document, len(docs))
	seen := make(map[string]int, len(docs))
	for i, d := range docs {
		index := -1
		if firstIndex >= 0 {
			index = firstIndex + i
		}
		doc := d.Clone()
		if doc == nil {
			doc = domain.Document{}
		}
		if err := c.db.schemas.Prepare(c.name, doc, index); err != nil {
			return nil, err
		}
		c.db.codec.StampNew(doc)
		id := doc.DocumentID()
		if j, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s (documents %d and %d)", serrors.ErrDuplicateID, id, j, i)
		}
		seen[id] = i
		prepared[i] = doc
	}

	encoded := make([][]byte, len(prepared))
	for i, doc := range prepared {
		data, err := c.db.codec.MarshalDocument(doc)
		if err != nil {
			return nil, err
		}
		encoded[i] = data
	}

	var stored []domain.Document
	committed, err := c.mutate(ctx, c.commitMessage("insert", len(prepared)), func(current []domain.Document) ([]domain.Document, error) {
		// A write that timed out after the remote committed it comes back as a
		// conflict; the re-read then already holds exactly this batch.
		if docs, ok := c.alreadyStored(current, prepared, encoded); ok {
			stored = docs
			return nil, errNoChange
		}
		for _, existing := range current {
			for _, alias := range []string{existing.String(domain.FieldID), existing.String(domain.FieldLegacyID)} {
				if _, dup := seen[alias]; dup && alias != "" {
					return nil, fmt.Errorf("%w: %s", serrors.ErrDuplicateID, alias)
				}
			}
		}
		return append(current, prepared...), nil
	})
	if stderrors.Is(err, errNoChange) {
		log.Info().Str("collection", c.name).Int("count", len(prepared)).Msg("insert already committed by an earlier attempt")
		out := make([]domain.Document, len(stored))
		for i, d := range stored {
			out[i] = d.Clone()
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("collection", c.name).Int("count", len(prepared)).Msg("documents inserted")

	byID := make(map[string]domain.Document, len(committed.Docs))
	for _, d := range committed.Docs {
		byID[d.DocumentID()] = d
	}
	out := make([]domain.Document, 0, len(prepared))
	for _, doc := range prepared {
		out = append(out, byID[doc.DocumentID()].Clone())
	}
	return out, nil
}

// Update merges patch into the document with id. Nil patch values remove
// fields; identifiers and createdAt cannot be changed.
func (c *Collection) Update(ctx context.Context, id string, patch domain.Document) (domain.Document, error) {
	return c.modify(ctx, id, "update", func(prev domain.Document) domain.Document {
		return c.db.codec.StampUpdate(prev, patch)
	})
}

// Replace swaps the whole body of the document with id, keeping its
// identifiers and createdAt.
func (c *Collection) Replace(ctx context.Context, id string, doc domain.Document) (domain.Document, error) {
	return c.modify(ctx, id, "replace", func(prev domain.Document) domain.Document {
		base := domain.Document{}
		for _, f := range []string{domain.FieldID, domain.FieldLegacyID, domain.FieldCreatedAt, domain.FieldUpdatedAt} {
			if v, ok := prev[f]; ok {
				base[f] = v
			}
		}
		return c.db.codec.StampUpdate(base, doc)
	})
}

func (c *Collection) modify(ctx context.Context, id, verb string, change func(prev domain.Document) domain.Document) (domain.Document, error) {
	committed, err := c.mutate(ctx, c.commitMessage(verb, 1), func(current []domain.Document) ([]domain.Document, error) {
		i := indexOf(current, id)
		if i < 0 {
			return nil, c.notFound(id)
		}
		next := change(current[i])
		if err := c.db.schemas.Prepare(c.name, next, -1); err != nil {
			return nil, err
		}
		current[i] = next
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	return committed.Docs[committed.Index(id)].Clone(), nil
}

// Delete removes the document with id.
func (c *Collection) Delete(ctx context.Context, id string) error {
	_, err := c.mutate(ctx, c.commitMessage("delete", 1), func(current []domain.Document) ([]domain.Document, error) {
		i := indexOf(current, id)
		if i < 0 {
			return nil, c.notFound(id)
		}
		return append(current[:i], current[i+1:]...), nil
	})
	return err
}

// DeleteWhere removes every document matching all predicates and returns
// how many were removed. Nothing is written when none match.
func (c *Collection) DeleteWhere(ctx context.Context, preds ...query.Predicate) (int, error) {
	removed := 0
	match := query.And(preds...)
	_, err := c.mutate(ctx, c.commitMessage("delete", 0), func(current []domain.Document) ([]domain.Document, error) {
		removed = 0
		kept := current[:0]
		for _, d := range current {
			if match(d) {
				removed++
				continue
			}
			kept = append(kept, d)
		}
		if removed == 0 {
			return nil, errNoChange
		}
		return kept, nil
	})
	if stderrors.Is(err, errNoChange) {
		return 0, nil
	}
	return removed, err
}

// Drop deletes the collection file.
func (c *Collection) Drop(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	lock := c.db.lock(c.name)
	lock.Lock()
	defer lock.Unlock()

	snap, err := c.db.cache.Get(ctx, c.name, c.load)
	if err != nil {
		return err
	}
	if !snap.Exists() {
		return &serrors.NotFoundError{Kind: "collection", Key: c.name}
	}
	err = c.db.store.Delete(ctx, c.path, snap.Revision, "restodb: drop "+c.name)
	c.db.cache.Invalidate(c.name)
	return err
}

var errNoChange = stderrors.New("no change")

// mutate is the compare-and-swap loop: read the snapshot, apply change,
// write against the read revision, and on a stale revision re-read and try
// again up to the configured retry bound. change receives a private copy of
// the document slice; the documents themselves are shared and must be
// replaced rather than edited in place.
func (c *Collection) mutate(ctx context.Context, message string, change func([]domain.Document) ([]domain.Document, error)) (*cache.Snapshot, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	lock := c.db.lock(c.name)
	lock.Lock()
	defer lock.Unlock()

	dateFields := c.db.schemas.DateFields(c.name)
	var conflict *serrors.ConflictError

	for attempt := 0; attempt <= c.db.retries; attempt++ {
		snap, err := c.db.cache.Get(ctx, c.name, c.load)
		if err != nil {
			return nil, err
		}

		working := make([]domain.Document, len(snap.Docs))
		copy(working, snap.Docs)
		next, err := change(working)
		if err != nil {
			return nil, err
		}

		data, err := c.db.codec.Encode(next)
		if err != nil {
			return nil, err
		}
		rev, err := c.db.store.Write(ctx, c.path, data, snap.Revision, message)
		if err != nil {
			if !serrors.IsConflict(err) {
				return nil, err
			}
			metrics.ConflictsTotal.WithLabelValues(c.name).Inc()
			log.Warn().Str("collection", c.name).Str("revision", snap.Revision).Int("attempt", attempt+1).
				Msg("stale revision, re-reading collection")
			c.db.cache.Invalidate(c.name)
			conflict = &serrors.ConflictError{Path: c.path, Expected: snap.Revision}
			continue
		}

		// Cache what a fresh read would return so reads observe this write.
		written, err := c.db.codec.Decode(c.path, data, dateFields...)
		if err != nil {
			c.db.cache.Invalidate(c.name)
			return nil, err
		}
		committed := &cache.Snapshot{
			Collection: c.name,
			Path:       c.path,
			Docs:       written,
			Revision:   rev,
			FetchedAt:  time.Now(),
		}
		c.db.cache.Put(committed)
		return committed, nil
	}

	conflict.Attempts = c.db.retries + 1
	return nil, conflict
}

func (c *Collection) notFound(id string) error {
	return &serrors.NotFoundError{Kind: "document", Key: c.name + "/" + id}
}

func (c *Collection) commitMessage(verb string, n int) string {
	if n > 1 {
		return fmt.Sprintf("restodb: %s %d documents in %s", verb, n, c.name)
	}
	return fmt.Sprintf("restodb: %s in %s", verb, c.name)
}

// alreadyStored reports whether every prepared document is present in
// current with identical encoded content, returning the stored copies.
func (c *Collection) alreadyStored(current, prepared []domain.Document, encoded [][]byte) ([]domain.Document, bool) {
	out := make([]domain.Document, len(prepared))
	for i, doc := range prepared {
		j := indexOf(current, doc.DocumentID())
		if j < 0 {
			return nil, false
		}
		data, err := c.db.codec.MarshalDocument(current[j])
		if err != nil || !bytes.Equal(data, encoded[i]) {
			return nil, false
		}
		out[i] = current[j]
	}
	return out, true
}

func indexOf(docs []domain.Document, id string) int {
	for i, d := range docs {
		if d.HasID(id) {
			return i
		}
	}
	return -1
}
