package galdr

import (
	"context"
	"errors"
	"time"

	"github.com/rthomasv3/galdrdb/pkg/txn"
)

// Collection is a per-collection handle. Each operation runs in its own
// transaction and commits immediately; use BeginTransaction to group
// operations.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Insert stores a new document and returns its assigned id.
func (c *Collection) Insert(ctx context.Context, v any) (int32, error) {
	start := time.Now()
	var id int32
	err := c.db.withWrite(ctx, func(s *session) error {
		var err error
		id, err = s.insertDoc(ctx, c.name, v)
		return err
	})
	c.db.metrics.RecordOperation("insert", err, time.Since(start))
	return id, err
}

// Get loads the document with the given id into out. Returns false when
// the id does not exist.
func (c *Collection) Get(ctx context.Context, id int32, out any) (bool, error) {
	start := time.Now()
	s := c.db.newSession(txn.ReadOnly)
	defer s.abort()

	data, found, err := s.getDoc(ctx, c.name, id)
	c.db.metrics.RecordOperation("get", err, time.Since(start))
	if err != nil || !found {
		return false, c.db.observeIntegrity(err)
	}
	return true, c.db.codec.Decode(data, out)
}

// Update rewrites the document with the given id. Returns false when
// the id does not exist.
func (c *Collection) Update(ctx context.Context, id int32, v any) (bool, error) {
	start := time.Now()
	var found bool
	err := c.db.withWrite(ctx, func(s *session) error {
		var err error
		found, err = s.updateDoc(ctx, c.name, id, v)
		return err
	})
	c.db.metrics.RecordOperation("update", err, time.Since(start))
	return found, err
}

// Replace stores v under id whether or not a document exists there.
func (c *Collection) Replace(ctx context.Context, id int32, v any) error {
	start := time.Now()
	err := c.db.withWrite(ctx, func(s *session) error {
		return s.replaceDoc(ctx, c.name, id, v)
	})
	c.db.metrics.RecordOperation("replace", err, time.Since(start))
	return err
}

// Delete removes the document with the given id. Returns false when the
// id does not exist.
func (c *Collection) Delete(ctx context.Context, id int32) (bool, error) {
	start := time.Now()
	var found bool
	err := c.db.withWrite(ctx, func(s *session) error {
		var err error
		found, err = s.deleteDoc(ctx, c.name, id)
		return err
	})
	c.db.metrics.RecordOperation("delete", err, time.Since(start))
	return found, err
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	s := c.db.newSession(txn.ReadOnly)
	defer s.abort()
	n, err := s.countDocs(ctx, c.name)
	return n, c.db.observeIntegrity(err)
}

// Query starts a fluent query over the collection.
func (c *Collection) Query() *QueryBuilder {
	return &QueryBuilder{run: c.runQuery}
}

func (c *Collection) runQuery(ctx context.Context, q *builtQuery) ([]Document, error) {
	s := c.db.newSession(txn.ReadOnly)
	defer s.abort()
	return runSessionQuery(ctx, s, c.name, q)
}

// withWrite runs fn in a fresh read-write session and commits it.
func (db *Database) withWrite(ctx context.Context, fn func(s *session) error) error {
	if db.closed.Load() {
		return ErrDatabaseClosed
	}
	if db.store.Suspect() {
		return ErrCorruptedPage
	}

	s := db.newSession(txn.ReadWrite)
	if err := fn(s); err != nil {
		s.abort()
		return db.observeIntegrity(err)
	}

	start := time.Now()
	err := s.commit(ctx)
	db.metrics.RecordCommit(err, time.Since(start))
	if errors.Is(err, ErrPageConflict) {
		db.metrics.ConflictsTotal.Inc()
	}
	return db.observeIntegrity(err)
}
