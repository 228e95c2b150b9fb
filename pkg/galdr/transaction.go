package galdr

import (
	"context"
	"time"

	"github.com/rthomasv3/galdrdb/pkg/txn"
)

// Transaction groups operations under one snapshot. Reads observe a
// single committed state plus the transaction's own writes; the commit
// fails with ErrPageConflict when another transaction committed any of
// the same pages first.
type Transaction struct {
	db   *Database
	s    *session
	mode txn.Mode
	done bool
}

// BeginTransaction starts a read-write transaction.
func (db *Database) BeginTransaction() (*Transaction, error) {
	if db.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	if db.store.Suspect() {
		return nil, ErrCorruptedPage
	}
	db.metrics.TxnsActive.Inc()
	return &Transaction{
		db:   db,
		s:    db.newSession(txn.ReadWrite),
		mode: txn.ReadWrite,
	}, nil
}

// BeginReadOnlyTransaction starts a read-only transaction. Writes
// through it fail with ErrReadOnlyTransaction; Commit is not available.
func (db *Database) BeginReadOnlyTransaction() (*Transaction, error) {
	if db.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	db.metrics.TxnsActive.Inc()
	return &Transaction{
		db:   db,
		s:    db.newSession(txn.ReadOnly),
		mode: txn.ReadOnly,
	}, nil
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.s.t.ID() }

// Commit applies the transaction's writes atomically.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return txn.ErrFinished
	}
	if t.mode == txn.ReadOnly {
		return ErrReadOnlyTransaction
	}
	t.done = true
	t.db.metrics.TxnsActive.Dec()

	start := time.Now()
	err := t.s.commit(ctx)
	t.db.metrics.RecordCommit(err, time.Since(start))
	return err
}

// Abort discards the transaction. Safe to call after Commit; it is a
// no-op then.
func (t *Transaction) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.db.metrics.TxnsActive.Dec()
	t.s.abort()
}

// Collection returns a handle whose operations run inside this
// transaction.
func (t *Transaction) Collection(name string) *TxCollection {
	return &TxCollection{t: t, name: name}
}

// TxCollection is a collection handle bound to an open transaction.
type TxCollection struct {
	t    *Transaction
	name string
}

// Insert stores a new document and returns its assigned id.
func (c *TxCollection) Insert(ctx context.Context, v any) (int32, error) {
	if c.t.done {
		return 0, txn.ErrFinished
	}
	if c.t.mode == txn.ReadOnly {
		return 0, ErrReadOnlyTransaction
	}
	id, err := c.t.s.insertDoc(ctx, c.name, v)
	return id, c.t.db.observeIntegrity(err)
}

// Get loads the document with the given id into out.
func (c *TxCollection) Get(ctx context.Context, id int32, out any) (bool, error) {
	if c.t.done {
		return false, txn.ErrFinished
	}
	data, found, err := c.t.s.getDoc(ctx, c.name, id)
	if err != nil || !found {
		return false, c.t.db.observeIntegrity(err)
	}
	return true, c.t.db.codec.Decode(data, out)
}

// Update rewrites the document with the given id.
func (c *TxCollection) Update(ctx context.Context, id int32, v any) (bool, error) {
	if c.t.done {
		return false, txn.ErrFinished
	}
	if c.t.mode == txn.ReadOnly {
		return false, ErrReadOnlyTransaction
	}
	found, err := c.t.s.updateDoc(ctx, c.name, id, v)
	return found, c.t.db.observeIntegrity(err)
}

// Replace stores v under id whether or not a document exists there.
func (c *TxCollection) Replace(ctx context.Context, id int32, v any) error {
	if c.t.done {
		return txn.ErrFinished
	}
	if c.t.mode == txn.ReadOnly {
		return ErrReadOnlyTransaction
	}
	return c.t.db.observeIntegrity(c.t.s.replaceDoc(ctx, c.name, id, v))
}

// Delete removes the document with the given id.
func (c *TxCollection) Delete(ctx context.Context, id int32) (bool, error) {
	if c.t.done {
		return false, txn.ErrFinished
	}
	if c.t.mode == txn.ReadOnly {
		return false, ErrReadOnlyTransaction
	}
	found, err := c.t.s.deleteDoc(ctx, c.name, id)
	return found, c.t.db.observeIntegrity(err)
}

// Query starts a fluent query running inside this transaction.
func (c *TxCollection) Query() *QueryBuilder {
	return &QueryBuilder{run: func(ctx context.Context, bq *builtQuery) ([]Document, error) {
		if c.t.done {
			return nil, txn.ErrFinished
		}
		return runSessionQuery(ctx, c.t.s, c.name, bq)
	}}
}
