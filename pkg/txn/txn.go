// Package txn implements the transaction manager: txid and commit
// sequence number issuance, the transaction state machine, and the
// snapshot bookkeeping that tells the page manager when freed pages can
// no longer be reached by any live reader.
package txn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rthomasv3/galdrdb/pkg/paged"
)

var (
	// ErrReadOnly indicates a write attempted through a read-only
	// transaction.
	ErrReadOnly = errors.New("txn: write in read-only transaction")

	// ErrFinished indicates use of a committed or aborted transaction.
	ErrFinished = errors.New("txn: transaction finished")
)

// Mode selects what a transaction may do.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// State is a transaction's position in its lifecycle:
// Active -> Committed | Aborted, both terminal.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

// Manager issues transactions over the buffered page store.
type Manager struct {
	store    *paged.Store
	lastTxID atomic.Uint64
	lastCSN  atomic.Uint64

	mu     sync.Mutex
	active map[uint64]uint64 // txid -> snapshot CSN

	// onReclaim receives the oldest CSN any live snapshot can still see
	// whenever a transaction finishes.
	onReclaim func(minCSN uint64)

	// onCommit receives the txid and CSN of every successful commit.
	onCommit func(txID, csn uint64)
}

// NewManager creates a manager resuming from the last durably committed
// transaction marks.
func NewManager(store *paged.Store, lastTxID, lastCSN uint64) *Manager {
	m := &Manager{
		store:  store,
		active: make(map[uint64]uint64),
	}
	m.lastTxID.Store(lastTxID)
	m.lastCSN.Store(lastCSN)
	return m
}

// OnReclaim installs the snapshot-release hook. Call before use.
func (m *Manager) OnReclaim(fn func(minCSN uint64)) { m.onReclaim = fn }

// OnCommit installs the commit notification hook. Call before use.
func (m *Manager) OnCommit(fn func(txID, csn uint64)) { m.onCommit = fn }

// LastTxID returns the most recently issued transaction id.
func (m *Manager) LastTxID() uint64 { return m.lastTxID.Load() }

// LastCSN returns the most recently published commit sequence number.
func (m *Manager) LastCSN() uint64 { return m.lastCSN.Load() }

// ActiveCount returns the number of unfinished transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Begin starts a transaction pinned to the current committed snapshot.
func (m *Manager) Begin(mode Mode) *Txn {
	id := m.lastTxID.Add(1)
	snapshot := m.lastCSN.Load()

	m.mu.Lock()
	m.active[id] = snapshot
	m.mu.Unlock()

	return &Txn{
		m:           m,
		id:          id,
		mode:        mode,
		state:       Active,
		snapshotCSN: snapshot,
		ptx:         m.store.Begin(mode == ReadWrite),
	}
}

func (m *Manager) finish(t *Txn) {
	m.mu.Lock()
	delete(m.active, t.id)
	min := m.lastCSN.Load() + 1
	for _, csn := range m.active {
		if csn < min {
			min = csn
		}
	}
	m.mu.Unlock()

	if m.onReclaim != nil {
		m.onReclaim(min)
	}
}

// Txn is one transaction: a snapshot-pinned page view plus lifecycle
// state.
type Txn struct {
	m           *Manager
	id          uint64
	mode        Mode
	state       State
	snapshotCSN uint64
	ptx         *paged.Tx
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 { return t.id }

// Mode returns the transaction mode.
func (t *Txn) Mode() Mode { return t.mode }

// State returns the lifecycle state.
func (t *Txn) State() State { return t.state }

// SnapshotCSN returns the commit sequence number this transaction reads.
func (t *Txn) SnapshotCSN() uint64 { return t.snapshotCSN }

// Pages returns the transaction's buffered page view.
func (t *Txn) Pages() *paged.Tx { return t.ptx }

// Commit applies the transaction. Conflicts surface as
// paged.ErrPageConflict and leave the transaction aborted; the caller
// decides whether to retry on a fresh snapshot. The new CSN is published
// after the commit lock is released.
func (t *Txn) Commit(ctx context.Context) error {
	if t.state != Active {
		return ErrFinished
	}
	if t.mode == ReadOnly {
		return ErrReadOnly
	}

	if err := t.m.store.Commit(ctx, t.ptx, t.id); err != nil {
		t.state = Aborted
		t.m.finish(t)
		return err
	}

	t.state = Committed
	csn := t.m.lastCSN.Add(1)
	t.m.finish(t)
	if t.m.onCommit != nil {
		t.m.onCommit(t.id, csn)
	}
	return nil
}

// Abort discards the transaction. Safe to call after a failed commit.
func (t *Txn) Abort() {
	if t.state != Active {
		return
	}
	t.m.store.Abort(t.ptx)
	t.state = Aborted
	t.m.finish(t)
}
