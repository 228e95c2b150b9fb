// Package galdr is the engine facade: open/create lifecycle, per
// collection CRUD, fluent queries, and explicit transactions over the
// storage and transaction layers.
package galdr

import (
	"errors"

	"github.com/rthomasv3/galdrdb/pkg/index"
	"github.com/rthomasv3/galdrdb/pkg/paged"
	"github.com/rthomasv3/galdrdb/pkg/pageio"
	"github.com/rthomasv3/galdrdb/pkg/txn"
)

// Error conditions surfaced at the engine boundary. Match with
// errors.Is; lower layers wrap these with context.
var (
	// ErrInvalidPassword indicates an encrypted database opened with the
	// wrong password.
	ErrInvalidPassword = pageio.ErrInvalidPassword

	// ErrPageConflict indicates a commit rejected because another
	// transaction committed one of its pages first. Retry on a fresh
	// transaction.
	ErrPageConflict = paged.ErrPageConflict

	// ErrWriteConflict is the generic optimistic-concurrency failure;
	// page conflicts satisfy it.
	ErrWriteConflict = paged.ErrPageConflict

	// ErrUniqueConstraint indicates a write that would duplicate a key
	// in a unique index.
	ErrUniqueConstraint = index.ErrUniqueConstraint

	// ErrCollectionNotFound indicates an unknown collection name.
	ErrCollectionNotFound = errors.New("galdr: collection not found")

	// ErrCorruptedPage indicates a page that failed integrity checks.
	ErrCorruptedPage = pageio.ErrCorruptedPage

	// ErrReadOnlyTransaction indicates a write through a read-only
	// transaction.
	ErrReadOnlyTransaction = txn.ErrReadOnly

	// ErrDatabaseClosed indicates use of a closed database handle.
	ErrDatabaseClosed = errors.New("galdr: database closed")

	// ErrDatabaseExists indicates Create on a non-empty file.
	ErrDatabaseExists = errors.New("galdr: database already exists")
)
