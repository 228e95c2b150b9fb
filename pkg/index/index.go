package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rthomasv3/galdrdb/pkg/btree"
)

// ErrUniqueConstraint indicates an insert or update whose key already
// belongs to a different document in a unique index.
var ErrUniqueConstraint = errors.New("index: unique constraint violation")

// Store is one secondary index bound to a transaction's page view. An
// entry is a composite tree key, the encoded field bytes followed by the
// encoded doc id, with an empty value; the doc-id set for a key is the
// run of entries sharing the field prefix.
type Store struct {
	tree   *btree.BTree
	unique bool
}

// NewStore binds an index tree for one operation. A root of zero is an
// empty index.
func NewStore(ctx context.Context, ps btree.PageStore, root uint32, unique bool) *Store {
	return &Store{tree: btree.New(ctx, ps, root), unique: unique}
}

// Root returns the tree root after mutations.
func (s *Store) Root() uint32 { return s.tree.Root() }

func entryKey(fieldKey []byte, docID int32) []byte {
	out := make([]byte, 0, len(fieldKey)+4)
	out = append(out, fieldKey...)
	return EncodeDocID(out, docID)
}

func splitEntry(key []byte) (fieldKey []byte, docID int32, err error) {
	if len(key) < 4 {
		return nil, 0, ErrBadEncoding
	}
	docID, err = DecodeDocID(key[len(key)-4:])
	return key[:len(key)-4], docID, err
}

// Insert adds an entry for the document. For unique indexes a non-null
// key held by any other document is rejected; null keys never collide
// with each other.
func (s *Store) Insert(fieldKey []byte, docID int32, hasNull bool) error {
	if s.unique && !hasNull {
		var conflict bool
		err := s.scanPrefix(fieldKey, func(fk []byte, existing int32) bool {
			if !bytes.Equal(fk, fieldKey) {
				return false
			}
			if existing != docID {
				conflict = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("key %x: %w", fieldKey, ErrUniqueConstraint)
		}
	}
	return s.tree.Insert(entryKey(fieldKey, docID), []byte{})
}

// Remove deletes the document's entry for the key.
func (s *Store) Remove(fieldKey []byte, docID int32) (bool, error) {
	return s.tree.Delete(entryKey(fieldKey, docID))
}

// FreeAll releases the whole index tree.
func (s *Store) FreeAll() error { return s.tree.FreeAll() }

// scanPrefix walks entries whose field bytes start with prefix.
func (s *Store) scanPrefix(prefix []byte, fn func(fieldKey []byte, docID int32) bool) error {
	return s.tree.Scan(prefix, func(key, _ []byte) bool {
		fieldKey, docID, err := splitEntry(key)
		if err != nil {
			return false
		}
		if !bytes.HasPrefix(fieldKey, prefix) {
			return false
		}
		return fn(fieldKey, docID)
	})
}

// ScanExact yields doc ids whose field bytes equal key exactly.
func (s *Store) ScanExact(key []byte, fn func(docID int32) bool) error {
	return s.scanPrefix(key, func(fieldKey []byte, docID int32) bool {
		if !bytes.Equal(fieldKey, key) {
			return false
		}
		return fn(docID)
	})
}

// ScanPrefix yields entries whose field bytes start with prefix, in key
// order.
func (s *Store) ScanPrefix(prefix []byte, fn func(fieldKey []byte, docID int32) bool) error {
	return s.scanPrefix(prefix, fn)
}

// ScanRange yields entries whose field bytes fall in [start, end] with
// the given bound inclusivity. A nil end leaves the range open above.
func (s *Store) ScanRange(start, end []byte, inclStart, inclEnd bool, fn func(fieldKey []byte, docID int32) bool) error {
	return s.tree.Scan(start, func(key, _ []byte) bool {
		fieldKey, docID, err := splitEntry(key)
		if err != nil {
			return false
		}
		if !inclStart && bytes.Equal(fieldKey, start) {
			return true
		}
		if end != nil {
			c := bytes.Compare(fieldKey, end)
			if c > 0 || (c == 0 && !inclEnd) {
				// Keys with end as a strict prefix are still inside an
				// inclusive bound's run; anything else is past the range.
				if !(inclEnd && bytes.HasPrefix(fieldKey, end)) {
					return false
				}
			}
		}
		return fn(fieldKey, docID)
	})
}

// ScanPrefixRange yields entries whose field bytes start with prefix and
// whose remainder falls in [start, end]: an equality prefix plus a range
// on the next field.
func (s *Store) ScanPrefixRange(prefix, start, end []byte, inclStart, inclEnd bool, fn func(fieldKey []byte, docID int32) bool) error {
	seek := make([]byte, 0, len(prefix)+len(start))
	seek = append(seek, prefix...)
	seek = append(seek, start...)

	return s.tree.Scan(seek, func(key, _ []byte) bool {
		fieldKey, docID, err := splitEntry(key)
		if err != nil {
			return false
		}
		if !bytes.HasPrefix(fieldKey, prefix) {
			return false
		}
		sub := fieldKey[len(prefix):]
		if start != nil {
			c := bytes.Compare(sub, start)
			if c < 0 || (c == 0 && !inclStart) {
				if !(inclStart && bytes.HasPrefix(sub, start)) {
					return true
				}
			}
		}
		if end != nil {
			c := bytes.Compare(sub, end)
			if c > 0 || (c == 0 && !inclEnd) {
				if !(inclEnd && bytes.HasPrefix(sub, end)) {
					return false
				}
			}
		}
		return fn(fieldKey, docID)
	})
}
