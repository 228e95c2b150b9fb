// Package document implements primary document storage: a B+-tree
// keyed by doc id whose leaf cells hold the document bytes inline, or a
// pointer to an overflow chain when the payload outgrows the cell limit.
package document

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rthomasv3/galdrdb/pkg/btree"
	"github.com/rthomasv3/galdrdb/pkg/index"
)

// ErrCorruptedCell indicates a leaf cell that fails to parse.
var ErrCorruptedCell = errors.New("document: corrupted leaf cell")

const (
	cellInline   = 0x00
	cellOverflow = 0x01
)

// Pages extends the tree's page access with the free-space hint the
// overflow writer maintains.
type Pages interface {
	btree.PageStore
	SetFree(id uint32, freeBytes int)
}

// Store is a collection's primary tree bound to one operation.
type Store struct {
	tree     *btree.BTree
	pages    Pages
	ctx      context.Context
	pageSize int
}

// NewStore binds the primary tree for one operation. A root of zero is
// an empty collection.
func NewStore(ctx context.Context, pages Pages, root uint32) *Store {
	return &Store{
		tree:     btree.New(ctx, pages, root),
		pages:    pages,
		ctx:      ctx,
		pageSize: pages.PageSize(),
	}
}

// Root returns the tree root after mutations.
func (s *Store) Root() uint32 { return s.tree.Root() }

func docKey(id int32) []byte {
	return index.EncodeDocID(make([]byte, 0, 4), id)
}

// maxInline is the largest payload that fits a leaf cell next to its
// flag byte.
func (s *Store) maxInline() int { return s.tree.MaxVal() - 1 }

// Insert stores the document under id. The caller assigns ids from the
// collection's next-id counter.
func (s *Store) Insert(id int32, data []byte) error {
	cell, err := s.buildCell(data)
	if err != nil {
		return err
	}
	return s.tree.Insert(docKey(id), cell)
}

// Get returns the document bytes, following the overflow chain when the
// payload spilled.
func (s *Store) Get(id int32) ([]byte, bool, error) {
	cell, found, err := s.tree.Get(docKey(id))
	if err != nil || !found {
		return nil, false, err
	}
	data, err := s.readCell(cell)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Update rewrites the document in place, releasing any previous
// overflow chain. Reports whether the id existed.
func (s *Store) Update(id int32, data []byte) (bool, error) {
	old, found, err := s.tree.Get(docKey(id))
	if err != nil || !found {
		return false, err
	}
	if err := s.freeOverflow(old); err != nil {
		return false, err
	}
	cell, err := s.buildCell(data)
	if err != nil {
		return false, err
	}
	return true, s.tree.Insert(docKey(id), cell)
}

// Delete removes the document and its overflow chain.
func (s *Store) Delete(id int32) (bool, error) {
	old, found, err := s.tree.Get(docKey(id))
	if err != nil || !found {
		return false, err
	}
	if err := s.freeOverflow(old); err != nil {
		return false, err
	}
	return s.tree.Delete(docKey(id))
}

// ScanRange walks documents with lo <= id <= hi in ascending id order,
// faulting leaf and overflow pages lazily.
func (s *Store) ScanRange(lo, hi int32, fn func(id int32, data []byte) bool) error {
	var scanErr error
	err := s.tree.Scan(docKey(lo), func(key, val []byte) bool {
		id, err := index.DecodeDocID(key)
		if err != nil {
			scanErr = err
			return false
		}
		if id > hi {
			return false
		}
		data, err := s.readCell(val)
		if err != nil {
			scanErr = err
			return false
		}
		return fn(id, data)
	})
	if err != nil {
		return err
	}
	return scanErr
}

// FreeAll releases the tree and every overflow chain, for collection
// drops.
func (s *Store) FreeAll() error {
	var scanErr error
	err := s.tree.Scan(docKey(-1<<31), func(_, val []byte) bool {
		if err := s.freeOverflow(val); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if scanErr != nil {
		return scanErr
	}
	return s.tree.FreeAll()
}

// buildCell encodes a payload, spilling to an overflow chain when it
// exceeds the inline limit.
func (s *Store) buildCell(data []byte) ([]byte, error) {
	if len(data) <= s.maxInline() {
		cell := make([]byte, 1+len(data))
		cell[0] = cellInline
		copy(cell[1:], data)
		return cell, nil
	}

	first, err := s.writeOverflow(data)
	if err != nil {
		return nil, err
	}
	cell := make([]byte, 1+8)
	cell[0] = cellOverflow
	binary.LittleEndian.PutUint32(cell[1:5], first)
	binary.LittleEndian.PutUint32(cell[5:9], uint32(len(data)))
	return cell, nil
}

func (s *Store) readCell(cell []byte) ([]byte, error) {
	if len(cell) < 1 {
		return nil, ErrCorruptedCell
	}
	switch cell[0] {
	case cellInline:
		return append([]byte(nil), cell[1:]...), nil
	case cellOverflow:
		if len(cell) < 9 {
			return nil, ErrCorruptedCell
		}
		first := binary.LittleEndian.Uint32(cell[1:5])
		total := binary.LittleEndian.Uint32(cell[5:9])
		return s.readOverflow(first, int(total))
	default:
		return nil, fmt.Errorf("%w: flag 0x%02x", ErrCorruptedCell, cell[0])
	}
}

// Overflow chain page layout: u32 next page id (0 terminates), u32
// chunk length, chunk bytes.
const overflowHeader = 8

func (s *Store) chunkSize() int { return s.pageSize - overflowHeader }

func (s *Store) writeOverflow(data []byte) (uint32, error) {
	chunk := s.chunkSize()
	nPages := (len(data) + chunk - 1) / chunk

	ids := make([]uint32, nPages)
	for i := range ids {
		id, err := s.pages.Allocate(s.ctx)
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}

	page := make([]byte, s.pageSize)
	for i := 0; i < nPages; i++ {
		for j := range page {
			page[j] = 0
		}
		next := uint32(0)
		if i+1 < nPages {
			next = ids[i+1]
		}
		start := i * chunk
		end := start + chunk
		if end > len(data) {
			end = len(data)
		}
		binary.LittleEndian.PutUint32(page[0:4], next)
		binary.LittleEndian.PutUint32(page[4:8], uint32(end-start))
		copy(page[overflowHeader:], data[start:end])
		if err := s.pages.WritePage(s.ctx, ids[i], page); err != nil {
			return 0, err
		}
		s.pages.SetFree(ids[i], chunk-(end-start))
	}
	return ids[0], nil
}

func (s *Store) readOverflow(first uint32, total int) ([]byte, error) {
	out := make([]byte, 0, total)
	page := make([]byte, s.pageSize)
	id := first
	for id != 0 {
		if err := s.pages.ReadPage(s.ctx, id, page); err != nil {
			return nil, err
		}
		next := binary.LittleEndian.Uint32(page[0:4])
		n := int(binary.LittleEndian.Uint32(page[4:8]))
		if n > s.chunkSize() {
			return nil, fmt.Errorf("%w: overflow chunk %d bytes", ErrCorruptedCell, n)
		}
		out = append(out, page[overflowHeader:overflowHeader+n]...)
		id = next
	}
	if len(out) != total {
		return nil, fmt.Errorf("%w: overflow chain %d of %d bytes", ErrCorruptedCell, len(out), total)
	}
	return out, nil
}

// freeOverflow releases the chain referenced by a cell, if any.
func (s *Store) freeOverflow(cell []byte) error {
	if len(cell) < 9 || cell[0] != cellOverflow {
		return nil
	}
	page := make([]byte, s.pageSize)
	id := binary.LittleEndian.Uint32(cell[1:5])
	for id != 0 {
		if err := s.pages.ReadPage(s.ctx, id, page); err != nil {
			return err
		}
		next := binary.LittleEndian.Uint32(page[0:4])
		s.pages.Free(id)
		s.pages.SetFree(id, 0)
		id = next
	}
	return nil
}
