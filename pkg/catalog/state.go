package catalog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// State is a collection's live mutable state, stored on its own state
// page and written transactionally. Two transactions mutating the same
// collection both rewrite this page, which is what makes
// first-committer-wins conflict detection fire for logical conflicts
// like competing next-id advances or root swaps.
//
// Layout: u32 checksum (CRC32 over the rest of the page),
// u32 primaryRoot, u32 nextId, u64 documentCount, u16 indexCount,
// indexCount * u32 index roots. Index roots align with the catalog
// entry's index definitions by position. A page that was never written
// reads as zeros and decodes as an empty state.
type State struct {
	PrimaryRoot   uint32
	NextID        int32
	DocumentCount int64
	IndexRoots    []uint32
}

const stateFixedSize = 4 + 4 + 4 + 8 + 2

// Encode writes the state into a page-sized buffer, zeroing the rest.
func (st *State) Encode(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint32(dst[4:8], st.PrimaryRoot)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(st.NextID))
	binary.LittleEndian.PutUint64(dst[12:20], uint64(st.DocumentCount))
	binary.LittleEndian.PutUint16(dst[20:22], uint16(len(st.IndexRoots)))
	off := stateFixedSize
	for _, root := range st.IndexRoots {
		binary.LittleEndian.PutUint32(dst[off:off+4], root)
		off += 4
	}
	binary.LittleEndian.PutUint32(dst[0:4], crc32.ChecksumIEEE(dst[4:]))
}

// DecodeState parses and verifies a state page.
func DecodeState(src []byte) (*State, error) {
	if len(src) < stateFixedSize {
		return nil, fmt.Errorf("%w: short state page", ErrCorrupted)
	}
	stored := binary.LittleEndian.Uint32(src[0:4])
	if stored == 0 {
		if !zeroBytes(src) {
			return nil, fmt.Errorf("%w: state page missing checksum", ErrCorrupted)
		}
		return &State{}, nil
	}
	if crc32.ChecksumIEEE(src[4:]) != stored {
		return nil, fmt.Errorf("%w: state page checksum mismatch", ErrCorrupted)
	}

	st := &State{
		PrimaryRoot:   binary.LittleEndian.Uint32(src[4:8]),
		NextID:        int32(binary.LittleEndian.Uint32(src[8:12])),
		DocumentCount: int64(binary.LittleEndian.Uint64(src[12:20])),
	}
	n := int(binary.LittleEndian.Uint16(src[20:22]))
	if len(src) < stateFixedSize+4*n {
		return nil, fmt.Errorf("%w: short state page", ErrCorrupted)
	}
	off := stateFixedSize
	for i := 0; i < n; i++ {
		st.IndexRoots = append(st.IndexRoots, binary.LittleEndian.Uint32(src[off:off+4]))
		off += 4
	}
	return st, nil
}

func zeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
