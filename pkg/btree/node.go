// Package btree implements the copy-on-write B+-tree both the document
// store and the index store are built on. Keys are opaque bytes ordered
// by bytes.Compare; internal pointers are 32-bit page ids so trees
// survive WAL relocation and snapshot copies.
package btree

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

const (
	BNODE_NODE = 1 // internal nodes without values
	BNODE_LEAF = 2 // leaf nodes with values
)

// HEADER is the node header size:
// type (2) + key count (2) + level (2) + next-leaf pointer (4) +
// checksum (4). The level is 0 for leaves and grows toward the root.
// The next-leaf slot is part of the format but written zero: sibling
// links cannot survive copy-on-write relocation, so iteration descends
// through the parent path instead.
const HEADER = 14

const checksumOffset = 10

// BNode represents a B+-tree node as a byte slice.
// Layout: header, 4-byte child pointers, 4-byte cell offsets, cells.
// Each cell is klen(2) + vlen(2) + key + value.
type BNode []byte

func (node BNode) btype() uint16 {
	return binary.LittleEndian.Uint16(node[0:2])
}

func (node BNode) nkeys() uint16 {
	return binary.LittleEndian.Uint16(node[2:4])
}

func (node BNode) setHeader(btype uint16, nkeys uint16) {
	binary.LittleEndian.PutUint16(node[0:2], btype)
	binary.LittleEndian.PutUint16(node[2:4], nkeys)
}

func (node BNode) level() uint16 {
	return binary.LittleEndian.Uint16(node[4:6])
}

func (node BNode) setLevel(level uint16) {
	binary.LittleEndian.PutUint16(node[4:6], level)
}

func (node BNode) nextLeaf() uint32 {
	return binary.LittleEndian.Uint32(node[6:10])
}

func (node BNode) setNextLeaf(ptr uint32) {
	binary.LittleEndian.PutUint32(node[6:10], ptr)
}

// sealNode stores the node checksum: CRC32 over every page byte except
// the checksum field itself. Called once per node page write.
func sealNode(page []byte) {
	crc := crc32.ChecksumIEEE(page[:checksumOffset])
	crc = crc32.Update(crc, crc32.IEEETable, page[checksumOffset+4:])
	binary.LittleEndian.PutUint32(page[checksumOffset:checksumOffset+4], crc)
}

// verifyNode re-computes the node checksum against the stored one.
func verifyNode(page []byte) bool {
	stored := binary.LittleEndian.Uint32(page[checksumOffset : checksumOffset+4])
	crc := crc32.ChecksumIEEE(page[:checksumOffset])
	crc = crc32.Update(crc, crc32.IEEETable, page[checksumOffset+4:])
	return stored == crc
}

func (node BNode) getPtr(idx uint16) uint32 {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := HEADER + 4*uint32(idx)
	return binary.LittleEndian.Uint32(node[pos:])
}

func (node BNode) setPtr(idx uint16, val uint32) {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := HEADER + 4*uint32(idx)
	binary.LittleEndian.PutUint32(node[pos:], val)
}

func offsetPos(node BNode, idx uint16) uint32 {
	if idx < 1 || idx > node.nkeys() {
		panic("index out of range")
	}
	return HEADER + 4*uint32(node.nkeys()) + 4*uint32(idx-1)
}

func (node BNode) getOffset(idx uint16) uint32 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint32(node[offsetPos(node, idx):])
}

func (node BNode) setOffset(idx uint16, offset uint32) {
	binary.LittleEndian.PutUint32(node[offsetPos(node, idx):], offset)
}

// kvPos returns the byte position of the nth cell.
func (node BNode) kvPos(idx uint16) uint32 {
	if idx > node.nkeys() {
		panic("index out of range")
	}
	return HEADER + 8*uint32(node.nkeys()) + node.getOffset(idx)
}

func (node BNode) getKey(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos:])
	return node[pos+4:][:klen]
}

func (node BNode) getVal(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos+0:])
	vlen := binary.LittleEndian.Uint16(node[pos+2:])
	return node[pos+4+uint32(klen):][:vlen]
}

// nbytes returns the used size of the node in bytes.
func (node BNode) nbytes() uint32 {
	return node.kvPos(node.nkeys())
}

// UsedBytes reports the occupied bytes of a serialized node page, used
// to feed the free-space map.
func UsedBytes(page []byte) int {
	return int(BNode(page).nbytes())
}

// nodeLookupLE returns the last index whose key is <= the search key.
// The first key of every node is a copy from the parent and is always
// less than or equal to any key routed here.
func nodeLookupLE(node BNode, key []byte) uint16 {
	nkeys := node.nkeys()
	found := uint16(0)

	for i := uint16(1); i < nkeys; i++ {
		cmp := bytes.Compare(node.getKey(i), key)
		if cmp <= 0 {
			found = i
		}
		if cmp >= 0 {
			break
		}
	}
	return found
}

// nodeAppendRange copies a range of cells from old to new.
func nodeAppendRange(
	new BNode, old BNode,
	dstNew uint16, srcOld uint16, n uint16,
) {
	if srcOld+n > old.nkeys() {
		panic("source range out of bounds")
	}
	if dstNew+n > new.nkeys() {
		panic("destination range out of bounds")
	}
	if n == 0 {
		return
	}

	for i := uint16(0); i < n; i++ {
		new.setPtr(dstNew+i, old.getPtr(srcOld+i))
	}

	dstBegin := new.getOffset(dstNew)
	srcBegin := old.getOffset(srcOld)
	for i := uint16(1); i <= n; i++ {
		offset := dstBegin + old.getOffset(srcOld+i) - srcBegin
		new.setOffset(dstNew+i, offset)
	}

	begin := old.kvPos(srcOld)
	end := old.kvPos(srcOld + n)
	copy(new[new.kvPos(dstNew):], old[begin:end])
}

// nodeAppendKV appends a single cell to the node.
func nodeAppendKV(new BNode, idx uint16, ptr uint32, key []byte, val []byte) {
	new.setPtr(idx, ptr)

	pos := new.kvPos(idx)
	binary.LittleEndian.PutUint16(new[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(new[pos+2:], uint16(len(val)))
	copy(new[pos+4:], key)
	copy(new[pos+4+uint32(len(key)):], val)

	new.setOffset(idx+1, new.getOffset(idx)+4+uint32(len(key)+len(val)))
}
