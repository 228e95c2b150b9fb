// Package pager owns the database header, the allocation bitmap and the
// free-space map. Allocation claims are taken in memory immediately so
// concurrent transactions never hand out the same page, but the durable
// bitmap, FSM and header pages are rendered from committed state at
// commit time, under the commit lock, outside conflict tracking.
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Magic is "GALD" little-endian.
const Magic = 0x444C4147

// FormatVersion is the on-disk format version this build reads and writes.
const FormatVersion = 1

// Header flag bits.
const (
	FlagWAL       = 1 << 0
	FlagEncrypted = 1 << 1
)

const headerCRCOffset = 68

var (
	// ErrBadHeader indicates a header page that failed validation.
	ErrBadHeader = errors.New("pager: invalid database header")

	// ErrNoSpace indicates allocation beyond the mapped page range.
	ErrNoSpace = errors.New("pager: no free pages")
)

// Header is the page-0 record describing the file layout and the last
// durably committed transaction marks.
type Header struct {
	Version      uint16
	PageSize     uint32
	Flags        uint32
	PageCount    uint64
	NextFree     uint32 // allocation search hint
	BitmapRoot   uint32
	BitmapPages  uint32
	FSMRoot      uint32
	FSMPages     uint32
	CatalogStart uint32
	CatalogPages uint32
	LastTxID     uint64
	LastCSN      uint64
}

// Encode writes the header into a page-sized buffer, zeroing the rest.
func (h *Header) Encode(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	binary.LittleEndian.PutUint16(dst[4:6], h.Version)
	binary.LittleEndian.PutUint32(dst[8:12], h.PageSize)
	binary.LittleEndian.PutUint32(dst[12:16], h.Flags)
	binary.LittleEndian.PutUint64(dst[16:24], h.PageCount)
	binary.LittleEndian.PutUint32(dst[24:28], h.NextFree)
	binary.LittleEndian.PutUint32(dst[28:32], h.BitmapRoot)
	binary.LittleEndian.PutUint32(dst[32:36], h.BitmapPages)
	binary.LittleEndian.PutUint32(dst[36:40], h.FSMRoot)
	binary.LittleEndian.PutUint32(dst[40:44], h.FSMPages)
	binary.LittleEndian.PutUint32(dst[44:48], h.CatalogStart)
	binary.LittleEndian.PutUint32(dst[48:52], h.CatalogPages)
	binary.LittleEndian.PutUint64(dst[52:60], h.LastTxID)
	binary.LittleEndian.PutUint64(dst[60:68], h.LastCSN)
	crc := crc32.ChecksumIEEE(dst[:headerCRCOffset])
	binary.LittleEndian.PutUint32(dst[headerCRCOffset:headerCRCOffset+4], crc)
}

// DecodeHeader parses and validates a header page.
func DecodeHeader(src []byte) (*Header, error) {
	if len(src) < headerCRCOffset+4 {
		return nil, ErrBadHeader
	}
	if binary.LittleEndian.Uint32(src[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadHeader)
	}
	stored := binary.LittleEndian.Uint32(src[headerCRCOffset : headerCRCOffset+4])
	if stored != crc32.ChecksumIEEE(src[:headerCRCOffset]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadHeader)
	}

	h := &Header{
		Version:      binary.LittleEndian.Uint16(src[4:6]),
		PageSize:     binary.LittleEndian.Uint32(src[8:12]),
		Flags:        binary.LittleEndian.Uint32(src[12:16]),
		PageCount:    binary.LittleEndian.Uint64(src[16:24]),
		NextFree:     binary.LittleEndian.Uint32(src[24:28]),
		BitmapRoot:   binary.LittleEndian.Uint32(src[28:32]),
		BitmapPages:  binary.LittleEndian.Uint32(src[32:36]),
		FSMRoot:      binary.LittleEndian.Uint32(src[36:40]),
		FSMPages:     binary.LittleEndian.Uint32(src[40:44]),
		CatalogStart: binary.LittleEndian.Uint32(src[44:48]),
		CatalogPages: binary.LittleEndian.Uint32(src[48:52]),
		LastTxID:     binary.LittleEndian.Uint64(src[52:60]),
		LastCSN:      binary.LittleEndian.Uint64(src[60:68]),
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBadHeader, h.Version)
	}
	return h, nil
}
