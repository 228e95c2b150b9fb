package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Flags mark special frames.
type Flags uint16

const (
	// FlagCommit marks the final frame of a committed transaction group.
	FlagCommit Flags = 1 << 0

	// FlagCheckpoint marks a checkpoint boundary frame.
	FlagCheckpoint Flags = 1 << 1
)

// Page kinds recorded in frames, for diagnostics and recovery tooling.
const (
	PageData    uint16 = 0
	PageHeader  uint16 = 1
	PageBitmap  uint16 = 2
	PageFSM     uint16 = 3
	PageCatalog uint16 = 4
)

// FrameHeaderSize is the fixed size of the frame header.
// Layout: Number(8) + TxID(8) + PageID(4) + Kind(2) + Flags(2) +
// PayloadLen(4) + Salt1(4) + Salt2(4) + Checksum(4)
const FrameHeaderSize = 40

// Frame is a single WAL record: a fixed header followed by a page-sized
// payload. The checksum covers header bytes 0..35 plus the payload; the
// salts identify the log generation the frame belongs to.
type Frame struct {
	Number     uint64
	TxID       uint64
	PageID     uint32
	Kind       uint16
	Flags      Flags
	PayloadLen uint32
	Salt1      uint32
	Salt2      uint32
	Payload    []byte // always pageSize bytes on disk
}

// Encode serializes the frame into buf, which must hold
// FrameHeaderSize + len(f.Payload) bytes.
func (f *Frame) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.Number)
	binary.LittleEndian.PutUint64(buf[8:16], f.TxID)
	binary.LittleEndian.PutUint32(buf[16:20], f.PageID)
	binary.LittleEndian.PutUint16(buf[20:22], f.Kind)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Flags))
	binary.LittleEndian.PutUint32(buf[24:28], f.PayloadLen)
	binary.LittleEndian.PutUint32(buf[28:32], f.Salt1)
	binary.LittleEndian.PutUint32(buf[32:36], f.Salt2)
	copy(buf[FrameHeaderSize:], f.Payload)

	crc := crc32.ChecksumIEEE(buf[0:36])
	crc = crc32.Update(crc, crc32.IEEETable, buf[FrameHeaderSize:FrameHeaderSize+len(f.Payload)])
	binary.LittleEndian.PutUint32(buf[36:40], crc)
}

// DecodeFrame parses and verifies a frame from buf, which must hold a
// full header plus pageSize payload bytes. The payload slice aliases buf.
func DecodeFrame(buf []byte, pageSize int) (*Frame, error) {
	if len(buf) < FrameHeaderSize+pageSize {
		return nil, ErrTruncated
	}

	stored := binary.LittleEndian.Uint32(buf[36:40])
	crc := crc32.ChecksumIEEE(buf[0:36])
	crc = crc32.Update(crc, crc32.IEEETable, buf[FrameHeaderSize:FrameHeaderSize+pageSize])
	if stored != crc {
		return nil, ErrCorrupted
	}

	f := &Frame{
		Number:     binary.LittleEndian.Uint64(buf[0:8]),
		TxID:       binary.LittleEndian.Uint64(buf[8:16]),
		PageID:     binary.LittleEndian.Uint32(buf[16:20]),
		Kind:       binary.LittleEndian.Uint16(buf[20:22]),
		Flags:      Flags(binary.LittleEndian.Uint16(buf[22:24])),
		PayloadLen: binary.LittleEndian.Uint32(buf[24:28]),
		Salt1:      binary.LittleEndian.Uint32(buf[28:32]),
		Salt2:      binary.LittleEndian.Uint32(buf[32:36]),
		Payload:    buf[FrameHeaderSize : FrameHeaderSize+pageSize],
	}
	if int(f.PayloadLen) > pageSize {
		return nil, ErrCorrupted
	}
	return f, nil
}

// String returns a human-readable representation of the frame.
func (f *Frame) String() string {
	kind := "page"
	switch {
	case f.Flags&FlagCommit != 0:
		kind = "commit"
	case f.Flags&FlagCheckpoint != 0:
		kind = "checkpoint"
	}
	return fmt.Sprintf("WAL[#%d tx=%d page=%d %s len=%d]",
		f.Number, f.TxID, f.PageID, kind, f.PayloadLen)
}
