package wal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// WAL is an append-only log of page frames beside the main database
// file. Committed pages live here until a checkpoint folds them back
// into the main file; reads consult the in-memory frame index before
// falling back to the main file.
type WAL struct {
	path     string
	pageSize int

	mu       sync.Mutex
	fd       *os.File
	salt1    uint32
	salt2    uint32
	frameNo  uint64
	frames   int
	size     int64
	index    map[uint32]int64 // page id -> file offset of latest frame
	closed   bool

	log zerolog.Logger
}

// Open opens or creates the WAL file for a database with the given page
// size. Existing frames are left untouched so recovery can scan them;
// call Recover then Reset before appending new groups.
func Open(path string, pageSize int, log zerolog.Logger) (*WAL, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}

	w := &WAL{
		path:     path,
		pageSize: pageSize,
		fd:       fd,
		size:     stat.Size(),
		index:    make(map[uint32]int64),
		log:      log,
	}
	return w, nil
}

// Path returns the WAL file path.
func (w *WAL) Path() string { return w.path }

func (w *WAL) frameSize() int64 { return int64(FrameHeaderSize + w.pageSize) }

func (w *WAL) newSalts() error {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Errorf("wal: salts: %w", err)
	}
	w.salt1 = binary.LittleEndian.Uint32(buf[0:4])
	w.salt2 = binary.LittleEndian.Uint32(buf[4:8])
	return nil
}

// Reset truncates the log, clears the frame index, and draws fresh
// session salts so frames from earlier generations can never replay.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resetLocked()
}

func (w *WAL) resetLocked() error {
	if w.closed {
		return ErrLogClosed
	}
	if err := w.fd.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if err := w.fd.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	if err := w.newSalts(); err != nil {
		return err
	}
	w.frameNo = 0
	w.frames = 0
	w.size = 0
	w.index = make(map[uint32]int64)
	return nil
}

// AppendGroup appends one frame per dirty page followed by a commit
// frame, then fsyncs. Only after the fsync returns is the transaction
// durable. The page index is updated so subsequent reads see the new
// frames.
func (w *WAL) AppendGroup(txID uint64, pages map[uint32][]byte, kinds map[uint32]uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	if w.salt1 == 0 && w.salt2 == 0 {
		if err := w.newSalts(); err != nil {
			return err
		}
	}

	// Deterministic frame order keeps recovery and tests reproducible.
	ids := make([]uint32, 0, len(pages))
	for id := range pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]byte, w.frameSize())
	offsets := make(map[uint32]int64, len(ids))
	for _, id := range ids {
		data := pages[id]
		if len(data) != w.pageSize {
			return fmt.Errorf("wal: page %d payload %d bytes: %w", id, len(data), ErrTruncated)
		}
		w.frameNo++
		f := Frame{
			Number:     w.frameNo,
			TxID:       txID,
			PageID:     id,
			Kind:       kinds[id],
			PayloadLen: uint32(w.pageSize),
			Salt1:      w.salt1,
			Salt2:      w.salt2,
			Payload:    data,
		}
		f.Encode(buf)
		if _, err := w.fd.WriteAt(buf, w.size); err != nil {
			return fmt.Errorf("wal: append frame: %w", err)
		}
		offsets[id] = w.size
		w.size += w.frameSize()
		w.frames++
	}

	// Commit marker with an empty payload.
	w.frameNo++
	for i := range buf {
		buf[i] = 0
	}
	cf := Frame{
		Number:  w.frameNo,
		TxID:    txID,
		Flags:   FlagCommit,
		Salt1:   w.salt1,
		Salt2:   w.salt2,
		Payload: buf[FrameHeaderSize:],
	}
	cf.Encode(buf)
	if _, err := w.fd.WriteAt(buf, w.size); err != nil {
		return fmt.Errorf("wal: append commit frame: %w", err)
	}
	w.size += w.frameSize()
	w.frames++

	if err := w.fd.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}

	// The group is durable; now publish the frames for readers.
	for id, off := range offsets {
		w.index[id] = off
	}
	return nil
}

// ReadPage copies the latest logged version of the page into dst.
// Returns false when the page has no frame in the current generation.
func (w *WAL) ReadPage(id uint32, dst []byte) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, ErrLogClosed
	}
	off, ok := w.index[id]
	if !ok {
		return false, nil
	}
	if len(dst) != w.pageSize {
		return false, fmt.Errorf("wal: read page %d: %w", id, ErrTruncated)
	}
	if _, err := w.fd.ReadAt(dst, off+FrameHeaderSize); err != nil {
		return false, fmt.Errorf("wal: read frame payload: %w", err)
	}
	return true, nil
}

// Pages returns the ids of all pages with a frame in the current
// generation, in ascending order.
func (w *WAL) Pages() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]uint32, 0, len(w.index))
	for id := range w.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FrameCount returns the number of frames appended since the last reset.
func (w *WAL) FrameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Size returns the log file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the log file. Double close is a no-op.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fd.Close()
}
