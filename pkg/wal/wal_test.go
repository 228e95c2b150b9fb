package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testPageSize = 512

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db.wal")
	w, err := Open(path, testPageSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func page(fill byte) []byte {
	p := make([]byte, testPageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestFrameEncodeDecode(t *testing.T) {
	f := Frame{
		Number:     7,
		TxID:       42,
		PageID:     13,
		Kind:       PageCatalog,
		Flags:      FlagCommit,
		PayloadLen: testPageSize,
		Salt1:      0xDEADBEEF,
		Salt2:      0xCAFEBABE,
		Payload:    page(0xAB),
	}

	buf := make([]byte, FrameHeaderSize+testPageSize)
	f.Encode(buf)

	got, err := DecodeFrame(buf, testPageSize)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Number != 7 || got.TxID != 42 || got.PageID != 13 {
		t.Errorf("header fields: %+v", got)
	}
	if got.Kind != PageCatalog || got.Flags != FlagCommit {
		t.Errorf("kind/flags: %+v", got)
	}
	if got.Salt1 != 0xDEADBEEF || got.Salt2 != 0xCAFEBABE {
		t.Errorf("salts: %+v", got)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Error("payload mismatch")
	}
}

func TestFrameChecksumRejectsFlippedBit(t *testing.T) {
	f := Frame{Number: 1, TxID: 1, PageID: 2, PayloadLen: testPageSize, Payload: page(0x11)}
	buf := make([]byte, FrameHeaderSize+testPageSize)
	f.Encode(buf)

	buf[FrameHeaderSize+100] ^= 0x01
	if _, err := DecodeFrame(buf, testPageSize); err != ErrCorrupted {
		t.Errorf("corrupted payload: got %v, want ErrCorrupted", err)
	}

	buf[FrameHeaderSize+100] ^= 0x01
	buf[3] ^= 0x80
	if _, err := DecodeFrame(buf, testPageSize); err != ErrCorrupted {
		t.Errorf("corrupted header: got %v, want ErrCorrupted", err)
	}
}

func TestAppendAndReadBack(t *testing.T) {
	w := openTestWAL(t)
	if err := w.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	pages := map[uint32][]byte{3: page(0x33), 9: page(0x99)}
	if err := w.AppendGroup(1, pages, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Two page frames plus the commit marker.
	if got := w.FrameCount(); got != 3 {
		t.Errorf("frame count %d, want 3", got)
	}

	dst := make([]byte, testPageSize)
	ok, err := w.ReadPage(9, dst)
	if err != nil || !ok {
		t.Fatalf("read page 9: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(dst, page(0x99)) {
		t.Error("page 9 payload mismatch")
	}

	if ok, _ := w.ReadPage(7, dst); ok {
		t.Error("page 7 was never logged")
	}

	// A later group shadows the earlier frame.
	if err := w.AppendGroup(2, map[uint32][]byte{9: page(0x44)}, nil); err != nil {
		t.Fatalf("append second group: %v", err)
	}
	if ok, _ := w.ReadPage(9, dst); !ok || dst[0] != 0x44 {
		t.Errorf("page 9 not shadowed: ok=%v first=%x", ok, dst[0])
	}
}

func TestRecoverReplaysOnlyCommitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.db.wal")

	w, err := Open(path, testPageSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := w.AppendGroup(1, map[uint32][]byte{1: page(0x01)}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.AppendGroup(2, map[uint32][]byte{2: page(0x02)}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	size := w.Size()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Chop the second group's commit frame off, leaving it incomplete.
	if err := os.Truncate(path, size-int64(FrameHeaderSize+testPageSize)); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	w, err = Open(path, testPageSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()

	applied := make(map[uint32]byte)
	stats, err := w.Recover(func(id uint32, data []byte) error {
		applied[id] = data[0]
		return nil
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if stats.CommittedTxns != 1 || stats.UncommittedTxns != 1 {
		t.Errorf("committed=%d uncommitted=%d, want 1/1", stats.CommittedTxns, stats.UncommittedTxns)
	}
	if applied[1] != 0x01 {
		t.Error("committed page 1 not replayed")
	}
	if _, ok := applied[2]; ok {
		t.Error("uncommitted page 2 replayed")
	}

	// Recovery resets the log for the new session.
	if w.FrameCount() != 0 || w.Size() != 0 {
		t.Errorf("log not reset: frames=%d size=%d", w.FrameCount(), w.Size())
	}
}

func TestRecoverStopsAtForeignSalts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.db.wal")

	w, err := Open(path, testPageSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := w.AppendGroup(1, map[uint32][]byte{1: page(0x01)}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Append a frame from a different generation by hand.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	stale := Frame{
		Number:     99,
		TxID:       9,
		PageID:     5,
		PayloadLen: testPageSize,
		Salt1:      0x11111111,
		Salt2:      0x22222222,
		Payload:    page(0x55),
	}
	buf := make([]byte, FrameHeaderSize+testPageSize)
	stale.Encode(buf)
	if _, err := f.Write(buf); err != nil {
		t.Fatalf("write stale frame: %v", err)
	}
	f.Close()

	w, err = Open(path, testPageSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()

	applied := make(map[uint32]byte)
	stats, err := w.Recover(func(id uint32, data []byte) error {
		applied[id] = data[0]
		return nil
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if stats.TruncatedAt < 0 {
		t.Error("stale frame did not terminate the scan")
	}
	if _, ok := applied[5]; ok {
		t.Error("stale-salt frame replayed")
	}
	if applied[1] != 0x01 {
		t.Error("current-generation page lost")
	}
}

func TestRecoverEmptyLog(t *testing.T) {
	w := openTestWAL(t)
	stats, err := w.Recover(func(uint32, []byte) error { return nil })
	if err != nil {
		t.Fatalf("recover empty: %v", err)
	}
	if stats.TotalFrames != 0 {
		t.Errorf("empty log reported %d frames", stats.TotalFrames)
	}
}
