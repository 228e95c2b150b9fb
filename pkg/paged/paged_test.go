package paged

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rthomasv3/galdrdb/pkg/cache"
	"github.com/rthomasv3/galdrdb/pkg/pageio"
	"github.com/rthomasv3/galdrdb/pkg/wal"
)

const testPageSize = 512

func fillPage(fill byte) []byte {
	p := make([]byte, testPageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func newTestStore(t *testing.T, withWAL bool) (*Store, pageio.IO) {
	t.Helper()
	inner := pageio.NewMemory(testPageSize)
	c := cache.New(inner, 64)

	var w *wal.WAL
	if withWAL {
		var err error
		w, err = wal.Open(filepath.Join(t.TempDir(), "t.wal"), testPageSize, zerolog.Nop())
		if err != nil {
			t.Fatalf("open wal: %v", err)
		}
		if err := w.Reset(); err != nil {
			t.Fatalf("reset wal: %v", err)
		}
		t.Cleanup(func() { w.Close() })
	}
	return NewStore(c, w, nil), inner
}

func TestReadYourOwnWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, false)

	tx := s.Begin(true)
	if err := tx.WritePage(ctx, 5, fillPage(0x55)); err != nil {
		t.Fatalf("write: %v", err)
	}

	dst := make([]byte, testPageSize)
	if err := tx.ReadPage(ctx, 5, dst); err != nil {
		t.Fatalf("read own write: %v", err)
	}
	if !bytes.Equal(dst, fillPage(0x55)) {
		t.Error("transaction does not see its own write")
	}

	// Other transactions see nothing until commit.
	other := s.Begin(false)
	if err := other.ReadPage(ctx, 5, dst); err != nil {
		t.Fatalf("other read: %v", err)
	}
	if !bytes.Equal(dst, make([]byte, testPageSize)) {
		t.Error("uncommitted write visible to another transaction")
	}
	s.Abort(other)

	if err := s.Commit(ctx, tx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v := s.PageVersion(5); v != 1 {
		t.Errorf("page version %d after first commit, want 1", v)
	}
}

func TestFirstCommitterWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, false)

	// Seed page 7.
	seed := s.Begin(true)
	if err := seed.WritePage(ctx, 7, fillPage(0x01)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Commit(ctx, seed, 1); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	dst := make([]byte, testPageSize)

	t1 := s.Begin(true)
	if err := t1.ReadPage(ctx, 7, dst); err != nil {
		t.Fatalf("t1 read: %v", err)
	}
	t2 := s.Begin(true)
	if err := t2.ReadPage(ctx, 7, dst); err != nil {
		t.Fatalf("t2 read: %v", err)
	}

	if err := t1.WritePage(ctx, 7, fillPage(0x02)); err != nil {
		t.Fatalf("t1 write: %v", err)
	}
	if err := t2.WritePage(ctx, 7, fillPage(0x03)); err != nil {
		t.Fatalf("t2 write: %v", err)
	}

	if err := s.Commit(ctx, t1, 2); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := s.Commit(ctx, t2, 3); !errors.Is(err, ErrPageConflict) {
		t.Fatalf("second commit: got %v, want ErrPageConflict", err)
	}

	// The winner's bytes survive.
	check := s.Begin(false)
	if err := check.ReadPage(ctx, 7, dst); err != nil {
		t.Fatalf("check read: %v", err)
	}
	if dst[0] != 0x02 {
		t.Errorf("page 7 holds %x, want the first committer's 02", dst[0])
	}
	s.Abort(check)
}

func TestReadOnlyTransactionNeverConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, false)

	reader := s.Begin(false)
	dst := make([]byte, testPageSize)
	if err := reader.ReadPage(ctx, 3, dst); err != nil {
		t.Fatalf("reader: %v", err)
	}

	writer := s.Begin(true)
	if err := writer.WritePage(ctx, 3, fillPage(0x33)); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := s.Commit(ctx, writer, 1); err != nil {
		t.Fatalf("writer commit: %v", err)
	}

	// The reader still sees its pinned snapshot of page 3.
	if err := reader.ReadPage(ctx, 3, dst); err != nil {
		t.Fatalf("reader after commit: %v", err)
	}
	if !bytes.Equal(dst, make([]byte, testPageSize)) {
		t.Error("reader snapshot changed under it")
	}
	s.Abort(reader)

	if err := s.Commit(ctx, s.Begin(false), 2); !errors.Is(err, ErrReadOnly) {
		t.Error("committing a read-only transaction should fail")
	}
}

func TestAbortDiscardsBuffers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, false)

	tx := s.Begin(true)
	if err := tx.WritePage(ctx, 2, fillPage(0x22)); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.Abort(tx)

	dst := make([]byte, testPageSize)
	check := s.Begin(false)
	if err := check.ReadPage(ctx, 2, dst); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(dst, make([]byte, testPageSize)) {
		t.Error("aborted write persisted")
	}
	s.Abort(check)

	if err := tx.WritePage(ctx, 2, fillPage(0x22)); !errors.Is(err, ErrTxDone) {
		t.Errorf("write after abort: got %v, want ErrTxDone", err)
	}
}

func TestWALCommitAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	s, inner := newTestStore(t, true)

	tx := s.Begin(true)
	if err := tx.WritePage(ctx, 4, fillPage(0x44)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Commit(ctx, tx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Before the checkpoint the page lives in the WAL, not the file.
	dst := make([]byte, testPageSize)
	if err := inner.ReadPage(ctx, 4, dst); err != nil {
		t.Fatalf("inner read: %v", err)
	}
	if !bytes.Equal(dst, make([]byte, testPageSize)) {
		t.Error("page reached the main file before checkpoint")
	}

	// But committed readers see it.
	reader := s.Begin(false)
	if err := reader.ReadPage(ctx, 4, dst); err != nil {
		t.Fatalf("reader: %v", err)
	}
	if !bytes.Equal(dst, fillPage(0x44)) {
		t.Error("committed page not visible through the store")
	}
	s.Abort(reader)

	if err := s.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := inner.ReadPage(ctx, 4, dst); err != nil {
		t.Fatalf("inner read after checkpoint: %v", err)
	}
	if !bytes.Equal(dst, fillPage(0x44)) {
		t.Error("checkpoint did not fold the page into the main file")
	}
	if s.WAL().FrameCount() != 0 {
		t.Error("WAL not truncated after checkpoint")
	}
}

func TestBaseVersionNotResampled(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, false)

	// t1 reads page 9, then t2 commits to it, then t1 writes it. The
	// base version must come from t1's read, so the commit conflicts.
	dst := make([]byte, testPageSize)
	t1 := s.Begin(true)
	if err := t1.ReadPage(ctx, 9, dst); err != nil {
		t.Fatalf("t1 read: %v", err)
	}

	t2 := s.Begin(true)
	if err := t2.WritePage(ctx, 9, fillPage(0x99)); err != nil {
		t.Fatalf("t2 write: %v", err)
	}
	if err := s.Commit(ctx, t2, 1); err != nil {
		t.Fatalf("t2 commit: %v", err)
	}

	if err := t1.WritePage(ctx, 9, fillPage(0x11)); err != nil {
		t.Fatalf("t1 write: %v", err)
	}
	if err := s.Commit(ctx, t1, 2); !errors.Is(err, ErrPageConflict) {
		t.Errorf("t1 commit: got %v, want ErrPageConflict", err)
	}
}
