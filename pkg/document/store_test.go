package document

import (
	"bytes"
	"context"
	"fmt"
	"testing"
)

// memPages is an in-memory Pages implementation for exercising the
// document store alone.
type memPages struct {
	pageSize int
	pages    map[uint32][]byte
	next     uint32
	free     map[uint32]int
}

func newMemPages(pageSize int) *memPages {
	return &memPages{
		pageSize: pageSize,
		pages:    make(map[uint32][]byte),
		next:     1,
		free:     make(map[uint32]int),
	}
}

func (m *memPages) ReadPage(_ context.Context, id uint32, dst []byte) error {
	p, ok := m.pages[id]
	if !ok {
		return fmt.Errorf("page %d not found", id)
	}
	copy(dst, p)
	return nil
}

func (m *memPages) WritePage(_ context.Context, id uint32, src []byte) error {
	p := make([]byte, m.pageSize)
	copy(p, src)
	m.pages[id] = p
	return nil
}

func (m *memPages) Allocate(_ context.Context) (uint32, error) {
	id := m.next
	m.next++
	return id, nil
}

func (m *memPages) Free(id uint32) { delete(m.pages, id) }

func (m *memPages) SetFree(id uint32, freeBytes int) { m.free[id] = freeBytes }

func (m *memPages) PageSize() int { return m.pageSize }

func doc(i, size int) []byte {
	d := make([]byte, size)
	for j := range d {
		d[j] = byte(i + j)
	}
	return d
}

func TestInsertGet(t *testing.T) {
	mp := newMemPages(4096)
	s := NewStore(context.Background(), mp, 0)

	for i := int32(1); i <= 100; i++ {
		if err := s.Insert(i, doc(int(i), 50)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	for i := int32(1); i <= 100; i++ {
		got, found, err := s.Get(i)
		if err != nil || !found {
			t.Fatalf("get %d: found=%v err=%v", i, found, err)
		}
		if !bytes.Equal(got, doc(int(i), 50)) {
			t.Errorf("doc %d mismatch", i)
		}
	}

	if _, found, _ := s.Get(999); found {
		t.Error("found a document that was never inserted")
	}
}

func TestOverflowDocuments(t *testing.T) {
	mp := newMemPages(4096)
	s := NewStore(context.Background(), mp, 0)

	// Several times the page size forces a multi-page chain.
	big := doc(7, 4096*3+123)
	if err := s.Insert(1, big); err != nil {
		t.Fatalf("insert big: %v", err)
	}
	small := doc(9, 10)
	if err := s.Insert(2, small); err != nil {
		t.Fatalf("insert small: %v", err)
	}

	got, found, err := s.Get(1)
	if err != nil || !found {
		t.Fatalf("get big: found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("big doc corrupted: %d of %d bytes", len(got), len(big))
	}
	got, _, _ = s.Get(2)
	if !bytes.Equal(got, small) {
		t.Error("small doc corrupted")
	}
}

func TestUpdateAcrossSizeClasses(t *testing.T) {
	mp := newMemPages(4096)
	s := NewStore(context.Background(), mp, 0)

	if err := s.Insert(1, doc(1, 20)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Inline -> overflow.
	big := doc(2, 10000)
	found, err := s.Update(1, big)
	if err != nil || !found {
		t.Fatalf("grow update: found=%v err=%v", found, err)
	}
	got, _, _ := s.Get(1)
	if !bytes.Equal(got, big) {
		t.Fatal("grown doc corrupted")
	}

	// Overflow -> inline again; the chain pages must come back.
	livePages := len(mp.pages)
	found, err = s.Update(1, doc(3, 20))
	if err != nil || !found {
		t.Fatalf("shrink update: found=%v err=%v", found, err)
	}
	if len(mp.pages) >= livePages {
		t.Errorf("overflow chain not released: %d -> %d pages", livePages, len(mp.pages))
	}

	if found, err := s.Update(42, doc(1, 5)); err != nil || found {
		t.Errorf("updating a missing id: found=%v err=%v", found, err)
	}
}

func TestDeleteReleasesOverflow(t *testing.T) {
	mp := newMemPages(4096)
	s := NewStore(context.Background(), mp, 0)

	if err := s.Insert(1, doc(1, 9000)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(2, doc(2, 30)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	found, err := s.Delete(1)
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	if _, found, _ := s.Get(1); found {
		t.Error("deleted doc still readable")
	}
	if _, found, _ := s.Get(2); !found {
		t.Error("unrelated doc lost")
	}

	if found, err := s.Delete(1); err != nil || found {
		t.Errorf("double delete: found=%v err=%v", found, err)
	}
}

func TestScanRange(t *testing.T) {
	mp := newMemPages(4096)
	s := NewStore(context.Background(), mp, 0)

	for i := int32(1); i <= 50; i++ {
		if err := s.Insert(i, doc(int(i), 40)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var ids []int32
	err := s.ScanRange(10, 19, func(id int32, data []byte) bool {
		if !bytes.Equal(data, doc(int(id), 40)) {
			t.Errorf("doc %d corrupted during scan", id)
		}
		ids = append(ids, id)
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(ids) != 10 {
		t.Fatalf("scan yielded %d docs, want 10", len(ids))
	}
	for i, id := range ids {
		if id != int32(10+i) {
			t.Errorf("scan order: position %d is id %d", i, id)
		}
	}

	// Early termination.
	count := 0
	if err := s.ScanRange(1, 50, func(int32, []byte) bool { count++; return count < 5 }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 5 {
		t.Errorf("callback stop ignored: %d calls", count)
	}
}

func TestFullRangeIsAscending(t *testing.T) {
	mp := newMemPages(4096)
	s := NewStore(context.Background(), mp, 0)

	for _, id := range []int32{5, 1, 9, 3, 7} {
		if err := s.Insert(id, doc(int(id), 10)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var ids []int32
	if err := s.ScanRange(-1<<31, 1<<31-1, func(id int32, _ []byte) bool {
		ids = append(ids, id)
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []int32{1, 3, 5, 7, 9}
	if len(ids) != len(want) {
		t.Fatalf("full scan yielded %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("full scan order %v, want %v", ids, want)
			break
		}
	}
}
