package diskalloc

import (
	"testing"

	"github.com/logicalclocks/rondb-sub002/internal/extent"
	"github.com/logicalclocks/rondb-sub002/internal/pager"
)

func newTestAllocator(t *testing.T) (*Allocator, *pager.MemPager, *pager.MemUndoLog) {
	t.Helper()
	cfg := extent.DefaultConfig(8)
	ts := extent.NewTablespace(cfg)
	pg := pager.NewMemPager()
	undo := pager.NewMemUndoLog()
	a := New(1, 9, ts, pg, undo)
	return a, pg, undo
}

func TestDiskAlloc_PreallocNewExtent(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	key, err := a.Prealloc(128, true)
	if err != nil {
		t.Fatalf("Prealloc: %v", err)
	}
	if e := a.frag.Extent(a.frag.CurrExtentNo()); e == nil || key != e.Key {
		t.Fatalf("expected the first page of the new current extent, got %s", key)
	}
}

func TestDiskAlloc_AllocFreeEmitsUndo(t *testing.T) {
	a, _, undo := newTestAllocator(t)
	key, err := a.Prealloc(64, true)
	if err != nil {
		t.Fatalf("Prealloc: %v", err)
	}

	idx, err := a.Alloc(key, []byte("row payload"))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Free(key, idx); err != nil {
		t.Fatalf("Free: %v", err)
	}

	recs := undo.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 undo records (alloc, free), got %d", len(recs))
	}
	if recs[0].Type != pager.UndoTupAlloc {
		t.Fatalf("expected first record to be UNDO_TUP_ALLOC, got %v", recs[0].Type)
	}
	if recs[1].Type != pager.UndoTupFree {
		t.Fatalf("expected second record to be UNDO_TUP_FREE, got %v", recs[1].Type)
	}
	if string(recs[1].Image) != "row payload" {
		t.Fatalf("expected free record to carry the full row image, got %q", recs[1].Image)
	}
}

func TestDiskAlloc_AbortPreallocReturnsSpace(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	key, err := a.Prealloc(200, true)
	if err != nil {
		t.Fatalf("Prealloc: %v", err)
	}
	if err := a.AbortPrealloc(key, 200); err != nil {
		t.Fatalf("AbortPrealloc: %v", err)
	}
}

func TestDiskAlloc_PreallocReusesResidentPage(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	key1, err := a.Prealloc(64, true)
	if err != nil {
		t.Fatalf("Prealloc 1: %v", err)
	}
	key2, err := a.Prealloc(64, true)
	if err != nil {
		t.Fatalf("Prealloc 2: %v", err)
	}
	if key1 != key2 {
		t.Fatalf("expected second small prealloc to reuse the same resident page: %s vs %s", key1, key2)
	}
}
