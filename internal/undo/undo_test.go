package undo

import (
	"context"
	"testing"

	"github.com/logicalclocks/rondb-sub002/internal/extent"
	"github.com/logicalclocks/rondb-sub002/internal/pager"
)

func setOwner(buf []byte, tableID, fragmentID uint32) {
	h := pager.UnmarshalHeader(buf)
	h.TableID = tableID
	h.FragmentID = fragmentID
	pager.MarshalHeader(&h, buf)
}

func TestUndoReplay_AllocFreeRoundTrip(t *testing.T) {
	pg := pager.NewMemPager()
	cfg := extent.DefaultConfig(8)
	ts := extent.NewTablespace(cfg)
	_, key, _, _ := ts.AllocExtent(1) // key is the extent's first tracked page

	buf := pager.NewPage(pager.PageTypeVar, key)
	setOwner(buf, 1, 1)
	vp := pager.WrapVarPage(buf)
	idx, err := vp.AllocRecord([]byte("original row"))
	if err != nil {
		t.Fatalf("seed AllocRecord: %v", err)
	}
	pg.PutPage(key, buf)

	r := NewReplayer(pg, ts, 1)
	r.DiskRestartLcpID(1, 1, pager.RNIL, 0)

	// Replay an UNDO_TUP_ALLOC: the compensating action is to free the slot.
	err = r.DiskRestartUndo(context.Background(), &pager.UndoRecord{
		Type: pager.UndoTupAlloc, LSN: 1, Key: key, TableID: 1, FragmentID: 1, PageIdx: idx,
	})
	if err != nil {
		t.Fatalf("DiskRestartUndo: %v", err)
	}

	_, got, _ := pg.GetPage(context.Background(), pager.PageRequest{Key: key})
	gotVP := pager.WrapVarPage(got)
	if !gotVP.IsFree(idx) {
		t.Fatalf("expected slot %d to be freed by UNDO_TUP_ALLOC replay", idx)
	}
}

func TestUndoReplay_OrderingWithinPage(t *testing.T) {
	pg := pager.NewMemPager()
	cfg := extent.DefaultConfig(8)
	ts := extent.NewTablespace(cfg)
	_, key, _, _ := ts.AllocExtent(1)

	buf := pager.NewPage(pager.PageTypeVar, key)
	setOwner(buf, 1, 1)
	vp0 := pager.WrapVarPage(buf)
	if _, err := vp0.AllocRecord([]byte("placeholder")); err != nil {
		t.Fatalf("seed AllocRecord: %v", err)
	}
	pg.PutPage(key, buf)

	r := NewReplayer(pg, ts, 1)
	r.DiskRestartLcpID(1, 1, pager.RNIL, 0)

	recs := []*pager.UndoRecord{
		{Type: pager.UndoTupFree, LSN: 1, Key: key, TableID: 1, FragmentID: 1, PageIdx: 0, Image: []byte("first")},
		{Type: pager.UndoTupUpdate, LSN: 2, Key: key, TableID: 1, FragmentID: 1, PageIdx: 0, Image: []byte("second")},
	}
	for _, rec := range recs {
		if err := r.DiskRestartUndo(context.Background(), rec); err != nil {
			t.Fatalf("DiskRestartUndo: %v", err)
		}
	}

	_, got, _ := pg.GetPage(context.Background(), pager.PageRequest{Key: key})
	gotVP := pager.WrapVarPage(got)
	if string(gotVP.GetRecord(0)) != "second" {
		t.Fatalf("expected final record content %q, got %q", "second", gotVP.GetRecord(0))
	}
}

func TestUndoReplay_LCPMarkerStateMachine(t *testing.T) {
	pg := pager.NewMemPager()
	cfg := extent.DefaultConfig(8)
	ts := extent.NewTablespace(cfg)
	r := NewReplayer(pg, ts, 1)

	r.DiskRestartLcpID(1, 1, 7, 0)
	if got := r.FragmentState(1, 1); got != UCSetLCP {
		t.Fatalf("expected UC_SET_LCP after DiskRestartLcpID, got %v", got)
	}

	if err := r.DiskRestartUndo(context.Background(), &pager.UndoRecord{
		Type: pager.UndoLCP, TableID: 1, FragmentID: 1, LcpID: 7, LocalLcpID: 0,
	}); err != nil {
		t.Fatalf("DiskRestartUndo LCP marker: %v", err)
	}
	if got := r.FragmentState(1, 1); got != UCLCP {
		t.Fatalf("expected UC_LCP after matching marker, got %v", got)
	}
}

func TestUndoReplay_DropMarksCreate(t *testing.T) {
	pg := pager.NewMemPager()
	cfg := extent.DefaultConfig(8)
	ts := extent.NewTablespace(cfg)
	r := NewReplayer(pg, ts, 1)
	r.DiskRestartLcpID(3, 1, pager.RNIL, 0)

	if err := r.DiskRestartUndo(context.Background(), &pager.UndoRecord{Type: pager.UndoTupDrop, TableID: 3}); err != nil {
		t.Fatalf("DiskRestartUndo drop: %v", err)
	}
	if got := r.FragmentState(3, 1); got != UCCreate {
		t.Fatalf("expected UC_CREATE after UNDO_TUP_DROP, got %v", got)
	}
}
