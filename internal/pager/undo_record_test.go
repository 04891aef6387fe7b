package pager

import "testing"

func TestUndoRecord_MarshalRoundTrip(t *testing.T) {
	rec := &UndoRecord{
		Type:       UndoTupUpdate,
		LSN:        LSNFromHiLo(7, 99),
		Key:        LocalKey{FileNo: 2, PageNo: 44},
		TableID:    5,
		FragmentID: 1,
		PageIdx:    3,
		Image:      []byte("the quick brown fox"),
	}
	buf := MarshalUndoRecord(rec)
	got, n, err := UnmarshalUndoRecord(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if got.Type != rec.Type || got.Key != rec.Key || got.TableID != rec.TableID ||
		got.FragmentID != rec.FragmentID || got.PageIdx != rec.PageIdx {
		t.Fatalf("mismatch: got %+v want %+v", got, rec)
	}
	if string(got.Image) != string(rec.Image) {
		t.Fatalf("image mismatch: got %q want %q", got.Image, rec.Image)
	}
}

func TestUndoRecord_SequentialStream(t *testing.T) {
	recs := []*UndoRecord{
		{Type: UndoTupAlloc, Key: LocalKey{FileNo: 1, PageNo: 1}, PageIdx: 0},
		{Type: UndoTupFree, Key: LocalKey{FileNo: 1, PageNo: 1}, PageIdx: 0},
		{Type: UndoEnd},
	}
	var stream []byte
	for _, r := range recs {
		stream = append(stream, MarshalUndoRecord(r)...)
	}
	off := 0
	for i, want := range recs {
		got, n, err := UnmarshalUndoRecord(stream[off:])
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got.Type != want.Type {
			t.Fatalf("record %d: got type %v want %v", i, got.Type, want.Type)
		}
		off += n
	}
	if off != len(stream) {
		t.Fatalf("leftover bytes: consumed %d of %d", off, len(stream))
	}
}

func TestLCPMarkerClassification(t *testing.T) {
	for _, typ := range []UndoRecordType{UndoLCP, UndoLCPFirst, UndoLocalLCP, UndoLocalLCPFirst} {
		if !typ.IsLCPMarker() {
			t.Errorf("%v should be an LCP marker", typ)
		}
	}
	if UndoTupAlloc.IsLCPMarker() {
		t.Errorf("UNDO_TUP_ALLOC must not classify as an LCP marker")
	}
}
