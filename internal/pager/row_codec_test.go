package pager

import "testing"

func TestVarPage_AllocFreeRoundTrip(t *testing.T) {
	buf := make([]byte, PageSize)
	vp := InitVarPage(buf, LocalKey{FileNo: 1, PageNo: 2})

	idx, err := vp.AllocRecord([]byte("hello world"))
	if err != nil {
		t.Fatalf("AllocRecord: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected slot 0, got %d", idx)
	}
	if got := string(vp.GetRecord(idx)); got != "hello world" {
		t.Fatalf("got %q", got)
	}

	if err := vp.FreeRecord(idx); err != nil {
		t.Fatalf("FreeRecord: %v", err)
	}
	if !vp.IsFree(idx) {
		t.Fatalf("expected slot to be free")
	}

	// Re-alloc must reuse slot 0 (UNDO replay depends on index stability).
	idx2, err := vp.AllocRecord([]byte("second"))
	if err != nil {
		t.Fatalf("AllocRecord 2: %v", err)
	}
	if idx2 != 0 {
		t.Fatalf("expected slot reuse at 0, got %d", idx2)
	}
}

func TestVarPage_GrowInPlaceVsRelocate(t *testing.T) {
	buf := make([]byte, PageSize)
	vp := InitVarPage(buf, LocalKey{FileNo: 1, PageNo: 1})
	idx, _ := vp.AllocRecord([]byte("short"))

	if err := vp.UpdateRecord(idx, []byte("ab")); err != nil {
		t.Fatalf("shrink update: %v", err)
	}
	if got := string(vp.GetRecord(idx)); got != "ab" {
		t.Fatalf("got %q", got)
	}

	long := make([]byte, 256)
	for i := range long {
		long[i] = byte(i)
	}
	if err := vp.UpdateRecord(idx, long); err != nil {
		t.Fatalf("grow update: %v", err)
	}
	if len(vp.GetRecord(idx)) != 256 {
		t.Fatalf("expected grown record of 256 bytes")
	}
}

func TestVarPage_Reorganise(t *testing.T) {
	buf := make([]byte, PageSize)
	vp := InitVarPage(buf, LocalKey{FileNo: 1, PageNo: 1})
	a, _ := vp.AllocRecord([]byte("aaaa"))
	_, _ = vp.AllocRecord([]byte("bbbb"))
	c, _ := vp.AllocRecord([]byte("cccc"))
	_ = vp.FreeRecord(a)

	before := vp.FreeBytes()
	vp.Reorganise(PageSize)
	after := vp.FreeBytes()
	if after <= before {
		t.Fatalf("reorganise should reclaim tombstone space: before=%d after=%d", before, after)
	}
	if string(vp.GetRecord(c)) != "cccc" {
		t.Fatalf("reorganise must preserve slot identity of live records")
	}
}

func TestFixedPage_AllocFreeRoundTrip(t *testing.T) {
	buf := make([]byte, PageSize)
	fp := InitFixedPage(buf, LocalKey{FileNo: 1, PageNo: 1}, 64)

	row := make([]byte, 64)
	row[0] = 0xAB
	idx, err := fp.AllocSlot(row)
	if err != nil {
		t.Fatalf("AllocSlot: %v", err)
	}
	if fp.OccupiedCount() != 1 {
		t.Fatalf("expected 1 occupied slot")
	}
	if got := fp.GetRow(idx); got[0] != 0xAB {
		t.Fatalf("row mismatch")
	}
	if err := fp.FreeSlot(idx); err != nil {
		t.Fatalf("FreeSlot: %v", err)
	}
	if fp.OccupiedCount() != 0 {
		t.Fatalf("expected 0 occupied slots after free")
	}
	if fp.GetRow(idx) != nil {
		t.Fatalf("expected nil after free")
	}
}

func TestPageHeader_RoundTrip(t *testing.T) {
	buf := make([]byte, PageSize)
	h := &PageHeader{
		Type: PageTypeFixed, FileNo: 3, PageNo: 77,
		LSN: LSNFromHiLo(1, 2), TableID: 9, FragmentID: 4,
		ExtentNo: 5, ExtentInfoPtr: 11, RestartSeq: 1,
		CreateTableVersion: 2, NdbVersion: 1,
	}
	MarshalHeader(h, buf)
	got := UnmarshalHeader(buf)
	got.CRC = 0
	if got != *h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", got, *h)
	}
}

func TestPageCRC(t *testing.T) {
	buf := NewPage(PageTypeVar, LocalKey{FileNo: 1, PageNo: 1})
	SetPageCRC(buf)
	if err := VerifyPageCRC(buf); err != nil {
		t.Fatalf("expected valid CRC: %v", err)
	}
	buf[100] ^= 0xFF
	if err := VerifyPageCRC(buf); err == nil {
		t.Fatalf("expected CRC mismatch after corruption")
	}
}
