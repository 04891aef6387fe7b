package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// UNDO log record wire format (spec §6.3)
// ───────────────────────────────────────────────────────────────────────────
//
// Each record is length-prefixed: the high 16 bits of the leading word carry
// the type, the low 16 bits carry the word length minus one. This mirrors
// the length/type packing tinySQL's WAL uses for its own record header
// (wal.go), adapted to the word-oriented, type-in-high-bits layout the spec
// requires instead of tinySQL's byte-oriented one.

type UndoRecordType uint16

const (
	UndoTupAlloc UndoRecordType = iota + 1
	UndoTupUpdate
	UndoTupUpdatePart
	UndoTupFirstUpdatePart
	UndoTupUpdateVarPart
	UndoTupFirstUpdateVarPart
	UndoTupFree
	UndoTupFreePart
	UndoTupFreeVarPart
	UndoTupDrop
	UndoLCP
	UndoLCPFirst
	UndoLocalLCP
	UndoLocalLCPFirst
	UndoEnd
)

func (t UndoRecordType) String() string {
	names := map[UndoRecordType]string{
		UndoTupAlloc: "UNDO_TUP_ALLOC", UndoTupUpdate: "UNDO_TUP_UPDATE",
		UndoTupUpdatePart: "UNDO_TUP_UPDATE_PART", UndoTupFirstUpdatePart: "UNDO_TUP_FIRST_UPDATE_PART",
		UndoTupUpdateVarPart: "UNDO_TUP_UPDATE_VAR_PART", UndoTupFirstUpdateVarPart: "UNDO_TUP_FIRST_UPDATE_VAR_PART",
		UndoTupFree: "UNDO_TUP_FREE", UndoTupFreePart: "UNDO_TUP_FREE_PART", UndoTupFreeVarPart: "UNDO_TUP_FREE_VAR_PART",
		UndoTupDrop: "UNDO_TUP_DROP", UndoLCP: "UNDO_LCP", UndoLCPFirst: "UNDO_LCP_FIRST",
		UndoLocalLCP: "UNDO_LOCAL_LCP", UndoLocalLCPFirst: "UNDO_LOCAL_LCP_FIRST", UndoEnd: "UNDO_END",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("UndoRecordType(%d)", uint16(t))
}

// IsLCPMarker reports whether t is one of the four LCP marker record types.
func (t UndoRecordType) IsLCPMarker() bool {
	switch t {
	case UndoLCP, UndoLCPFirst, UndoLocalLCP, UndoLocalLCPFirst:
		return true
	default:
		return false
	}
}

// UndoRecord is the decoded, in-memory form of one log record.
type UndoRecord struct {
	Type       UndoRecordType
	LSN        LSN
	Key        LocalKey
	TableID    uint32
	FragmentID uint32
	PageIdx    int    // slot/row index within the page
	Image      []byte // full or partial row image, for Update/Alloc/Free variants
	PartOffset int    // byte offset of a trailing segment, for *_PART variants
	LcpID      uint32
	LocalLcpID uint32
}

// MarshalUndoRecord encodes rec as a sequence of 32-bit LE words following
// the length-prefixed framing in spec §6.3.
func MarshalUndoRecord(rec *UndoRecord) []byte {
	// header: word0 = type<<16 | (wordLen-1); word1 = lsn.hi; word2 = lsn.lo;
	// word3 = file_no; word4 = page_no; word5 = table_id; word6 = fragment_id;
	// word7 = page_idx; word8 = part_offset; word9 = lcp_id; word10 = local_lcp_id;
	// word11 = image byte length; then image bytes, 4-byte padded.
	const fixedWords = 12
	imgWords := (len(rec.Image) + 3) / 4
	totalWords := fixedWords + imgWords
	buf := make([]byte, totalWords*4)
	put := func(i int, v uint32) { binary.LittleEndian.PutUint32(buf[i*4:], v) }
	put(0, uint32(rec.Type)<<16|uint32(totalWords-1)&0xFFFF)
	put(1, rec.LSN.Hi())
	put(2, rec.LSN.Lo())
	put(3, rec.Key.FileNo)
	put(4, rec.Key.PageNo)
	put(5, rec.TableID)
	put(6, rec.FragmentID)
	put(7, uint32(rec.PageIdx))
	put(8, uint32(rec.PartOffset))
	put(9, rec.LcpID)
	put(10, rec.LocalLcpID)
	put(11, uint32(len(rec.Image)))
	copy(buf[fixedWords*4:], rec.Image)
	return buf
}

// UnmarshalUndoRecord decodes one record from the start of buf and returns
// the record plus the number of bytes consumed.
func UnmarshalUndoRecord(buf []byte) (*UndoRecord, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("pager: undo record truncated")
	}
	word0 := binary.LittleEndian.Uint32(buf)
	typ := UndoRecordType(word0 >> 16)
	wordLen := int(word0&0xFFFF) + 1
	if len(buf) < wordLen*4 {
		return nil, 0, fmt.Errorf("pager: undo record truncated: need %d words", wordLen)
	}
	get := func(i int) uint32 { return binary.LittleEndian.Uint32(buf[i*4:]) }
	rec := &UndoRecord{
		Type:       typ,
		LSN:        LSNFromHiLo(get(1), get(2)),
		Key:        LocalKey{FileNo: get(3), PageNo: get(4)},
		TableID:    get(5),
		FragmentID: get(6),
		PageIdx:    int(get(7)),
		PartOffset: int(get(8)),
		LcpID:      get(9),
		LocalLcpID: get(10),
	}
	imgLen := int(get(11))
	const fixedWords = 12
	if imgLen > 0 {
		rec.Image = append([]byte{}, buf[fixedWords*4:fixedWords*4+imgLen]...)
	}
	return rec, wordLen * 4, nil
}
