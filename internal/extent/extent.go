// Package extent implements the per-fragment extent / free-space catalog
// (spec §3 "Fragment disk-allocation state", §4.2) and the concrete
// TablespaceManager the disk page allocator drives through
// internal/pager.TablespaceManager (spec §6.5).
//
// Grounded on the free-bitmap/extent bookkeeping in the InnoDB-style extent
// trackers surfaced by the retrieval pack (zhukovaskychina-xmysql-server's
// storage/store/extents and storage/wrapper/space extent types) and on
// tinySQL's own free-list chain (internal/storage/pager/freelist.go) for the
// mutex-guarded, index-based bookkeeping style.
package extent

import (
	"fmt"
	"sync"

	"github.com/logicalclocks/rondb-sub002/internal/pager"
)

// RNIL is the "no value" sentinel shared with the pager package.
const RNIL = pager.RNIL

// Extent is a contiguous run of pages inside one data file (spec §3).
type Extent struct {
	Key           pager.LocalKey // (file_no, first_page_no)
	ExtentNo      uint32
	PageCount     uint32
	FreeSpace     uint32
	FreePageCount [4]uint32
	FirstPageNo   uint32
	EmptyPageNo   uint32 // next never-used page, for monotonic first-use

	inMatrix bool
	row, col int // valid iff inMatrix
}

// checkInvariants verifies the per-extent invariants from spec §3(i)-(iii).
func (e *Extent) checkInvariants(maxFreeSpacePerPage uint32) error {
	var sum uint32
	for _, c := range e.FreePageCount {
		sum += c
	}
	if sum != e.PageCount {
		return fmt.Errorf("extent %d: free_page_count sums to %d, want %d", e.ExtentNo, sum, e.PageCount)
	}
	if e.FreeSpace > e.PageCount*maxFreeSpacePerPage {
		return fmt.Errorf("extent %d: free_space %d exceeds max %d", e.ExtentNo, e.FreeSpace, e.PageCount*maxFreeSpacePerPage)
	}
	if e.FreePageCount[0] == e.PageCount && e.FreeSpace != e.PageCount*maxFreeSpacePerPage {
		return fmt.Errorf("extent %d: all-empty but free_space %d != max %d", e.ExtentNo, e.FreeSpace, e.PageCount*maxFreeSpacePerPage)
	}
	return nil
}

// PageSlot is the per-fragment, per-page allocation record (spec §3 "Page
// slot").
type PageSlot struct {
	Key                 pager.LocalKey
	ListIndex           int // top bit (notInList) means "not in any dirty list"
	FreeSpace           uint32
	UncommittedUsed     uint32
	ExtentInfoPtr       uint32
	RestartSeq          uint32
}

const notInListBit = 0x8000

func (s *PageSlot) NotInList() bool    { return s.ListIndex&notInListBit != 0 }
func (s *PageSlot) Class() int         { return s.ListIndex &^ notInListBit }
func (s *PageSlot) setClass(c int)     { s.ListIndex = c }
func (s *PageSlot) markNotInList()     { s.ListIndex |= notInListBit }

// checkInvariant verifies free_space >= uncommitted_used_space (spec §3).
func (s *PageSlot) checkInvariant() error {
	if s.FreeSpace < s.UncommittedUsed {
		return fmt.Errorf("page %s: free_space %d < uncommitted_used %d", s.Key, s.FreeSpace, s.UncommittedUsed)
	}
	return nil
}

// Config carries the per-fragment thresholds from spec §3.
type Config struct {
	// PageFreeBitsMap holds free-units-per-class thresholds, descending:
	// class 0 is "mostly free", class 3 is "full". A page's class is the
	// lowest index k for which its free space exceeds PageFreeBitsMap[k].
	PageFreeBitsMap [4]uint32
	// FreeSpaceThresholds are the five row cutoffs (percent-free, spec §4.2).
	FreeSpaceThresholds [5]uint32
	PagesPerExtent      uint32
}

// DefaultConfig returns thresholds matching spec §8 scenario 3
// ({8192-1, 4096, 1365, 0}) scaled to the page size used by the caller.
func DefaultConfig(pagesPerExtent uint32) Config {
	return Config{
		PageFreeBitsMap:     [4]uint32{pager.PageSize - 1, pager.PageSize / 2, pager.PageSize / 6, 0},
		FreeSpaceThresholds: [5]uint32{80, 60, 40, 20, 0},
		PagesPerExtent:      pagesPerExtent,
	}
}

// CalcPageFreeBits maps a free-byte count to a free-bits class 0..3 (spec
// §4.2 "calc_page_free_bits").
func (c Config) CalcPageFreeBits(freeBytes uint32) int {
	for k := 0; k < 3; k++ {
		if freeBytes > c.PageFreeBitsMap[k] {
			return k
		}
	}
	return 3
}

// Fragment is per-fragment disk-allocation state (spec §3, §4.2).
type Fragment struct {
	mu sync.Mutex

	TableID    uint32
	FragmentID uint32
	cfg        Config

	extents      map[uint32]*Extent // by extent_no
	nextExtentNo uint32
	nextFileNo   uint32
	nextPageNo   uint32

	// matrix[row*4+col] holds the extent numbers currently in that cell.
	matrix [20]map[uint32]struct{}

	currExtentNo uint32 // RNIL if none in progress

	dirtyPages   map[pager.LocalKey]*PageSlot
	dirtyClass   [4]map[pager.LocalKey]struct{}
	pageRequests [4]map[pager.LocalKey]struct{}
	unmapPages   map[pager.LocalKey]struct{}
}

func NewFragment(tableID, fragmentID uint32, cfg Config) *Fragment {
	f := &Fragment{
		TableID: tableID, FragmentID: fragmentID, cfg: cfg,
		extents: map[uint32]*Extent{}, currExtentNo: RNIL,
		dirtyPages: map[pager.LocalKey]*PageSlot{},
		unmapPages: map[pager.LocalKey]struct{}{},
	}
	for i := range f.matrix {
		f.matrix[i] = map[uint32]struct{}{}
	}
	for i := range f.dirtyClass {
		f.dirtyClass[i] = map[pager.LocalKey]struct{}{}
	}
	for i := range f.pageRequests {
		f.pageRequests[i] = map[pager.LocalKey]struct{}{}
	}
	return f
}

// calcExtentPos computes the (row, col) matrix cell for an extent (spec
// §4.2 "calc_extent_pos").
func (f *Fragment) calcExtentPos(e *Extent) (row, col int) {
	row = 4
	for r := 0; r < 4; r++ {
		pct := uint32(0)
		if e.PageCount > 0 {
			pct = e.FreeSpace * 100 / (e.PageCount * f.cfg.PageFreeBitsMap[0])
		}
		if pct >= f.cfg.FreeSpaceThresholds[r] {
			row = r
			break
		}
	}
	col = 3
	for k := 0; k < 4; k++ {
		if e.FreePageCount[k] > 0 {
			col = k
			break
		}
	}
	return row, col
}

// placeExtent (re)places e into its matrix cell, removing it from any prior
// cell first. Called after every free_space / free_page_count transition
// (spec §4.2).
func (f *Fragment) placeExtent(e *Extent) {
	if e.inMatrix {
		f.matrix[e.row*4+e.col] = deleteFrom(f.matrix[e.row*4+e.col], e.ExtentNo)
	}
	if f.currExtentNo == e.ExtentNo {
		e.inMatrix = false
		return
	}
	row, col := f.calcExtentPos(e)
	f.matrix[row*4+col][e.ExtentNo] = struct{}{}
	e.row, e.col, e.inMatrix = row, col, true
}

func deleteFrom(m map[uint32]struct{}, k uint32) map[uint32]struct{} {
	delete(m, k)
	return m
}

// CalcExtentPos exposes calcExtentPos for invariant checks (spec §8).
func (f *Fragment) CalcExtentPos(e *Extent) (row, col int) { return f.calcExtentPos(e) }

// CreateExtent allocates a new extent for this fragment (spec §4.3 step 4,
// "tablespace manager assigns pages-per-extent and extent number").
func (f *Fragment) CreateExtent() *Extent {
	f.mu.Lock()
	defer f.mu.Unlock()

	no := f.nextExtentNo
	f.nextExtentNo++
	firstPage := f.nextPageNo
	f.nextPageNo += f.cfg.PagesPerExtent

	e := &Extent{
		Key:         pager.LocalKey{FileNo: f.nextFileNo, PageNo: firstPage},
		ExtentNo:    no,
		PageCount:   f.cfg.PagesPerExtent,
		FirstPageNo: firstPage,
		EmptyPageNo: firstPage,
	}
	e.FreePageCount[0] = e.PageCount
	e.FreeSpace = e.PageCount * f.cfg.PageFreeBitsMap[0]
	f.extents[no] = e
	return e
}

// FindExtent returns the first extent found by scanning the free matrix row
// by row from row 0 (most free) down to row 4 (least free) and, within each
// row, columns idx through 3 (spec §4.2 "find_extent"). Extents in columns
// below idx are not considered.
func (f *Fragment) FindExtent(idx int) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for row := 0; row < 5; row++ {
		for col := idx; col < 4; col++ {
			for no := range f.matrix[row*4+col] {
				return no, true
			}
		}
	}
	return 0, false
}

// CalcPageFreeBitsForSize translates a row size to a free-bits class,
// stepping one class down for variable-sized rows (spec §4.2/§4.3 step 1).
func (f *Fragment) CalcPageFreeBitsForSize(sz uint32, variableSized bool) int {
	idx := f.cfg.CalcPageFreeBits(sz)
	if variableSized && idx > 0 {
		idx--
	}
	return idx
}

// Extent returns the extent by number, or nil.
func (f *Fragment) Extent(no uint32) *Extent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extents[no]
}

// CurrExtentNo returns the current in-progress insertion extent, or RNIL.
func (f *Fragment) CurrExtentNo() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currExtentNo
}

// SetCurrExtent makes extentNo the current insertion extent, removing it
// from the matrix if it was there (spec §4.2 invariant: the current extent
// lives in no matrix bucket).
func (f *Fragment) SetCurrExtent(extentNo uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.extents[extentNo]; ok && e.inMatrix {
		f.matrix[e.row*4+e.col] = deleteFrom(f.matrix[e.row*4+e.col], e.ExtentNo)
		e.inMatrix = false
	}
	f.currExtentNo = extentNo
}

// RetireCurrExtent moves the current extent into the free matrix because it
// is saturated (spec §4.3 step 4).
func (f *Fragment) RetireCurrExtent() {
	f.mu.Lock()
	e, ok := f.extents[f.currExtentNo]
	cur := f.currExtentNo
	f.currExtentNo = RNIL
	f.mu.Unlock()
	if ok {
		f.mu.Lock()
		e = f.extents[cur]
		f.mu.Unlock()
		f.UpdateExtentPos(e)
	}
}

// UpdateExtentPos recomputes and re-files e's matrix placement after a
// free_space / free_page_count change (spec §4.1 "update_extent_pos").
func (f *Fragment) UpdateExtentPos(e *Extent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeExtent(e)
}

// Config returns the fragment's thresholds (read-only).
func (f *Fragment) Config() Config { return f.cfg }

// DirtyPages exposes the per-page slot table for the disk allocator.
func (f *Fragment) DirtyPages() map[pager.LocalKey]*PageSlot { return f.dirtyPages }
func (f *Fragment) DirtyClass(i int) map[pager.LocalKey]struct{} { return f.dirtyClass[i] }
func (f *Fragment) PageRequests(i int) map[pager.LocalKey]struct{} { return f.pageRequests[i] }

// CheckInvariants verifies every extent and page slot invariant from spec
// §8 ("Extent: ... the matrix cell the extent lives in equals
// calc_extent_pos(e)").
func (f *Fragment) CheckInvariants() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	maxFree := f.cfg.PageFreeBitsMap[0]
	for _, e := range f.extents {
		if err := e.checkInvariants(maxFree); err != nil {
			return err
		}
		if e.ExtentNo == f.currExtentNo {
			if e.inMatrix {
				return fmt.Errorf("extent %d: current insertion extent must not be in matrix", e.ExtentNo)
			}
			continue
		}
		row, col := f.calcExtentPos(e)
		if !e.inMatrix || row != e.row || col != e.col {
			return fmt.Errorf("extent %d: matrix cell (%d,%d) != recomputed (%d,%d)", e.ExtentNo, e.row, e.col, row, col)
		}
	}
	for key, slot := range f.dirtyPages {
		if err := slot.checkInvariant(); err != nil {
			return err
		}
		_ = key
	}
	return nil
}
