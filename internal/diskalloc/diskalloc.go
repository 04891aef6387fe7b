// Package diskalloc implements the Disk Page Allocator (spec §4.3): the
// prealloc/alloc/free/abort state machine that carves fixed- or
// variable-sized row slots out of pages drawn from the extent catalog,
// emitting UNDO records for every mutation.
//
// Grounded on tinySQL's internal/storage/pager free-list-plus-slotted-page
// allocator (internal/storage/pager/pager.go, freelist.go) for the overall
// "find a page with enough room, else grow" shape, generalized to the
// spec's per-class dirty-page/page-request lists and the tablespace
// manager's extent-backed page supply.
package diskalloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/logicalclocks/rondb-sub002/internal/extent"
	"github.com/logicalclocks/rondb-sub002/internal/pager"
)

// Allocator is the Disk Page Allocator (spec §4.3) for one fragment.
type Allocator struct {
	mu sync.Mutex

	tableID    uint32
	fragmentID uint32

	frag *extent.Fragment
	ts   *extent.Tablespace
	pg   pager.Pager
	undo pager.UndoLogWriter

	// class buckets, keyed by free-bits class 0..3
	dirtyPages   [4]map[pager.LocalKey]*pageState
	pageRequests [4]map[pager.LocalKey]*pageState
	unmapPages   map[pager.LocalKey]struct{}

	currExtent uint32 // RNIL if none
}

// pageState is the allocator's live view of one resident page (spec §3
// "Page slot").
type pageState struct {
	key             pager.LocalKey
	class           int
	freeSpace       uint32
	uncommittedUsed uint32
	extentNo        uint32
	restartSeq      uint32
	buf             []byte
	isFixed         bool
	fixedRowSize    uint32
}

// New builds an Allocator for one fragment, wired to its extent catalog
// entry, a pager, and an UNDO log writer.
func New(tableID, fragmentID uint32, ts *extent.Tablespace, pg pager.Pager, undoLog pager.UndoLogWriter) *Allocator {
	a := &Allocator{
		tableID: tableID, fragmentID: fragmentID,
		frag: ts.Fragment(tableID, fragmentID), ts: ts, pg: pg, undo: undoLog,
		unmapPages: map[pager.LocalKey]struct{}{},
		currExtent: extent.RNIL,
	}
	for i := range a.dirtyPages {
		a.dirtyPages[i] = map[pager.LocalKey]*pageState{}
		a.pageRequests[i] = map[pager.LocalKey]*pageState{}
	}
	return a
}

// Prealloc implements disk_page_prealloc (spec §4.3 steps 1-5): it returns
// a page with at least sz bytes of free space reserved in
// uncommitted_used_space, creating a new extent/page if none is already
// resident.
func (a *Allocator) Prealloc(sz uint32, variableSized bool) (pager.LocalKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.frag.CalcPageFreeBitsForSize(sz, variableSized)

	// Step 2: search resident dirty pages in classes 0..idx.
	for c := 0; c <= idx; c++ {
		for key, ps := range a.dirtyPages[c] {
			if ps.freeSpace-minU(ps.freeSpace, ps.uncommittedUsed) < sz {
				continue
			}
			return a.chargePreallocHit(ps, key, sz, idx), nil
		}
	}
	// Step 3: search pages already in flight.
	for c := 0; c <= idx; c++ {
		for key, ps := range a.pageRequests[c] {
			ps.uncommittedUsed += sz
			return key, nil
		}
	}

	// Step 4: allocate from the current insertion extent, or find/create one.
	key, extentNo, err := a.allocPageFromExtentOrNew(idx)
	if err != nil {
		return pager.LocalKey{}, err
	}

	flags := pager.AllocReq | pager.EmptyPage
	_, buf, err := a.pg.GetPage(context.Background(), pager.PageRequest{Key: key, TableID: a.tableID, FragmentID: a.fragmentID, Flags: flags})
	if err != nil {
		return pager.LocalKey{}, fmt.Errorf("diskalloc: get_page: %w", err)
	}

	ps := &pageState{key: key, class: idx, freeSpace: a.frag.Config().PageFreeBitsMap[0], uncommittedUsed: sz, extentNo: extentNo, buf: buf}
	a.dirtyPages[idx][key] = ps
	return key, nil
}

func (a *Allocator) chargePreallocHit(ps *pageState, key pager.LocalKey, sz uint32, idx int) pager.LocalKey {
	ps.uncommittedUsed += sz
	newClass := a.frag.CalcPageFreeBitsForSize(ps.freeSpace-ps.uncommittedUsed, false)
	if newClass != ps.class {
		delete(a.dirtyPages[ps.class], key)
		ps.class = newClass
		a.dirtyPages[newClass][key] = ps
	}
	if e := a.frag.Extent(ps.extentNo); e != nil {
		a.frag.UpdateExtentPos(e)
	}
	return key
}

func (a *Allocator) allocPageFromExtentOrNew(idx int) (pager.LocalKey, uint32, error) {
	if a.currExtent != extent.RNIL {
		key, err := a.ts.AllocPageFromExtent(a.currExtent)
		if err == nil {
			return key, a.currExtent, nil
		}
		// Current extent saturated: retire it into the free matrix.
		a.frag.RetireCurrExtent()
		a.currExtent = extent.RNIL
	}

	if no, ok := a.frag.FindExtent(idx); ok {
		a.frag.SetCurrExtent(no)
		a.currExtent = no
		key, err := a.ts.AllocPageFromExtent(no)
		if err != nil {
			return pager.LocalKey{}, 0, err
		}
		return key, no, nil
	}

	no, key, _, err := a.ts.AllocExtent(a.fragmentID)
	if err != nil {
		return pager.LocalKey{}, 0, fmt.Errorf("diskalloc: alloc_extent: %w", err)
	}
	a.frag.SetCurrExtent(no)
	a.currExtent = no
	key, err = a.ts.AllocPageFromExtent(no)
	if err != nil {
		return pager.LocalKey{}, 0, err
	}
	return key, no, nil
}

// PreallocCallback reconciles an outstanding page fetch's actual free space
// against the estimate once it arrives (spec §4.3 "disk_page_prealloc_callback").
func (a *Allocator) PreallocCallback(key pager.LocalKey, actualFreeSpace uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.pageRequests {
		if ps, ok := a.pageRequests[c][key]; ok {
			delete(a.pageRequests[c], key)
			ps.freeSpace = actualFreeSpace
			newClass := a.frag.CalcPageFreeBitsForSize(actualFreeSpace-ps.uncommittedUsed, false)
			ps.class = newClass
			a.dirtyPages[newClass][key] = ps
			if e := a.frag.Extent(ps.extentNo); e != nil {
				a.frag.UpdateExtentPos(e)
			}
			return nil
		}
	}
	return fmt.Errorf("diskalloc: no outstanding request for page %s", key)
}

// PreallocInitialCallback initialises a freshly fetched EMPTY_PAGE (spec
// §4.3 "disk_page_prealloc_initial_callback"): zeroes the header and fills
// it in, stamping the LSN with the log group's latest known value.
func (a *Allocator) PreallocInitialCallback(key pager.LocalKey, extentNo, extentInfoPtr, restartSeq, ndbVersion, createTableVersion uint32, latestLSN pager.LSN) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.dirtyPages {
		ps, ok := a.dirtyPages[c][key]
		if !ok {
			continue
		}
		h := &pager.PageHeader{
			Type: pager.PageTypeVar, FileNo: key.FileNo, PageNo: key.PageNo,
			LSN: latestLSN, TableID: a.tableID, FragmentID: a.fragmentID,
			ExtentNo: extentNo, ExtentInfoPtr: extentInfoPtr, RestartSeq: restartSeq,
			CreateTableVersion: createTableVersion, NdbVersion: ndbVersion,
		}
		pager.InitVarPage(ps.buf, key)
		pager.MarshalHeader(h, ps.buf)
		pager.SetPageCRC(ps.buf)
		ps.restartSeq = restartSeq
		return nil
	}
	return fmt.Errorf("diskalloc: page %s not resident", key)
}

// Alloc carves out a row slot on an already-prealloc'd page, writes a typed
// UNDO record, and updates free-class bookkeeping (spec §4.3
// "disk_page_alloc").
func (a *Allocator) Alloc(key pager.LocalKey, row []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps := a.lookupLocked(key)
	if ps == nil {
		return 0, fmt.Errorf("diskalloc: page %s not resident", key)
	}

	vp := pager.WrapVarPage(ps.buf)
	idx, err := vp.AllocRecord(row)
	if err != nil {
		return 0, fmt.Errorf("diskalloc: alloc_record: %w", err)
	}

	if ps.uncommittedUsed >= uint32(len(row)) {
		ps.uncommittedUsed -= uint32(len(row))
	} else {
		ps.uncommittedUsed = 0
	}
	ps.freeSpace = uint32(max(vp.FreeBytes(), 0))

	lsn, err := a.undo.Append(&pager.UndoRecord{
		Type: pager.UndoTupAlloc, Key: key, TableID: a.tableID, FragmentID: a.fragmentID,
		PageIdx: idx, Image: row,
	})
	if err != nil {
		return 0, fmt.Errorf("diskalloc: undo append: %w", err)
	}
	if err := a.pg.UpdateLSN(key, lsn); err != nil {
		return 0, err
	}

	a.reclassify(ps, key)
	if err := a.ts.UpdatePageFreeBits(key, ps.class); err != nil {
		return 0, err
	}
	return idx, nil
}

// Free removes a row slot and writes a compensating UNDO record carrying
// the freed row's full image (spec §4.3 "disk_page_free").
func (a *Allocator) Free(key pager.LocalKey, idx int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps := a.lookupLocked(key)
	if ps == nil {
		return fmt.Errorf("diskalloc: page %s not resident", key)
	}

	vp := pager.WrapVarPage(ps.buf)
	image := append([]byte{}, vp.GetRecord(idx)...)
	if err := vp.FreeRecord(idx); err != nil {
		return fmt.Errorf("diskalloc: free_record: %w", err)
	}
	ps.freeSpace = uint32(max(vp.FreeBytes(), 0))

	lsn, err := a.undo.Append(&pager.UndoRecord{
		Type: pager.UndoTupFree, Key: key, TableID: a.tableID, FragmentID: a.fragmentID,
		PageIdx: idx, Image: image,
	})
	if err != nil {
		return err
	}
	if err := a.pg.UpdateLSN(key, lsn); err != nil {
		return err
	}

	a.reclassify(ps, key)
	return a.ts.UpdatePageFreeBits(key, ps.class)
}

// AbortPrealloc returns sz of reserved uncommitted-used-space to the page
// and resettles its class (spec §4.3 "Abort").
func (a *Allocator) AbortPrealloc(key pager.LocalKey, sz uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps := a.lookupLocked(key)
	if ps == nil {
		return fmt.Errorf("diskalloc: page %s not resident", key)
	}
	if ps.uncommittedUsed >= sz {
		ps.uncommittedUsed -= sz
	} else {
		ps.uncommittedUsed = 0
	}
	a.reclassify(ps, key)
	return nil
}

func (a *Allocator) reclassify(ps *pageState, key pager.LocalKey) {
	newClass := a.frag.CalcPageFreeBitsForSize(ps.freeSpace-minU(ps.freeSpace, ps.uncommittedUsed), false)
	if newClass != ps.class {
		delete(a.dirtyPages[ps.class], key)
		ps.class = newClass
		a.dirtyPages[newClass][key] = ps
	}
	if e := a.frag.Extent(ps.extentNo); e != nil {
		a.frag.UpdateExtentPos(e)
	}
}

func minU(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (a *Allocator) lookupLocked(key pager.LocalKey) *pageState {
	for c := range a.dirtyPages {
		if ps, ok := a.dirtyPages[c][key]; ok {
			return ps
		}
	}
	return nil
}

// RestartSetupPage handles the first access to a page in this process
// lifetime (spec §4.3 "Restart handling"): when the page's recorded restart
// seq differs from currentRestartSeq, it records the new seq, the extent
// number and the committed free space, and reclassifies the page. It does
// not inspect the page format and does not re-initialise the page's slot
// allocator.
func (a *Allocator) RestartSetupPage(key pager.LocalKey, currentRestartSeq uint32, extentNo uint32, committedFreeSpace uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps := a.lookupLocked(key)
	if ps == nil {
		return fmt.Errorf("diskalloc: page %s not resident for restart setup", key)
	}
	if ps.restartSeq == currentRestartSeq {
		return nil // already validated this lifetime
	}
	ps.restartSeq = currentRestartSeq
	ps.extentNo = extentNo
	ps.freeSpace = committedFreeSpace
	a.reclassify(ps, key)
	return nil
}
