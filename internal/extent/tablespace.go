package extent

import (
	"fmt"
	"sync"

	"github.com/logicalclocks/rondb-sub002/internal/pager"
)

// Tablespace is the concrete internal/pager.TablespaceManager implementation
// (spec §6.5): it owns one Fragment per (tableID, fragmentID) pair and
// answers the disk page allocator's extent/free-bits queries against them.
type Tablespace struct {
	mu        sync.Mutex
	cfg       Config
	fragments map[uint32]*Fragment // by fragmentID
	byKey     map[pager.LocalKey]*pageLocation
}

type pageLocation struct {
	fragmentID uint32
	extentNo   uint32
}

var _ pager.TablespaceManager = (*Tablespace)(nil)

// NewTablespace builds a Tablespace using cfg for every fragment it creates.
func NewTablespace(cfg Config) *Tablespace {
	return &Tablespace{
		cfg:       cfg,
		fragments: map[uint32]*Fragment{},
		byKey:     map[pager.LocalKey]*pageLocation{},
	}
}

// Fragment returns (creating if necessary) the Fragment for fragmentID.
func (t *Tablespace) Fragment(tableID, fragmentID uint32) *Fragment {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fragments[fragmentID]
	if !ok {
		f = NewFragment(tableID, fragmentID, t.cfg)
		t.fragments[fragmentID] = f
	}
	return f
}

// AllocExtent implements pager.TablespaceManager: it creates a fresh extent
// for fragmentID and makes it the fragment's current insertion extent.
func (t *Tablespace) AllocExtent(fragmentID uint32) (uint32, pager.LocalKey, uint32, error) {
	f := t.Fragment(0, fragmentID)
	e := f.CreateExtent()
	f.SetCurrExtent(e.ExtentNo)

	t.mu.Lock()
	for i := uint32(0); i < e.PageCount; i++ {
		key := pager.LocalKey{FileNo: e.Key.FileNo, PageNo: e.FirstPageNo + i}
		t.byKey[key] = &pageLocation{fragmentID: fragmentID, extentNo: e.ExtentNo}
	}
	t.mu.Unlock()

	return e.ExtentNo, e.Key, e.PageCount, nil
}

// AllocPageFromExtent hands out the next never-used page of extentNo (spec
// §4.3 step 2: "allocate a new page from the current extent if possible").
// Pages handed out earlier are not handed out again: once every page of the
// extent has been handed out once, it returns an "exhausted" error.
func (t *Tablespace) AllocPageFromExtent(extentNo uint32) (pager.LocalKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.fragments {
		e := f.Extent(extentNo)
		if e == nil {
			continue
		}
		if e.EmptyPageNo >= e.FirstPageNo+e.PageCount {
			return pager.LocalKey{}, fmt.Errorf("extent: extent %d exhausted", extentNo)
		}
		key := pager.LocalKey{FileNo: e.Key.FileNo, PageNo: e.EmptyPageNo}
		e.EmptyPageNo++
		e.FreePageCount[0]--
		e.FreePageCount[3]++
		e.FreeSpace -= f.cfg.PageFreeBitsMap[0]
		f.mu.Lock()
		if e.ExtentNo != f.currExtentNo {
			f.placeExtent(e)
		}
		f.mu.Unlock()
		t.byKey[key] = &pageLocation{fragmentID: f.FragmentID, extentNo: extentNo}
		return key, nil
	}
	return pager.LocalKey{}, fmt.Errorf("extent: unknown extent %d", extentNo)
}

// GetPageFreeBits implements pager.TablespaceManager.
func (t *Tablespace) GetPageFreeBits(key pager.LocalKey) (int, error) {
	loc, err := t.locate(key)
	if err != nil {
		return 0, err
	}
	f := t.Fragment(0, loc.fragmentID)
	slot, ok := f.DirtyPages()[key]
	if !ok {
		return 0, nil
	}
	return slot.Class(), nil
}

// UpdatePageFreeBits implements pager.TablespaceManager: it moves the page
// between per-fragment free-bits classes and updates the owning extent's
// free_page_count / free_space (spec §4.2, §4.3 step 6).
func (t *Tablespace) UpdatePageFreeBits(key pager.LocalKey, class int) error {
	loc, err := t.locate(key)
	if err != nil {
		return err
	}
	f := t.Fragment(0, loc.fragmentID)

	f.mu.Lock()
	slot, ok := f.dirtyPages[key]
	if !ok {
		slot = &PageSlot{Key: key}
		f.dirtyPages[key] = slot
	}
	oldClass := slot.Class()
	slot.setClass(class)
	f.mu.Unlock()

	e := f.Extent(loc.extentNo)
	if e == nil {
		return fmt.Errorf("extent: page %s has no owning extent", key)
	}
	if oldClass != class {
		e.FreePageCount[oldClass]--
		e.FreePageCount[class]++
		e.FreeSpace += int32Delta(f.cfg.PageFreeBitsMap, oldClass, class)
		f.UpdateExtentPos(e)
	}
	return nil
}

// int32Delta returns the free_space adjustment for moving a page from
// oldClass to newClass, using each class's PageFreeBitsMap threshold (0 for
// class 3) as its representative free-byte value.
func int32Delta(bits [4]uint32, oldClass, newClass int) uint32 {
	rep := func(c int) uint32 {
		if c == 3 {
			return 0
		}
		return bits[c]
	}
	return rep(newClass) - rep(oldClass) // wraps the same way a signed delta added back would
}

// UnmapPage implements pager.TablespaceManager: releases a page back to its
// extent's free_page_count[0] bucket (spec §4.3 "disk_page_free").
func (t *Tablespace) UnmapPage(key pager.LocalKey) error {
	loc, err := t.locate(key)
	if err != nil {
		return err
	}
	f := t.Fragment(0, loc.fragmentID)
	e := f.Extent(loc.extentNo)
	if e == nil {
		return fmt.Errorf("extent: page %s has no owning extent", key)
	}

	f.mu.Lock()
	slot, ok := f.dirtyPages[key]
	oldClass := 3
	if ok {
		oldClass = slot.Class()
		delete(f.dirtyPages, key)
	}
	f.mu.Unlock()

	e.FreePageCount[oldClass]--
	e.FreePageCount[0]++
	e.FreeSpace += int32Delta(f.cfg.PageFreeBitsMap, oldClass, 0)
	f.UpdateExtentPos(e)
	return nil
}

// RestartUndoPageFreeBits implements pager.TablespaceManager: same
// accounting as UpdatePageFreeBits but named distinctly so UNDO replay call
// sites read as restart-time reconciliation rather than live traffic (spec
// §5 "reconcile extent free bits with the replayed page state").
func (t *Tablespace) RestartUndoPageFreeBits(key pager.LocalKey, class int) error {
	return t.UpdatePageFreeBits(key, class)
}

func (t *Tablespace) locate(key pager.LocalKey) (*pageLocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.byKey[key]
	if !ok {
		return nil, fmt.Errorf("extent: page %s not tracked by any extent", key)
	}
	return loc, nil
}
