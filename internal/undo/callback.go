package undo

import (
	"fmt"

	"github.com/logicalclocks/rondb-sub002/internal/pager"
)

// DiskRestartUndoCallback drains key's pending queue in order and applies
// each record's compensating edit (spec §4.4 "disk_restart_undo_callback").
// buf is the page's current in-memory image; the caller (the pager, in
// production; tests, here) is responsible for persisting it afterward.
func (r *Replayer) DiskRestartUndoCallback(key pager.LocalKey, buf []byte) error {
	r.mu.Lock()
	queue := r.pending[key]
	delete(r.pending, key)
	delete(r.inFlight, key)
	r.totalPending -= len(queue)
	r.mu.Unlock()

	h := pager.UnmarshalHeader(buf)
	ownerFragID, ownerTableID, undoComplete := r.ownerOf(h)

	for _, rec := range queue {
		fi := r.fragInfo(ownerTableID, ownerFragID)
		if fi.dropped || rec.TableID != ownerTableID {
			// Table dropped, or the record names a different table than
			// the page header does; drop silently. Create-table versions
			// are not compared.
			continue
		}

		skip := h.LSN >= rec.LSN || undoComplete
		if skip && isUpdatePartVariant(rec.Type) {
			// Part records leave the page bits to the record that
			// completes the row.
			continue
		}
		if !skip {
			if err := r.applyEdit(buf, rec); err != nil {
				return fmt.Errorf("undo: apply %s on %s: %w", rec.Type, key, err)
			}
		}

		if h.LSN < rec.LSN {
			h.LSN = rec.LSN - 1
			pager.MarshalHeader(&h, buf)
		}
		if err := r.reconcilePageBits(key, buf); err != nil {
			return err
		}
	}
	return nil
}

func isUpdatePartVariant(t pager.UndoRecordType) bool {
	switch t {
	case pager.UndoTupUpdatePart, pager.UndoTupUpdateVarPart:
		return true
	default:
		return false
	}
}

// ownerOf returns the table/fragment id recorded in the page header (spec
// §4.4 step 2). It does not consult the extent catalog or the fragments
// registered with RegisterFragment, does not check whether the page was
// initialised in this lifetime, and always reports undoComplete as false.
func (r *Replayer) ownerOf(h pager.PageHeader) (fragID, tableID uint32, undoComplete bool) {
	return h.FragmentID, h.TableID, false
}

// applyEdit applies one record's compensating edit to buf (spec §4.4 step 4).
func (r *Replayer) applyEdit(buf []byte, rec *pager.UndoRecord) error {
	vp := pager.WrapVarPage(buf)
	switch rec.Type {
	case pager.UndoTupAlloc:
		return vp.FreeRecord(rec.PageIdx)

	case pager.UndoTupUpdate,
		pager.UndoTupFirstUpdatePart, pager.UndoTupFirstUpdateVarPart:
		return vp.UpdateRecord(rec.PageIdx, rec.Image)

	case pager.UndoTupUpdatePart, pager.UndoTupUpdateVarPart:
		return r.applyTrailingSegment(vp, rec)

	case pager.UndoTupFree, pager.UndoTupFreePart, pager.UndoTupFreeVarPart:
		return vp.AllocRecordAt(rec.PageIdx, rec.Image)

	default:
		return fmt.Errorf("undo: unsupported record type %s for page edit", rec.Type)
	}
}

// applyTrailingSegment overwrites the tail of an existing record's image
// starting at rec.PartOffset, used for UNDO_TUP_UPDATE_PART and
// UNDO_TUP_UPDATE_VAR_PART records logged
// for rows too large to fit in a single UNDO record (spec §4.4 step 4).
func (r *Replayer) applyTrailingSegment(vp *pager.VarPage, rec *pager.UndoRecord) error {
	cur := append([]byte{}, vp.GetRecord(rec.PageIdx)...)
	end := rec.PartOffset + len(rec.Image)
	if end > len(cur) {
		grown := make([]byte, end)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[rec.PartOffset:end], rec.Image)
	return vp.UpdateRecord(rec.PageIdx, cur)
}

// reconcilePageBits re-derives the page's free-bits class from its current
// occupancy and pushes it to the tablespace manager, keeping extent
// counters in sync with the replayed page state (spec §4.4 step 5
// "disk_restart_undo_page_bits").
func (r *Replayer) reconcilePageBits(key pager.LocalKey, buf []byte) error {
	vp := pager.WrapVarPage(buf)
	class := classFromFreeBytes(uint32(max(vp.FreeBytes(), 0)))
	return r.ts.RestartUndoPageFreeBits(key, class)
}

// classFromFreeBytes mirrors extent.Config.CalcPageFreeBits's thresholds
// without importing internal/extent's Fragment-bound method, since the
// replayer deals with raw pages rather than a specific fragment's config.
func classFromFreeBytes(freeBytes uint32) int {
	thresholds := [3]uint32{pager.PageSize - 1, pager.PageSize / 2, pager.PageSize / 6}
	for k, t := range thresholds {
		if freeBytes > t {
			return k
		}
	}
	return 3
}
