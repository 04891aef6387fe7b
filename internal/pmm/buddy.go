package pmm

// buddyAlloc implements the three-phase buddy search from spec §4.1:
// for large requests (size class >= 6, i.e. runs of >= 64 pages / 2 MiB)
// prefer an exact-class match first; for smaller requests, try classes at
// or above the requested one up to a soft ceiling (5) or the hard ceiling
// (15), then fall back down to the smallest viable class, then finally up
// through the large classes. This avoids fragmenting multi-megabyte runs
// to satisfy small requests. Classes whose runs are shorter than n pages
// are skipped. Caller must hold m.mu.
func (m *Manager) buddyAlloc(zoneIdx int, n uint32) (PageID, bool) {
	z := m.zones[zoneIdx]
	want := sizeClassFor(n)

	order := buddySearchOrder(want)
	for _, c := range order {
		if uint32(1)<<uint(c) < n {
			continue
		}
		for start := range z.free[c] {
			return m.takeRun(z, c, start, n), true
		}
	}
	return 0, false
}

// buddySearchOrder returns the size-class scan order for a requested class
// `want`, implementing spec §4.1's "three-phase walk".
func buddySearchOrder(want int) []int {
	if want >= 6 {
		order := []int{want}
		for c := want + 1; c < numSizeClasses; c++ {
			order = append(order, c)
		}
		for c := want - 1; c >= 0; c-- {
			order = append(order, c)
		}
		return order
	}
	ceil := 5
	var order []int
	for c := want; c <= ceil; c++ {
		order = append(order, c)
	}
	for c := want - 1; c >= 0; c-- {
		order = append(order, c)
	}
	for c := ceil + 1; c < numSizeClasses; c++ {
		order = append(order, c)
	}
	return order
}

// takeRun removes the free run of 2^class pages starting at `start`, keeps
// its first `n` pages allocated and splits the tail back onto the free
// lists as progressively larger pieces (spec §4.1 "On allocation: remove a
// run, split the tail back to the free list"). When n is a power of two,
// releasing those n pages merges forward with each piece in turn, back
// into the whole run.
func (m *Manager) takeRun(z *zoneState, class int, start PageID, n uint32) PageID {
	delete(z.free[class], start)
	runLen := uint32(1) << uint(class)

	for off := n; off < runLen; {
		// The piece at offset off is as long as off's lowest set bit, which
		// keeps it aligned within the run and never past its end.
		step := off & -off
		z.free[sizeClassFor(step)][start+PageID(off)] = struct{}{}
		off += step
	}
	for i := uint32(0); i < n; i++ {
		z.inUse[start+PageID(i)] = struct{}{}
	}
	return start
}

func largestPow2LE(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	p := uint32(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// buddyFree returns a run of cnt pages starting at id, coalescing with a
// free neighbour at start-1 or start+cnt when one exists (spec §4.1 "On
// release: check bitmap bits at start-1 and start+cnt").
func (m *Manager) buddyFree(zoneIdx int, id PageID, cnt uint32) error {
	z := m.zones[zoneIdx]
	for i := uint32(0); i < cnt; i++ {
		delete(z.inUse, id+PageID(i))
	}

	runStart := id
	runLen := cnt
	class := sizeClassFor(runLen)

	// Coalesce forward and backward with exact-size buddies only, mirroring
	// a bitmap-sentinel check without requiring an actual page-id bitmap:
	// a neighbour is free iff it heads (or, for the backward case, its run
	// exactly abuts) a free list entry of the same class.
	for {
		merged := false
		for c := 0; c < numSizeClasses; c++ {
			runSize := uint32(1) << uint(c)
			if runSize != runLen {
				continue
			}
			next := runStart + PageID(runLen)
			if _, ok := z.free[c][next]; ok {
				delete(z.free[c], next)
				runLen += runSize
				class = sizeClassFor(runLen)
				merged = true
				break
			}
			if runStart >= PageID(runSize) {
				prev := runStart - PageID(runSize)
				if _, ok := z.free[c][prev]; ok {
					delete(z.free[c], prev)
					runStart = prev
					runLen += runSize
					class = sizeClassFor(runLen)
					merged = true
					break
				}
			}
		}
		if merged {
			continue
		}
		break
	}

	z.free[class][runStart] = struct{}{}
	return nil
}
