// Package pmm implements the Page Memory Manager (spec §4.1): a buddy
// allocator over a single process-wide reserved virtual range of 32 KiB
// pages, partitioned into four zones and accounted per resource group.
//
// Grounded on Go's own runtime allocator (other_examples' copy of
// runtime/mheap.go: free list per power-of-two size class, split-on-alloc /
// coalesce-on-free) for the buddy search and split/merge shape, and on
// gopher-os's kernel/mem/pmm bitmap allocator (other_examples) for the
// zone-partitioned, bitmap-sentinelled region layout. The virtual-range
// reservation itself is grounded on tinySQL's pager, which mmaps its heap
// file (internal/storage/pager/mmap_unix.go-equivalent) — generalized here
// to a reserve-without-commit anonymous mapping via golang.org/x/sys/unix,
// with reservation_generic.go providing the same Reservation interface on platforms
// without unix.Mmap.
package pmm

import (
	"fmt"
	"sync"
)

// PageID identifies one 32 KiB page within the PMM's reserved range.
type PageID uint32

// NoPage is the "no page" sentinel returned on allocation failure.
const NoPage PageID = 0xFFFFFFFF

const numSizeClasses = 16 // size classes 0..15, class k holds runs of 2^k pages
const numZones = 4

// ZoneBits are the page-id bit widths the four zones serve (spec §3 "PMM
// address space"): callers declaring a bound of up to 2^bits-1 pages are
// served from the lowest zone whose id range covers that bound.
var ZoneBits = [numZones]uint{19, 27, 30, 32}

// PrioClass orders a resource group's access to the shared pool beyond its
// reservation (spec §4.1 "prio class").
type PrioClass int

const (
	PrioLow PrioClass = iota
	PrioHigh
	PrioUltra
)

// ResourceLimit is the bound configuration for one resource group (spec §3
// "Resource limit").
type ResourceLimit struct {
	Min         uint32
	Max         uint32
	HighPrioMax uint32
	Prio        PrioClass
}

// resourceGroup is the live accounting state for one registered group.
type resourceGroup struct {
	limit ResourceLimit

	curr            uint32
	spare           uint32
	stolenReserved  uint32
	overflowReserved uint32
}

// Manager is the Page Memory Manager (spec §4.1).
type Manager struct {
	mu sync.Mutex

	zones [numZones]*zoneState

	groups map[uint32]*resourceGroup

	// Global counters (spec §3 "Resource limit" global invariants).
	allocated       uint32
	reserved        uint32
	freeReserved    uint32
	shared          uint32
	sharedInUse     uint32
	inUse           uint32
	prioFreeLimit   uint32
	ultraPrioFreeLimit uint32

	// Total addressable page count across all zones, i.e. the size of the
	// reserved virtual range in pages (spec §4.1 "Initialisation").
	totalPages uint32

	reservation Reservation

	dumpOnAllocFail bool
}

// zoneState is one zone's buddy free lists plus its slice of the reserved
// range.
type zoneState struct {
	basePage PageID
	npages   uint32
	free     [numSizeClasses]map[PageID]struct{} // free run start pages, by size class
	// allocated marks pages currently handed out (for bitmap/sentinel checks
	// and for release-time coalescing lookups).
	inUse map[PageID]struct{}
}

func newZoneState(base PageID, npages uint32) *zoneState {
	z := &zoneState{basePage: base, npages: npages, inUse: map[PageID]struct{}{}}
	for i := range z.free {
		z.free[i] = map[PageID]struct{}{}
	}
	return z
}

// NewManager reserves a virtual range sized to hold the given zone page
// counts and returns an initialised PMM. zonePages[i] is the page count for
// zone i (0..3), consistent with ZoneBits' ordering from smallest to
// largest zone.
func NewManager(zonePages [numZones]uint32) (*Manager, error) {
	var total uint64
	for _, n := range zonePages {
		total += uint64(n)
	}
	if total == 0 {
		return nil, fmt.Errorf("pmm: zero total pages requested")
	}
	res, err := Reserve(total * PageBytes)
	if err != nil {
		return nil, fmt.Errorf("pmm: reserve virtual range: %w", err)
	}

	m := &Manager{
		groups:      map[uint32]*resourceGroup{},
		totalPages:  uint32(total),
		reservation: res,
	}
	var base PageID
	for i, n := range zonePages {
		m.zones[i] = newZoneState(base, n)
		if n > 0 {
			m.zones[i].free[sizeClassFor(n)][base] = struct{}{}
		}
		base += PageID(n)
	}
	m.freeReserved = 0
	return m, nil
}

// PageBytes is the fixed page size the PMM reserves pages in (spec §3,
// matching internal/pager.PageSize).
const PageBytes = 32 * 1024

// sizeClassFor returns ⌈log2(n)⌉ capped at 15 (spec §4.1 "buddy search").
func sizeClassFor(n uint32) int {
	if n <= 1 {
		return 0
	}
	c := 0
	v := n - 1
	for v > 0 {
		v >>= 1
		c++
	}
	if c > 15 {
		c = 15
	}
	return c
}

// Close releases the reserved virtual range.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reservation != nil {
		return m.reservation.Close()
	}
	return nil
}

// SetResourceLimit registers or updates a resource group's bounds (spec
// §4.1 "set_resource_limit").
func (m *Manager) SetResourceLimit(id uint32, limit ResourceLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		g = &resourceGroup{}
		m.groups[id] = g
		m.reserved += limit.Min
		m.freeReserved += limit.Min
	} else {
		if limit.Min > g.limit.Min {
			delta := limit.Min - g.limit.Min
			m.reserved += delta
			m.freeReserved += delta
		} else if limit.Min < g.limit.Min {
			delta := g.limit.Min - limit.Min
			m.reserved -= delta
			if m.freeReserved >= delta {
				m.freeReserved -= delta
			} else {
				m.freeReserved = 0
			}
		}
	}
	g.limit = limit
	m.allocated = m.reserved + m.shared
	return nil
}

// SetPrioFreeLimits recomputes the ultra/high priority free-space floors
// (spec §4.1 "set_prio_free_limits"): ultra ≈ 4% of shared+reserved, high
// ≈ 10% of the shared pool above the ultra floor.
func (m *Manager) SetPrioFreeLimits(sharedPoolPages uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shared = sharedPoolPages
	total := m.shared + m.reserved
	m.ultraPrioFreeLimit = total * 4 / 100
	m.prioFreeLimit = m.shared * 10 / 100
	m.allocated = m.reserved + m.shared
}

func (m *Manager) group(id uint32) (*resourceGroup, error) {
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("pmm: unknown resource group %d", id)
	}
	return g, nil
}

// zoneFor returns the lowest zone whose id-bit width covers upperBoundBits.
func (m *Manager) zoneFor(upperBoundBits uint) int {
	for i, b := range ZoneBits {
		if upperBoundBits <= b {
			return i
		}
	}
	return numZones - 1
}

// AllocPage allocates a single page for group (spec §4.1 "alloc_page").
// useSpare permits dipping into the group's spare allotment beyond min;
// useMaxPart, when false, disables falling back to the shared pool.
func (m *Manager) AllocPage(group uint32, zoneBits uint, useSpare, useMaxPart bool) (PageID, error) {
	ids, err := m.AllocPages(group, zoneBits, 1, 1, useSpare, useMaxPart)
	if err != nil {
		return NoPage, err
	}
	return ids[0], nil
}

// AllocPages allocates a run of between min and cnt pages (spec §4.1
// "alloc_pages"): it clamps the request to available free space and falls
// back to smaller counts no lower than min.
func (m *Manager) AllocPages(group uint32, zoneBits uint, cnt, min uint32, useSpare, useMaxPart bool) ([]PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.group(group)
	if err != nil {
		return nil, err
	}
	zi := m.zoneFor(zoneBits)

	var lastErr error
	for n := cnt; n >= min && n > 0; n-- {
		if err := m.canCharge(g, n, useMaxPart); err != nil {
			lastErr = err
			continue
		}
		if start, ok := m.buddyAlloc(zi, n); ok {
			m.chargeAlloc(g, n, useSpare)
			out := make([]PageID, n)
			for i := uint32(0); i < n; i++ {
				out[i] = start + PageID(i)
			}
			return out, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("pmm: no free run of >= %d pages available in zone %d", min, zi)
}

// canCharge reports whether granting n ordinary (non-spare,
// non-emergency) pages to g would stay within its bounds (spec §4.1
// "alloc_page ... use_max_part=false disables shared fallback"): the
// request must not need the shared pool when useMaxPart is false, and
// must not push curr past the group's max (or high-prio max, for a
// high/ultra priority group) — unlike alloc_spare_page, which may
// allocate beyond max.
func (m *Manager) canCharge(g *resourceGroup, n uint32, useMaxPart bool) error {
	fromReserved := n
	if m.freeReserved < n {
		fromReserved = m.freeReserved
	}
	fromShared := n - fromReserved
	if fromShared > 0 && !useMaxPart {
		return fmt.Errorf("pmm: allocation of %d pages needs the shared pool but use_max_part is false", n)
	}
	effectiveMax := g.limit.Max
	if g.limit.Prio != PrioLow && g.limit.HighPrioMax > effectiveMax {
		effectiveMax = g.limit.HighPrioMax
	}
	if g.curr+n > effectiveMax {
		return fmt.Errorf("pmm: allocation of %d pages would push curr to %d, exceeding max %d", n, g.curr+n, effectiveMax)
	}
	return nil
}

// chargeAlloc updates resource-group and global counters after a successful
// allocation (spec §4.1 "On success, updates curr, in_use, free_reserved,
// shared_in_use consistently"). Callers must have already verified
// canCharge.
func (m *Manager) chargeAlloc(g *resourceGroup, n uint32, useSpare bool) {
	fromReserved := n
	if m.freeReserved < n {
		fromReserved = m.freeReserved
	}
	m.freeReserved -= fromReserved
	fromShared := n - fromReserved
	if fromShared > 0 {
		m.sharedInUse += fromShared
	}
	g.curr += n
	m.inUse += n
	if useSpare {
		g.spare += fromShared
		m.reserved += fromShared
		m.allocated = m.reserved + m.shared
	}
}

// AllocSparePage allocates one page beyond a group's max (spec §4.1
// "alloc_spare_page"). It draws on the free reserved pool while any is
// left, counting the page as the group's spare; otherwise it records the
// page as stolen reserve. The shared pool is not consulted.
func (m *Manager) AllocSparePage(group uint32, zoneBits uint) (PageID, error) {
	m.mu.Lock()
	zi := m.zoneFor(zoneBits)
	g, err := m.group(group)
	if err != nil {
		m.mu.Unlock()
		return NoPage, err
	}
	start, ok := m.buddyAlloc(zi, 1)
	if !ok {
		m.mu.Unlock()
		return NoPage, fmt.Errorf("pmm: no free page for spare allocation")
	}
	if m.freeReserved > 0 {
		m.freeReserved--
		g.spare++
		m.reserved++
	} else {
		// No free reservation anywhere to draw on; borrow one page's worth
		// of another group's reserved allotment (spec §4.1 "else stealing
		// from another group's reserved"). The debt is tracked against the
		// borrowing group and repaid on release.
		g.stolenReserved++
		m.reserved++
	}
	m.allocated = m.reserved + m.shared
	g.curr++
	m.inUse++
	m.mu.Unlock()
	return start, nil
}

// AllocEmergencyPage allocates a page for a caller that cannot tolerate
// failure, drawing from overflow reserve accounting (spec §4.1
// "alloc_emergency_page").
func (m *Manager) AllocEmergencyPage(group uint32, zoneBits uint) (PageID, error) {
	m.mu.Lock()
	zi := m.zoneFor(zoneBits)
	g, err := m.group(group)
	if err != nil {
		m.mu.Unlock()
		return NoPage, err
	}
	start, ok := m.buddyAlloc(zi, 1)
	if !ok {
		m.mu.Unlock()
		return NoPage, fmt.Errorf("pmm: emergency allocation failed, pool exhausted")
	}
	g.overflowReserved++
	g.curr++
	m.inUse++
	m.mu.Unlock()
	return start, nil
}

// ReleasePage returns one page to group (spec §4.1 "release_page"): repays
// overflow_reserved first, then stolen_reserved, then normal accounting.
func (m *Manager) ReleasePage(group uint32, id PageID) error {
	return m.ReleasePages(group, id, 1)
}

// ReleasePages returns a run of cnt pages starting at id to group.
func (m *Manager) ReleasePages(group uint32, id PageID, cnt uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.group(group)
	if err != nil {
		return err
	}
	zi := m.zoneOfPage(id)
	if zi < 0 {
		return fmt.Errorf("pmm: page %d out of any zone range", id)
	}
	if err := m.buddyFree(zi, id, cnt); err != nil {
		return err
	}

	remaining := cnt
	if g.overflowReserved > 0 {
		take := min32(g.overflowReserved, remaining)
		g.overflowReserved -= take
		remaining -= take
	}
	if remaining > 0 && g.stolenReserved > 0 {
		take := min32(g.stolenReserved, remaining)
		g.stolenReserved -= take
		remaining -= take
		m.freeReserved += take
		m.reserved -= take
	}
	if remaining > 0 {
		m.freeReserved += remaining
	}
	if g.curr >= cnt {
		g.curr -= cnt
	} else {
		g.curr = 0
	}
	if m.inUse >= cnt {
		m.inUse -= cnt
	} else {
		m.inUse = 0
	}
	if g.spare > 0 {
		take := min32(g.spare, cnt)
		g.spare -= take
		if m.sharedInUse >= take {
			m.sharedInUse -= take
		}
		if m.reserved >= take {
			m.reserved -= take
		} else {
			m.reserved = 0
		}
	}
	m.allocated = m.reserved + m.shared
	return nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (m *Manager) zoneOfPage(id PageID) int {
	for i, z := range m.zones {
		if id >= z.basePage && id < z.basePage+PageID(z.npages) {
			return i
		}
	}
	return -1
}

// Dump returns a diagnostic snapshot equivalent to the resources info
// table (spec §7 "DUMP 1000"-style output).
func (m *Manager) Dump() ManagerDump {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := ManagerDump{
		Allocated: m.allocated, Reserved: m.reserved, FreeReserved: m.freeReserved,
		Shared: m.shared, SharedInUse: m.sharedInUse, InUse: m.inUse,
		PrioFreeLimit: m.prioFreeLimit, UltraPrioFreeLimit: m.ultraPrioFreeLimit,
	}
	for id, g := range m.groups {
		d.Groups = append(d.Groups, GroupDump{
			ID: id, Min: g.limit.Min, Max: g.limit.Max, Curr: g.curr,
			Spare: g.spare, StolenReserved: g.stolenReserved, OverflowReserved: g.overflowReserved,
		})
	}
	return d
}

type ManagerDump struct {
	Allocated, Reserved, FreeReserved            uint32
	Shared, SharedInUse, InUse                   uint32
	PrioFreeLimit, UltraPrioFreeLimit            uint32
	Groups                                       []GroupDump
}

type GroupDump struct {
	ID                                  uint32
	Min, Max, Curr                      uint32
	Spare, StolenReserved, OverflowReserved uint32
}

// Check verifies the PMM's global invariants (spec §3 "Global invariants").
// The alloc and release paths do not call it; callers such as the tests
// invoke it directly.
func (m *Manager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sumCurr uint32
	var sumReserved uint32
	for _, g := range m.groups {
		sumCurr += g.curr
		sumReserved += g.limit.Min + g.spare + g.stolenReserved
	}
	if sumCurr != m.inUse {
		return fmt.Errorf("pmm: invariant violated: in_use %d != sum(curr) %d", m.inUse, sumCurr)
	}
	if sumReserved != m.reserved {
		return fmt.Errorf("pmm: invariant violated: reserved %d != sum(min+spare+stolen) %d", m.reserved, sumReserved)
	}
	if m.allocated != m.reserved+m.shared {
		return fmt.Errorf("pmm: invariant violated: allocated %d != reserved %d + shared %d", m.allocated, m.reserved, m.shared)
	}
	if m.sharedInUse > m.shared {
		return fmt.Errorf("pmm: invariant violated: shared_in_use %d > shared %d", m.sharedInUse, m.shared)
	}
	return nil
}
