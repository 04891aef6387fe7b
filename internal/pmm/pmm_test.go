package pmm

import "testing"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager([numZones]uint32{64, 0, 0, 0})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestPMM_FixedSizeAllocRelease(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetResourceLimit(1, ResourceLimit{Min: 32, Max: 32}); err != nil {
		t.Fatalf("SetResourceLimit: %v", err)
	}

	id, err := m.AllocPage(1, 19, false, true)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if id == NoPage {
		t.Fatalf("expected a real page id")
	}
	if err := m.Check(); err != nil {
		t.Fatalf("invariants after alloc: %v", err)
	}

	if err := m.ReleasePage(1, id); err != nil {
		t.Fatalf("ReleasePage: %v", err)
	}
	if err := m.Check(); err != nil {
		t.Fatalf("invariants after release: %v", err)
	}

	dump := m.Dump()
	if dump.InUse != 0 {
		t.Fatalf("expected in_use 0 after release, got %d", dump.InUse)
	}
}

func TestPMM_BuddyCoalesceOnRelease(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetResourceLimit(1, ResourceLimit{Min: 64, Max: 64}); err != nil {
		t.Fatalf("SetResourceLimit: %v", err)
	}

	ids, err := m.AllocPages(1, 19, 8, 8, false, true)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if len(ids) != 8 {
		t.Fatalf("expected a run of 8 pages, got %d", len(ids))
	}

	if err := m.ReleasePages(1, ids[0], 8); err != nil {
		t.Fatalf("ReleasePages: %v", err)
	}

	// The whole zone was carved from one 64-page run; releasing the entire
	// 8-page run we took should let a fresh 64-page request succeed again,
	// proving the released run coalesced back with its neighbour.
	ids2, err := m.AllocPages(1, 19, 64, 64, false, true)
	if err != nil {
		t.Fatalf("AllocPages after coalesce: %v", err)
	}
	if len(ids2) != 64 {
		t.Fatalf("expected the full zone back as one run, got %d pages", len(ids2))
	}
}

func TestPMM_AllocPage_ExhaustionReturnsNoPage(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetResourceLimit(1, ResourceLimit{Min: 64, Max: 64}); err != nil {
		t.Fatalf("SetResourceLimit: %v", err)
	}
	if _, err := m.AllocPages(1, 19, 64, 64, false, true); err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if _, err := m.AllocPage(1, 19, false, true); err == nil {
		t.Fatalf("expected exhaustion error, zone has no free pages left")
	}
}

func TestPMM_GlobalInvariants(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetResourceLimit(1, ResourceLimit{Min: 10, Max: 20}); err != nil {
		t.Fatalf("SetResourceLimit: %v", err)
	}
	if err := m.SetResourceLimit(2, ResourceLimit{Min: 5, Max: 10}); err != nil {
		t.Fatalf("SetResourceLimit: %v", err)
	}
	m.SetPrioFreeLimits(20)

	if _, err := m.AllocPages(1, 19, 4, 4, false, true); err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if _, err := m.AllocPages(2, 19, 2, 2, false, true); err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if err := m.Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	dump := m.Dump()
	if dump.Allocated != dump.Reserved+dump.Shared {
		t.Fatalf("allocated (%d) != reserved (%d) + shared (%d)", dump.Allocated, dump.Reserved, dump.Shared)
	}
}

func TestPMM_AllocPage_CappedAtMaxWithoutSpare(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetResourceLimit(1, ResourceLimit{Min: 10, Max: 12}); err != nil {
		t.Fatalf("SetResourceLimit: %v", err)
	}
	m.SetPrioFreeLimits(2)

	for i := 0; i < 12; i++ {
		if _, err := m.AllocPage(1, 19, false, true); err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
	}
	if _, err := m.AllocPage(1, 19, false, true); err == nil {
		t.Fatalf("expected allocation past max to fail without use_spare")
	}
	if err := m.Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestPMM_AllocPage_UseMaxPartFalseDisablesSharedFallback(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetResourceLimit(1, ResourceLimit{Min: 2, Max: 10}); err != nil {
		t.Fatalf("SetResourceLimit: %v", err)
	}
	m.SetPrioFreeLimits(0)

	for i := 0; i < 2; i++ {
		if _, err := m.AllocPage(1, 19, false, false); err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
	}
	// Reserved quota (min=2) is now exhausted; with use_max_part=false the
	// group must not be allowed to dip into the shared pool even though it
	// is still well under max.
	if _, err := m.AllocPage(1, 19, false, false); err == nil {
		t.Fatalf("expected allocation to fail when use_max_part is false and reserved quota is exhausted")
	}
	if err := m.Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestPMM_ZoneSelection(t *testing.T) {
	m := newTestManager(t)
	if got := m.zoneFor(10); got != 0 {
		t.Fatalf("expected zone 0 for a 10-bit bound, got %d", got)
	}
	if got := m.zoneFor(32); got != 3 {
		t.Fatalf("expected zone 3 for a 32-bit bound, got %d", got)
	}
}
