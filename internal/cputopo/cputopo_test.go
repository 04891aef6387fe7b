package cputopo

import "testing"

func fakeTopology(n int) Topology {
	cpus := make([]CPU, n)
	for i := range cpus {
		cpus[i] = CPU{ID: i, Core: i, Package: i / 8, LLCID: i / 8}
	}
	return Topology{CPUs: cpus}
}

func TestRRGroups_BoundedByMaxGroupSize(t *testing.T) {
	topo := fakeTopology(64)
	groups, err := RRGroups(topo, 32)
	if err != nil {
		t.Fatalf("RRGroups: %v", err)
	}
	for _, g := range groups {
		if len(g.CPUs) > MaxRRGroupSize {
			t.Fatalf("group exceeds MaxRRGroupSize: %d", len(g.CPUs))
		}
	}
	total := 0
	for _, g := range groups {
		total += len(g.CPUs)
	}
	if total != 64 {
		t.Fatalf("expected all 64 CPUs placed in some group, got %d", total)
	}
}

func TestRRGroups_RejectsZeroThreads(t *testing.T) {
	topo := fakeTopology(4)
	if _, err := RRGroups(topo, 0); err == nil {
		t.Fatalf("expected an error for wantThreads=0")
	}
}

func TestCPUMask_IteratesEveryBitUntilExhausted(t *testing.T) {
	// Mirrors spec §9's open question: must not stop after the first bit.
	got := CPUMask(0b1011)
	want := []int{0, 1, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDiscover_ReturnsAtLeastOneCPU(t *testing.T) {
	topo := Discover()
	if len(topo.CPUs) == 0 {
		t.Fatalf("expected at least one discovered CPU")
	}
}
