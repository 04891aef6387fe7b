package pmm

// Reservation is a contiguous virtual range reserved but not (necessarily)
// committed, backing the PMM's page-id space (spec §4.1 "Initialisation...
// reserves (not commits) a contiguous virtual range").
type Reservation interface {
	Close() error
}

// Reserve obtains a Reservation of the given byte size. The unix build
// (reservation_unix.go) uses golang.org/x/sys/unix.Mmap with PROT_NONE so
// the pages are address-space-reserved without being backed by RAM; other
// platforms fall back to a plain byte slice (reservation_generic.go), which
// commits memory up front but preserves the same interface and page-id
// arithmetic for the rest of the package.
var Reserve = reserveImpl
