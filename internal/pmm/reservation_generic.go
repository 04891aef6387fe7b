//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pmm

import "fmt"

// genericReservation is the portable fallback for platforms without
// unix.Mmap: it commits the full range up front as an ordinary byte slice.
// It satisfies the same Reservation interface so the rest of the package
// (zone partitioning, page-id arithmetic) is identical across platforms;
// only the "reserve without committing" property is lost here.
type genericReservation struct {
	data []byte
}

func reserveImpl(size uint64) (Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("pmm: reservation size must be > 0")
	}
	return &genericReservation{data: make([]byte, size)}, nil
}

func (r *genericReservation) Close() error {
	r.data = nil
	return nil
}
