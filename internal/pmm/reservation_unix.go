//go:build linux || darwin || freebsd || netbsd || openbsd

package pmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixReservation backs Reservation with an anonymous PROT_NONE mmap: the
// address range is reserved but untouched pages are never committed to
// physical RAM, matching spec §4.1's "reserves (not commits)" requirement.
type unixReservation struct {
	data []byte
}

func reserveImpl(size uint64) (Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("pmm: reservation size must be > 0")
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pmm: mmap reservation: %w", err)
	}
	return &unixReservation{data: data}, nil
}

// mapPages commits (makes readable/writable) the byte range
// [off, off+length) of the reservation (spec §4.1 "Touching (committing) of
// pages is done lazily in map()").
func (r *unixReservation) mapPages(off, length uint64) error {
	if off+length > uint64(len(r.data)) {
		return fmt.Errorf("pmm: map range out of bounds")
	}
	return unix.Mprotect(r.data[off:off+length], unix.PROT_READ|unix.PROT_WRITE)
}

func (r *unixReservation) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
