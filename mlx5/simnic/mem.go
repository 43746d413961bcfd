package simnic

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

// arena tracks the anonymous mappings backing one device resource.
type arena struct {
	maps [][]byte
}

// alloc maps a zeroed, page aligned region of at least n bytes and returns
// its first n bytes.
func (a *arena) alloc(n int) ([]byte, error) {
	size := (n + pageSize - 1) &^ (pageSize - 1)
	if size == 0 {
		size = pageSize
	}
	m, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	a.maps = append(a.maps, m)
	return m[:n:n], nil
}

// doorbells maps a page holding two doorbell records on separate cache
// lines.
func (a *arena) doorbells() (first, second *uint32, err error) {
	page, err := a.alloc(pageSize)
	if err != nil {
		return nil, nil, err
	}
	return (*uint32)(unsafe.Pointer(&page[0])), (*uint32)(unsafe.Pointer(&page[64])), nil
}

func (a *arena) free() error {
	var errs []error
	for _, m := range a.maps {
		if err := unix.Munmap(m); err != nil {
			errs = append(errs, err)
		}
	}
	a.maps = nil
	return errors.Join(errs...)
}

// addr returns the virtual address of the first byte of b.
func addr(b []byte) uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(b))) }
