//go:build unix

package probe

import (
	"golang.org/x/sys/unix"
)

// TryAlloc maps and immediately unmaps an anonymous region of the given size.
// It reports whether the kernel granted the mapping.
func TryAlloc(bytes int64) bool {
	if bytes <= 0 {
		return true
	}
	region, err := unix.Mmap(-1, 0, pageAlign(bytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return false
	}
	_ = unix.Munmap(region)
	return true
}

// Occupy maps a region and writes to every page so it counts against the
// process. The caller keeps the Segment alive for as long as the memory
// should stay resident.
func Occupy(bytes int64) (*Segment, error) {
	region, err := unix.Mmap(-1, 0, pageAlign(bytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	fill(region)
	return &Segment{data: region, release: unix.Munmap}, nil
}

func pageAlign(bytes int64) int {
	page := int64(unix.Getpagesize()) - 1
	return int((bytes + page) &^ page)
}
