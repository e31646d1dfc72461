//go:build linux

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocBacking maps anonymous page-aligned memory so buffers can be handed
// to the device without copying.
func allocBacking(size int) ([]byte, func([]byte) error, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}
	return b, unix.Munmap, nil
}
