//go:build unix

package mem

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// reserveExecutable mmaps an anonymous, private region and passes hint as
// the advisory address. Linux and the BSDs treat a non-MAP_FIXED addr as a
// hint: the kernel honors it when the range is free, which is exactly the
// "near origin" behavior the proximity allocator needs — grounded on the
// same mmap-then-mprotect-RX shape the wazevo JIT engine uses
// (mmapExecutable + platform.MprotectRX in the pack's wazero vendor copy).
func reserveExecutable(hint uintptr, size int) (*Region, error) {
	length := roundUp(size, pageSize())

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		hint,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, &os.SyscallError{Syscall: "mmap", Err: errno}
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return &Region{Addr: addr, Bytes: b}, nil
}

func release(r *Region) error {
	if err := unix.Munmap(r.Bytes); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func protect(r *Region, p Protection) error {
	var native int
	switch p {
	case ReadWrite:
		native = unix.PROT_READ | unix.PROT_WRITE
	case ReadExecute:
		native = unix.PROT_READ | unix.PROT_EXEC
	case ReadWriteExecute:
		native = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	default:
		return fmt.Errorf("mem: unknown protection %d", p)
	}
	if err := unix.Mprotect(r.Bytes, native); err != nil {
		return fmt.Errorf("mprotect(%s): %w", p, err)
	}
	return nil
}

var pageSizeOnce = sync.OnceValue(func() int {
	return os.Getpagesize()
})

func pageSize() int {
	return pageSizeOnce()
}

func roundUp(n, align int) int {
	if n <= 0 {
		return align
	}
	return (n + align - 1) &^ (align - 1)
}
