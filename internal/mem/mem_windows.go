//go:build windows

package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// reserveExecutable mirrors the unix mmap-with-hint behavior using
// VirtualAlloc. Unlike mmap, VirtualAlloc either honors an exact address or
// fails outright (no "nearby" semantics) — the proximity allocator treats
// that as just another failed probe and advances to the next candidate.
// Grounded on the same windows.VirtualAlloc/VirtualProtect pairing the
// pack's wireguard-go wintun loader uses for its manually-mapped PE
// sections, and on Dk2014-hinako's kernel32 VirtualProtect/
// FlushInstructionCache pattern (here using the typed x/sys/windows
// bindings instead of syscall.NewLazyDLL, for parity with the unix side).
func reserveExecutable(hint uintptr, size int) (*Region, error) {
	length := roundUp(size, pageSize())

	addr, err := windows.VirtualAlloc(hint, uintptr(length), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("VirtualAlloc: %w", err)
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return &Region{Addr: addr, Bytes: b}, nil
}

func release(r *Region) error {
	if err := windows.VirtualFree(r.Addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("VirtualFree: %w", err)
	}
	return nil
}

func protect(r *Region, p Protection) error {
	var native uint32
	switch p {
	case ReadWrite:
		native = windows.PAGE_READWRITE
	case ReadExecute:
		native = windows.PAGE_EXECUTE_READ
	case ReadWriteExecute:
		native = windows.PAGE_EXECUTE_READWRITE
	default:
		return fmt.Errorf("mem: unknown protection %d", p)
	}
	var old uint32
	if err := windows.VirtualProtect(r.Addr, uintptr(len(r.Bytes)), native, &old); err != nil {
		return fmt.Errorf("VirtualProtect(%s): %w", p, err)
	}
	return nil
}

// FlushInstructionCache invalidates the icache over region, required on
// Windows/ARM64 after writing a patch area or trampoline body.
func FlushInstructionCache(r *Region) error {
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		return fmt.Errorf("GetCurrentProcess: %w", err)
	}
	base := (*byte)(unsafe.Pointer(r.Addr))
	if err := windows.FlushInstructionCache(proc, base, uintptr(len(r.Bytes))); err != nil {
		return fmt.Errorf("FlushInstructionCache: %w", err)
	}
	return nil
}

var pageSizeOnce = sync.OnceValue(func() int {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return int(info.PageSize)
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
