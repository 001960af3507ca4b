//go:build windows && arm64

package archarm64

import "github.com/xyproto/detour/internal/mem"

// clearInstructionCache delegates to the Win32 FlushInstructionCache call
// rather than emitting raw dc/ic instructions directly: Windows on Arm
// reserves the right to intercept self-modifying-code maintenance for its
// own W^X bookkeeping, so going through the documented API (as
// mem.FlushInstructionCache already does for the patcher) is the portable
// choice here too.
func clearInstructionCache(b []byte) {
	if len(b) == 0 {
		return
	}
	r := &mem.Region{Addr: uintptrOf(b), Bytes: b}
	_ = mem.FlushInstructionCache(r)
}
