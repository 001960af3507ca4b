package detour

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/xyproto/detour/internal/alloc"
	"github.com/xyproto/detour/internal/arch"
	_ "github.com/xyproto/detour/internal/archarm64" // self-registers AArch64 arch-meta
	_ "github.com/xyproto/detour/internal/archx86"   // self-registers x86-64 arch-meta
	"github.com/xyproto/detour/internal/config"
	"github.com/xyproto/detour/internal/patch"
	"github.com/xyproto/detour/internal/trampoline"
)

// Detour installs a hook over one already-loaded function. The zero value
// is not usable; construct with New.
type Detour struct {
	mu sync.Mutex

	target   uintptr
	detourFn uintptr
	m        arch.Meta

	tramp   *trampoline.Trampoline
	patcher *patch.Patcher
	relay   *alloc.Allocation
}

// readProcess reads n bytes of this process's own memory at addr. detour
// only ever patches code already loaded into the calling process, so
// "reading the target" is just dereferencing a pointer, not an IPC call.
func readProcess(addr uint64, n int) ([]byte, error) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
	out := make([]byte, n)
	copy(out, src)
	return out, nil
}

func distance(a, b uintptr) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}

// New decodes, relocates, and allocates a trampoline for target, then
// prepares (but does not yet install) a hook sequence branching to
// detourFn. The target's prolog is not touched until Enable is called.
func New(target, detourFn uintptr) (*Detour, error) {
	m, err := arch.For(arch.Current())
	if err != nil {
		return nil, wrapErr("New", LevelError, CategoryState, target, fmt.Errorf("%w: %v", ErrUnsupportedArch, err))
	}

	resolved := uintptr(m.SkipJmps(readProcess, uint64(target)))

	margin := m.PrologMargin(distance(resolved, detourFn))
	tr, err := trampoline.Build(m, readProcess, uint64(resolved), margin)
	if err != nil {
		return nil, wrapErr("New", LevelError, CategoryDecode, resolved, err)
	}

	useRelay := m.NeedsRelay(uint64(resolved), uint64(detourFn))
	var relayAlloc *alloc.Allocation
	var relayAddr uintptr
	if useRelay {
		relayBytes := m.RelayBytes(uint64(detourFn))
		relayAlloc, err = alloc.Shared().Allocate(resolved, len(relayBytes), m.RelayRange())
		if err != nil {
			_ = tr.Release()
			return nil, wrapErr("New", LevelError, CategoryMemory, resolved, fmt.Errorf("%w: %v", ErrOutOfMemory, err))
		}
		copy(relayAlloc.Data, relayBytes)
		relayAddr = relayAlloc.Base
	}

	p, err := patch.New(m, readProcess, resolved, tr.PrologLen, detourFn, relayAddr, useRelay)
	if err != nil {
		_ = tr.Release()
		if relayAlloc != nil {
			_ = relayAlloc.Release()
		}
		return nil, wrapErr("New", LevelError, CategoryDecode, resolved, err)
	}

	if config.Debug {
		fmt.Printf("detour: target=%#x resolved=%#x detour=%#x trampoline=%#x relay=%v prologLen=%d\n",
			target, resolved, detourFn, tr.Addr, useRelay, tr.PrologLen)
	}

	return &Detour{
		target:   resolved,
		detourFn: detourFn,
		m:        m,
		tramp:    tr,
		patcher:  p,
		relay:    relayAlloc,
	}, nil
}

// Enable installs the hook sequence over the target's prolog. Calling
// Enable on an already-enabled Detour is a no-op.
func (d *Detour) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.patcher.Enable(); err != nil {
		return wrapErr("Enable", LevelError, CategoryProtection, d.target, err)
	}
	return nil
}

// Disable restores the target's original prolog bytes. Calling Disable on
// an already-disabled Detour is a no-op.
func (d *Detour) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.patcher.Disable(); err != nil {
		return wrapErr("Disable", LevelError, CategoryProtection, d.target, err)
	}
	return nil
}

// Enabled reports whether the hook sequence is currently installed.
func (d *Detour) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.patcher.Enabled()
}

// Trampoline returns the address callers should invoke to run the
// target's original, pre-hook behavior.
func (d *Detour) Trampoline() uintptr {
	return d.tramp.Addr
}

// Target returns the resolved target address (after following any
// import/PLT-style indirection at construction time).
func (d *Detour) Target() uintptr {
	return d.target
}

// Close disables the hook if still enabled and releases the trampoline
// and any relay memory. A Detour must not be used after Close.
func (d *Detour) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if d.patcher.Enabled() {
		record(d.patcher.Disable())
	}
	record(d.tramp.Release())
	if d.relay != nil {
		record(d.relay.Release())
	}

	if first != nil {
		return wrapErr("Close", LevelError, CategoryMemory, d.target, first)
	}
	return nil
}
