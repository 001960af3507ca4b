// Package trampoline implements the trampoline builder: it decodes and
// relocates the instructions that are about to be overwritten
// in a hooked function's prolog, appends a tail branch back into the
// untouched remainder of the function when needed, and hands the result
// to the proximity allocator so the result stays within branch reach of
// the function it replays.
package trampoline

import (
	"fmt"

	"github.com/xyproto/detour/internal/alloc"
	"github.com/xyproto/detour/internal/arch"
	"github.com/xyproto/detour/internal/emit"
)

// Trampoline is executable memory that replays a function's original
// prolog before jumping into the untouched remainder of that function.
type Trampoline struct {
	allocation *alloc.Allocation

	// Addr is the trampoline's own entry point — what callers invoke in
	// place of the original function to get pre-hook behavior.
	Addr uintptr

	// PrologLen is the number of bytes of the *original* function's
	// prolog this trampoline replays. The patcher overwrites exactly
	// this many target bytes (padding the tail with NOPFill) when it
	// installs the hook sequence, since that's how many bytes the
	// decoder proved it's safe to discard.
	PrologLen int
}

// Release returns the trampoline's memory to the shared allocator.
func (t *Trampoline) Release() error {
	return t.allocation.Release()
}

// Build decodes at least margin bytes of target's prolog using m, emits a
// relocated replica into proximity-allocated memory, and appends a tail
// branch back to the unmodified remainder of target unless decoding
// already stopped on a natural Terminator instruction.
func Build(m arch.Meta, read arch.Reader, targetAddr uint64, margin int) (*Trampoline, error) {
	insns, err := m.Decode(read, targetAddr, margin)
	if err != nil {
		return nil, fmt.Errorf("trampoline: decode: %w", err)
	}
	if len(insns) == 0 {
		return nil, fmt.Errorf("trampoline: decoder returned no instructions")
	}

	var emitter emit.CodeEmitter
	consumed := 0
	for _, insn := range insns {
		emitter.Append(insn.Thunk)
		consumed += insn.Length
	}

	if last := insns[len(insns)-1]; last.Class != arch.Terminator {
		tailTarget := targetAddr + uint64(consumed)
		emitter.Append(m.TailBranch(tailTarget))
	}

	size := emitter.Len()
	allocation, err := alloc.Shared().Allocate(uintptr(targetAddr), size, m.DetourRange())
	if err != nil {
		return nil, fmt.Errorf("trampoline: %w", err)
	}

	code, err := emitter.Emit(uint64(allocation.Base))
	if err != nil {
		_ = allocation.Release()
		return nil, fmt.Errorf("trampoline: emit: %w", err)
	}
	copy(allocation.Data, code)
	m.ClearInstructionCache(allocation.Data)

	return &Trampoline{allocation: allocation, Addr: allocation.Base, PrologLen: consumed}, nil
}
