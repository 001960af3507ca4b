// Package arch declares the per-architecture capability set ("arch-meta")
// that the trampoline builder, patcher, and façade parameterize over,
// plus the small decoded-instruction vocabulary the instruction
// classifier produces. The concrete x86-64 and AArch64
// implementations live in sibling packages internal/archx86 and
// internal/archarm64 and register themselves here, the way database/sql
// drivers register against a driver name instead of the core package
// importing them directly.
package arch

import (
	"fmt"
	"runtime"

	"github.com/xyproto/detour/internal/emit"
)

// ID names one of the architectures this module supports.
type ID int

const (
	Unknown ID = iota
	X86_64
	AArch64
)

func (id ID) String() string {
	switch id {
	case X86_64:
		return "x86_64"
	case AArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// Current returns the ID matching the running process's GOARCH, the
// architecture a Detour always operates on (detours only ever patch
// code already loaded in this process).
func Current() ID {
	switch runtime.GOARCH {
	case "amd64":
		return X86_64
	case "arm64":
		return AArch64
	default:
		return Unknown
	}
}

// Classification is the classifier's verdict on one decoded instruction.
type Classification int

const (
	// Copy: emit a verbatim thunk, instruction needs no relocation.
	Copy Classification = iota
	// Relocate: emit a position-independent thunk for this instruction.
	Relocate
	// Terminator: this instruction ends the prolog; it is still copied
	// (and, for branches, still relocated), but no tail branch follows.
	Terminator
)

func (c Classification) String() string {
	switch c {
	case Copy:
		return "copy"
	case Relocate:
		return "relocate"
	case Terminator:
		return "terminator"
	default:
		return "unknown"
	}
}

// Insn is one decoded, classified prolog instruction together with the
// thunk that reproduces its semantics (verbatim or relocated).
type Insn struct {
	Addr   uint64
	Length int
	Class  Classification
	Thunk  emit.Thunkable
}

// Reader reads n bytes of live process memory starting at addr. The
// façade supplies the real implementation (an unsafe read of the target's
// own address space); arch-meta and the trampoline builder never read
// memory directly so they stay testable against synthetic byte slices.
type Reader func(addr uint64, n int) ([]byte, error)

// Meta is the per-architecture capability set. Decode is also where
// instruction classification lives: each returned Insn already carries
// its classification and a ready-to-append thunk.
type Meta interface {
	ID() ID

	// DetourRange is the maximum signed byte distance a short branch can
	// cover: ±2GiB on x86-64, ±128MiB on AArch64.
	DetourRange() uint64

	// RelayRange is the maximum signed byte distance between a patched
	// prolog and the relay slot its indirect hook sequence references:
	// the same ±2GiB reach as DetourRange on x86-64 (a rip-relative jmp),
	// but ±4GiB on AArch64 (an ADRP page-relative load reaches farther
	// than a direct B).
	RelayRange() uint64

	// Alignment is the instruction alignment: 1 on x86, 4 on AArch64.
	Alignment() int

	// MaxInsnLen bounds how many trailing bytes Decode may need to read
	// to finish classifying the last instruction in a window.
	MaxInsnLen() int

	// PrologMargin returns the number of leading target bytes that must
	// be overwritten to install the shortest correct hook sequence,
	// given the byte distance between the target and the detour.
	PrologMargin(targetDetourDistance uint64) int

	// Decode disassembles and classifies instructions starting at addr
	// until at least minBytes have been consumed and the most recent
	// instruction did not end mid-prolog, or a Terminator is reached.
	Decode(read Reader, addr uint64, minBytes int) ([]Insn, error)

	// TailBranch returns the thunk for an unconditional branch from its
	// own (as yet undetermined) destination to the absolute address to.
	TailBranch(to uint64) emit.Thunkable

	// NeedsRelay reports whether detour is out of DetourRange of target,
	// meaning the hook sequence must indirect through relay memory.
	NeedsRelay(target, detour uint64) bool

	// HookSequence returns the bytes to write into the target's prolog.
	// relayAddr is ignored when useRelay is false.
	HookSequence(target, detour, relayAddr uint64, useRelay bool) ([]byte, error)

	// RelayBytes returns the bytes to store in relay memory so a short
	// indirect branch in HookSequence's output can reach detour.
	RelayBytes(detour uint64) []byte

	// SkipJmps follows import/PLT-style indirection chains starting at
	// target, bounded to avoid cycles, and returns the final address.
	SkipJmps(read Reader, target uint64) uint64

	// ClearInstructionCache invalidates b's range in the icache. A no-op
	// on architectures with coherent icache (x86).
	ClearInstructionCache(b []byte)

	// CanonicalNOP is the single-byte (x86) or representative (AArch64,
	// where it's the low byte of the 4-byte NOP word) padding byte
	// relocating thunks use for unused reserved length.
	CanonicalNOP() byte

	// NOPFill returns n bytes of architecturally valid no-op padding: n
	// repeats of 0x90 on x86, n/4 repeats of the 4-byte AArch64 NOP word.
	// The patcher uses this to pad a hook sequence out to the full width
	// of the prolog bytes the trampoline builder decided to relocate.
	NOPFill(n int) []byte
}

var registry = map[ID]Meta{}

// Register installs m as the Meta implementation for id. Called from the
// init() of internal/archx86 and internal/archarm64.
func Register(id ID, m Meta) {
	registry[id] = m
}

// For returns the registered Meta for id, or an error if nothing
// registered itself under that ID (meaning the corresponding arch package
// was never imported).
func For(id ID) (Meta, error) {
	m, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("arch: no implementation registered for %s", id)
	}
	return m, nil
}
