// Package archarm64 implements the AArch64 arch-meta capability set and
// instruction classifier.
//
// Recognition of PC-relative instruction forms (B/BL/B.cond, CBZ/CBNZ,
// TBZ/TBNZ, ADR/ADRP, LDR/LDRSW/PRFM literal) goes through
// golang.org/x/arch/arm64/arm64asm's decoder, the same library the
// pack's resurgo prologue detector uses for AArch64. arm64asm is
// decode-only, so re-encoding a relocated instruction (the replacement
// word, or the MOVZ/MOVK/ADRP/LDR/BR fallback sequences) is still
// hand-rolled bit packing — see DESIGN.md.
package archarm64

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/detour/internal/arch"
	"github.com/xyproto/detour/internal/emit"
)

func init() {
	arch.Register(arch.AArch64, &meta{})
}

type meta struct{}

func (m *meta) ID() arch.ID { return arch.AArch64 }

// DetourRange is the reach of a B/BL imm26<<2 displacement: ±128MiB.
func (m *meta) DetourRange() uint64 { return 128 * 1024 * 1024 }

// RelayRange is ADRP's page-relative reach: farther than a direct B, so
// the relay slot the indirect hook sequence loads through can sit
// anywhere within ±4GiB of the patched prolog.
func (m *meta) RelayRange() uint64 { return 1 << 32 }

func (m *meta) Alignment() int { return 4 }

func (m *meta) MaxInsnLen() int { return 4 }

// PrologMargin is one instruction (4 bytes, a direct B) when the detour
// is within B's ±128MiB reach, else 12 bytes (ADRP+LDR+BR through a
// nearby relay, the indirect hook sequence HookSequence builds).
func (m *meta) PrologMargin(targetDetourDistance uint64) int {
	if targetDetourDistance <= m.DetourRange() {
		return 4
	}
	return 12
}

// CanonicalNOP is the low (first, little-endian) byte of the 4-byte NOP
// word 0xD503201F. Relocation Build closures on this architecture always
// pad with the full 4-byte word themselves (see padNOP) rather than
// relying on emit.Relocating's single-byte padding, which would corrupt
// the instruction stream if it ever fired here.
func (m *meta) CanonicalNOP() byte { return 0x1F }

func (m *meta) NOPFill(n int) []byte {
	return padNOP(nil, n)
}

var (
	errRangeExceeded = fmt.Errorf("archarm64: displacement out of range")
	errUnsupported   = fmt.Errorf("archarm64: unsupported instruction for relocation")
)

// ClearInstructionCache invalidates the icache for b's range and waits
// for the invalidation to be observable before any core executes from
// it. AArch64 has no coherent icache, unlike x86.
func (m *meta) ClearInstructionCache(b []byte) {
	clearInstructionCache(b)
}

func (m *meta) Decode(read arch.Reader, addr uint64, minBytes int) ([]arch.Insn, error) {
	if minBytes%4 != 0 {
		minBytes += 4 - minBytes%4
	}
	bufLen := minBytes + 4
	buf, err := read(addr, bufLen)
	if err != nil {
		return nil, fmt.Errorf("archarm64: read target: %w", err)
	}

	var insns []arch.Insn
	consumed := 0
	for consumed+4 <= len(buf) {
		insnAddr := addr + uint64(consumed)

		class, thunk, cerr := classify(buf[consumed:consumed+4], insnAddr)
		if cerr != nil {
			return nil, cerr
		}

		insns = append(insns, arch.Insn{Addr: insnAddr, Length: 4, Class: class, Thunk: thunk})
		consumed += 4

		if class == arch.Terminator {
			return insns, nil
		}
		if consumed >= minBytes {
			return insns, nil
		}
	}
	return insns, nil
}

// TailBranch returns the thunk for an unconditional branch appended when
// the prolog window was cut off without a natural Terminator.
func (m *meta) TailBranch(to uint64) emit.Thunkable {
	return emit.Relocating{
		Reserved: 20,
		NOP:      0x1F,
		Build: func(dest uint64) ([]byte, error) {
			disp := int64(to) - int64(dest)
			if out, ok := encodeB(disp); ok {
				return padNOP(out, 20), nil
			}
			return materializeAndBranch(to, false), nil
		},
	}
}

func (m *meta) NeedsRelay(target, detour uint64) bool {
	disp := int64(detour) - int64(target)
	return !fitsSigned(disp, 28)
}

// HookSequence returns the bytes written into the target's prolog: a
// direct B when reachable, else ADRP+LDR+BR through relayAddr.
func (m *meta) HookSequence(target, detour, relayAddr uint64, useRelay bool) ([]byte, error) {
	if !useRelay {
		disp := int64(detour) - int64(target)
		out, ok := encodeB(disp)
		if !ok {
			return nil, fmt.Errorf("%w: detour not reachable by direct B", errRangeExceeded)
		}
		return out, nil
	}

	pageDisp := int64(pageOf(relayAddr)) - int64(pageOf(target))
	adrp, ok := encodeADRP(17, pageDisp)
	if !ok {
		return nil, fmt.Errorf("%w: relay not reachable by ADRP", errRangeExceeded)
	}
	lo12 := uint32(relayAddr & 0xFFF)

	out := make([]byte, 12)
	copy(out[0:4], adrp)
	copy(out[4:8], encodeLDRImmUnsigned64(17, 17, lo12/8)) // imm12 is scaled by 8
	copy(out[8:12], encodeBR(17))
	return out, nil
}

// RelayBytes is the 8-byte absolute detour address the ADRP+LDR+BR hook
// sequence dereferences.
func (m *meta) RelayBytes(detour uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, detour)
	return b
}

const maxSkipJmps = 3

// SkipJmps follows up to maxSkipJmps chained `ADRP X17,...; LDR X17,[X17];
// BR X17` relay stubs, returning the final address.
func (m *meta) SkipJmps(read arch.Reader, target uint64) uint64 {
	addr := target
	for i := 0; i < maxSkipJmps; i++ {
		buf, err := read(addr, 12)
		if err != nil || len(buf) < 12 {
			return addr
		}
		w0 := binary.LittleEndian.Uint32(buf[0:4])
		w1 := binary.LittleEndian.Uint32(buf[4:8])
		w2 := binary.LittleEndian.Uint32(buf[8:12])
		if !isADRP(w0) || !isLDRImmUnsigned64(w1) || !isBR(w2) {
			return addr
		}
		page := pageOf(addr) + uint64(decodeADRPImm(w0))
		lo12 := decodeLDRImmUnsigned64Offset(w1)
		ptrAddr := page + lo12
		ptrBuf, err := read(ptrAddr, 8)
		if err != nil {
			return addr
		}
		next := binary.LittleEndian.Uint64(ptrBuf)
		if next == addr {
			return addr
		}
		addr = next
	}
	return addr
}

// isBR recognizes `BR X17`, the final word of the relay stub this
// package itself emits in HookSequence — a fixed pattern match, not
// general instruction classification.
func isBR(word uint32) bool {
	return word == binary.LittleEndian.Uint32(encodeBR(17))
}

func fitsSigned(v int64, bits int) bool {
	min := -(int64(1) << (bits - 1))
	max := (int64(1) << (bits - 1)) - 1
	return v >= min && v <= max
}

func pageOf(addr uint64) uint64 { return addr &^ 0xFFF }

// padNOP appends full 4-byte NOP words (never a partial word) until b is
// exactly want bytes long.
func padNOP(b []byte, want int) []byte {
	out := append([]byte(nil), b...)
	nop := []byte{0x1F, 0x20, 0x03, 0xD5}
	for len(out)+4 <= want {
		out = append(out, nop...)
	}
	return out
}
