// Package archx86 implements the x86/x86-64 arch-meta capability set and
// instruction classifier, decoding with golang.org/x/arch/x86/x86asm —
// the same decoder
// Dk2014-hinako's hook builder uses (x86asm.Decode, inspecting the
// decoded instruction to tell branches from everything else). Hinako
// classifies by string-prefix-matching inst.String(); this package keeps
// that same pragmatic dispatch for the high-level Op groups but adds
// byte-level condition-code extraction (via Inst.PCRelOff/PCRel and the
// raw opcode bytes) so conditional jumps, RIP-relative memory operands,
// and far targets can all be correctly relocated instead of merely
// detected.
package archx86

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/xyproto/detour/internal/arch"
	"github.com/xyproto/detour/internal/emit"
)

func init() {
	arch.Register(arch.X86_64, &meta{})
}

type meta struct{}

func (m *meta) ID() arch.ID { return arch.X86_64 }

// DetourRange is the reach of a 32-bit signed rel32 displacement.
func (m *meta) DetourRange() uint64 { return 1 << 31 }

// RelayRange matches DetourRange: the relay-indirect hook sequence itself
// uses a rip-relative jmp, the same ±2GiB reach as a direct jmp rel32.
func (m *meta) RelayRange() uint64 { return 1 << 31 }

func (m *meta) Alignment() int { return 1 }

func (m *meta) MaxInsnLen() int { return 15 }

// PrologMargin is 5 bytes (a plain `jmp rel32`) when the detour is within
// rel32 reach, else 14, which covers the 6-byte relay-indirect
// `jmp [rip+disp32]` hook sequence HookSequence emits in that case.
func (m *meta) PrologMargin(targetDetourDistance uint64) int {
	if targetDetourDistance <= m.DetourRange() {
		return 5
	}
	return 14
}

func (m *meta) CanonicalNOP() byte { return 0x90 }

func (m *meta) NOPFill(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x90
	}
	return b
}

// ClearInstructionCache is a no-op: x86 has a coherent instruction cache —
// the CPU's own pipeline serializes on the next indirect branch into
// freshly written code.
func (m *meta) ClearInstructionCache([]byte) {}

var errInvalidCode = fmt.Errorf("archx86: decode failed")
var errRangeExceeded = fmt.Errorf("archx86: displacement out of range")
var errUnsupported = fmt.Errorf("archx86: unsupported instruction for relocation")

func (m *meta) Decode(read arch.Reader, addr uint64, minBytes int) ([]arch.Insn, error) {
	bufLen := minBytes + m.MaxInsnLen()
	buf, err := read(addr, bufLen)
	if err != nil {
		return nil, fmt.Errorf("archx86: read target: %w", err)
	}

	var insns []arch.Insn
	consumed := 0
	for consumed < len(buf) {
		inst, derr := x86asm.Decode(buf[consumed:], 64)
		if derr != nil {
			if consumed >= minBytes {
				break
			}
			return nil, fmt.Errorf("%w: at +%d: %v", errInvalidCode, consumed, derr)
		}
		if inst.Len == 0 {
			return nil, fmt.Errorf("%w: zero-length decode at +%d", errInvalidCode, consumed)
		}

		insnAddr := addr + uint64(consumed)
		raw := buf[consumed : consumed+inst.Len]
		class, thunk, cerr := m.classify(inst, raw, insnAddr)
		if cerr != nil {
			return nil, cerr
		}

		insns = append(insns, arch.Insn{Addr: insnAddr, Length: inst.Len, Class: class, Thunk: thunk})
		consumed += inst.Len

		if class == arch.Terminator {
			return insns, nil
		}
		if consumed >= minBytes {
			return insns, nil
		}
	}
	return insns, nil
}

func (m *meta) classify(inst x86asm.Inst, raw []byte, addr uint64) (arch.Classification, emit.Thunkable, error) {
	opName := inst.Op.String()

	isRet := strings.HasPrefix(opName, "RET")
	isJmp := opName == "JMP"
	isCall := opName == "CALL"
	isCondJump := strings.HasPrefix(opName, "J") && !isJmp
	isLoopFamily := strings.HasPrefix(opName, "LOOP") || opName == "JCXZ" || opName == "JECXZ" || opName == "JRCXZ"

	terminator := isRet || isJmp

	if inst.PCRel == 0 {
		// No position-dependent field: copy verbatim.
		cp := append([]byte(nil), raw...)
		class := arch.Copy
		if terminator {
			class = arch.Terminator
		}
		return class, emit.Static{Bytes: cp}, nil
	}

	pcRelOff := inst.PCRelOff
	pcRelWidth := inst.PCRel
	if pcRelOff < 0 || pcRelWidth <= 0 || pcRelOff+pcRelWidth > len(raw) {
		return 0, nil, fmt.Errorf("%w: implausible PCRel field on %s", errInvalidCode, opName)
	}

	disp := readSigned(raw[pcRelOff : pcRelOff+pcRelWidth])
	origLen := inst.Len
	absTarget := uint64(int64(addr) + int64(origLen) + disp)

	prefix := append([]byte(nil), raw[:pcRelOff]...)
	suffix := append([]byte(nil), raw[pcRelOff+pcRelWidth:]...)

	isBranch := isJmp || isCall || isCondJump || isLoopFamily

	reserve := origLen
	switch {
	case isCall:
		reserve = maxInt(origLen, 14)
	case isCondJump:
		reserve = maxInt(origLen, 16) // short Jcc(2) + far jmp thunk(14)
	case isBranch:
		reserve = maxInt(origLen, 14)
	default:
		// RIP-relative memory operand on a data instruction: the far
		// fallback below re-encodes the instruction with its own
		// register as the memory base (movabs(10) + the instruction with
		// [SIB+]disp8 in place of its disp32, 2 or 3 bytes shorter than
		// the original, so at most origLen+8 bytes in all).
		reserve = maxInt(origLen+8, 14)
	}

	condByte, isShortJcc := shortJccByte(raw)
	nearCond, isNearJcc := nearJccByte(raw)

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest+uint64(origLen))
		if fitsSigned(newDisp, pcRelWidth) {
			out := make([]byte, origLen)
			copy(out, prefix)
			writeSigned(out[pcRelOff:pcRelOff+pcRelWidth], newDisp, pcRelWidth)
			copy(out[pcRelOff+pcRelWidth:], suffix)
			return out, nil
		}

		switch {
		case isCall:
			return callIndirectRIP0(absTarget), nil
		case isJmp:
			return jmpIndirectRIP0(absTarget), nil
		case isShortJcc:
			return invertedCondFarJump(condByte, absTarget), nil
		case isNearJcc:
			return invertedCondFarJump(nearCond, absTarget), nil
		case isLoopFamily:
			return nil, fmt.Errorf("%w: %s target out of rel8 range", errUnsupported, opName)
		default:
			if out, ok := synthesizeAbsoluteLoad(raw, inst, pcRelOff, pcRelWidth, absTarget); ok {
				return out, nil
			}
			return nil, fmt.Errorf("%w: RIP-relative operand on %s out of ±2GiB reach and no absolute form available", errRangeExceeded, opName)
		}
	}

	class := arch.Relocate
	if terminator {
		class = arch.Terminator
	}
	return class, emit.Relocating{Reserved: reserve, NOP: 0x90, Build: build}, nil
}

// shortJccByte reports whether raw begins with a short (2-byte) Jcc
// opcode (0x70-0x7F) and returns its condition nibble.
func shortJccByte(raw []byte) (byte, bool) {
	if len(raw) >= 1 && raw[0] >= 0x70 && raw[0] <= 0x7F {
		return raw[0] & 0x0F, true
	}
	return 0, false
}

// nearJccByte reports whether raw begins with a near (6-byte) Jcc opcode
// (0x0F 0x80-0x8F) and returns its condition nibble.
func nearJccByte(raw []byte) (byte, bool) {
	if len(raw) >= 2 && raw[0] == 0x0F && raw[1] >= 0x80 && raw[1] <= 0x8F {
		return raw[1] & 0x0F, true
	}
	return 0, false
}

// invertedCondFarJump emits: J!cc SHORT skip ; jmp [rip+0] ; .qword target ; skip:
// reaching target when the original condition was true, falling through
// when it was false — the same inverted-branch-around-a-far-jump trick
// used on AArch64, adapted to x86's short-Jcc-over-far-jmp idiom.
func invertedCondFarJump(cond byte, target uint64) []byte {
	out := make([]byte, 0, 16)
	inverse := cond ^ 0x01
	out = append(out, 0x70|inverse, 14) // J!cc +14 (skips the far jmp block)
	out = append(out, jmpIndirectRIP0(target)...)
	return out
}

// synthesizeAbsoluteLoad rewrites a RIP-relative data instruction whose
// target is out of ±2GiB reach into a movabs that materializes the
// absolute address, followed by the same instruction re-encoded to
// address through that register instead of RIP. Reports ok=false when
// the instruction isn't one of the shapes this handles (its destination
// register is write-only, so clobbering it with the address first and
// then loading through it reproduces the original result exactly) — a
// register-memory ALU form like ADD/CMP, or a byte/word-sized
// destination, falls through to the caller's plain error.
func synthesizeAbsoluteLoad(raw []byte, inst x86asm.Inst, pcRelOff, pcRelWidth int, absTarget uint64) ([]byte, bool) {
	switch inst.Op {
	case x86asm.MOV, x86asm.LEA, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
	default:
		return nil, false
	}
	destReg, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return nil, false
	}
	idx, width, ok := regIndex(destReg)
	if !ok || width < 32 {
		return nil, false
	}

	movabs := encodeMovabs(idx, absTarget)
	if inst.Op == x86asm.LEA {
		return movabs, true
	}

	modrmIdx := pcRelOff - 1
	if modrmIdx < 0 || raw[modrmIdx]&0xC7 != 0x05 {
		return nil, false
	}
	rest, ok := rewriteRIPBaseToReg(raw, modrmIdx, pcRelOff, pcRelWidth, idx)
	if !ok {
		return nil, false
	}
	return append(movabs, rest...), true
}

// regIndex returns an x86asm.Reg's 0-15 register index and its width in
// bits, for the 32- and 64-bit general-purpose registers; ok is false
// for anything narrower or not general-purpose.
func regIndex(r x86asm.Reg) (idx, width int, ok bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 64, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 32, true
	default:
		return 0, 0, false
	}
}

// encodeMovabs encodes `movabs reg64(idx), target` (REX.W + B8+rd + imm64,
// 10 bytes).
func encodeMovabs(idx int, target uint64) []byte {
	rex := byte(0x48)
	if idx >= 8 {
		rex |= 0x01 // REX.B
	}
	out := []byte{rex, 0xB8 + byte(idx&0x7)}
	imm := make([]byte, 8)
	binary.LittleEndian.PutUint64(imm, target)
	return append(out, imm...)
}

// rewriteRIPBaseToReg replaces a mod=00,rm=101 (RIP-relative) ModRM
// encoding with mod=01,rm=idx&7 (register-indirect, disp8=0), inserting
// a SIB byte when idx's low 3 bits select RSP/R12 (which always require
// one) and setting REX.B on the instruction's existing REX prefix when
// idx names an extended register (always present already, since idx
// came from a register the original encoding addressed via REX.R).
func rewriteRIPBaseToReg(raw []byte, modrmIdx, pcRelOff, pcRelWidth, idx int) ([]byte, bool) {
	prefixBeforeModrm := append([]byte(nil), raw[:modrmIdx]...)
	if idx >= 8 {
		patched := false
		for i, b := range prefixBeforeModrm {
			if b&0xF0 == 0x40 {
				prefixBeforeModrm[i] = b | 0x01
				patched = true
				break
			}
		}
		if !patched {
			return nil, false
		}
	}

	modrm := raw[modrmIdx]
	newModrm := (modrm &^ 0xC7) | 0x40 | byte(idx&0x7)

	out := append(prefixBeforeModrm, newModrm)
	if idx&0x7 == 4 {
		out = append(out, 0x24) // SIB: base=rsp/r12, no index
	}
	out = append(out, 0x00) // disp8 = 0
	out = append(out, raw[pcRelOff+pcRelWidth:]...)
	return out, true
}

// jmpIndirectRIP0 encodes `jmp qword ptr [rip+0] ; .qword target` (14 bytes).
func jmpIndirectRIP0(target uint64) []byte {
	out := make([]byte, 14)
	out[0], out[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint32(out[2:6], 0)
	binary.LittleEndian.PutUint64(out[6:14], target)
	return out
}

// callIndirectRIP0 encodes `call qword ptr [rip+0] ; .qword target` (14 bytes).
func callIndirectRIP0(target uint64) []byte {
	out := make([]byte, 14)
	out[0], out[1] = 0xFF, 0x15
	binary.LittleEndian.PutUint32(out[2:6], 0)
	binary.LittleEndian.PutUint64(out[6:14], target)
	return out
}

// TailBranch returns the thunk appended after a prolog that was cut off
// mid-instruction-stream (bytes_consumed reached the margin without a
// natural Terminator): a plain jmp back into the unmodified function body.
func (m *meta) TailBranch(to uint64) emit.Thunkable {
	return emit.Relocating{
		Reserved: 14,
		NOP:      0x90,
		Build: func(dest uint64) ([]byte, error) {
			disp := int64(to) - int64(dest+5)
			if fitsSigned(disp, 4) {
				out := make([]byte, 5)
				out[0] = 0xE9
				binary.LittleEndian.PutUint32(out[1:5], uint32(disp))
				return out, nil
			}
			return jmpIndirectRIP0(to), nil
		},
	}
}

// NeedsRelay mirrors the displacement HookSequence actually computes for
// its rel32 jmp (detour - (target+5)), not a raw target/detour difference —
// a detour 5 bytes shy of the rel32 boundary still needs a relay even
// though the unadjusted difference would fit.
func (m *meta) NeedsRelay(target, detour uint64) bool {
	return !fitsSigned(int64(detour)-int64(target+5), 4)
}

// HookSequence returns the bytes written into the target's prolog: a
// short jmp rel32 when reachable, else a jmp through the relay slot.
func (m *meta) HookSequence(target, detour, relayAddr uint64, useRelay bool) ([]byte, error) {
	if !useRelay {
		disp := int64(detour) - int64(target+5)
		if !fitsSigned(disp, 4) {
			return nil, fmt.Errorf("%w: detour not reachable by rel32 jmp", errRangeExceeded)
		}
		out := make([]byte, 5)
		out[0] = 0xE9
		binary.LittleEndian.PutUint32(out[1:5], uint32(disp))
		return out, nil
	}

	disp := int64(relayAddr) - int64(target+6)
	if !fitsSigned(disp, 4) {
		return nil, fmt.Errorf("%w: relay not reachable by rip-relative jmp", errRangeExceeded)
	}
	out := make([]byte, 6)
	out[0], out[1] = 0xFF, 0x25
	binary.LittleEndian.PutUint32(out[2:6], uint32(disp))
	return out, nil
}

// RelayBytes is the 8-byte absolute detour address the relay-indirect
// hook sequence dereferences.
func (m *meta) RelayBytes(detour uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, detour)
	return b
}

const maxSkipJmps = 3

// SkipJmps follows up to maxSkipJmps chained `jmp [rip+disp]` (import/PLT
// stub) indirections, returning the final address, or target unchanged if
// it isn't such a stub.
func (m *meta) SkipJmps(read arch.Reader, target uint64) uint64 {
	addr := target
	for i := 0; i < maxSkipJmps; i++ {
		buf, err := read(addr, 6)
		if err != nil {
			return addr
		}
		if buf[0] != 0xFF || buf[1] != 0x25 {
			return addr
		}
		disp := int64(int32(binary.LittleEndian.Uint32(buf[2:6])))
		ptrAddr := uint64(int64(addr) + 6 + disp)
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

func readSigned(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return 0
	}
}

func writeSigned(b []byte, v int64, width int) {
	switch width {
	case 1:
		b[0] = byte(int8(v))
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	}
}

func fitsSigned(v int64, width int) bool {
	switch width {
	case 1:
		return v >= -128 && v <= 127
	case 2:
		return v >= -32768 && v <= 32767
	case 4:
		return v >= -(1<<31) && v <= (1<<31)-1
	default:
		return false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
