package archarm64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/xyproto/detour/internal/arch"
	"github.com/xyproto/detour/internal/emit"
)

const nopWord = 0xD503201F

// classify decodes one 32-bit instruction word with arm64asm.Decode and
// returns its classification plus a thunk that reproduces its semantics
// from any destination address. Only instruction forms with a
// PC-relative operand need special handling (Relocate); every other
// decoded form, and anything arm64asm fails to decode (data words,
// reserved encodings), is copied verbatim — its semantics don't depend
// on the address it executes from.
func classify(raw []byte, addr uint64) (arch.Classification, emit.Thunkable, error) {
	word := binary.LittleEndian.Uint32(raw)
	if word == nopWord {
		return arch.Copy, staticWord(word), nil
	}

	inst, err := arm64asm.Decode(raw)
	if err != nil {
		return arch.Copy, staticWord(word), nil
	}

	switch inst.Op {
	case arm64asm.RET, arm64asm.BR:
		return arch.Terminator, staticWord(word), nil
	case arm64asm.BLR:
		return arch.Copy, staticWord(word), nil

	case arm64asm.B:
		if cond, ok := inst.Args[0].(arm64asm.Cond); ok {
			pcrel := inst.Args[1].(arm64asm.PCRel)
			return classifyBcond(addr, cond.Value, int64(pcrel))
		}
		pcrel := inst.Args[0].(arm64asm.PCRel)
		return classifyBranchImm26(addr, int64(pcrel), false)
	case arm64asm.BL:
		pcrel := inst.Args[0].(arm64asm.PCRel)
		return classifyBranchImm26(addr, int64(pcrel), true)

	case arm64asm.CBZ, arm64asm.CBNZ:
		rt, is64 := regNum(inst.Args[0].(arm64asm.Reg))
		pcrel := inst.Args[1].(arm64asm.PCRel)
		return classifyCBZ(addr, int64(pcrel), rt, is64, inst.Op == arm64asm.CBNZ)

	case arm64asm.TBZ, arm64asm.TBNZ:
		rt, _ := regNum(inst.Args[0].(arm64asm.Reg))
		bitpos := inst.Args[1].(arm64asm.Imm).Imm
		pcrel := inst.Args[2].(arm64asm.PCRel)
		return classifyTBZ(addr, int64(pcrel), rt, bitpos, inst.Op == arm64asm.TBNZ)

	case arm64asm.ADR:
		rd, _ := regNum(inst.Args[0].(arm64asm.Reg))
		pcrel := inst.Args[1].(arm64asm.PCRel)
		return classifyADR(addr, int64(pcrel), rd)
	case arm64asm.ADRP:
		rd, _ := regNum(inst.Args[0].(arm64asm.Reg))
		pcrel := inst.Args[1].(arm64asm.PCRel)
		return classifyADRP(addr, int64(pcrel), rd)

	case arm64asm.LDR:
		if pcrel, ok := inst.Args[1].(arm64asm.PCRel); ok {
			reg := inst.Args[0].(arm64asm.Reg)
			if !isGPReg(reg) {
				return classifyLDRLiteralUnsupported(word, addr, int64(pcrel), "SIMD/FP literal load")
			}
			rt, is64 := regNum(reg)
			return classifyLDRLiteralGP(word, addr, int64(pcrel), rt, is64, false)
		}
		return arch.Copy, staticWord(word), nil
	case arm64asm.LDRSW:
		if pcrel, ok := inst.Args[1].(arm64asm.PCRel); ok {
			rt, _ := regNum(inst.Args[0].(arm64asm.Reg))
			return classifyLDRLiteralGP(word, addr, int64(pcrel), rt, true, true)
		}
		return arch.Copy, staticWord(word), nil
	case arm64asm.PRFM:
		if pcrel, ok := inst.Args[1].(arm64asm.PCRel); ok {
			return classifyLDRLiteralUnsupported(word, addr, int64(pcrel), "PRFM literal")
		}
		return arch.Copy, staticWord(word), nil

	default:
		return arch.Copy, staticWord(word), nil
	}
}

// regNum returns an arm64asm.Reg's raw 5-bit encoding and whether it was
// decoded from a 64-bit (X) form. Only ever called on Reg values already
// known (by the Op that produced them) to be general-purpose W/X
// registers, never SIMD/FP.
func regNum(r arm64asm.Reg) (num uint32, is64 bool) {
	if r >= arm64asm.X0 && r <= arm64asm.XZR {
		return uint32(r - arm64asm.X0), true
	}
	return uint32(r - arm64asm.W0), false
}

func isGPReg(r arm64asm.Reg) bool { return r <= arm64asm.XZR }

func staticWord(word uint32) emit.Static {
	return emit.Static{Bytes: word32(word)}
}

func word32(w uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, w)
	return b
}

// --- register-indirect branches (position independent, no relocation) ---

func encodeBR(rn uint32) []byte  { return word32(0xD61F0000 | (rn&0x1F)<<5) }
func encodeBLR(rn uint32) []byte { return word32(0xD63F0000 | (rn&0x1F)<<5) }

// --- unconditional immediate branches: B, BL ---

func encodeB(byteDisp int64) ([]byte, bool) {
	return encodeImm26(0x14000000, byteDisp)
}
func encodeBL(byteDisp int64) ([]byte, bool) {
	return encodeImm26(0x94000000, byteDisp)
}
func encodeImm26(base uint32, byteDisp int64) ([]byte, bool) {
	if byteDisp%4 != 0 || !fitsSigned(byteDisp/4, 26) {
		return nil, false
	}
	imm26 := uint32(byteDisp/4) & 0x03FFFFFF
	return word32(base | imm26), true
}

func classifyBranchImm26(addr uint64, origDisp int64, link bool) (arch.Classification, emit.Thunkable, error) {
	absTarget := uint64(int64(addr) + origDisp)

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest)
		var out []byte
		var ok bool
		if link {
			out, ok = encodeBL(newDisp)
		} else {
			out, ok = encodeB(newDisp)
		}
		if ok {
			return padNOP(out, 20), nil
		}
		return materializeAndBranch(absTarget, link), nil
	}

	class := arch.Relocate
	if !link {
		class = arch.Terminator
	}
	return class, emit.Relocating{Reserved: 20, NOP: 0x1F, Build: build}, nil
}

// --- conditional / compare-and-branch / test-and-branch families ---

func encodeBcond(cond uint32, byteDisp int64) ([]byte, bool) {
	if byteDisp%4 != 0 || !fitsSigned(byteDisp/4, 19) {
		return nil, false
	}
	imm19 := uint32(byteDisp/4) & 0x7FFFF
	return word32(0x54000000 | imm19<<5 | (cond & 0xF)), true
}

func classifyBcond(addr uint64, cond uint8, origDisp int64) (arch.Classification, emit.Thunkable, error) {
	absTarget := uint64(int64(addr) + origDisp)
	condBits := uint32(cond)

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest)
		if out, ok := encodeBcond(condBits, newDisp); ok {
			return padNOP(out, 24), nil
		}
		inv := condBits ^ 1
		skip, _ := encodeBcond(inv, 24)
		out := append(skip, materializeAndBranch(absTarget, false)...)
		return out, nil
	}
	return arch.Relocate, emit.Relocating{Reserved: 24, NOP: 0x1F, Build: build}, nil
}

func classifyCBZ(addr uint64, origDisp int64, rt uint32, is64, nonzero bool) (arch.Classification, emit.Thunkable, error) {
	absTarget := uint64(int64(addr) + origDisp)
	var sf uint32
	if is64 {
		sf = 0x80000000
	}

	encode := func(invert bool, byteDisp int64) ([]byte, bool) {
		if byteDisp%4 != 0 || !fitsSigned(byteDisp/4, 19) {
			return nil, false
		}
		pattern := uint32(0x34000000)
		if nonzero != invert { // invert flips which form we emit
			pattern = 0x35000000
		}
		imm19 := uint32(byteDisp/4) & 0x7FFFF
		return word32(sf | pattern | imm19<<5 | rt), true
	}

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest)
		if out, ok := encode(false, newDisp); ok {
			return padNOP(out, 24), nil
		}
		skip, _ := encode(true, 24)
		out := append(skip, materializeAndBranch(absTarget, false)...)
		return out, nil
	}
	return arch.Relocate, emit.Relocating{Reserved: 24, NOP: 0x1F, Build: build}, nil
}

func classifyTBZ(addr uint64, origDisp int64, rt, bitpos uint32, nonzero bool) (arch.Classification, emit.Thunkable, error) {
	absTarget := uint64(int64(addr) + origDisp)
	b5 := (bitpos & 0x20) << 26   // bit 5 of bitpos -> word bit 31
	b40 := (bitpos & 0x1F) << 19  // bits 4:0 of bitpos -> word bits 23:19

	encode := func(invert bool, byteDisp int64) ([]byte, bool) {
		if byteDisp%4 != 0 || !fitsSigned(byteDisp/4, 14) {
			return nil, false
		}
		pattern := uint32(0x36000000)
		if nonzero != invert {
			pattern = 0x37000000
		}
		imm14 := uint32(byteDisp/4) & 0x3FFF
		return word32(b5 | pattern | b40 | imm14<<5 | rt), true
	}

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest)
		if out, ok := encode(false, newDisp); ok {
			return padNOP(out, 24), nil
		}
		skip, _ := encode(true, 24)
		out := append(skip, materializeAndBranch(absTarget, false)...)
		return out, nil
	}
	return arch.Relocate, emit.Relocating{Reserved: 24, NOP: 0x1F, Build: build}, nil
}

// --- ADR / ADRP ---

func encodeADR(rd uint32, byteDisp int64) ([]byte, bool) {
	if !fitsSigned(byteDisp, 21) {
		return nil, false
	}
	return word32(0x10000000 | adrImmBits(byteDisp) | (rd & 0x1F)), true
}

func encodeADRP(rd uint32, byteDisp int64) ([]byte, bool) {
	if byteDisp%4096 != 0 || !fitsSigned(byteDisp/4096, 21) {
		return nil, false
	}
	return word32(0x90000000 | adrImmBits(byteDisp/4096) | (rd & 0x1F)), true
}

// encodeADD encodes the 64-bit ADD (immediate, no shift) form `ADD Xd,
// Xn, #imm12` used to add a page-relative low-12 offset onto an ADRP
// result.
func encodeADD(rd, rn, imm12 uint32) []byte {
	return word32(0x91000000 | (imm12&0xFFF)<<10 | (rn&0x1F)<<5 | (rd & 0x1F))
}

func adrImmBits(imm21 int64) uint32 {
	u := uint32(imm21) & 0x1FFFFF
	immlo := u & 0x3
	immhi := u >> 2
	return immlo<<29 | immhi<<5
}

// classifyADR relocates ADR Rd, label in three tiers, shortest first: a
// direct ADR when the new displacement still fits its 21-bit signed field
// (4 bytes); else ADRP Rd, page-disp ; ADD Rd, Rd, lo12 when the target's
// page is within ADRP's reach (8 bytes); else materialize the absolute
// 64-bit value into Rd via MOVZ+3×MOVK (16 bytes).
func classifyADR(addr uint64, disp int64, rd uint32) (arch.Classification, emit.Thunkable, error) {
	absTarget := uint64(int64(addr) + disp)

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest)
		if out, ok := encodeADR(rd, newDisp); ok {
			return padNOP(out, 16), nil
		}
		pageDisp := int64(pageOf(absTarget)) - int64(pageOf(dest))
		if adrp, ok := encodeADRP(rd, pageDisp); ok {
			add := encodeADD(rd, rd, uint32(absTarget&0xFFF))
			return padNOP(append(adrp, add...), 16), nil
		}
		return materializeOnly(rd, absTarget), nil
	}
	return arch.Relocate, emit.Relocating{Reserved: 16, NOP: 0x1F, Build: build}, nil
}

func classifyADRP(addr uint64, disp int64, rd uint32) (arch.Classification, emit.Thunkable, error) {
	absPage := uint64(int64(pageOf(addr)) + disp)

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absPage) - int64(pageOf(dest))
		if out, ok := encodeADRP(rd, newDisp); ok {
			return padNOP(out, 16), nil
		}
		return materializeOnly(rd, absPage), nil
	}
	return arch.Relocate, emit.Relocating{Reserved: 16, NOP: 0x1F, Build: build}, nil
}

// --- LDR (literal) ---

// classifyLDRLiteralGP handles the general-purpose integer literal loads
// (LDR Wt/Xt, [pc, #imm] and LDRSW Xt, [pc, #imm]), which have an
// absolute-load fallback when the relocated displacement no longer fits
// the native ±1MiB imm19 field: the address is materialized into Rt itself
// (which the load overwrites anyway) and then loaded through [Rt].
func classifyLDRLiteralGP(word uint32, addr uint64, origDisp int64, rt uint32, is64, signed bool) (arch.Classification, emit.Thunkable, error) {
	absTarget := uint64(int64(addr) + origDisp)

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest)
		if newDisp%4 == 0 && fitsSigned(newDisp/4, 19) {
			imm := uint32(newDisp/4) & 0x7FFFF
			out := (word &^ (0x7FFFF << 5)) | imm<<5
			return padNOP(word32(out), 20), nil
		}
		out := materializeOnly(rt, absTarget)
		switch {
		case signed:
			out = append(out, encodeLDRSWImm(rt, rt, 0)...)
		case is64:
			out = append(out, encodeLDRImmUnsigned64(rt, rt, 0)...)
		default:
			out = append(out, encodeLDRImmUnsigned32(rt, rt, 0)...)
		}
		return out, nil
	}
	return arch.Relocate, emit.Relocating{Reserved: 20, NOP: 0x1F, Build: build}, nil
}

// classifyLDRLiteralUnsupported handles literal loads with no
// general-purpose-register fallback (SIMD/FP LDR, PRFM): relocatable
// only while still in native range, otherwise an error — there is no
// scratch register to materialize an address into for these forms.
func classifyLDRLiteralUnsupported(word uint32, addr uint64, origDisp int64, what string) (arch.Classification, emit.Thunkable, error) {
	absTarget := uint64(int64(addr) + origDisp)

	build := func(dest uint64) ([]byte, error) {
		newDisp := int64(absTarget) - int64(dest)
		if newDisp%4 == 0 && fitsSigned(newDisp/4, 19) {
			imm := uint32(newDisp/4) & 0x7FFFF
			out := (word &^ (0x7FFFF << 5)) | imm<<5
			return padNOP(word32(out), 20), nil
		}
		return nil, fmt.Errorf("%w: %s out of ±1MiB range", errUnsupported, what)
	}
	return arch.Relocate, emit.Relocating{Reserved: 20, NOP: 0x1F, Build: build}, nil
}

func encodeLDRImmUnsigned32(rt, rn, imm12 uint32) []byte {
	return word32(0xB9400000 | (imm12&0xFFF)<<10 | (rn&0x1F)<<5 | (rt & 0x1F))
}
func encodeLDRImmUnsigned64(rt, rn, imm12 uint32) []byte {
	return word32(0xF9400000 | (imm12&0xFFF)<<10 | (rn&0x1F)<<5 | (rt & 0x1F))
}
func encodeLDRSWImm(rt, rn, imm12 uint32) []byte {
	return word32(0xB9800000 | (imm12&0xFFF)<<10 | (rn&0x1F)<<5 | (rt & 0x1F))
}

func isADRP(word uint32) bool { return word&0x9F000000 == 0x90000000 }

// isCBZ / isCBNZ recognize a relocated CBZ/CBNZ word regardless of its sf,
// Rt, or imm19 fields (the only bits that distinguish the two forms are
// bits 30:24).
func isCBZ(word uint32) bool  { return word&0x7F000000 == 0x34000000 }
func isCBNZ(word uint32) bool { return word&0x7F000000 == 0x35000000 }

func isLDRImmUnsigned64(word uint32) bool {
	return word&0xFFC00000 == 0xF9400000
}
// decodeADRImm extracts ADR's signed 21-bit byte displacement (immhi:immlo).
func decodeADRImm(word uint32) int64 {
	immlo := int64((word >> 29) & 0x3)
	immhi := int64((word >> 5) & 0x7FFFF)
	imm21 := (immhi << 2) | immlo
	if imm21&(1<<20) != 0 {
		imm21 |= ^int64((1 << 21) - 1)
	}
	return imm21
}

func decodeADRPImm(word uint32) int64 {
	immlo := int64((word >> 29) & 0x3)
	immhi := int64((word >> 5) & 0x7FFFF)
	imm21 := (immhi << 2) | immlo
	if imm21&(1<<20) != 0 {
		imm21 |= ^int64((1 << 21) - 1)
	}
	return imm21 << 12
}
func decodeLDRImmUnsigned64Offset(word uint32) uint64 {
	imm12 := uint64((word >> 10) & 0xFFF)
	return imm12 * 8
}

// --- scratch-register address materialization (far fallback, X17) ---

func encodeMOVZ(rd uint32, imm16 uint16, hw uint32) []byte {
	return word32(1<<31 | 0x2<<29 | 0x25<<23 | (hw&0x3)<<21 | uint32(imm16)<<5 | (rd & 0x1F))
}
func encodeMOVK(rd uint32, imm16 uint16, hw uint32) []byte {
	return word32(1<<31 | 0x3<<29 | 0x25<<23 | (hw&0x3)<<21 | uint32(imm16)<<5 | (rd & 0x1F))
}

// materializeOnly loads the absolute value target into register rd via
// MOVZ+3×MOVK (16 bytes), without a following branch — used by ADR/ADRP/
// LDR-literal far fallbacks that need an address value, not a jump.
func materializeOnly(rd uint32, target uint64) []byte {
	out := encodeMOVZ(rd, uint16(target), 0)
	out = append(out, encodeMOVK(rd, uint16(target>>16), 1)...)
	out = append(out, encodeMOVK(rd, uint16(target>>32), 2)...)
	out = append(out, encodeMOVK(rd, uint16(target>>48), 3)...)
	return out
}

// materializeAndBranch loads target into X17 and branches to it (BLR if
// link, else BR) — the universal far-branch fallback (20 bytes), reached
// whenever the native branch displacement doesn't fit.
func materializeAndBranch(target uint64, link bool) []byte {
	out := materializeOnly(17, target)
	if link {
		out = append(out, encodeBLR(17)...)
	} else {
		out = append(out, encodeBR(17)...)
	}
	return out
}
