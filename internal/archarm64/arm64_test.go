package archarm64

import (
	"encoding/binary"
	"testing"
)

func reader(words ...uint32) func(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, 0, len(words)*4+4)
	for _, w := range words {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, w)
		buf = append(buf, b...)
	}
	return func(addr uint64, n int) ([]byte, error) {
		out := make([]byte, n)
		copy(out, buf)
		return out, nil
	}
}

func TestDecodeStopsAtRET(t *testing.T) {
	m := &meta{}
	// sub sp,sp,#16 (not modeled precisely, use NOP) ; ret
	insns, err := m.Decode(reader(nopWord, 0xD65F03C0), 0x1000, 12)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insns) != 2 {
		t.Fatalf("got %d instructions, want 2", len(insns))
	}
	if insns[1].Class.String() != "terminator" {
		t.Errorf("class = %s, want terminator", insns[1].Class)
	}
}

func TestDecodeStopsAtUnconditionalB(t *testing.T) {
	m := &meta{}
	b, _ := encodeB(0x40)
	insns, err := m.Decode(reader(binary.LittleEndian.Uint32(b)), 0x2000, 4)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insns) != 1 || insns[0].Class.String() != "terminator" {
		t.Fatalf("expected single terminator instruction, got %+v", insns)
	}
}

func TestADRRelocatesWithinRange(t *testing.T) {
	adr, ok := encodeADR(0, 0x100) // X0 = pc + 0x100
	if !ok {
		t.Fatal("encodeADR should fit 21-bit range")
	}
	word := binary.LittleEndian.Uint32(adr)
	class, thunk, err := classify(word32(word), 0x1000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if class.String() != "relocate" {
		t.Fatalf("class = %s, want relocate", class)
	}

	out, err := thunk.Finalize(0x9000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(out) != thunk.Length() {
		t.Fatalf("len(out)=%d, want Length()=%d", len(out), thunk.Length())
	}
	newWord := binary.LittleEndian.Uint32(out[:4])
	disp := decodeADRImm(newWord)
	if uint64(int64(0x9000)+disp) != 0x1100 {
		t.Errorf("relocated ADR target = %#x, want 0x1100", uint64(int64(0x9000)+disp))
	}
}

func TestADRFallsBackToMaterializeWhenOutOfRange(t *testing.T) {
	adr, _ := encodeADR(0, 0x100)
	word := binary.LittleEndian.Uint32(adr)
	_, thunk, err := classify(word32(word), 0x1000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	far := uint64(1) << 40
	out, err := thunk.Finalize(far)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("len(out) = %d, want 16 (materialize-only fallback)", len(out))
	}
}

// TestADRThreeTierFallback locks in all three relocation tiers for ADR: a
// direct ADR while the new displacement still fits its 21-bit field,
// ADRP+ADD once that's exceeded but the target's page is still in ADRP's
// reach, and a full MOVZ/MOVK materialize beyond that. The tier-1/tier-2
// boundary is exactly Δ = 2^20−1 vs Δ = 2^20.
func TestADRThreeTierFallback(t *testing.T) {
	const addr = uint64(0x100000) // page-aligned

	_, thunk, err := classifyADR(addr, 0, 0) // ADR X0, addr itself
	if err != nil {
		t.Fatalf("classifyADR: %v", err)
	}

	// Tier 1: Δ = 2^20-1, fits the direct ADR encoding.
	near := addr - (1<<20 - 1)
	out, err := thunk.Finalize(near)
	if err != nil {
		t.Fatalf("Finalize(near): %v", err)
	}
	if w := binary.LittleEndian.Uint32(out[:4]); w&0x9F000000 != 0x10000000 {
		t.Errorf("tier1: expected a direct ADR word, got %#x", w)
	}

	// Tier 2: Δ = 2^20, one past ADR's 21-bit field, but the target page
	// is still within ADRP's reach: ADRP Rd,page ; ADD Rd,Rd,lo12.
	mid := addr - (1 << 20)
	out, err = thunk.Finalize(mid)
	if err != nil {
		t.Fatalf("Finalize(mid): %v", err)
	}
	w0 := binary.LittleEndian.Uint32(out[:4])
	w1 := binary.LittleEndian.Uint32(out[4:8])
	if !isADRP(w0) {
		t.Fatalf("tier2: expected a leading ADRP word, got %#x", w0)
	}
	if w1&0xFFC00000 != 0x91000000 {
		t.Fatalf("tier2: expected a following ADD(immediate) word, got %#x", w1)
	}

	// Tier 3: far enough that even ADRP's page-relative reach is
	// exceeded: MOVZ+3xMOVK materialize, 16 bytes, no ADR/ADRP/ADD word.
	out, err = thunk.Finalize(uint64(1) << 40)
	if err != nil {
		t.Fatalf("Finalize(far): %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("tier3: len(out) = %d, want 16 (materialize fallback)", len(out))
	}
	if w := binary.LittleEndian.Uint32(out[:4]); isADRP(w) || w&0x9F000000 == 0x10000000 {
		t.Errorf("tier3: expected a MOVZ word, not ADR/ADRP, got %#x", w)
	}
}

func TestCBZPreservesBranchDestinationAndRegister(t *testing.T) {
	// cbz w3, +0x40
	word := uint32(0x34000000) | (uint32(0x40/4)&0x7FFFF)<<5 | 3
	class, thunk, err := classify(word32(word), 0x4000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if class.String() != "relocate" {
		t.Fatalf("class = %s, want relocate", class)
	}
	out, err := thunk.Finalize(0x4000) // same destination: displacement unchanged
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	newWord := binary.LittleEndian.Uint32(out[:4])
	if !isCBZ(newWord) {
		t.Fatalf("expected relocated form to remain CBZ, word=%#x", newWord)
	}
	if rt := newWord & 0x1F; rt != 3 {
		t.Errorf("Rt = %d, want 3 (register must be preserved)", rt)
	}
}

func TestCBZFarFallbackInvertsConditionAroundMaterializedBranch(t *testing.T) {
	word := uint32(0x34000000) | (uint32(0x40/4)&0x7FFFF)<<5 | 5 // cbz w5, +0x40
	_, thunk, err := classify(word32(word), 0x4000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	far := uint64(1) << 40
	out, err := thunk.Finalize(far)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(out) != 24 {
		t.Fatalf("len(out) = %d, want 24 (inverted cbnz + materialize-and-branch)", len(out))
	}
	first := binary.LittleEndian.Uint32(out[:4])
	if !isCBNZ(first) {
		t.Errorf("expected inverted CBNZ as the guard, word=%#x", first)
	}
	if rt := first & 0x1F; rt != 5 {
		t.Errorf("guard Rt = %d, want 5", rt)
	}
}

func TestADRPPageRelativeRecompute(t *testing.T) {
	adrp, ok := encodeADRP(17, 0x3000) // page disp must be a multiple of 4096; replaced below
	_ = ok
	_ = adrp
	adrp, ok = encodeADRP(17, 0x1000)
	if !ok {
		t.Fatal("encodeADRP should accept a 4096-aligned page displacement")
	}
	word := binary.LittleEndian.Uint32(adrp)
	class, thunk, err := classify(word32(word), 0x2000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if class.String() != "relocate" {
		t.Fatalf("class = %s, want relocate", class)
	}
	out, err := thunk.Finalize(0x2000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	newWord := binary.LittleEndian.Uint32(out[:4])
	if !isADRP(newWord) {
		t.Fatalf("expected relocated form to remain ADRP, word=%#x", newWord)
	}
}

func TestLDRLiteralRejectsFarSIMDForm(t *testing.T) {
	// LDR literal, V=1 (SIMD/FP), opc=01 (64-bit), Rt=0, imm19=0
	word := uint32(0x18000000) | (1 << 26) | (1 << 30)
	_, thunk, err := classify(word32(word), 0x1000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	far := uint64(1) << 40
	if _, err := thunk.Finalize(far); err == nil {
		t.Fatal("expected an error for a far SIMD literal load (no scratch-GPR fallback)")
	}
}

func TestLDRLiteralFarFallbackGP64(t *testing.T) {
	// LDR X3, literal (opc=01, V=0), imm19=0
	word := uint32(0x18000000) | (1 << 30) | 3
	_, thunk, err := classify(word32(word), 0x1000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	far := uint64(1) << 40
	out, err := thunk.Finalize(far)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(out) != 20 {
		t.Fatalf("len(out) = %d, want 20 (16-byte materialize + 4-byte LDR)", len(out))
	}
	last := binary.LittleEndian.Uint32(out[16:20])
	if !isLDRImmUnsigned64(last) {
		t.Errorf("expected trailing LDR Xt,[Xt] word, got %#x", last)
	}
}

func TestRegisterIndirectBranchesAreCopyNotRelocate(t *testing.T) {
	blr := uint32(0xD63F0000) | (8 << 5) // blr x8
	class, thunk, err := classify(word32(blr), 0x1000)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if class.String() != "copy" {
		t.Fatalf("class = %s, want copy", class)
	}
	out, err := thunk.Finalize(0xDEAD)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if binary.LittleEndian.Uint32(out) != blr {
		t.Error("BLR bytes must be copied verbatim regardless of destination")
	}
}

func TestPrologMarginWidensForRelay(t *testing.T) {
	m := &meta{}
	if got := m.PrologMargin(0x1000); got != 4 {
		t.Errorf("near margin = %d, want 4", got)
	}
	if got := m.PrologMargin(uint64(1) << 40); got != 12 {
		t.Errorf("far margin = %d, want 12", got)
	}
}

func TestNeedsRelayBeyond128MiB(t *testing.T) {
	m := &meta{}
	if m.NeedsRelay(0x1000, 0x2000) {
		t.Error("nearby detour should not need a relay")
	}
	if !m.NeedsRelay(0, 1<<30) {
		t.Error("detour 1GiB away should need a relay")
	}
}
