package patch

import (
	"bytes"
	"testing"

	"github.com/xyproto/detour/internal/arch"
	"github.com/xyproto/detour/internal/emit"
	"github.com/xyproto/detour/internal/mem"
)

// fakeMeta is a minimal arch.Meta stand-in exercising only what the
// patcher needs: HookSequence and NOPFill.
type fakeMeta struct {
	hookSeq []byte
	hookErr error
	nopByte byte
}

func (f *fakeMeta) ID() arch.ID                     { return arch.Unknown }
func (f *fakeMeta) DetourRange() uint64             { return 1 << 31 }
func (f *fakeMeta) RelayRange() uint64              { return 1 << 31 }
func (f *fakeMeta) Alignment() int                  { return 1 }
func (f *fakeMeta) MaxInsnLen() int                 { return 4 }
func (f *fakeMeta) PrologMargin(uint64) int         { return 5 }
func (f *fakeMeta) CanonicalNOP() byte              { return f.nopByte }
func (f *fakeMeta) ClearInstructionCache([]byte)    {}
func (f *fakeMeta) RelayBytes(uint64) []byte        { return nil }
func (f *fakeMeta) NeedsRelay(uint64, uint64) bool  { return false }
func (f *fakeMeta) SkipJmps(arch.Reader, uint64) uint64 { return 0 }
func (f *fakeMeta) Decode(arch.Reader, uint64, int) ([]arch.Insn, error) {
	return nil, nil
}
func (f *fakeMeta) TailBranch(uint64) emit.Thunkable { return nil }

func (f *fakeMeta) NOPFill(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = f.nopByte
	}
	return b
}

func (f *fakeMeta) HookSequence(target, detour, relay uint64, useRelay bool) ([]byte, error) {
	return f.hookSeq, f.hookErr
}

func freshTarget(t *testing.T, original []byte) *mem.Region {
	t.Helper()
	r, err := mem.ReserveExecutable(0, len(original))
	if err != nil {
		t.Fatalf("ReserveExecutable: %v", err)
	}
	t.Cleanup(func() { _ = mem.Release(r) })
	if err := mem.Modify(r, func() error {
		copy(r.Bytes, original)
		return nil
	}); err != nil {
		t.Fatalf("seed Modify: %v", err)
	}
	return r
}

func readLive(r *mem.Region) []byte {
	return append([]byte(nil), r.Bytes...)
}

func TestEnableInstallsHookPaddedWithNOPFill(t *testing.T) {
	original := []byte{0x55, 0x48, 0x89, 0xE5, 0xC3}
	r := freshTarget(t, original)

	m := &fakeMeta{hookSeq: []byte{0xE9, 0x00, 0x00}, nopByte: 0x90}
	p, err := New(m, func(addr uint64, n int) ([]byte, error) {
		return original[:n], nil
	}, r.Addr, len(original), 0x1000, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	want := []byte{0xE9, 0x00, 0x00, 0x90, 0x90}
	if got := readLive(r); !bytes.Equal(got, want) {
		t.Errorf("live bytes after Enable = % x, want % x", got, want)
	}
	if !p.Enabled() {
		t.Error("Enabled() should report true after Enable")
	}
}

func TestDisableRestoresOriginalBytes(t *testing.T) {
	original := []byte{0x90, 0x90, 0x90, 0x90, 0xC3}
	r := freshTarget(t, original)

	m := &fakeMeta{hookSeq: []byte{0xEB, 0xFE}, nopByte: 0x90}
	p, err := New(m, func(addr uint64, n int) ([]byte, error) {
		return original[:n], nil
	}, r.Addr, len(original), 0x2000, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := p.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got := readLive(r); !bytes.Equal(got, original) {
		t.Errorf("live bytes after Disable = % x, want original % x", got, original)
	}
	if p.Enabled() {
		t.Error("Enabled() should report false after Disable")
	}
}

func TestEnableIsIdempotent(t *testing.T) {
	original := []byte{0x90, 0x90, 0x90}
	r := freshTarget(t, original)

	calls := 0
	m := &fakeMeta{hookSeq: []byte{0xEB, 0xFE}, nopByte: 0x90}
	p, err := New(m, func(addr uint64, n int) ([]byte, error) {
		calls++
		return original[:n], nil
	}, r.Addr, len(original), 0x3000, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Enable(); err != nil {
		t.Fatalf("first Enable: %v", err)
	}
	first := readLive(r)
	if err := p.Enable(); err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if second := readLive(r); !bytes.Equal(first, second) {
		t.Errorf("second Enable mutated live bytes: %x -> %x", first, second)
	}
}

func TestNewRejectsHookSequenceWiderThanPrologLen(t *testing.T) {
	original := []byte{0x90, 0x90}
	m := &fakeMeta{hookSeq: []byte{1, 2, 3, 4, 5}, nopByte: 0x90}
	_, err := New(m, func(addr uint64, n int) ([]byte, error) {
		return original[:n], nil
	}, 0x1000, len(original), 0x2000, 0, false)
	if err == nil {
		t.Fatal("expected an error when the hook sequence exceeds prologLen")
	}
}
