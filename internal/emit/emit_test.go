package emit

import (
	"bytes"
	"errors"
	"testing"
)

var errRangeExceeded = errors.New("range exceeded")

func TestStaticThunkIgnoresDestination(t *testing.T) {
	s := Static{Bytes: []byte{0x90, 0x90, 0xc3}}

	for _, dest := range []uint64{0, 0x1000, 0xffffffff00000000} {
		got, err := s.Finalize(dest)
		if err != nil {
			t.Fatalf("Finalize(%#x): %v", dest, err)
		}
		if !bytes.Equal(got, s.Bytes) {
			t.Errorf("Finalize(%#x) = %x, want %x", dest, got, s.Bytes)
		}
		if len(got) != s.Length() {
			t.Errorf("Finalize(%#x) length %d != Length() %d", dest, len(got), s.Length())
		}
	}
}

func TestRelocatingThunkPadsWithCanonicalNOP(t *testing.T) {
	r := Relocating{
		Reserved: 8,
		NOP:      0x90,
		Build: func(dest uint64) ([]byte, error) {
			return []byte{byte(dest)}, nil
		},
	}

	got, err := r.Finalize(0x41)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(got) != r.Reserved {
		t.Fatalf("len(got) = %d, want %d", len(got), r.Reserved)
	}
	if got[0] != 0x41 {
		t.Errorf("got[0] = %#x, want 0x41", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i] != 0x90 {
			t.Errorf("got[%d] = %#x, want padding 0x90", i, got[i])
		}
	}
}

func TestRelocatingThunkRejectsOversizedBuild(t *testing.T) {
	r := Relocating{
		Reserved: 2,
		NOP:      0x90,
		Build: func(uint64) ([]byte, error) {
			return []byte{1, 2, 3}, nil
		},
	}
	if _, err := r.Finalize(0); err == nil {
		t.Fatal("expected an error when Build exceeds Reserved")
	}
}

// Every Thunkable must produce the same length regardless of destination.
func TestLengthInvariantAcrossDestinations(t *testing.T) {
	thunks := []Thunkable{
		Static{Bytes: []byte{1, 2, 3, 4}},
		Relocating{Reserved: 16, NOP: 0xd5, Build: func(dest uint64) ([]byte, error) {
			if dest%2 == 0 {
				return []byte{0, 0, 0, 0}, nil
			}
			return []byte{0, 0, 0, 0, 0, 0, 0, 0}, nil
		}},
	}

	for _, th := range thunks {
		want := th.Length()
		for _, d := range []uint64{0, 1, 2, 0x1000, 0x1001} {
			got, err := th.Finalize(d)
			if err != nil {
				t.Fatalf("Finalize(%d): %v", d, err)
			}
			if len(got) != want {
				t.Errorf("Finalize(%d) length = %d, want %d (Length())", d, len(got), want)
			}
		}
	}
}

func TestCodeEmitterConcatenatesAndTracksOffsets(t *testing.T) {
	var e CodeEmitter
	e.Append(Static{Bytes: []byte{0xAA, 0xBB}})
	e.Append(Relocating{
		Reserved: 4,
		NOP:      0x90,
		Build: func(dest uint64) ([]byte, error) {
			// Encode the destination's low byte so the test can verify
			// this thunk saw base+2, not base.
			return []byte{byte(dest)}, nil
		},
	})
	e.Append(Static{Bytes: []byte{0xCC}})

	if got, want := e.Len(), 7; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}

	out, err := e.Emit(0x1000)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(out) != 7 {
		t.Fatalf("len(out) = %d, want 7", len(out))
	}
	if out[0] != 0xAA || out[1] != 0xBB {
		t.Errorf("leading static bytes wrong: %x", out[:2])
	}
	// The relocating thunk starts at 0x1000+2 = 0x1002.
	if out[2] != 0x02 {
		t.Errorf("relocating thunk saw wrong destination: got low byte %#x, want 0x02", out[2])
	}
	if out[6] != 0xCC {
		t.Errorf("trailing static byte wrong: %#x", out[6])
	}
}

func TestCodeEmitterPropagatesThunkError(t *testing.T) {
	var e CodeEmitter
	e.Append(Relocating{
		Reserved: 4,
		NOP:      0x90,
		Build: func(uint64) ([]byte, error) {
			return nil, errRangeExceeded
		},
	})
	if _, err := e.Emit(0); err == nil {
		t.Fatal("expected Emit to propagate the thunk's error")
	}
}
