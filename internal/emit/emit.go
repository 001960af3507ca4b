// Package emit implements the position-independent code emitter and its
// Thunkable building blocks: small code fragments whose final bytes are
// only known once their destination address is fixed.
package emit

import "fmt"

// Thunkable is a fragment of code with a fixed byte length whose exact
// bytes are produced by Finalize once the fragment's destination address
// is known. Finalize must always return exactly Length() bytes — callers
// (CodeEmitter.Emit, and tests) enforce this invariant.
type Thunkable interface {
	Length() int
	Finalize(dest uint64) ([]byte, error)
}

// Static is a Thunkable whose bytes never depend on the destination —
// used for instructions copied verbatim from the target's prolog.
type Static struct {
	Bytes []byte
}

func (s Static) Length() int { return len(s.Bytes) }

func (s Static) Finalize(uint64) ([]byte, error) {
	out := make([]byte, len(s.Bytes))
	copy(out, s.Bytes)
	return out, nil
}

// Relocating is a Thunkable over a closure that computes its bytes from
// the destination address, padding out to reserved with the architecture's
// canonical NOP if the chosen encoding is shorter than the worst case the
// caller reserved room for. build must never return more than reserved
// bytes; Relocating.Finalize treats that as a bug (RangeExceeded belongs
// to the caller, not here).
type Relocating struct {
	Reserved int
	NOP      byte
	Build    func(dest uint64) ([]byte, error)
}

func (r Relocating) Length() int { return r.Reserved }

func (r Relocating) Finalize(dest uint64) ([]byte, error) {
	b, err := r.Build(dest)
	if err != nil {
		return nil, err
	}
	if len(b) > r.Reserved {
		return nil, fmt.Errorf("emit: thunk produced %d bytes, only %d reserved", len(b), r.Reserved)
	}
	if len(b) == r.Reserved {
		return b, nil
	}
	out := make([]byte, r.Reserved)
	copy(out, b)
	for i := len(b); i < r.Reserved; i++ {
		out[i] = r.NOP
	}
	return out, nil
}

// CodeEmitter is an ordered sequence of Thunkables. Emit concatenates each
// thunk's finalized bytes, calling Finalize with the running destination
// address (dest + sum of prior lengths) so every relocating thunk sees its
// own final address, not the emitter's base.
type CodeEmitter struct {
	thunks []Thunkable
}

// Append adds a Thunkable to the end of the sequence.
func (e *CodeEmitter) Append(t Thunkable) {
	e.thunks = append(e.thunks, t)
}

// Len returns the total byte length the next Emit call will produce; this
// never depends on the destination address a later Emit call is given.
func (e *CodeEmitter) Len() int {
	total := 0
	for _, t := range e.thunks {
		total += t.Length()
	}
	return total
}

// Emit finalizes every thunk against dest and concatenates the results.
func (e *CodeEmitter) Emit(dest uint64) ([]byte, error) {
	out := make([]byte, 0, e.Len())
	offset := uint64(0)
	for i, t := range e.thunks {
		b, err := t.Finalize(dest + offset)
		if err != nil {
			return nil, fmt.Errorf("emit: thunk %d: %w", i, err)
		}
		if len(b) != t.Length() {
			return nil, fmt.Errorf("emit: thunk %d returned %d bytes, declared length %d", i, len(b), t.Length())
		}
		out = append(out, b...)
		offset += uint64(len(b))
	}
	return out, nil
}
