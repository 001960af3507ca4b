// Package patch implements the patcher: it saves a function's original
// prolog bytes, computes the shortest hook sequence
// that reaches the detour (padded out with NOPFill to the full relocated
// width), and toggles between the two under a temporarily writable
// protection scope.
package patch

import (
	"fmt"
	"unsafe"

	"github.com/xyproto/detour/internal/arch"
	"github.com/xyproto/detour/internal/mem"
)

// Patcher owns the live overwrite/restore cycle for one hooked function.
type Patcher struct {
	m         arch.Meta
	target    uintptr
	original  []byte
	hookBytes []byte
	enabled   bool
}

// New saves prologLen bytes at target (the width the trampoline builder
// proved safe to relocate) and precomputes the hook sequence that will
// replace them. useRelay selects the indirect-through-relayAddr form when
// detourAddr is out of the architecture's direct branch range.
func New(m arch.Meta, read arch.Reader, target uintptr, prologLen int, detourAddr, relayAddr uintptr, useRelay bool) (*Patcher, error) {
	orig, err := read(uint64(target), prologLen)
	if err != nil {
		return nil, fmt.Errorf("patch: read original prolog: %w", err)
	}

	seq, err := m.HookSequence(uint64(target), uint64(detourAddr), uint64(relayAddr), useRelay)
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	if len(seq) > prologLen {
		return nil, fmt.Errorf("patch: hook sequence (%d bytes) exceeds relocated prolog width (%d bytes)", len(seq), prologLen)
	}

	hook := make([]byte, 0, prologLen)
	hook = append(hook, seq...)
	hook = append(hook, m.NOPFill(prologLen-len(seq))...)

	return &Patcher{m: m, target: target, original: orig, hookBytes: hook}, nil
}

// targetRegion views the live target bytes as a mem.Region without
// claiming ownership over how they were originally mapped — Modify only
// needs an address and a byte view to toggle protection around.
func (p *Patcher) targetRegion() *mem.Region {
	return &mem.Region{
		Addr:  p.target,
		Bytes: unsafe.Slice((*byte)(unsafe.Pointer(p.target)), len(p.original)),
	}
}

// Enable installs the hook sequence over the target's prolog. Idempotent.
func (p *Patcher) Enable() error {
	if p.enabled {
		return nil
	}
	r := p.targetRegion()
	if err := mem.Modify(r, func() error {
		copy(r.Bytes, p.hookBytes)
		return nil
	}); err != nil {
		return fmt.Errorf("patch: enable: %w", err)
	}
	p.m.ClearInstructionCache(r.Bytes)
	p.enabled = true
	return nil
}

// Disable restores the original prolog bytes. Idempotent.
func (p *Patcher) Disable() error {
	if !p.enabled {
		return nil
	}
	r := p.targetRegion()
	if err := mem.Modify(r, func() error {
		copy(r.Bytes, p.original)
		return nil
	}); err != nil {
		return fmt.Errorf("patch: disable: %w", err)
	}
	p.m.ClearInstructionCache(r.Bytes)
	p.enabled = false
	return nil
}

// Enabled reports whether the hook sequence is currently installed.
func (p *Patcher) Enabled() bool { return p.enabled }

// Original returns a copy of the saved original prolog bytes.
func (p *Patcher) Original() []byte {
	return append([]byte(nil), p.original...)
}
