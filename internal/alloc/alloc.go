// Package alloc implements the proximity allocator: executable memory
// pools that guarantee a bounded signed distance from an arbitrary origin
// address, so short-range architectural branches can always reach code
// this package hands out.
package alloc

import (
	"fmt"
	"sync"

	"github.com/xyproto/detour/internal/config"
	"github.com/xyproto/detour/internal/mem"
)

// pool is one reserved region of executable memory, bump-allocated and
// reference counted: the bump cursor hands out slices in order, and the
// region is unmapped once every allocation drawn from it has been
// released.
type pool struct {
	region   *mem.Region
	bump     int
	refcount int
}

func (p *pool) fits(size int) bool {
	return p.bump+size <= len(p.region.Bytes)
}

func (p *pool) within(origin uintptr, maxDistance uint64) bool {
	return withinDistance(p.region.Addr, origin, maxDistance) &&
		withinDistance(p.region.Addr+uintptr(len(p.region.Bytes)), origin, maxDistance)
}

func withinDistance(addr, origin uintptr, maxDistance uint64) bool {
	var d uint64
	if addr >= origin {
		d = uint64(addr - origin)
	} else {
		d = uint64(origin - addr)
	}
	return d <= maxDistance
}

// Allocation is a live slice of a pool, returned to exactly one caller.
// Releasing it decrements the owning pool's refcount; the pool is unmapped
// when that reaches zero.
type Allocation struct {
	a    *Allocator
	p    *pool
	Base uintptr
	Data []byte
}

// Release returns the allocation to its pool. The underlying pages are
// unmapped once no allocation from the same pool remains outstanding.
func (alloc *Allocation) Release() error {
	alloc.a.mu.Lock()
	defer alloc.a.mu.Unlock()

	alloc.p.refcount--
	if alloc.p.refcount > 0 {
		return nil
	}
	for i, p := range alloc.a.pools {
		if p == alloc.p {
			alloc.a.pools = append(alloc.a.pools[:i], alloc.a.pools[i+1:]...)
			break
		}
	}
	return mem.Release(alloc.p.region)
}

// ErrOutOfMemory is returned when no candidate address within the
// requested window could be reserved within the bounded probe count.
type ErrOutOfMemory struct {
	Origin      uintptr
	Size        int
	MaxDistance uint64
	Probes      int
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("alloc: no executable region of %d bytes found within %#x of %#x after %d probes",
		e.Size, e.MaxDistance, e.Origin, e.Probes)
}

// Allocator is a proximity allocator: a single shared instance, protected
// by a mutex, lazily initialized, living for the remainder of the process
// (see Shared()).
//
// max_distance is a per-call parameter rather than a field on Allocator
// (see DESIGN.md) because one process-wide allocator must simultaneously
// serve trampolines (±2GiB/±128MiB) and hook relays (±4GiB on AArch64)
// from a single shared pool set.
type Allocator struct {
	mu    sync.Mutex
	pools []*pool
}

var (
	sharedOnce      sync.Once
	sharedAllocator *Allocator
)

// Shared returns the process-wide allocator instance, constructing it on
// first use.
func Shared() *Allocator {
	sharedOnce.Do(func() {
		sharedAllocator = &Allocator{}
	})
	return sharedAllocator
}

// arenaSize is the minimum size of a freshly reserved pool; small
// allocations (trampolines are typically under 128 bytes) share a pool
// instead of costing a full mmap/VirtualAlloc call each.
const arenaSize = 64 * 1024

// Allocate returns size bytes of executable memory whose base address is
// within maxDistance of origin, reusing an existing pool when one already
// covers the window, otherwise probing the host OS outward from origin.
func (a *Allocator) Allocate(origin uintptr, size int, maxDistance uint64) (*Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	align := 16
	size = roundUp(size, align)

	for _, p := range a.pools {
		if p.fits(size) && p.within(origin, maxDistance) {
			base := p.region.Addr + uintptr(p.bump)
			data := p.region.Bytes[p.bump : p.bump+size]
			p.bump += size
			p.refcount++
			return &Allocation{a: a, p: p, Base: base, Data: data}, nil
		}
	}

	reserveSize := arenaSize
	if size > reserveSize {
		reserveSize = roundUp(size, mem.PageSize())
	}

	region, probes, err := probeNear(origin, reserveSize, maxDistance)
	if err != nil {
		return nil, &ErrOutOfMemory{Origin: origin, Size: size, MaxDistance: maxDistance, Probes: probes}
	}

	p := &pool{region: region}
	a.pools = append(a.pools, p)

	data := p.region.Bytes[0:size]
	p.bump = size
	p.refcount = 1
	return &Allocation{a: a, p: p, Base: p.region.Addr, Data: data}, nil
}

// probeNear walks candidate hints outward from origin in config.ProbeStride
// steps (alternating direction), trying to reserve size bytes, until one
// lands within maxDistance or the probe budget is exhausted.
func probeNear(origin uintptr, size int, maxDistance uint64) (*mem.Region, int, error) {
	stride := uintptr(config.ProbeStride)
	if stride == 0 {
		stride = 64 * 1024
	}

	probes := 0
	tryHint := func(hint uintptr) (*mem.Region, bool) {
		probes++
		r, err := mem.ReserveExecutable(hint, size)
		if err != nil {
			return nil, false
		}
		if !withinDistance(r.Addr, origin, maxDistance) || !withinDistance(r.Addr+uintptr(len(r.Bytes)), origin, maxDistance) {
			_ = mem.Release(r)
			return nil, false
		}
		return r, true
	}

	if r, ok := tryHint(origin); ok {
		return r, probes, nil
	}

	for i := 1; i <= config.MaxProbes; i++ {
		step := stride * uintptr(i)
		if step <= maxDistance {
			if origin+step >= origin {
				if r, ok := tryHint(origin + step); ok {
					return r, probes, nil
				}
			}
		}
		if step <= origin && step <= maxDistance {
			if r, ok := tryHint(origin - step); ok {
				return r, probes, nil
			}
		}
		if step > maxDistance {
			break
		}
	}

	return nil, probes, fmt.Errorf("alloc: exhausted probe budget")
}

func roundUp(n, align int) int {
	if n <= 0 {
		return align
	}
	return (n + align - 1) &^ (align - 1)
}
