// Package config holds the handful of environment-overridable tunables the
// proximity allocator and detour façade read once at process start.
package config

import "github.com/xyproto/env/v2"

// ProbeStride is the step size, in bytes, the proximity allocator advances
// a candidate address by between reservation attempts when no existing
// pool covers an origin.
var ProbeStride = env.IntOr("DETOUR_ALLOC_PROBE_STRIDE", 64*1024)

// MaxProbes bounds how many candidate addresses the proximity allocator
// will try (in each direction) before failing with OutOfMemory.
var MaxProbes = env.IntOr("DETOUR_ALLOC_MAX_PROBES", 4096)

// Debug makes detour.New print one line to standard output for each
// detour it constructs: the target, resolved target, detour and
// trampoline addresses, whether a relay is used, and the prolog length.
// Off by default.
var Debug = env.BoolOr("DETOUR_DEBUG", false)
