// Package detour installs runtime function detours: given the address of
// a loaded native function and a replacement function, it rewrites the
// target's prolog to branch into the replacement, while handing back a
// trampoline that still runs the original behavior.
//
// The target function's overwritten bytes are decoded, classified, and
// relocated into a freshly allocated trampoline before anything is
// patched, so New either fully succeeds or leaves the target untouched.
// Enable and Disable toggle the live patch; the trampoline and any relay
// memory stay allocated (and close enough to remain reachable) for the
// lifetime of the Detour.
//
//	d, err := detour.New(targetAddr, detourFnAddr)
//	if err != nil {
//		// target left unmodified
//	}
//	defer d.Close()
//	if err := d.Enable(); err != nil {
//		// ...
//	}
//	// d.Trampoline() is the address to call for the original behavior.
//
// Supported architectures are x86-64 and AArch64 (arm64), matched against
// the running process's own GOARCH — a Detour only ever patches code
// already loaded in this process, never another process's memory.
package detour
