//go:build !arm64

package archarm64

// clearInstructionCache is unreachable on non-arm64 builds: the façade
// only ever dispatches to this package's Meta when arch.Current() ==
// AArch64. Kept so this package still compiles under every GOARCH, since
// the module's go.mod does not constrain consumers to arm64 alone.
func clearInstructionCache([]byte) {}
