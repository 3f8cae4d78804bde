//go:build !cuda

package gpu

// NativeAvailable reports whether this binary was built against the CUDA runtime.
const NativeAvailable = false

// DefaultRuntime returns the simulated runtime. Build with -tags cuda for
// the native one.
func DefaultRuntime() Runtime { return NewSimRuntime(DefaultSimOptions()) }
