package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/accelkit/npu-dispatch/pkg/engine"
	"github.com/accelkit/npu-dispatch/pkg/modelstore"
	"github.com/accelkit/npu-dispatch/pkg/tensor"
)

// The library-level entry points mirror the classic C-style runtime surface:
// one process-wide runtime constructed by Initialization + ModelLoading and
// torn down by Destruction. Embedders who want more than one pipeline per
// process should use Open directly; these wrappers exist for hosts that speak
// the flat contract.

const (
	libraryName    = "npu-dispatch"
	libraryVersion = "0.3.0"
)

var (
	globalMu    sync.Mutex
	globalRT    *Runtime
	initialized bool
	lastError   string

	// openEngine constructs the engine for a resolved model file. A package
	// variable so tests and device-specific builds can substitute backends.
	openEngine = func(modelPath string) (engine.Engine, error) {
		return engine.NewSimulated(engine.SimConfig{}), nil
	}
)

func setLastError(err error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if err == nil {
		lastError = ""
	} else {
		lastError = err.Error()
	}
}

// Initialization prepares the process-wide runtime state. Calling it again
// without an intervening Destruction is tolerated and logged.
func Initialization() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if initialized {
		klog.Warningf("runtime already initialized")
		return nil
	}
	initialized = true
	klog.Infof("initializing the %s runtime environment", libraryName)
	return nil
}

// InitializationWithArgs is Initialization plus host-provided key/value
// arguments. Unknown keys are logged and ignored so newer hosts keep working
// against this runtime.
func InitializationWithArgs(args map[string]string) error {
	if err := Initialization(); err != nil {
		return err
	}
	for key, value := range args {
		klog.V(1).Infof("ignoring unknown initialization key %q (value %q)", key, value)
	}
	return nil
}

// ModelLoading resolves ref (a local path or gs:// URL), constructs the
// engine for it and starts the dispatch pipeline. Any failure unwinds
// completely and reports ErrModelLoad.
func ModelLoading(ref string) error {
	globalMu.Lock()
	if globalRT != nil {
		globalMu.Unlock()
		err := fmt.Errorf("a model is already loaded: %w", ErrModelLoad)
		setLastError(err)
		return err
	}
	globalMu.Unlock()

	model, err := modelstore.Resolve(context.Background(), ref, defaultCacheDir())
	if err != nil {
		err = fmt.Errorf("resolving model %q: %v: %w", ref, err, ErrModelLoad)
		setLastError(err)
		return err
	}

	eng, err := openEngine(model.Path)
	if err != nil {
		err = fmt.Errorf("constructing engine for %q: %v: %w", model.Path, err, ErrModelLoad)
		setLastError(err)
		return err
	}

	rt, err := Open(eng, Options{})
	if err != nil {
		if cerr := eng.Close(); cerr != nil {
			klog.Errorf("closing engine after failed open: %v", cerr)
		}
		err = fmt.Errorf("starting pipeline: %v: %w", err, ErrModelLoad)
		setLastError(err)
		return err
	}

	globalMu.Lock()
	globalRT = rt
	globalMu.Unlock()
	setLastError(nil)
	klog.Infof("model loaded: %s (sha3-256 %s)", model.Path, model.Digest)
	return nil
}

func current() (*Runtime, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalRT == nil {
		return nil, fmt.Errorf("no model loaded: %w", ErrClosed)
	}
	return globalRT, nil
}

// SendInput submits one input bundle. On nil return the runtime owns the
// bundle; on ErrInvalidShape the caller retains it.
func SendInput(in *tensor.Bundle) error {
	rt, err := current()
	if err != nil {
		setLastError(err)
		return err
	}
	if err := rt.Submit(in); err != nil {
		setLastError(err)
		return err
	}
	return nil
}

// ReceiveOutput blocks until the next completed bundle is available or the
// runtime shuts down, and transfers ownership of the bundle to the caller.
func ReceiveOutput() (*tensor.Bundle, error) {
	rt, err := current()
	if err != nil {
		setLastError(err)
		return nil, err
	}
	out, err := rt.Receive(0)
	if err != nil {
		setLastError(err)
		return nil, err
	}
	return out, nil
}

// ReceiveOutputTimeout is ReceiveOutput bounded by a deadline.
func ReceiveOutputTimeout(timeout time.Duration) (*tensor.Bundle, error) {
	rt, err := current()
	if err != nil {
		setLastError(err)
		return nil, err
	}
	out, err := rt.Receive(timeout)
	if err != nil {
		setLastError(err)
		return nil, err
	}
	return out, nil
}

// Destruction shuts the pipeline down and releases every resource. The
// runtime can be initialized and loaded again afterwards.
func Destruction() error {
	globalMu.Lock()
	rt := globalRT
	globalRT = nil
	initialized = false
	lastError = ""
	globalMu.Unlock()

	klog.Infof("destroying the runtime environment")
	defer klog.Flush()

	if rt == nil {
		return nil
	}
	if err := rt.Close(); err != nil && err != ErrClosed {
		setLastError(err)
		return err
	}
	return nil
}

// ErrorMessage returns a human-readable description of the last entry-point
// failure, or the empty string when none is recorded. A successful
// ModelLoading and every Destruction clear it; other successful calls leave
// it unchanged.
func ErrorMessage() string {
	globalMu.Lock()
	defer globalMu.Unlock()
	return lastError
}

// Version returns the library version string.
func Version() string { return libraryVersion }

// Name returns the library name.
func Name() string { return libraryName }

func defaultCacheDir() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, libraryName)
	}
	return filepath.Join(os.TempDir(), libraryName)
}
