package runner

import (
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Execution strategies: symbolic names for where the model runs, mapped to
// backend configurations.
const (
	// ExecAuto picks the backend from the GOMLX_BACKEND environment variable, or
	// the default backend otherwise.
	ExecAuto = "auto"

	// ExecCPU, ExecCUDA and ExecTPU force the XLA backend on the corresponding
	// device.
	ExecCPU  = "cpu"
	ExecCUDA = "cuda"
	ExecTPU  = "tpu"
)

// NewBackend creates the backend for the given execution strategy: one of
// [ExecAuto], [ExecCPU], [ExecCUDA] or [ExecTPU]. An empty name means
// [ExecAuto].
func NewBackend(execStrategy string) (backends.Backend, error) {
	var backend backends.Backend
	var err error
	switch execStrategy {
	case "", ExecAuto:
		backend, err = backends.New()
	case ExecCPU, ExecCUDA, ExecTPU:
		backend, err = backends.NewWithConfig("xla:" + execStrategy)
	default:
		return nil, errors.Errorf("unknown execution strategy %q: valid values are %q, %q, %q and %q",
			execStrategy, ExecAuto, ExecCPU, ExecCUDA, ExecTPU)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for execution strategy %q", execStrategy)
	}
	klog.V(1).Infof("backend %q: %s, %d device(s)", backend.Name(), backend.Description(), backend.NumDevices())
	return backend, nil
}
