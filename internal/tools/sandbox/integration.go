package sandbox

import (
	"github.com/haasonsaas/spectra/internal/agent"
)

// Register adds an execute_code executor backed by runtime to registry.
func Register(registry *agent.ToolRegistry, runtime Runtime, opts ...Option) (*Executor, error) {
	executor := NewExecutor(runtime, opts...)
	if err := registry.Register(executor); err != nil {
		return nil, err
	}
	return executor, nil
}

// MustRegister registers the executor and panics on error.
// Use this in initialization code where errors should be fatal.
func MustRegister(registry *agent.ToolRegistry, runtime Runtime, opts ...Option) *Executor {
	executor, err := Register(registry, runtime, opts...)
	if err != nil {
		panic(err)
	}
	return executor
}
