package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/openkim/kimgate/pkg/metrics"
)

// Operation is a polymorphic unit of work. Execute runs against the request
// context and returns nil on success or a failure, preferably a coded
// *Error. Operations that invoke sub-operations do so through Run and then
// inspect the recorded failures with Context.HasError.
type Operation interface {
	Name() string
	Execute(ctx context.Context, env *Context) error
}

// Func adapts a plain function to the Operation interface.
type Func struct {
	OpName string
	Fn     func(ctx context.Context, env *Context) error
}

func (f Func) Name() string { return f.OpName }

func (f Func) Execute(ctx context.Context, env *Context) error {
	return f.Fn(ctx, env)
}

// Run executes op, records its outcome under the operation's namespace, and
// returns the failure (nil on success). A panic inside Execute is treated as
// a failure with a generic wrapped error; the engine itself never retries.
func Run(ctx context.Context, env *Context, op Operation) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(op.Name(), CodeInternal, "operation panicked: %v", r)
		}
		env.RecordFailure(op.Name(), err)
		result := "success"
		if err != nil {
			result = "failure"
			env.Log().Error("operation failed", "operation", op.Name(), "code", string(CodeOf(err)), "error", err)
		} else {
			env.Log().Debug("operation completed", "operation", op.Name(), "duration", time.Since(start))
		}
		metrics.OperationsTotal.WithLabelValues(op.Name(), result).Inc()
		metrics.OperationDuration.WithLabelValues(op.Name()).Observe(time.Since(start).Seconds())
	}()

	if ctx.Err() != nil {
		return Wrap(op.Name(), CodeInternal, ctx.Err())
	}
	return op.Execute(ctx, env)
}

// Registry maps operation names to constructed instances. It is built once
// by the composition root and read-only afterwards.
type Registry struct {
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

// Register adds an operation. Registering the same name twice is a
// programmer error and panics.
func (r *Registry) Register(op Operation) {
	if _, dup := r.ops[op.Name()]; dup {
		panic(fmt.Sprintf("pipeline: duplicate operation registration: %s", op.Name()))
	}
	r.ops[op.Name()] = op
}

// Get looks up an operation by name.
func (r *Registry) Get(name string) (Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// MustGet looks up an operation that has to exist; a missing registration is
// a programmer error.
func (r *Registry) MustGet(name string) Operation {
	op, ok := r.ops[name]
	if !ok {
		panic(fmt.Sprintf("pipeline: operation not registered: %s", name))
	}
	return op
}

// Names returns the registered operation names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	return names
}
