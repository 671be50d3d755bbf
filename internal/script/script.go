// Package script evaluates JavaScript predicates in a sandboxed goja VM.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds a single predicate evaluation.
const DefaultTimeout = time.Second

// DefaultMaxStackDepth bounds predicate recursion.
const DefaultMaxStackDepth = 100

// ErrTimeout is returned when a predicate is interrupted.
var ErrTimeout = errors.New("script execution timed out")

// Predicate is a compiled script that evaluates to a boolean.
type Predicate struct {
	source   string
	program  *goja.Program
	timeout  time.Duration
	maxStack int
}

// Option configures a Predicate.
type Option func(*Predicate)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Predicate) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxStackDepth overrides DefaultMaxStackDepth.
func WithMaxStackDepth(n int) Option {
	return func(p *Predicate) {
		if n > 0 {
			p.maxStack = n
		}
	}
}

// Compile parses source. The source is an expression or a sequence of
// statements whose completion value is the predicate result.
func Compile(source string, opts ...Option) (*Predicate, error) {
	if source == "" {
		return nil, errors.New("script is required")
	}
	program, err := goja.Compile("predicate", source, true)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	p := &Predicate{
		source:   source,
		program:  program,
		timeout:  DefaultTimeout,
		maxStack: DefaultMaxStackDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Source returns the script text.
func (p *Predicate) Source() string { return p.source }

// Eval runs the predicate in a fresh VM with bindings set as globals and
// returns the truthiness of its result.
func (p *Predicate) Eval(ctx context.Context, bindings map[string]any) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during script execution: %v", r)
		}
	}()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := sandbox(vm, p.maxStack); err != nil {
		return false, err
	}
	for name, v := range bindings {
		if err := vm.Set(name, v); err != nil {
			return false, fmt.Errorf("failed to set %s: %w", name, err)
		}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		interruptMu sync.Mutex
		interrupted bool
	)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-timeoutCtx.Done():
			interruptMu.Lock()
			interrupted = true
			interruptMu.Unlock()
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	value, err := vm.RunProgram(p.program)
	if err != nil {
		interruptMu.Lock()
		wasInterrupted := interrupted
		interruptMu.Unlock()
		if wasInterrupted {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return false, fmt.Errorf("script error: %s", exc.Value().String())
		}
		return false, err
	}
	return value.ToBoolean(), nil
}
