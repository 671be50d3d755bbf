package script

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// ErrForbidden is thrown inside the VM when a script calls a disabled builtin.
var ErrForbidden = errors.New("operation not allowed in routing scripts")

// hostGlobals are removed so scripts cannot reach a module system or the host.
var hostGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
	"setTimeout",
	"setInterval",
}

var frozenBuiltins = []string{
	"Object",
	"Array",
	"Function",
	"String",
	"Number",
	"Boolean",
	"Date",
	"RegExp",
	"Error",
	"Math",
	"JSON",
}

// sandbox applies the restrictions every predicate VM runs under.
func sandbox(vm *goja.Runtime, maxStackDepth int) error {
	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	forbidden := func(goja.FunctionCall) goja.Value {
		panic(vm.NewGoError(fmt.Errorf("%w: eval", ErrForbidden)))
	}
	if err := vm.Set("eval", forbidden); err != nil {
		return fmt.Errorf("failed to restrict eval: %w", err)
	}

	if err := freeze(vm); err != nil {
		return err
	}
	if maxStackDepth > 0 {
		vm.SetMaxCallStackSize(maxStackDepth)
	}
	return nil
}

func freeze(vm *goja.Runtime) error {
	val, err := vm.RunString(`(function(obj) {
		if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
			Object.freeze(obj);
			if (obj.prototype) {
				Object.freeze(obj.prototype);
			}
		}
	})`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freezeFn, ok := goja.AssertFunction(val)
	if !ok {
		return errors.New("freeze function is not a function")
	}
	for _, name := range frozenBuiltins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		// a builtin that refuses to freeze stays usable
		_, _ = freezeFn(goja.Undefined(), obj)
	}
	return nil
}
