package normalize

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"

	"provlink/internal/realtime"
)

// Runtime wraps goja VM with normalizer bindings
type Runtime struct {
	vm     *goja.Runtime
	logger zerolog.Logger
}

// NewRuntime creates a new Runtime with all necessary bindings
func NewRuntime(logger zerolog.Logger) *Runtime {
	vm := goja.New()
	r := &Runtime{
		vm:     vm,
		logger: logger,
	}
	r.setupBindings()
	return r
}

// VM returns the underlying goja runtime
func (r *Runtime) VM() *goja.Runtime {
	return r.vm
}

func (r *Runtime) setupBindings() {
	r.setupConsole()
	r.setupUtils()
}

// setupConsole creates console.log, console.warn, console.error and console.debug bindings
func (r *Runtime) setupConsole() {
	console := r.vm.NewObject()

	bind := func(name string, event func() *zerolog.Event) {
		console.Set(name, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			event().Msgf("[normalizer] %v", args)
			return goja.Undefined()
		})
	}
	bind("log", r.logger.Info)
	bind("warn", r.logger.Warn)
	bind("error", r.logger.Error)
	bind("debug", r.logger.Debug)

	r.vm.Set("console", console)
}

// setupUtils creates helpers for payload rewriting
func (r *Runtime) setupUtils() {
	utils := r.vm.NewObject()

	// digest returns the hex SHA3-256 of its string argument, for synthesising stable event ids
	utils.Set("digest", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("digest requires 1 argument"))
		}
		sum := sha3.Sum256([]byte(call.Arguments[0].String()))
		return r.vm.ToValue(hex.EncodeToString(sum[:]))
	})

	// snakeCase converts camelCase keys
	utils.Set("snakeCase", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("snakeCase requires 1 argument"))
		}
		return r.vm.ToValue(realtime.SnakeCase(call.Arguments[0].String()))
	})

	// rename moves payload[from] to payload[to] unless to is already set
	utils.Set("rename", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 3 {
			panic(r.vm.ToValue("rename requires payload, from and to"))
		}
		obj := call.Arguments[0].ToObject(r.vm)
		from := call.Arguments[1].String()
		to := call.Arguments[2].String()
		v := obj.Get(from)
		if v == nil || goja.IsUndefined(v) {
			return obj
		}
		if existing := obj.Get(to); existing == nil || goja.IsUndefined(existing) {
			obj.Set(to, v)
		}
		obj.Delete(from)
		return obj
	})

	// parseJSON parses JSON string
	utils.Set("parseJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("parseJSON requires string"))
		}
		var result interface{}
		if err := json.Unmarshal([]byte(call.Arguments[0].String()), &result); err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("invalid JSON: %v", err)))
		}
		return r.vm.ToValue(result)
	})

	// stringifyJSON converts value to JSON string
	utils.Set("stringifyJSON", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(r.vm.ToValue("stringifyJSON requires value"))
		}
		data, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			panic(r.vm.ToValue(fmt.Sprintf("JSON stringify error: %v", err)))
		}
		return r.vm.ToValue(string(data))
	})

	r.vm.Set("utils", utils)
}

// RunScript executes JavaScript code and returns the result
func (r *Runtime) RunScript(script string) (goja.Value, error) {
	return r.vm.RunString(script)
}

// Interrupt aborts the running script
func (r *Runtime) Interrupt(reason string) {
	r.vm.Interrupt(reason)
}
