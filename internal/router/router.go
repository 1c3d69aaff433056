// Package router maps the function name of an INIT or TRANSACTION call onto
// a registered contract function. A Router is a shim.Chaincode.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/ccshim/internal/shim"
	"github.com/rs/zerolog"
)

var (
	ErrFunctionExists = errors.New("router: function already registered")
	ErrHandlerNil     = errors.New("router: handler is nil")
	ErrInvalidSpec    = errors.New("router: invalid function spec")
	ErrReadOnly       = errors.New("router: ledger write from read-only function")
)

// DescribeFunction is answered by every Router with the registered specs.
const DescribeFunction = "_describe"

// HandlerFunc serves one contract function. args excludes the function name.
type HandlerFunc func(stub shim.ChaincodeStubInterface, args []string) shim.Response

// FunctionSpec describes one callable contract function. A ReadOnly function
// is handed a stub that rejects ledger writes with ErrReadOnly.
type FunctionSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MinArgs     int    `json:"min_args"`
	ReadOnly    bool   `json:"read_only"`
}

type route struct {
	spec FunctionSpec
	fn   HandlerFunc
}

// Router stores contract functions by name.
type Router struct {
	mu     sync.RWMutex
	items  map[string]route
	init   HandlerFunc
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Router {
	return &Router{
		items:  make(map[string]route),
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// ValidateSpec checks the name format and argument bounds.
func ValidateSpec(spec FunctionSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" || strings.TrimSpace(spec.Description) == "" {
		return fmt.Errorf("%w: name and description are required", ErrInvalidSpec)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name format %q", ErrInvalidSpec, name)
	}
	if spec.MinArgs < 0 {
		return fmt.Errorf("%w: %s min_args must not be negative", ErrInvalidSpec, name)
	}
	return nil
}

// Register adds a contract function.
func (r *Router) Register(spec FunctionSpec, fn HandlerFunc) error {
	if fn == nil {
		return ErrHandlerNil
	}
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrFunctionExists, spec.Name)
	}
	r.items[spec.Name] = route{spec: spec, fn: fn}
	return nil
}

// MustRegister is Register for wiring at startup.
func (r *Router) MustRegister(spec FunctionSpec, fn HandlerFunc) {
	if err := r.Register(spec, fn); err != nil {
		panic(err)
	}
}

// OnInit sets the handler for INIT calls. Without one INIT succeeds with an
// empty payload.
func (r *Router) OnInit(fn HandlerFunc) {
	r.mu.Lock()
	r.init = fn
	r.mu.Unlock()
}

func (r *Router) Resolve(name string) (FunctionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.items[name]
	return rt.spec, ok
}

// List returns specs ordered by name.
func (r *Router) List() []FunctionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]FunctionSpec, 0, len(r.items))
	for _, rt := range r.items {
		list = append(list, rt.spec)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func (r *Router) Init(stub shim.ChaincodeStubInterface) shim.Response {
	r.mu.RLock()
	fn := r.init
	r.mu.RUnlock()
	if fn == nil {
		return shim.Success(nil)
	}
	_, args := stub.GetFunctionAndParameters()
	return fn(stub, args)
}

func (r *Router) Invoke(stub shim.ChaincodeStubInterface) shim.Response {
	name, args := stub.GetFunctionAndParameters()
	if name == DescribeFunction {
		return r.describe()
	}

	r.mu.RLock()
	rt, ok := r.items[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn().Str("tx", stub.GetTxID()).Str("function", name).Msg("router.Invoke unknown function")
		return shim.Error(fmt.Sprintf("unknown function %q", name))
	}
	if len(args) < rt.spec.MinArgs {
		return shim.Error(fmt.Sprintf("%s expects at least %d arguments, got %d", name, rt.spec.MinArgs, len(args)))
	}

	if rt.spec.ReadOnly {
		stub = readOnlyStub{ChaincodeStubInterface: stub, function: name}
	}
	resp := rt.fn(stub, args)
	r.logger.Debug().
		Str("tx", stub.GetTxID()).
		Str("function", name).
		Int32("status", resp.Status).
		Msg("router.Invoke")
	return resp
}

func (r *Router) describe() shim.Response {
	b, err := json.Marshal(r.List())
	if err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(b)
}

// isValidName accepts ASCII letters and digits joined by single '.', '-'
// or '_' separators.
func isValidName(name string) bool {
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isAlpha || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
