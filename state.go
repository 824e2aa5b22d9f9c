package lily

import (
	"fmt"

	"github.com/lily-lang/lily/dynaload"
)

// State is the embedding API's handle: one Lily interpreter instance,
// combining a symbol table, a raiser, and a VM, plus whatever chunks of
// source it has accumulated from ParseChunk (REPL mode). This mirrors
// the shape of lily_state_s in the original implementation, exposed here
// the way the teacher exposes its grammar/VM pair through a single
// top-level type per package.
type State struct {
	symtab *SymTab
	raiser *Raiser
	vm     *VM
	opts   *Options

	chunkBuf string
	started  bool

	// registeredFuncs/registeredClassMethods hold the Method stubs every
	// RegisterPackage call has materialized so far. A fresh Emitter is
	// built per Compile, so these are re-seeded into it each time rather
	// than living only on the VM (which does persist across Compiles).
	registeredFuncs        map[string]*Method
	registeredClassMethods map[string]map[string]*Method
}

// NewState allocates a fresh interpreter with the given options (or
// NewDefaultOptions() if nil).
func NewState(opts *Options) *State {
	if opts == nil {
		opts = NewDefaultOptions()
	}
	st := NewSymTab()
	r := NewRaiser()
	s := &State{
		symtab:                 st,
		raiser:                 r,
		opts:                   opts,
		vm:                     NewVM(st, r, opts),
		registeredFuncs:        map[string]*Method{},
		registeredClassMethods: map[string]map[string]*Method{},
	}
	s.registerDefaultPackages()
	return s
}

// FreeState releases a State's resources. Present for API symmetry with
// the embedding ABI's new_state/free_state pair; Go's GC reclaims
// everything reachable from s once the caller drops its reference, so
// this is a no-op kept for call-site clarity and forward compatibility
// (e.g. a future pooled-State allocator).
func (s *State) FreeState() {}

// RegisterPackage materializes a dynaload seed table into the symbol
// table and VM, making its classes/functions resolvable by name. impls
// supplies the Go-side implementation of every function/method seed,
// keyed by name ("Class.method" for instance methods). See lily/dynaload
// for the seed table format.
func (s *State) RegisterPackage(name string, table *dynaload.Table, impls map[string]ForeignFn) error {
	return dynaloadRegister(s, name, table, impls)
}

// ParseString compiles and runs source held entirely in memory -- the
// one-shot path a CLI's `-s` flag uses.
func (s *State) ParseString(name, source string) error {
	return s.parseAndRun(source)
}

// ParseFile compiles and runs the contents of path.
func (s *State) ParseFile(path string, read func(string) (string, error)) error {
	src, err := read(path)
	if err != nil {
		return s.raiser.Raise(ErrIOError, 0, "could not read '%s': %s", path, err)
	}
	return s.parseAndRun(src)
}

// ParseChunk accumulates source across multiple calls the way a REPL
// feeds one line at a time; it tries to compile and run the accumulated
// buffer after each chunk, and only clears the buffer on success so a
// syntax error from an incomplete block (e.g. an open `if`) doesn't
// discard what the user already typed.
func (s *State) ParseChunk(chunk string) error {
	s.chunkBuf += chunk + "\n"
	err := s.parseAndRun(s.chunkBuf)
	if err == nil {
		s.chunkBuf = ""
	}
	return err
}

// Compile parses and emits source without running it, returning the
// resulting bytecode -- used by the CLI's -disasm flag and by tests that
// want to inspect emitted instructions directly.
func (s *State) Compile(source string) (*Bytecode, error) {
	lx, err := NewLexer(source, PageNoTags, s.raiser)
	if err != nil {
		return nil, err
	}
	lx.htmlSender = s.opts.HTMLSender
	p, err := NewParser(lx, s.raiser, s.symtab)
	if err != nil {
		return nil, err
	}
	stmts, err := p.ParseProgram()
	if err != nil {
		return nil, err
	}
	em := NewEmitter(s.symtab, s.raiser)
	for name, fn := range s.registeredFuncs {
		em.methods[name] = fn
	}
	for className, methods := range s.registeredClassMethods {
		dst := em.classMethods[className]
		if dst == nil {
			dst = map[string]*Method{}
			em.classMethods[className] = dst
		}
		for name, fn := range methods {
			dst[name] = fn
		}
	}
	main, err := em.EmitProgram(stmts)
	if err != nil {
		return nil, err
	}
	return &Bytecode{
		Main:         main,
		Methods:      em.Methods(),
		ClassMethods: em.ClassMethods(),
		Literals:     s.symtab.Literals(),
	}, nil
}

func (s *State) parseAndRun(source string) error {
	bc, err := s.Compile(source)
	if err != nil {
		return err
	}
	s.vm.LoadMethods(bc.Methods, bc.ClassMethods)
	s.vm.LoadLiterals(bc.Literals)
	if !s.started {
		s.started = true
	}
	return s.vm.Run(bc.Main)
}

// GetError returns the last uncaught error the VM raised, or nil.
func (s *State) GetError() *RaiseError { return s.vm.LastError() }

// --- foreign-function ABI: push/arg/result stack operations -----------
//
// A registered package's ForeignFn receives the VM itself and reads its
// arguments/pushes its result through these typed helpers, the way the
// original C ABI's lily_arg_*/lily_push_*/lily_return_* functions work
// against a shared value stack. Here that stack is vm.apiStack, shared
// with call() for native functions (see vm.go).

// ArgInteger/ArgDouble/ArgString/ArgBoolean read the nth (0-based)
// argument pushed for this call.
func (vm *VM) ArgInteger(n int) int64   { return vm.apiStack[n].I }
func (vm *VM) ArgDouble(n int) float64  { return vm.apiStack[n].D }
func (vm *VM) ArgBoolean(n int) bool    { return vm.apiStack[n].I != 0 }
func (vm *VM) ArgString(n int) string   { return vm.apiStack[n].Obj.(*StringObj).S }
func (vm *VM) ArgCount() int            { return len(vm.apiStack) }

// PushInteger/PushDouble/PushString/PushBoolean/PushNil leave a value on
// the API stack; the last value left there when a foreign function
// returns becomes that call's result (see call()'s Native branch).
func (vm *VM) PushInteger(i int64) {
	vm.apiStack = append(vm.apiStack, IntValue(vm.builtin[ClassInteger], i))
}

func (vm *VM) PushDouble(d float64) {
	vm.apiStack = append(vm.apiStack, DoubleValue(vm.builtin[ClassDouble], d))
}

func (vm *VM) PushBoolean(b bool) {
	vm.apiStack = append(vm.apiStack, IntValue(vm.builtin[ClassBoolean], boolInt(b)))
}

func (vm *VM) PushString(s string) {
	obj := &StringObj{S: s}
	obj.Cls = vm.classes["String"]
	obj.RC = 1
	vm.apiStack = append(vm.apiStack, ObjValue(vm.builtin[ClassString], obj))
}

func (vm *VM) PushNil() {
	vm.apiStack = append(vm.apiStack, Value{Nil: true})
}

// RaiseFromForeign lets a foreign function abort the current call with a
// typed exception, the way lily_raise does from inside a C package
// function.
func (vm *VM) RaiseFromForeign(className, format string, args ...any) error {
	return vm.raiser.RaiseClass(className, 0, format, args...)
}

// PrepareCall/ExecPrepared let an embedder call a Lily-side function by
// name without going through source text -- e.g. a callback registered
// with a GUI toolkit. PrepareCall resolves the target once; ExecPrepared
// invokes it with freshly pushed arguments.
type PreparedCall struct {
	method *Method
}

func (s *State) PrepareCall(name string) (*PreparedCall, error) {
	fn, ok := s.vm.methods[name]
	if !ok {
		return nil, fmt.Errorf("lily: no such function %q", name)
	}
	return &PreparedCall{method: fn}, nil
}

func (s *State) ExecPrepared(pc *PreparedCall, args ...Value) (Value, error) {
	return s.vm.call(pc.method, args, 0)
}
