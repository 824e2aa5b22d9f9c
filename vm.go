package lily

import "fmt"

// tryFrame is one entry of a call frame's try-stack: the code position to
// resume at if an exception unwinds into this frame.
type tryFrame struct {
	catchPos int
}

// callFrame is one activation record: the method being run, its register
// window (a slice into the VM's flat register stack), the current code
// position, the line of the call site (for traceback), and this frame's
// own try-stack.
type callFrame struct {
	method   *Method
	regs     []Value
	pos      int
	callLine int
	tries    []tryFrame

	// closure holds the cell array this frame was invoked with, when its
	// method is itself a closure body -- nil for an ordinary call. Set
	// once at call() time from the callee *FunctionObj's own Closure
	// field, never mutated afterward, so two concurrently-live
	// invocations of the same closure (e.g. through recursion) each keep
	// their own frame pointed at the one shared cell array the closure
	// was built with.
	closure []*ClosureCell
}

// VM is the register machine: a call-frame stack, the global register
// file, the GC it allocates through, and the raiser it reports faults
// through. Mirrors the teacher's virtualMachine (vm.go) in shape --
// pc-driven dispatch loop over a frame stack -- generalized from a
// backtracking PEG matcher to a calling register machine.
type VM struct {
	frames  []*callFrame
	globals []Value

	gc     *GC
	raiser *Raiser
	opts   *Options

	methods      map[string]*Method
	classMethods map[string]map[string]*Method
	classes      map[string]*Class
	builtin      map[ClassID]*Signature

	// apiStack is the embedding API's push/arg/result stack (state.go),
	// shared here so the GC can treat values pushed from foreign code as
	// roots.
	apiStack []Value

	// literals holds the materialized constant pool the symbol table
	// interned at compile time (get_readonly indexes into it by Extra).
	literals []Value

	depth int

	curException Value
	hasException bool

	lastError *RaiseError
}

// NewVM creates a VM ready to run compiled methods against st's class and
// literal tables.
func NewVM(st *SymTab, r *Raiser, opts *Options) *VM {
	if opts == nil {
		opts = NewDefaultOptions()
	}
	vm := &VM{
		raiser:       r,
		opts:         opts,
		methods:      map[string]*Method{},
		classMethods: map[string]map[string]*Method{},
		classes:      st.classes,
		builtin:      st.builtin,
		globals:      make([]Value, 0, 64),
	}
	vm.gc = NewGC(vm, opts.GCStart, opts.GCMultiplier)
	return vm
}

// LoadMethods registers the emitter's compiled free functions and class
// methods so function_call/method_call can resolve them by name.
func (vm *VM) LoadMethods(methods map[string]*Method, classMethods map[string]map[string]*Method) {
	for name, m := range methods {
		vm.methods[name] = m
	}
	for cls, ms := range classMethods {
		if vm.classMethods[cls] == nil {
			vm.classMethods[cls] = map[string]*Method{}
		}
		for name, m := range ms {
			vm.classMethods[cls][name] = m
		}
	}
}

// LoadLiterals materializes the symbol table's interned constant chain
// into runtime Values, allocating heap objects for String literals
// (with a refcount of 1; they are not registered with the GC).
func (vm *VM) LoadLiterals(lits []*Literal) {
	vm.literals = make([]Value, len(lits))
	for i, lit := range lits {
		switch lit.Sig.Class.ID {
		case ClassString:
			obj := &StringObj{S: lit.SVal}
			obj.Cls = vm.classes["String"]
			obj.RC = 1
			vm.literals[i] = ObjValue(lit.Sig, obj)
		case ClassDouble:
			vm.literals[i] = DoubleValue(lit.Sig, lit.DVal)
		default:
			vm.literals[i] = IntValue(lit.Sig, lit.IVal)
		}
	}
}

// RegisterFunction makes a foreign or native method callable as a bare
// function under name, the way a dynaloaded package's `F` seed entries
// become callable once materialized.
func (vm *VM) RegisterFunction(name string, m *Method) { vm.methods[name] = m }

// RegisterClassMethod makes m callable as className.methodName, the way
// a dynaloaded package's `m` seed entries attach to their owning class.
func (vm *VM) RegisterClassMethod(className, methodName string, m *Method) {
	if vm.classMethods[className] == nil {
		vm.classMethods[className] = map[string]*Method{}
	}
	vm.classMethods[className][methodName] = m
}

// growGlobals grows the global register file to at least n entries, the way
// __main__'s StorageGlobal allocations grow the symbol table's register
// count as top-level vars are declared.
func (vm *VM) growGlobals(n int) {
	for len(vm.globals) < n {
		vm.globals = append(vm.globals, Value{})
	}
}

// Run executes a compiled method as the program entry point (normally
// __main__) and returns any uncaught exception as a Go error.
func (vm *VM) Run(m *Method) error {
	vm.growGlobals(m.RegCount)
	_, err := vm.call(m, nil, 0)
	return err
}

// call pushes a new frame for m, runs its bytecode to completion, and
// returns its result value (the zero Value if it returned nothing). m is
// invoked as an ordinary (non-closure) call; use callClosure for a call
// through a stored *FunctionObj that may carry its own captured cells.
func (vm *VM) call(m *Method, args []Value, callLine int) (Value, error) {
	return vm.callClosure(m, args, callLine, nil)
}

// callClosure is call's general form: closure is threaded into the new
// frame so OpClosureGet/OpClosureSet inside m's body resolve against the
// cell array m was captured with, rather than whatever the caller's own
// frame happens to hold.
func (vm *VM) callClosure(m *Method, args []Value, callLine int, closure []*ClosureCell) (Value, error) {
	if vm.depth >= vm.opts.RecursionLimit {
		return Value{}, vm.raiser.Raise(ErrRecursion, callLine, "recursion without limit")
	}
	vm.depth++
	defer func() { vm.depth-- }()

	if m.Native != nil {
		fr := &callFrame{method: m, callLine: callLine}
		vm.frames = append(vm.frames, fr)
		defer func() { vm.frames = vm.frames[:len(vm.frames)-1] }()
		base := len(vm.apiStack)
		for _, a := range args {
			vm.apiStack = append(vm.apiStack, a)
		}
		if err := m.Native(vm); err != nil {
			vm.apiStack = vm.apiStack[:base]
			return Value{}, err
		}
		var ret Value
		if len(vm.apiStack) > base {
			ret = vm.apiStack[len(vm.apiStack)-1]
		}
		vm.apiStack = vm.apiStack[:base]
		return ret, nil
	}

	fr := &callFrame{method: m, regs: make([]Value, m.RegCount), callLine: callLine, closure: closure}
	for i, a := range args {
		if i < len(fr.regs) {
			fr.regs[i] = a
		}
	}
	vm.frames = append(vm.frames, fr)
	defer func() { vm.frames = vm.frames[:len(vm.frames)-1] }()

	return vm.runFrame(fr)
}

func (vm *VM) curFrame() *callFrame { return vm.frames[len(vm.frames)-1] }

// runFrame is the dispatch loop: an instruction pointer walked forward by
// one Instr at a time except for jump opcodes, which add Extra to pos
// directly. Every case either falls through to pos++ at the loop bottom
// or explicitly continues after adjusting pos itself.
func (vm *VM) runFrame(fr *callFrame) (Value, error) {
	code := fr.method.Code
	for fr.pos < len(code) {
		instr := code[fr.pos]
		switch instr.Op {
		case OpAssign:
			if instr.A >= 0 {
				fr.regs[instr.A] = fr.regs[instr.B]
			}

		case OpRefAssign, OpAnyAssign:
			fr.regs[instr.A] = fr.regs[instr.B]

		case OpSetGlobal:
			vm.growGlobals(instr.Extra + 1)
			vm.globals[instr.Extra] = fr.regs[instr.A]
		case OpGetGlobal:
			vm.growGlobals(instr.Extra + 1)
			fr.regs[instr.A] = vm.globals[instr.Extra]

		case OpGetReadonly:
			fr.regs[instr.A] = vm.literals[instr.Extra]

		case OpMakeClosure:
			cells := make([]*ClosureCell, instr.Extra)
			for i := range cells {
				v := fr.regs[code[fr.pos+1+i].B]
				if v.IsRefcounted() {
					vm.gc.Incref(v)
				}
				cells[i] = &ClosureCell{Value: v}
			}
			fn, ok := vm.methods[instr.Str]
			if !ok {
				return Value{}, vm.raise(fr, instr.Line, ErrBadValue, "'%s' is not a known function", instr.Str)
			}
			obj := &FunctionObj{Method: fn, Closure: cells}
			obj.Cls = vm.classes["Function"]
			vm.gc.Register(obj)
			fr.regs[instr.A] = ObjValue(vm.builtin[ClassFunction], obj)
			fr.pos += instr.Extra

		case OpClosureSet:
			fr.closureCells()[instr.B].Value = fr.regs[instr.A]
		case OpClosureGet:
			fr.regs[instr.A] = fr.closureCells()[instr.B].Value

		case OpIntegerAdd:
			if l := fr.regs[instr.B]; l.Sig != nil && l.Sig.Class != nil && l.Sig.Class.ID == ClassString {
				obj := &StringObj{S: l.Obj.(*StringObj).S + fr.regs[instr.C].Obj.(*StringObj).S}
				obj.Cls = vm.classes["String"]
				obj.RC = 1
				fr.regs[instr.A] = ObjValue(vm.builtin[ClassString], obj)
				break
			}
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I+fr.regs[instr.C].I)
		case OpIntegerMinus:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I-fr.regs[instr.C].I)
		case OpIntegerMul:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I*fr.regs[instr.C].I)
		case OpIntegerDiv:
			if fr.regs[instr.C].I == 0 {
				return Value{}, vm.raise(fr, instr.Line, ErrDivideByZero, "attempt to divide by zero")
			}
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I/fr.regs[instr.C].I)
		case OpModulo:
			if fr.regs[instr.C].I == 0 {
				return Value{}, vm.raise(fr, instr.Line, ErrDivideByZero, "attempt to divide by zero")
			}
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I%fr.regs[instr.C].I)
		case OpLeftShift:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I<<uint(fr.regs[instr.C].I))
		case OpRightShift:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I>>uint(fr.regs[instr.C].I))
		case OpBitwiseAnd:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I&fr.regs[instr.C].I)
		case OpBitwiseOr:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I|fr.regs[instr.C].I)
		case OpBitwiseXor:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I^fr.regs[instr.C].I)

		case OpDoubleAdd:
			fr.regs[instr.A] = DoubleValue(vm.builtin[ClassDouble], asDouble(fr.regs[instr.B])+asDouble(fr.regs[instr.C]))
		case OpDoubleMinus:
			fr.regs[instr.A] = DoubleValue(vm.builtin[ClassDouble], asDouble(fr.regs[instr.B])-asDouble(fr.regs[instr.C]))
		case OpDoubleMul:
			fr.regs[instr.A] = DoubleValue(vm.builtin[ClassDouble], asDouble(fr.regs[instr.B])*asDouble(fr.regs[instr.C]))
		case OpDoubleDiv:
			rhs := asDouble(fr.regs[instr.C])
			if rhs == 0 {
				return Value{}, vm.raise(fr, instr.Line, ErrDivideByZero, "attempt to divide by zero")
			}
			fr.regs[instr.A] = DoubleValue(vm.builtin[ClassDouble], asDouble(fr.regs[instr.B])/rhs)

		case OpUnaryMinus:
			v := fr.regs[instr.B]
			if v.Sig.Class.ID == ClassDouble {
				fr.regs[instr.A] = DoubleValue(v.Sig, -v.D)
			} else {
				fr.regs[instr.A] = IntValue(v.Sig, -v.I)
			}
		case OpUnaryNot:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(fr.regs[instr.B].I == 0))

		case OpIsEqual:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(vm.valuesEqual(fr.regs[instr.B], fr.regs[instr.C])))
		case OpNotEq:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(!vm.valuesEqual(fr.regs[instr.B], fr.regs[instr.C])))
		case OpLess:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(vm.compare(fr.regs[instr.B], fr.regs[instr.C]) < 0))
		case OpLessEq:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(vm.compare(fr.regs[instr.B], fr.regs[instr.C]) <= 0))
		case OpGreater:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(vm.compare(fr.regs[instr.B], fr.regs[instr.C]) > 0))
		case OpGreaterEq:
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(vm.compare(fr.regs[instr.B], fr.regs[instr.C]) >= 0))

		case OpJump:
			fr.pos += instr.Extra
			continue
		case OpJumpIfTrue:
			if fr.regs[instr.B].I != 0 {
				fr.pos += instr.Extra
				continue
			}
		case OpJumpIfFalse:
			if fr.regs[instr.B].I == 0 {
				fr.pos += instr.Extra
				continue
			}

		case OpForSetup:
			// seeds the loop var (A) one step before the start bound (B),
			// so integer_for's first advance lands on the start value.
			step := int64(1)
			if instr.Extra >= 0 {
				step = fr.regs[instr.Extra].I
			}
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], fr.regs[instr.B].I-step)
		case OpIntegerFor:
			limit := fr.regs[instr.B].I
			step := int64(1)
			if instr.C >= 0 {
				step = fr.regs[instr.C].I
			}
			cur := fr.regs[instr.A].I + step
			done := (step >= 0 && cur > limit) || (step < 0 && cur < limit)
			if done {
				fr.pos += instr.Extra
				continue
			}
			fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], cur)

		case OpReturnVal:
			return fr.regs[instr.B], nil
		case OpReturnNoVal, OpReturnFromVM:
			return Value{}, nil
		case OpReturnExpected:
			return Value{}, vm.raise(fr, instr.Line, ErrReturnExpected, "method '%s' did not return a value on every path", fr.method.Name)

		case OpBuildList:
			items, consumed := vm.gatherVarArgs(fr, code, instr)
			obj := &ListObj{Items: items}
			obj.Cls = vm.classes["List"]
			vm.gc.Register(obj)
			fr.regs[instr.A] = ObjValue(vm.builtin[ClassList], obj)
			fr.pos += consumed
		case OpBuildHash:
			pairs, consumed := vm.gatherHashArgs(fr, code, instr)
			obj := &HashObj{}
			obj.Cls = vm.classes["Hash"]
			for _, p := range pairs {
				hashPut(obj, p[0], p[1])
			}
			vm.gc.Register(obj)
			fr.regs[instr.A] = ObjValue(vm.builtin[ClassHash], obj)
			fr.pos += consumed
		case OpBuildTuple:
			items, consumed := vm.gatherVarArgs(fr, code, instr)
			obj := &TupleObj{Items: items}
			obj.Cls = vm.classes["Tuple"]
			vm.gc.Register(obj)
			fr.regs[instr.A] = ObjValue(vm.builtin[ClassTuple], obj)
			fr.pos += consumed
		case OpBuildVariant:
			items, consumed := vm.gatherVarArgs(fr, code, instr)
			cls := vm.findEnumClassForVariant(instr.Str)
			var def *VariantDef
			for i := range cls.Variants {
				if cls.Variants[i].Name == instr.Str {
					def = cls.Variants[i]
				}
			}
			obj := &VariantObj{Def: def, Payload: items}
			obj.Cls = cls
			vm.gc.Register(obj)
			fr.regs[instr.A] = ObjValue(cls.Sig, obj)
			fr.pos += consumed
		case OpBuildInstance:
			cls := vm.classes[instr.Str]
			obj := &InstanceObj{Fields: make([]Value, len(cls.Fields))}
			obj.Cls = cls
			vm.gc.Register(obj)
			fr.regs[instr.A] = ObjValue(cls.Sig, obj)

		case OpGetItem:
			obj := fr.regs[instr.B].Obj
			switch o := obj.(type) {
			case *InstanceObj:
				fr.regs[instr.A] = o.Fields[instr.C]
			case *VariantObj:
				fr.regs[instr.A] = o.Payload[instr.C]
			case *TupleObj:
				fr.regs[instr.A] = o.Items[instr.C]
			default:
				return Value{}, vm.raise(fr, instr.Line, ErrBadValue, "value has no indexed fields")
			}
		case OpSetItem:
			obj := fr.regs[instr.A].Obj
			switch o := obj.(type) {
			case *InstanceObj:
				o.Fields[instr.B] = fr.regs[instr.C]
			case *ListObj, *HashObj:
				if err := vm.subscriptSet(fr, obj, fr.regs[instr.B], fr.regs[instr.C]); err != nil {
					return Value{}, err
				}
			default:
				return Value{}, vm.raise(fr, instr.Line, ErrBadValue, "value does not support item assignment")
			}
		case OpSubscript:
			v, err := vm.subscriptGet(fr, fr.regs[instr.B], fr.regs[instr.C])
			if err != nil {
				return Value{}, err
			}
			fr.regs[instr.A] = v

		case OpAnyTypecast:
			dyn := fr.regs[instr.B].Obj.(*DynamicObj)
			fr.regs[instr.A] = dyn.Inner
		case OpIntnumTypecast:
			v := fr.regs[instr.B]
			if v.Sig.Class.ID == ClassInteger {
				fr.regs[instr.A] = DoubleValue(vm.builtin[ClassDouble], float64(v.I))
			} else {
				fr.regs[instr.A] = IntValue(vm.builtin[ClassInteger], int64(v.D))
			}

		case OpFunctionCall:
			args, consumed := vm.gatherVarArgs(fr, code, instr)
			fn, ok := vm.methods[instr.Str]
			if !ok {
				return Value{}, vm.raise(fr, instr.Line, ErrBadValue, "'%s' is not a known function", instr.Str)
			}
			ret, err := vm.call(fn, args, instr.Line)
			if err != nil {
				return Value{}, vm.unwind(fr, err)
			}
			fr.regs[instr.A] = ret
			fr.pos += consumed
		case OpMethodCall:
			args, consumed := vm.gatherVarArgs(fr, code, instr)
			recv := fr.regs[instr.B]
			fn := vm.resolveMethod(recv, instr.Str)
			if fn == nil {
				return Value{}, vm.raise(fr, instr.Line, ErrBadValue, "no method '%s'", instr.Str)
			}
			ret, err := vm.call(fn, append([]Value{recv}, args...), instr.Line)
			if err != nil {
				return Value{}, vm.unwind(fr, err)
			}
			fr.regs[instr.A] = ret
			fr.pos += consumed
		case OpCallRegister:
			args, consumed := vm.gatherVarArgs(fr, code, instr)
			calleeVal := fr.regs[instr.B]
			fnObj, ok := calleeVal.Obj.(*FunctionObj)
			if !ok {
				return Value{}, vm.raise(fr, instr.Line, ErrBadValue, "value is not callable")
			}
			m := fnObj.Method
			if m == nil && fnObj.Native != nil {
				m = &Method{Name: "<foreign>", Native: fnObj.Native}
			}
			ret, err := vm.callClosure(m, args, instr.Line, fnObj.Closure)
			if err != nil {
				return Value{}, vm.unwind(fr, err)
			}
			fr.regs[instr.A] = ret
			fr.pos += consumed
		case OpTailCall:
			// performs no call and changes no register; the emitter
			// does not emit tail_call.

		case OpPushTry:
			fr.tries = append(fr.tries, tryFrame{catchPos: fr.pos + instr.Extra})
		case OpPopTry:
			if len(fr.tries) > 0 {
				fr.tries = fr.tries[:len(fr.tries)-1]
			}
		case OpRaise:
			return Value{}, vm.unwind(fr, vm.raiseValue(fr, instr.Line, fr.regs[instr.B]))
		case OpExceptMatch:
			// A gets the boolean match result (what OpJumpIfFalse
			// actually branches on, since it only ever reads a
			// register's integer payload); B gets the caught exception
			// value itself, valid only when A is true.
			if vm.hasException && vm.exceptionMatchesClass(instr.Str) {
				fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], 1)
				fr.regs[instr.B] = vm.curException
				vm.hasException = false
			} else {
				fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], 0)
			}
		case OpMatchVariant:
			obj, ok := fr.regs[instr.B].Obj.(*VariantObj)
			match := ok && obj.Def != nil && obj.Def.Name == instr.Str
			fr.regs[instr.A] = IntValue(vm.builtin[ClassBoolean], boolInt(match))
		case OpGetTraceback:
			// debug-only opcode; traceback text is already carried on
			// RaiseError, so this is a no-op placeholder register clear.
			fr.regs[instr.A] = Value{Nil: true}

		case OpShow:
			fmt.Fprintln(vm.opts.Stdout, vm.displayValue(fr.regs[instr.A]))
		case OpPackageGet:
			v, err := vm.packageGet(instr.Str)
			if err != nil {
				return Value{}, vm.raise(fr, instr.Line, ErrImport, err.Error())
			}
			fr.regs[instr.A] = v
		case OpPackageSet:
			vm.packageSet(instr.Str, fr.regs[instr.A])
		case OpHalt:
			return Value{}, nil
		}
		fr.pos++
	}
	return Value{}, nil
}

// closureCells exposes the cell array this frame was invoked with (the
// callee FunctionObj's Closure), which closure_get/closure_set index.
func (fr *callFrame) closureCells() []*ClosureCell { return fr.closure }

func asDouble(v Value) float64 {
	if v.Sig != nil && v.Sig.Class != nil && v.Sig.Class.ID == ClassInteger {
		return float64(v.I)
	}
	return v.D
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// gatherVarArgs reads instr.Extra OpAssign continuation instructions
// that immediately follow instr (the convention emitter.go uses for
// list/tuple/call arguments of unknown width) and returns their operand
// registers' values plus how many extra instructions were consumed.
func (vm *VM) gatherVarArgs(fr *callFrame, code []Instr, instr Instr) ([]Value, int) {
	out := make([]Value, 0, instr.Extra)
	for i := 1; i <= instr.Extra; i++ {
		out = append(out, fr.regs[code[fr.pos+i].B])
	}
	return out, instr.Extra
}

func (vm *VM) gatherHashArgs(fr *callFrame, code []Instr, instr Instr) ([][2]Value, int) {
	out := make([][2]Value, 0, instr.Extra)
	for i := 1; i <= instr.Extra; i++ {
		c := code[fr.pos+i]
		out = append(out, [2]Value{fr.regs[c.B], fr.regs[c.C]})
	}
	return out, instr.Extra
}

func (vm *VM) findEnumClassForVariant(name string) *Class {
	for _, cls := range vm.classes {
		if !cls.IsEnum {
			continue
		}
		for _, v := range cls.Variants {
			if v.Name == name {
				return cls
			}
		}
	}
	return nil
}

func (vm *VM) resolveMethod(recv Value, name string) *Method {
	if recv.Sig == nil || recv.Sig.Class == nil {
		return nil
	}
	for cls := recv.Sig.Class; cls != nil; cls = cls.Parent {
		if m, ok := vm.classMethods[cls.Name]; ok {
			if fn, ok := m[name]; ok {
				return fn
			}
		}
	}
	return nil
}

// raise builds a RaiseError at the VM's current position and begins
// unwinding it through the active frame's try-stack.
func (vm *VM) raise(fr *callFrame, line int, code ErrorCode, format string, args ...any) error {
	err := vm.raiser.Raise(code, line, format, args...)
	return vm.unwind(fr, err)
}

func (vm *VM) raiseValue(fr *callFrame, line int, v Value) *RaiseError {
	className := ""
	if v.Sig != nil && v.Sig.Class != nil {
		className = v.Sig.Class.Name
	}
	err := vm.raiser.RaiseClass(className, line, "%s", vm.displayValue(v))
	vm.curException = v
	vm.hasException = true
	return err
}

// unwind walks fr's try-stack first; if one is open, it resumes bytecode
// there instead of propagating further (the caller of runFrame never
// sees the error in that case -- unwind itself drives the resumed loop).
// If fr has no open try, the error is handed back to call(), which walks
// up to the parent frame the same way, building a traceback entry at
// each level per spec 4.G.
func (vm *VM) unwind(fr *callFrame, err error) error {
	re, ok := err.(*RaiseError)
	if !ok {
		return err
	}
	line := 0
	if fr.pos < len(fr.method.Code) {
		line = fr.method.Code[fr.pos].Line
	}
	re.Traceback = append(re.Traceback, TraceLine{MethodName: fr.method.Name, ClassName: fr.method.ClassName, Line: line})
	if len(fr.tries) == 0 {
		vm.lastError = re
		return re
	}
	top := fr.tries[len(fr.tries)-1]
	fr.tries = fr.tries[:len(fr.tries)-1]
	fr.pos = top.catchPos
	vm.hasException = true
	if !ok {
		return nil
	}
	res, rerr := vm.runFrame(fr)
	if rerr != nil {
		return rerr
	}
	_ = res
	return nil
}

func (vm *VM) exceptionMatchesClass(className string) bool {
	if !vm.hasException || vm.curException.Sig == nil || vm.curException.Sig.Class == nil {
		return false
	}
	for cls := vm.curException.Sig.Class; cls != nil; cls = cls.Parent {
		if cls.Name == className {
			return true
		}
	}
	return false
}

func (vm *VM) valuesEqual(a, b Value) bool {
	if a.Sig != b.Sig {
		if a.Sig == nil || b.Sig == nil || a.Sig.Class.ID != b.Sig.Class.ID {
			return false
		}
	}
	switch a.Sig.Class.ID {
	case ClassInteger, ClassBoolean, ClassByte:
		return a.I == b.I
	case ClassDouble:
		return a.D == b.D
	case ClassString:
		return a.Obj.(*StringObj).S == b.Obj.(*StringObj).S
	default:
		return a.Obj == b.Obj
	}
}

func (vm *VM) compare(a, b Value) int {
	if a.Sig != nil && a.Sig.Class.ID == ClassString {
		as, bs := a.Obj.(*StringObj).S, b.Obj.(*StringObj).S
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	af, bf := asDouble(a), asDouble(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

// subscriptGet implements List/Tuple/Hash `[]` reads, including the
// negative-index wraparound decision recorded in DESIGN.md.
func (vm *VM) subscriptGet(fr *callFrame, container, index Value) (Value, error) {
	switch obj := container.Obj.(type) {
	case *ListObj:
		i := normalizeIndex(index.I, len(obj.Items))
		if i < 0 || i >= len(obj.Items) {
			return Value{}, vm.raise(fr, 0, ErrOutOfRange, "index %d is out of range", index.I)
		}
		return obj.Items[i], nil
	case *TupleObj:
		i := normalizeIndex(index.I, len(obj.Items))
		if i < 0 || i >= len(obj.Items) {
			return Value{}, vm.raise(fr, 0, ErrOutOfRange, "index %d is out of range", index.I)
		}
		return obj.Items[i], nil
	case *HashObj:
		v, ok := hashGet(obj, index)
		if !ok {
			return Value{}, vm.raise(fr, 0, ErrKey, "key not found in hash")
		}
		return v, nil
	}
	return Value{}, vm.raise(fr, 0, ErrBadValue, "value is not subscriptable")
}

func (vm *VM) subscriptSet(fr *callFrame, container Heap, index, val Value) error {
	switch obj := container.(type) {
	case *ListObj:
		i := normalizeIndex(index.I, len(obj.Items))
		if i < 0 || i >= len(obj.Items) {
			return vm.raise(fr, 0, ErrOutOfRange, "index %d is out of range", index.I)
		}
		obj.Items[i] = val
	case *HashObj:
		hashPut(obj, index, val)
	default:
		return vm.raise(fr, 0, ErrBadValue, "value does not support item assignment")
	}
	return nil
}

// normalizeIndex resolves a possibly-negative index against length the
// way Python-descended scripting languages do (-1 is the last element).
// The open question in spec 9 ("what should Lily do about negative list
// indices -- wrap, or error?") is decided here: wrap, bounds-checked by
// the caller afterward.
func normalizeIndex(i int64, length int) int {
	if i < 0 {
		return length + int(i)
	}
	return int(i)
}

func hashPut(h *HashObj, key, val Value) {
	hv := hashValue(key)
	for e := bucketHead(h, hv); e != nil; e = e.Next {
		if e.Hash == hv && valuesShallowEqual(e.Key, key) {
			e.Val = val
			return
		}
	}
	if h.NumEntries >= len(h.Bins)*5 {
		growHash(h)
	}
	if len(h.Bins) == 0 {
		h.Bins = make([]*HashEntry, 8)
	}
	idx := hv % uint64(len(h.Bins))
	h.Bins[idx] = &HashEntry{Key: key, Val: val, Hash: hv, Next: h.Bins[idx]}
	h.NumEntries++
}

func hashGet(h *HashObj, key Value) (Value, bool) {
	if len(h.Bins) == 0 {
		return Value{}, false
	}
	hv := hashValue(key)
	for e := bucketHead(h, hv); e != nil; e = e.Next {
		if e.Hash == hv && valuesShallowEqual(e.Key, key) {
			return e.Val, true
		}
	}
	return Value{}, false
}

func bucketHead(h *HashObj, hv uint64) *HashEntry {
	if len(h.Bins) == 0 {
		return nil
	}
	return h.Bins[hv%uint64(len(h.Bins))]
}

func growHash(h *HashObj) {
	old := h.Bins
	h.Bins = make([]*HashEntry, max(8, len(old)*2))
	for _, head := range old {
		for e := head; e != nil; {
			next := e.Next
			idx := e.Hash % uint64(len(h.Bins))
			e.Next = h.Bins[idx]
			h.Bins[idx] = e
			e = next
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func valuesShallowEqual(a, b Value) bool {
	if a.Sig != nil && a.Sig.Class.ID == ClassString {
		return a.Obj.(*StringObj).S == b.Obj.(*StringObj).S
	}
	return a.I == b.I && a.D == b.D && a.Obj == b.Obj
}

func hashValue(v Value) uint64 {
	if v.Sig == nil || v.Sig.Class == nil {
		return 0
	}
	switch v.Sig.Class.ID {
	case ClassString:
		return fnv1a(v.Obj.(*StringObj).S)
	default:
		return uint64(v.I)
	}
}

func fnv1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func (vm *VM) displayValue(v Value) string {
	if v.Nil {
		return "(nil)"
	}
	if v.Sig == nil || v.Sig.Class == nil {
		return "?"
	}
	switch v.Sig.Class.ID {
	case ClassInteger, ClassBoolean, ClassByte:
		return fmt.Sprintf("%d", v.I)
	case ClassDouble:
		return fmt.Sprintf("%g", v.D)
	case ClassString:
		return v.Obj.(*StringObj).S
	default:
		return v.Sig.String()
	}
}

// packageGet/packageSet are placeholders for the dynaload-backed package
// namespace (lily/dynaload); the core VM only needs enough here to keep
// `Pkg::member` well-typed until a package registers real bindings.
func (vm *VM) packageGet(path string) (Value, error) {
	return Value{Nil: true}, nil
}

func (vm *VM) packageSet(path string, v Value) {}

// LastError returns the most recently uncaught exception, or nil.
func (vm *VM) LastError() *RaiseError { return vm.lastError }
