package lily

import "fmt"

// VarStorage distinguishes where a Var's value lives at runtime.
type VarStorage int

const (
	StorageLocal VarStorage = iota
	StorageGlobal
	StorageReadonly
)

// Var is a declared name: a signature, a storage kind, the register it
// occupies, and enough bookkeeping for the symbol table to hide it again
// when its lexical block closes.
type Var struct {
	Name       string
	Sig        *Signature
	Storage    VarStorage
	Reg        int
	Line       int
	InScope    bool
	IsReadonly bool

	// ClosureSpot is -1 until the closure transform (emitter.go) decides
	// this var is captured by an inner method, at which point it becomes
	// the var's index into the shared closure-cell array.
	ClosureSpot int
}

// Literal is an interned constant with its own register in __main__.
type Literal struct {
	Sig  *Signature
	IVal int64
	DVal float64
	SVal string
	Reg  int
}

// SymTab owns the class table, the chain of in-scope variables, the
// interned signature chain, the literal chain, and the list of methods
// whose lexical scope has closed but whose code must remain reachable
// because a value might still reference it (closures, stored callbacks).
type SymTab struct {
	classes   map[string]*Class
	classByID map[ClassID]*Class
	nextID    ClassID

	vars []*Var

	sigChain []*Signature
	sigIndex map[string]*Signature

	literals     []*Literal
	literalIndex map[string]*Literal

	oldMethodVars []*Var

	nextGlobalReg int

	builtin map[ClassID]*Signature
}

// NewSymTab builds a symbol table pre-seeded with the builtin classes
// (Integer, Double, String, Byte, Boolean, List, Hash, Tuple, Any,
// Function, File, Foreign, Exception).
func NewSymTab() *SymTab {
	st := &SymTab{
		classes:      make(map[string]*Class),
		classByID:    make(map[ClassID]*Class),
		sigIndex:     make(map[string]*Signature),
		literalIndex: make(map[string]*Literal),
		builtin:      make(map[ClassID]*Signature),
		nextID:       classBuiltinCount,
	}
	st.seedBuiltins()
	return st
}

func (st *SymTab) seedBuiltins() {
	seed := []struct {
		id      ClassID
		name    string
		refct   bool
		tmpls   int
	}{
		{ClassInteger, "Integer", false, 0},
		{ClassDouble, "Double", false, 0},
		{ClassString, "String", true, 0},
		{ClassByte, "Byte", false, 0},
		{ClassBoolean, "Boolean", false, 0},
		{ClassList, "List", true, 1},
		{ClassHash, "Hash", true, 2},
		{ClassTuple, "Tuple", true, -1}, // -1: variable arity
		{ClassAny, "Any", true, 0},
		{ClassFunction, "Function", true, -1},
		{ClassFile, "File", true, 0},
		{ClassForeign, "Foreign", true, 0},
		{ClassException, "Exception", true, 0},
	}
	for _, s := range seed {
		cls := &Class{Name: s.name, ID: s.id, IsRefcounted: s.refct, TemplateCount: s.tmpls}
		cls.Sig = &Signature{Class: cls}
		switch s.id {
		case ClassList, ClassHash, ClassTuple, ClassAny, ClassFunction, ClassException, ClassForeign:
			cls.GCMarker = defaultInstanceMark
			cls.Destroy = defaultInstanceDestroy
		}
		st.classes[s.name] = cls
		st.classByID[s.id] = cls
		st.builtin[s.id] = cls.Sig
	}
}

// ClassByName looks up a registered class (builtin or user-defined).
func (st *SymTab) ClassByName(name string) (*Class, bool) {
	c, ok := st.classes[name]
	return c, ok
}

// ClassByID looks up a registered class by its runtime id.
func (st *SymTab) ClassByID(id ClassID) (*Class, bool) {
	c, ok := st.classByID[id]
	return c, ok
}

// DeclareClass registers a brand new user class (or enum) and returns it,
// allocating the next free class id.
func (st *SymTab) DeclareClass(name string, refcounted bool, parent *Class) *Class {
	cls := &Class{
		Name:         name,
		ID:           st.nextID,
		IsRefcounted: refcounted,
		Parent:       parent,
		Methods:      make(map[string]*Var),
	}
	cls.Sig = &Signature{Class: cls}
	st.nextID++
	st.classes[name] = cls
	st.classByID[cls.ID] = cls
	return cls
}

// SigForClass returns the plain (non-templated) signature for a builtin
// or user class.
func (st *SymTab) SigForClass(cls *Class) *Signature { return cls.Sig }

// InternSignature returns the unique signature with the given structural
// contents, allocating and linking a new one if none of the existing
// chain matches. Because the chain is also indexed by a structural key,
// lookup is O(1) instead of the source's linear scan.
func (st *SymTab) InternSignature(cls *Class, subsigs []*Signature, flags SigFlag) *Signature {
	key := sigKey(cls, subsigs, flags, -1)
	if existing, ok := st.sigIndex[key]; ok {
		return existing
	}
	sig := &Signature{Class: cls, Subsigs: subsigs, Flags: flags}
	st.sigChain = append(st.sigChain, sig)
	st.sigIndex[key] = sig
	return sig
}

// InternTemplateSig returns the interned sig representing template
// position pos (e.g. the `T` in `list[T]`).
func (st *SymTab) InternTemplateSig(pos int) *Signature {
	key := fmt.Sprintf("tmpl:%d", pos)
	if existing, ok := st.sigIndex[key]; ok {
		return existing
	}
	sig := &Signature{Flags: SigTemplate, TemplatePos: pos}
	st.sigChain = append(st.sigChain, sig)
	st.sigIndex[key] = sig
	return sig
}

func sigKey(cls *Class, subsigs []*Signature, flags SigFlag, templatePos int) string {
	id := ClassID(-1)
	if cls != nil {
		id = cls.ID
	}
	s := fmt.Sprintf("c%d:f%d:t%d:", id, flags, templatePos)
	for _, sub := range subsigs {
		s += fmt.Sprintf("%p,", sub)
	}
	return s
}

// NewVar appends a fresh var to the current scope chain.
func (st *SymTab) NewVar(name string, sig *Signature, storage VarStorage, line int, readonly bool) *Var {
	v := &Var{
		Name:        name,
		Sig:         sig,
		Storage:     storage,
		Line:        line,
		InScope:     true,
		IsReadonly:  readonly,
		ClosureSpot: -1,
	}
	if storage == StorageGlobal {
		v.Reg = st.nextGlobalReg
		st.nextGlobalReg++
	}
	st.vars = append(st.vars, v)
	return v
}

// FindVar searches the in-scope chain from most-recently-declared to
// oldest, the way nested lexical blocks shadow outer declarations.
func (st *SymTab) FindVar(name string) *Var {
	for i := len(st.vars) - 1; i >= 0; i-- {
		if st.vars[i].InScope && st.vars[i].Name == name {
			return st.vars[i]
		}
	}
	return nil
}

// ScopeMark returns an opaque marker for the current top of the var
// chain, to be passed back to HideBlockVars on block exit.
func (st *SymTab) ScopeMark() int { return len(st.vars) }

// HideBlockVars marks every var declared since mark as out of scope. The
// vars are not removed: emitted bytecode earlier in the method may still
// reference their register by number, and the closure transform may still
// need their ClosureSpot assignment.
func (st *SymTab) HideBlockVars(mark int) {
	for i := mark; i < len(st.vars); i++ {
		st.vars[i].InScope = false
	}
}

// RetireMethodVars moves a method's local vars into the "old" chain once
// the method itself goes out of scope (e.g. a nested `define` finishes),
// keeping them reachable for diagnostics without polluting FindVar.
func (st *SymTab) RetireMethodVars(mark int) {
	st.oldMethodVars = append(st.oldMethodVars, st.vars[mark:]...)
	st.vars = st.vars[:mark]
}

// InternLiteral returns the shared literal for a payload, allocating a
// fresh __main__ register for it on first use.
func (st *SymTab) InternLiteral(sig *Signature, ival int64, dval float64, sval string) *Literal {
	key := fmt.Sprintf("%p:%d:%v:%s", sig, ival, dval, sval)
	if existing, ok := st.literalIndex[key]; ok {
		return existing
	}
	lit := &Literal{Sig: sig, IVal: ival, DVal: dval, SVal: sval, Reg: len(st.literals)}
	st.literals = append(st.literals, lit)
	st.literalIndex[key] = lit
	return lit
}

func (st *SymTab) Literals() []*Literal { return st.literals }
