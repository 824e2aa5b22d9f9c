package lily

import "fmt"

// ClassID identifies a class the way the teacher's grammar AST nodes are
// identified by a small closed Kind enum (grammar_ast.go), except here the
// set is extensible: user classes and enums receive ids past the builtin
// range at symbol-table registration time.
type ClassID int

const (
	ClassInvalid ClassID = iota
	ClassInteger
	ClassDouble
	ClassString
	ClassByte
	ClassBoolean
	ClassList
	ClassHash
	ClassTuple
	ClassAny
	ClassFunction
	ClassFile
	ClassForeign
	ClassException
	classBuiltinCount
)

// SigFlag bits decorate a Signature the way the spec's "varargs,
// may-be-circular" flags decorate an interned sig.
type SigFlag int

const (
	SigVarargs SigFlag = 1 << iota
	SigMayBeCircular
	SigTemplate
)

// Signature is the interpreter's representation of a type: an interned
// record of a class pointer plus an ordered list of sub-signatures.
// Interning (owned by SymTab.InternSignature) guarantees pointer equality
// implies structural equality, so the VM and emitter compare types with a
// single pointer comparison.
type Signature struct {
	Class      *Class
	Subsigs    []*Signature
	Flags      SigFlag
	TemplatePos int // meaningful only when Flags&SigTemplate != 0
}

func (s *Signature) IsVarargs() bool      { return s.Flags&SigVarargs != 0 }
func (s *Signature) MayBeCircular() bool  { return s.Flags&SigMayBeCircular != 0 }
func (s *Signature) IsTemplate() bool     { return s.Flags&SigTemplate != 0 }

// String renders the signature the way the raiser's %T directive wants
// it: `List[String]`, `Function(Integer):String`, etc.
func (s *Signature) String() string {
	if s == nil {
		return "<none>"
	}
	if s.IsTemplate() {
		if s.Class != nil && s.Class.Name != "" {
			return s.Class.Name
		}
		return fmt.Sprintf("A%d", s.TemplatePos)
	}
	if s.Class != nil && s.Class.ID == ClassFunction {
		// Subsigs hold the parameters followed by the return type.
		params, ret := s.Subsigs, (*Signature)(nil)
		if n := len(params); n > 0 {
			params, ret = params[:n-1], params[n-1]
		}
		out := "Function("
		for i, sub := range params {
			if i > 0 {
				out += ", "
			}
			if i == len(params)-1 && s.IsVarargs() {
				out += sub.String() + "..."
				continue
			}
			out += sub.String()
		}
		out += ")"
		if ret != nil {
			out += ":" + ret.String()
		}
		return out
	}
	if len(s.Subsigs) == 0 {
		if s.Class == nil {
			return "?"
		}
		return s.Class.Name
	}
	out := s.Class.Name + "["
	for i, sub := range s.Subsigs {
		if i > 0 {
			out += ", "
		}
		out += sub.String()
	}
	return out + "]"
}

// Equal compares two interned signatures by pointer identity; per the
// testable-properties section this is the only comparison the emitter or
// VM should ever perform.
func (s *Signature) Equal(o *Signature) bool { return s == o }

// Class describes a type's runtime shape: refcounted-ness, template
// arity, its member chain, and the function pointers the GC and hashing
// machinery dispatch through.
type Class struct {
	Name          string
	ID            ClassID
	IsRefcounted  bool
	TemplateCount int
	Sig           *Signature
	Parent        *Class

	// Methods and Fields hold the class's own member chain; inherited
	// members are looked up by walking Parent.
	Methods map[string]*Var
	Fields  []*ClassField

	// IsEnum marks a sum-type class; Variants holds its cases in
	// declaration order.
	IsEnum   bool
	Variants []*VariantDef

	// GCMarker walks the children of a heap object of this class during
	// a mark-sweep pass (nil for classes that cannot hold a reference,
	// e.g. Integer/Double/String).
	GCMarker func(gc *GC, obj Heap, pass int)

	// Destroy tears down a heap object's payload once its refcount
	// reaches zero (or the GC reclaims it as part of a cycle).
	Destroy func(vm *VM, obj Heap)

	// HashFn computes a bucket hash for values used as hash keys;
	// nil for classes that cannot be hash keys.
	HashFn func(v Value) uint64
}

// ClassField is one declared instance field of a user class.
type ClassField struct {
	Name string
	Sig  *Signature
	Line int
}

// VariantDef is one case of an enum: a name plus the signatures of its
// payload (empty for a bare marker case like `None`).
type VariantDef struct {
	Name    string
	Index   int
	Payload []*Signature
	Parent  *Class
}

// Heap is implemented by every reference-counted payload kind: String,
// List, Hash, Tuple, Instance, Variant, Dynamic/Any, File, Foreign,
// Function(native or foreign).
type Heap interface {
	Header() *HeapHeader
	Class() *Class
}

// HeapHeader is embedded by every heap object. It tracks the refcount,
// whether the object is registered with the GC's entry set, and (for
// tagged objects) the entry itself.
type HeapHeader struct {
	RC       int
	Tagged   bool
	Entry    *GCEntry
	Cls      *Class
}

func (h *HeapHeader) Header() *HeapHeader { return h }
func (h *HeapHeader) Class() *Class       { return h.Cls }

// Value is a tag (class pointer) plus a union payload: an inline integer
// or double for unboxed primitives, or a pointer to a heap object for
// everything refcounted. Exactly one of the three payload fields is
// meaningful, selected by Sig.Class.ID.
type Value struct {
	Sig *Signature
	I   int64
	D   float64
	Obj Heap
	Nil bool
}

func IntValue(sig *Signature, i int64) Value    { return Value{Sig: sig, I: i} }
func DoubleValue(sig *Signature, d float64) Value { return Value{Sig: sig, D: d} }
func ObjValue(sig *Signature, o Heap) Value      { return Value{Sig: sig, Obj: o} }
func NilValue(sig *Signature) Value             { return Value{Sig: sig, Nil: true} }

// IsRefcounted reports whether v's class participates in refcounting.
func (v Value) IsRefcounted() bool {
	return v.Sig != nil && v.Sig.Class != nil && v.Sig.Class.IsRefcounted
}

// --- heap object kinds -----------------------------------------------

type StringObj struct {
	HeapHeader
	S string
}

type ListObj struct {
	HeapHeader
	ElemSig *Signature
	Items   []Value
}

type HashEntry struct {
	Key  Value
	Val  Value
	Hash uint64
	Next *HashEntry
}

type HashObj struct {
	HeapHeader
	KeySig, ValSig *Signature
	Bins           []*HashEntry
	NumEntries     int
}

type TupleObj struct {
	HeapHeader
	Items []Value
}

type InstanceObj struct {
	HeapHeader
	Fields []Value
}

type VariantObj struct {
	HeapHeader
	Def     *VariantDef
	Payload []Value
}

// DynamicObj backs the Object/Any container: a type tag plus the inner
// value it currently holds. The tag being absent models "nil".
type DynamicObj struct {
	HeapHeader
	Inner Value
}

type FileObj struct {
	HeapHeader
	Name   string
	Closed bool
}

// ForeignObj wraps an opaque payload a package supplies, along with a
// destructor the GC/refcounting path calls on teardown.
type ForeignObj struct {
	HeapHeader
	Payload any
	Destroy func(any)
}

// FunctionObj is either native (bytecode-backed) or foreign (a Go
// callback registered through the embedding API).
type FunctionObj struct {
	HeapHeader
	Method  *Method
	Native  ForeignFn
	Closure []*ClosureCell
}

// ClosureCell is a single captured-variable slot. make_closure copies the
// creator's current value into a fresh cell, which every call of the
// resulting FunctionObj then shares.
type ClosureCell struct {
	Value Value
}

// ForeignFn is the Go-side shape of a foreign (C-callable, here
// Go-callable) function registered via RegisterPackage.
type ForeignFn func(vm *VM) error
