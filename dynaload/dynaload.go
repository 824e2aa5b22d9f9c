// Package dynaload implements the seed-table protocol by which a
// standard-library package (sys, time, random, postgres, the builtin
// str/list methods) declares its classes, methods, and vars. The core
// (lily.State.RegisterPackage) materializes a whole table when the
// package is registered, not on first reference.
//
// A seed table is a flat sequence of tagged records: 'C' starts a class,
// 'm' declares a method on the most recently started class, 'F' declares
// a free function, 'R' declares a readonly var, and 'Z' ends the table.
// This mirrors the tag-byte seed format the original implementation
// builds by hand in its package source files, expressed here as Go
// struct literals instead of a C initializer list.
package dynaload

// Kind is a seed record's tag.
type Kind byte

const (
	KindClass    Kind = 'C'
	KindMethod   Kind = 'm'
	KindFunction Kind = 'F'
	KindVar      Kind = 'R'
	KindEnd      Kind = 'Z'
)

// Seed is one entry of a package's seed table.
type Seed struct {
	Kind Kind

	// Name is the class/method/function/var name this seed declares.
	Name string

	// Signature is a compact type descriptor in the same textual shape
	// spec 4.B's Signature.String() produces, e.g. "Function(String):Integer".
	// The core's dynaload.go parses it when the package is registered.
	Signature string

	// ClassName is set on KindMethod to the owning class (the most
	// recently emitted KindClass seed), so a flat table can still
	// describe a class's full method set.
	ClassName string
}

// Table is a parsed seed table plus a Go-side implementation id: the
// generated code backing each KindFunction/KindMethod seed is supplied
// out of band by the registering package, keyed by Name (and
// ClassName+Name for methods), since the table itself only carries types.
type Table struct {
	Seeds []Seed
}

// Builder accumulates seeds in declaration order, tracking the current
// class the way the original's hand-written tables track it implicitly
// by position.
type Builder struct {
	seeds     []Seed
	curClass  string
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Class(name string) *Builder {
	b.curClass = name
	b.seeds = append(b.seeds, Seed{Kind: KindClass, Name: name})
	return b
}

func (b *Builder) Method(name, signature string) *Builder {
	b.seeds = append(b.seeds, Seed{Kind: KindMethod, Name: name, Signature: signature, ClassName: b.curClass})
	return b
}

func (b *Builder) Function(name, signature string) *Builder {
	b.seeds = append(b.seeds, Seed{Kind: KindFunction, Name: name, Signature: signature})
	return b
}

func (b *Builder) Var(name, signature string) *Builder {
	b.seeds = append(b.seeds, Seed{Kind: KindVar, Name: name, Signature: signature})
	return b
}

func (b *Builder) Build() *Table {
	return &Table{Seeds: append(b.seeds, Seed{Kind: KindEnd})}
}

// StrSeeds describes the minimal String instance methods a complete
// implementation would dynaload on first use: upper, lower, len.
func StrSeeds() *Table {
	return NewBuilder().
		Class("String").
		Method("upper", "Function():String").
		Method("lower", "Function():String").
		Method("len", "Function():Integer").
		Build()
}

// ListSeeds describes the minimal List instance methods: append, size.
func ListSeeds() *Table {
	return NewBuilder().
		Class("List").
		Method("append", "Function(A):Unit").
		Method("size", "Function():Integer").
		Build()
}
