package lily

import (
	"strings"

	"github.com/lily-lang/lily/dynaload"
)

// dynaloadRegister materializes a parsed seed table into st and vm: each
// 'C' seed gets (or reuses) a Class, each 'F'/'m' seed gets a Method stub
// carrying the parsed Signature plus the native implementation the
// caller supplied, and each 'R' seed gets a readonly global Var. This is
// the Go-side counterpart of the original implementation's lazy
// class-loader, except nothing here is actually lazy: Go has no
// equivalent of loading a package's seed table only on first reference,
// so registration materializes everything up front.
//
// impls supplies the Go function backing every 'F'/'m' seed, keyed by
// name for functions and "Class.method" for instance methods. A seed
// with no matching entry in impls gets a stub that raises when called,
// the way an unimplemented dynaload entry in the original source would
// panic rather than silently no-op.
func dynaloadRegister(s *State, pkgName string, table *dynaload.Table, impls map[string]ForeignFn) error {
	for _, seed := range table.Seeds {
		switch seed.Kind {
		case dynaload.KindEnd:
			continue

		case dynaload.KindClass:
			if _, ok := s.symtab.ClassByName(seed.Name); !ok {
				s.symtab.DeclareClass(seed.Name, true, nil)
			}

		case dynaload.KindFunction:
			fn := newMethod(seed.Name)
			fn.ParamSig, fn.ReturnSig, fn.Vararg = parseFuncSignature(s.symtab, seed.Signature)
			fn.ParamCount = len(fn.ParamSig)
			fn.Native = nativeOrStub(pkgName, seed.Name, impls[seed.Name])
			s.registeredFuncs[seed.Name] = fn
			s.vm.RegisterFunction(seed.Name, fn)

		case dynaload.KindMethod:
			fn := newMethod(seed.Name)
			fn.ClassName = seed.ClassName
			fn.ParamSig, fn.ReturnSig, fn.Vararg = parseFuncSignature(s.symtab, seed.Signature)
			fn.ParamCount = len(fn.ParamSig)
			key := seed.ClassName + "." + seed.Name
			fn.Native = nativeOrStub(pkgName, key, impls[key])
			if s.registeredClassMethods[seed.ClassName] == nil {
				s.registeredClassMethods[seed.ClassName] = map[string]*Method{}
			}
			s.registeredClassMethods[seed.ClassName][seed.Name] = fn
			s.vm.RegisterClassMethod(seed.ClassName, seed.Name, fn)

		case dynaload.KindVar:
			sig := parseTypeSignature(s.symtab, seed.Signature)
			s.symtab.NewVar(seed.Name, sig, StorageReadonly, 0, true)
		}
	}
	return nil
}

// nativeOrStub returns impl unchanged, or -- when a seed table entry has
// no matching Go implementation -- a ForeignFn that raises instead of
// leaving Method.Native nil, which would panic the VM's call() dispatch
// instead of the caller's Lily code.
func nativeOrStub(pkgName, key string, impl ForeignFn) ForeignFn {
	if impl != nil {
		return impl
	}
	return func(vm *VM) error {
		return vm.raiser.Raise(ErrBadValue, 0, "%s.%s is not implemented", pkgName, key)
	}
}

// parseFuncSignature parses a "Function(T1, T2):Ret" or "Function():Unit"
// textual signature into its param/return Signatures. A trailing "..."
// on the last parameter marks the method as variadic. "Unit" as the
// return type means the function returns no value (ReturnSig nil), the
// same convention VisitDefine uses for a bare `define` with no return type.
func parseFuncSignature(st *SymTab, s string) ([]*Signature, *Signature, bool) {
	s = strings.TrimSpace(s)
	const prefix = "Function("
	if !strings.HasPrefix(s, prefix) {
		return nil, parseTypeSignature(st, s), false
	}
	rest := s[len(prefix):]
	close := strings.Index(rest, ")")
	if close < 0 {
		return nil, nil, false
	}
	argsPart := rest[:close]
	retPart := strings.TrimPrefix(rest[close+1:], ":")

	var params []*Signature
	vararg := false
	if argsPart != "" {
		parts := strings.Split(argsPart, ",")
		for i, p := range parts {
			p = strings.TrimSpace(p)
			if i == len(parts)-1 && strings.HasSuffix(p, "...") {
				p = strings.TrimSuffix(p, "...")
				vararg = true
			}
			params = append(params, parseTypeSignature(st, p))
		}
	}

	retPart = strings.TrimSpace(retPart)
	if retPart == "" || retPart == "Unit" {
		return params, nil, vararg
	}
	return params, parseTypeSignature(st, retPart), vararg
}

// parseTypeSignature resolves a bare class name ("Integer", "List[String]")
// to its interned Signature, falling back to Any for an unknown name and
// to a template placeholder for a single uppercase letter (the
// original's generic-parameter convention, e.g. the `A` in `List[A]`).
func parseTypeSignature(st *SymTab, name string) *Signature {
	name = strings.TrimSpace(name)
	if name == "" {
		return st.builtin[ClassAny]
	}
	if br := strings.IndexByte(name, '['); br >= 0 && strings.HasSuffix(name, "]") {
		name = name[:br]
	}
	if len(name) == 1 && name[0] >= 'A' && name[0] <= 'Z' {
		return st.InternTemplateSig(0)
	}
	if cls, ok := st.ClassByName(name); ok {
		return cls.Sig
	}
	return st.builtin[ClassAny]
}

// registerDefaultPackages wires the builtin String/List instance methods
// the way the rest of the standard library's classes would arrive through
// RegisterPackage, except these two are seeded unconditionally since every
// Lily program can call them without an explicit `use` statement.
func (s *State) registerDefaultPackages() {
	s.RegisterPackage("str", dynaload.StrSeeds(), strImpls())
	s.RegisterPackage("list", dynaload.ListSeeds(), listImpls())
}

func strImpls() map[string]ForeignFn {
	return map[string]ForeignFn{
		"String.upper": func(vm *VM) error {
			vm.PushString(strings.ToUpper(vm.ArgString(0)))
			return nil
		},
		"String.lower": func(vm *VM) error {
			vm.PushString(strings.ToLower(vm.ArgString(0)))
			return nil
		},
		"String.len": func(vm *VM) error {
			vm.PushInteger(int64(len(vm.ArgString(0))))
			return nil
		},
	}
}

func listImpls() map[string]ForeignFn {
	return map[string]ForeignFn{
		"List.append": func(vm *VM) error {
			self := vm.apiStack[0].Obj.(*ListObj)
			v := vm.apiStack[1]
			if v.IsRefcounted() {
				vm.gc.Incref(v)
			}
			self.Items = append(self.Items, v)
			vm.PushNil()
			return nil
		},
		"List.size": func(vm *VM) error {
			self := vm.apiStack[0].Obj.(*ListObj)
			vm.PushInteger(int64(len(self.Items)))
			return nil
		},
	}
}
