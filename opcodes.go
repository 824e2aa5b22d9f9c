package lily

// Opcode is the VM's instruction tag. Unlike the teacher's PEG VM, whose
// instructions are variable-width and individually typed (IChar, IRange,
// ISet...) because it packs a byte-oriented match stream, Lily's
// register machine gives every opcode the same fixed instruction shape
// (opcode + up to three register/immediate operands + a trailing line
// number), so a single Instr struct --- not one Go type per opcode ---
// mirrors the source layout described in spec 4.F faithfully.
type Opcode int

const (
	OpAssign Opcode = iota
	OpRefAssign
	OpAnyAssign
	OpSetGlobal
	OpGetGlobal
	OpGetReadonly
	OpSetUpvalue
	OpGetUpvalue
	OpMakeClosure
	OpClosureSet
	OpClosureGet

	OpIntegerAdd
	OpIntegerMinus
	OpIntegerMul
	OpIntegerDiv
	OpDoubleAdd
	OpDoubleMinus
	OpDoubleMul
	OpDoubleDiv
	OpModulo
	OpLeftShift
	OpRightShift
	OpBitwiseAnd
	OpBitwiseOr
	OpBitwiseXor
	OpUnaryNot
	OpUnaryMinus

	OpIsEqual
	OpNotEq
	OpLess
	OpLessEq
	OpGreater
	OpGreaterEq

	OpJump
	OpJumpIfTrue
	OpJumpIfFalse
	OpForSetup
	OpIntegerFor
	OpReturnVal
	OpReturnNoVal
	OpReturnExpected
	OpReturnFromVM

	OpBuildList
	OpBuildHash
	OpBuildTuple
	OpBuildVariant
	OpBuildInstance
	OpGetItem
	OpSetItem
	OpSubscript
	OpAnyTypecast
	OpIntnumTypecast

	OpFunctionCall
	OpMethodCall
	OpCallRegister
	OpTailCall

	OpPushTry
	OpPopTry
	OpRaise
	OpExceptMatch
	OpMatchVariant
	OpGetTraceback

	OpShow
	OpPackageGet
	OpPackageSet
	OpHalt
)

var opNames = map[Opcode]string{
	OpAssign: "assign", OpRefAssign: "ref_assign", OpAnyAssign: "any_assign",
	OpSetGlobal: "set_global", OpGetGlobal: "get_global", OpGetReadonly: "get_readonly",
	OpSetUpvalue: "set_upvalue", OpGetUpvalue: "get_upvalue",
	OpMakeClosure: "make_closure", OpClosureSet: "closure_set", OpClosureGet: "closure_get",
	OpIntegerAdd: "integer_add", OpIntegerMinus: "integer_minus", OpIntegerMul: "integer_mul", OpIntegerDiv: "integer_div",
	OpDoubleAdd: "double_add", OpDoubleMinus: "double_minus", OpDoubleMul: "double_mul", OpDoubleDiv: "double_div",
	OpModulo: "modulo", OpLeftShift: "left_shift", OpRightShift: "right_shift",
	OpBitwiseAnd: "bitwise_and", OpBitwiseOr: "bitwise_or", OpBitwiseXor: "bitwise_xor",
	OpUnaryNot: "unary_not", OpUnaryMinus: "unary_minus",
	OpIsEqual: "is_equal", OpNotEq: "not_eq", OpLess: "less", OpLessEq: "less_eq",
	OpGreater: "greater", OpGreaterEq: "greater_eq",
	OpJump: "jump", OpJumpIfTrue: "jump_if_true", OpJumpIfFalse: "jump_if_false",
	OpForSetup: "for_setup", OpIntegerFor: "integer_for",
	OpReturnVal: "return_val", OpReturnNoVal: "return_noval",
	OpReturnExpected: "return_expected", OpReturnFromVM: "return_from_vm",
	OpBuildList: "build_list", OpBuildHash: "build_hash", OpBuildTuple: "build_tuple",
	OpBuildVariant: "build_variant", OpBuildInstance: "build_instance",
	OpGetItem: "get_item", OpSetItem: "set_item", OpSubscript: "subscript",
	OpAnyTypecast: "any_typecast", OpIntnumTypecast: "intnum_typecast",
	OpFunctionCall: "function_call", OpMethodCall: "method_call",
	OpCallRegister: "call_register", OpTailCall: "tail_call",
	OpPushTry: "push_try", OpPopTry: "pop_try", OpRaise: "raise",
	OpExceptMatch: "except_match", OpMatchVariant: "match_variant", OpGetTraceback: "get_traceback",
	OpShow: "show", OpPackageGet: "package_get", OpPackageSet: "package_set",
	OpHalt: "halt",
}

func (op Opcode) String() string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return "unknown"
}

// Instr is a single bytecode instruction: its opcode, up to three
// register-index or immediate operands, and the source line the raiser
// attaches to any runtime fault at this position -- "every opcode except
// pure jumps is followed by a line number" (spec 4.F).
type Instr struct {
	Op   Opcode
	A, B, C int
	Line int

	// Extra carries operand payloads that don't fit in A/B/C: constant
	// pool indices for literals, global register indices,
	// argument counts for calls, and jump deltas for control flow (an
	// int rather than spec's raw int16 code-array offset, since this
	// port represents code as []Instr rather than []uint16 -- see
	// DESIGN.md for why a flat Instr slice replaces the raw u16 array).
	Extra int
	Str   string
}

// Method is the unit of callable code: either native (Code is non-nil)
// or foreign (Native is non-nil). It owns its register count, parameter
// count, and per-register metadata, matching spec 4.F's "code layout".
type Method struct {
	Name       string
	ClassName  string // "" for a free function
	Code       []Instr
	RegCount   int
	ParamCount int
	ParamSig   []*Signature
	ReturnSig  *Signature
	Vararg     bool

	RegSigs  []*Signature
	RegNames []string
	RegLines []int

	// ClosureSpots maps a captured outer register to its slot in the
	// shared cell array; -1 (closureNotCaptured) means "not
	// captured, leave alone", per spec 4.F's closure transform.
	ClosureSpots []int
	NumUpvalues  int

	Native ForeignFn

	IsMain bool
}

const closureNotCaptured = -1

func newMethod(name string) *Method {
	return &Method{Name: name}
}
