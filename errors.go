package lily

import (
	"fmt"
	"strings"
)

// ErrorCode is the closed taxonomy of error classes the core itself can
// raise. User-defined exception classes carry ErrUser and their
// own class name in RaiseError.ClassName.
type ErrorCode int

const (
	ErrNoMemory ErrorCode = iota
	ErrSyntax
	ErrImport
	ErrEncoding
	ErrNoValue
	ErrDivideByZero
	ErrOutOfRange
	ErrBadCast
	ErrReturnExpected
	ErrBadValue
	ErrKey
	ErrFormat
	ErrIOError
	ErrRecursion
	ErrUser
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNoMemory:
		return "NoMemory"
	case ErrSyntax:
		return "Syntax"
	case ErrImport:
		return "Import"
	case ErrEncoding:
		return "Encoding"
	case ErrNoValue:
		return "NoValue"
	case ErrDivideByZero:
		return "DivideByZero"
	case ErrOutOfRange:
		return "OutOfRange"
	case ErrBadCast:
		return "BadCast"
	case ErrReturnExpected:
		return "ReturnExpected"
	case ErrBadValue:
		return "BadValue"
	case ErrKey:
		return "Key"
	case ErrFormat:
		return "Format"
	case ErrIOError:
		return "IOError"
	case ErrRecursion:
		return "Recursion"
	default:
		return "Exception"
	}
}

// TraceLine is one frame of a captured traceback, in the order the
// frames were active (innermost first).
type TraceLine struct {
	MethodName string
	ClassName  string
	Line       int
}

// RaiseError is the value a protected frame unwinds with. It implements
// error so it can be threaded through ordinary Go control flow instead
// of the long-jump the original C interpreter used.
type RaiseError struct {
	Code      ErrorCode
	ClassName string // only meaningful when Code == ErrUser
	Message   string
	Line      int
	Traceback []TraceLine
}

func (e *RaiseError) Error() string {
	var b strings.Builder
	if e.ClassName != "" {
		fmt.Fprintf(&b, "%s: %s", e.ClassName, e.Message)
	} else {
		fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	}
	if len(e.Traceback) > 0 {
		b.WriteString("\nTraceback:\n")
		for _, t := range e.Traceback {
			if t.ClassName != "" {
				fmt.Fprintf(&b, "    %s.%s at line %d\n", t.ClassName, t.MethodName, t.Line)
			} else {
				fmt.Fprintf(&b, "    %s at line %d\n", t.MethodName, t.Line)
			}
		}
	}
	return b.String()
}

// protectedFrame is a single entry in the raiser's stack of recoverable
// boundaries. The embedding API wraps every Parse*/Exec* call in one of
// these so a foreign function that calls back into Exec can nest safely.
type protectedFrame struct {
	depth int
}

// Raiser formats and carries the last error produced while compiling or
// running a program. It intentionally never panics on the error path it
// owns: every site that would "raise" returns a *RaiseError instead, and
// callers propagate it like any other Go error.
type Raiser struct {
	frames  []protectedFrame
	lastMsg string
}

// NewRaiser returns an empty raiser ready to accept PushFrame calls.
func NewRaiser() *Raiser {
	return &Raiser{}
}

// PushFrame registers a new protected boundary; restored by PopFrame.
func (r *Raiser) PushFrame() {
	r.frames = append(r.frames, protectedFrame{depth: len(r.frames)})
}

// PopFrame removes the most recently pushed protected boundary.
func (r *Raiser) PopFrame() {
	if len(r.frames) == 0 {
		return
	}
	r.frames = r.frames[:len(r.frames)-1]
}

// Raise formats a message using the raiser's directives and returns the
// resulting error. %T pretty-prints a Signature argument; %s and %d
// behave like their fmt counterparts.
func (r *Raiser) Raise(code ErrorCode, line int, format string, args ...any) *RaiseError {
	msg := r.format(format, args...)
	r.lastMsg = msg
	return &RaiseError{Code: code, Message: msg, Line: line}
}

// RaiseClass builds an error for a user-defined exception class.
func (r *Raiser) RaiseClass(className string, line int, format string, args ...any) *RaiseError {
	msg := r.format(format, args...)
	r.lastMsg = msg
	return &RaiseError{Code: ErrUser, ClassName: className, Message: msg, Line: line}
}

// NoMem is the fast path used on allocation failure; it never formats
// anything so it cannot itself fail to allocate.
func (r *Raiser) NoMem() *RaiseError {
	return &RaiseError{Code: ErrNoMemory, Message: "out of memory"}
}

// format expands %T (Signature -> human-readable type name) into %s
// before delegating the rest of the verbs to fmt.
func (r *Raiser) format(format string, args ...any) string {
	if !strings.Contains(format, "%T") {
		return fmt.Sprintf(format, args...)
	}
	rewritten := strings.ReplaceAll(format, "%T", "%s")
	converted := make([]any, len(args))
	for i, a := range args {
		if sig, ok := a.(*Signature); ok {
			converted[i] = sig.String()
		} else {
			converted[i] = a
		}
	}
	return fmt.Sprintf(rewritten, converted...)
}
