package lily

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Bytecode is a compiled program ready to run or ship to disk: a named
// entry method (__main__), the free functions and class methods the
// emitter produced, and the literal chain that backs get_readonly.
type Bytecode struct {
	Main         *Method
	Methods      map[string]*Method
	ClassMethods map[string]map[string]*Method
	Literals     []*Literal
}

// Encode serializes a Bytecode program the way the teacher's vm_encoder.go
// serializes a PEG Program: a header per method (name length, register
// count, parameter count, instruction count) followed by the fixed-width
// instruction stream, using encoding/binary for every multi-byte field.
func Encode(w io.Writer, bc *Bytecode) error {
	if err := encodeMethod(w, bc.Main); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(bc.Methods))); err != nil {
		return err
	}
	for name, m := range bc.Methods {
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := encodeMethod(w, m); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(bc.ClassMethods))); err != nil {
		return err
	}
	for cls, methods := range bc.ClassMethods {
		if err := writeString(w, cls); err != nil {
			return err
		}
		if err := writeU32(w, uint32(len(methods))); err != nil {
			return err
		}
		for name, m := range methods {
			if err := writeString(w, name); err != nil {
				return err
			}
			if err := encodeMethod(w, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeMethod(w io.Writer, m *Method) error {
	if err := writeString(w, m.Name); err != nil {
		return err
	}
	if err := writeU16(w, uint16(m.RegCount)); err != nil {
		return err
	}
	if err := writeU16(w, uint16(m.ParamCount)); err != nil {
		return err
	}
	if err := writeU16(w, uint16(len(m.Code))); err != nil {
		return err
	}
	for _, instr := range m.Code {
		if err := encodeInstr(w, instr); err != nil {
			return err
		}
	}
	return nil
}

func encodeInstr(w io.Writer, i Instr) error {
	fields := []int{int(i.Op), i.A, i.B, i.C, i.Extra, i.Line}
	for _, f := range fields {
		if err := writeI32(w, int32(f)); err != nil {
			return err
		}
	}
	return writeString(w, i.Str)
}

// Decode reads back a program written by Encode. The emitter's in-memory
// Method graph (ParamSig/ReturnSig/ClassName) is not part of the wire
// format -- a decoded program is runnable but has lost static types,
// matching the teacher's own split between Program (typed) and Bytecode
// (the VM's stripped runtime form).
func Decode(r io.Reader) (*Bytecode, error) {
	main, err := decodeMethod(r)
	if err != nil {
		return nil, err
	}
	bc := &Bytecode{Main: main, Methods: map[string]*Method{}, ClassMethods: map[string]map[string]*Method{}}

	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		m, err := decodeMethod(r)
		if err != nil {
			return nil, err
		}
		bc.Methods[name] = m
	}

	nc, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nc; i++ {
		clsName, err := readString(r)
		if err != nil {
			return nil, err
		}
		nm, err := readU32(r)
		if err != nil {
			return nil, err
		}
		methods := map[string]*Method{}
		for j := uint32(0); j < nm; j++ {
			name, err := readString(r)
			if err != nil {
				return nil, err
			}
			m, err := decodeMethod(r)
			if err != nil {
				return nil, err
			}
			methods[name] = m
		}
		bc.ClassMethods[clsName] = methods
	}
	return bc, nil
}

func decodeMethod(r io.Reader) (*Method, error) {
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	regCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	paramCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	codeLen, err := readU16(r)
	if err != nil {
		return nil, err
	}
	m := newMethod(name)
	m.RegCount = int(regCount)
	m.ParamCount = int(paramCount)
	m.Code = make([]Instr, codeLen)
	for i := range m.Code {
		instr, err := decodeInstr(r)
		if err != nil {
			return nil, err
		}
		m.Code[i] = instr
	}
	return m, nil
}

func decodeInstr(r io.Reader) (Instr, error) {
	var fields [6]int32
	for i := range fields {
		v, err := readI32(r)
		if err != nil {
			return Instr{}, err
		}
		fields[i] = v
	}
	str, err := readString(r)
	if err != nil {
		return Instr{}, err
	}
	return Instr{
		Op:    Opcode(fields[0]),
		A:     int(fields[1]),
		B:     int(fields[2]),
		C:     int(fields[3]),
		Extra: int(fields[4]),
		Line:  int(fields[5]),
		Str:   str,
	}, nil
}

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeI32(w io.Writer, v int32) error { return writeU32(w, uint32(v)) }

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readI32(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Disassemble renders a method's bytecode as human-readable text, one
// instruction per line, the way a debug build's pretty-printer would.
// This is a supplemented feature (not present in the distilled spec but
// present in the original's lily_debug.c) kept purely for diagnostics.
func Disassemble(w io.Writer, m *Method) {
	fmt.Fprintf(w, "method %s (regs=%d, params=%d)\n", m.Name, m.RegCount, m.ParamCount)
	for i, instr := range m.Code {
		fmt.Fprintf(w, "%4d  %-16s a=%-3d b=%-3d c=%-3d extra=%-5d", i, instr.Op, instr.A, instr.B, instr.C, instr.Extra)
		if instr.Str != "" {
			fmt.Fprintf(w, " %q", instr.Str)
		}
		fmt.Fprintf(w, "  ; line %d\n", instr.Line)
	}
}

// DisassembleProgram dumps every method in a compiled program: __main__
// first, then free functions, then class methods grouped by class.
func DisassembleProgram(w io.Writer, bc *Bytecode) {
	Disassemble(w, bc.Main)
	names := make([]string, 0, len(bc.Methods))
	for name := range bc.Methods {
		names = append(names, name)
	}
	sortStrings(names)
	for _, name := range names {
		fmt.Fprintln(w)
		Disassemble(w, bc.Methods[name])
	}
	classNames := make([]string, 0, len(bc.ClassMethods))
	for name := range bc.ClassMethods {
		classNames = append(classNames, name)
	}
	sortStrings(classNames)
	for _, cls := range classNames {
		methodNames := make([]string, 0, len(bc.ClassMethods[cls]))
		for name := range bc.ClassMethods[cls] {
			methodNames = append(methodNames, name)
		}
		sortStrings(methodNames)
		for _, name := range methodNames {
			fmt.Fprintln(w)
			fmt.Fprintf(w, "; class %s\n", cls)
			Disassemble(w, bc.ClassMethods[cls][name])
		}
	}
}

// sortStrings is a tiny insertion sort: Disassemble's output order only
// needs to be deterministic across runs, not fast, and this avoids
// pulling in "sort" for a handful of names per dump.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
