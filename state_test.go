package lily

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runProgram(t *testing.T, source string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	opts := NewDefaultOptions()
	opts.Stdout = &out
	s := NewState(opts)
	err := s.ParseString("<test>", source)
	return out.String(), err
}

func TestArithmeticAndAssignment(t *testing.T) {
	out, err := runProgram(t, `var a = 5 + 6 * 7 ; print(a)`)
	require.NoError(t, err)
	assert.Equal(t, "47\n", out)
}

func TestListOutOfRangeRaises(t *testing.T) {
	_, err := runProgram(t, `var l = [1,2,3] ; l[5]`)
	require.Error(t, err)
	re, ok := err.(*RaiseError)
	require.True(t, ok, "expected a *RaiseError, got %T", err)
	assert.Equal(t, ErrOutOfRange, re.Code)
}

func TestClosureCapturesAndMutatesOuterVar(t *testing.T) {
	out, err := runProgram(t, `
define mk(): Function() {
    var n = 0
    return (||{ n += 1 ; return n })
}
var f = mk()
print(f())
print(f())
`)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", out)
}

func TestExceptionCaughtAndFieldRead(t *testing.T) {
	out, err := runProgram(t, `
class ValueError(message: String) < Exception {}
try {
    raise ValueError("x")
} except ValueError as e {
    print(e.message)
}
`)
	require.NoError(t, err)
	assert.Equal(t, "x\n", out)
}

func TestUncaughtExceptionPropagatesAsError(t *testing.T) {
	_, err := runProgram(t, `
class ValueError(message: String) < Exception {}
raise ValueError("boom")
`)
	require.Error(t, err)
	re, ok := err.(*RaiseError)
	require.True(t, ok, "expected a *RaiseError, got %T", err)
	assert.True(t, strings.Contains(re.Message, "boom") || re.ClassName == "ValueError")
}

func TestHashKeyTypeMismatchRaisesAtEmitTime(t *testing.T) {
	_, err := runProgram(t, `var h = ["a" => 1] ; h[0] = 2`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash expects an index of type")
}

func TestRecursionLimitRaises(t *testing.T) {
	opts := NewDefaultOptions()
	opts.RecursionLimit = 5
	var out bytes.Buffer
	opts.Stdout = &out
	s := NewState(opts)
	err := s.ParseString("<test>", `
define loop(n: Integer): Integer {
    return loop(n + 1)
}
loop(0)
`)
	require.Error(t, err)
	re, ok := err.(*RaiseError)
	require.True(t, ok)
	assert.Equal(t, ErrRecursion, re.Code)
}

func TestParseChunkAccumulatesUntilValid(t *testing.T) {
	var out bytes.Buffer
	opts := NewDefaultOptions()
	opts.Stdout = &out
	s := NewState(opts)

	require.Error(t, s.ParseChunk("if true {"))
	require.Error(t, s.ParseChunk("print(1)"))
	require.NoError(t, s.ParseChunk("}"))
	assert.Equal(t, "1\n", out.String())
}

func TestCompileIsDeterministicAcrossFreshStates(t *testing.T) {
	source := `var a = 1 + 2 ; print(a)`
	s1 := NewState(nil)
	bc1, err := s1.Compile(source)
	require.NoError(t, err)

	s2 := NewState(nil)
	bc2, err := s2.Compile(source)
	require.NoError(t, err)

	require.Equal(t, len(bc1.Main.Code), len(bc2.Main.Code))
	for i := range bc1.Main.Code {
		assert.Equal(t, bc1.Main.Code[i].Op, bc2.Main.Code[i].Op, "instruction %d", i)
	}
}

func TestDynaloadedStringMethods(t *testing.T) {
	out, err := runProgram(t, `print("abc".upper())`)
	require.NoError(t, err)
	assert.Equal(t, "ABC\n", out)
}

func TestDynaloadedListMethods(t *testing.T) {
	out, err := runProgram(t, `
var l = [1,2,3]
l.append(4)
print(l.size())
`)
	require.NoError(t, err)
	assert.Equal(t, "4\n", out)
}
