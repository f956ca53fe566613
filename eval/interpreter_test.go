package eval

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luthersystems/clrdbg/native"
	"github.com/luthersystems/clrdbg/native/simrt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// haltDemo stops the demo program on the first visit of the Add call
// inside its main loop.
func haltDemo(t *testing.T) (*simrt.Halted, *Scope) {
	t.Helper()
	hl, err := simrt.RunTo(simrt.Demo, simrt.DemoSource, simrt.DemoAddCallLine, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(hl.Close)
	frame, err := hl.Frame()
	require.NoError(t, err)
	return hl, &Scope{Thread: hl.Thread, Frame: frame, Types: hl.Module}
}

func evaluate(t *testing.T, sc *Scope, src string) (native.Value, error) {
	t.Helper()
	c, err := Compile(src)
	require.NoError(t, err, src)
	return Evaluate(context.Background(), c, sc)
}

func TestEvaluate_Values(t *testing.T) {
	t.Parallel()
	_, sc := haltDemo(t)

	tests := []struct {
		src  string
		et   native.ElementType
		want any
	}{
		{"1 + 1", native.ElementI4, int64(2)},
		{"7 / 2", native.ElementI4, int64(3)},
		{"-7 % 3", native.ElementI4, int64(-1)},
		{"7.0 / 2", native.ElementR8, 3.5},
		{"1.0 / 0", native.ElementR8, math.Inf(1)},
		{"-2147483648 - 1", native.ElementI4, int64(math.MaxInt32)},
		{"4294967295u + 1u", native.ElementU4, uint64(0)},
		{"4294967295u + 1", native.ElementI8, int64(4294967296)},
		{"1L * 3", native.ElementI8, int64(3)},
		{"'a' + 1", native.ElementI4, int64('b')},
		{"-'a'", native.ElementI4, int64(-'a')},
		{"2 < 3", native.ElementBoolean, true},
		{"2.5 >= 3", native.ElementBoolean, false},
		{"!(1 == 1)", native.ElementBoolean, false},
		{"total + i", native.ElementI4, int64(0)},
		{"ada.Name", native.ElementString, "Ada"},
		{"ada.Friend.Friend.Age", native.ElementI4, int64(36)},
		{"ada.Greeting", native.ElementString, "Hello, Ada"},
		{"greeting", native.ElementString, "Hello, Ada"},
		{"greeting.Length", native.ElementI4, int64(10)},
		{"greeting[0]", native.ElementChar, 'H'},
		{"primes[1]", native.ElementI4, int64(3)},
		{"primes[primes.Length - 1]", native.ElementI4, int64(7)},
		{"args.Length", native.ElementI4, int64(0)},
		{"Counter", native.ElementI4, int64(0)},
		{"Program.Iterations", native.ElementI4, int64(simrt.DemoIterations)},
		{"Demo.Program.Iterations", native.ElementI4, int64(simrt.DemoIterations)},
		{"Person.Count", native.ElementI4, int64(1)},
		{`"a" + 1`, native.ElementString, "a1"},
		{`1 + 2 + "x"`, native.ElementString, "3x"},
		{`"v" + 1.5`, native.ElementString, "v1.5"},
		{`"b" + true + null`, native.ElementString, "bTrue"},
		{`greeting == "Hello, Ada"`, native.ElementBoolean, true},
		{"ada == ada.Friend", native.ElementBoolean, true},
		{"ada != null", native.ElementBoolean, true},
		{"null == null", native.ElementBoolean, true},
		{"false && 1 / 0 == 0", native.ElementBoolean, false},
		{"true || nosuch", native.ElementBoolean, true},
		{"i == 0 && total == 0", native.ElementBoolean, true},
	}
	for _, test := range tests {
		v, err := evaluate(t, sc, test.src)
		if !assert.NoError(t, err, test.src) {
			continue
		}
		assert.Equal(t, test.et, v.ElementType(), test.src)
		assert.Equal(t, test.want, v.Primitive(), test.src)
	}
}

func TestEvaluate_Calls(t *testing.T) {
	t.Parallel()
	_, sc := haltDemo(t)

	v, err := evaluate(t, sc, "Add(1, 2)")
	require.NoError(t, err)
	assert.Equal(t, native.ElementI4, v.ElementType())
	assert.Equal(t, int64(3), v.Primitive())

	v, err = evaluate(t, sc, "Add(1L, 2L)")
	require.NoError(t, err)
	assert.Equal(t, native.ElementI8, v.ElementType())
	assert.Equal(t, int64(3), v.Primitive())

	v, err = evaluate(t, sc, "Demo.Program.Add(40, 2)")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Primitive())

	v, err = evaluate(t, sc, `Greet("Bob")`)
	require.NoError(t, err)
	assert.Equal(t, "Hello, Bob", v.Primitive())

	v, err = evaluate(t, sc, "Greet(ada)")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", v.Primitive())

	v, err = evaluate(t, sc, "ada.Describe()")
	require.NoError(t, err)
	assert.Equal(t, "Ada (36)", v.Primitive())

	_, err = evaluate(t, sc, "Add(1, 2L)")
	assert.True(t, IsKind(err, NoMatchingOverload), "%v", err)
	_, err = evaluate(t, sc, "Greet(null)")
	assert.True(t, IsKind(err, NoMatchingOverload), "%v", err)
	assert.Contains(t, err.Error(), "ambiguous")
	_, err = evaluate(t, sc, "Add(1)")
	assert.True(t, IsKind(err, NoMatchingOverload), "%v", err)
	_, err = evaluate(t, sc, "Subtract(1, 2)")
	assert.True(t, IsKind(err, IdentifierNotFound), "%v", err)
	_, err = evaluate(t, sc, "Nowhere.Add(1, 2)")
	assert.True(t, IsKind(err, IdentifierNotFound), "%v", err)
	_, err = evaluate(t, sc, "greeting.Describe()")
	assert.True(t, IsKind(err, IdentifierNotFound), "%v", err)
}

func TestEvaluate_Errors(t *testing.T) {
	t.Parallel()
	_, sc := haltDemo(t)

	tests := []struct {
		src  string
		kind ErrorKind
	}{
		{"nosuch", IdentifierNotFound},
		{"Demo", IdentifierNotFound},
		{"Nope.Thing", IdentifierNotFound},
		{"ada.Nope", IdentifierNotFound},
		{"ada.Describe", IdentifierNotFound},
		{"this", IdentifierNotFound},
		{"Program", InvalidOperation},
		{"1 / 0", InvalidOperation},
		{"1L % 0", InvalidOperation},
		{"-ada", InvalidOperation},
		{"!1", InvalidOperation},
		{"1 && true", InvalidOperation},
		{"true && 1", InvalidOperation},
		{"ada + 1", InvalidOperation},
		{"1UL + -1", InvalidOperation},
		{"primes[4]", InvalidOperation},
		{"primes[-1]", InvalidOperation},
		{"primes[1.5]", InvalidOperation},
		{"total[0]", InvalidOperation},
		{"null.Name", InvalidOperation},
	}
	for _, test := range tests {
		_, err := evaluate(t, sc, test.src)
		var e *Error
		if !assert.ErrorAs(t, err, &e, test.src) {
			continue
		}
		assert.Equal(t, test.kind, e.Kind, "%s: %v", test.src, err)
	}
}

func TestEvaluate_RootScope(t *testing.T) {
	t.Parallel()
	hl, sc := haltDemo(t)

	ada, err := evaluate(t, sc, "ada")
	require.NoError(t, err)
	root := &Scope{Thread: hl.Thread, Root: ada, Types: hl.Module}

	v, err := evaluate(t, root, "Name")
	require.NoError(t, err)
	assert.Equal(t, "Ada", v.Primitive())

	v, err = evaluate(t, root, "Age + 1")
	require.NoError(t, err)
	assert.Equal(t, int64(37), v.Primitive())

	v, err = evaluate(t, root, "this.Friend.Name")
	require.NoError(t, err)
	assert.Equal(t, "Ada", v.Primitive())

	v, err = evaluate(t, root, "Count")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Primitive())

	_, err = evaluate(t, root, "total")
	assert.True(t, IsKind(err, IdentifierNotFound), "%v", err)
}

func TestEvaluate_WriteOnlyProperties(t *testing.T) {
	t.Parallel()
	var sink *simrt.Class
	build := func() *simrt.Program {
		prog := simrt.Demo()
		sink = prog.Modules()[0].AddClass("Demo.Sink").
			AddField("Value").
			AddWriteOnlyProperty("Secret", false).
			AddWriteOnlyProperty("Token", true)
		return prog
	}
	hl, err := simrt.RunTo(build, simrt.DemoSource, simrt.DemoAddCallLine, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(hl.Close)

	root := &Scope{Thread: hl.Thread, Root: sink.New().Set("Value", simrt.Int32(3)), Types: hl.Module}
	v, err := evaluate(t, root, "Value")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Primitive())

	for _, src := range []string{"Secret", "this.Secret", "Sink.Token", "Demo.Sink.Token"} {
		_, err := evaluate(t, root, src)
		var e *Error
		if assert.ErrorAs(t, err, &e, src) {
			assert.Equal(t, InvalidOperation, e.Kind, "%s: %v", src, err)
			assert.Contains(t, e.Msg, "has no getter", src)
		}
	}
}

func TestEvaluate_Invoker(t *testing.T) {
	t.Parallel()
	hl, sc := haltDemo(t)

	var calls atomic.Int32
	withInvoker := *sc
	withInvoker.Invoker = InvokerFunc(func(ctx context.Context, th native.Thread, fn native.Function, args []native.Value) (native.Value, error) {
		calls.Add(1)
		assert.Equal(t, hl.Thread, th)
		return th.CallFunction(ctx, fn, args)
	})
	v, err := evaluate(t, &withInvoker, "ada.Greeting + Add(1, 2)")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada3", v.Primitive())
	assert.Equal(t, int32(2), calls.Load())

	failing := *sc
	failing.Invoker = InvokerFunc(func(context.Context, native.Thread, native.Function, []native.Value) (native.Value, error) {
		return nil, assert.AnError
	})
	_, err = evaluate(t, &failing, "ada.Greeting")
	assert.True(t, IsKind(err, RemoteInvokeFault), "%v", err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestEvaluate_Canceled(t *testing.T) {
	t.Parallel()
	_, sc := haltDemo(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Evaluate(ctx, MustCompile("1 + 1"), sc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStringify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "1E+21", FormatFloat(1e21, 64))
	assert.Equal(t, "0.1", FormatFloat(0.1, 64))
	assert.Equal(t, "NaN", FormatFloat(math.NaN(), 64))
	assert.Equal(t, "True", stringify(simrt.Bool(true)))
	assert.Equal(t, "", stringify(simrt.NullString()))
	assert.Equal(t, "x", stringify(simrt.Char('x')))
}
