// Copyright © 2024 The ELPS authors

package simrt

import (
	"fmt"

	"github.com/luthersystems/clrdbg/native"
)

// Source locations of the demo program.
const (
	DemoSource   = "/src/Demo/Program.cs"
	DemoAssembly = "/src/Demo/bin/Debug/net8.0/Demo.dll"

	DemoDescribeLine = 8
	DemoMainLine     = 20
	DemoLoopLine     = 24
	DemoAddCallLine  = 25
	DemoCounterLine  = 26
	DemoWorkerLine   = 28
	DemoOutputLine   = 29
	DemoLastLine     = 31
	DemoAddLine      = 40
	DemoAddLongLine  = 44
	DemoGreetLine    = 48
	DemoGreetObjLine = 52
	DemoWorkLine     = 60

	// DemoIterations is the trip count of the demo's main loop.
	DemoIterations = 200
)

// Demo builds the demo program. Its main method creates a self-referencing
// Demo.Person, loops adding numbers through overloaded static methods,
// starts a worker thread and writes a greeting to the console.
func Demo() *Program {
	prog := NewProgram("demo")
	mod := prog.AddModule("Demo.dll", DemoAssembly)
	mod.AddSource(DemoSource,
		DemoDescribeLine, 9,
		DemoMainLine, 21, 22, 23, DemoLoopLine, DemoAddCallLine, DemoCounterLine,
		DemoWorkerLine, DemoOutputLine, 30, DemoLastLine,
		DemoAddLine, DemoAddLongLine, DemoGreetLine, DemoGreetObjLine,
		DemoWorkLine, 61,
	)

	person := mod.AddClass("Demo.Person").
		AddField("Name", "Age", "Friend").
		AddStatic("Count", Int32(0)).
		SetDisplayFormat("Name = {Name}")
	person.AddProperty("Greeting", func(_ *Thread, this native.Value) (native.Value, error) {
		name, err := stringField(this, "Name")
		if err != nil {
			return nil, err
		}
		return String("Hello, " + name), nil
	})
	person.AddMethod("Describe", InstanceSig(T(native.ElementString)), func(t *Thread, args []native.Value) (native.Value, error) {
		t.Line(DemoDescribeLine)
		name, err := stringField(args[0], "Name")
		if err != nil {
			return nil, err
		}
		age, err := args[0].Field("Age")
		if err != nil {
			return nil, err
		}
		t.Line(9)
		return String(fmt.Sprintf("%s (%v)", name, age.Primitive())), nil
	}).At(DemoSource, DemoDescribeLine)

	program := mod.AddClass("Demo.Program").
		AddStatic("Counter", Int32(0)).
		AddStatic("Iterations", Int32(DemoIterations))

	i4, i8, str := T(native.ElementI4), T(native.ElementI8), T(native.ElementString)
	add := program.AddMethod("Add", StaticSig(i4, i4, i4), func(t *Thread, args []native.Value) (native.Value, error) {
		t.Line(DemoAddLine)
		return Int32(int32(intOf(args[0]) + intOf(args[1]))), nil
	}).At(DemoSource, DemoAddLine).Params("a", "b")
	program.AddMethod("Add", StaticSig(i8, i8, i8), func(t *Thread, args []native.Value) (native.Value, error) {
		t.Line(DemoAddLongLine)
		return Int64(intOf(args[0]) + intOf(args[1])), nil
	}).At(DemoSource, DemoAddLongLine).Params("a", "b")
	greet := program.AddMethod("Greet", StaticSig(str, str), func(t *Thread, args []native.Value) (native.Value, error) {
		t.Line(DemoGreetLine)
		if args[0].IsNull() {
			return String("Hello, nobody"), nil
		}
		return String(fmt.Sprintf("Hello, %v", args[0].Primitive())), nil
	}).At(DemoSource, DemoGreetLine).Params("name")
	program.AddMethod("Greet", StaticSig(str, ClassType(person)), func(t *Thread, args []native.Value) (native.Value, error) {
		t.Line(DemoGreetObjLine)
		name, err := stringField(args[0], "Name")
		if err != nil {
			return nil, err
		}
		return String("Hello, " + name + "!"), nil
	}).At(DemoSource, DemoGreetObjLine).Params("person")
	work := program.AddMethod("Work", StaticSig(T(native.ElementVoid)), nil).At(DemoSource, DemoWorkLine)
	main := program.AddMethod("Main", StaticSig(T(native.ElementVoid), SZArrayOf(str)), nil).
		At(DemoSource, DemoMainLine).
		Params("args")
	mod.SetEntryPoint(main)

	prog.Main = func(t *Thread) {
		t.Enter(main, nil,
			native.Variable{Name: "args", Value: Array(native.ElementString)},
			native.Variable{Name: "ada", Value: Null(person)},
			native.Variable{Name: "primes", Value: Null(nil)},
			native.Variable{Name: "greeting", Value: NullString()},
			native.Variable{Name: "total", Value: Int32(0)},
			native.Variable{Name: "i", Value: Int32(0)},
		)
		defer t.Leave()

		t.Line(DemoMainLine)
		ada := person.New().Set("Name", String("Ada")).Set("Age", Int32(36))
		person.SetStatic("Count", Int32(1))
		t.Set("ada", ada)
		t.Line(21)
		ada.Set("Friend", ada)
		t.Line(22)
		t.Set("primes", Array(native.ElementI4, Int32(2), Int32(3), Int32(5), Int32(7)))
		t.Line(23)
		greeting, err := t.Call(greet, String("Ada"))
		if err != nil {
			panic(err)
		}
		t.Set("greeting", greeting)

		total := Int32(0)
		for i := 0; i < DemoIterations; i++ {
			t.Set("i", Int32(int32(i)))
			t.Line(DemoLoopLine)
			t.Line(DemoAddCallLine)
			sum, err := t.Call(add, total, Int32(int32(i)))
			if err != nil {
				panic(err)
			}
			total = sum.(*Value)
			t.Set("total", total)
			t.Line(DemoCounterLine)
			program.SetStatic("Counter", Int32(int32(intOf(program.Static("Counter"))+1)))
		}

		t.Line(DemoWorkerLine)
		t.Go("Worker", func(w *Thread) {
			w.Enter(work, nil)
			defer w.Leave()
			w.Line(DemoWorkLine)
			program.SetStatic("Counter", Int32(int32(intOf(program.Static("Counter"))+1000)))
			w.Line(61)
		})
		t.Line(DemoOutputLine)
		t.Output(fmt.Sprintf("%v\n", greeting.Primitive()))
		t.Line(30)
		t.Line(DemoLastLine)
	}
	return prog
}

func intOf(v native.Value) int64 {
	switch n := v.Primitive().(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	}
	return 0
}

func stringField(obj native.Value, name string) (string, error) {
	if obj == nil || obj.IsNull() {
		return "", fmt.Errorf("null reference reading %s", name)
	}
	f, err := obj.Field(name)
	if err != nil {
		return "", err
	}
	if f.IsNull() {
		return "", nil
	}
	s, _ := f.Primitive().(string)
	return s, nil
}
