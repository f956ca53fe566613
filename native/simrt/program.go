// Copyright © 2024 The ELPS authors

package simrt

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/luthersystems/clrdbg/native"
)

// Program declares a simulated managed application: its modules with their
// classes and sequence points, and the body of its main thread. A fresh
// Program is built for every process so that static state and breakpoints
// are never shared between processes.
type Program struct {
	Name string
	// Main is the body of the main thread. It reports frames with
	// Thread.Enter and Thread.Leave and sequence points with Thread.Line.
	Main func(t *Thread)
	// Runtimes is the number of runtime instances the process reports once
	// started.
	Runtimes int
	// StartupStatus is delivered to runtime startup callbacks.
	StartupStatus native.Status

	modules []*Module
	proc    *Process
}

// NewProgram returns an empty program hosting a single runtime.
func NewProgram(name string) *Program {
	return &Program{Name: name, Runtimes: 1}
}

// AddModule declares a module that loads when the runtime starts.
func (p *Program) AddModule(name, path string) *Module {
	m := &Module{
		prog:    p,
		name:    name,
		path:    path,
		lines:   make(map[string][]int),
		classes: make(map[string]*Class),
	}
	p.modules = append(p.modules, m)
	return m
}

// Modules returns the declared modules in load order.
func (p *Program) Modules() []*Module {
	return p.modules
}

// Module is a simulated assembly with sequence points for a set of source
// files.
type Module struct {
	prog  *Program
	name  string
	path  string
	lines map[string][]int

	classes    map[string]*Class
	classOrder []*Class
	entry      *Method
	nextType   uint32
	nextMethod uint32
}

var _ native.Module = (*Module)(nil)

// AddSource declares the sequence-point lines of a source file.
func (m *Module) AddSource(path string, lines ...int) *Module {
	path = filepath.Clean(path)
	all := append(m.lines[path], lines...)
	sort.Ints(all)
	uniq := all[:0]
	for i, n := range all {
		if i == 0 || n != all[i-1] {
			uniq = append(uniq, n)
		}
	}
	m.lines[path] = uniq
	return m
}

// AddClass declares a class by its namespace-qualified name.
func (m *Module) AddClass(name string) *Class {
	m.nextType++
	c := &Class{
		module:  m,
		name:    name,
		token:   0x02000000 | m.nextType,
		statics: make(map[string]native.Value),
	}
	m.classes[name] = c
	m.classOrder = append(m.classOrder, c)
	return c
}

// SetEntryPoint marks the method the runtime calls first.
func (m *Module) SetEntryPoint(fn *Method) {
	m.entry = fn
}

func (m *Module) Name() string { return m.name }

func (m *Module) Path() string { return m.path }

func (m *Module) HasSource(path string) bool {
	_, ok := m.lines[filepath.Clean(path)]
	return ok
}

func (m *Module) ResolveBreakpoint(path string, line int) (native.Breakpoint, int, error) {
	path = filepath.Clean(path)
	lines, ok := m.lines[path]
	if !ok {
		return nil, 0, fmt.Errorf("module %s has no source %s", m.name, path)
	}
	i := sort.SearchInts(lines, line)
	if i == len(lines) {
		return nil, 0, fmt.Errorf("no executable code at or after line %d", line)
	}
	return &Breakpoint{module: m, path: path, line: lines[i]}, lines[i], nil
}

func (m *Module) FindClass(name string) (native.Class, bool) {
	c, ok := m.classes[name]
	if !ok {
		return nil, false
	}
	return c, true
}

func (m *Module) EntryPoint() (native.SourcePosition, bool) {
	if m.entry == nil || m.entry.file == "" {
		return native.SourcePosition{}, false
	}
	return native.SourcePosition{Path: m.entry.file, Line: m.entry.line, Column: 1}, true
}

// Breakpoint is a native breakpoint bound to one sequence point.
type Breakpoint struct {
	module *Module
	path   string
	line   int
}

var _ native.Breakpoint = (*Breakpoint)(nil)

// Line returns the bound line.
func (b *Breakpoint) Line() int { return b.line }

func (b *Breakpoint) Activate(active bool) error {
	p := b.module.prog.proc
	if p == nil {
		return errors.New("module is not loaded in a process")
	}
	return p.activate(b, active)
}

// Body implements a method. For instance methods args[0] is the receiver.
type Body func(t *Thread, args []native.Value) (native.Value, error)

// Class is a simulated type.
type Class struct {
	module    *Module
	name      string
	token     uint32
	valueType bool
	base      *Class
	display   string

	fields  []native.Field
	props   []native.Property
	methods []*Method

	mu      sync.RWMutex
	statics map[string]native.Value
}

var _ native.Class = (*Class)(nil)

// SetBase sets the base class.
func (c *Class) SetBase(base *Class) *Class {
	c.base = base
	return c
}

// SetValueType marks the class as a value type.
func (c *Class) SetValueType() *Class {
	c.valueType = true
	return c
}

// SetDisplayFormat sets the display string template of instances.
func (c *Class) SetDisplayFormat(format string) *Class {
	c.display = format
	return c
}

// AddField declares instance fields.
func (c *Class) AddField(names ...string) *Class {
	for _, name := range names {
		c.fields = append(c.fields, native.Field{Name: name})
	}
	return c
}

// AddStatic declares a static field with its initial value.
func (c *Class) AddStatic(name string, v native.Value) *Class {
	c.fields = append(c.fields, native.Field{Name: name, Static: true})
	c.statics[name] = v
	return c
}

// SetStatic assigns a static field.
func (c *Class) SetStatic(name string, v native.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.statics[name]; !ok {
		panic(fmt.Sprintf("simrt: %s has no static field %s", c.name, name))
	}
	c.statics[name] = v
}

// Static returns the current value of a static field.
func (c *Class) Static(name string) native.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statics[name]
}

// AddProperty declares an instance property whose getter runs get.
func (c *Class) AddProperty(name string, get func(t *Thread, this native.Value) (native.Value, error)) *Class {
	m := c.AddMethod("get_"+name, InstanceSig(T(native.ElementObject)), func(t *Thread, args []native.Value) (native.Value, error) {
		return get(t, args[0])
	})
	c.props = append(c.props, native.Property{Name: name, Getter: m})
	return c
}

// AddStaticProperty declares a static property whose getter runs get.
func (c *Class) AddStaticProperty(name string, get func(t *Thread) (native.Value, error)) *Class {
	m := c.AddMethod("get_"+name, StaticSig(T(native.ElementObject)), func(t *Thread, _ []native.Value) (native.Value, error) {
		return get(t)
	})
	c.props = append(c.props, native.Property{Name: name, Static: true, Getter: m})
	return c
}

// AddWriteOnlyProperty declares a property without a getter.
func (c *Class) AddWriteOnlyProperty(name string, static bool) *Class {
	c.props = append(c.props, native.Property{Name: name, Static: static})
	return c
}

// AddMethod declares a method with an encoded signature blob.
func (c *Class) AddMethod(name string, sig []byte, body Body) *Method {
	mod := c.module
	mod.nextMethod++
	m := &Method{
		class: c,
		name:  name,
		token: 0x06000000 | mod.nextMethod,
		sig:   sig,
		body:  body,
	}
	c.methods = append(c.methods, m)
	return m
}

// New allocates an instance with every field of the class chain set to
// null.
func (c *Class) New() *Value {
	et := native.ElementClass
	var addr uint64
	if c.valueType {
		et = native.ElementValueType
	} else {
		addr = allocAddr()
	}
	v := &Value{et: et, class: c, addr: addr, fields: make(map[string]native.Value)}
	for k := c; k != nil; k = k.base {
		for _, f := range k.fields {
			if !f.Static {
				v.fields[f.Name] = Null(nil)
			}
		}
	}
	return v
}

func (c *Class) Name() string { return c.name }

func (c *Class) Token() uint32 { return c.token }

func (c *Class) Module() native.Module {
	if c.module == nil {
		return nil
	}
	return c.module
}

func (c *Class) IsValueType() bool { return c.valueType }

func (c *Class) Base() native.Class {
	if c.base == nil {
		return nil
	}
	return c.base
}

func (c *Class) Fields() []native.Field {
	return append([]native.Field(nil), c.fields...)
}

func (c *Class) Properties() []native.Property {
	return append([]native.Property(nil), c.props...)
}

func (c *Class) Methods() []native.Function {
	fns := make([]native.Function, len(c.methods))
	for i, m := range c.methods {
		fns[i] = m
	}
	return fns
}

func (c *Class) StaticField(_ native.Thread, name string) (native.Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.statics[name]
	if !ok {
		return nil, fmt.Errorf("%s has no static field %s", c.name, name)
	}
	return v, nil
}

func (c *Class) DisplayFormat() string { return c.display }

// Method is a simulated method definition.
type Method struct {
	class  *Class
	name   string
	token  uint32
	sig    []byte
	body   Body
	file   string
	line   int
	params []string
}

var _ native.Function = (*Method)(nil)

// At places the method's first sequence point.
func (m *Method) At(path string, line int) *Method {
	m.file = filepath.Clean(path)
	m.line = line
	return m
}

// Params names the method's parameters as they appear among the locals of
// its frames.
func (m *Method) Params(names ...string) *Method {
	m.params = names
	return m
}

func (m *Method) Name() string { return m.name }

func (m *Method) Token() uint32 { return m.token }

func (m *Method) Class() native.Class { return m.class }

func (m *Method) Module() native.Module { return m.class.module }

func (m *Method) IsStatic() bool {
	return len(m.sig) == 0 || m.sig[0]&0x20 == 0
}

func (m *Method) Signature() []byte { return m.sig }

func (m *Method) paramName(i int) string {
	if i < len(m.params) {
		return m.params[i]
	}
	return fmt.Sprintf("arg%d", i)
}
