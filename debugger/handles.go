// Copyright © 2024 The ELPS authors

package debugger

import (
	"context"
	"fmt"
	"sync"

	"github.com/luthersystems/clrdbg/native"
)

type nodeKind int

const (
	nodeFrame nodeKind = iota
	nodeScope
	nodeObject
	nodeStatics
)

// node is what a frame id or variables reference points at.
type node struct {
	kind   nodeKind
	thread native.Thread
	frame  native.Frame
	value  native.Value
	class  native.Class
	// path holds the addresses of the objects enclosing this node,
	// including its own value, outermost first.
	path []uint64
	// epoch is the stopped episode the node belongs to.
	epoch uint64
}

type frameKey struct {
	thread int
	index  int
}

// handleTable mints frame ids and variables references. Ids are never
// reused; reset forgets every live id at the end of a stopped episode and
// starts a new epoch.
type handleTable struct {
	mu     sync.Mutex
	last   int
	epoch  uint64
	nodes  map[int]*node
	frames map[frameKey]int
}

func newHandleTable() *handleTable {
	return &handleTable{
		nodes:  make(map[int]*node),
		frames: make(map[frameKey]int),
	}
}

// add mints an id for n. It fails if n was derived in an episode that has
// since ended.
func (h *handleTable) add(n *node) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n.epoch != h.epoch {
		return 0, fmt.Errorf("%w: stopped episode %d has ended", ErrStaleHandle, n.epoch)
	}
	h.last++
	h.nodes[h.last] = n
	return h.last, nil
}

// current returns the epoch of the live episode.
func (h *handleTable) current() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// frame returns the id of a thread's frame, minting it on first use in
// the current episode.
func (h *handleTable) frame(thread native.Thread, index int, f native.Frame) int {
	key := frameKey{thread: thread.ID(), index: index}
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.frames[key]; ok {
		return id
	}
	h.last++
	h.nodes[h.last] = &node{kind: nodeFrame, thread: thread, frame: f, epoch: h.epoch}
	h.frames[key] = h.last
	return h.last
}

func (h *handleTable) get(id int) (*node, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStaleHandle, id)
	}
	return n, nil
}

func (h *handleTable) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch++
	h.nodes = make(map[int]*node)
	h.frames = make(map[frameKey]int)
}

// invokeGate serializes debuggee calls per thread. Concurrent requests
// may evaluate getters on the same thread; it runs one call at a time.
type invokeGate struct {
	mu      sync.Mutex
	threads map[int]chan struct{}
}

func newInvokeGate() *invokeGate {
	return &invokeGate{threads: make(map[int]chan struct{})}
}

func (g *invokeGate) slot(id int) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.threads[id]
	if !ok {
		c = make(chan struct{}, 1)
		g.threads[id] = c
	}
	return c
}

// Invoke runs fn on t once no other call is running on t.
func (g *invokeGate) Invoke(ctx context.Context, t native.Thread, fn native.Function, args []native.Value) (native.Value, error) {
	c := g.slot(t.ID())
	select {
	case c <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c }()
	return t.CallFunction(ctx, fn, args)
}

// loadedModule is a module with its session-assigned id.
type loadedModule struct {
	id     int
	native native.Module
}

// moduleTable records loaded modules. It also resolves type names for
// expression evaluation.
type moduleTable struct {
	mu   sync.Mutex
	mods []loadedModule
}

func (t *moduleTable) add(m native.Module) loadedModule {
	t.mu.Lock()
	defer t.mu.Unlock()
	lm := loadedModule{id: len(t.mods) + 1, native: m}
	t.mods = append(t.mods, lm)
	return lm
}

func (t *moduleTable) list() []loadedModule {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]loadedModule(nil), t.mods...)
}

// FindClass looks name up in every loaded module, in load order.
func (t *moduleTable) FindClass(name string) (native.Class, bool) {
	for _, m := range t.list() {
		if c, ok := m.native.FindClass(name); ok {
			return c, true
		}
	}
	return nil, false
}

// Module describes a loaded module.
type Module struct {
	ID   int
	Name string
	Path string
}

// Modules lists the modules loaded in the debuggee.
func (e *Engine) Modules() ([]Module, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	mods := s.modules.list()
	out := make([]Module, len(mods))
	for i, m := range mods {
		out[i] = Module{ID: m.id, Name: m.native.Name(), Path: m.native.Path()}
	}
	return out, nil
}
