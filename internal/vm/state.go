package vm

import (
	"github.com/google/uuid"

	verr "tala/internal/errors"
)

// Global state & threads
// ======================
//
// A GlobalState is shared by every thread of one interpreter group:
// allocator accounting, the registry, the string pool, default
// metatables, and the metamethod name strings. Threads of one group
// never run concurrently; the host serializes access. Independent
// groups share nothing, and cross-group value movement is rejected
// (the group id is the witness).

// Registry well-known integer slots.
const (
	RegistryIndexMainThread = 1
	RegistryIndexGlobals    = 2
)

// Pseudo stack indices.
const (
	// RegistryIndex addresses the registry table from any API call.
	RegistryIndex = -MaxStack - 1000
)

// UpvalueIndex addresses captured value i (1-based) of the running Go
// closure.
func UpvalueIndex(i int) int {
	return RegistryIndex - i
}

type GlobalState struct {
	id       uuid.UUID
	registry *Table
	strings  *stringPool
	mtBasic  [TThread + 1]*Table // per-basic-type default metatables
	tmNames  [tmCount]Value      // interned metamethod names
	panicFn  GoFunc
	gc       gcState
	main     *State
}

// ID is the stable identity of this thread group.
func (g *GlobalState) ID() uuid.UUID { return g.id }

type hookMask uint8

const (
	MaskCall hookMask = 1 << iota
	MaskRet
	MaskLine
	MaskCount
)

// HookEvent identifies why a hook fired.
type HookEvent int

const (
	HookCall HookEvent = iota
	HookRet
	HookLine
	HookCount
	HookTailCall
)

// Hook is a debug hook. A non-nil error raises at the hooked
// instruction.
type Hook func(s *State, event HookEvent, line int) error

type coMsg struct {
	nargs  int
	status verr.Status
	err    *verr.Error
}

// State is one thread of execution: a value stack, a frame chain, and
// the open-upvalue list. The main thread is created with NewState;
// coroutines with NewThread.
type State struct {
	g *GlobalState

	stack      []Value
	top        int
	frames     []CallFrame
	ci         int
	openupvals *Upvalue

	status   verr.Status
	nny      int // non-yieldable nesting depth
	nCcalls  int
	inGoCall int // depth of host-function invocations on this thread
	errFunc  int // stack index of the active message handler; 0 = none

	hookFn      Hook
	hookMask    hookMask
	hookCount   int
	hookCounter int

	// coroutine plumbing (nil channels on the main thread)
	coStarted  bool
	coFinished bool
	resumeCh   chan coMsg
	yieldCh    chan coMsg
	caller     *State
}

// NewState creates a fresh thread group with its main thread, the
// registry, and an empty globals table.
func NewState() *State {
	g := &GlobalState{
		id:      uuid.New(),
		strings: newStringPool(),
	}
	g.gc.init()
	s := newThread(g)
	s.nny = 1 // the main thread cannot yield
	g.main = s

	g.registry = NewTable(2, 0)
	g.registry.SetInt(RegistryIndexMainThread, BoxThread(s))
	g.registry.SetInt(RegistryIndexGlobals, BoxTable(NewTable(0, 8)))
	for i := range tmNameStrings {
		g.tmNames[i] = g.NewString(tmNameStrings[i])
	}
	return s
}

func newThread(g *GlobalState) *State {
	s := &State{
		g:      g,
		stack:  make([]Value, basicStackSize),
		frames: make([]CallFrame, 1, 8),
	}
	// frames[0] is the sentinel host frame
	s.frames[0] = CallFrame{status: csGo | csFresh, nresults: MaxResults}
	s.top = 0
	return s
}

// Global returns the group shared by this thread.
func (s *State) Global() *GlobalState { return s.g }

// Registry returns the group registry table.
func (g *GlobalState) Registry() *Table { return g.registry }

// GlobalsTable returns the globals table anchored in the registry.
func (g *GlobalState) GlobalsTable() *Table {
	v := g.registry.GetInt(RegistryIndexGlobals)
	if IsTable(v) {
		return AsTable(v)
	}
	return nil
}

// AtPanic installs the handler invoked on unprotected errors; the
// previous handler is returned.
func (s *State) AtPanic(fn GoFunc) GoFunc {
	old := s.g.panicFn
	s.g.panicFn = fn
	return old
}

// Status reports the thread status (OK, YIELD, or an error status).
func (s *State) Status() verr.Status { return s.status }

// SetHook installs a debug hook. count is consulted only when
// MaskCount is set.
func (s *State) SetHook(fn Hook, mask hookMask, count int) {
	if fn == nil {
		mask = 0
	}
	s.hookFn = fn
	s.hookMask = mask
	s.hookCount = count
	s.hookCounter = count
}

// currentLine reports the source line of the active Tala frame, or 0.
func (s *State) currentLine() int {
	for ci := s.ci; ci > 0; ci-- {
		f := &s.frames[ci]
		if f.isLua() {
			cl := AsClosure(s.stack[f.fn])
			pc := f.pc - 1
			if pc < 0 {
				pc = 0
			}
			return cl.Proto.Line(pc)
		}
	}
	return 0
}

// where formats an error-position prefix for the active frame.
func (s *State) where() (string, int) {
	for ci := s.ci; ci > 0; ci-- {
		f := &s.frames[ci]
		if f.isLua() {
			cl := AsClosure(s.stack[f.fn])
			pc := f.pc - 1
			if pc < 0 {
				pc = 0
			}
			return cl.Proto.Source, cl.Proto.Line(pc)
		}
	}
	return "", 0
}
