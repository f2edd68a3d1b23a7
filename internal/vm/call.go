package vm

import (
	verr "tala/internal/errors"

	"tala/internal/bytecode"
)

// Call machinery
// ==============
//
// precall prepares a frame for the callable at a stack slot; Go
// functions run to completion inside it, Tala functions push a frame
// for the interpreter. postcall unwinds one frame and moves results
// into the caller's slots. callValue is the full driver used by the
// API, metamethods, and iterators.

// minStack is the headroom guaranteed to a Go function.
const minStack = 20

var errCallDepth = verr.New(verr.OverflowError, "Go call depth overflow")

// materialized constants for a prototype, built once and cached on the
// prototype itself.
func (g *GlobalState) constants(p *bytecode.Prototype) []Value {
	if kv, ok := p.KCache.([]Value); ok {
		return kv
	}
	kv := make([]Value, len(p.K))
	for i, c := range p.K {
		switch c.Kind {
		case bytecode.ConstNil:
			kv[i] = NilValue()
		case bytecode.ConstBool:
			kv[i] = BoxBool(c.B)
		case bytecode.ConstInt:
			kv[i] = BoxInt(c.I)
		case bytecode.ConstFloat:
			kv[i] = BoxNumber(c.F)
		case bytecode.ConstString:
			kv[i] = g.NewString(c.S)
		}
	}
	p.KCache = kv
	return kv
}

// NewClosure materializes a closure over a prototype with fresh
// (closed, nil) upvalue cells. Hosts use it to enter a loaded chunk.
func (g *GlobalState) NewClosure(p *bytecode.Prototype) *LClosure {
	cl := &LClosure{
		Proto:  p,
		K:      g.constants(p),
		Upvals: make([]*Upvalue, len(p.Upvals)),
	}
	for i := range cl.Upvals {
		cl.Upvals[i] = &Upvalue{refs: 1}
	}
	g.addDebt(int64(64 + 16*len(p.Upvals)))
	return cl
}

// precall begins a call of stack[fnIdx] with arguments fnIdx+1..top-1.
// entered reports that a Tala frame was pushed and the interpreter
// must run it; Go callables complete before precall returns.
func (s *State) precall(fnIdx, nresults int) (entered bool, err *verr.Error) {
	v := s.stack[fnIdx]
	switch v.tt {
	case tagGoFunc, tagGoClosure:
		if err := s.checkStackN(minStack); err != nil {
			return false, err
		}
		if err := s.pushFrame(CallFrame{
			fn:       fnIdx,
			base:     fnIdx + 1,
			top:      s.top + minStack,
			nresults: nresults,
			status:   csGo,
		}); err != nil {
			return false, err
		}
		if err := s.hookEvent(HookCall); err != nil {
			s.popFrame()
			return false, err
		}
		var fn GoFunc
		if v.tt == tagGoFunc {
			fn = AsGoFunc(v)
		} else {
			fn = AsGoClosure(v).Fn
		}
		n, gerr := s.safeGoCall(fn)
		if gerr != nil {
			s.popFrame()
			return false, gerr
		}
		if n < 0 {
			n = 0
		}
		if n > s.top {
			n = s.top
		}
		s.postcall(s.top-n, n)
		return false, nil

	case tagClosure:
		cl := AsClosure(v)
		p := cl.Proto
		nargs := s.top - fnIdx - 1
		if err := s.checkStackN(int(p.MaxStackSize) + minStack); err != nil {
			return false, err
		}
		var base int
		if p.IsVararg {
			// fixed parameters move above the actuals; the originals
			// stay below the new base as the vararg region
			base = s.top
			for i := 0; i < int(p.NumParams); i++ {
				if i < nargs {
					s.stack[base+i] = s.stack[fnIdx+1+i]
					s.stack[fnIdx+1+i] = NilValue()
				} else {
					s.stack[base+i] = NilValue()
				}
			}
		} else {
			base = fnIdx + 1
			for i := nargs; i < int(p.NumParams); i++ {
				s.stack[base+i] = NilValue()
			}
		}
		top := base + int(p.MaxStackSize)
		for i := base + int(p.NumParams); i < top; i++ {
			s.stack[i] = NilValue()
		}
		nxtra := nargs - int(p.NumParams)
		if nxtra < 0 || !p.IsVararg {
			nxtra = 0
		}
		if err := s.pushFrame(CallFrame{
			fn:       fnIdx,
			base:     base,
			top:      top,
			nresults: nresults,
			nxtra:    nxtra,
		}); err != nil {
			return false, err
		}
		s.top = top
		if err := s.hookEvent(HookCall); err != nil {
			return true, err
		}
		return true, nil

	default:
		// not a function: try __call with the callee inserted first
		tm := s.tmByObj(v, tmCall)
		if IsNil(tm) {
			return false, s.typeError("call", v)
		}
		if err := s.checkStackN(1); err != nil {
			return false, err
		}
		for i := s.top; i > fnIdx; i-- {
			s.stack[i] = s.stack[i-1]
		}
		s.top++
		s.stack[fnIdx] = tm
		return s.precall(fnIdx, nresults)
	}
}

// postcall unwinds the current frame, moving nres results that start
// at firstResult down into the caller's slots.
func (s *State) postcall(firstResult, nres int) {
	frame := s.frame()
	res := frame.fn
	wanted := frame.nresults
	if err := s.hookEvent(HookRet); err != nil {
		// a return hook cannot veto the return; its error is dropped
		_ = err
	}
	s.popFrame()
	if wanted == MaxResults {
		for i := 0; i < nres; i++ {
			s.stack[res+i] = s.stack[firstResult+i]
		}
		s.top = res + nres
		return
	}
	n := nres
	if n > wanted {
		n = wanted
	}
	for i := 0; i < n; i++ {
		s.stack[res+i] = s.stack[firstResult+i]
	}
	for i := n; i < wanted; i++ {
		s.stack[res+i] = NilValue()
	}
	s.top = res + wanted
}

// safeGoCall invokes a host function, converting a thrown runtime
// error (State.Error and friends unwind by panicking with one) back
// into an explicit error return. Foreign panics pass through.
func (s *State) safeGoCall(fn GoFunc) (n int, err *verr.Error) {
	s.inGoCall++
	defer func() {
		s.inGoCall--
		if r := recover(); r != nil {
			if e, ok := r.(*verr.Error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	return fn(s), nil
}

// callValue runs a complete call of stack[fnIdx]. Used by the API and
// by every metamethod invocation.
func (s *State) callValue(fnIdx, nresults int) *verr.Error {
	if s.nCcalls >= MaxCallDepth {
		return s.located(errCallDepth)
	}
	s.nCcalls++
	defer func() { s.nCcalls-- }()
	entered, err := s.precall(fnIdx, nresults)
	if err != nil {
		return err
	}
	if entered {
		return s.vexecute()
	}
	return nil
}

// callValueNoYield is callValue behind a non-yieldable boundary.
func (s *State) callValueNoYield(fnIdx, nresults int) *verr.Error {
	s.nny++
	defer func() { s.nny-- }()
	return s.callValue(fnIdx, nresults)
}

// ============================================================================
// Metamethod invocation helpers
// ============================================================================

// callTM invokes a metamethod for effect: f(a, b, c).
func (s *State) callTM(f, a, b, c Value) *verr.Error {
	if err := s.checkStackN(4); err != nil {
		return err
	}
	base := s.top
	s.stack[base] = f
	s.stack[base+1] = a
	s.stack[base+2] = b
	s.stack[base+3] = c
	s.top = base + 4
	return s.callValue(base, 0)
}

// callTMRes invokes a metamethod for one result: f(a, b).
func (s *State) callTMRes(f, a, b Value) (Value, *verr.Error) {
	if err := s.checkStackN(3); err != nil {
		return Value{}, err
	}
	base := s.top
	s.stack[base] = f
	s.stack[base+1] = a
	s.stack[base+2] = b
	s.top = base + 3
	if err := s.callValue(base, 1); err != nil {
		return Value{}, err
	}
	s.top = base
	return s.stack[base], nil
}
