package vm

import (
	"math"
	"strings"

	"tala/internal/bytecode"
	verr "tala/internal/errors"
)

// Interpreter loop
// ================
//
// One hot function, one switch per opcode. The loop keeps code, the
// constant pool, the frame base, and the program counter in locals and
// caches the stack slice; every operation that can call user code or
// grow the stack is framed by the protect pattern — save pc into the
// frame before, reacquire the stack slice after. Registers are always
// base-relative offsets, never raw pointers, so stack growth cannot
// dangle them.

// rkv resolves an RK operand against registers or constants.
func rkv(stk []Value, base int, k []Value, x int) Value {
	if x&bytecode.BitRK != 0 {
		return k[x & ^bytecode.BitRK]
	}
	return stk[base+x]
}

// vexecute runs Tala frames until the frame that was current at entry
// returns.
func (s *State) vexecute() *verr.Error {
	entry := s.ci

newframe:
	for {
		ciIdx := s.ci
		cl := AsClosure(s.stack[s.frames[ciIdx].fn])
		k := cl.K
		code := cl.Proto.Code
		base := s.frames[ciIdx].base
		pc := s.frames[ciIdx].pc
		stk := s.stack

		for {
			if s.hookMask&(MaskLine|MaskCount) != 0 {
				s.frames[ciIdx].pc = pc
				if err := s.instructionHook(cl.Proto.Line(pc)); err != nil {
					return err
				}
				stk = s.stack
			}
			inst := code[pc]
			pc++

			switch inst.OpCode() {

			// ================================================================
			// Data movement
			// ================================================================

			case bytecode.OP_MOVE:
				stk[base+inst.A()] = stk[base+inst.B()]

			case bytecode.OP_LOADK:
				stk[base+inst.A()] = k[inst.Bx()]

			case bytecode.OP_LOADKX:
				ax := code[pc].Ax()
				pc++
				stk[base+inst.A()] = k[ax]

			case bytecode.OP_LOADBOOL:
				stk[base+inst.A()] = BoxBool(inst.B() != 0)
				if inst.C() != 0 {
					pc++
				}

			case bytecode.OP_LOADNIL:
				a := base + inst.A()
				for i := 0; i <= inst.B(); i++ {
					stk[a+i] = NilValue()
				}

			case bytecode.OP_GETUPVAL:
				stk[base+inst.A()] = cl.Upvals[inst.B()].Get()

			case bytecode.OP_SETUPVAL:
				cl.Upvals[inst.B()].Set(stk[base+inst.A()])

			// ================================================================
			// Table access
			// ================================================================

			case bytecode.OP_GETTABUP:
				t := cl.Upvals[inst.B()].Get()
				key := rkv(stk, base, k, inst.C())
				if IsTable(t) {
					if v := AsTable(t).Get(key); !IsNil(v) {
						stk[base+inst.A()] = v
						continue
					}
				}
				s.frames[ciIdx].pc = pc
				v, err := s.indexGet(t, key)
				if err != nil {
					return err
				}
				stk = s.stack
				stk[base+inst.A()] = v

			case bytecode.OP_GETTABLE:
				t := stk[base+inst.B()]
				key := rkv(stk, base, k, inst.C())
				if IsTable(t) {
					if v := AsTable(t).Get(key); !IsNil(v) {
						stk[base+inst.A()] = v
						continue
					}
				}
				s.frames[ciIdx].pc = pc
				v, err := s.indexGet(t, key)
				if err != nil {
					return err
				}
				stk = s.stack
				stk[base+inst.A()] = v

			case bytecode.OP_GETFIELD:
				t := stk[base+inst.B()]
				key := k[inst.C()]
				if IsTable(t) {
					if v := AsTable(t).GetStr(AsString(key).Str); !IsNil(v) {
						stk[base+inst.A()] = v
						continue
					}
				}
				s.frames[ciIdx].pc = pc
				v, err := s.indexGet(t, key)
				if err != nil {
					return err
				}
				stk = s.stack
				stk[base+inst.A()] = v

			case bytecode.OP_SETTABUP:
				t := cl.Upvals[inst.A()].Get()
				key := rkv(stk, base, k, inst.B())
				val := rkv(stk, base, k, inst.C())
				s.frames[ciIdx].pc = pc
				if err := s.indexSet(t, key, val); err != nil {
					return err
				}
				stk = s.stack

			case bytecode.OP_SETTABLE:
				t := stk[base+inst.A()]
				key := rkv(stk, base, k, inst.B())
				val := rkv(stk, base, k, inst.C())
				s.frames[ciIdx].pc = pc
				if err := s.indexSet(t, key, val); err != nil {
					return err
				}
				stk = s.stack

			case bytecode.OP_NEWTABLE:
				s.g.addDebt(64)
				stk[base+inst.A()] = BoxTable(NewTable(inst.B(), inst.C()))
				s.checkGC()

			case bytecode.OP_SELF:
				rb := stk[base+inst.B()]
				key := rkv(stk, base, k, inst.C())
				stk[base+inst.A()+1] = rb
				if IsTable(rb) {
					if v := AsTable(rb).Get(key); !IsNil(v) {
						stk[base+inst.A()] = v
						continue
					}
				}
				s.frames[ciIdx].pc = pc
				v, err := s.indexGet(rb, key)
				if err != nil {
					return err
				}
				stk = s.stack
				stk[base+inst.A()] = v

			// ================================================================
			// Arithmetic & bitwise (fast paths first, metamethods after)
			// ================================================================

			case bytecode.OP_ADD:
				rb := rkv(stk, base, k, inst.B())
				rc := rkv(stk, base, k, inst.C())
				if rb.tt == tagInt && rc.tt == tagInt {
					stk[base+inst.A()] = BoxInt(intAdd(AsInt(rb), AsInt(rc)))
				} else if rb.tt == tagFloat && rc.tt == tagFloat {
					stk[base+inst.A()] = BoxNumber(AsNumber(rb) + AsNumber(rc))
				} else {
					s.frames[ciIdx].pc = pc
					v, err := s.arith(OpArithAdd, rb, rc)
					if err != nil {
						return err
					}
					stk = s.stack
					stk[base+inst.A()] = v
				}

			case bytecode.OP_SUB:
				rb := rkv(stk, base, k, inst.B())
				rc := rkv(stk, base, k, inst.C())
				if rb.tt == tagInt && rc.tt == tagInt {
					stk[base+inst.A()] = BoxInt(intSub(AsInt(rb), AsInt(rc)))
				} else if rb.tt == tagFloat && rc.tt == tagFloat {
					stk[base+inst.A()] = BoxNumber(AsNumber(rb) - AsNumber(rc))
				} else {
					s.frames[ciIdx].pc = pc
					v, err := s.arith(OpArithSub, rb, rc)
					if err != nil {
						return err
					}
					stk = s.stack
					stk[base+inst.A()] = v
				}

			case bytecode.OP_MUL:
				rb := rkv(stk, base, k, inst.B())
				rc := rkv(stk, base, k, inst.C())
				if rb.tt == tagInt && rc.tt == tagInt {
					stk[base+inst.A()] = BoxInt(intMul(AsInt(rb), AsInt(rc)))
				} else if rb.tt == tagFloat && rc.tt == tagFloat {
					stk[base+inst.A()] = BoxNumber(AsNumber(rb) * AsNumber(rc))
				} else {
					s.frames[ciIdx].pc = pc
					v, err := s.arith(OpArithMul, rb, rc)
					if err != nil {
						return err
					}
					stk = s.stack
					stk[base+inst.A()] = v
				}

			case bytecode.OP_MOD, bytecode.OP_POW, bytecode.OP_DIV, bytecode.OP_IDIV,
				bytecode.OP_BAND, bytecode.OP_BOR, bytecode.OP_BXOR,
				bytecode.OP_SHL, bytecode.OP_SHR:
				rb := rkv(stk, base, k, inst.B())
				rc := rkv(stk, base, k, inst.C())
				s.frames[ciIdx].pc = pc
				v, err := s.arith(arithOpFor(inst.OpCode()), rb, rc)
				if err != nil {
					return err
				}
				stk = s.stack
				stk[base+inst.A()] = v

			case bytecode.OP_UNM:
				rb := stk[base+inst.B()]
				switch rb.tt {
				case tagInt:
					stk[base+inst.A()] = BoxInt(-AsInt(rb))
				case tagFloat:
					stk[base+inst.A()] = BoxNumber(-AsNumber(rb))
				default:
					s.frames[ciIdx].pc = pc
					v, err := s.arith(OpArithUnm, rb, rb)
					if err != nil {
						return err
					}
					stk = s.stack
					stk[base+inst.A()] = v
				}

			case bytecode.OP_BNOT:
				rb := stk[base+inst.B()]
				if i, ok := toInteger(rb); ok {
					stk[base+inst.A()] = BoxInt(^i)
				} else {
					s.frames[ciIdx].pc = pc
					v, err := s.arith(OpArithBNot, rb, rb)
					if err != nil {
						return err
					}
					stk = s.stack
					stk[base+inst.A()] = v
				}

			case bytecode.OP_NOT:
				stk[base+inst.A()] = BoxBool(!IsTruthy(stk[base+inst.B()]))

			case bytecode.OP_LEN:
				s.frames[ciIdx].pc = pc
				v, err := s.objLen(stk[base+inst.B()])
				if err != nil {
					return err
				}
				stk = s.stack
				stk[base+inst.A()] = v

			case bytecode.OP_CONCAT:
				b, c := inst.B(), inst.C()
				s.frames[ciIdx].pc = pc
				s.top = base + c + 1
				if err := s.concat(c - b + 1); err != nil {
					return err
				}
				stk = s.stack
				stk[base+inst.A()] = stk[base+b]
				s.top = s.frames[ciIdx].top
				s.checkGC()

			// ================================================================
			// Comparisons and branches
			// ================================================================

			case bytecode.OP_JMP:
				if a := inst.A(); a != 0 {
					s.closeUpvalues(base + a - 1)
				}
				pc += inst.SBx()

			case bytecode.OP_EQ:
				rb := rkv(stk, base, k, inst.B())
				rc := rkv(stk, base, k, inst.C())
				s.frames[ciIdx].pc = pc
				res, err := s.equalObj(rb, rc)
				if err != nil {
					return err
				}
				stk = s.stack
				if res != (inst.A() != 0) {
					pc++ // skip the companion JMP
				}

			case bytecode.OP_LT:
				rb := rkv(stk, base, k, inst.B())
				rc := rkv(stk, base, k, inst.C())
				s.frames[ciIdx].pc = pc
				res, err := s.lessThan(rb, rc)
				if err != nil {
					return err
				}
				stk = s.stack
				if res != (inst.A() != 0) {
					pc++
				}

			case bytecode.OP_LE:
				rb := rkv(stk, base, k, inst.B())
				rc := rkv(stk, base, k, inst.C())
				s.frames[ciIdx].pc = pc
				res, err := s.lessEqual(rb, rc)
				if err != nil {
					return err
				}
				stk = s.stack
				if res != (inst.A() != 0) {
					pc++
				}

			case bytecode.OP_TEST:
				if IsTruthy(stk[base+inst.A()]) != (inst.C() != 0) {
					pc++
				}

			case bytecode.OP_TESTSET:
				rb := stk[base+inst.B()]
				if IsTruthy(rb) == (inst.C() != 0) {
					stk[base+inst.A()] = rb
				} else {
					pc++
				}

			// ================================================================
			// Calls and returns
			// ================================================================

			case bytecode.OP_CALL:
				a, b, c := inst.A(), inst.B(), inst.C()
				if b != 0 {
					s.top = base + a + b
				}
				s.frames[ciIdx].pc = pc
				entered, err := s.precall(base+a, c-1)
				if err != nil {
					return err
				}
				if entered {
					continue newframe
				}
				stk = s.stack
				if c != 0 {
					s.top = s.frames[ciIdx].top
				}

			case bytecode.OP_TAILCALL:
				a, b := inst.A(), inst.B()
				if b != 0 {
					s.top = base + a + b
				}
				s.frames[ciIdx].pc = pc
				callee := stk[base+a]
				if callee.tt == tagClosure {
					// reuse this frame: close our upvalues, slide the
					// callee and arguments down over the function slot
					s.closeUpvalues(base)
					fnIdx := s.frames[ciIdx].fn
					wanted := s.frames[ciIdx].nresults
					n := s.top - (base + a)
					for i := 0; i < n; i++ {
						stk[fnIdx+i] = stk[base+a+i]
					}
					s.top = fnIdx + n
					s.popFrame()
					entered, err := s.precall(fnIdx, wanted)
					if err != nil {
						return err
					}
					if entered {
						s.frames[s.ci].status |= csTail
						if err := s.hookEvent(HookTailCall); err != nil {
							return err
						}
						continue newframe
					}
					// __call landed on a Go function after all
					if s.ci < entry {
						return nil
					}
					continue newframe
				}
				// Go callee: call in place, then return its results
				entered, err := s.precall(base+a, MaxResults)
				if err != nil {
					return err
				}
				_ = entered // a non-closure never enters a Tala frame
				stk = s.stack
				s.closeUpvalues(base)
				nres := s.top - (base + a)
				wanted := s.frames[ciIdx].nresults
				s.postcallFrom(ciIdx, base+a, nres)
				if s.ci < entry {
					return nil
				}
				if wanted != MaxResults {
					s.top = s.frames[s.ci].top
				}
				continue newframe

			case bytecode.OP_RETURN:
				a, b := inst.A(), inst.B()
				nres := b - 1
				if b == 0 {
					nres = s.top - (base + a)
				}
				s.closeUpvalues(base)
				wanted := s.frames[ciIdx].nresults
				s.postcallFrom(ciIdx, base+a, nres)
				if s.ci < entry {
					return nil
				}
				if wanted != MaxResults {
					s.top = s.frames[s.ci].top
				}
				continue newframe

			// ================================================================
			// Numeric for-loop
			// ================================================================

			case bytecode.OP_FORPREP:
				a := base + inst.A()
				init, limit, step := stk[a], stk[a+1], stk[a+2]
				if init.tt == tagInt && step.tt == tagInt {
					istep := AsInt(step)
					if istep == 0 {
						s.frames[ciIdx].pc = pc
						return s.rtErr(verr.RuntimeError, "'for' step is zero")
					}
					ilimit, stop, ok := forLimit(limit, istep)
					if ok {
						iinit := AsInt(init)
						if stop {
							// unreachable limit: force zero iterations
							iinit = 0
							if istep > 0 {
								ilimit = -1
							} else {
								ilimit = 1
							}
						}
						stk[a] = BoxInt(iinit - istep)
						stk[a+1] = BoxInt(ilimit)
						pc += inst.SBx()
						continue
					}
				}
				finit, iok := toNumber(init)
				flimit, lok := toNumber(limit)
				fstep, sok := toNumber(step)
				if !iok || !lok || !sok {
					s.frames[ciIdx].pc = pc
					return s.rtErr(verr.TypeError, "'for' initial value, limit, and step must be numbers")
				}
				stk[a] = BoxNumber(finit - fstep)
				stk[a+1] = BoxNumber(flimit)
				stk[a+2] = BoxNumber(fstep)
				pc += inst.SBx()

			case bytecode.OP_FORLOOP:
				a := base + inst.A()
				if stk[a].tt == tagInt && stk[a+2].tt == tagInt {
					istep := AsInt(stk[a+2])
					prev := AsInt(stk[a])
					idx := prev + istep
					ilimit := AsInt(stk[a+1])
					// a wrapped control value means the clamped limit
					// was passed: stop
					wrapped := (istep > 0 && idx < prev) || (istep < 0 && idx > prev)
					if !wrapped && ((istep > 0 && idx <= ilimit) || (istep <= 0 && ilimit <= idx)) {
						pc += inst.SBx()
						stk[a] = BoxInt(idx)
						stk[a+3] = BoxInt(idx)
					}
				} else {
					fstep := AsNumber(stk[a+2])
					idx := AsNumber(stk[a]) + fstep
					flimit := AsNumber(stk[a+1])
					if (fstep > 0 && idx <= flimit) || (fstep <= 0 && flimit <= idx) {
						pc += inst.SBx()
						stk[a] = BoxNumber(idx)
						stk[a+3] = BoxNumber(idx)
					}
				}

			case bytecode.OP_FORPREP_IP, bytecode.OP_FORPREP_I1:
				a := base + inst.A()
				init, limit := stk[a], stk[a+1]
				istep := int64(1)
				if inst.OpCode() == bytecode.OP_FORPREP_IP {
					if stk[a+2].tt != tagInt {
						s.frames[ciIdx].pc = pc
						return s.rtErr(verr.TypeError, "'for' step must be an integer")
					}
					istep = AsInt(stk[a+2])
					if istep == 0 {
						s.frames[ciIdx].pc = pc
						return s.rtErr(verr.RuntimeError, "'for' step is zero")
					}
				}
				if init.tt != tagInt {
					s.frames[ciIdx].pc = pc
					return s.rtErr(verr.TypeError, "'for' initial value must be an integer")
				}
				ilimit, stop, ok := forLimit(limit, istep)
				if !ok {
					s.frames[ciIdx].pc = pc
					return s.rtErr(verr.TypeError, "'for' limit must be a number")
				}
				iinit := AsInt(init)
				if stop {
					iinit = 0
					if istep > 0 {
						ilimit = -1
					} else {
						ilimit = 1
					}
				}
				stk[a] = BoxInt(iinit - istep)
				stk[a+1] = BoxInt(ilimit)
				stk[a+2] = BoxInt(istep)
				pc += inst.SBx()

			case bytecode.OP_FORLOOP_IP, bytecode.OP_FORLOOP_I1:
				a := base + inst.A()
				istep := int64(1)
				if inst.OpCode() == bytecode.OP_FORLOOP_IP {
					istep = AsInt(stk[a+2])
				}
				prev := AsInt(stk[a])
				idx := prev + istep
				ilimit := AsInt(stk[a+1])
				wrapped := (istep > 0 && idx < prev) || (istep < 0 && idx > prev)
				if !wrapped && ((istep > 0 && idx <= ilimit) || (istep <= 0 && ilimit <= idx)) {
					pc += inst.SBx()
					stk[a] = BoxInt(idx)
					stk[a+3] = BoxInt(idx)
				}

			// ================================================================
			// Generic for-loop
			// ================================================================

			case bytecode.OP_TFORCALL:
				a, c := inst.A(), inst.C()
				cb := base + a + 3
				stk[cb] = stk[base+a]
				stk[cb+1] = stk[base+a+1]
				stk[cb+2] = stk[base+a+2]
				s.top = cb + 3
				s.frames[ciIdx].pc = pc
				if err := s.callValue(cb, c); err != nil {
					return err
				}
				stk = s.stack
				s.top = s.frames[ciIdx].top

			case bytecode.OP_TFORLOOP:
				a := base + inst.A()
				if !IsNil(stk[a+1]) {
					stk[a] = stk[a+1]
					pc += inst.SBx()
				}

			// ================================================================
			// Aggregate construction
			// ================================================================

			case bytecode.OP_SETLIST:
				a, b, c := inst.A(), inst.B(), inst.C()
				n := b
				if n == 0 {
					n = s.top - (base + a) - 1
				}
				if c == 0 {
					c = code[pc].Ax()
					pc++
				}
				t := stk[base+a]
				if !IsTable(t) {
					s.frames[ciIdx].pc = pc
					return s.typeError("index", t)
				}
				h := AsTable(t)
				first := int64(c-1) * bytecode.FieldsPerFlush
				for i := 1; i <= n; i++ {
					if err := h.SetInt(first+int64(i), stk[base+a+i]); err != nil {
						s.frames[ciIdx].pc = pc
						return s.located(err)
					}
				}
				if b == 0 {
					s.top = s.frames[ciIdx].top
				}

			case bytecode.OP_CLOSURE:
				p := cl.Proto.Protos[inst.Bx()]
				ncl := s.makeClosure(p, cl, base)
				stk[base+inst.A()] = BoxClosure(ncl)
				s.checkGC()

			case bytecode.OP_VARARG:
				a, b := inst.A(), inst.B()
				fr := &s.frames[ciIdx]
				n := fr.nxtra
				vbase := fr.fn + 1 + int(cl.Proto.NumParams)
				want := b - 1
				if b == 0 {
					if err := s.checkStackN(n); err != nil {
						return err
					}
					stk = s.stack
					want = n
					s.top = base + a + n
				}
				for i := 0; i < want; i++ {
					if i < n {
						stk[base+a+i] = stk[vbase+i]
					} else {
						stk[base+a+i] = NilValue()
					}
				}

			case bytecode.OP_EXTRAARG:
				// operand word of the previous instruction; never
				// dispatched on its own
				s.frames[ciIdx].pc = pc
				return s.rtErr(verr.RuntimeError, "stray EXTRAARG")

			default:
				if err := s.execTyped(inst, ciIdx, cl, base, &pc, &stk, k); err != nil {
					return err
				}
			}
		}
	}
}

// arithOpFor maps generic arithmetic opcodes onto ArithOp.
func arithOpFor(op bytecode.OpCode) ArithOp {
	switch op {
	case bytecode.OP_ADD:
		return OpArithAdd
	case bytecode.OP_SUB:
		return OpArithSub
	case bytecode.OP_MUL:
		return OpArithMul
	case bytecode.OP_MOD:
		return OpArithMod
	case bytecode.OP_POW:
		return OpArithPow
	case bytecode.OP_DIV:
		return OpArithDiv
	case bytecode.OP_IDIV:
		return OpArithIDiv
	case bytecode.OP_BAND:
		return OpArithBAnd
	case bytecode.OP_BOR:
		return OpArithBOr
	case bytecode.OP_BXOR:
		return OpArithBXor
	case bytecode.OP_SHL:
		return OpArithShl
	case bytecode.OP_SHR:
		return OpArithShr
	}
	return OpArithAdd
}

// postcallFrom is postcall with the frame index pinned (the interpreter
// already holds it).
func (s *State) postcallFrom(ciIdx int, firstResult, nres int) {
	s.ci = ciIdx
	s.frames = s.frames[:ciIdx+1]
	s.postcall(firstResult, nres)
}

// forLimit converts a for-loop limit to an integer bound, clamping
// unreachable float limits. stop reports a loop that runs zero times.
func forLimit(limit Value, step int64) (bound int64, stop, ok bool) {
	switch limit.tt {
	case tagInt:
		return AsInt(limit), false, true
	case tagFloat:
		f := AsNumber(limit)
		if f >= twoTo63 {
			if step < 0 {
				return 0, true, true
			}
			return math.MaxInt64, false, true
		}
		if f < -twoTo63 {
			if step > 0 {
				return 0, true, true
			}
			return math.MinInt64, false, true
		}
		if step > 0 {
			i, _ := floatToInt(f, toIntFloor)
			return i, false, true
		}
		i, _ := floatToInt(f, toIntCeil)
		return i, false, true
	case tagShortStr, tagLongStr:
		if n, isNum := str2num(AsString(limit).Str); isNum {
			return forLimit(n, step)
		}
	}
	return 0, false, false
}

// ============================================================================
// Concatenation
// ============================================================================

// maxConcatLen bounds a single concatenation result.
const maxConcatLen = 1 << 31

// concatible values coalesce without metamethods.
func concatible(v Value) bool {
	return IsString(v) || IsNumber(v)
}

func concatString(v Value) string {
	if IsString(v) {
		return AsString(v).Str
	}
	return ToDisplayString(v)
}

// concat folds the top total stack values into one, right to left,
// coalescing runs of strings and numbers into single allocations and
// falling back to __concat at the first non-convertible boundary.
func (s *State) concat(total int) *verr.Error {
	for total > 1 {
		top := s.top
		n := 2
		if !concatible(s.stack[top-2]) || !concatible(s.stack[top-1]) {
			res, found, err := s.tryBinTM(s.stack[top-2], s.stack[top-1], tmConcat)
			if err != nil {
				return err
			}
			if !found {
				bad := s.stack[top-2]
				if concatible(bad) {
					bad = s.stack[top-1]
				}
				return s.typeError("concatenate", bad)
			}
			s.stack[top-2] = res
		} else {
			// greedily extend the run of convertible operands leftward
			length := int64(len(concatString(s.stack[top-1])))
			for n < total && concatible(s.stack[top-n-1]) {
				length += int64(len(concatString(s.stack[top-n-1])))
				if length >= maxConcatLen {
					return s.rtErr(verr.OverflowError, "string length overflow")
				}
				n++
			}
			var sb strings.Builder
			sb.Grow(int(length))
			for i := n; i >= 1; i-- {
				piece := concatString(s.stack[top-i])
				if len(piece) == 0 {
					continue // empty operands are elided
				}
				sb.WriteString(piece)
			}
			s.stack[top-n] = s.g.NewString(sb.String())
		}
		total -= n - 1
		s.top -= n - 1
	}
	return nil
}

// ============================================================================
// Closure creation & caching
// ============================================================================

// makeClosure materializes proto inside the enclosing closure cl,
// sharing upvalue cells with siblings and reusing the prototype's
// cached closure when its cells alias exactly the same locations.
func (s *State) makeClosure(p *bytecode.Prototype, cl *LClosure, base int) *LClosure {
	if cached, ok := p.Cache.(*LClosure); ok && cached != nil {
		match := true
		for i, d := range p.Upvals {
			cell := cached.Upvals[i]
			if d.InStack {
				if !cell.IsOpen() || cell.st != s || cell.idx != base+int(d.Index) {
					match = false
					break
				}
			} else if cell != cl.Upvals[d.Index] {
				match = false
				break
			}
		}
		if match {
			return cached
		}
	}
	ncl := &LClosure{
		Proto:  p,
		K:      s.g.constants(p),
		Upvals: make([]*Upvalue, len(p.Upvals)),
	}
	for i, d := range p.Upvals {
		if d.InStack {
			ncl.Upvals[i] = s.findOrOpenUpvalue(base + int(d.Index))
		} else {
			cell := cl.Upvals[d.Index]
			cell.refs++
			ncl.Upvals[i] = cell
		}
	}
	s.g.addDebt(int64(64 + 16*len(p.Upvals)))
	p.Cache = ncl
	return ncl
}
