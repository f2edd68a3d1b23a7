package vm

import (
	"tala/internal/bytecode"
	verr "tala/internal/errors"
)

// Typed opcode execution
// ======================
//
// These are the fast paths emitted for statically-typed sites. The
// move/convert family verifies its contract at runtime and raises on
// mismatch; the arithmetic family runs the primitive operation when
// the operands carry the annotated tags and otherwise falls back to
// the generic dispatch (which yields the same value or the same
// error, just slower).

// isIntArrayVal unwraps a value known to be integer[] (or a slice of
// one).
func isIntArrayVal(v Value) (*Table, bool) {
	if !IsTable(v) {
		return nil, false
	}
	t := AsTable(v)
	if t.Kind == TableIntArray || (t.Kind == TableSlice && t.parent.Kind == TableIntArray) {
		return t, true
	}
	return nil, false
}

// isFltArrayVal unwraps a value known to be number[] (or a slice of
// one).
func isFltArrayVal(v Value) (*Table, bool) {
	if !IsTable(v) {
		return nil, false
	}
	t := AsTable(v)
	if t.Kind == TableFloatArray || (t.Kind == TableSlice && t.parent.Kind == TableFloatArray) {
		return t, true
	}
	return nil, false
}

// isPlainTableVal unwraps a value known to be a generic table.
func isPlainTableVal(v Value) (*Table, bool) {
	if IsTable(v) && AsTable(v).Kind == TableGeneric {
		return AsTable(v), true
	}
	return nil, false
}

func (s *State) execTyped(inst bytecode.Instruction, ciIdx int, cl *LClosure, base int, pc *int, stkp *[]Value, k []Value) *verr.Error {
	stk := *stkp
	op := inst.OpCode()

	// protect saves the pc for error locations and metamethod calls;
	// reload refreshes the cached stack afterwards.
	protect := func() { s.frames[ciIdx].pc = *pc }
	reload := func() { *stkp = s.stack }

	switch op {

	case bytecode.OP_NEWARRAYI:
		s.g.addDebt(64)
		stk[base+inst.A()] = BoxTable(NewIntArray(0, 0))
		s.checkGC()

	case bytecode.OP_NEWARRAYF:
		s.g.addDebt(64)
		stk[base+inst.A()] = BoxTable(NewFloatArray(0, 0))
		s.checkGC()

	case bytecode.OP_LOADIZ:
		stk[base+inst.A()] = BoxInt(0)

	case bytecode.OP_LOADFZ:
		stk[base+inst.A()] = BoxNumber(0)

	case bytecode.OP_UNMI:
		rb := stk[base+inst.B()]
		if rb.tt != tagInt {
			protect()
			return s.rtErr(verr.TypeError, "integer expected")
		}
		stk[base+inst.A()] = BoxInt(-AsInt(rb))

	case bytecode.OP_UNMF:
		rb := stk[base+inst.B()]
		if rb.tt != tagFloat {
			protect()
			return s.rtErr(verr.TypeError, "number expected")
		}
		stk[base+inst.A()] = BoxNumber(-AsNumber(rb))

	// ========================================================================
	// Typed arithmetic
	// ========================================================================

	case bytecode.OP_ADDII, bytecode.OP_SUBII, bytecode.OP_MULII:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		if rb.tt == tagInt && rc.tt == tagInt {
			ib, ic := AsInt(rb), AsInt(rc)
			switch op {
			case bytecode.OP_ADDII:
				stk[base+inst.A()] = BoxInt(intAdd(ib, ic))
			case bytecode.OP_SUBII:
				stk[base+inst.A()] = BoxInt(intSub(ib, ic))
			default:
				stk[base+inst.A()] = BoxInt(intMul(ib, ic))
			}
			return nil
		}
		return s.typedArithFallback(op, rb, rc, ciIdx, base, inst.A(), pc, stkp)

	case bytecode.OP_ADDFF, bytecode.OP_SUBFF, bytecode.OP_MULFF, bytecode.OP_DIVFF:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		if rb.tt == tagFloat && rc.tt == tagFloat {
			fb, fc := AsNumber(rb), AsNumber(rc)
			switch op {
			case bytecode.OP_ADDFF:
				stk[base+inst.A()] = BoxNumber(fb + fc)
			case bytecode.OP_SUBFF:
				stk[base+inst.A()] = BoxNumber(fb - fc)
			case bytecode.OP_MULFF:
				stk[base+inst.A()] = BoxNumber(fb * fc)
			default:
				stk[base+inst.A()] = BoxNumber(fb / fc)
			}
			return nil
		}
		return s.typedArithFallback(op, rb, rc, ciIdx, base, inst.A(), pc, stkp)

	case bytecode.OP_ADDFI, bytecode.OP_SUBFI, bytecode.OP_MULFI, bytecode.OP_DIVFI:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		if rb.tt == tagFloat && rc.tt == tagInt {
			fb, fc := AsNumber(rb), float64(AsInt(rc))
			switch op {
			case bytecode.OP_ADDFI:
				stk[base+inst.A()] = BoxNumber(fb + fc)
			case bytecode.OP_SUBFI:
				stk[base+inst.A()] = BoxNumber(fb - fc)
			case bytecode.OP_MULFI:
				stk[base+inst.A()] = BoxNumber(fb * fc)
			default:
				stk[base+inst.A()] = BoxNumber(fb / fc)
			}
			return nil
		}
		return s.typedArithFallback(op, rb, rc, ciIdx, base, inst.A(), pc, stkp)

	case bytecode.OP_SUBIF, bytecode.OP_DIVIF:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		if rb.tt == tagInt && rc.tt == tagFloat {
			fb, fc := float64(AsInt(rb)), AsNumber(rc)
			if op == bytecode.OP_SUBIF {
				stk[base+inst.A()] = BoxNumber(fb - fc)
			} else {
				stk[base+inst.A()] = BoxNumber(fb / fc)
			}
			return nil
		}
		return s.typedArithFallback(op, rb, rc, ciIdx, base, inst.A(), pc, stkp)

	case bytecode.OP_DIVII:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		if rb.tt == tagInt && rc.tt == tagInt {
			stk[base+inst.A()] = BoxNumber(float64(AsInt(rb)) / float64(AsInt(rc)))
			return nil
		}
		return s.typedArithFallback(op, rb, rc, ciIdx, base, inst.A(), pc, stkp)

	case bytecode.OP_BANDII, bytecode.OP_BORII, bytecode.OP_BXORII,
		bytecode.OP_SHLII, bytecode.OP_SHRII:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		if rb.tt == tagInt && rc.tt == tagInt {
			ib, ic := AsInt(rb), AsInt(rc)
			switch op {
			case bytecode.OP_BANDII:
				stk[base+inst.A()] = BoxInt(ib & ic)
			case bytecode.OP_BORII:
				stk[base+inst.A()] = BoxInt(ib | ic)
			case bytecode.OP_BXORII:
				stk[base+inst.A()] = BoxInt(ib ^ ic)
			case bytecode.OP_SHLII:
				stk[base+inst.A()] = BoxInt(shiftLeft(ib, ic))
			default:
				stk[base+inst.A()] = BoxInt(shiftLeft(ib, -ic))
			}
			return nil
		}
		return s.typedArithFallback(op, rb, rc, ciIdx, base, inst.A(), pc, stkp)

	case bytecode.OP_BNOTI:
		rb := stk[base+inst.B()]
		if rb.tt != tagInt {
			protect()
			return s.rtErr(verr.TypeError, "integer expected")
		}
		stk[base+inst.A()] = BoxInt(^AsInt(rb))

	// ========================================================================
	// Typed comparisons (skip-next-JMP convention, like EQ/LT/LE)
	// ========================================================================

	case bytecode.OP_EQII, bytecode.OP_LTII, bytecode.OP_LEII:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		var res bool
		if rb.tt == tagInt && rc.tt == tagInt {
			switch op {
			case bytecode.OP_EQII:
				res = AsInt(rb) == AsInt(rc)
			case bytecode.OP_LTII:
				res = AsInt(rb) < AsInt(rc)
			default:
				res = AsInt(rb) <= AsInt(rc)
			}
		} else {
			protect()
			var err *verr.Error
			res, err = s.genericCompare(op, rb, rc)
			if err != nil {
				return err
			}
			reload()
		}
		if res != (inst.A() != 0) {
			*pc++
		}

	case bytecode.OP_EQFF, bytecode.OP_LTFF, bytecode.OP_LEFF:
		rb := rkv(stk, base, k, inst.B())
		rc := rkv(stk, base, k, inst.C())
		var res bool
		if rb.tt == tagFloat && rc.tt == tagFloat {
			switch op {
			case bytecode.OP_EQFF:
				res = AsNumber(rb) == AsNumber(rc)
			case bytecode.OP_LTFF:
				res = AsNumber(rb) < AsNumber(rc)
			default:
				res = AsNumber(rb) <= AsNumber(rc)
			}
		} else {
			protect()
			var err *verr.Error
			res, err = s.genericCompare(op, rb, rc)
			if err != nil {
				return err
			}
			reload()
		}
		if res != (inst.A() != 0) {
			*pc++
		}

	// ========================================================================
	// Conversions & checked moves
	// ========================================================================

	case bytecode.OP_TOINT:
		ra := stk[base+inst.A()]
		i, ok := toInteger(ra)
		if !ok {
			protect()
			return s.rtErr(verr.ConversionError, "value cannot be converted to integer")
		}
		stk[base+inst.A()] = BoxInt(i)

	case bytecode.OP_TOFLT:
		ra := stk[base+inst.A()]
		f, ok := toNumber(ra)
		if !ok {
			protect()
			return s.rtErr(verr.ConversionError, "value cannot be converted to number")
		}
		stk[base+inst.A()] = BoxNumber(f)

	case bytecode.OP_TOARRAYI:
		if _, ok := isIntArrayVal(stk[base+inst.A()]); !ok {
			protect()
			return s.rtErr(verr.TypeError, "integer[] expected")
		}

	case bytecode.OP_TOARRAYF:
		if _, ok := isFltArrayVal(stk[base+inst.A()]); !ok {
			protect()
			return s.rtErr(verr.TypeError, "number[] expected")
		}

	case bytecode.OP_TOTAB:
		if !IsTable(stk[base+inst.A()]) {
			protect()
			return s.rtErr(verr.TypeError, "table expected")
		}

	case bytecode.OP_MOVEI:
		rb := stk[base+inst.B()]
		if rb.tt != tagInt {
			protect()
			return s.rtErr(verr.TypeError, "integer expected")
		}
		stk[base+inst.A()] = rb

	case bytecode.OP_MOVEF:
		rb := stk[base+inst.B()]
		if rb.tt != tagFloat {
			protect()
			return s.rtErr(verr.TypeError, "number expected")
		}
		stk[base+inst.A()] = rb

	case bytecode.OP_MOVEAI:
		rb := stk[base+inst.B()]
		if _, ok := isIntArrayVal(rb); !ok {
			protect()
			return s.rtErr(verr.TypeError, "integer[] expected")
		}
		stk[base+inst.A()] = rb

	case bytecode.OP_MOVEAF:
		rb := stk[base+inst.B()]
		if _, ok := isFltArrayVal(rb); !ok {
			protect()
			return s.rtErr(verr.TypeError, "number[] expected")
		}
		stk[base+inst.A()] = rb

	case bytecode.OP_MOVETAB:
		rb := stk[base+inst.B()]
		if !IsTable(rb) {
			protect()
			return s.rtErr(verr.TypeError, "table expected")
		}
		stk[base+inst.A()] = rb

	// ========================================================================
	// Typed array access
	// ========================================================================

	case bytecode.OP_GETAI:
		t, ok := isIntArrayVal(stk[base+inst.B()])
		if !ok {
			protect()
			return s.rtErr(verr.TypeError, "integer[] expected")
		}
		idx, iok := toArrayIndex(rkv(stk, base, k, inst.C()))
		if !iok {
			protect()
			return s.located(errArrayIndex)
		}
		v, in := t.GetA(idx)
		if !in {
			protect()
			return s.located(errArrayIndex)
		}
		stk[base+inst.A()] = v

	case bytecode.OP_GETAF:
		t, ok := isFltArrayVal(stk[base+inst.B()])
		if !ok {
			protect()
			return s.rtErr(verr.TypeError, "number[] expected")
		}
		idx, iok := toArrayIndex(rkv(stk, base, k, inst.C()))
		if !iok {
			protect()
			return s.located(errArrayIndex)
		}
		v, in := t.GetA(idx)
		if !in {
			protect()
			return s.located(errArrayIndex)
		}
		stk[base+inst.A()] = v

	case bytecode.OP_SETAI, bytecode.OP_SETAII:
		t, ok := isIntArrayVal(stk[base+inst.A()])
		if !ok {
			protect()
			return s.rtErr(verr.TypeError, "integer[] expected")
		}
		idx, iok := toArrayIndex(rkv(stk, base, k, inst.B()))
		if !iok {
			protect()
			return s.located(errArrayIndex)
		}
		val := rkv(stk, base, k, inst.C())
		n, nok := toInteger(val)
		if !nok {
			protect()
			return s.located(errArrayIntValue)
		}
		if err := t.SetIntAt(idx, n); err != nil {
			protect()
			return s.located(err)
		}

	case bytecode.OP_SETAF, bytecode.OP_SETAFF:
		t, ok := isFltArrayVal(stk[base+inst.A()])
		if !ok {
			protect()
			return s.rtErr(verr.TypeError, "number[] expected")
		}
		idx, iok := toArrayIndex(rkv(stk, base, k, inst.B()))
		if !iok {
			protect()
			return s.located(errArrayIndex)
		}
		val := rkv(stk, base, k, inst.C())
		f, fok := toNumber(val)
		if !fok {
			protect()
			return s.located(errArrayFltValue)
		}
		if err := t.SetFloatAt(idx, f); err != nil {
			protect()
			return s.located(err)
		}

	// ========================================================================
	// Typed upvalue stores
	// ========================================================================

	case bytecode.OP_SETUPVALI:
		i, ok := toInteger(stk[base+inst.A()])
		if !ok {
			protect()
			return s.rtErr(verr.ConversionError, "upvalue %s: integer expected", upvalName(cl, inst.B()))
		}
		cl.Upvals[inst.B()].Set(BoxInt(i))

	case bytecode.OP_SETUPVALF:
		f, ok := toNumber(stk[base+inst.A()])
		if !ok {
			protect()
			return s.rtErr(verr.ConversionError, "upvalue %s: number expected", upvalName(cl, inst.B()))
		}
		cl.Upvals[inst.B()].Set(BoxNumber(f))

	case bytecode.OP_SETUPVALAI:
		ra := stk[base+inst.A()]
		if _, ok := isIntArrayVal(ra); !ok {
			protect()
			return s.rtErr(verr.TypeError, "upvalue %s: integer[] expected", upvalName(cl, inst.B()))
		}
		cl.Upvals[inst.B()].Set(ra)

	case bytecode.OP_SETUPVALAF:
		ra := stk[base+inst.A()]
		if _, ok := isFltArrayVal(ra); !ok {
			protect()
			return s.rtErr(verr.TypeError, "upvalue %s: number[] expected", upvalName(cl, inst.B()))
		}
		cl.Upvals[inst.B()].Set(ra)

	case bytecode.OP_SETUPVALT:
		ra := stk[base+inst.A()]
		if !IsTable(ra) {
			protect()
			return s.rtErr(verr.TypeError, "upvalue %s: table expected", upvalName(cl, inst.B()))
		}
		cl.Upvals[inst.B()].Set(ra)

	// ========================================================================
	// Table-specialized access
	// ========================================================================

	case bytecode.OP_GETTABLE_I:
		t := stk[base+inst.B()]
		key := rkv(stk, base, k, inst.C())
		if h, ok := isPlainTableVal(t); ok {
			if i, iok := toArrayIndex(key); iok {
				if v := h.GetInt(i); !IsNil(v) {
					stk[base+inst.A()] = v
					return nil
				}
			}
		}
		protect()
		v, err := s.indexGet(t, key)
		if err != nil {
			return err
		}
		reload()
		(*stkp)[base+inst.A()] = v

	case bytecode.OP_GETTABLE_S, bytecode.OP_SELF_S:
		t := stk[base+inst.B()]
		key := k[inst.C()]
		if op == bytecode.OP_SELF_S {
			stk[base+inst.A()+1] = t
		}
		if h, ok := isPlainTableVal(t); ok {
			if v := h.GetStr(AsString(key).Str); !IsNil(v) {
				stk[base+inst.A()] = v
				return nil
			}
		}
		protect()
		v, err := s.indexGet(t, key)
		if err != nil {
			return err
		}
		reload()
		(*stkp)[base+inst.A()] = v

	case bytecode.OP_SETTABLE_I:
		t := stk[base+inst.A()]
		key := rkv(stk, base, k, inst.B())
		val := rkv(stk, base, k, inst.C())
		protect()
		if err := s.indexSet(t, key, val); err != nil {
			return err
		}
		reload()

	case bytecode.OP_SETTABLE_S:
		t := stk[base+inst.A()]
		key := k[inst.B()]
		val := rkv(stk, base, k, inst.C())
		protect()
		if err := s.indexSet(t, key, val); err != nil {
			return err
		}
		reload()

	default:
		protect()
		return s.rtErr(verr.RuntimeError, "invalid opcode %s", op)
	}
	return nil
}

// typedArithFallback routes a typed arithmetic miss through the
// generic dispatch (same result, metamethods included).
func (s *State) typedArithFallback(op bytecode.OpCode, rb, rc Value, ciIdx, base, a int, pc *int, stkp *[]Value) *verr.Error {
	s.frames[ciIdx].pc = *pc
	v, err := s.arith(typedArithOp(op), rb, rc)
	if err != nil {
		return err
	}
	*stkp = s.stack
	(*stkp)[base+a] = v
	return nil
}

func typedArithOp(op bytecode.OpCode) ArithOp {
	switch op {
	case bytecode.OP_ADDII, bytecode.OP_ADDFF, bytecode.OP_ADDFI:
		return OpArithAdd
	case bytecode.OP_SUBII, bytecode.OP_SUBFF, bytecode.OP_SUBFI, bytecode.OP_SUBIF:
		return OpArithSub
	case bytecode.OP_MULII, bytecode.OP_MULFF, bytecode.OP_MULFI:
		return OpArithMul
	case bytecode.OP_DIVII, bytecode.OP_DIVFF, bytecode.OP_DIVFI, bytecode.OP_DIVIF:
		return OpArithDiv
	case bytecode.OP_BANDII:
		return OpArithBAnd
	case bytecode.OP_BORII:
		return OpArithBOr
	case bytecode.OP_BXORII:
		return OpArithBXor
	case bytecode.OP_SHLII:
		return OpArithShl
	case bytecode.OP_SHRII:
		return OpArithShr
	}
	return OpArithAdd
}

// genericCompare routes a typed comparison miss through the generic
// relations.
func (s *State) genericCompare(op bytecode.OpCode, rb, rc Value) (bool, *verr.Error) {
	switch op {
	case bytecode.OP_EQII, bytecode.OP_EQFF:
		return s.equalObj(rb, rc)
	case bytecode.OP_LTII, bytecode.OP_LTFF:
		return s.lessThan(rb, rc)
	default:
		return s.lessEqual(rb, rc)
	}
}

func upvalName(cl *LClosure, i int) string {
	if i < len(cl.Proto.Upvals) && cl.Proto.Upvals[i].Name != "" {
		return cl.Proto.Upvals[i].Name
	}
	return "?"
}
