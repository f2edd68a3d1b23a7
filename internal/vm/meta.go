package vm

import (
	verr "tala/internal/errors"
)

// Metamethod protocol
// ===================
//
// Every GC-bearing value can carry a metatable; other types share one
// default metatable per basic type. Lookup goes through the interned
// name strings, short-circuited by the per-metatable "absent bits"
// cache: a set bit guarantees the metamethod is absent, and any write
// to a table clears the whole cache (the write cannot know whether the
// new key names a metamethod).

type tmEvent int

const (
	// cached events (must stay below 8; flags is one byte)
	tmIndex tmEvent = iota
	tmNewIndex
	tmGC
	tmEq
	tmLen
	tmLT
	tmLE
	tmCall

	// uncached events
	tmAdd
	tmSub
	tmMul
	tmMod
	tmPow
	tmDiv
	tmIDiv
	tmBAnd
	tmBOr
	tmBXor
	tmShl
	tmShr
	tmUnm
	tmBNot
	tmConcat
	tmToString

	tmCount
)

var tmNameStrings = [tmCount]string{
	tmIndex:    "__index",
	tmNewIndex: "__newindex",
	tmGC:       "__gc",
	tmEq:       "__eq",
	tmLen:      "__len",
	tmLT:       "__lt",
	tmLE:       "__le",
	tmCall:     "__call",
	tmAdd:      "__add",
	tmSub:      "__sub",
	tmMul:      "__mul",
	tmMod:      "__mod",
	tmPow:      "__pow",
	tmDiv:      "__div",
	tmIDiv:     "__idiv",
	tmBAnd:     "__band",
	tmBOr:      "__bor",
	tmBXor:     "__bxor",
	tmShl:      "__shl",
	tmShr:      "__shr",
	tmUnm:      "__unm",
	tmBNot:     "__bnot",
	tmConcat:   "__concat",
	tmToString: "__tostring",
}

// maxTagLoop bounds __index/__newindex chains so metatable cycles are
// detected instead of spinning forever.
const maxTagLoop = 2000

// fasttm fetches a cached metamethod, consulting and updating the
// absent-bits cache.
func (g *GlobalState) fasttm(mt *Table, e tmEvent) Value {
	if mt == nil {
		return NilValue()
	}
	if e < 8 && mt.flags&(1<<uint(e)) != 0 {
		return NilValue()
	}
	v := mt.GetStr(tmNameStrings[e])
	if IsNil(v) && e < 8 {
		mt.flags |= 1 << uint(e)
	}
	return v
}

// metatableOf returns the metatable governing a value.
func (s *State) metatableOf(v Value) *Table {
	switch v.tt {
	case tagTable:
		return AsTable(v).meta
	case tagUserdata:
		return AsUserdata(v).Meta
	default:
		t := TypeOf(v)
		if t >= 0 {
			return s.g.mtBasic[t]
		}
		return nil
	}
}

// tmByObj fetches a metamethod for any value.
func (s *State) tmByObj(v Value, e tmEvent) Value {
	return s.g.fasttm(s.metatableOf(v), e)
}

// ============================================================================
// Index protocols
// ============================================================================

// indexGet resolves t[k] with the full __index chain.
func (s *State) indexGet(t, k Value) (Value, *verr.Error) {
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if IsTable(t) {
			h := AsTable(t)
			v := h.Get(k)
			if !IsNil(v) {
				return v, nil
			}
			tm = s.g.fasttm(h.meta, tmIndex)
			if IsNil(tm) {
				return NilValue(), nil
			}
		} else {
			tm = s.tmByObj(t, tmIndex)
			if IsNil(tm) {
				return NilValue(), s.typeError("index", t)
			}
		}
		if IsFunction(tm) {
			return s.callTMRes(tm, t, k)
		}
		t = tm
	}
	return NilValue(), s.rtErr(verr.MetaError, "'__index' chain too long; possible loop")
}

// indexSet resolves t[k] = v with the full __newindex chain.
func (s *State) indexSet(t, k, v Value) *verr.Error {
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if IsTable(t) {
			h := AsTable(t)
			if !IsNil(h.Get(k)) {
				// present entries are overwritten directly
				return s.rawSetChecked(h, k, v)
			}
			tm = s.g.fasttm(h.meta, tmNewIndex)
			if IsNil(tm) {
				return s.rawSetChecked(h, k, v)
			}
		} else {
			tm = s.tmByObj(t, tmNewIndex)
			if IsNil(tm) {
				return s.typeError("index", t)
			}
		}
		if IsFunction(tm) {
			return s.callTM(tm, t, k, v)
		}
		t = tm
	}
	return s.rtErr(verr.MetaError, "'__newindex' chain too long; possible loop")
}

// rawSetChecked performs a raw store, locating table errors at the
// current frame.
func (s *State) rawSetChecked(h *Table, k, v Value) *verr.Error {
	if err := h.Set(k, v); err != nil {
		return s.located(err)
	}
	s.g.addDebt(32)
	return nil
}

// ============================================================================
// Arithmetic & bitwise dispatch
// ============================================================================

// ArithOp enumerates the arithmetic and bitwise operators of the API.
type ArithOp int

const (
	OpArithAdd ArithOp = iota
	OpArithSub
	OpArithMul
	OpArithMod
	OpArithPow
	OpArithDiv
	OpArithIDiv
	OpArithBAnd
	OpArithBOr
	OpArithBXor
	OpArithShl
	OpArithShr
	OpArithUnm
	OpArithBNot
)

var arithEvents = [...]tmEvent{
	OpArithAdd:  tmAdd,
	OpArithSub:  tmSub,
	OpArithMul:  tmMul,
	OpArithMod:  tmMod,
	OpArithPow:  tmPow,
	OpArithDiv:  tmDiv,
	OpArithIDiv: tmIDiv,
	OpArithBAnd: tmBAnd,
	OpArithBOr:  tmBOr,
	OpArithBXor: tmBXor,
	OpArithShl:  tmShl,
	OpArithShr:  tmShr,
	OpArithUnm:  tmUnm,
	OpArithBNot: tmBNot,
}

var arithNames = [...]string{
	OpArithAdd:  "add",
	OpArithSub:  "sub",
	OpArithMul:  "mul",
	OpArithMod:  "mod",
	OpArithPow:  "pow",
	OpArithDiv:  "div",
	OpArithIDiv: "idiv",
	OpArithBAnd: "band",
	OpArithBOr:  "bor",
	OpArithBXor: "bxor",
	OpArithShl:  "shl",
	OpArithShr:  "shr",
	OpArithUnm:  "unm",
	OpArithBNot: "bnot",
}

// rawArith applies the numeric tower without metamethods; ok is false
// when an operand does not participate.
func (s *State) rawArith(op ArithOp, a, b Value) (Value, bool, *verr.Error) {
	switch op {
	case OpArithBAnd, OpArithBOr, OpArithBXor, OpArithShl, OpArithShr, OpArithBNot:
		ia, aok := toInteger(a)
		ib, bok := toInteger(b)
		if !aok || !bok {
			return Value{}, false, nil
		}
		switch op {
		case OpArithBAnd:
			return BoxInt(ia & ib), true, nil
		case OpArithBOr:
			return BoxInt(ia | ib), true, nil
		case OpArithBXor:
			return BoxInt(ia ^ ib), true, nil
		case OpArithShl:
			return BoxInt(shiftLeft(ia, ib)), true, nil
		case OpArithShr:
			return BoxInt(shiftLeft(ia, -ib)), true, nil
		default:
			return BoxInt(^ia), true, nil
		}
	case OpArithDiv, OpArithPow:
		fa, aok := toNumber(a)
		fb, bok := toNumber(b)
		if !aok || !bok {
			return Value{}, false, nil
		}
		if op == OpArithDiv {
			return BoxNumber(fa / fb), true, nil
		}
		return BoxNumber(numPow(fa, fb)), true, nil
	default:
		na, aok := toNumeric(a)
		nb, bok := toNumeric(b)
		if !aok || !bok {
			return Value{}, false, nil
		}
		if na.tt == tagInt && nb.tt == tagInt {
			ia, ib := AsInt(na), AsInt(nb)
			switch op {
			case OpArithAdd:
				return BoxInt(intAdd(ia, ib)), true, nil
			case OpArithSub:
				return BoxInt(intSub(ia, ib)), true, nil
			case OpArithMul:
				return BoxInt(intMul(ia, ib)), true, nil
			case OpArithMod:
				if ib == 0 {
					return Value{}, true, s.rtErr(verr.ArithError, "attempt to perform 'n%%0'")
				}
				return BoxInt(intMod(ia, ib)), true, nil
			case OpArithIDiv:
				if ib == 0 {
					return Value{}, true, s.rtErr(verr.ArithError, "attempt to perform 'n//0'")
				}
				return BoxInt(intDiv(ia, ib)), true, nil
			case OpArithUnm:
				return BoxInt(-ia), true, nil
			}
		}
		fa, _ := toNumber(na)
		fb, _ := toNumber(nb)
		switch op {
		case OpArithAdd:
			return BoxNumber(fa + fb), true, nil
		case OpArithSub:
			return BoxNumber(fa - fb), true, nil
		case OpArithMul:
			return BoxNumber(fa * fb), true, nil
		case OpArithMod:
			return BoxNumber(floatMod(fa, fb)), true, nil
		case OpArithIDiv:
			return BoxNumber(floatIDiv(fa, fb)), true, nil
		case OpArithUnm:
			return BoxNumber(-fa), true, nil
		}
	}
	return Value{}, false, nil
}

// arith applies an operator with metamethod fallback. Unary operators
// pass the operand twice, as the source does.
func (s *State) arith(op ArithOp, a, b Value) (Value, *verr.Error) {
	if v, ok, err := s.rawArith(op, a, b); ok {
		return v, err
	}
	res, found, err := s.tryBinTM(a, b, arithEvents[op])
	if err != nil {
		return Value{}, err
	}
	if found {
		return res, nil
	}
	// pick the offending operand for the message
	bad := a
	if _, ok := toNumber(a); ok {
		bad = b
	}
	switch {
	case op >= OpArithBAnd && op <= OpArithBNot:
		if _, ok := toNumber(bad); ok {
			return Value{}, s.rtErr(verr.ConversionError,
				"number has no integer representation")
		}
		return Value{}, s.typeError("perform bitwise operation on", bad)
	default:
		return Value{}, s.typeError("perform arithmetic on", bad)
	}
}

// tryBinTM attempts the binary metamethod of both operands in order.
func (s *State) tryBinTM(a, b Value, e tmEvent) (Value, bool, *verr.Error) {
	tm := s.tmByObj(a, e)
	if IsNil(tm) {
		tm = s.tmByObj(b, e)
	}
	if IsNil(tm) {
		return Value{}, false, nil
	}
	v, err := s.callTMRes(tm, a, b)
	return v, true, err
}

// ============================================================================
// Comparisons
// ============================================================================

// lessThan implements the < order with __lt fallback.
func (s *State) lessThan(a, b Value) (bool, *verr.Error) {
	if IsNumber(a) && IsNumber(b) {
		return numLT(a, b), nil
	}
	if IsString(a) && IsString(b) {
		return strCompare(AsString(a).Str, AsString(b).Str) < 0, nil
	}
	res, found, err := s.tryBinTM(a, b, tmLT)
	if err != nil {
		return false, err
	}
	if found {
		return IsTruthy(res), nil
	}
	return false, s.orderError(a, b)
}

// lessEqual implements <= with __le, falling back to the negation of
// __lt under a total order. The fallback is flagged in the frame
// status so a yielding __lt resumes with the right negation.
func (s *State) lessEqual(a, b Value) (bool, *verr.Error) {
	if IsNumber(a) && IsNumber(b) {
		return numLE(a, b), nil
	}
	if IsString(a) && IsString(b) {
		return strCompare(AsString(a).Str, AsString(b).Str) <= 0, nil
	}
	res, found, err := s.tryBinTM(a, b, tmLE)
	if err != nil {
		return false, err
	}
	if found {
		return IsTruthy(res), nil
	}
	// l <= r  iff  not (r < l)
	s.frame().status |= csLeq
	res, found, err = s.tryBinTM(b, a, tmLT)
	s.frame().status &^= csLeq
	if err != nil {
		return false, err
	}
	if found {
		return !IsTruthy(res), nil
	}
	return false, s.orderError(a, b)
}

// equalObj implements == with __eq, which fires only when both sides
// are the same type, table or userdata, and raw identity differs.
func (s *State) equalObj(a, b Value) (bool, *verr.Error) {
	if RawEqual(a, b) {
		return true, nil
	}
	if TypeOf(a) != TypeOf(b) {
		return false, nil
	}
	if !IsTable(a) && !IsUserdata(a) {
		return false, nil
	}
	tm := s.tmByObj(a, tmEq)
	if IsNil(tm) {
		tm = s.tmByObj(b, tmEq)
	}
	if IsNil(tm) {
		return false, nil
	}
	res, err := s.callTMRes(tm, a, b)
	if err != nil {
		return false, err
	}
	return IsTruthy(res), nil
}

// ============================================================================
// Length
// ============================================================================

// objLen implements the # operator: strings by byte length, tables by
// border unless __len overrides.
func (s *State) objLen(v Value) (Value, *verr.Error) {
	switch {
	case IsString(v):
		return BoxInt(int64(len(AsString(v).Str))), nil
	case IsTable(v):
		h := AsTable(v)
		tm := s.g.fasttm(h.meta, tmLen)
		if IsNil(tm) {
			return BoxInt(h.Length()), nil
		}
		return s.callTMRes(tm, v, v)
	default:
		tm := s.tmByObj(v, tmLen)
		if IsNil(tm) {
			return NilValue(), s.typeError("get length of", v)
		}
		return s.callTMRes(tm, v, v)
	}
}

// ============================================================================
// Errors with operand context
// ============================================================================

func (s *State) typeError(what string, v Value) *verr.Error {
	return s.rtErr(verr.TypeError, "attempt to %s a %s value", what, ValueType(v))
}

func (s *State) orderError(a, b Value) *verr.Error {
	ta, tb := ValueType(a), ValueType(b)
	if ta == tb {
		return s.rtErr(verr.TypeError, "attempt to compare two %s values", ta)
	}
	return s.rtErr(verr.TypeError, "attempt to compare %s with %s", ta, tb)
}
