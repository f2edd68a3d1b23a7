package vm

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"tala/internal/bytecode"
	verr "tala/internal/errors"
)

// Embedder stack API
// ==================
//
// Host code manipulates a thread through integer stack indices:
// positive indices count from the current frame's base, negative ones
// from the top, and two pseudo ranges address the registry and the
// running Go closure's captured values. Operations that can raise
// (metamethod-driven access, arith, concat) unwind to the enclosing
// protected call; at top level they reach the panic handler.
//
// The API is a cooperative single-thread surface: one goroutine per
// group at a time, no reentrancy.

// Compare operators for State.Compare.
const (
	CompareEq = iota
	CompareLT
	CompareLE
)

// throw propagates an API-level error: inside a Go call it unwinds to
// the call boundary, at top level it is fatal.
func (s *State) throw(e *verr.Error) {
	if s.inGoCall > 0 {
		panic(e)
	}
	s.fatal(e)
}

// push is the unchecked building block of the Push family.
func (s *State) push(v Value) {
	if err := s.checkStackN(1); err != nil {
		s.throw(s.located(err))
	}
	s.stack[s.top] = v
	s.top++
}

// ============================================================================
// Index plumbing
// ============================================================================

// AbsIndex normalizes an acceptable index into an absolute one.
func (s *State) AbsIndex(idx int) int {
	if idx > 0 || idx <= RegistryIndex {
		return idx
	}
	base := s.frames[s.ci].base
	return s.top - base + idx + 1
}

// index2value resolves an index to a value; invalid indices read as
// none (nil with TNone semantics).
func (s *State) index2value(idx int) (Value, bool) {
	base := s.frames[s.ci].base
	switch {
	case idx > 0:
		abs := base + idx - 1
		if abs >= s.top {
			return Value{}, false
		}
		return s.stack[abs], true
	case idx > RegistryIndex: // negative, relative to top
		abs := s.top + idx
		if abs < base {
			return Value{}, false
		}
		return s.stack[abs], true
	case idx == RegistryIndex:
		return BoxTable(s.g.registry), true
	default: // upvalue pseudo index
		n := RegistryIndex - idx
		fn := s.stack[s.frames[s.ci].fn]
		if fn.tt == tagGoClosure {
			gc := AsGoClosure(fn)
			if n <= len(gc.Upvals) {
				return gc.Upvals[n-1], true
			}
		}
		return Value{}, false
	}
}

// stackSlot resolves a writable stack index.
func (s *State) stackSlot(idx int) int {
	base := s.frames[s.ci].base
	var abs int
	if idx > 0 {
		abs = base + idx - 1
	} else {
		abs = s.top + idx
	}
	if abs < base || abs >= s.top {
		s.throw(s.rtErr(verr.ReferenceError, "invalid stack index %d", idx))
	}
	return abs
}

// mustValue reads an index, raising on none.
func (s *State) mustValue(idx int) Value {
	v, ok := s.index2value(idx)
	if !ok {
		s.throw(s.rtErr(verr.ReferenceError, "invalid stack index %d", idx))
	}
	return v
}

// setIndex writes a value back through an index (including upvalue
// pseudo indices).
func (s *State) setIndex(idx int, v Value) {
	if idx <= RegistryIndex && idx != RegistryIndex {
		n := RegistryIndex - idx
		fn := s.stack[s.frames[s.ci].fn]
		if fn.tt == tagGoClosure {
			gc := AsGoClosure(fn)
			if n <= len(gc.Upvals) {
				gc.Upvals[n-1] = v
				return
			}
		}
		s.throw(s.rtErr(verr.ReferenceError, "invalid upvalue index %d", idx))
	}
	s.stack[s.stackSlot(idx)] = v
}

// ============================================================================
// Stack shape
// ============================================================================

// GetTop returns the index of the topmost element.
func (s *State) GetTop() int {
	return s.top - s.frames[s.ci].base
}

// SetTop grows (nil-filling) or shrinks the stack to idx elements.
func (s *State) SetTop(idx int) {
	base := s.frames[s.ci].base
	var newTop int
	if idx >= 0 {
		newTop = base + idx
		if err := s.checkStackN(newTop - s.top); err != nil {
			s.throw(s.located(err))
		}
	} else {
		newTop = s.top + idx + 1
	}
	if newTop < base {
		s.throw(s.rtErr(verr.ReferenceError, "invalid new top"))
	}
	s.setTop(newTop)
}

// Pop removes n elements.
func (s *State) Pop(n int) {
	s.SetTop(-n - 1)
}

// PushValue pushes a copy of the value at idx.
func (s *State) PushValue(idx int) {
	s.push(s.mustValue(idx))
}

// CheckStack ensures room for n more elements, reporting failure
// instead of raising.
func (s *State) CheckStack(n int) bool {
	return s.checkStackN(n) == nil
}

// Rotate rotates the segment [idx, top] by n positions (towards the
// top when positive). Implemented as three reversals.
func (s *State) Rotate(idx, n int) {
	from := s.stackSlot(idx)
	to := s.top - 1
	size := to - from + 1
	if n < 0 {
		n += size
	}
	if size == 0 || n == 0 {
		return
	}
	n = n % size
	reverse(s.stack, from, to-n)
	reverse(s.stack, to-n+1, to)
	reverse(s.stack, from, to)
}

func reverse(stk []Value, from, to int) {
	for from < to {
		stk[from], stk[to] = stk[to], stk[from]
		from++
		to--
	}
}

// Insert moves the top element into position idx, shifting up.
func (s *State) Insert(idx int) {
	s.Rotate(idx, 1)
}

// Remove deletes the element at idx, shifting down.
func (s *State) Remove(idx int) {
	s.Rotate(idx, -1)
	s.Pop(1)
}

// Replace pops the top element into position idx.
func (s *State) Replace(idx int) {
	s.Copy(-1, idx)
	s.Pop(1)
}

// Copy copies the element at from into the slot at to.
func (s *State) Copy(from, to int) {
	s.setIndex(to, s.mustValue(from))
}

// XMove moves the top n values from s onto to. Both threads must
// belong to the same group.
func (s *State) XMove(to *State, n int) {
	if s == to {
		return
	}
	if s.g.id != to.g.id {
		s.throw(s.rtErr(verr.RuntimeError, "cannot move values between independent thread groups"))
	}
	if err := to.checkStackN(n); err != nil {
		s.throw(s.located(err))
	}
	for i := 0; i < n; i++ {
		to.stack[to.top+i] = s.stack[s.top-n+i]
	}
	to.top += n
	s.setTop(s.top - n)
}

// ============================================================================
// Access
// ============================================================================

// Type reports the type at idx (TNone for invalid indices).
func (s *State) Type(idx int) Type {
	v, ok := s.index2value(idx)
	if !ok {
		return TNone
	}
	return TypeOf(v)
}

// TypeNameAt is the printable type name at idx.
func (s *State) TypeNameAt(idx int) string {
	return TypeName(s.Type(idx))
}

func (s *State) IsNone(idx int) bool     { return s.Type(idx) == TNone }
func (s *State) IsNil(idx int) bool      { return s.Type(idx) == TNil }
func (s *State) IsBoolean(idx int) bool  { return s.Type(idx) == TBoolean }
func (s *State) IsTable(idx int) bool    { return s.Type(idx) == TTable }
func (s *State) IsFunction(idx int) bool { return s.Type(idx) == TFunction }
func (s *State) IsThread(idx int) bool   { return s.Type(idx) == TThread }

// IsNumber reports whether the value is a number or convertible.
func (s *State) IsNumber(idx int) bool {
	v, ok := s.index2value(idx)
	if !ok {
		return false
	}
	_, isNum := toNumber(v)
	return isNum
}

// IsInteger reports whether the value is an actual integer.
func (s *State) IsInteger(idx int) bool {
	v, ok := s.index2value(idx)
	return ok && v.tt == tagInt
}

// IsString reports whether the value is a string or a number.
func (s *State) IsString(idx int) bool {
	v, ok := s.index2value(idx)
	return ok && (IsString(v) || IsNumber(v))
}

// IsGoFunction reports whether the value is a host function.
func (s *State) IsGoFunction(idx int) bool {
	v, ok := s.index2value(idx)
	return ok && (v.tt == tagGoFunc || v.tt == tagGoClosure)
}

// IsUserdata reports full or light userdata.
func (s *State) IsUserdata(idx int) bool {
	v, ok := s.index2value(idx)
	return ok && (v.tt == tagUserdata || v.tt == tagLightUserdata)
}

// ToNumberX converts the value at idx to a float.
func (s *State) ToNumberX(idx int) (float64, bool) {
	v, ok := s.index2value(idx)
	if !ok {
		return 0, false
	}
	return toNumber(v)
}

// ToNumber is ToNumberX defaulting to 0.
func (s *State) ToNumber(idx int) float64 {
	f, _ := s.ToNumberX(idx)
	return f
}

// ToIntegerX converts the value at idx to an integer.
func (s *State) ToIntegerX(idx int) (int64, bool) {
	v, ok := s.index2value(idx)
	if !ok {
		return 0, false
	}
	return toInteger(v)
}

// ToInteger is ToIntegerX defaulting to 0.
func (s *State) ToInteger(idx int) int64 {
	i, _ := s.ToIntegerX(idx)
	return i
}

// ToBoolean applies the truth rule at idx.
func (s *State) ToBoolean(idx int) bool {
	v, _ := s.index2value(idx)
	return IsTruthy(v)
}

// ToStringX returns the string at idx, converting numbers in place
// (as the source API does).
func (s *State) ToStringX(idx int) (string, bool) {
	v, ok := s.index2value(idx)
	if !ok {
		return "", false
	}
	switch {
	case IsString(v):
		return AsString(v).Str, true
	case IsNumber(v):
		str := ToDisplayString(v)
		s.setIndex(idx, s.g.NewString(str))
		return str, true
	}
	return "", false
}

// ToString is ToStringX defaulting to "".
func (s *State) ToString(idx int) string {
	str, _ := s.ToStringX(idx)
	return str
}

// RawLen returns the raw length at idx without metamethods.
func (s *State) RawLen(idx int) int64 {
	v, ok := s.index2value(idx)
	if !ok {
		return 0
	}
	switch {
	case IsString(v):
		return int64(len(AsString(v).Str))
	case IsTable(v):
		return AsTable(v).Length()
	case v.tt == tagUserdata:
		return int64(len(AsUserdata(v).Data))
	}
	return 0
}

// ToGoFunction returns the host function at idx, or nil.
func (s *State) ToGoFunction(idx int) GoFunc {
	v, ok := s.index2value(idx)
	if !ok {
		return nil
	}
	switch v.tt {
	case tagGoFunc:
		return AsGoFunc(v)
	case tagGoClosure:
		return AsGoClosure(v).Fn
	}
	return nil
}

// ToUserdata returns the userdata blob or light userdata payload.
func (s *State) ToUserdata(idx int) any {
	v, ok := s.index2value(idx)
	if !ok {
		return nil
	}
	switch v.tt {
	case tagUserdata:
		return AsUserdata(v)
	case tagLightUserdata:
		return v.obj
	}
	return nil
}

// ToThread returns the thread at idx, or nil.
func (s *State) ToThread(idx int) *State {
	v, ok := s.index2value(idx)
	if !ok || v.tt != tagThread {
		return nil
	}
	return AsThread(v)
}

// ToPointer returns an identity for the object at idx; equal objects
// return equal pointers.
func (s *State) ToPointer(idx int) any {
	v, ok := s.index2value(idx)
	if !ok {
		return nil
	}
	switch v.tt {
	case tagGoFunc:
		return funcPointer(v)
	case tagNil, tagBool, tagInt, tagFloat:
		return nil
	default:
		return v.obj
	}
}

// RawEqual compares two indices without metamethods.
func (s *State) RawEqual(i, j int) bool {
	a, aok := s.index2value(i)
	b, bok := s.index2value(j)
	return aok && bok && RawEqual(a, b)
}

// Compare applies a relational operator, metamethods included.
func (s *State) Compare(i, j, op int) bool {
	a, aok := s.index2value(i)
	b, bok := s.index2value(j)
	if !aok || !bok {
		return false
	}
	var res bool
	var err *verr.Error
	switch op {
	case CompareEq:
		res, err = s.equalObj(a, b)
	case CompareLT:
		res, err = s.lessThan(a, b)
	case CompareLE:
		res, err = s.lessEqual(a, b)
	}
	if err != nil {
		s.throw(err)
	}
	return res
}

// Arith pops two operands (one for unary operators), applies op with
// metamethods, and pushes the result.
func (s *State) Arith(op ArithOp) {
	var a, b Value
	if op == OpArithUnm || op == OpArithBNot {
		a = s.mustValue(-1)
		b = a
		s.Pop(1)
	} else {
		a = s.mustValue(-2)
		b = s.mustValue(-1)
		s.Pop(2)
	}
	v, err := s.arith(op, a, b)
	if err != nil {
		s.throw(err)
	}
	s.push(v)
}

// StringToNumber pushes the number a literal denotes; false (and no
// push) when it is not numeric.
func (s *State) StringToNumber(str string) bool {
	v, ok := str2num(str)
	if !ok {
		return false
	}
	s.push(v)
	return true
}

// ============================================================================
// Push family
// ============================================================================

func (s *State) PushNil()              { s.push(NilValue()) }
func (s *State) PushBoolean(b bool)    { s.push(BoxBool(b)) }
func (s *State) PushInteger(i int64)   { s.push(BoxInt(i)) }
func (s *State) PushNumber(f float64)  { s.push(BoxNumber(f)) }
func (s *State) PushString(str string) { s.push(s.g.NewString(str)) }

// PushLString pushes a byte string with an explicit length.
func (s *State) PushLString(b []byte) {
	s.push(s.g.NewString(string(b)))
}

// PushFString pushes a formatted string and returns it.
func (s *State) PushFString(format string, args ...interface{}) string {
	str := fmt.Sprintf(format, args...)
	s.PushString(str)
	return str
}

func (s *State) PushGoFunction(fn GoFunc) { s.push(BoxGoFunc(fn)) }

// PushGoClosure pops n captured values into a new Go closure.
func (s *State) PushGoClosure(fn GoFunc, n int) {
	if n == 0 {
		s.PushGoFunction(fn)
		return
	}
	if n > MaxUpval {
		s.throw(s.rtErr(verr.OverflowError, "upvalue count overflow"))
	}
	ups := make([]Value, n)
	copy(ups, s.stack[s.top-n:s.top])
	s.setTop(s.top - n)
	s.g.addDebt(int64(32 + 16*n))
	s.push(BoxGoClosure(&GoClosure{Fn: fn, Upvals: ups}))
}

func (s *State) PushLightUserdata(p any) { s.push(BoxLightUserdata(p)) }

// PushThread pushes the thread itself and reports whether it is the
// main thread.
func (s *State) PushThread() bool {
	s.push(BoxThread(s))
	return s == s.g.main
}

// NewUserdata allocates a collected blob of the given size and pushes
// it.
func (s *State) NewUserdata(size int) *Userdata {
	u := &Userdata{Data: make([]byte, size)}
	s.g.addDebt(int64(size) + 48)
	s.push(BoxUserdata(u))
	s.checkGC()
	return u
}

// ============================================================================
// Tables
// ============================================================================

// CreateTable pushes a fresh table with capacity hints.
func (s *State) CreateTable(narr, nrec int) {
	s.g.addDebt(64)
	s.push(BoxTable(NewTable(narr, nrec)))
	s.checkGC()
}

// NewTable pushes an empty table.
func (s *State) NewTable() {
	s.CreateTable(0, 0)
}

// CreateIntArray pushes a fresh integer array of n elements, all init.
func (s *State) CreateIntArray(n int64, init int64) {
	s.g.addDebt(8*n + 48)
	s.push(BoxTable(NewIntArray(n, init)))
	s.checkGC()
}

// CreateNumberArray pushes a fresh float array of n elements, all init.
func (s *State) CreateNumberArray(n int64, init float64) {
	s.g.addDebt(8*n + 48)
	s.push(BoxTable(NewFloatArray(n, init)))
	s.checkGC()
}

// CreateSlice pushes a window over the array table at idx.
func (s *State) CreateSlice(idx int, start, length int64) {
	v := s.mustValue(idx)
	if !IsTable(v) {
		s.throw(s.typeError("slice", v))
	}
	sl, err := NewSlice(AsTable(v), start, length)
	if err != nil {
		s.throw(s.located(err.(*verr.Error)))
	}
	s.g.addDebt(64)
	s.push(BoxTable(sl))
}

// GetGlobal pushes the global with the given name; returns its type.
func (s *State) GetGlobal(name string) Type {
	gt := s.g.GlobalsTable()
	v, err := s.indexGet(BoxTable(gt), s.g.NewString(name))
	if err != nil {
		s.throw(err)
	}
	s.push(v)
	return TypeOf(v)
}

// SetGlobal pops the top value into the global with the given name.
func (s *State) SetGlobal(name string) {
	gt := s.g.GlobalsTable()
	v := s.mustValue(-1)
	s.Pop(1)
	if err := s.indexSet(BoxTable(gt), s.g.NewString(name), v); err != nil {
		s.throw(err)
	}
}

// GetTable pops the key and pushes t[key], metamethods included.
func (s *State) GetTable(idx int) Type {
	t := s.mustValue(idx)
	key := s.mustValue(-1)
	s.Pop(1)
	v, err := s.indexGet(t, key)
	if err != nil {
		s.throw(err)
	}
	s.push(v)
	return TypeOf(v)
}

// GetField pushes t[name], metamethods included.
func (s *State) GetField(idx int, name string) Type {
	t := s.mustValue(idx)
	v, err := s.indexGet(t, s.g.NewString(name))
	if err != nil {
		s.throw(err)
	}
	s.push(v)
	return TypeOf(v)
}

// GetI pushes t[i], metamethods included, with the typed-array fast
// path.
func (s *State) GetI(idx int, i int64) Type {
	t := s.mustValue(idx)
	if IsTable(t) {
		h := AsTable(t)
		if h.Kind != TableGeneric {
			if v, in := h.GetA(i); in {
				s.push(v)
				return TypeOf(v)
			}
		}
	}
	v, err := s.indexGet(t, BoxInt(i))
	if err != nil {
		s.throw(err)
	}
	s.push(v)
	return TypeOf(v)
}

// RawGet pops the key and pushes t[key] without metamethods.
func (s *State) RawGet(idx int) Type {
	t := s.mustValue(idx)
	if !IsTable(t) {
		s.throw(s.typeError("index", t))
	}
	key := s.mustValue(-1)
	s.Pop(1)
	v := AsTable(t).Get(key)
	s.push(v)
	return TypeOf(v)
}

// RawGetI pushes t[i] without metamethods.
func (s *State) RawGetI(idx int, i int64) Type {
	t := s.mustValue(idx)
	if !IsTable(t) {
		s.throw(s.typeError("index", t))
	}
	v := AsTable(t).GetInt(i)
	s.push(v)
	return TypeOf(v)
}

// RawGetP pushes t[p] for a light-userdata key without metamethods.
func (s *State) RawGetP(idx int, p any) Type {
	t := s.mustValue(idx)
	if !IsTable(t) {
		s.throw(s.typeError("index", t))
	}
	v := AsTable(t).Get(BoxLightUserdata(p))
	s.push(v)
	return TypeOf(v)
}

// SetTable pops the value and the key and performs t[key] = value,
// metamethods included.
func (s *State) SetTable(idx int) {
	t := s.mustValue(idx)
	key := s.mustValue(-2)
	val := s.mustValue(-1)
	s.Pop(2)
	if err := s.indexSet(t, key, val); err != nil {
		s.throw(err)
	}
}

// SetField pops the value and performs t[name] = value.
func (s *State) SetField(idx int, name string) {
	t := s.mustValue(idx)
	val := s.mustValue(-1)
	s.Pop(1)
	if err := s.indexSet(t, s.g.NewString(name), val); err != nil {
		s.throw(err)
	}
}

// SetI pops the value and performs t[i] = value, with the typed-array
// fast path.
func (s *State) SetI(idx int, i int64) {
	t := s.mustValue(idx)
	val := s.mustValue(-1)
	s.Pop(1)
	if IsTable(t) {
		h := AsTable(t)
		if h.Kind != TableGeneric && i >= 1 && i <= h.alen() {
			if err := h.SetA(i, val); err != nil {
				s.throw(s.located(err))
			}
			return
		}
	}
	if err := s.indexSet(t, BoxInt(i), val); err != nil {
		s.throw(err)
	}
}

// RawSet pops value and key and stores without metamethods.
func (s *State) RawSet(idx int) {
	t := s.mustValue(idx)
	if !IsTable(t) {
		s.throw(s.typeError("index", t))
	}
	key := s.mustValue(-2)
	val := s.mustValue(-1)
	s.Pop(2)
	if err := AsTable(t).Set(key, val); err != nil {
		s.throw(s.located(err))
	}
	s.g.addDebt(32)
}

// RawSetI pops the value and stores t[i] without metamethods.
func (s *State) RawSetI(idx int, i int64) {
	t := s.mustValue(idx)
	if !IsTable(t) {
		s.throw(s.typeError("index", t))
	}
	val := s.mustValue(-1)
	s.Pop(1)
	if err := AsTable(t).SetInt(i, val); err != nil {
		s.throw(s.located(err))
	}
	s.g.addDebt(32)
}

// RawSetP pops the value and stores t[p] for a light-userdata key.
func (s *State) RawSetP(idx int, p any) {
	t := s.mustValue(idx)
	if !IsTable(t) {
		s.throw(s.typeError("index", t))
	}
	val := s.mustValue(-1)
	s.Pop(1)
	if err := AsTable(t).Set(BoxLightUserdata(p), val); err != nil {
		s.throw(s.located(err))
	}
	s.g.addDebt(32)
}

// GetMetatable pushes the metatable at idx; false (no push) when
// absent.
func (s *State) GetMetatable(idx int) bool {
	v := s.mustValue(idx)
	mt := s.metatableOf(v)
	if mt == nil {
		return false
	}
	s.push(BoxTable(mt))
	return true
}

// SetMetatable pops a table (or nil) and installs it as the metatable
// at idx. Installing a metatable with __gc queues finalization.
func (s *State) SetMetatable(idx int) {
	v := s.mustValue(idx)
	mv := s.mustValue(-1)
	s.Pop(1)
	var mt *Table
	if !IsNil(mv) {
		if !IsTable(mv) {
			s.throw(s.rtErr(verr.TypeError, "metatable must be a table or nil"))
		}
		mt = AsTable(mv)
	}
	switch v.tt {
	case tagTable:
		AsTable(v).SetMetatable(mt)
	case tagUserdata:
		AsUserdata(v).Meta = mt
		if mt != nil {
			mt.flags = 0
		}
	default:
		t := TypeOf(v)
		if t >= 0 {
			s.g.mtBasic[t] = mt
		}
	}
	if mt != nil {
		if gcm := mt.GetStr("__gc"); !IsNil(gcm) {
			s.g.queueFinalizer(gcm, v)
		}
	}
}

// GetUservalue pushes the value associated with the userdata at idx.
func (s *State) GetUservalue(idx int) Type {
	v := s.mustValue(idx)
	if v.tt != tagUserdata {
		s.throw(s.rtErr(verr.TypeError, "full userdata expected"))
	}
	s.push(AsUserdata(v).User)
	return TypeOf(AsUserdata(v).User)
}

// SetUservalue pops a value and associates it with the userdata at
// idx.
func (s *State) SetUservalue(idx int) {
	v := s.mustValue(idx)
	if v.tt != tagUserdata {
		s.throw(s.rtErr(verr.TypeError, "full userdata expected"))
	}
	AsUserdata(v).User = s.mustValue(-1)
	s.Pop(1)
}

// Next pops a key and pushes the next key/value pair of the table at
// idx; false (nothing pushed) at the end of the traversal.
func (s *State) Next(idx int) bool {
	t := s.mustValue(idx)
	if !IsTable(t) {
		s.throw(s.typeError("iterate", t))
	}
	key := s.mustValue(-1)
	s.Pop(1)
	nk, nv, ok, err := AsTable(t).Next(key)
	if err != nil {
		s.throw(s.located(err))
	}
	if !ok {
		return false
	}
	s.push(nk)
	s.push(nv)
	return true
}

// Concat folds the top n values into one with the concatenation
// protocol; n == 0 pushes the empty string.
func (s *State) Concat(n int) {
	switch n {
	case 0:
		s.PushString("")
	case 1:
		// nothing to do
	default:
		if err := s.concat(n); err != nil {
			s.throw(err)
		}
	}
	s.checkGC()
}

// Len pushes the length of the value at idx, metamethods included.
func (s *State) Len(idx int) {
	v, err := s.objLen(s.mustValue(idx))
	if err != nil {
		s.throw(err)
	}
	s.push(v)
}

// ============================================================================
// Calls
// ============================================================================

// Call invokes the function below the arguments: non-yieldable, errors
// propagate to the enclosing protected call.
func (s *State) Call(nargs, nresults int) {
	s.CallK(nargs, nresults, 0, nil)
}

// CallK is Call with a continuation: the call may be crossed by a
// yield, and k (when non-nil) runs after completion with ctx.
func (s *State) CallK(nargs, nresults int, ctx int64, k GoCont) {
	fnIdx := s.top - nargs - 1
	var err *verr.Error
	if k == nil {
		err = s.callValueNoYield(fnIdx, nresults)
	} else {
		s.frames[s.ci].k = k
		s.frames[s.ci].ctx = ctx
		err = s.callValue(fnIdx, nresults)
	}
	if err != nil {
		s.throw(err)
	}
	if k != nil {
		k(s, verr.StatusOK, ctx)
	}
}

// PCall invokes the function below the arguments protected. errFunc is
// the stack index of a message handler, or 0.
func (s *State) PCall(nargs, nresults, errFunc int) verr.Status {
	return s.PCallK(nargs, nresults, errFunc, 0, nil)
}

// PCallK is PCall with a continuation; with one, a yield may cross the
// protected boundary, and k observes the completion status.
func (s *State) PCallK(nargs, nresults, errFunc int, ctx int64, k GoCont) verr.Status {
	fnIdx := s.top - nargs - 1
	var ef int
	if errFunc != 0 {
		ef = s.stackSlot(errFunc)
	}
	status := s.protectedCall(fnIdx, nresults, ef, k != nil)
	if k != nil {
		k(s, status, ctx)
	}
	return status
}

// Error pops the error value from the top and raises it.
func (s *State) Error() {
	v := s.mustValue(-1)
	s.Pop(1)
	s.throw(s.raiseValue(v))
}

// RaiseError raises a formatted runtime error located at the active
// frame.
func (s *State) RaiseError(format string, args ...interface{}) {
	s.throw(s.rtErr(verr.RuntimeError, format, args...))
}

// ============================================================================
// Load / Dump
// ============================================================================

// Load reads a chunk from r and pushes it as a function. Only
// precompiled chunks are accepted here; textual sources are the
// parser's business, which is not part of the core.
func (s *State) Load(r io.Reader, chunkname, mode string) verr.Status {
	data, err := io.ReadAll(r)
	if err != nil {
		s.PushString(fmt.Sprintf("%s: %v", chunkname, err))
		return verr.StatusErrSyntax
	}
	if !bytecode.IsChunk(data) {
		if mode == "b" {
			s.PushString("attempt to load a text chunk (mode is 'b')")
			return verr.StatusErrSyntax
		}
		s.PushString(fmt.Sprintf("%s: source chunks require a compiler front end", chunkname))
		return verr.StatusErrSyntax
	}
	if mode == "t" {
		s.PushString("attempt to load a binary chunk (mode is 't')")
		return verr.StatusErrSyntax
	}
	p, uerr := bytecode.Undump(bytes.NewReader(data))
	if uerr != nil {
		s.PushString(errors.Wrap(uerr, chunkname).Error())
		return verr.StatusErrSyntax
	}
	cl := s.g.NewClosure(p)
	// the first upvalue of a main chunk is its environment
	if len(cl.Upvals) > 0 {
		cl.Upvals[0].Set(BoxTable(s.g.GlobalsTable()))
	}
	s.push(BoxClosure(cl))
	return verr.StatusOK
}

// Dump serializes the function on top of the stack.
func (s *State) Dump(w io.Writer, strip bool) error {
	v := s.mustValue(-1)
	if v.tt != tagClosure {
		return errors.New("dump: top of stack is not a Tala function")
	}
	return bytecode.Dump(w, AsClosure(v).Proto, strip)
}
