package vm

import (
	"math"

	verr "tala/internal/errors"
)

// Table model
// ===========
//
// A Table is one of four kinds:
//
//   - generic: hybrid array part (dense 1-based prefix) + hash part
//   - integer array: packed []int64, keys restricted to 1..len(+1)
//   - float array: packed []float64, same key discipline
//   - slice: a (start, length) window over a parent array table
//
// The hash part is an insertion-ordered node slice plus an index map,
// so `next` iteration is deterministic and resumable in O(1). Erasing
// a key leaves a tombstone that keeps its slot (and therefore its
// iteration successor); tombstones are squeezed out when the table is
// rebuilt on growth.

type TableKind uint8

const (
	TableGeneric TableKind = iota
	TableIntArray
	TableFloatArray
	TableSlice
)

var tableKindNames = [...]string{
	TableGeneric:    "table",
	TableIntArray:   "integer[]",
	TableFloatArray: "number[]",
	TableSlice:      "slice",
}

func (k TableKind) String() string { return tableKindNames[k] }

// Shared table-operation errors, surfaced as runtime errors by the
// interpreter and the API layer.
var (
	errNilIndex      = verr.New(verr.TypeError, "table index is nil")
	errNaNIndex      = verr.New(verr.TypeError, "table index is NaN")
	errArrayIndex    = verr.New(verr.ReferenceError, "array index out of range")
	errArrayIntValue = verr.New(verr.ConversionError, "value cannot be converted to integer")
	errArrayFltValue = verr.New(verr.ConversionError, "value cannot be converted to number")
	errArrayNilValue = verr.New(verr.TypeError, "cannot store nil in a typed array")
	errSliceFixed    = verr.New(verr.ReferenceError, "a slice cannot be extended")
	errNotArray      = verr.New(verr.TypeError, "not an array table")
)

// tableKey is the comparable, normalized form of a table key. Floats
// with integral values collapse onto the integer key; strings key by
// content; light Go functions by code pointer; closures and other
// objects by identity.
type tableKey struct {
	tt typeTag
	n  uint64
	s  string
	p  any
}

type tnode struct {
	key  Value
	val  Value
	dead bool
}

type Table struct {
	Kind TableKind

	meta  *Table
	flags uint8 // metamethods known absent when this table is a metatable

	// generic kind
	array []Value
	nodes []tnode
	index map[tableKey]int

	// typed array kinds
	ints   []int64
	floats []float64

	// slice kind; parent is anchored by this reference for the
	// lifetime of the slice
	parent *Table
	start  int64
	window int64
}

// NewTable creates a generic table with capacity hints.
func NewTable(narr, nrec int) *Table {
	t := &Table{Kind: TableGeneric}
	if narr > 0 {
		t.array = make([]Value, 0, narr)
	}
	if nrec > 0 {
		t.nodes = make([]tnode, 0, nrec)
		t.index = make(map[tableKey]int, nrec)
	}
	return t
}

// NewIntArray creates an integer array of n elements, all init.
func NewIntArray(n int64, init int64) *Table {
	t := &Table{Kind: TableIntArray, ints: make([]int64, n)}
	if init != 0 {
		for i := range t.ints {
			t.ints[i] = init
		}
	}
	return t
}

// NewFloatArray creates a float array of n elements, all init.
func NewFloatArray(n int64, init float64) *Table {
	t := &Table{Kind: TableFloatArray, floats: make([]float64, n)}
	if init != 0 {
		for i := range t.floats {
			t.floats[i] = init
		}
	}
	return t
}

// NewSlice creates a window [start, start+window-1] over a typed array.
func NewSlice(parent *Table, start, window int64) (*Table, error) {
	base := parent
	off := int64(0)
	if parent.Kind == TableSlice {
		base = parent.parent
		off = parent.start - 1
	} else if parent.Kind != TableIntArray && parent.Kind != TableFloatArray {
		return nil, errNotArray
	}
	if start < 1 || window < 0 || start+window-1 > base.alen() {
		return nil, errArrayIndex
	}
	return &Table{Kind: TableSlice, parent: base, start: off + start, window: window}, nil
}

// alen is the primitive length of a typed array or slice.
func (t *Table) alen() int64 {
	switch t.Kind {
	case TableIntArray:
		return int64(len(t.ints))
	case TableFloatArray:
		return int64(len(t.floats))
	case TableSlice:
		return t.window
	}
	return 0
}

// Metatable returns the table's metatable, or nil.
func (t *Table) Metatable() *Table { return t.meta }

// SetMetatable installs a metatable and resets its absent cache.
func (t *Table) SetMetatable(mt *Table) {
	t.meta = mt
	if mt != nil {
		mt.flags = 0
	}
}

// normKey normalizes a key for hashing. nil and NaN keys are invalid.
func normKey(k Value) (tableKey, *verr.Error) {
	switch k.tt {
	case tagNil:
		return tableKey{}, errNilIndex
	case tagFloat:
		f := AsNumber(k)
		if math.IsNaN(f) {
			return tableKey{}, errNaNIndex
		}
		if i, ok := exactFloatToInt(f); ok {
			return tableKey{tt: tagInt, n: uint64(i)}, nil
		}
		return tableKey{tt: tagFloat, n: k.n}, nil
	case tagShortStr, tagLongStr:
		return tableKey{tt: tagShortStr, s: AsString(k).Str}, nil
	case tagGoFunc:
		return tableKey{tt: tagGoFunc, n: uint64(funcPointer(k))}, nil
	case tagBool, tagInt:
		return tableKey{tt: k.tt, n: k.n}, nil
	default:
		return tableKey{tt: k.tt, p: k.obj}, nil
	}
}

// ============================================================================
// Raw get
// ============================================================================

// Get is the raw (metamethod-free) lookup. Absent keys yield nil; out
// of range typed-array reads yield nil as well (the VM's direct typed
// opcodes bounds-check separately).
func (t *Table) Get(k Value) Value {
	switch t.Kind {
	case TableGeneric:
		if k.tt == tagInt {
			return t.GetInt(AsInt(k))
		}
		nk, err := normKey(k)
		if err != nil {
			return NilValue()
		}
		if nk.tt == tagInt {
			return t.GetInt(int64(nk.n))
		}
		if t.index != nil {
			if pos, ok := t.index[nk]; ok && !t.nodes[pos].dead {
				return t.nodes[pos].val
			}
		}
		return NilValue()
	default:
		if i, ok := toArrayIndex(k); ok {
			v, _ := t.GetA(i)
			return v
		}
		return NilValue()
	}
}

// GetInt is the raw integer-key lookup.
func (t *Table) GetInt(i int64) Value {
	switch t.Kind {
	case TableGeneric:
		if i >= 1 && i <= int64(len(t.array)) {
			return t.array[i-1]
		}
		if t.index != nil {
			if pos, ok := t.index[tableKey{tt: tagInt, n: uint64(i)}]; ok && !t.nodes[pos].dead {
				return t.nodes[pos].val
			}
		}
		return NilValue()
	default:
		v, _ := t.GetA(i)
		return v
	}
}

// GetStr is the raw string-key lookup.
func (t *Table) GetStr(s string) Value {
	if t.Kind != TableGeneric || t.index == nil {
		return NilValue()
	}
	if pos, ok := t.index[tableKey{tt: tagShortStr, s: s}]; ok && !t.nodes[pos].dead {
		return t.nodes[pos].val
	}
	return NilValue()
}

// GetA reads a typed array (or slice) element; out-of-range reads
// report false.
func (t *Table) GetA(i int64) (Value, bool) {
	switch t.Kind {
	case TableIntArray:
		if i >= 1 && i <= int64(len(t.ints)) {
			return BoxInt(t.ints[i-1]), true
		}
	case TableFloatArray:
		if i >= 1 && i <= int64(len(t.floats)) {
			return BoxNumber(t.floats[i-1]), true
		}
	case TableSlice:
		if i >= 1 && i <= t.window {
			return t.parent.GetA(t.start + i - 1)
		}
	}
	return NilValue(), false
}

func toArrayIndex(k Value) (int64, bool) {
	switch k.tt {
	case tagInt:
		return AsInt(k), true
	case tagFloat:
		return exactFloatToInt(AsNumber(k))
	}
	return 0, false
}

// ============================================================================
// Raw set
// ============================================================================

// Set is the raw (metamethod-free) store. Storing nil erases a generic
// entry; typed arrays reject nil and enforce the element kind.
func (t *Table) Set(k, v Value) *verr.Error {
	t.flags = 0
	switch t.Kind {
	case TableGeneric:
		nk, err := normKey(k)
		if err != nil {
			return err
		}
		if nk.tt == tagInt {
			t.setInt(int64(nk.n), v)
			return nil
		}
		t.setNode(nk, normKeyValue(k, nk), v)
		return nil
	default:
		i, ok := toArrayIndex(k)
		if !ok {
			return errArrayIndex
		}
		return t.SetA(i, v)
	}
}

// normKeyValue is the value stored as the node's key: an integral
// float key is stored as its integer twin so `next` hands back the
// canonical key.
func normKeyValue(orig Value, nk tableKey) Value {
	if nk.tt == tagInt && orig.tt == tagFloat {
		return BoxInt(int64(nk.n))
	}
	return orig
}

// SetInt is the raw integer-key store on a generic table.
func (t *Table) SetInt(i int64, v Value) *verr.Error {
	t.flags = 0
	if t.Kind != TableGeneric {
		return t.SetA(i, v)
	}
	t.setInt(i, v)
	return nil
}

func (t *Table) setInt(i int64, v Value) {
	if i >= 1 && i <= int64(len(t.array)) {
		t.array[i-1] = v
		return
	}
	if i == int64(len(t.array))+1 && !IsNil(v) {
		t.array = append(t.array, v)
		t.migrateTail()
		return
	}
	t.setNode(tableKey{tt: tagInt, n: uint64(i)}, BoxInt(i), v)
}

// migrateTail pulls hash entries that extend the dense prefix into the
// array part after an append.
func (t *Table) migrateTail() {
	if t.index == nil {
		return
	}
	for {
		next := int64(len(t.array)) + 1
		nk := tableKey{tt: tagInt, n: uint64(next)}
		pos, ok := t.index[nk]
		if !ok || t.nodes[pos].dead {
			return
		}
		t.array = append(t.array, t.nodes[pos].val)
		t.nodes[pos].dead = true
		delete(t.index, nk)
	}
}

func (t *Table) setNode(nk tableKey, key, v Value) {
	if t.index == nil {
		if IsNil(v) {
			return
		}
		t.index = make(map[tableKey]int)
	}
	if pos, ok := t.index[nk]; ok {
		if IsNil(v) {
			// tombstone: the node keeps its key so an in-flight
			// traversal can still find its successor
			t.nodes[pos].val = NilValue()
			t.nodes[pos].dead = true
			return
		}
		t.nodes[pos].val = v
		t.nodes[pos].dead = false
		return
	}
	if IsNil(v) {
		return
	}
	if len(t.nodes) == cap(t.nodes) {
		t.rehash()
	}
	t.nodes = append(t.nodes, tnode{key: key, val: v})
	t.index[nk] = len(t.nodes) - 1
}

// rehash squeezes out tombstones before the node slice grows, keeping
// live entries in insertion order.
func (t *Table) rehash() {
	dead := 0
	for i := range t.nodes {
		if t.nodes[i].dead {
			dead++
		}
	}
	if dead*2 < len(t.nodes) {
		return // growth is cheaper than compaction
	}
	live := make([]tnode, 0, len(t.nodes)-dead)
	idx := make(map[tableKey]int, len(t.nodes)-dead)
	for _, n := range t.nodes {
		if n.dead {
			continue
		}
		nk, _ := normKey(n.key)
		idx[nk] = len(live)
		live = append(live, n)
	}
	t.nodes = live
	t.index = idx
}

// SetA stores into a typed array (or slice): in-range overwrites, a
// store at len+1 appends, anything past that faults. Values narrow to
// the element kind and nil is rejected.
func (t *Table) SetA(i int64, v Value) *verr.Error {
	if IsNil(v) {
		return errArrayNilValue
	}
	switch t.Kind {
	case TableIntArray:
		n, ok := toInteger(v)
		if !ok {
			return errArrayIntValue
		}
		return t.SetIntAt(i, n)
	case TableFloatArray:
		f, ok := toNumber(v)
		if !ok {
			return errArrayFltValue
		}
		return t.SetFloatAt(i, f)
	case TableSlice:
		if i < 1 || i > t.window {
			return errSliceFixed
		}
		return t.parent.SetA(t.start+i-1, v)
	}
	return errNotArray
}

// SetIntAt stores a primitive into an integer array.
func (t *Table) SetIntAt(i int64, n int64) *verr.Error {
	switch t.Kind {
	case TableIntArray:
		switch {
		case i >= 1 && i <= int64(len(t.ints)):
			t.ints[i-1] = n
		case i == int64(len(t.ints))+1:
			t.ints = append(t.ints, n)
		default:
			return errArrayIndex
		}
		return nil
	case TableSlice:
		if i < 1 || i > t.window {
			return errSliceFixed
		}
		return t.parent.SetIntAt(t.start+i-1, n)
	}
	return errNotArray
}

// SetFloatAt stores a primitive into a float array.
func (t *Table) SetFloatAt(i int64, f float64) *verr.Error {
	switch t.Kind {
	case TableFloatArray:
		switch {
		case i >= 1 && i <= int64(len(t.floats)):
			t.floats[i-1] = f
		case i == int64(len(t.floats))+1:
			t.floats = append(t.floats, f)
		default:
			return errArrayIndex
		}
		return nil
	case TableSlice:
		if i < 1 || i > t.window {
			return errSliceFixed
		}
		return t.parent.SetFloatAt(t.start+i-1, f)
	}
	return errNotArray
}

// ============================================================================
// Length
// ============================================================================

// Length computes the raw length: the stored length for typed arrays,
// a border for generic tables.
func (t *Table) Length() int64 {
	switch t.Kind {
	case TableIntArray, TableFloatArray, TableSlice:
		return t.alen()
	}
	n := int64(len(t.array))
	if n > 0 && IsNil(t.array[n-1]) {
		// binary search for a border inside the array part
		lo, hi := int64(0), n
		for hi-lo > 1 {
			mid := (lo + hi) / 2
			if IsNil(t.array[mid-1]) {
				hi = mid
			} else {
				lo = mid
			}
		}
		return lo
	}
	if t.index == nil {
		return n
	}
	// probe beyond the array part
	i := n
	j := n + 1
	for !IsNil(t.GetInt(j)) {
		i = j
		if j > math.MaxInt64/2 {
			for !IsNil(t.GetInt(i + 1)) {
				i++
			}
			return i
		}
		j *= 2
	}
	for j-i > 1 {
		mid := (i + j) / 2
		if IsNil(t.GetInt(mid)) {
			j = mid
		} else {
			i = mid
		}
	}
	return i
}

// ============================================================================
// Iteration
// ============================================================================

// Next yields the pair following key k in traversal order: the array
// part ascending, then hash nodes in slot order. A nil key starts the
// traversal; ok is false when the traversal is complete.
func (t *Table) Next(k Value) (key, val Value, ok bool, err *verr.Error) {
	if t.Kind != TableGeneric {
		// typed arrays iterate 1..len
		var i int64
		if IsNil(k) {
			i = 1
		} else {
			prev, isInt := toArrayIndex(k)
			if !isInt {
				return NilValue(), NilValue(), false, errArrayIndex
			}
			i = prev + 1
		}
		if v, in := t.GetA(i); in {
			return BoxInt(i), v, true, nil
		}
		return NilValue(), NilValue(), false, nil
	}

	pos := 0 // 0-based position over array slots then node slots
	if !IsNil(k) {
		p, findErr := t.findPos(k)
		if findErr != nil {
			return NilValue(), NilValue(), false, findErr
		}
		pos = p + 1
	}
	for ; pos < len(t.array); pos++ {
		if !IsNil(t.array[pos]) {
			return BoxInt(int64(pos + 1)), t.array[pos], true, nil
		}
	}
	for npos := pos - len(t.array); npos < len(t.nodes); npos++ {
		if !t.nodes[npos].dead {
			return t.nodes[npos].key, t.nodes[npos].val, true, nil
		}
	}
	return NilValue(), NilValue(), false, nil
}

var errInvalidNext = verr.New(verr.ReferenceError, "invalid key to 'next'")

// findPos locates a key's traversal position; tombstoned keys are
// still located so removal during traversal is safe.
func (t *Table) findPos(k Value) (int, *verr.Error) {
	nk, err := normKey(k)
	if err != nil {
		return 0, errInvalidNext
	}
	if nk.tt == tagInt {
		i := int64(nk.n)
		if i >= 1 && i <= int64(len(t.array)) {
			return int(i - 1), nil
		}
	}
	if t.index != nil {
		if pos, ok := t.index[nk]; ok {
			return len(t.array) + pos, nil
		}
	}
	return 0, errInvalidNext
}
