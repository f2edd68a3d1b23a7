package vm

// Upvalue cells
// =============
//
// An upvalue cell is the shared mutable location behind one captured
// local. While the local's frame is live the cell is "open" and
// aliases the stack slot (stored as thread + absolute index, so stack
// growth cannot dangle it); when the frame unwinds past the slot the
// cell is "closed" and owns the value inline. Sibling closures that
// capture the same local share the same cell.

type Upvalue struct {
	st   *State   // owning thread while open; nil once closed
	idx  int      // absolute stack index while open
	v    Value    // closed value
	next *Upvalue // open list, strictly descending by idx
	refs int32
}

func (uv *Upvalue) IsOpen() bool { return uv.st != nil }

func (uv *Upvalue) Get() Value {
	if uv.st != nil {
		return uv.st.stack[uv.idx]
	}
	return uv.v
}

func (uv *Upvalue) Set(v Value) {
	if uv.st != nil {
		uv.st.stack[uv.idx] = v
		return
	}
	uv.v = v
}

// findOrOpenUpvalue returns the open cell for stack slot idx, creating
// and linking one if absent. The open list is searched from the head
// (highest index) down and the search stops at the first cell below
// idx.
func (s *State) findOrOpenUpvalue(idx int) *Upvalue {
	prev := &s.openupvals
	for *prev != nil && (*prev).idx >= idx {
		if (*prev).idx == idx {
			uv := *prev
			uv.refs++
			return uv
		}
		prev = &(*prev).next
	}
	uv := &Upvalue{st: s, idx: idx, refs: 1, next: *prev}
	*prev = uv
	return uv
}

// closeUpvalues closes every open cell at or above level: the stack
// slot is copied into the cell and the cell leaves the open list.
func (s *State) closeUpvalues(level int) {
	for s.openupvals != nil && s.openupvals.idx >= level {
		uv := s.openupvals
		s.openupvals = uv.next
		uv.v = s.stack[uv.idx]
		uv.st = nil
		uv.next = nil
	}
}
