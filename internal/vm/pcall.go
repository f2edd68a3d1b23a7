package vm

import (
	verr "tala/internal/errors"
)

// Protected calls
// ===============
//
// A protected call records the frame chain, the stack position of the
// callable, and the active message handler. When the call errors, the
// chain is unwound back to the saved position, the (optionally
// handler-transformed) error value lands in the callable's slot, and a
// status code is returned instead of a propagating error.

// protectedCall runs stack[fnIdx](args...) protected. errFunc is the
// absolute stack index of a message handler, or 0 for none. The
// yieldable flag marks the boundary as crossable by a yield.
func (s *State) protectedCall(fnIdx, nresults, errFunc int, yieldable bool) verr.Status {
	savedCi := s.ci
	savedErrFunc := s.errFunc
	s.errFunc = errFunc

	var err *verr.Error
	if yieldable {
		s.frames[s.ci].status |= csYieldablePcall
		err = s.callValue(fnIdx, nresults)
	} else {
		err = s.callValueNoYield(fnIdx, nresults)
	}
	s.errFunc = savedErrFunc

	if err == nil {
		return verr.StatusOK
	}

	status := err.Kind.Status()
	errVal := s.errValue(err)

	// run the message handler while the erroring frames are intact
	if errFunc > 0 {
		errVal, status = s.runErrFunc(errFunc, errVal, status)
	}

	// unwind to the saved frame, closing upvalues opened above it
	s.closeUpvalues(fnIdx)
	s.ci = savedCi
	s.frames = s.frames[:savedCi+1]
	s.stack[fnIdx] = errVal
	s.setTop(fnIdx + 1)
	return status
}

// runErrFunc invokes the message handler on the error value. An error
// inside the handler itself degrades to ERRERR with the distinguished
// message.
func (s *State) runErrFunc(errFunc int, errVal Value, status verr.Status) (Value, verr.Status) {
	if cerr := s.checkStackN(2); cerr != nil {
		return errVal, status
	}
	base := s.top
	s.stack[base] = s.stack[errFunc]
	s.stack[base+1] = errVal
	s.top = base + 2
	if herr := s.callValueNoYield(base, 1); herr != nil {
		return s.g.NewString("error in error handling"), verr.StatusErrErr
	}
	v := s.stack[base]
	s.top = base
	return v, status
}
