package vm

import (
	"fmt"
	"os"

	verr "tala/internal/errors"
)

// Error raising and propagation
// =============================
//
// Errors travel as explicit *errors.Error returns along every path
// that can raise; there is no panic-based unwinding inside the
// interpreter. Protected-call boundaries turn an error into a status
// code plus an error value on the stack; an unprotected error reaches
// the panic handler and aborts the host.

// rtErr builds a runtime error located at the active frame.
func (s *State) rtErr(kind verr.Kind, format string, args ...interface{}) *verr.Error {
	e := verr.New(kind, format, args...)
	src, line := s.where()
	if src != "" {
		e.At(src, line)
	}
	e.Traceback = s.traceback()
	return e
}

// located attaches the current position to a shared error template
// without mutating it.
func (s *State) located(e *verr.Error) *verr.Error {
	clone := *e
	src, line := s.where()
	if src != "" {
		clone.At(src, line)
	}
	clone.Traceback = s.traceback()
	return &clone
}

// raiseValue wraps an arbitrary language value as a propagating error
// (the error() builtin and State.Error).
func (s *State) raiseValue(v Value) *verr.Error {
	e := verr.New(verr.RuntimeError, "%s", ToDisplayString(v))
	if IsString(v) {
		src, line := s.where()
		if src != "" {
			e.Message = fmt.Sprintf("%s:%d: %s", src, line, AsString(v).Str)
			e.At(src, line)
		}
	}
	e.Raised = v
	e.Traceback = s.traceback()
	return e
}

// errValue materializes the stack value deposited by a protected call.
func (s *State) errValue(e *verr.Error) Value {
	if v, ok := e.Raised.(Value); ok {
		return v
	}
	msg := e.Message
	if e.Location.Source != "" {
		msg = fmt.Sprintf("%s:%d: %s", e.Location.Source, e.Location.Line, e.Message)
	}
	return s.g.NewString(msg)
}

// traceback captures the frame chain for diagnostics.
func (s *State) traceback() []verr.Frame {
	frames := make([]verr.Frame, 0, s.ci)
	for ci := s.ci; ci > 0; ci-- {
		f := &s.frames[ci]
		if f.isLua() {
			cl := AsClosure(s.stack[f.fn])
			pc := f.pc - 1
			if pc < 0 {
				pc = 0
			}
			name := "function"
			if cl.Proto.LineDefined == 0 {
				name = "main chunk"
			}
			frames = append(frames, verr.Frame{
				Function: name,
				Source:   cl.Proto.Source,
				Line:     cl.Proto.Line(pc),
			})
		} else {
			frames = append(frames, verr.Frame{Function: "Go function"})
		}
	}
	return frames
}

// fatal handles an error that escaped every protected frame: the panic
// handler gets one chance to intervene, then the host dies.
func (s *State) fatal(e *verr.Error) {
	if s.g.panicFn != nil {
		s.setTop(s.top)
		if err := s.checkStackN(1); err == nil {
			s.stack[s.top] = s.errValue(e)
			s.top++
		}
		s.g.panicFn(s)
	}
	fmt.Fprintf(os.Stderr, "unprotected error in call to Tala API (%s)\n", e.Error())
	os.Exit(1)
}
