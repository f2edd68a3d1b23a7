package vm

import (
	verr "tala/internal/errors"
)

// Coroutines
// ==========
//
// Each coroutine is a fiber: a thread State whose body runs on a
// dedicated goroutine parked on an unbuffered channel. resume hands
// control (and an argument count) to the fiber and blocks until it
// yields, returns, or errors; yield hands control back. Caller and
// fiber never run concurrently — the group stays effectively
// single-threaded, only the execution stack switches.

// CoStatus is the observable state of a coroutine.
type CoStatus int

const (
	CoSuspended CoStatus = iota
	CoRunning
	CoNormal // alive but not the running thread
	CoDead
)

var coStatusNames = [...]string{
	CoSuspended: "suspended",
	CoRunning:   "running",
	CoNormal:    "normal",
	CoDead:      "dead",
}

func (c CoStatus) String() string { return coStatusNames[c] }

// NewThread creates a coroutine thread in this group and pushes it on
// the creating thread's stack.
func (s *State) NewThread() *State {
	co := newThread(s.g)
	co.resumeCh = make(chan coMsg)
	co.yieldCh = make(chan coMsg)
	s.g.addDebt(512)
	s.push(BoxThread(co))
	return co
}

// CoroutineStatus reports the observable status of co as seen from s.
func (s *State) CoroutineStatus(co *State) CoStatus {
	switch {
	case co == s:
		return CoRunning
	case co.coFinished:
		return CoDead
	case co.coStarted && co.status != verr.StatusYield:
		return CoNormal
	default:
		return CoSuspended
	}
}

// IsYieldable reports whether the running thread may yield here.
func (s *State) IsYieldable() bool {
	return s.resumeCh != nil && s.nny == 0
}

// Resume runs coroutine co. On the first resume the body function and
// its arguments must already be on co's stack; on later resumes the
// resume arguments are. Results — yielded or returned values, or the
// error value — are left on top of co's stack; the caller moves them
// across with XMove. The returned count is the number of result
// values.
func (s *State) Resume(co *State, nargs int) (verr.Status, int) {
	switch {
	case co.coFinished:
		return s.resumeError(co, "cannot resume dead coroutine")
	case co == s || co.caller != nil:
		return s.resumeError(co, "cannot resume non-suspended coroutine")
	case !co.coStarted && (co.top == 0 || !IsFunction(co.stack[0])):
		return s.resumeError(co, "cannot resume coroutine without a body")
	case co.coStarted && co.status != verr.StatusYield:
		return s.resumeError(co, "cannot resume non-suspended coroutine")
	}
	co.caller = s
	if !co.coStarted {
		co.coStarted = true
		go co.bodyLoop()
	} else {
		co.resumeCh <- coMsg{nargs: nargs}
	}
	msg := <-co.yieldCh
	co.caller = nil
	return msg.status, msg.nargs
}

// resumeError reports a resume protocol violation without running co.
func (s *State) resumeError(co *State, msg string) (verr.Status, int) {
	if err := co.checkStackN(1); err != nil {
		return verr.StatusErrRun, 0
	}
	co.stack[co.top] = s.g.NewString(msg)
	co.top++
	return verr.StatusErrRun, 1
}

// bodyLoop is the fiber goroutine: one protected run of the body, then
// the coroutine is dead.
func (co *State) bodyLoop() {
	status := co.protectedCall(0, MaxResults, 0, true)
	co.coFinished = true
	co.status = status
	co.yieldCh <- coMsg{status: status, nargs: co.top}
}

var (
	errYieldBoundary = verr.New(verr.RuntimeError, "attempt to yield across a non-yieldable boundary")
	errYieldMain     = verr.New(verr.RuntimeError, "attempt to yield from outside a coroutine")
)

// Yield suspends the running coroutine with the top n stack values as
// the yield results. It returns the number of values handed over by
// the resume that woke the coroutine (left on top of the stack), or an
// error when the thread cannot yield here.
func (s *State) Yield(n int) (int, *verr.Error) {
	if s.resumeCh == nil {
		return 0, s.located(errYieldMain)
	}
	if s.nny > 0 {
		return 0, s.located(errYieldBoundary)
	}
	yieldBase := s.top - n
	s.status = verr.StatusYield
	s.yieldCh <- coMsg{status: verr.StatusYield, nargs: n}
	msg := <-s.resumeCh
	s.status = verr.StatusOK
	// drop the yielded values; the resume arguments replace them
	for i := 0; i < msg.nargs; i++ {
		s.stack[yieldBase+i] = s.stack[s.top-msg.nargs+i]
	}
	s.top = yieldBase + msg.nargs
	return msg.nargs, nil
}
