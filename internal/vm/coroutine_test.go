package vm

import (
	"testing"

	verr "tala/internal/errors"
)

func TestCoroutineYieldResume(t *testing.T) {
	s := NewState()
	co := s.NewThread()
	s.Pop(1)

	co.PushGoFunction(func(l *State) int {
		for _, v := range []int64{3, 4, 5} {
			l.PushInteger(v)
			if _, err := l.Yield(1); err != nil {
				t.Errorf("yield failed: %v", err)
				return 0
			}
		}
		l.PushInteger(6)
		return 1
	})

	for _, want := range []int64{3, 4, 5} {
		status, n := s.Resume(co, 0)
		if status != verr.StatusYield || n != 1 {
			t.Fatalf("resume: status=%v n=%d, want yield/1", status, n)
		}
		if got := co.ToInteger(-1); got != want {
			t.Fatalf("yielded %d, want %d", got, want)
		}
		co.Pop(1)
		if st := s.CoroutineStatus(co); st != CoSuspended {
			t.Fatalf("status between resumes: %v", st)
		}
	}

	status, n := s.Resume(co, 0)
	if status != verr.StatusOK || n != 1 {
		t.Fatalf("final resume: status=%v n=%d", status, n)
	}
	if got := co.ToInteger(-1); got != 6 {
		t.Fatalf("returned %d, want 6", got)
	}
	if st := s.CoroutineStatus(co); st != CoDead {
		t.Fatalf("status after completion: %v", st)
	}

	status, n = s.Resume(co, 0)
	if status != verr.StatusErrRun || n != 1 {
		t.Fatalf("resuming a dead coroutine: status=%v", status)
	}
}

func TestCoroutineResumeArguments(t *testing.T) {
	s := NewState()
	co := s.NewThread()
	s.Pop(1)

	co.PushGoFunction(func(l *State) int {
		// yield the running total of the resume arguments until
		// resumed with none
		total := int64(0)
		for {
			l.PushInteger(total)
			n, err := l.Yield(1)
			if err != nil {
				return 0
			}
			if n == 0 {
				break
			}
			total += l.ToInteger(-1)
			l.Pop(n)
		}
		l.PushInteger(total)
		return 1
	})

	if status, _ := s.Resume(co, 0); status != verr.StatusYield {
		t.Fatal("first resume")
	}
	co.Pop(1)

	co.PushInteger(10)
	if status, _ := s.Resume(co, 1); status != verr.StatusYield {
		t.Fatal("second resume")
	}
	if got := co.ToInteger(-1); got != 10 {
		t.Fatalf("accumulated %d", got)
	}
	co.Pop(1)

	status, n := s.Resume(co, 0)
	if status != verr.StatusOK || n != 1 || co.ToInteger(-1) != 10 {
		t.Fatalf("final: status=%v n=%d top=%d", status, n, co.ToInteger(-1))
	}
}

func TestCoroutineBodyError(t *testing.T) {
	s := NewState()
	co := s.NewThread()
	s.Pop(1)

	co.PushGoFunction(func(l *State) int {
		l.RaiseError("boom")
		return 0
	})

	status, n := s.Resume(co, 0)
	if status != verr.StatusErrRun || n == 0 {
		t.Fatalf("status=%v n=%d", status, n)
	}
	if got := co.ToString(-1); got == "" {
		t.Fatal("error message missing")
	}
	if st := s.CoroutineStatus(co); st != CoDead {
		t.Fatalf("errored coroutine status %v", st)
	}
}

func TestYieldFromMainThreadFails(t *testing.T) {
	s := NewState()
	if _, err := s.Yield(0); err == nil {
		t.Fatal("main thread must not yield")
	}
	if s.IsYieldable() {
		t.Fatal("main thread is never yieldable")
	}
}

func TestYieldAcrossNonYieldableBoundary(t *testing.T) {
	s := NewState()
	co := s.NewThread()
	s.Pop(1)

	co.PushGoFunction(func(l *State) int {
		// a plain pcall is a non-yieldable boundary
		l.PushGoFunction(func(inner *State) int {
			if _, err := inner.Yield(0); err == nil {
				t.Error("yield inside a non-yieldable pcall must fail")
			}
			return 0
		})
		if st := l.PCall(0, 0, 0); st != verr.StatusOK {
			t.Errorf("inner pcall: %v", st)
		}
		return 0
	})

	if status, _ := s.Resume(co, 0); status != verr.StatusOK {
		t.Fatalf("resume status %v", status)
	}
}

func TestYieldableCallCrossesPcallK(t *testing.T) {
	s := NewState()
	co := s.NewThread()
	s.Pop(1)

	sawCont := false
	co.PushGoFunction(func(l *State) int {
		l.PushGoFunction(func(inner *State) int {
			inner.PushInteger(1)
			n, err := inner.Yield(1)
			if err != nil {
				t.Errorf("yield with continuation boundary: %v", err)
			}
			return n
		})
		l.PCallK(0, 0, 0, 7, func(st *State, status verr.Status, ctx int64) int {
			if ctx != 7 {
				t.Errorf("continuation ctx = %d", ctx)
			}
			sawCont = true
			return 0
		})
		return 0
	})

	status, _ := s.Resume(co, 0)
	if status != verr.StatusYield {
		t.Fatalf("first resume: %v", status)
	}
	co.Pop(1)
	status, _ = s.Resume(co, 0)
	if status != verr.StatusOK {
		t.Fatalf("second resume: %v", status)
	}
	if !sawCont {
		t.Fatal("continuation did not run")
	}
}
