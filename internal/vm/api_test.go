package vm

import (
	"bytes"
	"testing"

	"tala/internal/bytecode"
	verr "tala/internal/errors"
)

func TestPushPopShapes(t *testing.T) {
	s := NewState()
	s.PushInteger(1)
	s.PushString("two")
	s.PushBoolean(true)
	if s.GetTop() != 3 {
		t.Fatalf("top = %d", s.GetTop())
	}
	s.Pop(1)
	if s.GetTop() != 2 || s.ToString(-1) != "two" {
		t.Fatalf("pop broke the stack: top=%d", s.GetTop())
	}
	s.SetTop(5)
	if s.GetTop() != 5 || !s.IsNil(5) {
		t.Fatal("settop must nil-fill")
	}
	s.SetTop(0)
	if s.GetTop() != 0 {
		t.Fatal("settop 0")
	}
}

func TestAbsIndex(t *testing.T) {
	s := NewState()
	s.PushInteger(10)
	s.PushInteger(20)
	s.PushInteger(30)
	for i := 1; i <= 3; i++ {
		if got := s.AbsIndex(i - 4); got != i {
			t.Fatalf("absindex(%d) = %d, want %d", i-4, got, i)
		}
		if got := s.AbsIndex(i); got != i {
			t.Fatalf("absindex(%d) = %d", i, got)
		}
	}
	if got := s.AbsIndex(RegistryIndex); got != RegistryIndex {
		t.Fatal("pseudo indices pass through")
	}
}

func TestRotateInverse(t *testing.T) {
	s := NewState()
	for i := int64(1); i <= 5; i++ {
		s.PushInteger(i)
	}
	s.Rotate(1, 2)
	want := []int64{4, 5, 1, 2, 3}
	for i, w := range want {
		if got := s.ToInteger(i + 1); got != w {
			t.Fatalf("after rotate: slot %d = %d, want %d", i+1, got, w)
		}
	}
	s.Rotate(1, -2)
	for i := int64(1); i <= 5; i++ {
		if got := s.ToInteger(int(i)); got != i {
			t.Fatalf("rotate/unrotate not identity at %d: %d", i, got)
		}
	}
}

func TestStringInterning(t *testing.T) {
	s := NewState()
	s.PushString("abc")
	s.PushString("abc")
	if !s.RawEqual(-1, -2) {
		t.Fatal("equal strings must be rawequal")
	}
	if s.ToPointer(-1) != s.ToPointer(-2) {
		t.Fatal("short strings must intern to one object")
	}
	long := make([]byte, MaxShortLen+10)
	for i := range long {
		long[i] = 'x'
	}
	s.PushLString(long)
	s.PushLString(long)
	if !s.RawEqual(-1, -2) {
		t.Fatal("long strings compare by content")
	}
	if s.ToPointer(-1) == s.ToPointer(-2) {
		t.Fatal("long strings are not interned")
	}
}

func TestNumberConversionRoundTrip(t *testing.T) {
	s := NewState()
	s.PushInteger(977)
	if i, ok := s.ToIntegerX(-1); !ok || i != 977 {
		t.Fatalf("tointeger(pushinteger) = %d %v", i, ok)
	}
	s.PushNumber(0.1)
	if f, ok := s.ToNumberX(-1); !ok || f != 0.1 {
		t.Fatalf("tonumber(pushnumber) = %v %v", f, ok)
	}
	s.PushString("12")
	if i, ok := s.ToIntegerX(-1); !ok || i != 12 {
		t.Fatalf("numeric string converts: %d %v", i, ok)
	}
}

func TestTableAPI(t *testing.T) {
	s := NewState()
	s.CreateTable(0, 2)
	s.PushInteger(5)
	s.SetField(-2, "n")
	if typ := s.GetField(-1, "n"); typ != TNumber {
		t.Fatalf("getfield type %v", typ)
	}
	if got := s.ToInteger(-1); got != 5 {
		t.Fatalf("t.n = %d", got)
	}
	s.Pop(1)

	s.PushInteger(77)
	s.RawSetI(-2, 3)
	if typ := s.RawGetI(-1, 3); typ != TNumber || s.ToInteger(-1) != 77 {
		t.Fatal("rawseti/rawgeti")
	}
	s.Pop(1)

	key := new(int)
	s.PushString("by pointer")
	s.RawSetP(-2, key)
	if s.RawGetP(-1, key); s.ToString(-1) != "by pointer" {
		t.Fatal("rawsetp/rawgetp")
	}
	s.Pop(2)
}

func TestGlobals(t *testing.T) {
	s := NewState()
	s.PushInteger(31337)
	s.SetGlobal("answer")
	if typ := s.GetGlobal("answer"); typ != TNumber {
		t.Fatalf("global type %v", typ)
	}
	if got := s.ToInteger(-1); got != 31337 {
		t.Fatalf("global = %d", got)
	}
}

func TestRegistryAccess(t *testing.T) {
	s := NewState()
	s.PushString("anchored")
	s.SetField(RegistryIndex, "host.key")
	s.GetField(RegistryIndex, "host.key")
	if got := s.ToString(-1); got != "anchored" {
		t.Fatalf("registry round trip: %q", got)
	}
	// well-known slots
	if typ := s.RawGetI(RegistryIndex, RegistryIndexGlobals); typ != TTable {
		t.Fatal("globals slot missing")
	}
	if typ := s.RawGetI(RegistryIndex, RegistryIndexMainThread); typ != TThread {
		t.Fatal("main thread slot missing")
	}
}

func TestGoClosureUpvalues(t *testing.T) {
	s := NewState()
	s.PushInteger(100)
	s.PushGoClosure(func(l *State) int {
		v, ok := l.index2value(UpvalueIndex(1))
		if !ok {
			l.RaiseError("missing upvalue")
		}
		l.PushInteger(AsInt(v) + 1)
		l.setIndex(UpvalueIndex(1), BoxInt(AsInt(v)+1))
		return 1
	}, 1)
	s.PushValue(-1)
	s.Call(0, 1)
	if got := s.ToInteger(-1); got != 101 {
		t.Fatalf("first call = %d", got)
	}
	s.Pop(1)
	s.Call(0, 1)
	if got := s.ToInteger(-1); got != 102 {
		t.Fatalf("captured value not persistent: %d", got)
	}
}

func TestCompareAndArithAPI(t *testing.T) {
	s := NewState()
	s.PushInteger(2)
	s.PushNumber(2.0)
	if !s.Compare(-2, -1, CompareEq) {
		t.Fatal("2 == 2.0")
	}
	if s.Compare(-2, -1, CompareLT) {
		t.Fatal("2 < 2.0 must be false")
	}
	s.Pop(2)

	s.PushInteger(7)
	s.PushInteger(3)
	s.Arith(OpArithIDiv)
	if got := s.ToInteger(-1); got != 2 {
		t.Fatalf("7 // 3 = %d", got)
	}
	s.Pop(1)

	s.PushInteger(5)
	s.Arith(OpArithUnm)
	if got := s.ToInteger(-1); got != -5 {
		t.Fatalf("-5 = %d", got)
	}
}

func TestConcatAPI(t *testing.T) {
	s := NewState()
	s.PushString("x=")
	s.PushInteger(4)
	s.Concat(2)
	if got := s.ToString(-1); got != "x=4" {
		t.Fatalf("concat = %q", got)
	}
	s.Concat(0)
	if got := s.ToString(-1); got != "" {
		t.Fatal("concat(0) pushes the empty string")
	}
}

func TestXMoveSameGroup(t *testing.T) {
	s := NewState()
	co := s.NewThread()
	s.Pop(1)
	s.PushInteger(1)
	s.PushInteger(2)
	s.XMove(co, 2)
	if s.GetTop() != 0 {
		t.Fatal("values not removed from the source")
	}
	if co.GetTop() != 2 || co.ToInteger(1) != 1 || co.ToInteger(2) != 2 {
		t.Fatal("values not delivered in order")
	}
}

func TestNextAPI(t *testing.T) {
	s := NewState()
	s.CreateTable(2, 0)
	for i := int64(1); i <= 2; i++ {
		s.PushInteger(i * 5)
		s.RawSetI(-2, i)
	}
	s.PushNil()
	seen := 0
	for s.Next(-2) {
		seen++
		s.Pop(1) // drop value, keep key
	}
	if seen != 2 {
		t.Fatalf("next saw %d pairs", seen)
	}
}

func TestUserdata(t *testing.T) {
	s := NewState()
	u := s.NewUserdata(16)
	if len(u.Data) != 16 {
		t.Fatalf("userdata size %d", len(u.Data))
	}
	if got := s.RawLen(-1); got != 16 {
		t.Fatalf("rawlen = %d", got)
	}
	s.PushString("uv")
	s.SetUservalue(-2)
	if typ := s.GetUservalue(-1); typ != TString || s.ToString(-1) != "uv" {
		t.Fatal("uservalue round trip")
	}
}

func TestDumpLoadRoundTrip(t *testing.T) {
	p := mkProto(4, 0, []bytecode.Instruction{
		bytecode.CreateABx(bytecode.OP_LOADK, 0, 0),
		bytecode.CreateABC(bytecode.OP_ADD, 0, 0, rk(1)),
		bytecode.CreateABC(bytecode.OP_RETURN, 0, 2, 0),
	}, []bytecode.Const{kInt(40), kInt(2)})

	s := NewState()
	s.push(BoxClosure(s.Global().NewClosure(p)))
	var buf bytes.Buffer
	if err := s.Dump(&buf, false); err != nil {
		t.Fatal(err)
	}
	s.Pop(1)

	if status := s.Load(bytes.NewReader(buf.Bytes()), "chunk", "bt"); status != verr.StatusOK {
		t.Fatalf("load failed: %s", s.ToString(-1))
	}
	if status := s.PCall(0, 1, 0); status != verr.StatusOK {
		t.Fatalf("run failed: %s", s.ToString(-1))
	}
	if got := s.ToInteger(-1); got != 42 {
		t.Fatalf("reloaded chunk returned %d", got)
	}
}

func TestLoadRejectsText(t *testing.T) {
	s := NewState()
	if status := s.Load(bytes.NewReader([]byte("print('hi')")), "src", "b"); status != verr.StatusErrSyntax {
		t.Fatalf("text chunk must be rejected, got %v", status)
	}
}

func TestGCControls(t *testing.T) {
	s := NewState()
	if s.GC(GCIsRunning, 0) != 1 {
		t.Fatal("collector starts running")
	}
	s.GC(GCStop, 0)
	if s.GC(GCIsRunning, 0) != 0 {
		t.Fatal("stop")
	}
	s.GC(GCRestart, 0)
	if old := s.GC(GCSetPause, 150); old != defaultGCPause {
		t.Fatalf("old pause = %d", old)
	}
	if old := s.GC(GCSetStepMul, 10); old != defaultGCStepMul {
		t.Fatalf("old stepmul = %d", old)
	}
	// minimum is enforced
	if old := s.GC(GCSetStepMul, 100); old != minGCStepMul {
		t.Fatalf("stepmul clamped to %d, got %d", minGCStepMul, old)
	}
	s.PushString("alive across collection")
	s.GC(GCCollect, 0)
	if got := s.ToString(-1); got != "alive across collection" {
		t.Fatal("reachable value lost across full collection")
	}
	if s.GC(GCCount, 0) < 0 {
		t.Fatal("count")
	}
}

func TestFinalizerRuns(t *testing.T) {
	s := NewState()
	ran := false
	s.NewUserdata(1)
	s.CreateTable(0, 1)
	s.PushGoFunction(func(l *State) int {
		ran = true
		return 0
	})
	s.SetField(-2, "__gc")
	s.SetMetatable(-2)
	s.GC(GCCollect, 0)
	if !ran {
		t.Fatal("__gc finalizer did not run")
	}
}
