package bytecode

import (
	"bytes"
	"testing"
)

func TestInstructionEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		inst Instruction
		op   OpCode
		a    int
		b    int
		c    int
	}{
		{"abc", CreateABC(OP_ADD, 3, 120, RKAsK(5)), OP_ADD, 3, 120, RKAsK(5)},
		{"abc max", CreateABC(OP_SETTABLE, MaxArgA, MaxArgB, MaxArgC), OP_SETTABLE, MaxArgA, MaxArgB, MaxArgC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.inst.OpCode() != tt.op || tt.inst.A() != tt.a || tt.inst.B() != tt.b || tt.inst.C() != tt.c {
				t.Fatalf("decoded %v %d %d %d", tt.inst.OpCode(), tt.inst.A(), tt.inst.B(), tt.inst.C())
			}
		})
	}

	bx := CreateABx(OP_LOADK, 7, 40000)
	if bx.OpCode() != OP_LOADK || bx.A() != 7 || bx.Bx() != 40000 {
		t.Fatalf("ABx: %v %d %d", bx.OpCode(), bx.A(), bx.Bx())
	}

	for _, off := range []int{0, 1, -1, MaxArgSBx, -MaxArgSBx} {
		j := CreateAsBx(OP_JMP, 0, off)
		if j.SBx() != off {
			t.Fatalf("sBx %d decoded as %d", off, j.SBx())
		}
	}

	ax := CreateAx(OP_EXTRAARG, 1<<20)
	if ax.OpCode() != OP_EXTRAARG || ax.Ax() != 1<<20 {
		t.Fatalf("Ax: %v %d", ax.OpCode(), ax.Ax())
	}
}

func TestRKEncoding(t *testing.T) {
	if IsK(5) {
		t.Fatal("plain register misread as constant")
	}
	k := RKAsK(9)
	if !IsK(k) || IndexK(k) != 9 {
		t.Fatalf("rk round trip: %d -> %d", k, IndexK(k))
	}
}

func TestOpcodeNames(t *testing.T) {
	for op := OpCode(0); op < NumOpcodes; op++ {
		if op.String() == "" {
			t.Fatalf("opcode %d has no name", op)
		}
	}
	if OpCode(255).String() != "UNKNOWN" {
		t.Fatal("out-of-range opcode name")
	}
}

func sampleProto() *Prototype {
	inner := &Prototype{
		Code: []Instruction{
			CreateABC(OP_GETUPVAL, 0, 0, 0),
			CreateABC(OP_RETURN, 0, 2, 0),
		},
		Upvals:          []UpvalDesc{{Name: "x", InStack: true, Index: 0, Type: TypeInt}},
		MaxStackSize:    2,
		Source:          "sample",
		LineDefined:     3,
		LastLineDefined: 5,
		LineInfo:        []int32{4, 5},
	}
	return &Prototype{
		Code: []Instruction{
			CreateABx(OP_LOADK, 0, 0),
			CreateABx(OP_LOADK, 1, 1),
			CreateABx(OP_LOADK, 2, 2),
			CreateABx(OP_LOADK, 3, 3),
			CreateABx(OP_CLOSURE, 4, 0),
			CreateABC(OP_RETURN, 0, 1, 0),
		},
		K: []Const{
			{Kind: ConstInt, I: -42},
			{Kind: ConstFloat, F: 2.5},
			{Kind: ConstString, S: "hello"},
			{Kind: ConstBool, B: true},
		},
		Protos:       []*Prototype{inner},
		NumParams:    1,
		IsVararg:     true,
		MaxStackSize: 8,
		Source:       "sample",
		LineInfo:     []int32{1, 1, 2, 2, 3, 3},
	}
}

func TestDumpUndumpRoundTrip(t *testing.T) {
	p := sampleProto()
	var buf bytes.Buffer
	if err := Dump(&buf, p, false); err != nil {
		t.Fatal(err)
	}
	if !IsChunk(buf.Bytes()) {
		t.Fatal("dumped chunk lacks the signature")
	}

	q, err := Undump(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Code) != len(p.Code) {
		t.Fatalf("code length %d, want %d", len(q.Code), len(p.Code))
	}
	for i := range p.Code {
		if q.Code[i] != p.Code[i] {
			t.Fatalf("instruction %d differs", i)
		}
	}
	if len(q.K) != len(p.K) {
		t.Fatalf("constants %d, want %d", len(q.K), len(p.K))
	}
	for i := range p.K {
		if q.K[i] != p.K[i] {
			t.Fatalf("constant %d differs: %#v vs %#v", i, q.K[i], p.K[i])
		}
	}
	if q.NumParams != p.NumParams || q.IsVararg != p.IsVararg || q.MaxStackSize != p.MaxStackSize {
		t.Fatal("header fields differ")
	}
	if q.Source != "sample" || len(q.LineInfo) != len(p.LineInfo) {
		t.Fatal("debug info lost")
	}
	if len(q.Protos) != 1 || q.Protos[0].Upvals[0] != p.Protos[0].Upvals[0] {
		t.Fatal("nested prototype differs")
	}
}

func TestDumpStrip(t *testing.T) {
	p := sampleProto()
	var buf bytes.Buffer
	if err := Dump(&buf, p, true); err != nil {
		t.Fatal(err)
	}
	q, err := Undump(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if q.Source != "" || len(q.LineInfo) != 0 {
		t.Fatal("strip must drop source and line info")
	}
	if q.Protos[0].Upvals[0].Name != "" {
		t.Fatal("strip must drop upvalue names")
	}
	// structure survives
	if len(q.Code) != len(p.Code) || len(q.K) != len(p.K) {
		t.Fatal("strip damaged the code")
	}
}

func TestUndumpRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("not a chunk"),
		append([]byte("\x1bTala"), 99), // bad version
	}
	for i, data := range cases {
		if _, err := Undump(bytes.NewReader(data)); err == nil {
			t.Fatalf("case %d: garbage accepted", i)
		}
	}
}

func TestUndumpRejectsTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, sampleProto(), false); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	for _, n := range []int{len(data) / 4, len(data) / 2, len(data) - 1} {
		if _, err := Undump(bytes.NewReader(data[:n])); err == nil {
			t.Fatalf("truncation at %d accepted", n)
		}
	}
}
