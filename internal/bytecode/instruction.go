package bytecode

// Instruction Format (32 bits)
// ============================
//
// Format iABC:  [8-bit op][8-bit A][8-bit B][8-bit C]
//               Used for 3-register operations
//
// Format iABx:  [8-bit op][8-bit A][16-bit Bx]
//               Used for operations with large operands
//
// Format iAsBx: [8-bit op][8-bit A][16-bit sBx]
//               Used for jumps (signed, biased offset)
//
// Format iAx:   [8-bit op][24-bit Ax]
//               Used only by EXTRAARG

type Instruction uint32

const (
	PosOp = 0
	PosA  = 8
	PosB  = 16
	PosC  = 24

	SizeOp = 8
	SizeA  = 8
	SizeB  = 8
	SizeC  = 8
	SizeBx = 16
	SizeAx = 24

	MaskOp = (1 << SizeOp) - 1
	MaskA  = (1 << SizeA) - 1
	MaskB  = (1 << SizeB) - 1
	MaskC  = (1 << SizeC) - 1
	MaskBx = (1 << SizeBx) - 1
	MaskAx = (1 << SizeAx) - 1

	MaxArgA  = MaskA
	MaxArgB  = MaskB
	MaxArgC  = MaskC
	MaxArgBx = MaskBx
	MaxArgAx = MaskAx

	// Signed Bx offset bias
	MaxArgSBx = MaxArgBx >> 1

	// RK encoding: high bit of an 8-bit B/C operand selects constants
	BitRK      = 1 << (SizeB - 1)
	MaxIndexRK = BitRK - 1
)

// IsK reports whether an RK operand addresses the constant pool.
func IsK(x int) bool {
	return x&BitRK != 0
}

// IndexK extracts the constant index from an RK operand.
func IndexK(x int) int {
	return x & ^BitRK
}

// RKAsK converts a constant index into an RK operand.
func RKAsK(x int) int {
	return x | BitRK
}

// Create instructions (encoding)

func CreateABC(op OpCode, a, b, c int) Instruction {
	return Instruction(op) |
		Instruction(a)<<PosA |
		Instruction(b)<<PosB |
		Instruction(c)<<PosC
}

func CreateABx(op OpCode, a int, bx int) Instruction {
	return Instruction(op) |
		Instruction(a)<<PosA |
		Instruction(bx)<<PosB
}

func CreateAsBx(op OpCode, a int, sbx int) Instruction {
	return CreateABx(op, a, sbx+MaxArgSBx)
}

func CreateAx(op OpCode, ax int) Instruction {
	return Instruction(op) | Instruction(ax)<<PosA
}

// Extract fields from instruction (decoding)

func (i Instruction) OpCode() OpCode {
	return OpCode(i & MaskOp)
}

func (i Instruction) A() int {
	return int((i >> PosA) & MaskA)
}

func (i Instruction) B() int {
	return int((i >> PosB) & MaskB)
}

func (i Instruction) C() int {
	return int((i >> PosC) & MaskC)
}

func (i Instruction) Bx() int {
	return int((i >> PosB) & MaskBx)
}

func (i Instruction) SBx() int {
	return i.Bx() - MaxArgSBx
}

func (i Instruction) Ax() int {
	return int((i >> PosA) & MaskAx)
}
