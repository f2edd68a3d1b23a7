package bytecode

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Chunk serialization
// ===================
//
// A dumped chunk is a header followed by one recursively-encoded
// prototype record. All multi-byte fields are little-endian. Strings
// are a uvarint holding the length plus one (0 = absent) followed by
// the bytes. Stripping
// omits the source name, line info, and upvalue names.

const (
	dumpVersion = 1
	dumpFormat  = 0
)

var (
	// Signature starts with ESC so text chunks can never collide.
	Signature = []byte("\x1bTala")

	// Tail bytes catch transmission mangling of line endings.
	dumpTail = []byte("\x19\x93\r\n\x1a\n")

	dumpIntCheck   = int64(0x5678)
	dumpFloatCheck = float64(370.5)
)

// ErrBadChunk is wrapped by Undump for any malformed input.
var ErrBadChunk = errors.New("bad binary chunk")

// IsChunk reports whether data begins with the chunk signature.
func IsChunk(data []byte) bool {
	if len(data) < len(Signature) {
		return false
	}
	for i, b := range Signature {
		if data[i] != b {
			return false
		}
	}
	return true
}

type dumper struct {
	w     *bufio.Writer
	strip bool
	err   error
}

// Dump serializes a prototype to w. With strip set, debug information
// (source name, line info, upvalue names) is omitted.
func Dump(w io.Writer, p *Prototype, strip bool) error {
	d := &dumper{w: bufio.NewWriter(w), strip: strip}
	d.bytes(Signature)
	d.byte(dumpVersion)
	d.byte(dumpFormat)
	d.bytes(dumpTail)
	d.byte(4) // instruction size
	d.byte(8) // integer size
	d.byte(8) // float size
	d.i64(dumpIntCheck)
	d.f64(dumpFloatCheck)
	d.proto(p)
	if d.err != nil {
		return d.err
	}
	return d.w.Flush()
}

func (d *dumper) byte(b byte) {
	if d.err == nil {
		d.err = d.w.WriteByte(b)
	}
}

func (d *dumper) bytes(b []byte) {
	if d.err == nil {
		_, d.err = d.w.Write(b)
	}
}

func (d *dumper) u32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	d.bytes(buf[:])
}

func (d *dumper) i64(v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	d.bytes(buf[:])
}

func (d *dumper) f64(v float64) {
	d.i64(int64(math.Float64bits(v)))
}

func (d *dumper) str(s string) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s))+1)
	d.bytes(buf[:n])
	if d.err == nil {
		_, d.err = d.w.WriteString(s)
	}
}

func (d *dumper) noStr() {
	d.byte(0)
}

func (d *dumper) proto(p *Prototype) {
	if d.strip {
		d.noStr()
	} else {
		d.str(p.Source)
	}
	d.u32(uint32(p.LineDefined))
	d.u32(uint32(p.LastLineDefined))
	d.byte(p.NumParams)
	if p.IsVararg {
		d.byte(1)
	} else {
		d.byte(0)
	}
	d.byte(p.MaxStackSize)

	d.u32(uint32(len(p.Code)))
	for _, inst := range p.Code {
		d.u32(uint32(inst))
	}

	d.u32(uint32(len(p.K)))
	for _, k := range p.K {
		d.byte(byte(k.Kind))
		switch k.Kind {
		case ConstNil:
		case ConstBool:
			if k.B {
				d.byte(1)
			} else {
				d.byte(0)
			}
		case ConstInt:
			d.i64(k.I)
		case ConstFloat:
			d.f64(k.F)
		case ConstString:
			d.str(k.S)
		}
	}

	d.u32(uint32(len(p.Upvals)))
	for _, uv := range p.Upvals {
		if uv.InStack {
			d.byte(1)
		} else {
			d.byte(0)
		}
		d.byte(uv.Index)
		d.byte(byte(uv.Type))
	}

	d.u32(uint32(len(p.Protos)))
	for _, sub := range p.Protos {
		d.proto(sub)
	}

	// Debug section
	if d.strip {
		d.u32(0)
		d.u32(0)
	} else {
		d.u32(uint32(len(p.LineInfo)))
		for _, ln := range p.LineInfo {
			d.u32(uint32(ln))
		}
		d.u32(uint32(len(p.Upvals)))
		for _, uv := range p.Upvals {
			d.str(uv.Name)
		}
	}
}

type loader struct {
	r *bufio.Reader
}

// Undump reads a dumped chunk back into a prototype.
func Undump(r io.Reader) (*Prototype, error) {
	l := &loader{r: bufio.NewReader(r)}
	sig := make([]byte, len(Signature))
	if _, err := io.ReadFull(l.r, sig); err != nil {
		return nil, errors.Wrap(ErrBadChunk, "truncated signature")
	}
	for i, b := range Signature {
		if sig[i] != b {
			return nil, errors.Wrap(ErrBadChunk, "bad signature")
		}
	}
	version, err := l.r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrBadChunk, err.Error())
	}
	if version != dumpVersion {
		return nil, errors.Wrapf(ErrBadChunk, "version mismatch: have %d, want %d", version, dumpVersion)
	}
	format, err := l.r.ReadByte()
	if err != nil || format != dumpFormat {
		return nil, errors.Wrap(ErrBadChunk, "format mismatch")
	}
	tail := make([]byte, len(dumpTail))
	if _, err := io.ReadFull(l.r, tail); err != nil {
		return nil, errors.Wrap(ErrBadChunk, "truncated header")
	}
	for i, b := range dumpTail {
		if tail[i] != b {
			return nil, errors.Wrap(ErrBadChunk, "corrupted chunk")
		}
	}
	for _, want := range []byte{4, 8, 8} {
		b, err := l.r.ReadByte()
		if err != nil || b != want {
			return nil, errors.Wrap(ErrBadChunk, "size mismatch")
		}
	}
	ic, err := l.i64()
	if err != nil || ic != dumpIntCheck {
		return nil, errors.Wrap(ErrBadChunk, "integer format mismatch")
	}
	fc, err := l.f64()
	if err != nil || fc != dumpFloatCheck {
		return nil, errors.Wrap(ErrBadChunk, "float format mismatch")
	}
	p, err := l.proto()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (l *loader) u32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(l.r, buf[:]); err != nil {
		return 0, errors.Wrap(ErrBadChunk, "truncated chunk")
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (l *loader) i64() (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(l.r, buf[:]); err != nil {
		return 0, errors.Wrap(ErrBadChunk, "truncated chunk")
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (l *loader) f64() (float64, error) {
	bits, err := l.i64()
	return math.Float64frombits(uint64(bits)), err
}

func (l *loader) str() (string, error) {
	n, err := binary.ReadUvarint(l.r)
	if err != nil {
		return "", errors.Wrap(ErrBadChunk, "truncated string")
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n-1)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return "", errors.Wrap(ErrBadChunk, "truncated string")
	}
	return string(buf), nil
}

const maxChunkCount = 1 << 26 // sanity bound on any serialized count

func (l *loader) count() (int, error) {
	n, err := l.u32()
	if err != nil {
		return 0, err
	}
	if n > maxChunkCount {
		return 0, errors.Wrap(ErrBadChunk, "count out of range")
	}
	return int(n), nil
}

func (l *loader) proto() (*Prototype, error) {
	p := &Prototype{}
	var err error
	if p.Source, err = l.str(); err != nil {
		return nil, err
	}
	ld, err := l.u32()
	if err != nil {
		return nil, err
	}
	p.LineDefined = int32(ld)
	lld, err := l.u32()
	if err != nil {
		return nil, err
	}
	p.LastLineDefined = int32(lld)
	hdr := make([]byte, 3)
	if _, err := io.ReadFull(l.r, hdr); err != nil {
		return nil, errors.Wrap(ErrBadChunk, "truncated prototype")
	}
	p.NumParams = hdr[0]
	p.IsVararg = hdr[1] != 0
	p.MaxStackSize = hdr[2]

	ncode, err := l.count()
	if err != nil {
		return nil, err
	}
	p.Code = make([]Instruction, ncode)
	for i := range p.Code {
		w, err := l.u32()
		if err != nil {
			return nil, err
		}
		p.Code[i] = Instruction(w)
	}

	nk, err := l.count()
	if err != nil {
		return nil, err
	}
	p.K = make([]Const, nk)
	for i := range p.K {
		kind, err := l.r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(ErrBadChunk, "truncated constant")
		}
		k := Const{Kind: ConstKind(kind)}
		switch k.Kind {
		case ConstNil:
		case ConstBool:
			b, err := l.r.ReadByte()
			if err != nil {
				return nil, errors.Wrap(ErrBadChunk, "truncated constant")
			}
			k.B = b != 0
		case ConstInt:
			if k.I, err = l.i64(); err != nil {
				return nil, err
			}
		case ConstFloat:
			if k.F, err = l.f64(); err != nil {
				return nil, err
			}
		case ConstString:
			if k.S, err = l.str(); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Wrapf(ErrBadChunk, "unknown constant kind %d", kind)
		}
		p.K[i] = k
	}

	nup, err := l.count()
	if err != nil {
		return nil, err
	}
	p.Upvals = make([]UpvalDesc, nup)
	for i := range p.Upvals {
		buf := make([]byte, 3)
		if _, err := io.ReadFull(l.r, buf); err != nil {
			return nil, errors.Wrap(ErrBadChunk, "truncated upvalue")
		}
		p.Upvals[i] = UpvalDesc{InStack: buf[0] != 0, Index: buf[1], Type: TypeTag(buf[2])}
	}

	nsub, err := l.count()
	if err != nil {
		return nil, err
	}
	p.Protos = make([]*Prototype, nsub)
	for i := range p.Protos {
		if p.Protos[i], err = l.proto(); err != nil {
			return nil, err
		}
	}

	nlines, err := l.count()
	if err != nil {
		return nil, err
	}
	p.LineInfo = make([]int32, nlines)
	for i := range p.LineInfo {
		ln, err := l.u32()
		if err != nil {
			return nil, err
		}
		p.LineInfo[i] = int32(ln)
	}
	nnames, err := l.count()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nnames; i++ {
		name, err := l.str()
		if err != nil {
			return nil, err
		}
		if i < len(p.Upvals) {
			p.Upvals[i].Name = name
		}
	}
	return p, nil
}
