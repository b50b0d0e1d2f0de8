// Package dump implements string.dump/load's binary persistence
// contract from spec §6: "string.dump produces a byte-exact binary
// prototype; load on the same bytes reconstructs an equivalent
// Closure with upvalues initialized to nil." The payload encoding is
// implementation-defined per spec §9's Open Question — only the 4-byte
// magic prefix is mandated, so a sniffing embedder can tell a dumped
// chunk from Lua source text without attempting to parse it.
//
// Grounded in the teacher's bytecode.go encode/decode pair for its own
// (never-finished) "compiled module cache" format: a flat op/operand
// struct walked field-by-field into a byte buffer, generalized here to
// cover the full Prototype tree (nested protos, upvalue descriptors,
// constants) that spec §3 requires a round trip to preserve.
package dump

import (
	"fmt"
	"math"

	"github.com/moonquakes/moonquakes/internal/luart"
)

// Magic is the mandatory 4-byte sniffing prefix of spec §6: "ESC +
// three ASCII bytes". We reuse the reference implementation's own
// "\x1bLua" choice since any 4 bytes satisfy the contract and this one
// is already well known to tooling that sniffs Lua bytecode.
var Magic = [4]byte{0x1b, 'L', 'u', 'a'}

// formatVersion distinguishes this package's own payload layout from
// any future revision; unrelated to the reference C implementation's
// bytecode version byte.
const formatVersion = 1

const (
	constNil = iota
	constBool
	constInt
	constFloat
	constString
)

// Encode serializes proto (and, transitively, every prototype it
// nests) into a self-contained byte string, per spec §6 string.dump.
func Encode(proto *luart.Prototype) []byte {
	w := &writer{}
	w.bytes(Magic[:])
	w.u8(formatVersion)
	encodeProto(w, proto)
	return w.buf
}

// Decode reconstructs a Prototype tree from bytes produced by Encode,
// allocating interned constant strings through heap. It does not
// itself build upvalue cells — per spec §6, a loaded closure's
// upvalues start nil; the caller (stdlib `load`) wraps the returned
// Prototype in a fresh Closure.
func Decode(data []byte, heap *luart.Heap) (*luart.Prototype, error) {
	r := &reader{buf: data}
	var magic [4]byte
	if !r.bytes(magic[:]) || magic != Magic {
		return nil, fmt.Errorf("dump: bad header")
	}
	ver, ok := r.u8()
	if !ok || ver != formatVersion {
		return nil, fmt.Errorf("dump: unsupported format version")
	}
	proto, err := decodeProto(r, heap)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return proto, nil
}

func encodeProto(w *writer, p *luart.Prototype) {
	w.str(p.Source)
	w.i32(int32(p.LineDefined))
	w.u8(p.NumParams)
	w.boolean(p.IsVararg)
	w.u8(p.MaxStack)

	w.i32(int32(len(p.Code)))
	for _, ins := range p.Code {
		w.u8(uint8(ins.Op))
		w.i32(ins.A)
		w.i32(ins.B)
		w.i32(ins.C)
		w.i32(ins.Bx)
		w.i32(ins.SBx)
		w.i32(int32(ins.Line))
	}

	w.i32(int32(len(p.Constants)))
	for _, k := range p.Constants {
		encodeConstant(w, k)
	}

	w.i32(int32(len(p.Protos)))
	for _, child := range p.Protos {
		encodeProto(w, child)
	}

	w.i32(int32(len(p.Upvalues)))
	for _, ud := range p.Upvalues {
		w.boolean(ud.IsLocal)
		w.u8(ud.Index)
		w.str(ud.Name)
	}

	w.i32(int32(len(p.LocalNames)))
	for _, n := range p.LocalNames {
		w.str(n)
	}
}

func decodeProto(r *reader, heap *luart.Heap) (*luart.Prototype, error) {
	p := &luart.Prototype{}
	p.Source = r.str()
	p.LineDefined = int(r.i32())
	p.NumParams, _ = r.u8()
	p.IsVararg = r.boolean()
	p.MaxStack, _ = r.u8()

	nCode := int(r.i32())
	p.Code = make([]luart.Instruction, nCode)
	for i := range p.Code {
		op, _ := r.u8()
		p.Code[i] = luart.Instruction{
			Op:   luart.OpCode(op),
			A:    r.i32(),
			B:    r.i32(),
			C:    r.i32(),
			Bx:   r.i32(),
			SBx:  r.i32(),
			Line: int(r.i32()),
		}
	}

	nConst := int(r.i32())
	p.Constants = make([]luart.Value, nConst)
	for i := range p.Constants {
		v, err := decodeConstant(r, heap)
		if err != nil {
			return nil, err
		}
		p.Constants[i] = v
	}

	nProtos := int(r.i32())
	p.Protos = make([]*luart.Prototype, nProtos)
	for i := range p.Protos {
		child, err := decodeProto(r, heap)
		if err != nil {
			return nil, err
		}
		p.Protos[i] = child
	}

	nUp := int(r.i32())
	p.Upvalues = make([]luart.UpvalueDesc, nUp)
	for i := range p.Upvalues {
		isLocal := r.boolean()
		idx, _ := r.u8()
		p.Upvalues[i] = luart.UpvalueDesc{IsLocal: isLocal, Index: idx, Name: r.str()}
	}

	nNames := int(r.i32())
	p.LocalNames = make([]string, nNames)
	for i := range p.LocalNames {
		p.LocalNames[i] = r.str()
	}

	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

func encodeConstant(w *writer, v luart.Value) {
	switch v.Tag() {
	case luart.TagNil:
		w.u8(constNil)
	case luart.TagBool:
		w.u8(constBool)
		w.boolean(v.AsBool())
	case luart.TagInt:
		w.u8(constInt)
		w.i64(v.AsInt())
	case luart.TagFloat:
		w.u8(constFloat)
		w.u64(math.Float64bits(v.AsFloat()))
	case luart.TagString:
		w.u8(constString)
		w.str(v.Str())
	default:
		panic("dump: non-literal constant in prototype")
	}
}

func decodeConstant(r *reader, heap *luart.Heap) (luart.Value, error) {
	tag, ok := r.u8()
	if !ok {
		return luart.Nil, r.err
	}
	switch tag {
	case constNil:
		return luart.Nil, nil
	case constBool:
		return luart.Bool(r.boolean()), nil
	case constInt:
		return luart.Int(r.i64()), nil
	case constFloat:
		return luart.Float(math.Float64frombits(r.u64())), nil
	case constString:
		return luart.FromString(heap.NewString(r.str())), nil
	default:
		return luart.Nil, fmt.Errorf("dump: unknown constant tag %d", tag)
	}
}
