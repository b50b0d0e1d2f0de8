package luart

import "math"

// The primitive arithmetic/bitwise operations of spec §4.1: "mixed —
// if either operand is float the result is float; integer arithmetic
// wraps modulo 2^64; division (/) always produces float;
// floor-division (//) and modulo (%) follow Lua's floor semantics...
// exponentiation always floats; bitwise ops require integer
// operands."
//
// Each returns ok=false when the operands aren't both numbers (or,
// for bitwise ops, not integer-representable), signalling the VM to
// fall back to the corresponding metamethod per spec §4.7.

func arithBinary(a, b Value, intOp func(int64, int64) int64, floatOp func(float64, float64) float64) (Value, bool) {
	if a.tag == TagInt && b.tag == TagInt {
		return Int(intOp(a.i, b.i)), true
	}
	af, aok := a.ToFloat()
	bf, bok := b.ToFloat()
	if !aok || !bok {
		return Nil, false
	}
	return Float(floatOp(af, bf)), true
}

func Add(a, b Value) (Value, bool) {
	return arithBinary(a, b, func(x, y int64) int64 { return x + y }, func(x, y float64) float64 { return x + y })
}

func Sub(a, b Value) (Value, bool) {
	return arithBinary(a, b, func(x, y int64) int64 { return x - y }, func(x, y float64) float64 { return x - y })
}

func Mul(a, b Value) (Value, bool) {
	return arithBinary(a, b, func(x, y int64) int64 { return x * y }, func(x, y float64) float64 { return x * y })
}

// Div always produces a float, per spec §4.1.
func Div(a, b Value) (Value, bool) {
	af, aok := a.ToFloat()
	bf, bok := b.ToFloat()
	if !aok || !bok {
		return Nil, false
	}
	return Float(af / bf), true
}

// Pow always produces a float, per spec §4.1.
func Pow(a, b Value) (Value, bool) {
	af, aok := a.ToFloat()
	bf, bok := b.ToFloat()
	if !aok || !bok {
		return Nil, false
	}
	return Float(math.Pow(af, bf)), true
}

// IDiv is floor-division, floor(a/b), integer when both operands are
// integers.
func IDiv(a, b Value) (Value, bool) {
	if a.tag == TagInt && b.tag == TagInt {
		if b.i == 0 {
			return Nil, true // caller raises "attempt to perform 'n//0'"
		}
		q := a.i / b.i
		if (a.i%b.i != 0) && ((a.i < 0) != (b.i < 0)) {
			q--
		}
		return Int(q), true
	}
	af, aok := a.ToFloat()
	bf, bok := b.ToFloat()
	if !aok || !bok {
		return Nil, false
	}
	return Float(math.Floor(af / bf)), true
}

// Mod follows Lua's floor-modulo: sign(a%b) == sign(b), per spec
// §4.1 and the congruence property in spec §8.1.
func Mod(a, b Value) (Value, bool) {
	if a.tag == TagInt && b.tag == TagInt {
		if b.i == 0 {
			return Nil, true // caller raises "attempt to perform 'n%%0'"
		}
		r := a.i % b.i
		if r != 0 && (r < 0) != (b.i < 0) {
			r += b.i
		}
		return Int(r), true
	}
	af, aok := a.ToFloat()
	bf, bok := b.ToFloat()
	if !aok || !bok {
		return Nil, false
	}
	if math.IsInf(bf, 0) {
		if (af < 0) == (bf < 0) || af == 0 {
			return Float(af), true
		}
		return Float(bf), true
	}
	r := math.Mod(af, bf)
	if r != 0 && (r < 0) != (bf < 0) {
		r += bf
	}
	return Float(r), true
}

func Unm(a Value) (Value, bool) {
	switch a.tag {
	case TagInt:
		return Int(-a.i), true
	case TagFloat:
		return Float(-a.f), true
	}
	return Nil, false
}

// toIntStrict implements spec §4.1's bitwise contract: "floats with
// integer value are accepted, others raise 'number has no integer
// representation'."
func toIntStrict(v Value) (int64, bool) {
	return v.ToInt()
}

func bitwiseBinary(a, b Value, op func(uint64, uint64) uint64) (Value, bool, bool) {
	ai, aok := toIntStrict(a)
	bi, bok := toIntStrict(b)
	if !aok || !bok {
		if a.IsNumber() && b.IsNumber() {
			return Nil, false, true // operands numeric but not integer-representable
		}
		return Nil, false, false
	}
	return Int(int64(op(uint64(ai), uint64(bi)))), true, false
}

func BAnd(a, b Value) (Value, bool, bool) {
	return bitwiseBinary(a, b, func(x, y uint64) uint64 { return x & y })
}
func BOr(a, b Value) (Value, bool, bool) {
	return bitwiseBinary(a, b, func(x, y uint64) uint64 { return x | y })
}
func BXor(a, b Value) (Value, bool, bool) {
	return bitwiseBinary(a, b, func(x, y uint64) uint64 { return x ^ y })
}

func Shl(a, b Value) (Value, bool, bool) {
	ai, aok := toIntStrict(a)
	bi, bok := toIntStrict(b)
	if !aok || !bok {
		if a.IsNumber() && b.IsNumber() {
			return Nil, false, true
		}
		return Nil, false, false
	}
	return Int(shiftLeft(ai, bi)), true, false
}

func Shr(a, b Value) (Value, bool, bool) {
	ai, aok := toIntStrict(a)
	bi, bok := toIntStrict(b)
	if !aok || !bok {
		if a.IsNumber() && b.IsNumber() {
			return Nil, false, true
		}
		return Nil, false, false
	}
	return Int(shiftLeft(ai, -bi)), true, false
}

// shiftLeft matches Lua's semantics: shifts by >=64 in either
// direction yield 0, and a negative count shifts the other way.
func shiftLeft(x, n int64) int64 {
	if n <= -64 || n >= 64 {
		return 0
	}
	if n >= 0 {
		return int64(uint64(x) << uint(n))
	}
	return int64(uint64(x) >> uint(-n))
}

func BNot(a Value) (Value, bool, bool) {
	ai, ok := toIntStrict(a)
	if !ok {
		if a.IsNumber() {
			return Nil, false, true
		}
		return Nil, false, false
	}
	return Int(^ai), true, false
}
