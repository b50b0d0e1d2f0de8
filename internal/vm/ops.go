package vm

import (
	"fmt"

	"github.com/moonquakes/moonquakes/internal/luart"
)

// coerceNumber applies the "coercible to number" rule arithmetic and
// bitwise operators use, per spec §4.1: numbers pass through, numeric
// strings parse.
func coerceNumber(v luart.Value) (luart.Value, bool) {
	if v.IsNumber() {
		return v, true
	}
	if v.IsString() {
		return v.ToNumber()
	}
	return luart.Nil, false
}

type arithFn func(a, b luart.Value) (luart.Value, bool)

// arith runs one of arith.go's primitive ops with string coercion and
// metamethod fallback, per spec §4.1/§5.
func arith(rt *luart.Runtime, th *luart.Thread, a, b luart.Value, fn arithFn, mm *luart.LuaString, zeroDivOp string) (luart.Value, error) {
	an, aok := coerceNumber(a)
	bn, bok := coerceNumber(b)
	if aok && bok {
		v, ok := fn(an, bn)
		if ok {
			if v.IsNil() && zeroDivOp != "" {
				return luart.Nil, runtimeErr(th, "attempt to perform '%s'", zeroDivOp)
			}
			return v, nil
		}
	}
	if v, err, handled := tryBinMeta(rt, th, a, b, mm); handled {
		return v, err
	}
	bad := a
	if aok {
		bad = b
	}
	return luart.Nil, runtimeErr(th, "attempt to perform arithmetic on a %s value", bad.TypeName())
}

type bitwiseFn func(a, b luart.Value) (luart.Value, bool, bool)

func bitwise(rt *luart.Runtime, th *luart.Thread, a, b luart.Value, fn bitwiseFn, mm *luart.LuaString) (luart.Value, error) {
	an, aok := coerceNumber(a)
	bn, bok := coerceNumber(b)
	if aok && bok {
		v, ok, badRepr := fn(an, bn)
		if ok {
			return v, nil
		}
		if badRepr {
			return luart.Nil, runtimeErr(th, "number has no integer representation")
		}
	}
	if v, err, handled := tryBinMeta(rt, th, a, b, mm); handled {
		return v, err
	}
	bad := a
	if aok {
		bad = b
	}
	return luart.Nil, runtimeErr(th, "attempt to perform bitwise operation on a %s value", bad.TypeName())
}

// tryBinMeta chases a binary metamethod on a, then b, per spec §5
// ("Lua tries the first operand, then the second").
func tryBinMeta(rt *luart.Runtime, th *luart.Thread, a, b luart.Value, mm *luart.LuaString) (luart.Value, error, bool) {
	h := rt.Metamethod(a, mm)
	if h.IsNil() {
		h = rt.Metamethod(b, mm)
	}
	if h.IsNil() {
		return luart.Nil, nil, false
	}
	res, err := Call(rt, th, h, []luart.Value{a, b})
	return first(res), err, true
}

func unmOp(rt *luart.Runtime, th *luart.Thread, a luart.Value) (luart.Value, error) {
	an, aok := coerceNumber(a)
	if aok {
		if v, ok := luart.Unm(an); ok {
			return v, nil
		}
	}
	if h := rt.Metamethod(a, rt.Meta.Unm); !h.IsNil() {
		res, err := Call(rt, th, h, []luart.Value{a, a})
		return first(res), err
	}
	return luart.Nil, runtimeErr(th, "attempt to perform arithmetic on a %s value", a.TypeName())
}

func bnotOp(rt *luart.Runtime, th *luart.Thread, a luart.Value) (luart.Value, error) {
	an, aok := coerceNumber(a)
	if aok {
		if v, ok, badRepr := luart.BNot(an); ok {
			return v, nil
		} else if badRepr {
			return luart.Nil, runtimeErr(th, "number has no integer representation")
		}
	}
	if h := rt.Metamethod(a, rt.Meta.Bnot); !h.IsNil() {
		res, err := Call(rt, th, h, []luart.Value{a, a})
		return first(res), err
	}
	return luart.Nil, runtimeErr(th, "attempt to perform bitwise operation on a %s value", a.TypeName())
}

// lenOp implements OP_LEN: raw length for strings/tables unless a
// __len metamethod overrides it, per spec §4.1/§5.
func lenOp(rt *luart.Runtime, th *luart.Thread, a luart.Value) (luart.Value, error) {
	if h := rt.Metamethod(a, rt.Meta.Len); !h.IsNil() {
		res, err := Call(rt, th, h, []luart.Value{a})
		return first(res), err
	}
	switch {
	case a.IsString():
		return luart.Int(int64(a.AsString().Len())), nil
	case a.IsTable():
		return luart.Int(a.AsTable().Len()), nil
	}
	return luart.Nil, runtimeErr(th, "attempt to get length of a %s value", a.TypeName())
}

// concatOp implements OP_CONCAT: numbers/strings concatenate
// structurally, anything else falls to __concat, per spec §4.1/§5.
func concatOp(rt *luart.Runtime, th *luart.Thread, a, b luart.Value) (luart.Value, error) {
	if (a.IsString() || a.IsNumber()) && (b.IsString() || b.IsNumber()) {
		s := a.ToStringValue() + b.ToStringValue()
		return luart.FromString(rt.Heap.NewString(s)), nil
	}
	if v, err, handled := tryBinMeta(rt, th, a, b, rt.Meta.Concat); handled {
		return v, err
	}
	bad := a
	if a.IsString() || a.IsNumber() {
		bad = b
	}
	return luart.Nil, runtimeErr(th, "attempt to concatenate a %s value", bad.TypeName())
}

// ToDisplayString renders v the way print()/tostring() do: via
// __tostring when the value's metatable defines one, else the plain
// structural rendering in Value.ToStringValue, per spec §4.10.
func ToDisplayString(rt *luart.Runtime, th *luart.Thread, v luart.Value) (string, error) {
	if h := rt.Metamethod(v, rt.Meta.ToString); !h.IsNil() {
		res, err := Call(rt, th, h, []luart.Value{v})
		if err != nil {
			return "", err
		}
		r := first(res)
		if !r.IsString() {
			return "", runtimeErr(th, "'__tostring' must return a string")
		}
		return r.Str(), nil
	}
	if mt := rt.Metatable(v); mt != nil && v.Tag() == luart.TagUserdata {
		if name := mt.GetStr("__name"); name.IsString() {
			return fmt.Sprintf("%s: %p", name.Str(), v.AsUserdata()), nil
		}
	}
	return v.ToStringValue(), nil
}

// eqOp implements OP_EQ: raw equality, falling to __eq only when both
// operands are tables or both are userdata and raw-unequal, per spec
// §5 ("__eq is consulted only when both operands share the same
// primitive type and raw equality fails").
func eqOp(rt *luart.Runtime, th *luart.Thread, a, b luart.Value) (bool, error) {
	if luart.RawEqual(a, b) {
		return true, nil
	}
	if (a.IsTable() && b.IsTable()) || (a.Tag() == luart.TagUserdata && b.Tag() == luart.TagUserdata) {
		h := rt.Metamethod(a, rt.Meta.Eq)
		if h.IsNil() {
			h = rt.Metamethod(b, rt.Meta.Eq)
		}
		if !h.IsNil() {
			res, err := Call(rt, th, h, []luart.Value{a, b})
			if err != nil {
				return false, err
			}
			return first(res).Truthy(), nil
		}
	}
	return false, nil
}

// ltOp/leOp implement OP_LT/OP_LE: numeric/string ordering, falling to
// __lt/__le for anything else, per spec §4.1/§5.
func ltOp(rt *luart.Runtime, th *luart.Thread, a, b luart.Value) (bool, error) {
	if r, ok := luart.Less(a, b); ok {
		return r, nil
	}
	if v, err, handled := tryBinMeta(rt, th, a, b, rt.Meta.Lt); handled {
		if err != nil {
			return false, err
		}
		return v.Truthy(), nil
	}
	return false, runtimeErr(th, "attempt to compare two %s values", a.TypeName())
}

func leOp(rt *luart.Runtime, th *luart.Thread, a, b luart.Value) (bool, error) {
	if r, ok := luart.LessEqual(a, b); ok {
		return r, nil
	}
	if v, err, handled := tryBinMeta(rt, th, a, b, rt.Meta.Le); handled {
		if err != nil {
			return false, err
		}
		return v.Truthy(), nil
	}
	return false, runtimeErr(th, "attempt to compare two %s values", a.TypeName())
}
