package stdlib

import (
	"math"
	"math/rand"

	"github.com/moonquakes/moonquakes/internal/luart"
)

// openMath installs the `math` library of spec §4.10, grounded in the
// teacher's createMathFunc generic wrapper (vmregister/stdlib.go),
// generalized to Lua's int/float-preserving semantics instead of
// always boxing a float.
func openMath(rt *luart.Runtime) {
	m := newLib(rt, "math")
	m.SetStr("pi", luart.Float(math.Pi))
	m.SetStr("huge", luart.Float(math.Inf(1)))
	m.SetStr("maxinteger", luart.Int(9223372036854775807))
	m.SetStr("mininteger", luart.Int(-9223372036854775808))

	register(rt, m, "floor", mathFloor)
	register(rt, m, "ceil", mathCeil)
	register(rt, m, "abs", mathAbs)
	register(rt, m, "sqrt", mathUnary(math.Sqrt))
	register(rt, m, "sin", mathUnary(math.Sin))
	register(rt, m, "cos", mathUnary(math.Cos))
	register(rt, m, "tan", mathUnary(math.Tan))
	register(rt, m, "asin", mathUnary(math.Asin))
	register(rt, m, "acos", mathUnary(math.Acos))
	register(rt, m, "atan", mathAtan)
	register(rt, m, "exp", mathUnary(math.Exp))
	register(rt, m, "log", mathLog)
	register(rt, m, "fmod", mathFmod)
	register(rt, m, "modf", mathModf)
	register(rt, m, "max", mathMax)
	register(rt, m, "min", mathMin)
	register(rt, m, "random", mathRandom)
	register(rt, m, "randomseed", mathRandomseed)
	register(rt, m, "tointeger", mathTointeger)
	register(rt, m, "type", mathType)
	register(rt, m, "ult", mathUlt)
}

func mathUnary(fn func(float64) float64) luart.NativeFn {
	return func(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
		f, err := checkNumber(th, args, 0, "math")
		if err != nil {
			return nil, err
		}
		return []luart.Value{luart.Float(fn(f))}, nil
	}
}

func mathFloor(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if v.IsInt() {
		return []luart.Value{v}, nil
	}
	f, err := checkNumber(th, args, 0, "floor")
	if err != nil {
		return nil, err
	}
	return []luart.Value{floatToIntIfExact(math.Floor(f))}, nil
}

func mathCeil(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if v.IsInt() {
		return []luart.Value{v}, nil
	}
	f, err := checkNumber(th, args, 0, "ceil")
	if err != nil {
		return nil, err
	}
	return []luart.Value{floatToIntIfExact(math.Ceil(f))}, nil
}

// floatToIntIfExact mirrors the reference library's floor/ceil
// contract: the result is an integer whenever it's representable as
// one, per spec §4.1's int/float preservation rule.
func floatToIntIfExact(f float64) luart.Value {
	if f >= -9223372036854775808.0 && f < 9223372036854775808.0 {
		return luart.Int(int64(f))
	}
	return luart.Float(f)
}

func mathAbs(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if v.IsInt() {
		n := v.AsInt()
		if n < 0 {
			n = -n
		}
		return []luart.Value{luart.Int(n)}, nil
	}
	f, err := checkNumber(th, args, 0, "abs")
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.Float(math.Abs(f))}, nil
}

func mathAtan(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	y, err := checkNumber(th, args, 0, "atan")
	if err != nil {
		return nil, err
	}
	x := 1.0
	if len(args) >= 2 {
		x, err = checkNumber(th, args, 1, "atan")
		if err != nil {
			return nil, err
		}
	}
	return []luart.Value{luart.Float(math.Atan2(y, x))}, nil
}

func mathLog(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	x, err := checkNumber(th, args, 0, "log")
	if err != nil {
		return nil, err
	}
	if len(args) >= 2 {
		base, err := checkNumber(th, args, 1, "log")
		if err != nil {
			return nil, err
		}
		return []luart.Value{luart.Float(math.Log(x) / math.Log(base))}, nil
	}
	return []luart.Value{luart.Float(math.Log(x))}, nil
}

func mathFmod(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	a, b := arg(args, 0), arg(args, 1)
	if a.IsInt() && b.IsInt() {
		if b.AsInt() == 0 {
			return nil, callErr(th, "bad argument #2 to 'fmod' (zero)")
		}
		return []luart.Value{luart.Int(a.AsInt() % b.AsInt())}, nil
	}
	x, err := checkNumber(th, args, 0, "fmod")
	if err != nil {
		return nil, err
	}
	y, err := checkNumber(th, args, 1, "fmod")
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.Float(math.Mod(x, y))}, nil
}

func mathModf(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	f, err := checkNumber(th, args, 0, "modf")
	if err != nil {
		return nil, err
	}
	ip, fp := math.Modf(f)
	return []luart.Value{luart.Float(ip), luart.Float(fp)}, nil
}

func mathMax(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	if len(args) == 0 {
		return nil, callErr(th, "bad argument #1 to 'max' (value expected)")
	}
	best := args[0]
	for _, v := range args[1:] {
		if r, ok := luart.Less(best, v); ok && r {
			best = v
		}
	}
	return []luart.Value{best}, nil
}

func mathMin(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	if len(args) == 0 {
		return nil, callErr(th, "bad argument #1 to 'min' (value expected)")
	}
	best := args[0]
	for _, v := range args[1:] {
		if r, ok := luart.Less(v, best); ok && r {
			best = v
		}
	}
	return []luart.Value{best}, nil
}

func mathRandom(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	switch len(args) {
	case 0:
		return []luart.Value{luart.Float(rand.Float64())}, nil
	case 1:
		m, err := checkInt(th, args, 0, "random")
		if err != nil {
			return nil, err
		}
		if m < 1 {
			return nil, callErr(th, "bad argument #1 to 'random' (interval is empty)")
		}
		return []luart.Value{luart.Int(1 + rand.Int63n(m))}, nil
	default:
		lo, err := checkInt(th, args, 0, "random")
		if err != nil {
			return nil, err
		}
		hi, err := checkInt(th, args, 1, "random")
		if err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, callErr(th, "bad argument #2 to 'random' (interval is empty)")
		}
		return []luart.Value{luart.Int(lo + rand.Int63n(hi-lo+1))}, nil
	}
}

func mathRandomseed(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	if len(args) > 0 {
		seed, _ := args[0].ToInt()
		rand.Seed(seed)
	}
	return nil, nil
}

func mathTointeger(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if n, ok := v.ToInt(); ok && v.IsNumber() {
		return []luart.Value{luart.Int(n)}, nil
	}
	return []luart.Value{luart.Nil}, nil
}

func mathType(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	switch {
	case v.IsInt():
		return []luart.Value{luart.FromString(rt.Heap.NewString("integer"))}, nil
	case v.IsFloat():
		return []luart.Value{luart.FromString(rt.Heap.NewString("float"))}, nil
	}
	return []luart.Value{luart.Nil}, nil
}

func mathUlt(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	a, err := checkInt(th, args, 0, "ult")
	if err != nil {
		return nil, err
	}
	b, err := checkInt(th, args, 1, "ult")
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.Bool(uint64(a) < uint64(b))}, nil
}
