package luart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Exercises the congruence property of spec §8.1: integer and float
// arithmetic agree on integral values.
func TestArithCongruence(t *testing.T) {
	a, b := Int(7), Int(3)
	sum, ok := Add(a, b)
	require.True(t, ok)
	assert.Equal(t, Int(10), sum)

	af, bf := Float(7), Float(3)
	sumf, ok := Add(af, bf)
	require.True(t, ok)
	got, _ := sumf.ToFloat()
	assert.Equal(t, float64(10), got)
}

func TestDivAlwaysFloat(t *testing.T) {
	v, ok := Div(Int(6), Int(3))
	require.True(t, ok)
	assert.True(t, v.IsFloat())
	f, _ := v.ToFloat()
	assert.Equal(t, float64(2), f)
}

func TestIDivFloorsTowardNegativeInfinity(t *testing.T) {
	v, ok := IDiv(Int(-7), Int(2))
	require.True(t, ok)
	assert.Equal(t, Int(-4), v)
}

func TestModFollowsSignOfDivisor(t *testing.T) {
	v, ok := Mod(Int(-5), Int(3))
	require.True(t, ok)
	assert.Equal(t, Int(1), v)
}

func TestModByZeroIsNilSentinel(t *testing.T) {
	v, ok := Mod(Int(5), Int(0))
	require.True(t, ok)
	assert.True(t, v.IsNil())
}

// Equality is reflexive for every representable value (spec §8.1).
func TestRawEqualReflexive(t *testing.T) {
	values := []Value{Nil, Bool(true), Bool(false), Int(0), Int(-1), Float(1.5)}
	for _, v := range values {
		assert.True(t, RawEqual(v, v))
	}
}

func TestRawEqualIntFloatCrossEquality(t *testing.T) {
	assert.True(t, RawEqual(Int(3), Float(3)))
	assert.False(t, RawEqual(Int(3), Float(3.5)))
}

func TestBitwiseRequiresIntegerRepresentable(t *testing.T) {
	_, ok, numeric := BAnd(Float(1.5), Int(1))
	assert.False(t, ok)
	assert.True(t, numeric)

	v, ok, _ := BAnd(Int(6), Int(3))
	assert.True(t, ok)
	assert.Equal(t, Int(2), v)
}

func TestShiftBeyondWidthYieldsZero(t *testing.T) {
	v, ok, _ := Shl(Int(1), Int(64))
	assert.True(t, ok)
	assert.Equal(t, Int(0), v)

	v, ok, _ = Shl(Int(1), Int(-64))
	assert.True(t, ok)
	assert.Equal(t, Int(0), v)
}

func TestParseNumberHexAndFloat(t *testing.T) {
	v, ok := ParseNumber("0x1A")
	require.True(t, ok)
	assert.Equal(t, Int(26), v)

	v, ok = ParseNumber("3.5")
	require.True(t, ok)
	assert.True(t, v.IsFloat())
	f, _ := v.ToFloat()
	assert.Equal(t, 3.5, f)

	_, ok = ParseNumber("not a number")
	assert.False(t, ok)
}

func TestToStringValueFormatsIntegerFloatsWithoutExponent(t *testing.T) {
	assert.Equal(t, "10", Int(10).ToStringValue())
	assert.Equal(t, "10.0", Float(10).ToStringValue())
}
