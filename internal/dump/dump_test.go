package dump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonquakes/moonquakes/internal/luart"
)

func sampleProto() *luart.Prototype {
	return &luart.Prototype{
		Source:      "test.lua",
		LineDefined: 1,
		NumParams:   1,
		IsVararg:    false,
		MaxStack:    3,
		Code: []luart.Instruction{
			{Op: luart.OpLoadNil, A: 0, Line: 1},
			{Op: luart.OpReturn, A: 0, B: 1, Line: 2},
		},
		Constants: []luart.Value{
			luart.Nil,
			luart.Bool(true),
			luart.Int(42),
			luart.Float(3.5),
		},
		Upvalues: []luart.UpvalueDesc{
			{IsLocal: true, Index: 0, Name: "_ENV"},
		},
		LocalNames: []string{"x"},
	}
}

// string.dump's round-trip property: Encode then Decode reconstructs
// an equivalent prototype tree, per spec §8 testable property 7.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	heap := luart.NewHeap()
	p := sampleProto()
	p.Protos = []*luart.Prototype{sampleProto()}

	encoded := Encode(p)
	require.True(t, len(encoded) > len(Magic))

	got, err := Decode(encoded, heap)
	require.NoError(t, err)

	assert.Equal(t, p.Source, got.Source)
	assert.Equal(t, p.LineDefined, got.LineDefined)
	assert.Equal(t, p.NumParams, got.NumParams)
	assert.Equal(t, p.IsVararg, got.IsVararg)
	assert.Equal(t, p.MaxStack, got.MaxStack)
	assert.Equal(t, p.Code, got.Code)
	require.Len(t, got.Constants, len(p.Constants))
	for i, k := range p.Constants {
		assert.True(t, luart.RawEqual(k, got.Constants[i]), "constant %d mismatch", i)
	}
	require.Len(t, got.Protos, 1)
	assert.Equal(t, p.Source, got.Protos[0].Source)
	assert.Equal(t, p.Upvalues, got.Upvalues)
	assert.Equal(t, p.LocalNames, got.LocalNames)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	heap := luart.NewHeap()
	_, err := Decode([]byte{0, 0, 0, 0}, heap)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	heap := luart.NewHeap()
	encoded := Encode(sampleProto())
	_, err := Decode(encoded[:len(encoded)-5], heap)
	assert.Error(t, err)
}
