package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonquakes/moonquakes/internal/luart"
)

func TestCompileSimpleChunk(t *testing.T) {
	heap := luart.NewHeap()
	proto, err := Compile(`
		local x = 1
		local y = 2
		return x + y
	`, "chunk", heap)
	require.NoError(t, err)
	require.NotNil(t, proto)
	assert.True(t, proto.IsVararg)
	require.Len(t, proto.Upvalues, 1)
	assert.Equal(t, "_ENV", proto.Upvalues[0].Name)
	assert.NotEmpty(t, proto.Code)
}

func TestCompileReportsSyntaxError(t *testing.T) {
	heap := luart.NewHeap()
	_, err := Compile(`local x = `, "chunk", heap)
	assert.Error(t, err)
}

func TestCompileNestedFunctionCapturesUpvalue(t *testing.T) {
	heap := luart.NewHeap()
	proto, err := Compile(`
		local function outer()
			local n = 0
			return function()
				n = n + 1
				return n
			end
		end
		return outer()
	`, "chunk", heap)
	require.NoError(t, err)
	require.Len(t, proto.Protos, 1)
	inner := proto.Protos[0].Protos[0]
	require.NotEmpty(t, inner.Upvalues)
}

func TestCompileGoto(t *testing.T) {
	heap := luart.NewHeap()
	_, err := Compile(`
		local i = 0
		::top::
		i = i + 1
		if i < 3 then goto top end
		return i
	`, "chunk", heap)
	require.NoError(t, err)
}
