package capi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonquakes/moonquakes/internal/luart"
)

func run(t *testing.T, src string) []luart.Value {
	t.Helper()
	s := NewState()
	results, status, err := s.DoString(src, "test")
	require.NoError(t, err, "status=%d", status)
	return results
}

// Factorial via global recursion, spec §8's first end-to-end scenario.
func TestFactorialGlobalRecursion(t *testing.T) {
	results := run(t, `
		function fact(n)
			if n <= 1 then return 1 end
			return n * fact(n - 1)
		end
		return fact(10)
	`)
	require.Len(t, results, 1)
	assert.Equal(t, luart.Int(3628800), results[0])
}

// __index metamethod chaining to a prototype table.
func TestIndexMetamethod(t *testing.T) {
	results := run(t, `
		local base = { greet = function(self) return "hi " .. self.name end }
		local mt = { __index = base }
		local obj = setmetatable({ name = "world" }, mt)
		return obj:greet()
	`)
	require.Len(t, results, 1)
	assert.Equal(t, "hi world", results[0].Str())
}

// Coroutine resume/yield as an inverse pair.
func TestCoroutineResumeYield(t *testing.T) {
	results := run(t, `
		local co = coroutine.create(function(a)
			local b = coroutine.yield(a + 1)
			return b + 1
		end)
		local ok1, v1 = coroutine.resume(co, 10)
		local ok2, v2 = coroutine.resume(co, v1)
		return ok1, v1, ok2, v2
	`)
	require.Len(t, results, 4)
	assert.True(t, results[0].AsBool())
	assert.Equal(t, luart.Int(11), results[1])
	assert.True(t, results[2].AsBool())
	assert.Equal(t, luart.Int(12), results[3])
}

// pcall catches a raised error and reports it as a string value.
func TestPcallCatchesError(t *testing.T) {
	results := run(t, `
		local ok, msg = pcall(function() error("boom") end)
		return ok, msg
	`)
	require.Len(t, results, 2)
	assert.False(t, results[0].AsBool())
	assert.Contains(t, results[1].Str(), "boom")
}

func TestFizzBuzz(t *testing.T) {
	results := run(t, `
		local out = {}
		for i = 1, 15 do
			if i % 15 == 0 then
				out[i] = "FizzBuzz"
			elseif i % 3 == 0 then
				out[i] = "Fizz"
			elseif i % 5 == 0 then
				out[i] = "Buzz"
			else
				out[i] = tostring(i)
			end
		end
		return out[3], out[5], out[15], out[7]
	`)
	require.Len(t, results, 4)
	assert.Equal(t, "Fizz", results[0].Str())
	assert.Equal(t, "Buzz", results[1].Str())
	assert.Equal(t, "FizzBuzz", results[2].Str())
	assert.Equal(t, "7", results[3].Str())
}

// <close> variables run __close in reverse declaration order when
// their scope exits, per spec §4.9.
func TestToBeClosedVariable(t *testing.T) {
	results := run(t, `
		local order = {}
		local function tracker(name)
			return setmetatable({}, { __close = function() table.insert(order, name) end })
		end
		do
			local a <close> = tracker("a")
			local b <close> = tracker("b")
		end
		return order[1], order[2]
	`)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].Str())
	assert.Equal(t, "a", results[1].Str())
}

// string.dump / load round trip, spec §8 testable property 7.
func TestStringDumpLoadRoundTrip(t *testing.T) {
	s := NewState()
	_, status, err := s.DoString(`
		local function add(a, b) return a + b end
		bytes = string.dump(add)
		loaded = load(bytes)
		result = loaded(3, 4)
	`, "test")
	require.NoError(t, err, "status=%d", status)

	g := s.Runtime().Globals
	assert.Equal(t, luart.Int(7), g.GetStr("result"))
}

func TestSyntaxErrorReportedAsStatus(t *testing.T) {
	s := NewState()
	_, status, err := s.DoString(`this is not lua (`, "test")
	assert.Error(t, err)
	assert.Equal(t, StatusSyntaxErr, status)
}

func TestStringLibraryPatternMatching(t *testing.T) {
	results := run(t, `
		local s = "hello world"
		local a, b = string.find(s, "wor")
		local word = string.match(s, "%a+$")
		local replaced = string.gsub(s, "o", "0")
		return a, b, word, replaced
	`)
	require.Len(t, results, 4)
	assert.Equal(t, luart.Int(7), results[0])
	assert.Equal(t, luart.Int(9), results[1])
	assert.Equal(t, "world", results[2].Str())
	assert.Equal(t, "hell0 w0rld", results[3].Str())
}

func TestTableSortAndConcat(t *testing.T) {
	results := run(t, `
		local t = { 3, 1, 2 }
		table.sort(t)
		return table.concat(t, ",")
	`)
	require.Len(t, results, 1)
	assert.Equal(t, "1,2,3", results[0].Str())
}
