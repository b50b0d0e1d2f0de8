package luart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableArrayGetSet(t *testing.T) {
	tbl := NewTable(4, 0)
	tbl.Set(Int(1), Int(100))
	tbl.Set(Int(2), Int(200))
	assert.Equal(t, Int(100), tbl.Get(Int(1)))
	assert.Equal(t, Int(200), tbl.Get(Int(2)))
	assert.Equal(t, int64(2), tbl.Len())
}

func TestTableNilKeyNeverStores(t *testing.T) {
	tbl := NewTable(0, 0)
	tbl.Set(Nil, Int(1))
	assert.True(t, tbl.Get(Nil).IsNil())
}

func TestTableSetNilRemoves(t *testing.T) {
	tbl := NewTable(0, 4)
	tbl.SetStr("x", Int(1))
	require.Equal(t, Int(1), tbl.GetStr("x"))
	tbl.SetStr("x", Nil)
	assert.True(t, tbl.GetStr("x").IsNil())
}

// migrateFromHash: an integer key set out of array order lands in the
// hash part first, then folds into the array once the hole closes.
func TestTableHashIntegerKeyMigratesToArray(t *testing.T) {
	tbl := NewTable(0, 0)
	tbl.Set(Int(2), Int(20)) // hole beyond array: goes to hash
	assert.Equal(t, int64(0), tbl.Len())
	tbl.Set(Int(1), Int(10)) // closes the hole, should absorb index 2
	assert.Equal(t, int64(2), tbl.Len())
	assert.Equal(t, Int(20), tbl.Get(Int(2)))
}

func TestTableNextTraversesAllEntries(t *testing.T) {
	tbl := NewTable(0, 0)
	tbl.Set(Int(1), Int(1))
	tbl.SetStr("a", Int(2))

	seen := map[string]bool{}
	k := Nil
	for {
		nk, nv, ok := tbl.Next(k)
		require.True(t, ok)
		if nk.IsNil() {
			break
		}
		seen[nk.ToStringValue()+"="+nv.ToStringValue()] = true
		k = nk
	}
	assert.True(t, seen["1=1"])
	assert.True(t, seen["a=2"])
	assert.Len(t, seen, 2)
}

func TestTableLenStopsAtFirstHole(t *testing.T) {
	tbl := NewTable(0, 0)
	tbl.Set(Int(1), Int(1))
	tbl.Set(Int(3), Int(3))
	// a border is any n where t[n] ~= nil and t[n+1] == nil; 1 qualifies.
	assert.Equal(t, int64(1), tbl.Len())
}
