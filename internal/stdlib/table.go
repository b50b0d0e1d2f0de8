package stdlib

import (
	"sort"
	"strings"

	"github.com/moonquakes/moonquakes/internal/luart"
	"github.com/moonquakes/moonquakes/internal/vm"
)

// openTable installs the `table` library of spec §4.10: insert/remove/
// concat/unpack/sort/pack, grounded in the teacher's array-mutation
// helpers (vmregister/stdlib.go push/pop/remove/insert/reverse),
// generalized onto luart.Table's 1-based array part.
func openTable(rt *luart.Runtime) {
	t := newLib(rt, "table")
	register(rt, t, "insert", tableInsert)
	register(rt, t, "remove", tableRemove)
	register(rt, t, "concat", tableConcat)
	register(rt, t, "unpack", tableUnpack)
	register(rt, t, "sort", tableSort)
	register(rt, t, "pack", tablePack)
}

func tableInsert(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	tbl, err := checkTable(th, args, 0, "insert")
	if err != nil {
		return nil, err
	}
	n := tbl.Len()
	switch len(args) {
	case 2:
		tbl.Set(luart.Int(n+1), args[1])
	case 3:
		pos, err := checkInt(th, args, 1, "insert")
		if err != nil {
			return nil, err
		}
		if pos < 1 || pos > n+1 {
			return nil, callErr(th, "bad argument #2 to 'insert' (position out of bounds)")
		}
		for i := n + 1; i > pos; i-- {
			tbl.Set(luart.Int(i), tbl.Get(luart.Int(i-1)))
		}
		tbl.Set(luart.Int(pos), args[2])
	default:
		return nil, callErr(th, "wrong number of arguments to 'insert'")
	}
	return nil, nil
}

func tableRemove(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	tbl, err := checkTable(th, args, 0, "remove")
	if err != nil {
		return nil, err
	}
	n := tbl.Len()
	pos := n
	if len(args) >= 2 {
		pos, err = checkInt(th, args, 1, "remove")
		if err != nil {
			return nil, err
		}
	}
	if n == 0 {
		return []luart.Value{luart.Nil}, nil
	}
	if pos < 1 || pos > n+1 {
		return nil, callErr(th, "bad argument #2 to 'remove' (position out of bounds)")
	}
	v := tbl.Get(luart.Int(pos))
	for i := pos; i < n; i++ {
		tbl.Set(luart.Int(i), tbl.Get(luart.Int(i+1)))
	}
	tbl.Set(luart.Int(n), luart.Nil)
	return []luart.Value{v}, nil
}

func tableConcat(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	tbl, err := checkTable(th, args, 0, "concat")
	if err != nil {
		return nil, err
	}
	sep := ""
	if len(args) >= 2 && !args[1].IsNil() {
		sep, err = checkString(th, args, 1, "concat")
		if err != nil {
			return nil, err
		}
	}
	i := optInt(args, 2, 1)
	j := optInt(args, 3, tbl.Len())
	var sb strings.Builder
	for k := i; k <= j; k++ {
		v := tbl.Get(luart.Int(k))
		if !v.IsString() && !v.IsNumber() {
			return nil, callErr(th, "invalid value (%s) at index %d in table for 'concat'", v.TypeName(), k)
		}
		sb.WriteString(v.ToStringValue())
		if k < j {
			sb.WriteString(sep)
		}
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(sb.String()))}, nil
}

func tableUnpack(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	tbl, err := checkTable(th, args, 0, "unpack")
	if err != nil {
		return nil, err
	}
	i := optInt(args, 1, 1)
	j := optInt(args, 2, tbl.Len())
	if i > j {
		return nil, nil
	}
	out := make([]luart.Value, 0, j-i+1)
	for k := i; k <= j; k++ {
		out = append(out, tbl.Get(luart.Int(k)))
	}
	return out, nil
}

// tableSort implements table.sort with an optional comparator, per
// spec §4.10. It uses sort.SliceStable, so equal elements keep
// their relative order (the manual allows an unstable sort but does not
// require one), and lets a
// comparator error abort the sort via a captured panic/recover instead
// of threading an error return through the sort.Interface callback.
func tableSort(rt *luart.Runtime, th *luart.Thread, args []luart.Value) (result []luart.Value, err error) {
	tbl, err := checkTable(th, args, 0, "sort")
	if err != nil {
		return nil, err
	}
	n := int(tbl.Len())
	elems := make([]luart.Value, n)
	for i := 0; i < n; i++ {
		elems[i] = tbl.Get(luart.Int(int64(i + 1)))
	}
	var less func(a, b luart.Value) bool
	if len(args) >= 2 && !args[1].IsNil() {
		cmp := args[1]
		less = func(a, b luart.Value) bool {
			res, cerr := vm.Call(rt, th, cmp, []luart.Value{a, b})
			if cerr != nil {
				panic(cerr)
			}
			if len(res) == 0 {
				return false
			}
			return res[0].Truthy()
		}
	} else {
		less = func(a, b luart.Value) bool {
			r, ok := luart.Less(a, b)
			if !ok {
				panic(callErr(th, "attempt to compare two %s values", a.TypeName()))
			}
			return r
		}
	}
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	sort.SliceStable(elems, func(i, j int) bool { return less(elems[i], elems[j]) })
	for i, v := range elems {
		tbl.Set(luart.Int(int64(i+1)), v)
	}
	return nil, nil
}

func tablePack(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t := rt.Heap.NewTable(len(args), 1)
	for i, v := range args {
		t.Set(luart.Int(int64(i+1)), v)
	}
	t.SetStr("n", luart.Int(int64(len(args))))
	return []luart.Value{luart.FromTable(t)}, nil
}
