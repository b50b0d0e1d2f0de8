package vm

import (
	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// maxMetaChain bounds __index/__newindex metamethod chasing, per spec
// §5's metatable chapter ("implementations cap the chain to guard
// against accidental cycles"); real Lua uses the same kind of bound
// (MAXTAGLOOP) rather than iterating forever.
const maxMetaChain = 100

// index implements the GETTABLE/GETFIELD/GETI family's shared
// semantics, per spec §5: raw access first, then the __index chain,
// which may itself be a table (keep indexing) or a callable
// (single-result call with (t, k)).
func index(rt *luart.Runtime, th *luart.Thread, t, key luart.Value) (luart.Value, error) {
	cur := t
	for i := 0; i < maxMetaChain; i++ {
		if cur.IsTable() {
			tbl := cur.AsTable()
			v := tbl.Get(key)
			if !v.IsNil() {
				return v, nil
			}
			mm := rt.Metamethod(cur, rt.Meta.Index)
			if mm.IsNil() {
				return luart.Nil, nil
			}
			if mm.IsFunction() {
				res, err := Call(rt, th, mm, []luart.Value{cur, key})
				if err != nil {
					return luart.Nil, err
				}
				return first(res), nil
			}
			cur = mm
			continue
		}
		mm := rt.Metamethod(cur, rt.Meta.Index)
		if mm.IsNil() {
			return luart.Nil, runtimeErr(th, "attempt to index a %s value", cur.TypeName())
		}
		if mm.IsFunction() {
			res, err := Call(rt, th, mm, []luart.Value{cur, key})
			if err != nil {
				return luart.Nil, err
			}
			return first(res), nil
		}
		cur = mm
	}
	return luart.Nil, runtimeErr(th, "'__index' chain too long; possible loop")
}

// newindex implements SETTABLE/SETFIELD/SETI, per spec §5: raw set if
// the key already exists or the table carries no __newindex, else
// chase the chain (table: keep going; function: call with (t,k,v)).
func newindex(rt *luart.Runtime, th *luart.Thread, t, key, val luart.Value) error {
	cur := t
	for i := 0; i < maxMetaChain; i++ {
		if cur.IsTable() {
			tbl := cur.AsTable()
			if !tbl.Get(key).IsNil() {
				tbl.Set(key, val)
				return nil
			}
			mm := rt.Metamethod(cur, rt.Meta.NewIndex)
			if mm.IsNil() {
				if key.IsNil() {
					return runtimeErr(th, "table index is nil")
				}
				if key.IsFloat() && key.AsFloat() != key.AsFloat() {
					return runtimeErr(th, "table index is NaN")
				}
				tbl.Set(key, val)
				return nil
			}
			if mm.IsFunction() {
				_, err := Call(rt, th, mm, []luart.Value{cur, key, val})
				return err
			}
			cur = mm
			continue
		}
		mm := rt.Metamethod(cur, rt.Meta.NewIndex)
		if mm.IsNil() {
			return runtimeErr(th, "attempt to index a %s value", cur.TypeName())
		}
		if mm.IsFunction() {
			_, err := Call(rt, th, mm, []luart.Value{cur, key, val})
			return err
		}
		cur = mm
	}
	return runtimeErr(th, "'__newindex' chain too long; possible loop")
}

func first(vs []luart.Value) luart.Value {
	if len(vs) == 0 {
		return luart.Nil
	}
	return vs[0]
}

// runtimeErr builds a LuaError tagged with the running thread's
// current source/line, per spec §4.3's error model.
func runtimeErr(th *luart.Thread, format string, args ...interface{}) error {
	source, line := "?", 0
	if n := len(th.Frames); n > 0 {
		f := th.Frames[n-1]
		source = f.Closure.Proto.Source
		if f.PC > 0 && f.PC-1 < len(f.Closure.Proto.Code) {
			line = f.Closure.Proto.Code[f.PC-1].Line
		}
	}
	return luaerr.New(source, line, format, args...)
}
