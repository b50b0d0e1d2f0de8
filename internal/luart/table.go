package luart

// WeakMode records which side(s) of a table's entries are weakly
// held, per spec §3 ("Weak tables additionally carry a weakness
// mode").
type WeakMode uint8

const (
	WeakNone WeakMode = iota
	WeakKeys
	WeakValues
	WeakBoth
)

// Table is the hybrid array/hash table of spec §3: "Hybrid of a dense
// array part (1-indexed) and a hash part keyed by any non-nil/non-NaN
// value." Grounded in the teacher's design-notes §9 ("Tables with both
// array and hash parts... two storage regions sharing a single table
// object; integer keys 1..capacity route to the array").
type Table struct {
	Object
	array []Value // array[0] is t[1]
	hash  map[interface{}]tableEntry
	Meta  *Table
	Weak  WeakMode

	orderCache []interface{} // stable key order for one Next() traversal
}

// tableEntry keeps the original Value key alongside the Go-map key so
// weak-table sweeping can inspect the key's own reachability.
type tableEntry struct {
	key Value
	val Value
}

func NewTable(arrayHint, hashHint int) *Table {
	t := &Table{}
	t.Kind = KindTable
	if arrayHint > 0 {
		t.array = make([]Value, 0, arrayHint)
	}
	if hashHint > 0 {
		t.hash = make(map[interface{}]tableEntry, hashHint)
	}
	return t
}

// Get implements raw table indexing (no metamethods); spec §3
// invariant (a): t[nil] and t[NaN] never store, so lookups for them
// simply report absence.
func (t *Table) Get(key Value) Value {
	if !key.Hashable() {
		return Nil
	}
	if key.tag == TagInt {
		idx := int(key.i)
		if idx >= 1 && idx <= len(t.array) {
			return t.array[idx-1]
		}
	} else if key.tag == TagFloat {
		if i, ok := key.ToInt(); ok {
			if i >= 1 && i <= int64(len(t.array)) {
				return t.array[i-1]
			}
		}
	}
	if t.hash == nil {
		return Nil
	}
	e, ok := t.hash[hashKey(key)]
	if !ok {
		return Nil
	}
	return e.val
}

// GetStr is a convenience accessor used heavily by the stdlib and
// metamethod lookups for string keys.
func (t *Table) GetStr(s string) Value {
	if t.hash == nil {
		return Nil
	}
	e, ok := t.hash[s]
	if !ok {
		return Nil
	}
	return e.val
}

// Set implements raw table assignment. Assigning nil to an existing
// key removes it; assigning to t[nil] or t[NaN] is a no-op store per
// spec invariant (a) (callers that must raise an error for these do so
// before calling Set).
func (t *Table) Set(key, val Value) {
	if !key.Hashable() {
		return
	}
	if idx, ok := arrayIndex(key); ok {
		t.setArray(idx, val)
		return
	}
	if val.IsNil() {
		if t.hash != nil {
			delete(t.hash, hashKey(key))
		}
		return
	}
	if t.hash == nil {
		t.hash = make(map[interface{}]tableEntry)
	}
	t.hash[hashKey(key)] = tableEntry{key: key, val: val}
}

func (t *Table) SetStr(s string, val Value) {
	if val.IsNil() {
		if t.hash != nil {
			delete(t.hash, s)
		}
		return
	}
	if t.hash == nil {
		t.hash = make(map[interface{}]tableEntry)
	}
	t.hash[s] = tableEntry{key: FromString(internScratch(s)), val: val}
}

// internScratch is used only to keep a Value-shaped key around for
// weak-table sweeping of string-keyed entries set via SetStr; the
// Heap is responsible for real interning of strings that flow through
// the lexer/VM.
func internScratch(s string) *LuaString {
	ls := &LuaString{s: s, hash: fnvHash(s)}
	ls.Kind = KindString
	return ls
}

func arrayIndex(key Value) (int, bool) {
	var i int64
	switch key.tag {
	case TagInt:
		i = key.i
	case TagFloat:
		v, ok := key.ToInt()
		if !ok {
			return 0, false
		}
		i = v
	default:
		return 0, false
	}
	if i < 1 || i > 1<<30 {
		return 0, false
	}
	return int(i), true
}

func (t *Table) setArray(idx int, val Value) {
	n := len(t.array)
	switch {
	case idx <= n:
		if val.IsNil() && idx == n {
			t.array = t.array[:n-1]
			// Only the array part shrinks; the hash part is left as is.
			return
		}
		t.array[idx-1] = val
	case idx == n+1:
		if val.IsNil() {
			return
		}
		t.array = append(t.array, val)
		t.migrateFromHash()
	default:
		// Hole beyond the array part: store in the hash side, matching
		// Lua's reference behaviour for sparse integer keys.
		if val.IsNil() {
			if t.hash != nil {
				delete(t.hash, int64(idx))
			}
			return
		}
		if t.hash == nil {
			t.hash = make(map[interface{}]tableEntry)
		}
		t.hash[int64(idx)] = tableEntry{key: Int(int64(idx)), val: val}
	}
}

// migrateFromHash absorbs any hash-part integer keys that now
// contiguously extend the array part. It runs only after the array
// part grows by an append; no other rebalancing between the array and
// hash parts is done, and the hash part's load never triggers a split.
func (t *Table) migrateFromHash() {
	if t.hash == nil {
		return
	}
	for {
		next := int64(len(t.array) + 1)
		e, ok := t.hash[next]
		if !ok {
			return
		}
		t.array = append(t.array, e.val)
		delete(t.hash, next)
	}
}

// Len returns a boundary per spec §3 invariant (b): "any index n
// where t[n] is non-nil and t[n+1] is nil." The dense array part makes
// its own length a natural, O(1) boundary when the hash part doesn't
// continue the sequence.
func (t *Table) Len() int64 {
	n := len(t.array)
	for n > 0 && t.array[n-1].IsNil() {
		n--
	}
	if t.hash != nil {
		// Extend across a run of contiguous hash-stored integers, in
		// case migrateFromHash hasn't folded them in (e.g. after holes
		// were poked and re-filled out of order).
		for {
			if _, ok := t.hash[int64(n+1)]; !ok {
				break
			}
			n++
		}
	}
	return int64(n)
}

// Next implements the `next(t, key)` iteration protocol: array part
// first in index order, then hash part in (unspecified, but stable for
// one non-mutating traversal) map-iteration order.
func (t *Table) Next(key Value) (Value, Value, bool) {
	if key.IsNil() {
		for i, v := range t.array {
			if !v.IsNil() {
				return Int(int64(i + 1)), v, true
			}
		}
		return t.firstHash()
	}
	if idx, ok := arrayIndex(key); ok && idx <= len(t.array) {
		for i := idx; i < len(t.array); i++ {
			if !t.array[i].IsNil() {
				return Int(int64(i + 1)), t.array[i], true
			}
		}
		return t.firstHash()
	}
	// Hash-part traversal walks the key snapshot from hashKeysOrdered,
	// so every call of one traversal that adds no new keys sees the same
	// order, which suffices for next()'s contract of "undefined
	// behaviour if you add new keys during traversal".
	keys := t.hashKeysOrdered()
	hk := hashKey(key)
	for i, k := range keys {
		if k == hk {
			if i+1 < len(keys) {
				nk := keys[i+1]
				e := t.hash[nk]
				return e.key, e.val, true
			}
			return Nil, Nil, true
		}
	}
	return Nil, Nil, false
}

func (t *Table) firstHash() (Value, Value, bool) {
	keys := t.hashKeysOrdered()
	if len(keys) == 0 {
		return Nil, Nil, true
	}
	e := t.hash[keys[0]]
	return e.key, e.val, true
}

// hashKeysOrdered snapshots the hash part's keys in Go map-iteration
// order and reuses that snapshot for as long as the key count is
// unchanged, so repeated Next() calls within one traversal are
// consistent even though Go maps don't guarantee iteration order. The
// keys are not sorted.
func (t *Table) hashKeysOrdered() []interface{} {
	if t.hash == nil {
		return nil
	}
	if t.orderCache != nil && len(t.orderCache) == len(t.hash) {
		return t.orderCache
	}
	keys := make([]interface{}, 0, len(t.hash))
	for k := range t.hash {
		keys = append(keys, k)
	}
	t.orderCache = keys
	return keys
}

func (t *Table) trace(gray []GCObject) []GCObject {
	for _, v := range t.array {
		if v.Obj != nil {
			gray = append(gray, v.Obj)
		}
	}
	if t.hash != nil {
		for _, e := range t.hash {
			if e.key.Obj != nil {
				gray = append(gray, e.key.Obj)
			}
			if e.val.Obj != nil {
				gray = append(gray, e.val.Obj)
			}
		}
	}
	if t.Meta != nil {
		gray = append(gray, t.Meta)
	}
	return gray
}
