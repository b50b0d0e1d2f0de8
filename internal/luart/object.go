package luart

// color is the tri-color mark state from spec §3 ("GC Header").
type color uint8

const (
	white color = iota
	gray
	black
)

// ObjectKind tags the concrete heap type behind a GCObject, mirroring
// the teacher's vmregister.ObjectType enum (value.go) generalized to
// the Lua heap-object set of spec §3.
type ObjectKind uint8

const (
	KindString ObjectKind = iota
	KindTable
	KindClosure
	KindGoFunction
	KindUserdata
	KindThread
	KindUpvalue
)

// Object is the GC header every heap type embeds, per spec §3: "Every
// heap object carries: kind tag, tri-color mark bit ..., a finalized?
// flag, an intrusive next-in-allgc link, and optional next-in-graylist
// link." Grounded in the teacher's Object{Type, Marked, Next}
// (vmregister/value.go:86-90), extended with the gray-list link and
// finalized flag the teacher's header omits.
type Object struct {
	Kind      ObjectKind
	mark      color
	Finalized bool
	allNext   *Object
	grayNext  *Object
}

// GCObject is implemented by every heap-allocated type; it lets the
// Value struct and the GC heap operate on a common header without
// resorting to unsafe pointer casts.
type GCObject interface {
	header() *Object
	// trace appends this object's direct children (for table/closure/
	// thread/userdata; strings have none) onto the given gray list and
	// returns the extended list.
	trace(gray []GCObject) []GCObject
}

func (o *Object) header() *Object { return o }

// trace is the default, no-children implementation; LuaString relies
// on it as-is, while Table/Closure/Thread/Userdata override it.
func (o *Object) trace(gray []GCObject) []GCObject { return gray }
