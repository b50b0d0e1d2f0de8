package compiler

import (
	"github.com/moonquakes/moonquakes/internal/lexer"
	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// localVar is an active local variable binding, tracked per funcState.
type localVar struct {
	name     string
	reg      int
	isConst  bool
	isClose  bool
	captured bool
}

// blockCtx is one lexical block's bookkeeping, grounded in the
// 256lights-zb funcState/blockControl split (other_examples) adapted
// into the teacher's Scope-linked-list idiom
// (internal/compregister.Scope).
type blockCtx struct {
	parent      *blockCtx
	firstLocal  int // index into fs.locals
	isLoop      bool
	loopStart   int // PC of the loop body's first instruction, for `continue`-less back-edges
	breakJumps  []int
	labels      map[string]int // label name -> PC, for goto
	pendingGoto []pendingGoto
}

type pendingGoto struct {
	name string
	pc   int
	line int
}

// funcState is the mutable compile-time state of one function body
// being emitted, grounded in the teacher's compregister.Compiler +
// RegisterAllocator + Scope (internal/compregister/compiler.go),
// generalized with upvalue resolution and to-be-closed tracking that
// Sentra's register compiler doesn't need.
type funcState struct {
	parent *funcState
	p      *Parser

	source      string
	lineDefined int
	numParams   uint8
	isVararg    bool

	code      []luart.Instruction
	constants []luart.Value
	constIdx  map[interface{}]int
	protos    []*luart.Prototype
	upvalues  []luart.UpvalueDesc
	upvalMap  map[string]int

	locals   []localVar
	nactive  int
	freereg  int
	maxstack int

	block *blockCtx
}

func newFuncState(p *Parser, parent *funcState, source string) *funcState {
	return &funcState{
		parent:   parent,
		p:        p,
		source:   source,
		constIdx: make(map[interface{}]int),
		upvalMap: make(map[string]int),
	}
}

func (fs *funcState) enterBlock(isLoop bool) *blockCtx {
	b := &blockCtx{parent: fs.block, firstLocal: len(fs.locals), isLoop: isLoop, labels: make(map[string]int)}
	fs.block = b
	return b
}

// leaveBlock pops the block's locals, emitting CLOSE if any were
// captured as upvalues or marked <close>, per spec §4.6/§5 ("on any
// exit path... the __close metamethod... is invoked in LIFO order").
func (fs *funcState) leaveBlock(line int) {
	b := fs.block
	needClose := false
	for i := b.firstLocal; i < len(fs.locals); i++ {
		if fs.locals[i].captured || fs.locals[i].isClose {
			needClose = true
			break
		}
	}
	baseReg := 0
	if b.firstLocal < len(fs.locals) {
		baseReg = fs.locals[b.firstLocal].reg
	} else {
		baseReg = fs.freereg
	}
	if needClose {
		fs.emit(luart.Instruction{Op: luart.OpClose, A: int32(baseReg), Line: line})
	}
	fs.locals = fs.locals[:b.firstLocal]
	fs.nactive = len(fs.locals)
	fs.freereg = fs.nactive
	if b.parent != nil {
		b.parent.pendingGoto = append(b.parent.pendingGoto, b.pendingGoto...)
	}
	fs.block = b.parent
}

func (fs *funcState) emit(ins luart.Instruction) int {
	fs.code = append(fs.code, ins)
	return len(fs.code) - 1
}

func (fs *funcState) pc() int { return len(fs.code) }

// emitJump appends an unpatched JMP and returns its index for later
// patching via patchJump/patchJumpTo.
func (fs *funcState) emitJump() int {
	return fs.emit(luart.Instruction{Op: luart.OpJmp})
}

// patchJump sets a previously emitted JMP's target to the current pc.
func (fs *funcState) patchJump(at int) {
	fs.patchJumpTo(at, fs.pc())
}

func (fs *funcState) patchJumpTo(at, target int) {
	fs.code[at].SBx = int32(target - at - 1)
}

func (fs *funcState) reserveRegs(n int) int {
	base := fs.freereg
	fs.freereg += n
	if fs.freereg > fs.maxstack {
		fs.maxstack = fs.freereg
	}
	return base
}

func (fs *funcState) allocReg() int { return fs.reserveRegs(1) }

// freeTo releases temporaries back down to the given register, used
// after an expression's result has been consumed.
func (fs *funcState) freeTo(reg int) {
	if reg >= fs.nactive && reg < fs.freereg {
		fs.freereg = reg
	}
}

func (fs *funcState) addConstant(v luart.Value) int {
	key := constKey(v)
	if idx, ok := fs.constIdx[key]; ok {
		return idx
	}
	fs.constants = append(fs.constants, v)
	idx := len(fs.constants) - 1
	fs.constIdx[key] = idx
	return idx
}

func constKey(v luart.Value) interface{} {
	switch v.Tag() {
	case luart.TagString:
		return "s:" + v.Str()
	case luart.TagInt:
		return v.AsInt()
	case luart.TagFloat:
		return v.AsFloat()
	case luart.TagBool:
		return v.AsBool()
	default:
		return v
	}
}

func (fs *funcState) stringConst(s string) int {
	return fs.addConstant(luart.FromString(fs.p.heap.NewString(s)))
}

// declareLocal introduces a new active local bound to the next free
// register, per the spec's single-pass emission model.
func (fs *funcState) declareLocal(name string, isConst, isClose bool) int {
	reg := fs.reserveRegs(1)
	fs.locals = append(fs.locals, localVar{name: name, reg: reg, isConst: isConst, isClose: isClose})
	fs.nactive = len(fs.locals)
	return reg
}

// resolveLocal searches only this function's active locals, innermost
// declaration first.
func (fs *funcState) resolveLocal(name string) (int, bool) {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return i, true
		}
	}
	return 0, false
}

// resolveUpvalue finds name in an enclosing function, creating an
// upvalue descriptor chain through every intermediate function, per
// spec §4.6: "bind to enclosing stack slot N... or enclosing
// closure's upvalue K."
func (fs *funcState) resolveUpvalue(name string) (int, bool) {
	if idx, ok := fs.upvalMap[name]; ok {
		return idx, true
	}
	if fs.parent == nil {
		return 0, false
	}
	if li, ok := fs.parent.resolveLocal(name); ok {
		fs.parent.locals[li].captured = true
		idx := fs.addUpvalue(name, true, uint8(fs.parent.locals[li].reg))
		return idx, true
	}
	if pu, ok := fs.parent.resolveUpvalue(name); ok {
		idx := fs.addUpvalue(name, false, uint8(pu))
		return idx, true
	}
	return 0, false
}

func (fs *funcState) addUpvalue(name string, isLocal bool, index uint8) int {
	fs.upvalues = append(fs.upvalues, luart.UpvalueDesc{IsLocal: isLocal, Index: index, Name: name})
	idx := len(fs.upvalues) - 1
	fs.upvalMap[name] = idx
	return idx
}

// envUpvalue resolves (creating if necessary) the implicit "_ENV"
// upvalue used for global access, per spec §4.5 ("GET_TABUP... for
// _ENV").
func (fs *funcState) envUpvalue() int {
	if idx, ok := fs.resolveUpvalue("_ENV"); ok {
		return idx
	}
	// Reached only for the main chunk, whose _ENV is upvalue 0, wired
	// by the VM when it builds the top-level closure.
	return fs.addUpvalue("_ENV", false, 0)
}

func (fs *funcState) syntaxErr(line int, format string, args ...interface{}) error {
	return luaerr.NewSyntax(fs.source, line, format, args...)
}

// bindLocalAt introduces a local bound to an already-reserved register,
// used by the for-loop forms whose control variables occupy fixed
// positions relative to their hidden counters (spec §4.5's
// FORPREP/FORLOOP/TFORCALL/TFORLOOP contract).
func (fs *funcState) bindLocalAt(name string, reg int, isConst, isClose bool) {
	fs.locals = append(fs.locals, localVar{name: name, reg: reg, isConst: isConst, isClose: isClose})
	fs.nactive = len(fs.locals)
}

// isConstReg reports whether the active local bound to reg carries a
// <const> attribute, per spec §4.6.
func (fs *funcState) isConstReg(reg int) bool {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].reg == reg {
			return fs.locals[i].isConst
		}
	}
	return false
}

// patchCallResultCount rewrites an already-emitted CALL/TAILCALL
// targeting reg to request exactly c-1 results (c==0 meaning "all"),
// used to discard a statement-call's results per the manual.
func (fs *funcState) patchCallResultCount(reg int, c int32) {
	for i := len(fs.code) - 1; i >= 0; i-- {
		ins := &fs.code[i]
		if ins.A == int32(reg) && (ins.Op == luart.OpCall || ins.Op == luart.OpTailCall) {
			ins.C = c
			return
		}
	}
}

// findLabel searches this block and its enclosing blocks for a label,
// used to resolve backward gotos immediately.
func (fs *funcState) findLabel(name string) (int, bool) {
	for b := fs.block; b != nil; b = b.parent {
		if pc, ok := b.labels[name]; ok {
			return pc, true
		}
	}
	return 0, false
}

var _ = lexer.TokEOF // keep lexer import used if funcstate.go is edited standalone
