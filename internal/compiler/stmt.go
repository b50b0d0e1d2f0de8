package compiler

import (
	"github.com/moonquakes/moonquakes/internal/lexer"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// block compiles a sequence of statements up to whatever follows it
// (end/else/elseif/until/eof), per the Lua grammar's `block ::=
// {stat} [retstat]`. Callers that introduce a new lexical scope wrap
// this in fs.enterBlock/leaveBlock themselves.
func (p *Parser) block() {
	for !p.blockFollow() {
		if p.check(lexer.TokReturn) {
			p.retStat()
			break
		}
		p.statement()
	}
}

func (p *Parser) statement() {
	switch p.cur.Type {
	case lexer.TokSemi:
		p.advance()
	case lexer.TokIf:
		p.ifStmt()
	case lexer.TokWhile:
		p.whileStmt()
	case lexer.TokDo:
		line := p.cur.Line
		p.advance()
		p.fs.enterBlock(false)
		p.block()
		p.fs.leaveBlock(line)
		p.expect(lexer.TokEnd, "'end'")
	case lexer.TokFor:
		p.forStmt()
	case lexer.TokRepeat:
		p.repeatStmt()
	case lexer.TokFunction:
		p.funcStmt()
	case lexer.TokLocal:
		p.localStmt()
	case lexer.TokDColon:
		p.labelStmt()
	case lexer.TokBreak:
		p.breakStmt()
	case lexer.TokGoto:
		p.gotoStmt()
	default:
		p.exprStat()
	}
}

// retStat compiles `return [explist] [';']`, the only statement form
// allowed to end a block, per the grammar.
func (p *Parser) retStat() {
	fs := p.fs
	line := p.cur.Line
	p.advance() // 'return'
	base := fs.freereg
	n := 0
	multret := false
	if !p.blockFollow() && !p.check(lexer.TokSemi) {
		n, multret = p.explistInto(base)
	}
	p.accept(lexer.TokSemi)
	b := int32(n + 1)
	if multret {
		b = 0
	}
	fs.emit(luart.Instruction{Op: luart.OpReturn, A: int32(base), B: b, Line: line})
	fs.freeTo(base)
}

// --- if/while/repeat/for ----------------------------------------------------

func (p *Parser) ifStmt() {
	fs := p.fs
	p.advance() // 'if'
	var endJumps []int
	cond := p.expr()
	p.expect(lexer.TokThen, "'then'")
	falseJump := p.testAndJump(cond, false)
	fs.enterBlock(false)
	p.block()
	fs.leaveBlock(p.cur.Line)
	for p.check(lexer.TokElseif) {
		endJumps = append(endJumps, fs.emitJump())
		fs.patchJump(falseJump)
		p.advance()
		cond = p.expr()
		p.expect(lexer.TokThen, "'then'")
		falseJump = p.testAndJump(cond, false)
		fs.enterBlock(false)
		p.block()
		fs.leaveBlock(p.cur.Line)
	}
	if p.check(lexer.TokElse) {
		endJumps = append(endJumps, fs.emitJump())
		fs.patchJump(falseJump)
		falseJump = -1
		p.advance()
		fs.enterBlock(false)
		p.block()
		fs.leaveBlock(p.cur.Line)
	}
	p.expect(lexer.TokEnd, "'end'")
	if falseJump >= 0 {
		fs.patchJump(falseJump)
	}
	for _, j := range endJumps {
		fs.patchJump(j)
	}
}

func (p *Parser) whileStmt() {
	fs := p.fs
	p.advance() // 'while'
	startPC := fs.pc()
	cond := p.expr()
	p.expect(lexer.TokDo, "'do'")
	exitJump := p.testAndJump(cond, false)
	b := fs.enterBlock(true)
	b.loopStart = startPC
	p.block()
	fs.leaveBlock(p.cur.Line)
	p.expect(lexer.TokEnd, "'end'")
	back := fs.emitJump()
	fs.patchJumpTo(back, startPC)
	fs.patchJump(exitJump)
	for _, bj := range b.breakJumps {
		fs.patchJump(bj)
	}
}

func (p *Parser) repeatStmt() {
	fs := p.fs
	p.advance() // 'repeat'
	b := fs.enterBlock(true)
	startPC := fs.pc()
	b.loopStart = startPC
	p.block()
	p.expect(lexer.TokUntil, "'until'")
	cond := p.expr() // may reference locals declared in the block body
	j := p.testAndJump(cond, false)
	fs.patchJumpTo(j, startPC)
	fs.leaveBlock(p.cur.Line)
	for _, bj := range b.breakJumps {
		fs.patchJump(bj)
	}
}

func (p *Parser) forStmt() {
	line := p.cur.Line
	p.advance() // 'for'
	name := p.expect(lexer.TokIdent, "<name>").Lexeme
	if p.check(lexer.TokAssign) {
		p.numericFor(name, line)
	} else {
		p.genericFor(name, line)
	}
}

// numericFor compiles `for Name '=' exp ',' exp [',' exp] do block end`.
// Registers base..base+2 hold the hidden counter/limit/step; base+3 is
// the visible loop variable FORLOOP copies into each iteration.
func (p *Parser) numericFor(name string, line int) {
	fs := p.fs
	p.advance() // '='
	base := fs.reserveRegs(4)
	initE := p.expr()
	p.dischargeToReg(initE, base)
	fs.freeTo(base + 4)
	p.expect(lexer.TokComma, "','")
	limitE := p.expr()
	p.dischargeToReg(limitE, base+1)
	fs.freeTo(base + 4)
	if p.accept(lexer.TokComma) {
		stepE := p.expr()
		p.dischargeToReg(stepE, base+2)
		fs.freeTo(base + 4)
	} else {
		fs.emit(luart.Instruction{Op: luart.OpLoadInt, A: int32(base + 2), SBx: 1, Line: line})
	}
	p.expect(lexer.TokDo, "'do'")
	prep := fs.emit(luart.Instruction{Op: luart.OpForPrep, A: int32(base), Line: line})
	bodyStart := fs.pc()
	b := fs.enterBlock(true)
	b.loopStart = bodyStart
	fs.bindLocalAt(name, base+3, false, false)
	p.block()
	fs.leaveBlock(p.cur.Line)
	p.expect(lexer.TokEnd, "'end'")
	loopPC := fs.emit(luart.Instruction{Op: luart.OpForLoop, A: int32(base), Line: line})
	fs.code[loopPC].SBx = int32(bodyStart - loopPC - 1)
	fs.code[prep].SBx = int32(loopPC + 1 - prep - 1)
	for _, bj := range b.breakJumps {
		fs.patchJumpTo(bj, loopPC+1)
	}
	fs.freeTo(base)
}

// genericFor compiles `for namelist in explist do block end`.
// Registers base..base+2 hold the hidden iterator/state/control
// values; base+3.. hold the visible loop variables TFORCALL fills in
// each iteration.
func (p *Parser) genericFor(firstName string, line int) {
	fs := p.fs
	names := []string{firstName}
	for p.accept(lexer.TokComma) {
		names = append(names, p.expect(lexer.TokIdent, "<name>").Lexeme)
	}
	p.expect(lexer.TokIn, "'in'")
	base := fs.freereg
	fs.reserveRegs(3)
	p.explistAdjusted(base, 3)
	p.expect(lexer.TokDo, "'do'")
	prep := fs.emitJump()
	bodyStart := fs.pc()
	b := fs.enterBlock(true)
	b.loopStart = bodyStart
	varBase := base + 3
	fs.reserveRegs(len(names))
	for i, nm := range names {
		fs.bindLocalAt(nm, varBase+i, false, false)
	}
	p.block()
	fs.leaveBlock(p.cur.Line)
	p.expect(lexer.TokEnd, "'end'")
	fs.patchJump(prep)
	fs.emit(luart.Instruction{Op: luart.OpTForCall, A: int32(base), C: int32(len(names)), Line: line})
	loopPC := fs.emit(luart.Instruction{Op: luart.OpTForLoop, A: int32(base + 2), Line: line})
	fs.code[loopPC].SBx = int32(bodyStart - loopPC - 1)
	for _, bj := range b.breakJumps {
		fs.patchJumpTo(bj, loopPC+1)
	}
	fs.freeTo(base)
}

// --- local/function declarations --------------------------------------------

type localDecl struct {
	name    string
	isConst bool
	isClose bool
}

// localStmt compiles `local function Name funcbody` and `local
// attnamelist ['=' explist]`, including the `<const>`/`<close>`
// attributes of spec §4.6 (the lexer leaves `<name>` annotation
// parsing to us, since it's just an IDENT wrapped in '<' '>').
func (p *Parser) localStmt() {
	fs := p.fs
	line := p.cur.Line
	p.advance() // 'local'
	if p.accept(lexer.TokFunction) {
		name := p.expect(lexer.TokIdent, "<name>").Lexeme
		reg := fs.declareLocal(name, false, false)
		e := p.functionBody(line, false)
		p.dischargeToReg(e, reg)
		return
	}
	var decls []localDecl
	for {
		name := p.expect(lexer.TokIdent, "<name>").Lexeme
		isConst, isClose := false, false
		if p.accept(lexer.TokLt) {
			attr := p.expect(lexer.TokIdent, "<attribute>").Lexeme
			switch attr {
			case "const":
				isConst = true
			case "close":
				isClose = true
			default:
				p.fail(line, "unknown attribute %q", attr)
			}
			p.expect(lexer.TokGt, "'>'")
		}
		decls = append(decls, localDecl{name: name, isConst: isConst, isClose: isClose})
		if !p.accept(lexer.TokComma) {
			break
		}
	}
	base := fs.freereg
	n := len(decls)
	fs.reserveRegs(n)
	if p.accept(lexer.TokAssign) {
		p.explistAdjusted(base, n)
	} else {
		for i := 0; i < n; i++ {
			fs.emit(luart.Instruction{Op: luart.OpLoadNil, A: int32(base + i), B: 1, Line: line})
		}
	}
	for i, d := range decls {
		fs.locals = append(fs.locals, localVar{name: d.name, reg: base + i, isConst: d.isConst, isClose: d.isClose})
		if d.isClose {
			fs.emit(luart.Instruction{Op: luart.OpTBC, A: int32(base + i), Line: line})
		}
	}
	fs.nactive = len(fs.locals)
}

// funcStmt compiles `function funcname funcbody`, where funcname is
// `Name {'.' Name} [':' Name]` — the ':' form implicitly binds `self`.
func (p *Parser) funcStmt() {
	fs := p.fs
	line := p.cur.Line
	p.advance() // 'function'
	name := p.expect(lexer.TokIdent, "<name>").Lexeme
	target := p.namedVar(name)
	isMethod := false
loop:
	for {
		switch p.cur.Type {
		case lexer.TokDot:
			p.advance()
			field := p.expect(lexer.TokIdent, "<name>").Lexeme
			tbl := p.exprToAnyReg(target)
			target = exprdesc{kind: eIndexedK, tableReg: tbl, keyConst: fs.stringConst(field), keyIsConst: true}
		case lexer.TokColon:
			p.advance()
			field := p.expect(lexer.TokIdent, "<name>").Lexeme
			tbl := p.exprToAnyReg(target)
			target = exprdesc{kind: eIndexedK, tableReg: tbl, keyConst: fs.stringConst(field), keyIsConst: true}
			isMethod = true
			break loop
		default:
			break loop
		}
	}
	e := p.functionBody(line, isMethod)
	reg := p.exprToAnyReg(e)
	p.emitAssignFromReg(target, reg, line)
	fs.freeTo(reg)
}

// functionBody compiles `'(' parlist ')' block end` into a child
// Prototype and emits a CLOSURE instruction in the enclosing function,
// per spec §4.6's closure-creation contract.
func (p *Parser) functionBody(line int, isMethod bool) exprdesc {
	parent := p.fs
	fs := newFuncState(p, parent, parent.source)
	fs.lineDefined = line
	p.fs = fs
	p.expect(lexer.TokLParen, "'('")
	if isMethod {
		fs.declareLocal("self", false, false)
	}
	if !p.check(lexer.TokRParen) {
		for {
			if p.check(lexer.TokEllipsis) {
				p.advance()
				fs.isVararg = true
				break
			}
			pname := p.expect(lexer.TokIdent, "<name>").Lexeme
			fs.declareLocal(pname, false, false)
			if !p.accept(lexer.TokComma) {
				break
			}
		}
	}
	fs.numParams = uint8(len(fs.locals))
	p.expect(lexer.TokRParen, "')'")
	fs.enterBlock(false)
	p.block()
	fs.leaveBlock(p.cur.Line)
	endLine := p.cur.Line
	p.expect(lexer.TokEnd, "'end'")
	fs.emit(luart.Instruction{Op: luart.OpReturn, A: int32(fs.nactive), B: 1, Line: endLine})
	proto := p.finish(fs)
	p.fs = parent
	parent.protos = append(parent.protos, proto)
	protoIdx := len(parent.protos) - 1
	reg := parent.allocReg()
	parent.emit(luart.Instruction{Op: luart.OpClosure, A: int32(reg), Bx: int32(protoIdx), Line: line})
	return exprdesc{kind: eRelocK, info: reg}
}

// --- break/goto/label --------------------------------------------------------

func (p *Parser) breakStmt() {
	line := p.cur.Line
	p.advance()
	fs := p.fs
	for b := fs.block; b != nil; b = b.parent {
		if b.isLoop {
			j := fs.emitJump()
			fs.code[j].Line = line
			b.breakJumps = append(b.breakJumps, j)
			return
		}
	}
	p.fail(line, "break outside a loop")
}

func (p *Parser) gotoStmt() {
	line := p.cur.Line
	p.advance()
	name := p.expect(lexer.TokIdent, "<name>").Lexeme
	fs := p.fs
	if target, ok := fs.findLabel(name); ok {
		j := fs.emitJump()
		fs.code[j].Line = line
		fs.patchJumpTo(j, target)
		return
	}
	j := fs.emitJump()
	fs.code[j].Line = line
	fs.block.pendingGoto = append(fs.block.pendingGoto, pendingGoto{name: name, pc: j, line: line})
}

func (p *Parser) labelStmt() {
	p.advance() // '::'
	name := p.expect(lexer.TokIdent, "<name>").Lexeme
	p.expect(lexer.TokDColon, "'::'")
	fs := p.fs
	pc := fs.pc()
	fs.block.labels[name] = pc
	remaining := fs.block.pendingGoto[:0]
	for _, g := range fs.block.pendingGoto {
		if g.name == name {
			fs.patchJumpTo(g.pc, pc)
		} else {
			remaining = append(remaining, g)
		}
	}
	fs.block.pendingGoto = remaining
}

// --- assignment / bare-call statements ---------------------------------------

func (p *Parser) exprStat() {
	fs := p.fs
	saved := fs.freereg
	line := p.cur.Line
	e := p.suffixedExpr()
	if p.check(lexer.TokAssign) || p.check(lexer.TokComma) {
		p.assignment([]exprdesc{e}, saved, line)
		return
	}
	if e.kind != eCallK {
		p.fail(line, "syntax error near %q", p.cur.Lexeme)
	}
	fs.patchCallResultCount(e.info, 1)
	fs.freeTo(saved)
}

func (p *Parser) assignment(targets []exprdesc, saved int, line int) {
	fs := p.fs
	for p.accept(lexer.TokComma) {
		t := p.suffixedExpr()
		targets = append(targets, t)
	}
	p.expect(lexer.TokAssign, "'='")
	for _, t := range targets {
		switch t.kind {
		case eLocalK:
			if fs.isConstReg(t.info) {
				p.fail(line, "attempt to assign to const variable")
			}
		case eUpvalK, eGlobalK, eIndexedK:
		default:
			p.fail(line, "syntax error near '='")
		}
	}
	base := fs.freereg
	fs.reserveRegs(len(targets))
	p.explistAdjusted(base, len(targets))
	for i, t := range targets {
		p.emitAssignFromReg(t, base+i, line)
	}
	fs.freeTo(saved)
}

// emitAssignFromReg stores the value already sitting in reg into
// target, dispatching on the target's binding kind.
func (p *Parser) emitAssignFromReg(target exprdesc, reg int, line int) {
	fs := p.fs
	switch target.kind {
	case eLocalK:
		if reg != target.info {
			fs.emit(luart.Instruction{Op: luart.OpMove, A: int32(target.info), B: int32(reg), Line: line})
		}
	case eUpvalK:
		fs.emit(luart.Instruction{Op: luart.OpSetUpval, A: int32(target.info), B: int32(reg), Line: line})
	case eGlobalK:
		fs.emit(luart.Instruction{Op: luart.OpSetTabUp, A: int32(fs.envUpvalue()), B: int32(target.info), C: int32(reg), Line: line})
	case eIndexedK:
		if target.keyIsConst {
			fs.emit(luart.Instruction{Op: luart.OpSetField, A: int32(target.tableReg), B: int32(target.keyConst), C: int32(reg), Line: line})
		} else {
			fs.emit(luart.Instruction{Op: luart.OpSetTable, A: int32(target.tableReg), B: int32(target.keyReg), C: int32(reg), Line: line})
		}
	}
}

// explistAdjusted compiles a comma-separated expression list into
// exactly n consecutive registers starting at base (already reserved),
// padding with nil or truncating as needed — the "adjust to n values"
// rule the manual uses for assignments, local declarations, and
// generic-for's control expressions.
func (p *Parser) explistAdjusted(base, n int) {
	fs := p.fs
	count := 0
	for {
		e := p.expr()
		atEnd := !p.check(lexer.TokComma)
		if atEnd {
			if e.kind == eCallK || e.kind == eVarargK {
				want := n - count
				if want < 0 {
					want = 0
				}
				p.reopenMultretN(e, want)
				count = n
			} else {
				if count < n {
					p.dischargeToReg(e, base+count)
				}
				count++
			}
			fs.freeTo(base + minInt(count, n))
			break
		}
		if count < n {
			p.dischargeToReg(e, base+count)
		}
		count++
		fs.freeTo(base + minInt(count, n))
		p.advance() // consume comma
	}
	for count < n {
		fs.emit(luart.Instruction{Op: luart.OpLoadNil, A: int32(base + count), B: 1})
		count++
	}
	fs.freeTo(base + n)
}

// reopenMultretN patches an already-emitted CALL/VARARG to yield
// exactly `want` results instead of the single value it was compiled
// for, used when it's the last item in a count-adjusted expression list.
func (p *Parser) reopenMultretN(e exprdesc, want int) {
	fs := p.fs
	for i := len(fs.code) - 1; i >= 0; i-- {
		ins := &fs.code[i]
		if ins.A == int32(e.info) && (ins.Op == luart.OpCall || ins.Op == luart.OpTailCall || ins.Op == luart.OpVararg) {
			ins.C = int32(want + 1)
			return
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
