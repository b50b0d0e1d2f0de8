package compiler

import (
	"github.com/moonquakes/moonquakes/internal/lexer"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// ekind classifies a not-yet-materialized expression result, mirroring
// the teacher's RegisterAllocator temporary/binding distinction
// (internal/compregister) generalized to cover locals, upvalues,
// globals (_ENV-indexed), table indexing and multi-result calls.
type ekind int

const (
	eNilK ekind = iota
	eTrueK
	eFalseK
	eConstK  // info = constant pool index
	eLocalK  // info = register, pinned (must not be freed)
	eUpvalK  // info = upvalue index
	eGlobalK // info = constant pool index of the name
	eIndexedK
	eCallK   // info = register holding the (single) result
	eVarargK // info = register
	eRelocK  // info = register, a free temporary
)

type exprdesc struct {
	kind ekind
	info int

	// eIndexed only:
	tableReg   int
	keyConst   int
	keyReg     int
	keyIsConst bool
}

// --- primary/suffixed expressions ------------------------------------------

// namedVar resolves an identifier against locals, upvalues and finally
// globals (sugar for _ENV[name]), per spec §4.6.
func (p *Parser) namedVar(name string) exprdesc {
	fs := p.fs
	if idx, ok := fs.resolveLocal(name); ok {
		return exprdesc{kind: eLocalK, info: fs.locals[idx].reg}
	}
	if idx, ok := fs.resolveUpvalue(name); ok {
		return exprdesc{kind: eUpvalK, info: idx}
	}
	return exprdesc{kind: eGlobalK, info: fs.stringConst(name)}
}

// suffixedExpr parses `Name | '(' expr ')'` and any following suffix
// chain of indexing/call operators, per the Lua grammar's prefixexp.
func (p *Parser) suffixedExpr() exprdesc {
	var e exprdesc
	line := p.cur.Line
	switch {
	case p.check(lexer.TokIdent):
		e = p.namedVar(p.cur.Lexeme)
		p.advance()
	case p.accept(lexer.TokLParen):
		e = p.expr()
		p.expect(lexer.TokRParen, "')'")
		e = p.truncateToSingle(e) // parens force single-value, per the manual
	default:
		p.fail(line, "unexpected symbol near %q", p.cur.Lexeme)
	}
	for {
		switch p.cur.Type {
		case lexer.TokDot:
			p.advance()
			name := p.expect(lexer.TokIdent, "<name>").Lexeme
			tbl := p.exprToAnyReg(e)
			e = exprdesc{kind: eIndexedK, tableReg: tbl, keyConst: p.fs.stringConst(name), keyIsConst: true}
		case lexer.TokLBracket:
			p.advance()
			tbl := p.exprToAnyReg(e)
			key := p.expr()
			p.expect(lexer.TokRBracket, "']'")
			keyReg := p.exprToAnyReg(key)
			e = exprdesc{kind: eIndexedK, tableReg: tbl, keyReg: keyReg}
		case lexer.TokColon:
			p.advance()
			name := p.expect(lexer.TokIdent, "<name>").Lexeme
			e = p.finishMethodCall(e, name, line)
		case lexer.TokLParen, lexer.TokString, lexer.TokLBrace:
			e = p.finishCall(e, line)
		default:
			return e
		}
	}
}

// truncateToSingle collapses a multi-result expression (call/vararg)
// to its first value, per the manual's parenthesization rule.
func (p *Parser) truncateToSingle(e exprdesc) exprdesc {
	if e.kind == eCallK || e.kind == eVarargK {
		return exprdesc{kind: eRelocK, info: e.info}
	}
	return e
}

func (p *Parser) finishMethodCall(obj exprdesc, method string, line int) exprdesc {
	fs := p.fs
	base := fs.reserveRegs(2)
	objReg := p.exprToAnyReg(obj)
	fs.emit(luart.Instruction{Op: luart.OpSelf, A: int32(base), B: int32(objReg), C: int32(fs.stringConst(method)), Line: line})
	fs.freeTo(base + 2)
	nargs, multret := p.argList(base + 2)
	return p.emitCall(base, nargs+1, multret, line)
}

func (p *Parser) finishCall(fnExpr exprdesc, line int) exprdesc {
	fs := p.fs
	base := p.exprToNextReg(fnExpr)
	fs.reserveRegs(0)
	nargs, multret := p.argList(base + 1)
	return p.emitCall(base, nargs, multret, line)
}

// argList parses a call's argument list (parenthesized, a single
// string literal, or a table constructor), placing arguments into
// consecutive registers starting at argBase.
func (p *Parser) argList(argBase int) (n int, multret bool) {
	fs := p.fs
	switch p.cur.Type {
	case lexer.TokString:
		s := p.cur.Str
		p.advance()
		reg := fs.allocReg()
		fs.emit(luart.Instruction{Op: luart.OpLoadK, A: int32(reg), Bx: int32(fs.stringConst(s))})
		return 1, false
	case lexer.TokLBrace:
		e := p.tableConstructor()
		reg := p.exprToNextReg(e)
		_ = reg
		return 1, false
	case lexer.TokLParen:
		p.advance()
		if p.accept(lexer.TokRParen) {
			return 0, false
		}
		n, multret = p.explistInto(argBase)
		p.expect(lexer.TokRParen, "')'")
		return n, multret
	default:
		p.fail(p.cur.Line, "function arguments expected")
		return 0, false
	}
}

// emitCall emits a CALL targeting `base`, with nargs+1 live registers
// (function plus args) starting there. If multret, the last argument
// was left open and B=0 passes every value up to the stack top. The
// call itself always requests exactly one result (C=2); callers that
// need another count patch C afterwards.
func (p *Parser) emitCall(base, nargs int, multret bool, line int) exprdesc {
	fs := p.fs
	b := int32(nargs + 1)
	if multret {
		b = 0
	}
	fs.emit(luart.Instruction{Op: luart.OpCall, A: int32(base), B: b, C: 2, Line: line})
	fs.freeTo(base + 1)
	return exprdesc{kind: eCallK, info: base}
}

// --- table constructors -----------------------------------------------------

func (p *Parser) tableConstructor() exprdesc {
	fs := p.fs
	line := p.cur.Line
	p.expect(lexer.TokLBrace, "'{'")
	tReg := fs.allocReg()
	fs.emit(luart.Instruction{Op: luart.OpNewTable, A: int32(tReg), Line: line})
	arrIdx := 0
	pending := 0
	flush := func(final bool) {
		if pending == 0 {
			return
		}
		b := pending
		if final {
			b = 0 // SETLIST "to top": the last field was an open multret
		}
		fs.emit(luart.Instruction{Op: luart.OpSetList, A: int32(tReg), B: int32(b), C: int32(arrIdx), Line: line})
		arrIdx += pending
		fs.freeTo(tReg + 1)
		pending = 0
	}
	for !p.check(lexer.TokRBrace) {
		isLast := false
		switch {
		case p.check(lexer.TokLBracket):
			flush(false)
			p.advance()
			key := p.expr()
			p.expect(lexer.TokRBracket, "']'")
			p.expect(lexer.TokAssign, "'='")
			val := p.expr()
			p.emitSetIndexed(tReg, key, val, line)
		case p.check(lexer.TokIdent) && p.peekAhead().Type == lexer.TokAssign:
			flush(false)
			name := p.cur.Lexeme
			p.advance()
			p.advance()
			val := p.expr()
			keyConst := fs.stringConst(name)
			vr := p.exprToAnyReg(val)
			fs.emit(luart.Instruction{Op: luart.OpSetField, A: int32(tReg), B: int32(keyConst), C: int32(vr), Line: line})
			fs.freeTo(vr)
		default:
			e := p.expr()
			isLast = p.check(lexer.TokRBrace)
			if isLast && (e.kind == eCallK || e.kind == eVarargK) {
				// open multret field: patch the call/vararg to yield all
				// its results, then let SETLIST B=0 ("to top") consume them.
				p.reopenMultret(e)
				pending++
				flush(true)
			} else {
				reg := p.exprToNextReg(e)
				_ = reg
				pending++
				if pending >= 50 {
					flush(false)
				}
			}
		}
		if !p.accept(lexer.TokComma) && !p.accept(lexer.TokSemi) {
			break
		}
	}
	p.expect(lexer.TokRBrace, "'}'")
	flush(false)
	return exprdesc{kind: eRelocK, info: tReg}
}

func (p *Parser) emitSetIndexed(tableReg int, key, val exprdesc, line int) {
	fs := p.fs
	vr := p.exprToAnyReg(val)
	if key.kind == eConstK {
		fs.emit(luart.Instruction{Op: luart.OpSetField, A: int32(tableReg), B: int32(key.info), C: int32(vr), Line: line})
	} else {
		kr := p.exprToAnyReg(key)
		fs.emit(luart.Instruction{Op: luart.OpSetTable, A: int32(tableReg), B: int32(kr), C: int32(vr), Line: line})
		fs.freeTo(kr)
	}
	fs.freeTo(vr)
}

// --- discharging expdescs into registers -----------------------------------

func (p *Parser) dischargeToReg(e exprdesc, reg int) {
	fs := p.fs
	line := p.cur.Line
	switch e.kind {
	case eNilK:
		fs.emit(luart.Instruction{Op: luart.OpLoadNil, A: int32(reg), B: 1, Line: line})
	case eTrueK:
		fs.emit(luart.Instruction{Op: luart.OpLoadTrue, A: int32(reg), Line: line})
	case eFalseK:
		fs.emit(luart.Instruction{Op: luart.OpLoadFalse, A: int32(reg), Line: line})
	case eConstK:
		fs.emit(luart.Instruction{Op: luart.OpLoadK, A: int32(reg), Bx: int32(e.info), Line: line})
	case eLocalK:
		if reg != e.info {
			fs.emit(luart.Instruction{Op: luart.OpMove, A: int32(reg), B: int32(e.info), Line: line})
		}
	case eUpvalK:
		fs.emit(luart.Instruction{Op: luart.OpGetUpval, A: int32(reg), B: int32(e.info), Line: line})
	case eGlobalK:
		fs.emit(luart.Instruction{Op: luart.OpGetTabUp, A: int32(reg), B: int32(fs.envUpvalue()), C: int32(e.info), Line: line})
	case eIndexedK:
		if e.keyIsConst {
			fs.emit(luart.Instruction{Op: luart.OpGetField, A: int32(reg), B: int32(e.tableReg), C: int32(e.keyConst), Line: line})
		} else {
			fs.emit(luart.Instruction{Op: luart.OpGetTable, A: int32(reg), B: int32(e.tableReg), C: int32(e.keyReg), Line: line})
		}
	case eCallK, eVarargK, eRelocK:
		if reg != e.info {
			fs.emit(luart.Instruction{Op: luart.OpMove, A: int32(reg), B: int32(e.info), Line: line})
		}
	}
}

// exprToAnyReg returns a register already holding e's value, reusing
// e's own register when it's a local/temporary rather than copying.
func (p *Parser) exprToAnyReg(e exprdesc) int {
	switch e.kind {
	case eLocalK, eCallK, eVarargK, eRelocK:
		return e.info
	default:
		reg := p.fs.allocReg()
		p.dischargeToReg(e, reg)
		return reg
	}
}

// exprToNextReg forces e's value into a brand-new temporary register
// at the current top of the register stack (used for list elements).
func (p *Parser) exprToNextReg(e exprdesc) int {
	reg := p.fs.allocReg()
	p.dischargeToReg(e, reg)
	return reg
}

// --- expr list helpers -------------------------------------------------------

// explistInto compiles a comma-separated expression list into
// consecutive registers starting at base, which must be the current
// free register (each value is allocated there in turn, so the caller
// must not reserve them first), expanding a trailing call/vararg to
// all its results.
func (p *Parser) explistInto(base int) (n int, multret bool) {
	for {
		e := p.expr()
		atEnd := !p.check(lexer.TokComma)
		if atEnd && (e.kind == eCallK || e.kind == eVarargK) {
			p.reopenMultret(e)
			n++
			multret = true
			return
		}
		p.exprToNextReg(e)
		n++
		if !p.accept(lexer.TokComma) {
			return
		}
	}
}

// reopenMultret patches a just-emitted CALL/VARARG to request all
// results (C=0) instead of the single value it was compiled for.
func (p *Parser) reopenMultret(e exprdesc) {
	fs := p.fs
	for i := len(fs.code) - 1; i >= 0; i-- {
		ins := &fs.code[i]
		if ins.A == int32(e.info) && (ins.Op == luart.OpCall || ins.Op == luart.OpTailCall) {
			ins.C = 0
			return
		}
		if ins.A == int32(e.info) && ins.Op == luart.OpVararg {
			ins.C = 0
			return
		}
	}
}
