package compiler

import (
	"github.com/moonquakes/moonquakes/internal/lexer"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// binOpInfo gives each binary operator its left/right binding power;
// right-associative operators (.. and ^) use a right power one less
// than their left power.
type binOpInfo struct {
	left, right int
	op          luart.OpCode
	kop         luart.OpCode // K-folded variant, or op itself if none
	swap        bool         // evaluate as op(rhs, lhs) — used for '>' and '>='
	cmpTrue     bool         // for comparisons: does a match mean "true"?
	compare     bool
	concat      bool
	bitwise     bool
}

var binOps = map[lexer.TokenType]binOpInfo{
	lexer.TokOr:      {left: 1, right: 1},
	lexer.TokAnd:     {left: 2, right: 2},
	lexer.TokLt:      {left: 3, right: 3, op: luart.OpLt, compare: true, cmpTrue: true},
	lexer.TokGt:      {left: 3, right: 3, op: luart.OpLt, compare: true, cmpTrue: true, swap: true},
	lexer.TokLe:      {left: 3, right: 3, op: luart.OpLe, compare: true, cmpTrue: true},
	lexer.TokGe:      {left: 3, right: 3, op: luart.OpLe, compare: true, cmpTrue: true, swap: true},
	lexer.TokNe:      {left: 3, right: 3, op: luart.OpEq, compare: true, cmpTrue: false},
	lexer.TokEq:      {left: 3, right: 3, op: luart.OpEq, compare: true, cmpTrue: true},
	lexer.TokPipe:    {left: 4, right: 4, op: luart.OpBOr, bitwise: true},
	lexer.TokTilde:   {left: 5, right: 5, op: luart.OpBXor, bitwise: true},
	lexer.TokAmp:     {left: 6, right: 6, op: luart.OpBAnd, bitwise: true},
	lexer.TokLShift:  {left: 7, right: 7, op: luart.OpShl, bitwise: true},
	lexer.TokRShift:  {left: 7, right: 7, op: luart.OpShr, bitwise: true},
	lexer.TokConcat:  {left: 9, right: 8, concat: true},
	lexer.TokPlus:    {left: 10, right: 10, op: luart.OpAdd, kop: luart.OpAddK},
	lexer.TokMinus:   {left: 10, right: 10, op: luart.OpSub, kop: luart.OpSubK},
	lexer.TokStar:    {left: 11, right: 11, op: luart.OpMul, kop: luart.OpMulK},
	lexer.TokSlash:   {left: 11, right: 11, op: luart.OpDiv, kop: luart.OpDivK},
	lexer.TokDSlash:  {left: 11, right: 11, op: luart.OpIDiv, kop: luart.OpIDivK},
	lexer.TokPercent: {left: 11, right: 11, op: luart.OpMod, kop: luart.OpModK},
	lexer.TokCaret:   {left: 14, right: 13, op: luart.OpPow, kop: luart.OpPowK},
}

const unaryPriority = 12

func (p *Parser) expr() exprdesc { return p.subExpr(0) }

func (p *Parser) subExpr(limit int) exprdesc {
	var e exprdesc
	line := p.cur.Line
	switch p.cur.Type {
	case lexer.TokNot:
		p.advance()
		e = p.emitUnary(lexer.TokNot, p.subExpr(unaryPriority), line)
	case lexer.TokMinus:
		p.advance()
		e = p.emitUnary(lexer.TokMinus, p.subExpr(unaryPriority), line)
	case lexer.TokHash:
		p.advance()
		e = p.emitUnary(lexer.TokHash, p.subExpr(unaryPriority), line)
	case lexer.TokTilde:
		p.advance()
		e = p.emitUnary(lexer.TokTilde, p.subExpr(unaryPriority), line)
	default:
		e = p.simpleExpr()
	}
	for {
		info, ok := binOps[p.cur.Type]
		if !ok || info.left <= limit {
			return e
		}
		tok := p.cur.Type
		opLine := p.cur.Line
		p.advance()
		switch tok {
		case lexer.TokAnd:
			e = p.compileAnd(e, opLine)
		case lexer.TokOr:
			e = p.compileOr(e, opLine)
		default:
			rhs := p.subExpr(info.right)
			e = p.emitBinOp(info, e, rhs, opLine)
		}
	}
}

func (p *Parser) simpleExpr() exprdesc {
	switch p.cur.Type {
	case lexer.TokNil:
		p.advance()
		return exprdesc{kind: eNilK}
	case lexer.TokTrue:
		p.advance()
		return exprdesc{kind: eTrueK}
	case lexer.TokFalse:
		p.advance()
		return exprdesc{kind: eFalseK}
	case lexer.TokInt:
		v := p.parseIntLiteral(p.cur.Lexeme)
		p.advance()
		return exprdesc{kind: eConstK, info: p.fs.addConstant(v)}
	case lexer.TokFloat:
		v := p.parseFloatLiteral(p.cur.Lexeme)
		p.advance()
		return exprdesc{kind: eConstK, info: p.fs.addConstant(v)}
	case lexer.TokString:
		s := p.cur.Str
		p.advance()
		return exprdesc{kind: eConstK, info: p.fs.stringConst(s)}
	case lexer.TokEllipsis:
		line := p.cur.Line
		p.advance()
		if !p.fs.isVararg {
			p.fail(line, "cannot use '...' outside a vararg function")
		}
		reg := p.fs.allocReg()
		p.fs.emit(luart.Instruction{Op: luart.OpVararg, A: int32(reg), C: 2, Line: line})
		return exprdesc{kind: eVarargK, info: reg}
	case lexer.TokLBrace:
		return p.tableConstructor()
	case lexer.TokFunction:
		p.advance()
		return p.functionBody(p.cur.Line, false)
	default:
		return p.suffixedExpr()
	}
}

func (p *Parser) parseIntLiteral(lex string) luart.Value {
	v, ok := luart.ParseNumber(lex)
	if !ok {
		p.fail(p.cur.Line, "malformed number near %q", lex)
	}
	return v
}

func (p *Parser) parseFloatLiteral(lex string) luart.Value {
	v, ok := luart.ParseNumber(lex)
	if !ok {
		p.fail(p.cur.Line, "malformed number near %q", lex)
	}
	return v
}

// --- unary ------------------------------------------------------------------

func (p *Parser) emitUnary(tok lexer.TokenType, operand exprdesc, line int) exprdesc {
	fs := p.fs
	r := p.exprToAnyReg(operand)
	fs.freeTo(r)
	out := fs.allocReg()
	switch tok {
	case lexer.TokNot:
		fs.emit(luart.Instruction{Op: luart.OpNot, A: int32(out), B: int32(r), Line: line})
	case lexer.TokMinus:
		fs.emit(luart.Instruction{Op: luart.OpUnm, A: int32(out), B: int32(r), Line: line})
	case lexer.TokHash:
		fs.emit(luart.Instruction{Op: luart.OpLen, A: int32(out), B: int32(r), Line: line})
	case lexer.TokTilde:
		fs.emit(luart.Instruction{Op: luart.OpBNot, A: int32(out), B: int32(r), Line: line})
	}
	return exprdesc{kind: eRelocK, info: out}
}

// --- and/or ------------------------------------------------------------------

// compileAnd/compileOr implement short-circuit evaluation by
// materializing the left operand into a register, testing it, and
// only then compiling the right operand into the same register, per
// spec §4.1 ("and/or are short-circuiting and return an operand, not
// a coerced boolean").
func (p *Parser) compileAnd(lhs exprdesc, line int) exprdesc {
	fs := p.fs
	reg := p.exprToAnyReg(lhs)
	fs.emit(luart.Instruction{Op: luart.OpTest, A: int32(reg), C: 0, Line: line})
	j := fs.emitJump()
	rhs := p.subExpr(2)
	p.dischargeToReg(rhs, reg)
	fs.patchJump(j)
	return exprdesc{kind: eRelocK, info: reg}
}

func (p *Parser) compileOr(lhs exprdesc, line int) exprdesc {
	fs := p.fs
	reg := p.exprToAnyReg(lhs)
	fs.emit(luart.Instruction{Op: luart.OpTest, A: int32(reg), C: 1, Line: line})
	j := fs.emitJump()
	rhs := p.subExpr(1)
	p.dischargeToReg(rhs, reg)
	fs.patchJump(j)
	return exprdesc{kind: eRelocK, info: reg}
}

// --- binary ------------------------------------------------------------------

func (p *Parser) emitBinOp(info binOpInfo, lhs, rhs exprdesc, line int) exprdesc {
	fs := p.fs
	if info.concat {
		return p.emitConcat(lhs, rhs, line)
	}
	if info.compare {
		l, r := lhs, rhs
		if info.swap {
			l, r = rhs, lhs
		}
		lr := p.exprToAnyReg(l)
		rr := p.exprToAnyReg(r)
		e := p.compileCompare(info.op, lr, rr, info.cmpTrue, line)
		fs.freeTo(min(lr, rr))
		return e
	}
	lr := p.exprToAnyReg(lhs)
	if info.kop != 0 && rhs.kind == eConstK && isNumericConst(fs.constants[rhs.info]) {
		out := fs.allocReg()
		fs.emit(luart.Instruction{Op: info.kop, A: int32(out), B: int32(lr), C: int32(rhs.info), Line: line})
		fs.freeTo(lr)
		return exprdesc{kind: eRelocK, info: out}
	}
	rr := p.exprToAnyReg(rhs)
	out := fs.allocReg()
	fs.emit(luart.Instruction{Op: info.op, A: int32(out), B: int32(lr), C: int32(rr), Line: line})
	fs.freeTo(min(lr, rr))
	return exprdesc{kind: eRelocK, info: out}
}

func isNumericConst(v luart.Value) bool { return v.IsNumber() }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// emitConcat places both operands in adjacent registers (CONCAT's
// contract: "concatenates registers B..C inclusive") and emits one
// pairwise CONCAT; chained `..` thus compiles as nested 2-operand
// concats rather than one N-ary op, which is semantically equivalent
// for spec §4.1's purposes.
func (p *Parser) emitConcat(lhs, rhs exprdesc, line int) exprdesc {
	fs := p.fs
	base := p.exprToNextReg(lhs)
	p.exprToNextReg(rhs)
	fs.emit(luart.Instruction{Op: luart.OpConcat, A: int32(base), B: int32(base), C: int32(base + 1), Line: line})
	fs.freeTo(base + 1)
	return exprdesc{kind: eRelocK, info: base}
}

// compileCompare materializes a comparison into a boolean value
// register, using a CMP+JMP+LOAD pattern.
func (p *Parser) compileCompare(op luart.OpCode, b, c int, cmpTrue bool, line int) exprdesc {
	fs := p.fs
	fs.emit(luart.Instruction{Op: op, A: 1, B: int32(b), C: int32(c), Line: line})
	jOther := fs.emitJump() // taken when actual == false
	r := fs.allocReg()
	if cmpTrue {
		fs.emit(luart.Instruction{Op: luart.OpLoadTrue, A: int32(r), Line: line})
	} else {
		fs.emit(luart.Instruction{Op: luart.OpLoadFalse, A: int32(r), Line: line})
	}
	jEnd := fs.emitJump()
	fs.patchJump(jOther)
	if cmpTrue {
		fs.emit(luart.Instruction{Op: luart.OpLoadFalse, A: int32(r), Line: line})
	} else {
		fs.emit(luart.Instruction{Op: luart.OpLoadTrue, A: int32(r), Line: line})
	}
	fs.patchJump(jEnd)
	return exprdesc{kind: eRelocK, info: r}
}

// testAndJump materializes e and emits TEST+JMP, returning the JMP's
// index for the caller to patch. jumpIfTruthy selects which sense
// takes the jump, per the TEST semantics documented on OpTest's
// handler in the VM ("skip the following instruction when
// Truthy(R[A]) != (C!=0)").
func (p *Parser) testAndJump(e exprdesc, jumpIfTruthy bool) int {
	fs := p.fs
	reg := p.exprToAnyReg(e)
	c := int32(0)
	if jumpIfTruthy {
		c = 1
	}
	fs.emit(luart.Instruction{Op: luart.OpTest, A: int32(reg), C: c})
	j := fs.emitJump()
	fs.freeTo(reg)
	return j
}
