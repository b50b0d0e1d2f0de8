// Package compiler implements the single-pass Lua 5.4 front end of
// spec §4.4: a recursive-descent parser that emits register-machine
// bytecode directly, without building an intermediate AST.
//
// Grounded in the teacher's internal/compregister.Compiler (a
// recursive-descent compiler driving a RegisterAllocator directly
// from the parse), generalized to the full Lua grammar and to real
// upvalue/_ENV/to-be-closed semantics that Sentra's compiler doesn't
// need. Register-allocation naming borrows the funcState/blockControl
// split from other_examples' 256lights-zb Lua compiler notes.
package compiler

import (
	"github.com/moonquakes/moonquakes/internal/lexer"
	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
)

// Parser drives the lexer one token of lookahead ahead of the current
// token, emitting directly into the active funcState as it recognizes
// grammar productions.
type Parser struct {
	lex       *lexer.Lexer
	cur       lexer.Token
	ahead     *lexer.Token
	chunkName string
	heap      *luart.Heap
	fs        *funcState
}

// Compile parses source (named chunkName for error messages and debug
// info) into a top-level Prototype whose sole upvalue is "_ENV",
// ready for the VM to wrap in a closure bound to the runtime's globals
// table, per spec §4.4/§4.6.
func Compile(source, chunkName string, heap *luart.Heap) (proto *luart.Prototype, err error) {
	p := &Parser{lex: lexer.New(source, chunkName), chunkName: chunkName, heap: heap}
	defer func() {
		if r := recover(); r != nil {
			if le, ok := r.(*luaerr.LuaError); ok {
				err = le
				return
			}
			panic(r)
		}
	}()
	if e := p.advance(); e != nil {
		return nil, e
	}
	fs := newFuncState(p, nil, chunkName)
	fs.isVararg = true
	fs.upvalMap["_ENV"] = 0
	fs.upvalues = []luart.UpvalueDesc{{IsLocal: false, Index: 0, Name: "_ENV"}}
	p.fs = fs
	fs.enterBlock(false)
	p.block()
	if len(fs.block.pendingGoto) > 0 {
		g := fs.block.pendingGoto[0]
		p.fail(g.line, "no visible label %q for goto", g.name)
	}
	fs.leaveBlock(p.cur.Line)
	p.expect(lexer.TokEOF, "<eof>")
	fs.emit(luart.Instruction{Op: luart.OpReturn, A: int32(fs.nactive), B: 1, Line: p.cur.Line})
	return p.finish(fs), nil
}

func (p *Parser) finish(fs *funcState) *luart.Prototype {
	names := make([]string, fs.maxstack)
	for _, l := range fs.locals {
		if l.reg < len(names) {
			names[l.reg] = l.name
		}
	}
	return &luart.Prototype{
		Source:      fs.source,
		LineDefined: fs.lineDefined,
		NumParams:   fs.numParams,
		IsVararg:    fs.isVararg,
		MaxStack:    uint8(fs.maxstack),
		Code:        fs.code,
		Constants:   fs.constants,
		Protos:      fs.protos,
		Upvalues:    fs.upvalues,
		LocalNames:  names,
	}
}

// --- token-stream plumbing -------------------------------------------------

func (p *Parser) advance() error {
	if p.ahead != nil {
		p.cur = *p.ahead
		p.ahead = nil
		return nil
	}
	t, err := p.lex.Next()
	if err != nil {
		if le, ok := err.(*lexer.Error); ok {
			p.fail(le.Line, "%s", le.Message)
		}
		p.fail(p.cur.Line, "%s", err.Error())
	}
	p.cur = t
	return nil
}

func (p *Parser) peekAhead() lexer.Token {
	if p.ahead == nil {
		t, err := p.lex.Next()
		if err != nil {
			if le, ok := err.(*lexer.Error); ok {
				p.fail(le.Line, "%s", le.Message)
			}
			p.fail(p.cur.Line, "%s", err.Error())
		}
		p.ahead = &t
	}
	return *p.ahead
}

func (p *Parser) check(t lexer.TokenType) bool { return p.cur.Type == t }

func (p *Parser) accept(t lexer.TokenType) bool {
	if p.check(t) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) expect(t lexer.TokenType, what string) lexer.Token {
	if !p.check(t) {
		p.fail(p.cur.Line, "%s expected near %q", what, p.cur.Lexeme)
	}
	tok := p.cur
	p.advance()
	return tok
}

func (p *Parser) fail(line int, format string, args ...interface{}) {
	panic(luaerr.NewSyntax(p.chunkName, line, format, args...))
}

// blockFollow reports whether the current token ends a block.
func (p *Parser) blockFollow() bool {
	switch p.cur.Type {
	case lexer.TokEOF, lexer.TokEnd, lexer.TokElse, lexer.TokElseif, lexer.TokUntil:
		return true
	}
	return false
}
