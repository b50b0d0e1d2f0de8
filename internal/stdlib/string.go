package stdlib

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moonquakes/moonquakes/internal/dump"
	"github.com/moonquakes/moonquakes/internal/luart"
	"github.com/moonquakes/moonquakes/internal/vm"
)

// openString installs the `string` library of spec §4.10, grounded in
// the teacher's createStringFunc generic wrapper for the simple
// transforms (vmregister/stdlib.go upper/lower/trim) and generalized
// with Lua's 1-based/negative-index string slicing and its own pattern
// language (pattern.go), which the teacher's regexp-backed
// string functions don't need since Lua patterns aren't regular
// expressions.
func openString(rt *luart.Runtime) {
	s := newLib(rt, "string")

	// string values share a metatable whose __index is this library,
	// enabling s:upper() method syntax per spec §4.10.
	rt.StringMeta = rt.Heap.NewTable(0, 1)
	rt.StringMeta.SetStr("__index", luart.FromTable(s))

	register(rt, s, "len", strLen)
	register(rt, s, "sub", strSub)
	register(rt, s, "upper", strUpper)
	register(rt, s, "lower", strLower)
	register(rt, s, "rep", strRep)
	register(rt, s, "reverse", strReverse)
	register(rt, s, "byte", strByte)
	register(rt, s, "char", strChar)
	register(rt, s, "format", strFormat)
	register(rt, s, "find", strFind)
	register(rt, s, "match", strMatch)
	register(rt, s, "gmatch", strGmatch)
	register(rt, s, "gsub", strGsub)
	register(rt, s, "dump", strDump)
}

// strDump implements spec §6's string.dump: a byte-exact binary
// encoding of f's Prototype, behind the mandatory 4-byte magic
// (internal/dump.Magic). Only bytecode closures can be dumped — a
// native (Go) function has no Prototype to serialize, matching the
// reference library's own restriction.
func strDump(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	v := arg(args, 0)
	if !v.IsFunction() {
		return nil, argErr(th, 1, "dump", "function expected, got %s", v.TypeName())
	}
	cl := v.AsClosure()
	if cl == nil {
		return nil, callErr(th, "unable to dump given function")
	}
	b := dump.Encode(cl.Proto)
	return []luart.Value{luart.FromString(rt.Heap.NewString(string(b)))}, nil
}

func strIndex(s string, i int64) int {
	n := int64(len(s))
	if i < 0 {
		i = n + i + 1
	}
	return int(i)
}

func strLen(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "len")
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.Int(int64(len(s)))}, nil
}

func strSub(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "sub")
	if err != nil {
		return nil, err
	}
	i := strIndex(s, optInt(args, 1, 1))
	j := strIndex(s, optInt(args, 2, -1))
	if i < 1 {
		i = 1
	}
	if j > len(s) {
		j = len(s)
	}
	if i > j {
		return []luart.Value{luart.FromString(rt.Heap.NewString(""))}, nil
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(s[i-1 : j]))}, nil
}

func strUpper(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "upper")
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(strings.ToUpper(s)))}, nil
}

func strLower(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "lower")
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(strings.ToLower(s)))}, nil
}

func strRep(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "rep")
	if err != nil {
		return nil, err
	}
	n, err := checkInt(th, args, 1, "rep")
	if err != nil {
		return nil, err
	}
	sep := ""
	if len(args) >= 3 {
		sep, err = checkString(th, args, 2, "rep")
		if err != nil {
			return nil, err
		}
	}
	if n <= 0 {
		return []luart.Value{luart.FromString(rt.Heap.NewString(""))}, nil
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(strings.Join(parts, sep)))}, nil
}

func strReverse(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "reverse")
	if err != nil {
		return nil, err
	}
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(string(b)))}, nil
}

func strByte(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "byte")
	if err != nil {
		return nil, err
	}
	i := strIndex(s, optInt(args, 1, 1))
	j := strIndex(s, optInt(args, 2, int64(i)))
	if i < 1 {
		i = 1
	}
	if j > len(s) {
		j = len(s)
	}
	if i > j {
		return nil, nil
	}
	out := make([]luart.Value, 0, j-i+1)
	for k := i; k <= j; k++ {
		out = append(out, luart.Int(int64(s[k-1])))
	}
	return out, nil
}

func strChar(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	b := make([]byte, len(args))
	for i := range args {
		n, err := checkInt(th, args, i, "char")
		if err != nil {
			return nil, err
		}
		b[i] = byte(n)
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(string(b)))}, nil
}

// strFormat implements string.format's printf-family directives
// (%d/%i/%u/%f/%g/%e/%s/%q/%x/%X/%o/%c/%%), per spec §4.10, translated
// onto Go's fmt verbs since Lua's format spec is a near-subset of C's.
func strFormat(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	format, err := checkString(th, args, 0, "format")
	if err != nil {
		return nil, err
	}
	rest := args[1:]
	var sb strings.Builder
	argi := 0
	nextArg := func() luart.Value {
		if argi < len(rest) {
			v := rest[argi]
			argi++
			return v
		}
		return luart.Nil
	}
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		start := i
		i++
		for i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0 {
			i++
		}
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			i++
		}
		if i < len(format) && format[i] == '.' {
			i++
			for i < len(format) && format[i] >= '0' && format[i] <= '9' {
				i++
			}
		}
		if i >= len(format) {
			sb.WriteString(format[start:i])
			break
		}
		verb := format[i]
		spec := format[start : i+1]
		switch verb {
		case '%':
			sb.WriteByte('%')
		case 'd', 'i':
			n, e := nextArg().ToInt()
			if !e {
				return nil, callErr(th, "bad argument #%d to 'format' (number expected)", argi)
			}
			fmt.Fprintf(&sb, spec[:len(spec)-1]+"d", n)
		case 'u':
			n, _ := nextArg().ToInt()
			fmt.Fprintf(&sb, spec[:len(spec)-1]+"d", uint64(n))
		case 'x', 'X', 'o':
			n, _ := nextArg().ToInt()
			fmt.Fprintf(&sb, spec, uint64(n))
		case 'c':
			n, _ := nextArg().ToInt()
			sb.WriteByte(byte(n))
		case 'f', 'F', 'e', 'E', 'g', 'G':
			f, _ := nextArg().ToFloat()
			fmt.Fprintf(&sb, spec, f)
		case 's':
			v := nextArg()
			fmt.Fprintf(&sb, spec, v.ToStringValue())
		case 'q':
			v := nextArg()
			sb.WriteString(strconv.Quote(v.ToStringValue()))
		default:
			sb.WriteString(spec)
		}
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(sb.String()))}, nil
}

func strFind(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "find")
	if err != nil {
		return nil, err
	}
	pat, err := checkString(th, args, 1, "find")
	if err != nil {
		return nil, err
	}
	init := strIndex(s, optInt(args, 2, 1))
	if init < 1 {
		init = 1
	}
	plain := len(args) >= 4 && args[3].Truthy()
	if init > len(s)+1 {
		return []luart.Value{luart.Nil}, nil
	}
	if plain || !hasPatternSpecials(pat) {
		idx := strings.Index(s[init-1:], pat)
		if idx < 0 {
			return []luart.Value{luart.Nil}, nil
		}
		start := init - 1 + idx
		return []luart.Value{luart.Int(int64(start + 1)), luart.Int(int64(start + len(pat)))}, nil
	}
	m := patternFind(s, pat, init-1)
	if m == nil {
		return []luart.Value{luart.Nil}, nil
	}
	out := []luart.Value{luart.Int(int64(m.start + 1)), luart.Int(int64(m.end))}
	for _, c := range m.captures {
		out = append(out, captureValue(rt, s, c))
	}
	return out, nil
}

func strMatch(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "match")
	if err != nil {
		return nil, err
	}
	pat, err := checkString(th, args, 1, "match")
	if err != nil {
		return nil, err
	}
	init := strIndex(s, optInt(args, 2, 1))
	if init < 1 {
		init = 1
	}
	m := patternFind(s, pat, init-1)
	if m == nil {
		return []luart.Value{luart.Nil}, nil
	}
	if len(m.captures) == 0 {
		return []luart.Value{luart.FromString(rt.Heap.NewString(s[m.start:m.end]))}, nil
	}
	out := make([]luart.Value, len(m.captures))
	for i, c := range m.captures {
		out[i] = captureValue(rt, s, c)
	}
	return out, nil
}

func strGmatch(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "gmatch")
	if err != nil {
		return nil, err
	}
	pat, err := checkString(th, args, 1, "gmatch")
	if err != nil {
		return nil, err
	}
	pos := 0
	iter := rt.Heap.NewGoFunction("gmatch.iterator", func(rt *luart.Runtime, th *luart.Thread, _ []luart.Value) ([]luart.Value, error) {
		for pos <= len(s) {
			m := patternFind(s, pat, pos)
			if m == nil {
				return nil, nil
			}
			if m.end == m.start {
				pos = m.end + 1
			} else {
				pos = m.end
			}
			if len(m.captures) == 0 {
				return []luart.Value{luart.FromString(rt.Heap.NewString(s[m.start:m.end]))}, nil
			}
			out := make([]luart.Value, len(m.captures))
			for i, c := range m.captures {
				out[i] = captureValue(rt, s, c)
			}
			return out, nil
		}
		return nil, nil
	})
	return []luart.Value{luart.FromGoFunc(iter)}, nil
}

func strGsub(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	s, err := checkString(th, args, 0, "gsub")
	if err != nil {
		return nil, err
	}
	pat, err := checkString(th, args, 1, "gsub")
	if err != nil {
		return nil, err
	}
	repl := arg(args, 2)
	maxN := int64(-1)
	if len(args) >= 4 {
		maxN, _ = args[3].ToInt()
	}
	var sb strings.Builder
	pos := 0
	count := int64(0)
	for pos <= len(s) {
		if maxN >= 0 && count >= maxN {
			break
		}
		m := patternFind(s, pat, pos)
		if m == nil || m.start > len(s) {
			break
		}
		sb.WriteString(s[pos:m.start])
		whole := s[m.start:m.end]
		replacement, err := gsubReplacement(rt, th, repl, whole, s, m)
		if err != nil {
			return nil, err
		}
		sb.WriteString(replacement)
		count++
		if m.end == m.start {
			if m.end < len(s) {
				sb.WriteByte(s[m.end])
			}
			pos = m.end + 1
		} else {
			pos = m.end
		}
	}
	if pos < len(s) {
		sb.WriteString(s[pos:])
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(sb.String())), luart.Int(count)}, nil
}

func gsubReplacement(rt *luart.Runtime, th *luart.Thread, repl luart.Value, whole, s string, m *patternMatch) (string, error) {
	switch {
	case repl.IsString() || repl.IsNumber():
		return expandGsubTemplate(repl.ToStringValue(), whole, s, m), nil
	case repl.IsTable():
		key := whole
		if len(m.captures) > 0 {
			key = captureString(s, m.captures[0])
		}
		v := repl.AsTable().GetStr(key)
		return gsubResultString(v, whole), nil
	case repl.IsFunction():
		var callArgs []luart.Value
		if len(m.captures) > 0 {
			for _, c := range m.captures {
				callArgs = append(callArgs, captureValue(rt, s, c))
			}
		} else {
			callArgs = []luart.Value{luart.FromString(rt.Heap.NewString(whole))}
		}
		res, err := vm.Call(rt, th, repl, callArgs)
		if err != nil {
			return "", err
		}
		if len(res) == 0 {
			return whole, nil
		}
		return gsubResultString(res[0], whole), nil
	}
	return whole, nil
}

func gsubResultString(v luart.Value, whole string) string {
	if v.IsNil() || (v.IsBool() && !v.AsBool()) {
		return whole
	}
	return v.ToStringValue()
}

func expandGsubTemplate(tmpl, whole, s string, m *patternMatch) string {
	var sb strings.Builder
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' || i+1 >= len(tmpl) {
			sb.WriteByte(tmpl[i])
			continue
		}
		i++
		c := tmpl[i]
		switch {
		case c == '%':
			sb.WriteByte('%')
		case c == '0':
			sb.WriteString(whole)
		case c >= '1' && c <= '9':
			idx := int(c - '1')
			if idx < len(m.captures) {
				sb.WriteString(captureString(s, m.captures[idx]))
			} else if idx == 0 {
				sb.WriteString(whole)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func hasPatternSpecials(pat string) bool {
	return strings.ContainsAny(pat, "^$*+?.([%-")
}
