package stdlib

import "github.com/moonquakes/moonquakes/internal/luart"

// Lua patterns are not regular expressions (spec §4.10 calls them out
// as the library's own "simplified regex-like syntax"), so gmatch/
// gsub/find/match need a purpose-built matcher rather than regexp.
// This implements the reference algorithm's semantics — character
// classes, %-escapes, sets, anchors, the greedy/lazy/optional
// quantifiers *+-?, %bxy balanced-pair matching, %f[set] frontier
// patterns, and numbered/position captures — as a small recursive
// matcher over byte indices, grounded structurally in the manual's own
// description of the algorithm rather than transliterated from any
// particular C implementation.

const maxCaptures = 32

type capture struct {
	start int
	len   int // -1 = position capture, -2 = still open
}

type matchState struct {
	src  string
	pat  string
	caps []capture
}

type patternMatch struct {
	start, end int
	captures   []capture
}

// patternFind searches s for pat starting no earlier than byte offset
// init (0-based), honoring a leading ^ as a start anchor.
func patternFind(s, pat string, init int) *patternMatch {
	anchor := false
	p := 0
	if len(pat) > 0 && pat[0] == '^' {
		anchor = true
		p = 1
	}
	if init > len(s) {
		return nil
	}
	for start := init; start <= len(s); start++ {
		ms := &matchState{src: s, pat: pat}
		if end := doMatch(ms, start, p); end >= 0 {
			return &patternMatch{start: start, end: end, captures: append([]capture(nil), ms.caps...)}
		}
		if anchor {
			break
		}
	}
	return nil
}

func classEnd(ms *matchState, p int) int {
	c := ms.pat[p]
	p++
	if c == '%' {
		if p >= len(ms.pat) {
			return p
		}
		return p + 1
	}
	if c == '[' {
		if p < len(ms.pat) && ms.pat[p] == '^' {
			p++
		}
		for {
			if p >= len(ms.pat) {
				return p
			}
			cc := ms.pat[p]
			p++
			if cc == '%' {
				if p < len(ms.pat) {
					p++
				}
			} else if cc == ']' {
				return p
			}
		}
	}
	return p
}

func matchClassChar(c, cl byte) bool {
	var res bool
	switch lower(cl) {
	case 'a':
		res = isAlphaCh(c)
	case 'd':
		res = c >= '0' && c <= '9'
	case 'l':
		res = c >= 'a' && c <= 'z'
	case 'u':
		res = c >= 'A' && c <= 'Z'
	case 's':
		res = c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
	case 'w':
		res = isAlphaCh(c) || (c >= '0' && c <= '9')
	case 'c':
		res = c < 32 || c == 127
	case 'p':
		res = isPunct(c)
	case 'x':
		res = (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
	case 'g':
		res = c > 32 && c < 127
	default:
		return cl == c
	}
	if cl >= 'A' && cl <= 'Z' {
		return !res
	}
	return res
}

func isAlphaCh(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isPunct(c byte) bool {
	return (c >= '!' && c <= '/') || (c >= ':' && c <= '@') || (c >= '[' && c <= '`') || (c >= '{' && c <= '~')
}
func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 32
	}
	return c
}

func matchSet(ms *matchState, c byte, p, ep int) bool {
	negate := false
	p++ // skip '['
	if ms.pat[p] == '^' {
		negate = true
		p++
	}
	for p < ep-1 {
		if ms.pat[p] == '%' {
			p++
			if matchClassChar(c, ms.pat[p]) {
				return !negate
			}
			p++
		} else if p+2 < ep-1 && ms.pat[p+1] == '-' {
			if ms.pat[p] <= c && c <= ms.pat[p+2] {
				return !negate
			}
			p += 3
		} else {
			if ms.pat[p] == c {
				return !negate
			}
			p++
		}
	}
	return negate
}

// singleMatch reports whether src[s] matches the single pattern item
// at pat[p:ep).
func singleMatch(ms *matchState, s, p, ep int) bool {
	if s >= len(ms.src) {
		return false
	}
	c := ms.src[s]
	switch ms.pat[p] {
	case '.':
		return true
	case '%':
		return matchClassChar(c, ms.pat[p+1])
	case '[':
		return matchSet(ms, c, p, ep)
	default:
		return ms.pat[p] == c
	}
}

// doMatch is the recursive matcher: tries to match ms.pat[p:] against
// ms.src[s:], returning the end index in src on success or -1.
func doMatch(ms *matchState, s, p int) int {
	if p >= len(ms.pat) {
		return s
	}
	switch ms.pat[p] {
	case '(':
		if p+1 < len(ms.pat) && ms.pat[p+1] == ')' {
			return startCapture(ms, s, p+2, -1)
		}
		return startCapture(ms, s, p+1, -2)
	case ')':
		return endCapture(ms, s, p+1)
	case '$':
		if p+1 == len(ms.pat) {
			if s == len(ms.src) {
				return s
			}
			return -1
		}
	case '%':
		if p+1 < len(ms.pat) {
			switch ms.pat[p+1] {
			case 'b':
				return matchBalance(ms, s, p+2)
			case 'f':
				p += 2
				if p >= len(ms.pat) || ms.pat[p] != '[' {
					return -1
				}
				ep := classEnd(ms, p)
				var prev byte
				if s > 0 {
					prev = ms.src[s-1]
				}
				var cur byte
				if s < len(ms.src) {
					cur = ms.src[s]
				}
				if !matchSet(ms, prev, p, ep) && matchSet(ms, cur, p, ep) {
					return doMatch(ms, s, ep)
				}
				return -1
			default:
				if ms.pat[p+1] >= '0' && ms.pat[p+1] <= '9' {
					return matchCapture(ms, s, p, int(ms.pat[p+1]-'0'))
				}
			}
		}
	}
	ep := classEnd(ms, p)
	var suffix byte
	if ep < len(ms.pat) {
		suffix = ms.pat[ep]
	}
	switch suffix {
	case '?':
		if singleMatch(ms, s, p, ep) {
			if r := doMatch(ms, s+1, ep+1); r >= 0 {
				return r
			}
		}
		return doMatch(ms, s, ep+1)
	case '*':
		return maxExpand(ms, s, p, ep)
	case '+':
		if singleMatch(ms, s, p, ep) {
			return maxExpand(ms, s+1, p, ep)
		}
		return -1
	case '-':
		return minExpand(ms, s, p, ep)
	default:
		if !singleMatch(ms, s, p, ep) {
			return -1
		}
		return doMatch(ms, s+1, ep)
	}
}

func maxExpand(ms *matchState, s, p, ep int) int {
	count := 0
	for singleMatch(ms, s+count, p, ep) {
		count++
	}
	for count >= 0 {
		if r := doMatch(ms, s+count, ep+1); r >= 0 {
			return r
		}
		count--
	}
	return -1
}

func minExpand(ms *matchState, s, p, ep int) int {
	for {
		if r := doMatch(ms, s, ep+1); r >= 0 {
			return r
		}
		if singleMatch(ms, s, p, ep) {
			s++
		} else {
			return -1
		}
	}
}

func startCapture(ms *matchState, s, p, what int) int {
	ms.caps = append(ms.caps, capture{start: s, len: what})
	idx := len(ms.caps) - 1
	r := doMatch(ms, s, p)
	if r < 0 {
		ms.caps = ms.caps[:idx]
	}
	return r
}

func endCapture(ms *matchState, s, p int) int {
	idx := -1
	for i := len(ms.caps) - 1; i >= 0; i-- {
		if ms.caps[i].len == -2 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1
	}
	ms.caps[idx].len = s - ms.caps[idx].start
	r := doMatch(ms, s, p)
	if r < 0 {
		ms.caps[idx].len = -2
	}
	return r
}

func matchCapture(ms *matchState, s, p, idx int) int {
	idx--
	if idx < 0 || idx >= len(ms.caps) || ms.caps[idx].len < 0 {
		return -1
	}
	cs := ms.caps[idx]
	sub := ms.src[cs.start : cs.start+cs.len]
	if s+len(sub) <= len(ms.src) && ms.src[s:s+len(sub)] == sub {
		return doMatch(ms, s+len(sub), p+2)
	}
	return -1
}

func matchBalance(ms *matchState, s, p int) int {
	if p+1 >= len(ms.pat) {
		return -1
	}
	if s >= len(ms.src) || ms.src[s] != ms.pat[p] {
		return -1
	}
	open, close := ms.pat[p], ms.pat[p+1]
	depth := 1
	i := s + 1
	for i < len(ms.src) {
		if ms.src[i] == close {
			depth--
			if depth == 0 {
				return doMatch(ms, i+1, p+2)
			}
		} else if ms.src[i] == open {
			depth++
		}
		i++
	}
	return -1
}

func captureString(s string, c capture) string {
	if c.len == -1 {
		return ""
	}
	return s[c.start : c.start+c.len]
}

func captureValue(rt *luart.Runtime, s string, c capture) luart.Value {
	if c.len == -1 {
		return luart.Int(int64(c.start + 1))
	}
	return luart.FromString(rt.Heap.NewString(s[c.start : c.start+c.len]))
}
