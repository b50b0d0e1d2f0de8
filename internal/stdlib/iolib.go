package stdlib

import (
	"bufio"
	"fmt"
	"os"

	"github.com/moonquakes/moonquakes/internal/luart"
	"github.com/moonquakes/moonquakes/internal/vm"
)

var stdinReader = bufio.NewReader(os.Stdin)

// openIO installs a minimal `io` library: write to stdout and read a
// line from stdin, matching spec §4.10's scoped-down io surface (no
// file handles, since file I/O sits outside the sandboxing Non-goal's
// boundary).
func openIO(rt *luart.Runtime) {
	io := newLib(rt, "io")
	register(rt, io, "write", ioWrite)
	register(rt, io, "read", ioRead)
}

func ioWrite(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	for _, v := range args {
		s, err := vm.ToDisplayString(rt, th, v)
		if err != nil {
			return nil, err
		}
		stdout.WriteString(s)
	}
	stdout.Flush()
	return nil, nil
}

func ioRead(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	format := "l"
	if len(args) > 0 && args[0].IsString() {
		format = args[0].Str()
		format = trimReadFormat(format)
	}
	switch format {
	case "n":
		var f float64
		if _, err := fmt.Fscan(stdinReader, &f); err != nil {
			return []luart.Value{luart.Nil}, nil
		}
		return []luart.Value{luart.Float(f)}, nil
	case "a":
		var sb []byte
		buf := make([]byte, 4096)
		for {
			n, err := stdinReader.Read(buf)
			sb = append(sb, buf[:n]...)
			if err != nil {
				break
			}
		}
		return []luart.Value{luart.FromString(rt.Heap.NewString(string(sb)))}, nil
	default: // "l"/"L"
		line, err := stdinReader.ReadString('\n')
		if err != nil && line == "" {
			return []luart.Value{luart.Nil}, nil
		}
		if format != "L" {
			line = trimNewline(line)
		}
		return []luart.Value{luart.FromString(rt.Heap.NewString(line))}, nil
	}
}

func trimReadFormat(f string) string {
	if len(f) > 0 && f[0] == '*' {
		return f[1:]
	}
	return f
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
