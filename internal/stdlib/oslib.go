package stdlib

import (
	"os"
	"time"

	"github.com/moonquakes/moonquakes/internal/luart"
)

// openOS installs the subset of `os` spec §4.10 keeps: time/clock/
// date/getenv/difftime/exit. File manipulation (os.remove/rename/
// tmpname) is out of scope per the spec's sandboxing Non-goal.
func openOS(rt *luart.Runtime) {
	o := newLib(rt, "os")
	register(rt, o, "time", osTime)
	register(rt, o, "clock", osClock)
	register(rt, o, "date", osDate)
	register(rt, o, "getenv", osGetenv)
	register(rt, o, "difftime", osDifftime)
	register(rt, o, "exit", osExit)
}

var processStart = time.Now()

func osTime(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return []luart.Value{luart.Int(time.Now().Unix())}, nil
}

func osClock(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	return []luart.Value{luart.Float(time.Since(processStart).Seconds())}, nil
}

func osDate(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	format := "%c"
	if len(args) > 0 && args[0].IsString() {
		format = args[0].Str()
	}
	t := time.Now()
	if len(args) >= 2 {
		if sec, ok := args[1].ToInt(); ok {
			t = time.Unix(sec, 0)
		}
	}
	utc := false
	if len(format) > 0 && format[0] == '!' {
		utc = true
		format = format[1:]
	}
	if utc {
		t = t.UTC()
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(strftime(format, t)))}, nil
}

// strftime implements the small set of conversion specifiers the
// manual's os.date relies on most, mapped onto Go's reference-time
// layout.
func strftime(format string, t time.Time) string {
	var sb []byte
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			sb = append(sb, format[i])
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			sb = append(sb, t.Format("2006")...)
		case 'y':
			sb = append(sb, t.Format("06")...)
		case 'm':
			sb = append(sb, t.Format("01")...)
		case 'd':
			sb = append(sb, t.Format("02")...)
		case 'H':
			sb = append(sb, t.Format("15")...)
		case 'M':
			sb = append(sb, t.Format("04")...)
		case 'S':
			sb = append(sb, t.Format("05")...)
		case 'c':
			sb = append(sb, t.Format("Mon Jan  2 15:04:05 2006")...)
		case 'x':
			sb = append(sb, t.Format("01/02/06")...)
		case 'X':
			sb = append(sb, t.Format("15:04:05")...)
		case '%':
			sb = append(sb, '%')
		default:
			sb = append(sb, '%', format[i])
		}
	}
	return string(sb)
}

func osGetenv(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	name, err := checkString(th, args, 0, "getenv")
	if err != nil {
		return nil, err
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return []luart.Value{luart.Nil}, nil
	}
	return []luart.Value{luart.FromString(rt.Heap.NewString(v))}, nil
}

func osDifftime(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	t2, err := checkNumber(th, args, 0, "difftime")
	if err != nil {
		return nil, err
	}
	t1, err := checkNumber(th, args, 1, "difftime")
	if err != nil {
		return nil, err
	}
	return []luart.Value{luart.Float(t2 - t1)}, nil
}

func osExit(rt *luart.Runtime, th *luart.Thread, args []luart.Value) ([]luart.Value, error) {
	code := 0
	if len(args) > 0 {
		if args[0].IsBool() {
			if !args[0].AsBool() {
				code = 1
			}
		} else if n, ok := args[0].ToInt(); ok {
			code = int(n)
		}
	}
	stdout.Flush()
	os.Exit(code)
	return nil, nil
}
