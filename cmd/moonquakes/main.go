// Command moonquakes is the CLI driver of spec §6: "moonquakes
// [options] <file>". Grounded in the teacher's cmd/sentra/main.go
// command shape (version/usage first, then dispatch) but rebuilt on
// Cobra (see SPEC_FULL.md's DOMAIN STACK) the way the pack's
// zboralski-galago CLI wraps a single top-level action in a root
// cobra.Command instead of a hand-rolled os.Args switch.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moonquakes/moonquakes/internal/capi"
	"github.com/moonquakes/moonquakes/internal/luaerr"
	"github.com/moonquakes/moonquakes/internal/luart"
	"github.com/moonquakes/moonquakes/internal/traceback"
)

const version = "moonquakes 5.4 (clean-room Go implementation)"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var showVersion bool

	root := &cobra.Command{
		Use:                   "moonquakes [options] <file>",
		Short:                 "A clean-room, embeddable Lua 5.4 interpreter",
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, fargs []string) error {
			if showVersion {
				fmt.Println(version)
				return nil
			}
			if len(fargs) == 0 {
				return cmd.Usage()
			}
			return runScript(fargs[0], fargs[1:])
		},
	}
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "print version information and exit")
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return exitCode
}

// exitCode lets runScript report a non-zero status through Cobra's
// error-free success path (an uncaught Lua error is reported via
// traceback.Print directly, not via Cobra's own error formatting,
// matching spec §6: "error: <message>\n<stack traceback>" printed
// verbatim to stderr).
var exitCode int

// runScript loads and executes file as the main chunk, per spec §6:
// uncaught errors print "error: <message>" plus a traceback to stderr
// and the process exits non-zero; normal termination exits 0.
// scriptArgs becomes the global `arg` table: index 0 is the script
// path itself, positive indices the arguments following it.
func runScript(path string, scriptArgs []string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot open %s: %v\n", path, err)
		exitCode = 1
		return nil
	}

	state := capi.NewState()
	installArgTable(state.Runtime(), path, scriptArgs)

	if _, _, err := state.DoString(string(src), path); err != nil {
		exitCode = 1
		if le, ok := err.(*luaerr.LuaError); ok {
			traceback.Print(os.Stderr, le)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return nil
	}
	exitCode = 0
	return nil
}

// installArgTable populates the `arg` global the way the reference
// lua.c driver does: arg[0] is the script path, arg[1..] the
// arguments that followed it on the command line.
func installArgTable(rt *luart.Runtime, path string, scriptArgs []string) {
	t := rt.Heap.NewTable(len(scriptArgs)+1, 0)
	t.Set(luart.Int(0), luart.FromString(rt.Heap.NewString(path)))
	for i, a := range scriptArgs {
		t.Set(luart.Int(int64(i+1)), luart.FromString(rt.Heap.NewString(a)))
	}
	rt.Globals.SetStr("arg", luart.FromTable(t))
}
