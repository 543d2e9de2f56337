package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/fatih/color"

	"raya/internal/bytecode"
	"raya/internal/config"
	"raya/internal/interp"
	"raya/internal/linker"
	"raya/internal/trace"
	"raya/internal/value"
	"raya/internal/vmhost"
)

func main() {
	configPath := flag.String("config", "rayavm.yaml", "Host configuration file path")
	workers := flag.Int("workers", 0, "Worker thread count (0 = config / available parallelism)")

	// Trace flags
	traceEnabled := flag.Bool("trace", false, "Enable execution tracing")
	traceFilter := flag.String("trace-filter", "", "Trace filter pattern (glob, e.g., 'gc.*' or 'task.*,sched.*')")

	// Inspection flags
	verifyOnly := flag.Bool("verify", false, "Verify the module and exit without executing")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	// Initialize tracer
	if *traceEnabled || cfg.Trace.Enabled {
		filters := cfg.Trace.Filters
		if *traceFilter != "" {
			filters = strings.Split(*traceFilter, ",")
			for i := range filters {
				filters[i] = strings.TrimSpace(filters[i])
			}
		}
		trace.Init(true, filters, os.Stderr)
		log.Printf("Tracing enabled (filters: %v)", filters)
	} else {
		trace.Init(false, nil, nil)
	}

	// A self-contained executable carries its module and native code in a
	// trailer; otherwise the module path comes from the command line.
	if flag.NArg() < 1 {
		if runBundledIfPresent(cfg) {
			return
		}
		fmt.Fprintln(os.Stderr, "usage: rayavm [flags] <module.rbin>")
		os.Exit(1)
	}

	modulePath := flag.Arg(0)
	data, err := os.ReadFile(modulePath)
	if err != nil {
		log.Fatalf("Failed to read module: %v", err)
	}

	m, err := bytecode.Decode(data)
	if err != nil {
		fatalDiag(fmt.Sprintf("Module decode failed: %v", err), vmhost.ExitVerification)
	}

	if *verifyOnly {
		if err := bytecode.Verify(m); err != nil {
			fatalDiag(fmt.Sprintf("Verification failed: %v", err), vmhost.ExitVerification)
		}
		fmt.Printf("%s: OK (%d functions, %d classes)\n", m.Name, len(m.Functions), len(m.Classes))
		return
	}

	vm := vmhost.NewWithConfig(cfg)
	result, err := vm.Execute(m)
	if err != nil {
		reportExecuteError(err)
		os.Exit(vmhost.ExitCode(err))
	}

	if !result.IsNull() {
		fmt.Println(renderResult(result))
	}
}

// runBundledIfPresent checks this executable's own tail for an AOT bundle
// and reports whether one was found and mounted. Full bundled execution
// dispatches through the bundle's function map; without one, the caller
// falls back to usage.
func runBundledIfPresent(cfg *config.Config) bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	b, err := linker.OpenBundle(exe)
	if err != nil {
		fatalDiag(fmt.Sprintf("Bundle load failed: %v", err), vmhost.ExitCode(err))
	}
	if b == nil {
		return false
	}
	defer b.Close()

	log.Printf("Bundle mounted: %d native functions, %d embedded files (%s)",
		len(b.Funcs), len(b.VFS), b.Triple)

	mod, err := b.ReadFile("module.rbin")
	if err != nil {
		fatalDiag("Bundle has no embedded module.rbin", vmhost.ExitVerification)
	}
	m, err := bytecode.Decode(mod)
	if err != nil {
		fatalDiag(fmt.Sprintf("Embedded module decode failed: %v", err), vmhost.ExitVerification)
	}

	vm := vmhost.NewWithConfig(cfg)
	result, err := vm.Execute(m)
	if err != nil {
		reportExecuteError(err)
		os.Exit(vmhost.ExitCode(err))
	}
	if !result.IsNull() {
		fmt.Println(renderResult(result))
	}
	return true
}

func renderResult(v value.Value) string {
	if s, ok := interp.StringContent(v); ok {
		return s
	}
	return v.DebugString()
}

func reportExecuteError(err error) {
	red := color.New(color.FgRed, color.Bold)
	if tf, ok := err.(*vmhost.TaskFailure); ok {
		red.Fprintln(os.Stderr, tf.Error())
		fmt.Fprintln(os.Stderr, tf.Traceback)
		return
	}
	red.Fprintf(os.Stderr, "%v\n", err)
}

func fatalDiag(msg string, code int) {
	color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, msg)
	os.Exit(code)
}
