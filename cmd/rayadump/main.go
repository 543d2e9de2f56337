// rayadump inspects .rbin modules and AOT bundles: headers, constant
// pools, function disassembly, class tables, export/import lists, and
// bundle trailers.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"raya/internal/bytecode"
	"raya/internal/linker"
	"raya/internal/opcode"
)

func main() {
	constants := flag.Bool("constants", false, "Dump the constant pools")
	functions := flag.Bool("functions", false, "List functions")
	disasm := flag.String("disasm", "", "Disassemble one function by index or name")
	classes := flag.Bool("classes", false, "Dump the class table")
	symbols := flag.Bool("symbols", false, "Dump exports and imports")
	bundle := flag.Bool("bundle", false, "Inspect an AOT bundle trailer instead of a module")

	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: rayadump [flags] <module.rbin | bundled-executable>")
		os.Exit(1)
	}
	path := flag.Arg(0)

	if *bundle {
		dumpBundle(path)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	m, err := bytecode.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("=== Module %s ===\n", m.Name)
	fmt.Printf("Version:  %d\n", m.Version)
	fmt.Printf("Flags:    0x%x\n", uint32(m.Flags))
	fmt.Printf("Checksum: %x\n", m.Checksum[:8])
	fmt.Printf("Counts:   %d functions, %d classes, %d exports, %d imports\n",
		len(m.Functions), len(m.Classes), len(m.Exports), len(m.Imports))

	if err := bytecode.Verify(m); err != nil {
		fmt.Printf("Verify:   FAILED (%v)\n", err)
	} else {
		fmt.Printf("Verify:   OK\n")
	}

	if *constants {
		dumpConstants(m)
	}
	if *functions {
		dumpFunctions(m)
	}
	if *disasm != "" {
		dumpDisasm(m, *disasm)
	}
	if *classes {
		dumpClasses(m)
	}
	if *symbols {
		dumpSymbols(m)
	}
}

func dumpConstants(m *bytecode.Module) {
	fmt.Printf("\n--- Constants ---\n")
	for i, s := range m.Constants.Strings {
		fmt.Printf("str[%3d]  %q\n", i, s)
	}
	for i, v := range m.Constants.I32s {
		fmt.Printf("i32[%3d]  %d\n", i, v)
	}
	for i, v := range m.Constants.F64s {
		fmt.Printf("f64[%3d]  %g\n", i, v)
	}
}

func dumpFunctions(m *bytecode.Module) {
	fmt.Printf("\n--- Functions (%d) ---\n", len(m.Functions))
	for i, fn := range m.Functions {
		enc := "stack"
		if fn.Encoding == bytecode.EncodingRegister {
			enc = fmt.Sprintf("register(r=%d)", fn.RegisterCount)
		}
		fmt.Printf("%3d. %-30s params=%-2d locals=%-2d %s bytes=%d handlers=%d\n",
			i, fn.Name, fn.ParamCount, fn.LocalCount, enc, len(fn.Code), len(fn.Exceptions))
	}
}

func dumpDisasm(m *bytecode.Module, which string) {
	idx := -1
	if n, err := strconv.Atoi(which); err == nil {
		idx = n
	} else {
		for i, fn := range m.Functions {
			if fn.Name == which {
				idx = i
				break
			}
		}
	}
	if idx < 0 || idx >= len(m.Functions) {
		fmt.Fprintf(os.Stderr, "Error: no function %q\n", which)
		os.Exit(1)
	}
	fn := &m.Functions[idx]
	fmt.Printf("\n--- Disassembly of %s ---\n", fn.Name)
	if fn.Encoding == bytecode.EncodingRegister {
		disasmRegister(fn)
	} else {
		disasmStack(fn)
	}
	for i, e := range fn.Exceptions {
		fmt.Printf("handler %d: try [%d,%d) catch=%d finally=%d\n",
			i, e.TryStartIP, e.TryEndIP, e.CatchIP, e.FinallyIP)
	}
}

func disasmStack(fn *bytecode.Function) {
	ip := uint32(0)
	code := fn.Code
	for int(ip) < len(code) {
		op := opcode.OpCode(code[ip])
		switch op {
		case opcode.ConstI32, opcode.ConstF64, opcode.ConstStr,
			opcode.LoadLocal, opcode.StoreLocal,
			opcode.Jmp, opcode.JmpIfTrue, opcode.JmpIfFalse,
			opcode.Call, opcode.CallClosure, opcode.CallMethod,
			opcode.LoadField, opcode.StoreField, opcode.LoadFieldFast, opcode.StoreFieldFast,
			opcode.MakeClosure, opcode.LoadCaptured, opcode.StoreCaptured,
			opcode.NewArray, opcode.New:
			imm := uint16(code[ip+1]) | uint16(code[ip+2])<<8
			fmt.Printf("%5d  %-18s %d\n", ip, op, imm)
			ip += 3
		case opcode.Try:
			imm := uint16(code[ip+1]) | uint16(code[ip+2])<<8
			fmt.Printf("%5d  %-18s handler=%d\n", ip, op, imm)
			ip += 7
		default:
			fmt.Printf("%5d  %s\n", ip, op)
			ip++
		}
	}
}

func disasmRegister(fn *bytecode.Function) {
	ip := uint32(0)
	code := fn.Code
	for int(ip) < len(code) {
		op := opcode.OpCode(code[ip])
		if op.RegisterShape() == opcode.ShapeABx {
			a := code[ip+1]
			bx := uint16(code[ip+2]) | uint16(code[ip+3])<<8
			extra := uint32(code[ip+4]) | uint32(code[ip+5])<<8 | uint32(code[ip+6])<<16 | uint32(code[ip+7])<<24
			fmt.Printf("%5d  %-18s r%d, %d, extra=%d\n", ip, op, a, bx, extra)
			ip += 8
		} else {
			fmt.Printf("%5d  %-18s r%d, r%d, r%d\n", ip, op, code[ip+1], code[ip+2], code[ip+3])
			ip += 4
		}
	}
}

func dumpClasses(m *bytecode.Module) {
	fmt.Printf("\n--- Classes (%d) ---\n", len(m.Classes))
	for i, c := range m.Classes {
		parent := "(none)"
		if c.ParentID >= 0 {
			parent = fmt.Sprintf("%d (%s)", c.ParentID, m.Classes[c.ParentID].Name)
		}
		fmt.Printf("%3d. %s parent=%s\n", i, c.Name, parent)
		for _, f := range c.Fields {
			fmt.Printf("     field %-20s slot=%d\n", f.Name, f.Slot)
		}
		methods := make([]string, 0, len(c.Methods))
		for name := range c.Methods {
			methods = append(methods, name)
		}
		sort.Strings(methods)
		for _, name := range methods {
			fmt.Printf("     method %-19s fn=%d\n", name, c.Methods[name])
		}
	}
}

func dumpSymbols(m *bytecode.Module) {
	fmt.Printf("\n--- Exports (%d) ---\n", len(m.Exports))
	for _, e := range m.Exports {
		kind := "function"
		if e.Kind == bytecode.SymbolClass {
			kind = "class"
		}
		fmt.Printf("  %-30s %s[%d]\n", e.Name, kind, e.Index)
	}
	fmt.Printf("\n--- Imports (%d) ---\n", len(m.Imports))
	for _, imp := range m.Imports {
		name, version := linker.ParseSpecifier(imp.ModuleSpecifier)
		line := fmt.Sprintf("  %s:%s", name, imp.Symbol)
		if imp.Alias != "" {
			line += " as " + imp.Alias
		}
		if version != "" {
			line += " @" + version
		}
		fmt.Println(line)
	}
}

func dumpBundle(path string) {
	b, err := linker.OpenBundle(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if b == nil {
		fmt.Println("No bundle trailer present; plain executable.")
		return
	}
	defer b.Close()

	fmt.Printf("=== Bundle %s ===\n", path)
	fmt.Printf("Target:   %s\n", b.Triple)
	fmt.Printf("Code:     %d bytes\n", len(b.Code))
	fmt.Printf("Functions (%d):\n", len(b.Funcs))
	ids := make([]uint32, 0, len(b.Funcs))
	for id := range b.Funcs {
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fe := b.Funcs[linker.GlobalFuncID(id)]
		fmt.Printf("  %#08x  off=%-8d locals=%-3d params=%d\n", id, fe.CodeOff, fe.LocalCount, fe.ParamCount)
	}
	fmt.Printf("VFS (%d files):\n", len(b.VFS))
	names := make([]string, 0, len(b.VFS))
	for name := range b.VFS {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		digest := b.ContentHashes[name]
		fmt.Printf("  %-40s %8d bytes  ripemd160=%s\n", name, len(b.VFS[name]), shortHex(digest[:]))
	}
}

func shortHex(b []byte) string {
	var sb strings.Builder
	for _, c := range b[:8] {
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}
