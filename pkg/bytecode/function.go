package bytecode

import (
	"encoding/binary"
	"fmt"
)

// WordBytes is the width of one operand word in the instruction stream.
const WordBytes = 4

// Function is the finished, immutable artifact a code writer hands to the
// interpreter: the raw instruction bytes, the constant pool they index,
// and the activation metadata.
//
// NumLocals counts the implicit receiver in slot 0, so a function with
// three declared locals reports four.
type Function struct {
	NumLocals int
	Varargs   bool
	Code      []byte
	Constants []Value
}

// Word reads the operand word starting at byte offset off.
func (fn *Function) Word(off int) uint32 {
	return binary.LittleEndian.Uint32(fn.Code[off : off+WordBytes])
}

// Validate walks the instruction stream without executing it and reports
// the first structural defect: a truncated instruction, an unknown opcode,
// a constant-pool index past the end of the pool, a local slot past
// NumLocals, or a jump target outside the code array. A function that was
// finished from a poisoned writer, or whose jump operands still carry
// placeholder sentinels, fails here before the interpreter ever sees it.
func (fn *Function) Validate() error {
	if fn.NumLocals < 1 {
		return fmt.Errorf("function reserves no slot for the receiver (NumLocals=%d)", fn.NumLocals)
	}
	pc := 0
	for pc < len(fn.Code) {
		op := Opcode(fn.Code[pc])
		if !op.Valid() {
			return fmt.Errorf("unknown opcode 0x%02X at offset %d", byte(op), pc)
		}
		words := OperandWords(op)
		if pc+1+words*WordBytes > len(fn.Code) {
			return fmt.Errorf("truncated %s at offset %d", op, pc)
		}
		switch op {
		case OpLoadConst, OpLoadFuncRef, OpSend, OpSuperSend:
			idx := fn.Word(pc + 1)
			if idx >= uint32(len(fn.Constants)) {
				return fmt.Errorf("%s at offset %d references constant %d of %d", op, pc, idx, len(fn.Constants))
			}
		case OpLoadLocal, OpStoreLocal:
			slot := fn.Word(pc + 1)
			if slot >= uint32(fn.NumLocals) {
				return fmt.Errorf("%s at offset %d references local slot %d of %d", op, pc, slot, fn.NumLocals)
			}
		case OpJump, OpJumpIf, OpJumpIfNot:
			target := fn.Word(pc + 1)
			if target > uint32(len(fn.Code)) {
				return fmt.Errorf("%s at offset %d targets offset %d past %d bytes of code", op, pc, target, len(fn.Code))
			}
		}
		pc += 1 + words*WordBytes
	}
	return nil
}
