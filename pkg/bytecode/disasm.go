package bytecode

import (
	"fmt"
	"io"
	"strings"
)

// Disassemble writes a human-readable listing of fn's instruction stream
// to w, one instruction per line with its byte offset:
//
//	0000  LOAD_CONST    0              ; 7
//	0005  SEND          1, 0           ; #foo
//	0014  RETURN
//
// Operand words are shown as decimal; constant-pool operands carry the
// referenced entry as a trailing comment. Malformed streams return an
// error instead of a partial guess.
func Disassemble(w io.Writer, fn *Function) error {
	pc := 0
	for pc < len(fn.Code) {
		next, err := disasmInstruction(w, fn, pc)
		if err != nil {
			return err
		}
		pc = next
	}
	return nil
}

func disasmInstruction(w io.Writer, fn *Function, pc int) (int, error) {
	op := Opcode(fn.Code[pc])
	if !op.Valid() {
		return 0, fmt.Errorf("unknown opcode 0x%02X at offset %d", byte(op), pc)
	}
	words := OperandWords(op)
	if pc+1+words*WordBytes > len(fn.Code) {
		return 0, fmt.Errorf("truncated %s at offset %d", op, pc)
	}

	operands := make([]string, words)
	for i := range operands {
		operands[i] = fmt.Sprintf("%d", fn.Word(pc+1+i*WordBytes))
	}

	comment := ""
	switch op {
	case OpLoadConst, OpLoadFuncRef, OpSend, OpSuperSend:
		if idx := fn.Word(pc + 1); idx < uint32(len(fn.Constants)) {
			comment = fn.Constants[idx].String()
		} else {
			comment = fmt.Sprintf("constant %d out of range", idx)
		}
	case OpPrim:
		comment = Prim(fn.Word(pc + 1)).String()
	}

	line := fmt.Sprintf("%04d  %-13s %s", pc, op, strings.Join(operands, ", "))
	if comment != "" {
		line = fmt.Sprintf("%-34s ; %s", line, comment)
	}
	if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
		return 0, err
	}
	return pc + 1 + words*WordBytes, nil
}
