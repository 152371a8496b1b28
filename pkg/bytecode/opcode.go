// Package bytecode defines the wire-level instruction format shared by the
// raven compiler back-end and the byte-code interpreter.
//
// A compiled function is a flat byte array. The byte at the current program
// counter names the opcode; depending on the opcode, zero or more 32-bit
// operand words follow, each encoded little-endian at byte granularity (no
// alignment is assumed anywhere in the stream). A conforming reader fetches
// the opcode, advances by one byte, then reads exactly OperandWords(op)
// words in the order documented on each opcode.
//
// The machine is accumulator-based:
//
//	1. LOAD_* instructions place a value in the accumulator
//	2. PUSH moves the accumulator onto the value stack
//	3. SEND dispatches a message on the top-of-stack receiver, leaving
//	   the result in the accumulator
//	4. STORE_* instructions write the accumulator back to a slot
//
// Example compilation:
//
//	Source:  rc = inventory at: 7
//
//	Bytecode:
//	  LOAD_CONST 0       ; 7
//	  PUSH
//	  LOAD_MEMBER 2      ; inventory
//	  PUSH
//	  SEND 1, 1          ; at: with one argument
//	  STORE_LOCAL 1      ; rc
//	  RETURN
//
//	Constants: [7, #at:]
//
// Opcode byte values are stable identifiers: writer and interpreter agree on
// them, and the serialized image format freezes them on disk. Extend the
// enumeration at the end only.
package bytecode

import "fmt"

// Opcode is a single-byte instruction tag.
type Opcode byte

const (
	// === Accumulator loads ===

	// OpLoadSelf loads the implicit receiver into the accumulator.
	// Operands: none
	OpLoadSelf Opcode = iota

	// OpLoadConst loads a constant-pool entry into the accumulator.
	// Operands: pool index
	OpLoadConst

	// OpLoadArray pops N elements off the stack and loads a fresh array
	// built from them into the accumulator.
	// Operands: element count
	OpLoadArray

	// OpLoadMapping pops N stack values (alternating key, value) and loads
	// a fresh mapping built from them into the accumulator.
	// Operands: value count (twice the number of entries)
	OpLoadMapping

	// OpLoadFuncRef loads a function reference by name, resolved against
	// the receiver's blueprint at run time.
	// Operands: pool index of the function's name
	OpLoadFuncRef

	// OpLoadLocal loads a local variable slot into the accumulator.
	// Slot 0 holds the implicit receiver; declared slots start at 1.
	// Operands: slot index
	OpLoadLocal

	// OpLoadMember loads an instance member of the receiver.
	// Operands: member index
	OpLoadMember

	// === Accumulator stores ===

	// OpStoreLocal writes the accumulator to a local variable slot.
	// Operands: slot index
	OpStoreLocal

	// OpStoreMember writes the accumulator to an instance member of the
	// receiver.
	// Operands: member index
	OpStoreMember

	// === Stack traffic ===

	// OpPushSelf pushes the implicit receiver onto the value stack.
	// Operands: none
	OpPushSelf

	// OpPush pushes the accumulator onto the value stack.
	// Operands: none
	OpPush

	// OpPop discards the top of the value stack.
	// Operands: none
	OpPop

	// === Primitive operations ===

	// OpPrim applies a built-in operator. The operand word is a secondary
	// code drawn from the Prim enumeration; the writer treats it as
	// opaque.
	// Operands: secondary operator code
	OpPrim

	// === Message dispatch ===

	// OpSend dispatches a message on the top-of-stack receiver. The
	// receiver sits above its arguments, which were pushed first. The
	// result lands in the accumulator.
	// Operands: pool index of the selector, argument count
	OpSend

	// OpSuperSend is OpSend with method lookup starting at the parent
	// blueprint of the receiver.
	// Operands: pool index of the selector, argument count
	OpSuperSend

	// === Control flow ===

	// OpJump continues execution at an absolute code offset.
	// Operands: target offset
	OpJump

	// OpJumpIf jumps when the accumulator is true.
	// Operands: target offset
	OpJumpIf

	// OpJumpIfNot jumps when the accumulator is not true.
	// Operands: target offset
	OpJumpIfNot

	// OpReturn ends the current activation; the accumulator is the
	// return value.
	// Operands: none
	OpReturn

	opcodeCount // keep last
)

// operandWords maps each opcode to the number of 32-bit operand words that
// follow it in the instruction stream. The disassembler and the validator
// step through a stream by this table; the writer's emission calls append
// the same number of words, and the image format copies code bytes
// verbatim without consulting it.
var operandWords = [opcodeCount]int{
	OpLoadSelf:    0,
	OpLoadConst:   1,
	OpLoadArray:   1,
	OpLoadMapping: 1,
	OpLoadFuncRef: 1,
	OpLoadLocal:   1,
	OpLoadMember:  1,
	OpStoreLocal:  1,
	OpStoreMember: 1,
	OpPushSelf:    0,
	OpPush:        0,
	OpPop:         0,
	OpPrim:        1,
	OpSend:        2,
	OpSuperSend:   2,
	OpJump:        1,
	OpJumpIf:      1,
	OpJumpIfNot:   1,
	OpReturn:      0,
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	return op < opcodeCount
}

// OperandWords returns the number of 32-bit operand words following op.
// Unknown opcodes report zero; callers gate on Valid first.
func OperandWords(op Opcode) int {
	if !op.Valid() {
		return 0
	}
	return operandWords[op]
}

// String returns the assembler mnemonic for an opcode.
func (op Opcode) String() string {
	switch op {
	case OpLoadSelf:
		return "LOAD_SELF"
	case OpLoadConst:
		return "LOAD_CONST"
	case OpLoadArray:
		return "LOAD_ARRAY"
	case OpLoadMapping:
		return "LOAD_MAPPING"
	case OpLoadFuncRef:
		return "LOAD_FUNCREF"
	case OpLoadLocal:
		return "LOAD_LOCAL"
	case OpLoadMember:
		return "LOAD_MEMBER"
	case OpStoreLocal:
		return "STORE_LOCAL"
	case OpStoreMember:
		return "STORE_MEMBER"
	case OpPushSelf:
		return "PUSH_SELF"
	case OpPush:
		return "PUSH"
	case OpPop:
		return "POP"
	case OpPrim:
		return "PRIM"
	case OpSend:
		return "SEND"
	case OpSuperSend:
		return "SUPER_SEND"
	case OpJump:
		return "JUMP"
	case OpJumpIf:
		return "JUMP_IF"
	case OpJumpIfNot:
		return "JUMP_IF_NOT"
	case OpReturn:
		return "RETURN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(op))
	}
}

// Prim is the secondary operator code carried by an OpPrim instruction.
// The interpreter implements these directly instead of dispatching a full
// message send.
type Prim uint32

const (
	PrimAdd Prim = iota
	PrimSub
	PrimMul
	PrimDiv
	PrimMod
	PrimNegate
	PrimEq
	PrimIneq
	PrimLess
	PrimLeq
	PrimGreater
	PrimGeq
	PrimNot
	PrimIndex
)

func (p Prim) String() string {
	switch p {
	case PrimAdd:
		return "add"
	case PrimSub:
		return "sub"
	case PrimMul:
		return "mul"
	case PrimDiv:
		return "div"
	case PrimMod:
		return "mod"
	case PrimNegate:
		return "negate"
	case PrimEq:
		return "eq"
	case PrimIneq:
		return "ineq"
	case PrimLess:
		return "less"
	case PrimLeq:
		return "leq"
	case PrimGreater:
		return "greater"
	case PrimGeq:
		return "geq"
	case PrimNot:
		return "not"
	case PrimIndex:
		return "index"
	default:
		return fmt.Sprintf("prim(%d)", uint32(p))
	}
}
