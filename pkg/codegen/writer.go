package codegen

import (
	"errors"

	"github.com/nijakow/raven/pkg/bytecode"
)

// MaxLabels bounds the label arena of one writer. Labels are a
// per-function resource; a function that needs more than this has long
// since stopped being hand-checkable.
const MaxLabels = 256

// Label names a deferred branch target. Identifiers are small integers
// valid only within the writer that handed them out, and are single-use:
// once closed, a label must not be touched again.
type Label int

// jumpSentinel fills the operand of a branch that could not be wired to a
// real label. Validation rejects it because it can never be a reachable
// code offset.
const jumpSentinel = ^uint32(0)

// Errors surfaced by Finish after an emission sequence went wrong. The
// first failure sticks: every later emission on the same writer is a
// no-op, so a front-end can emit an entire body and check once.
var (
	ErrLabelsExhausted = errors.New("codegen: label arena exhausted")
	ErrInvalidLabel    = errors.New("codegen: operation on a free or unknown label")
	ErrUnresolvedLabel = errors.New("codegen: branch emitted against a label that was never placed")
	ErrFinished        = errors.New("codegen: writer already finished")
)

type labelState uint8

const (
	labelFree labelState = iota
	labelOpen
	labelPlaced
)

// labelSlot is one arena entry. While a label is open, patches records the
// byte offsets of every branch operand waiting for its target; placement
// drains the list in one pass and keeps the target around for backward
// branches emitted later.
type labelSlot struct {
	state   labelState
	target  uint32
	patches []int
}

// Writer assembles the bytecode of a single function body. It is created
// fresh per function, driven by exactly one compilation activity, and
// consumed by Finish. It owns its buffer and pool until then; no
// operation blocks, and concurrent use is a caller bug rather than a
// supported mode.
type Writer struct {
	buf       Buffer
	pool      Pool
	labels    [MaxLabels]labelSlot
	maxLocals int
	varargs   bool
	err       error
}

// NewWriter returns a writer ready to emit a function body.
func NewWriter() *Writer {
	return &Writer{
		buf:  NewBuffer(),
		pool: NewPool(),
	}
}

// Err returns the sticky error, if any emission so far failed.
func (w *Writer) Err() error {
	return w.err
}

// fail poisons the writer. The first error wins.
func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// ReportLocals raises the local-slot watermark to n. Idempotent; the
// watermark never decreases.
func (w *Writer) ReportLocals(n int) {
	if n > w.maxLocals {
		w.maxLocals = n
	}
}

// EnableVarargs marks the function as accepting extra arguments.
// Idempotent.
func (w *Writer) EnableVarargs() {
	w.varargs = true
}

// emit0 appends a bare opcode.
func (w *Writer) emit0(op bytecode.Opcode) {
	if w.err != nil {
		return
	}
	w.buf.AppendByte(byte(op))
}

// emit1 appends an opcode followed by one operand word.
func (w *Writer) emit1(op bytecode.Opcode, operand uint32) {
	if w.err != nil {
		return
	}
	w.buf.AppendByte(byte(op))
	w.buf.AppendWord(operand)
}

// emitPool appends an opcode whose first operand is the pool index of v.
func (w *Writer) emitPool(op bytecode.Opcode, v bytecode.Value) {
	if w.err != nil {
		return
	}
	w.buf.AppendByte(byte(op))
	idx, err := w.pool.Add(v)
	if err != nil {
		w.buf.AppendWord(jumpSentinel)
		w.fail(err)
		return
	}
	w.buf.AppendWord(uint32(idx))
}

// LoadSelf loads the implicit receiver into the accumulator.
func (w *Writer) LoadSelf() { w.emit0(bytecode.OpLoadSelf) }

// LoadConst loads v through the constant pool.
func (w *Writer) LoadConst(v bytecode.Value) { w.emitPool(bytecode.OpLoadConst, v) }

// LoadArray builds an array from the top n stack values.
func (w *Writer) LoadArray(n int) { w.emit1(bytecode.OpLoadArray, uint32(n)) }

// LoadMapping builds a mapping from the top n stack values.
func (w *Writer) LoadMapping(n int) { w.emit1(bytecode.OpLoadMapping, uint32(n)) }

// LoadFuncRef loads a reference to the named function.
func (w *Writer) LoadFuncRef(name bytecode.Symbol) {
	w.emitPool(bytecode.OpLoadFuncRef, bytecode.Ref(name))
}

// LoadLocal loads local slot i into the accumulator.
func (w *Writer) LoadLocal(i int) { w.emit1(bytecode.OpLoadLocal, uint32(i)) }

// StoreLocal writes the accumulator to local slot i.
func (w *Writer) StoreLocal(i int) { w.emit1(bytecode.OpStoreLocal, uint32(i)) }

// LoadMember loads instance member i of the receiver.
func (w *Writer) LoadMember(i int) { w.emit1(bytecode.OpLoadMember, uint32(i)) }

// StoreMember writes the accumulator to instance member i.
func (w *Writer) StoreMember(i int) { w.emit1(bytecode.OpStoreMember, uint32(i)) }

// PushSelf pushes the implicit receiver onto the value stack.
func (w *Writer) PushSelf() { w.emit0(bytecode.OpPushSelf) }

// Push pushes the accumulator onto the value stack.
func (w *Writer) Push() { w.emit0(bytecode.OpPush) }

// Pop discards the top of the value stack.
func (w *Writer) Pop() { w.emit0(bytecode.OpPop) }

// Prim applies a built-in operator.
func (w *Writer) Prim(p bytecode.Prim) { w.emit1(bytecode.OpPrim, uint32(p)) }

// Return ends the function body.
func (w *Writer) Return() { w.emit0(bytecode.OpReturn) }

// Send dispatches msg with argc arguments on the top-of-stack receiver.
func (w *Writer) Send(msg bytecode.Symbol, argc int) {
	w.emitSend(bytecode.OpSend, msg, argc)
}

// SuperSend is Send with lookup starting at the parent blueprint.
func (w *Writer) SuperSend(msg bytecode.Symbol, argc int) {
	w.emitSend(bytecode.OpSuperSend, msg, argc)
}

func (w *Writer) emitSend(op bytecode.Opcode, msg bytecode.Symbol, argc int) {
	w.emitPool(op, bytecode.Ref(msg))
	if w.err != nil {
		return
	}
	w.buf.AppendWord(uint32(argc))
}

// Jump emits an unconditional branch to l.
func (w *Writer) Jump(l Label) { w.emitJump(bytecode.OpJump, l) }

// JumpIf branches to l when the accumulator is true.
func (w *Writer) JumpIf(l Label) { w.emitJump(bytecode.OpJumpIf, l) }

// JumpIfNot branches to l when the accumulator is not true.
func (w *Writer) JumpIfNot(l Label) { w.emitJump(bytecode.OpJumpIfNot, l) }

// emitJump appends a branch opcode and its target operand. A placed label
// resolves immediately to its recorded offset; an open one gets a
// placeholder word whose offset is remembered on the label for patching
// at placement time.
func (w *Writer) emitJump(op bytecode.Opcode, l Label) {
	if w.err != nil {
		return
	}
	w.buf.AppendByte(byte(op))
	slot := w.slot(l)
	if slot == nil || slot.state == labelFree {
		w.buf.AppendWord(jumpSentinel)
		w.fail(ErrInvalidLabel)
		return
	}
	if slot.state == labelPlaced {
		w.buf.AppendWord(slot.target)
		return
	}
	slot.patches = append(slot.patches, w.buf.Len())
	w.buf.AppendWord(0)
}

// OpenLabel allocates a label from the arena. The returned identifier is
// only meaningful to this writer. When the arena is exhausted the writer
// is poisoned and an invalid label is returned; every later emission is a
// no-op and Finish refuses.
func (w *Writer) OpenLabel() Label {
	if w.err != nil {
		return Label(-1)
	}
	for i := range w.labels {
		if w.labels[i].state == labelFree {
			w.labels[i] = labelSlot{state: labelOpen}
			return Label(i)
		}
	}
	w.fail(ErrLabelsExhausted)
	return Label(-1)
}

// PlaceLabel records the current stream position as l's target and
// patches every branch operand emitted against l so far. The label stays
// usable for backward branches until it is closed. Placing a label twice,
// or placing a label this writer never opened, poisons the writer.
func (w *Writer) PlaceLabel(l Label) {
	if w.err != nil {
		return
	}
	slot := w.slot(l)
	if slot == nil || slot.state != labelOpen {
		w.fail(ErrInvalidLabel)
		return
	}
	slot.target = uint32(w.buf.Len())
	for _, off := range slot.patches {
		w.buf.PatchWord(off, slot.target)
	}
	slot.patches = nil
	slot.state = labelPlaced
}

// CloseLabel releases l's arena slot. Closing a placed label is the
// normal end of its life. Closing an open label that was never branched
// to quietly frees it; closing one with branches still pending would
// leave placeholder operands in the stream, so it poisons the writer.
func (w *Writer) CloseLabel(l Label) {
	if w.err != nil {
		return
	}
	slot := w.slot(l)
	if slot == nil || slot.state == labelFree {
		w.fail(ErrInvalidLabel)
		return
	}
	if slot.state == labelOpen && len(slot.patches) > 0 {
		w.fail(ErrUnresolvedLabel)
	}
	*slot = labelSlot{}
}

func (w *Writer) slot(l Label) *labelSlot {
	if l < 0 || int(l) >= len(w.labels) {
		return nil
	}
	return &w.labels[int(l)]
}

// Finish consumes the writer and returns the function artifact: the
// instruction bytes, the constant pool, the local-slot count (one more
// than the watermark, reserving slot 0 for the receiver) and the varargs
// flag. Any branch still waiting for a placement refuses the whole
// function, as does any earlier poisoning. After Finish the writer's
// storage has been transferred and every further call is a no-op.
func (w *Writer) Finish() (*bytecode.Function, error) {
	if errors.Is(w.err, ErrFinished) {
		return nil, ErrFinished
	}
	for i := range w.labels {
		if w.labels[i].state == labelOpen && len(w.labels[i].patches) > 0 {
			w.fail(ErrUnresolvedLabel)
			break
		}
	}
	if w.err != nil {
		err := w.err
		w.err = ErrFinished
		return nil, err
	}
	fn := &bytecode.Function{
		NumLocals: w.maxLocals + 1,
		Varargs:   w.varargs,
		Code:      w.buf.Bytes(),
		Constants: w.pool.Values(),
	}
	w.buf = Buffer{}
	w.pool = Pool{}
	w.err = ErrFinished
	return fn, nil
}
