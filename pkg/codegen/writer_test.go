package codegen

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nijakow/raven/pkg/bytecode"
)

func finish(t *testing.T, w *Writer) *bytecode.Function {
	t.Helper()
	fn, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return fn
}

func TestEmptyReturn(t *testing.T) {
	w := NewWriter()
	w.Return()
	fn := finish(t, w)

	if !bytes.Equal(fn.Code, []byte{byte(bytecode.OpReturn)}) {
		t.Errorf("Expected a lone RETURN, got %v", fn.Code)
	}
	if fn.NumLocals != 1 {
		t.Errorf("Expected 1 local (the receiver), got %d", fn.NumLocals)
	}
	if fn.Varargs {
		t.Errorf("Expected varargs off")
	}
	if len(fn.Constants) != 0 {
		t.Errorf("Expected empty pool, got %v", fn.Constants)
	}
}

func TestLoadAndSend(t *testing.T) {
	w := NewWriter()
	w.LoadConst(bytecode.Int(7))
	w.Send(bytecode.Symbol("foo"), 0)
	w.Return()
	fn := finish(t, w)

	want := []byte{
		byte(bytecode.OpLoadConst), 0x00, 0x00, 0x00, 0x00,
		byte(bytecode.OpSend), 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		byte(bytecode.OpReturn),
	}
	if !bytes.Equal(fn.Code, want) {
		t.Errorf("Expected stream %v, got %v", want, fn.Code)
	}
	if len(fn.Constants) != 2 {
		t.Fatalf("Expected 2 pool entries, got %d", len(fn.Constants))
	}
	if !fn.Constants[0].Equal(bytecode.Int(7)) {
		t.Errorf("Expected pool[0] = 7, got %v", fn.Constants[0])
	}
	if !fn.Constants[1].Equal(bytecode.Sym("foo")) {
		t.Errorf("Expected pool[1] = #foo, got %v", fn.Constants[1])
	}
}

func TestForwardBranch(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.JumpIf(l)
	w.LoadSelf()
	w.PlaceLabel(l)
	w.Return()
	w.CloseLabel(l)
	fn := finish(t, w)

	// JUMP_IF at 0, operand at 1, LOAD_SELF at 5, RETURN at 6. The branch
	// must land on the RETURN.
	if got := fn.Word(1); got != 6 {
		t.Errorf("Expected branch operand 6, got %d", got)
	}
}

func TestBackwardBranch(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.PlaceLabel(l)
	w.LoadSelf()
	w.Jump(l)
	w.Return()

	// A placed label resolves immediately; no patch site may be pending.
	if got := len(w.labels[int(l)].patches); got != 0 {
		t.Errorf("Backward branch left %d pending patches", got)
	}
	w.CloseLabel(l)
	fn := finish(t, w)

	if got := fn.Word(2); got != 0 {
		t.Errorf("Expected branch operand 0, got %d", got)
	}
}

func TestMultipleReferences(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.Jump(l)
	w.JumpIfNot(l)
	w.PlaceLabel(l)
	w.Return()
	w.CloseLabel(l)
	fn := finish(t, w)

	// Both operands must contain the RETURN's offset (10).
	if got := fn.Word(1); got != 10 {
		t.Errorf("First reference resolved to %d, expected 10", got)
	}
	if got := fn.Word(6); got != 10 {
		t.Errorf("Second reference resolved to %d, expected 10", got)
	}
	if got := w.labels[int(l)].state; got != labelFree {
		t.Errorf("Expected the closed label slot to be free, got state %d", got)
	}
}

func TestVarargsAndLocals(t *testing.T) {
	w := NewWriter()
	w.ReportLocals(3)
	w.EnableVarargs()
	w.Return()
	fn := finish(t, w)

	if fn.NumLocals != 4 {
		t.Errorf("Expected 4 locals, got %d", fn.NumLocals)
	}
	if !fn.Varargs {
		t.Errorf("Expected varargs on")
	}
	if len(fn.Code) != 1 {
		t.Errorf("Expected a one-byte stream, got %d bytes", len(fn.Code))
	}
}

func TestAppendMonotonicity(t *testing.T) {
	// Every emission grows the stream by exactly one opcode byte plus its
	// operand words.
	sym := bytecode.Symbol("msg")
	tests := []struct {
		name  string
		emit  func(w *Writer)
		bytes int
	}{
		{"LoadSelf", func(w *Writer) { w.LoadSelf() }, 1},
		{"LoadConst", func(w *Writer) { w.LoadConst(bytecode.Int(1)) }, 1 + WordSize},
		{"LoadArray", func(w *Writer) { w.LoadArray(3) }, 1 + WordSize},
		{"LoadMapping", func(w *Writer) { w.LoadMapping(4) }, 1 + WordSize},
		{"LoadFuncRef", func(w *Writer) { w.LoadFuncRef(sym) }, 1 + WordSize},
		{"LoadLocal", func(w *Writer) { w.LoadLocal(1) }, 1 + WordSize},
		{"LoadMember", func(w *Writer) { w.LoadMember(1) }, 1 + WordSize},
		{"StoreLocal", func(w *Writer) { w.StoreLocal(1) }, 1 + WordSize},
		{"StoreMember", func(w *Writer) { w.StoreMember(1) }, 1 + WordSize},
		{"PushSelf", func(w *Writer) { w.PushSelf() }, 1},
		{"Push", func(w *Writer) { w.Push() }, 1},
		{"Pop", func(w *Writer) { w.Pop() }, 1},
		{"Prim", func(w *Writer) { w.Prim(bytecode.PrimAdd) }, 1 + WordSize},
		{"Send", func(w *Writer) { w.Send(sym, 2) }, 1 + 2*WordSize},
		{"SuperSend", func(w *Writer) { w.SuperSend(sym, 2) }, 1 + 2*WordSize},
		{"Return", func(w *Writer) { w.Return() }, 1},
	}

	w := NewWriter()
	for _, tt := range tests {
		before := w.buf.Len()
		tt.emit(w)
		if got := w.buf.Len() - before; got != tt.bytes {
			t.Errorf("%s: expected %d bytes, got %d", tt.name, tt.bytes, got)
		}
	}
	if err := w.Err(); err != nil {
		t.Fatalf("Writer poisoned unexpectedly: %v", err)
	}
}

func TestMaxLocalsMonotonic(t *testing.T) {
	w := NewWriter()
	for _, n := range []int{2, 5, 3, 5, 1} {
		w.ReportLocals(n)
	}
	w.Return()
	fn := finish(t, w)
	if fn.NumLocals != 6 {
		t.Errorf("Expected max(2,5,3,5,1)+1 = 6 locals, got %d", fn.NumLocals)
	}
}

func TestConstantDedupIsTransparent(t *testing.T) {
	w := NewWriter()
	w.LoadConst(bytecode.Int(7))
	w.LoadConst(bytecode.Int(7))
	w.Return()
	fn := finish(t, w)

	if len(fn.Constants) != 1 {
		t.Fatalf("Expected 1 pool entry, got %d", len(fn.Constants))
	}
	if a, b := fn.Word(1), fn.Word(6); a != b {
		t.Errorf("Equal constants got different indices %d and %d", a, b)
	}
}

func TestUnresolvedLabelAtFinish(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.Jump(l)
	w.Return()
	if _, err := w.Finish(); !errors.Is(err, ErrUnresolvedLabel) {
		t.Errorf("Expected ErrUnresolvedLabel, got %v", err)
	}
}

func TestCloseUnplacedWithReferences(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.JumpIf(l)
	w.CloseLabel(l)
	if !errors.Is(w.Err(), ErrUnresolvedLabel) {
		t.Errorf("Expected ErrUnresolvedLabel, got %v", w.Err())
	}
	if _, err := w.Finish(); err == nil {
		t.Errorf("Expected a poisoned Finish to refuse")
	}
}

func TestCloseUnreferencedLabel(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.CloseLabel(l)
	w.Return()
	finish(t, w)
}

func TestLabelSlotReuseAfterClose(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.PlaceLabel(l)
	w.CloseLabel(l)

	l2 := w.OpenLabel()
	if l2 != l {
		t.Errorf("Expected the freed slot to be reused, got %d and %d", l, l2)
	}
	if got := w.labels[int(l2)].state; got != labelOpen {
		t.Errorf("Reused slot not reset: state %d", got)
	}
}

func TestLabelExhaustionPoisons(t *testing.T) {
	w := NewWriter()
	for i := 0; i < MaxLabels; i++ {
		if l := w.OpenLabel(); l < 0 {
			t.Fatalf("Arena exhausted early at %d", i)
		}
	}
	if l := w.OpenLabel(); l != -1 {
		t.Errorf("Expected invalid label, got %d", l)
	}
	if !errors.Is(w.Err(), ErrLabelsExhausted) {
		t.Errorf("Expected ErrLabelsExhausted, got %v", w.Err())
	}

	// Poison makes every later emission a no-op.
	before := w.buf.Len()
	w.Return()
	if w.buf.Len() != before {
		t.Errorf("Poisoned writer still emitted")
	}
	if _, err := w.Finish(); !errors.Is(err, ErrLabelsExhausted) {
		t.Errorf("Expected Finish to surface ErrLabelsExhausted, got %v", err)
	}
}

func TestPlaceTwice(t *testing.T) {
	w := NewWriter()
	l := w.OpenLabel()
	w.PlaceLabel(l)
	w.PlaceLabel(l)
	if !errors.Is(w.Err(), ErrInvalidLabel) {
		t.Errorf("Expected ErrInvalidLabel, got %v", w.Err())
	}
}

func TestJumpAgainstForeignLabel(t *testing.T) {
	w := NewWriter()
	w.Jump(Label(17))
	if !errors.Is(w.Err(), ErrInvalidLabel) {
		t.Errorf("Expected ErrInvalidLabel, got %v", w.Err())
	}
}

func TestFinishTwice(t *testing.T) {
	w := NewWriter()
	w.Return()
	finish(t, w)
	if _, err := w.Finish(); !errors.Is(err, ErrFinished) {
		t.Errorf("Expected ErrFinished, got %v", err)
	}
	// Emissions after Finish are no-ops, not crashes.
	w.Return()
	w.LoadConst(bytecode.Int(1))
}

// reEmit decodes fn's stream and replays it call-for-call on a fresh
// writer, reconstructing jump labels from the decoded targets. A correct
// writer reproduces the stream byte for byte.
func reEmit(t *testing.T, fn *bytecode.Function) *bytecode.Function {
	t.Helper()
	w := NewWriter()
	w.ReportLocals(fn.NumLocals - 1)
	if fn.Varargs {
		w.EnableVarargs()
	}

	labels := make(map[uint32]Label)
	walkCode(t, fn, func(pc int, op bytecode.Opcode) {
		switch op {
		case bytecode.OpJump, bytecode.OpJumpIf, bytecode.OpJumpIfNot:
			target := fn.Word(pc + 1)
			if _, ok := labels[target]; !ok {
				labels[target] = w.OpenLabel()
			}
		}
	})

	placed := make(map[uint32]bool)
	walkCode(t, fn, func(pc int, op bytecode.Opcode) {
		if l, ok := labels[uint32(pc)]; ok && !placed[uint32(pc)] {
			w.PlaceLabel(l)
			placed[uint32(pc)] = true
		}
		switch op {
		case bytecode.OpLoadSelf:
			w.LoadSelf()
		case bytecode.OpLoadConst:
			w.LoadConst(fn.Constants[fn.Word(pc+1)])
		case bytecode.OpLoadArray:
			w.LoadArray(int(fn.Word(pc + 1)))
		case bytecode.OpLoadMapping:
			w.LoadMapping(int(fn.Word(pc + 1)))
		case bytecode.OpLoadFuncRef:
			w.LoadFuncRef(fn.Constants[fn.Word(pc+1)].Ref().(bytecode.Symbol))
		case bytecode.OpLoadLocal:
			w.LoadLocal(int(fn.Word(pc + 1)))
		case bytecode.OpLoadMember:
			w.LoadMember(int(fn.Word(pc + 1)))
		case bytecode.OpStoreLocal:
			w.StoreLocal(int(fn.Word(pc + 1)))
		case bytecode.OpStoreMember:
			w.StoreMember(int(fn.Word(pc + 1)))
		case bytecode.OpPushSelf:
			w.PushSelf()
		case bytecode.OpPush:
			w.Push()
		case bytecode.OpPop:
			w.Pop()
		case bytecode.OpPrim:
			w.Prim(bytecode.Prim(fn.Word(pc + 1)))
		case bytecode.OpSend:
			w.Send(fn.Constants[fn.Word(pc+1)].Ref().(bytecode.Symbol), int(fn.Word(pc+1+WordSize)))
		case bytecode.OpSuperSend:
			w.SuperSend(fn.Constants[fn.Word(pc+1)].Ref().(bytecode.Symbol), int(fn.Word(pc+1+WordSize)))
		case bytecode.OpJump:
			w.Jump(labels[fn.Word(pc+1)])
		case bytecode.OpJumpIf:
			w.JumpIf(labels[fn.Word(pc+1)])
		case bytecode.OpJumpIfNot:
			w.JumpIfNot(labels[fn.Word(pc+1)])
		case bytecode.OpReturn:
			w.Return()
		default:
			t.Fatalf("Unhandled opcode %s", op)
		}
	})

	// Targets at the very end of the stream place after the last
	// instruction.
	for target, l := range labels {
		if !placed[target] {
			if int(target) != len(fn.Code) {
				t.Fatalf("Jump target %d is not an instruction boundary", target)
			}
			w.PlaceLabel(l)
		}
		w.CloseLabel(l)
	}
	return finish(t, w)
}

func walkCode(t *testing.T, fn *bytecode.Function, visit func(pc int, op bytecode.Opcode)) {
	t.Helper()
	pc := 0
	for pc < len(fn.Code) {
		op := bytecode.Opcode(fn.Code[pc])
		if !op.Valid() {
			t.Fatalf("Unknown opcode 0x%02X at %d", fn.Code[pc], pc)
		}
		visit(pc, op)
		pc += 1 + bytecode.OperandWords(op)*WordSize
	}
}

func TestRoundTrip(t *testing.T) {
	// A body with forward and backward branches, sends and pool traffic.
	w := NewWriter()
	w.ReportLocals(2)
	top := w.OpenLabel()
	done := w.OpenLabel()

	w.PlaceLabel(top)
	w.LoadLocal(1)
	w.JumpIfNot(done)
	w.LoadConst(bytecode.Int(7))
	w.Push()
	w.LoadSelf()
	w.Push()
	w.Send(bytecode.Symbol("step:"), 1)
	w.StoreLocal(2)
	w.Jump(top)
	w.PlaceLabel(done)
	w.LoadSelf()
	w.Return()
	w.CloseLabel(top)
	w.CloseLabel(done)
	fn := finish(t, w)

	replay := reEmit(t, fn)
	if !bytes.Equal(fn.Code, replay.Code) {
		t.Errorf("Round trip diverged:\n  original %v\n  replayed %v", fn.Code, replay.Code)
	}
	if len(fn.Constants) != len(replay.Constants) {
		t.Fatalf("Pool size diverged: %d vs %d", len(fn.Constants), len(replay.Constants))
	}
	for i := range fn.Constants {
		if !fn.Constants[i].Equal(replay.Constants[i]) {
			t.Errorf("Pool entry %d diverged: %v vs %v", i, fn.Constants[i], replay.Constants[i])
		}
	}
	if replay.NumLocals != fn.NumLocals || replay.Varargs != fn.Varargs {
		t.Errorf("Metadata diverged: locals %d/%d varargs %v/%v",
			fn.NumLocals, replay.NumLocals, fn.Varargs, replay.Varargs)
	}
}
