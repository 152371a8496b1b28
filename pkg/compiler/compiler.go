// Package compiler is the front-end-facing façade over the code writer.
// The parser drives it with declarations and symbolic variable accesses;
// the façade tracks lexical scopes, the member layout of the enclosing
// blueprint, and the break/continue labels of the innermost loop, and
// lowers everything onto a codegen.Writer.
package compiler

import (
	"fmt"

	"golang.org/x/exp/maps"

	"github.com/nijakow/raven/pkg/bytecode"
	"github.com/nijakow/raven/pkg/codegen"
)

// loopFrame carries the two labels tied to one loop nesting level.
type loopFrame struct {
	brk  codegen.Label
	cont codegen.Label
}

// Compiler assembles one function body. Like the writer it wraps, it is
// single-use: created per function, driven by one parse, consumed by
// Finish.
type Compiler struct {
	w       *codegen.Writer
	scopes  []*scope
	next    int
	members map[string]int
	loops   []loopFrame
	err     error
}

// New returns a compiler for a function body. members maps the enclosing
// blueprint's instance members to their slot indices; variable accesses
// that miss every lexical scope lower against it before falling back to a
// self-send.
func New(members map[string]int) *Compiler {
	return &Compiler{
		w:       codegen.NewWriter(),
		scopes:  []*scope{newScope()},
		next:    1, // slot 0 holds the receiver
		members: maps.Clone(members),
	}
}

// Writer exposes the underlying code writer for plain emission calls
// (constants, sends, jumps against labels the parser manages itself).
func (c *Compiler) Writer() *codegen.Writer {
	return c.w
}

func (c *Compiler) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Err returns the first front-end error, or the writer's sticky error.
func (c *Compiler) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.w.Err()
}

// PushScope opens a nested lexical scope.
func (c *Compiler) PushScope() {
	c.scopes = append(c.scopes, newScope())
}

// PopScope closes the innermost scope. Its names stop resolving, but
// their slots stay counted in the local watermark.
func (c *Compiler) PopScope() {
	if len(c.scopes) == 1 {
		c.fail(fmt.Errorf("cannot pop the function's root scope"))
		return
	}
	c.scopes = c.scopes[:len(c.scopes)-1]
}

// DeclareArg binds a parameter name to the next local slot. Arguments are
// ordinary declarations in the root scope; they exist as a separate call
// so parsers read naturally.
func (c *Compiler) DeclareArg(name string) int {
	return c.Declare(name)
}

// Declare binds name to a fresh local slot in the innermost scope and
// returns the slot. Redeclaring a name within one scope is an error; the
// original slot is returned so emission can continue.
func (c *Compiler) Declare(name string) int {
	s := c.scopes[len(c.scopes)-1]
	if slot, ok := s.names[name]; ok {
		c.fail(fmt.Errorf("variable %q redeclared in the same scope", name))
		return slot
	}
	slot := c.next
	c.next++
	s.names[name] = slot
	c.w.ReportLocals(c.next - 1)
	return slot
}

// resolve walks the scope chain innermost-out.
func (c *Compiler) resolve(name string) (int, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if slot, ok := c.scopes[i].names[name]; ok {
			return slot, true
		}
	}
	return 0, false
}

// LoadVar loads the named variable into the accumulator: a lexical local
// if one is in scope, else an instance member, else a zero-argument
// getter send to self.
func (c *Compiler) LoadVar(name string) {
	if slot, ok := c.resolve(name); ok {
		c.w.LoadLocal(slot)
		return
	}
	if idx, ok := c.members[name]; ok {
		c.w.LoadMember(idx)
		return
	}
	c.w.LoadSelf()
	c.w.Push()
	c.w.Send(bytecode.Symbol(name), 0)
}

// StoreVar writes the accumulator to the named variable, with the same
// resolution order as LoadVar. The send fallback pushes the value as the
// single argument of the keyword setter "name:" and dispatches on self.
func (c *Compiler) StoreVar(name string) {
	if slot, ok := c.resolve(name); ok {
		c.w.StoreLocal(slot)
		return
	}
	if idx, ok := c.members[name]; ok {
		c.w.StoreMember(idx)
		return
	}
	c.w.Push()
	c.w.LoadSelf()
	c.w.Push()
	c.w.Send(bytecode.Symbol(name+":"), 1)
}

// EnterLoop opens the break and continue labels of a new innermost loop.
// The caller places neither directly: MarkLoopContinue pins the continue
// target, ExitLoop pins the break target at the loop's end.
func (c *Compiler) EnterLoop() {
	c.loops = append(c.loops, loopFrame{
		brk:  c.w.OpenLabel(),
		cont: c.w.OpenLabel(),
	})
}

// MarkLoopContinue places the innermost loop's continue target at the
// current stream position, usually just before the condition re-check.
func (c *Compiler) MarkLoopContinue() {
	if len(c.loops) == 0 {
		c.fail(fmt.Errorf("continue target outside any loop"))
		return
	}
	c.w.PlaceLabel(c.loops[len(c.loops)-1].cont)
}

// Break jumps past the innermost loop.
func (c *Compiler) Break() {
	if len(c.loops) == 0 {
		c.fail(fmt.Errorf("break outside any loop"))
		return
	}
	c.w.Jump(c.loops[len(c.loops)-1].brk)
}

// Continue jumps to the innermost loop's continue target.
func (c *Compiler) Continue() {
	if len(c.loops) == 0 {
		c.fail(fmt.Errorf("continue outside any loop"))
		return
	}
	c.w.Jump(c.loops[len(c.loops)-1].cont)
}

// ExitLoop places the break target at the current position and releases
// both loop labels. A Continue emitted into a loop that never marked its
// continue target surfaces here as an unresolved-label error.
func (c *Compiler) ExitLoop() {
	if len(c.loops) == 0 {
		c.fail(fmt.Errorf("loop exit outside any loop"))
		return
	}
	frame := c.loops[len(c.loops)-1]
	c.loops = c.loops[:len(c.loops)-1]
	c.w.PlaceLabel(frame.brk)
	c.w.CloseLabel(frame.brk)
	c.w.CloseLabel(frame.cont)
}

// Finish consumes the compiler and returns the function artifact. Scope
// and loop imbalances left by the front-end refuse the function just like
// writer-level poisoning does.
func (c *Compiler) Finish() (*bytecode.Function, error) {
	if len(c.loops) > 0 {
		c.fail(fmt.Errorf("%d loops never exited", len(c.loops)))
	}
	if len(c.scopes) > 1 {
		c.fail(fmt.Errorf("%d scopes never popped", len(c.scopes)-1))
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.w.Finish()
}
