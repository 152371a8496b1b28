package bytecode

import "fmt"

// Kind discriminates the payload of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindChar
	KindRef
)

// Symbol is an interned selector or identifier name. Symbols are the ref
// type the compiler traffics in for message selectors and function names.
type Symbol string

// Value is the tagged scalar stored in a constant pool: nil, a signed
// 32-bit integer, an 8-bit character, or an opaque heap reference (symbol,
// string, nested function, or any other language object). The code writer
// never looks inside a ref; it hands the payload to the pool verbatim.
type Value struct {
	kind Kind
	num  int32
	ref  any
}

// Nil returns the nil value.
func Nil() Value { return Value{kind: KindNil} }

// Int returns an integer value.
func Int(n int32) Value { return Value{kind: KindInt, num: n} }

// Char returns a character value.
func Char(c byte) Value { return Value{kind: KindChar, num: int32(c)} }

// Ref wraps a heap reference.
func Ref(v any) Value { return Value{kind: KindRef, ref: v} }

// Sym wraps a symbol name as a ref value.
func Sym(name string) Value { return Ref(Symbol(name)) }

// Str wraps a string literal as a ref value.
func Str(s string) Value { return Ref(s) }

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// Int returns the integer payload. Valid only for KindInt.
func (v Value) Int() int32 { return v.num }

// Char returns the character payload. Valid only for KindChar.
func (v Value) Char() byte { return byte(v.num) }

// Ref returns the heap reference payload. Valid only for KindRef.
func (v Value) Ref() any { return v.ref }

// Equal reports whether two values are interchangeable as pool entries.
// Refs compare by content for symbols and strings and by identity for
// nested functions; any other ref type never compares equal, which keeps
// opaque objects distinct in the pool.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindInt, KindChar:
		return v.num == o.num
	case KindRef:
		switch a := v.ref.(type) {
		case Symbol:
			b, ok := o.ref.(Symbol)
			return ok && a == b
		case string:
			b, ok := o.ref.(string)
			return ok && a == b
		case *Function:
			b, ok := o.ref.(*Function)
			return ok && a == b
		}
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindInt:
		return fmt.Sprintf("%d", v.num)
	case KindChar:
		return fmt.Sprintf("'%c'", byte(v.num))
	case KindRef:
		switch r := v.ref.(type) {
		case Symbol:
			return "#" + string(r)
		case string:
			return fmt.Sprintf("%q", r)
		case *Function:
			return "<function>"
		default:
			return fmt.Sprintf("<%T>", r)
		}
	}
	return "<invalid>"
}
