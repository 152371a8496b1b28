package codegen

import (
	"encoding/binary"
	"errors"

	"github.com/dchest/siphash"

	"github.com/nijakow/raven/pkg/bytecode"
)

// MaxConstants bounds the pool. Operand words could address far more, but
// no hand-written function comes close and the bound keeps a runaway
// front-end from growing the pool silently.
const MaxConstants = 1 << 16

// ErrPoolFull reports that a constant append would exceed MaxConstants.
var ErrPoolFull = errors.New("codegen: constant pool full")

// Pool dedup hash keys. Fixed arbitrary values; the hash only feeds the
// in-memory dedup index and never leaves the process.
const (
	poolHashK0 = 0x726176656e706f6f
	poolHashK1 = 0x6c68617368736565
)

// Pool is the append-only constant pool of one writer. Indices are
// assigned at append time and stay stable for the writer's lifetime.
//
// Appends of nil, integer, character, symbol and string values are
// transparently deduplicated: the returned index is the entry's identity,
// and re-adding an equal value yields the index assigned first. Opaque
// refs are never deduplicated.
type Pool struct {
	values []bytecode.Value
	seen   map[uint64][]int
}

// NewPool returns an empty pool.
func NewPool() Pool {
	return Pool{seen: make(map[uint64][]int)}
}

// Len returns the number of entries.
func (p *Pool) Len() int {
	return len(p.values)
}

// At returns entry i.
func (p *Pool) At(i int) bytecode.Value {
	return p.values[i]
}

// Add appends v and returns its index, or the index of an equal entry
// added earlier.
func (p *Pool) Add(v bytecode.Value) (int, error) {
	key, hashable := hashValue(v)
	if hashable {
		for _, i := range p.seen[key] {
			if p.values[i].Equal(v) {
				return i, nil
			}
		}
	}
	if len(p.values) >= MaxConstants {
		return 0, ErrPoolFull
	}
	idx := len(p.values)
	p.values = append(p.values, v)
	if hashable {
		p.seen[key] = append(p.seen[key], idx)
	}
	return idx, nil
}

// Values returns the backing slice. Ownership transfers through
// Writer.Finish only.
func (p *Pool) Values() []bytecode.Value {
	return p.values
}

// hashValue derives the dedup key from the value's kind tag and encoded
// payload. Refs other than symbols and strings are not hashable and keep
// their own pool slot.
func hashValue(v bytecode.Value) (uint64, bool) {
	var buf []byte
	switch v.Kind() {
	case bytecode.KindNil:
		buf = []byte{byte(bytecode.KindNil)}
	case bytecode.KindInt:
		buf = make([]byte, 5)
		buf[0] = byte(bytecode.KindInt)
		binary.LittleEndian.PutUint32(buf[1:], uint32(v.Int()))
	case bytecode.KindChar:
		buf = []byte{byte(bytecode.KindChar), v.Char()}
	case bytecode.KindRef:
		switch r := v.Ref().(type) {
		case bytecode.Symbol:
			buf = append([]byte{byte(bytecode.KindRef), 0x01}, r...)
		case string:
			buf = append([]byte{byte(bytecode.KindRef), 0x02}, r...)
		default:
			return 0, false
		}
	default:
		return 0, false
	}
	return siphash.Hash(poolHashK0, poolHashK1, buf), true
}
