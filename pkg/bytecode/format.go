// Binary serialization for compiled .rvc images.
//
// An image persists one top-level Function; nested functions travel inside
// its constant pool. The layout is:
//
//	[Header, uncompressed]
//	  Magic Number (4 bytes): uint32 0x52564E43 ("RVNC"), stored as the bytes "CNVR"
//	  Version (4 bytes): format version, currently 1
//	  Flags (4 bytes): reserved, 0
//	  Build ID (16 bytes): random UUID stamped at encode time
//
//	[Body, zstd-compressed]
//	  Function:
//	    NumLocals (4 bytes)
//	    Varargs (1 byte)
//	    Code length (4 bytes) + raw instruction bytes
//	    Constant count (4 bytes) + constants
//	  Constant: type byte + type-specific data
//	    0x01 = Integer (int32, 4 bytes)
//	    0x02 = Character (1 byte)
//	    0x03 = String (4-byte length + UTF-8 bytes)
//	    0x04 = Symbol (4-byte length + UTF-8 bytes)
//	    0x05 = Nil (0 bytes)
//	    0x06 = Function (nested structure, recursive)
//
// All integers are little-endian, matching the in-memory instruction
// encoding, so the code bytes round-trip verbatim. Opaque refs other than
// strings, symbols and functions cannot be persisted and refuse to encode.
package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	// MagicNumber is the image signature: "RVNC".
	MagicNumber uint32 = 0x52564E43

	// FormatVersion is the current image format version.
	FormatVersion uint32 = 1

	formatFlags uint32 = 0
)

// Constant type identifiers for serialization.
const (
	constTypeInt      byte = 0x01
	constTypeChar     byte = 0x02
	constTypeString   byte = 0x03
	constTypeSymbol   byte = 0x04
	constTypeNil      byte = 0x05
	constTypeFunction byte = 0x06
)

// Header is the uncompressed prefix of an .rvc image.
type Header struct {
	Version uint32
	Flags   uint32
	BuildID uuid.UUID
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Encode serializes fn to the .rvc image format. The header is stamped
// with a fresh build id; the body is zstd-compressed.
func Encode(fn *Function, w io.Writer) error {
	if err := writeHeader(w); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	var body bytes.Buffer
	if err := writeFunction(&body, fn); err != nil {
		return fmt.Errorf("failed to write function: %w", err)
	}
	if _, err := w.Write(zstdEncoder.EncodeAll(body.Bytes(), nil)); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return nil
}

// Decode reads an .rvc image and reconstructs its function, validating the
// magic number and version like Encode's inverse.
func Decode(r io.Reader) (*Function, error) {
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported image version: %d (expected %d)", hdr.Version, FormatVersion)
	}
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	body, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	br := bytes.NewReader(body)
	fn, err := readFunction(br)
	if err != nil {
		return nil, err
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after function body", br.Len())
	}
	return fn, nil
}

func writeHeader(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, MagicNumber); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, FormatVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, formatFlags); err != nil {
		return err
	}
	id := uuid.New()
	_, err := w.Write(id[:])
	return err
}

// ReadHeader reads and validates the uncompressed image prefix. The rest
// of the stream is left positioned at the compressed body.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("invalid magic number: 0x%08X (expected 0x%08X)", magic, MagicNumber)
	}
	hdr := &Header{}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Version); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Flags); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if _, err := io.ReadFull(r, hdr.BuildID[:]); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return hdr, nil
}

func writeFunction(w io.Writer, fn *Function) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(fn.NumLocals)); err != nil {
		return err
	}
	var varargs byte
	if fn.Varargs {
		varargs = 1
	}
	if err := binary.Write(w, binary.LittleEndian, varargs); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(fn.Code))); err != nil {
		return err
	}
	if _, err := w.Write(fn.Code); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(fn.Constants))); err != nil {
		return err
	}
	for i, c := range fn.Constants {
		if err := writeConstant(w, c); err != nil {
			return fmt.Errorf("failed to write constant %d: %w", i, err)
		}
	}
	return nil
}

func readFunction(r io.Reader) (*Function, error) {
	var numLocals uint32
	if err := binary.Read(r, binary.LittleEndian, &numLocals); err != nil {
		return nil, fmt.Errorf("failed to read function: %w", err)
	}
	var varargs byte
	if err := binary.Read(r, binary.LittleEndian, &varargs); err != nil {
		return nil, fmt.Errorf("failed to read function: %w", err)
	}
	var codeLen uint32
	if err := binary.Read(r, binary.LittleEndian, &codeLen); err != nil {
		return nil, fmt.Errorf("failed to read function: %w", err)
	}
	code := make([]byte, codeLen)
	if _, err := io.ReadFull(r, code); err != nil {
		return nil, fmt.Errorf("failed to read code: %w", err)
	}
	var constCount uint32
	if err := binary.Read(r, binary.LittleEndian, &constCount); err != nil {
		return nil, fmt.Errorf("failed to read constants: %w", err)
	}
	constants := make([]Value, constCount)
	for i := range constants {
		c, err := readConstant(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read constant %d: %w", i, err)
		}
		constants[i] = c
	}
	return &Function{
		NumLocals: int(numLocals),
		Varargs:   varargs != 0,
		Code:      code,
		Constants: constants,
	}, nil
}

func writeConstant(w io.Writer, c Value) error {
	switch c.Kind() {
	case KindInt:
		if err := binary.Write(w, binary.LittleEndian, constTypeInt); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, c.Int())

	case KindChar:
		if err := binary.Write(w, binary.LittleEndian, constTypeChar); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, c.Char())

	case KindNil:
		return binary.Write(w, binary.LittleEndian, constTypeNil)

	case KindRef:
		switch v := c.Ref().(type) {
		case string:
			if err := binary.Write(w, binary.LittleEndian, constTypeString); err != nil {
				return err
			}
			return writeName(w, v)
		case Symbol:
			if err := binary.Write(w, binary.LittleEndian, constTypeSymbol); err != nil {
				return err
			}
			return writeName(w, string(v))
		case *Function:
			if err := binary.Write(w, binary.LittleEndian, constTypeFunction); err != nil {
				return err
			}
			return writeFunction(w, v)
		default:
			return fmt.Errorf("unsupported ref type: %T", v)
		}
	}
	return fmt.Errorf("unsupported constant kind: %d", c.Kind())
}

func readConstant(r io.Reader) (Value, error) {
	var constType byte
	if err := binary.Read(r, binary.LittleEndian, &constType); err != nil {
		return Nil(), err
	}
	switch constType {
	case constTypeInt:
		var n int32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Nil(), err
		}
		return Int(n), nil

	case constTypeChar:
		var c byte
		if err := binary.Read(r, binary.LittleEndian, &c); err != nil {
			return Nil(), err
		}
		return Char(c), nil

	case constTypeNil:
		return Nil(), nil

	case constTypeString:
		s, err := readName(r)
		if err != nil {
			return Nil(), err
		}
		return Str(s), nil

	case constTypeSymbol:
		s, err := readName(r)
		if err != nil {
			return Nil(), err
		}
		return Sym(s), nil

	case constTypeFunction:
		fn, err := readFunction(r)
		if err != nil {
			return Nil(), err
		}
		return Ref(fn), nil

	default:
		return Nil(), fmt.Errorf("unknown constant type: 0x%02X", constType)
	}
}

func writeName(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readName(r io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
