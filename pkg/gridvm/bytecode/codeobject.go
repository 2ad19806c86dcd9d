// Package bytecode implements the .ssc code-object file format and the
// .mtss multithreaded program descriptor format of spec §6.
package bytecode

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz/lzma"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// Magic is the 4-byte big-endian magic number every .ssc file starts with
// (spec §6).
const Magic uint32 = 0xC0DE10CC

// A one-byte compression marker follows the magic number on disk: 1 means the gob body
// is LZMA-compressed, 0 means it is raw. Spec §6 leaves LZMA compression
// optional; the marker lets LoadCodeObjectFile handle either.
const (
	markerRaw      byte = 0
	markerLZMA     byte = 1
)

// gobBody is the on-the-wire shape of a CodeObject: spec §6 requires picking
// one serialization framing for both to_bytes and persistence, so Encode and
// ToFile share this exact representation.
type gobBody struct {
	Instructions []types.Operation
	Consts       []interface{}
	VarNames     []string
	ArrayNames   []string
	Labels       []int
	LabelNames   map[int]string
}

func toBody(code *types.CodeObject) gobBody {
	return gobBody{
		Instructions: code.Instructions,
		Consts:       code.Consts,
		VarNames:     code.VarNames,
		ArrayNames:   code.ArrayNames,
		Labels:       code.Labels,
		LabelNames:   code.LabelNames,
	}
}

func (b gobBody) toCodeObject() *types.CodeObject {
	return &types.CodeObject{
		Instructions: b.Instructions,
		Consts:       b.Consts,
		VarNames:     b.VarNames,
		ArrayNames:   b.ArrayNames,
		Labels:       b.Labels,
		LabelNames:   b.LabelNames,
	}
}

// Encode serializes a code object to bytes: 4-byte magic, 1-byte compression
// marker, then a gob-encoded body (spec §6: "Implementations must pick one
// serialization framing... and use it for both to_bytes and persistence").
func Encode(code *types.CodeObject, compress bool) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(toBody(code)); err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: encode code object: %w", err)
	}

	var out bytes.Buffer
	var magicBuf [4]byte
	binary.BigEndian.PutUint32(magicBuf[:], Magic)
	out.Write(magicBuf[:])

	if !compress {
		out.WriteByte(markerRaw)
		out.Write(body.Bytes())
		return out.Bytes(), nil
	}

	out.WriteByte(markerLZMA)
	w, err := lzma.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: create lzma writer: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: lzma compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: close lzma writer: %w", err)
	}
	return out.Bytes(), nil
}

// Decode is the inverse of Encode. It rejects a body that contains an
// opcode outside the defined set.
func Decode(buf []byte) (*types.CodeObject, error) {
	if len(buf) < 5 {
		return nil, types.ErrCodeObjectMagic
	}
	magic := binary.BigEndian.Uint32(buf[:4])
	if magic != Magic {
		return nil, types.ErrCodeObjectMagic
	}

	marker := buf[4]
	body := buf[5:]

	var bodyReader io.Reader = bytes.NewReader(body)
	if marker == markerLZMA {
		r, err := lzma.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gridvm/bytecode: create lzma reader: %w", err)
		}
		bodyReader = r
	}

	var decoded gobBody
	if err := gob.NewDecoder(bodyReader).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: decode code object: %w", err)
	}
	for idx, op := range decoded.Instructions {
		if !op.OpCode.Valid() {
			return nil, fmt.Errorf("gridvm/bytecode: unknown opcode %d at instruction %d", op.OpCode, idx)
		}
	}
	return decoded.toCodeObject(), nil
}

// ToFile writes a code object to disk, optionally LZMA-compressed (spec §6).
func ToFile(code *types.CodeObject, path string, compress bool) error {
	buf, err := Encode(code, compress)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// LoadCodeObjectFile reads and decodes a .ssc file.
func LoadCodeObjectFile(path string) (*types.CodeObject, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gridvm/bytecode: read %s: %w", path, err)
	}
	return Decode(buf)
}
