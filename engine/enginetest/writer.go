package enginetest

import (
	"bytes"
	"encoding/binary"
)

// writer builds WebAssembly binary encodings.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *writer) Byte(b ...byte) {
	w.buf.Write(b)
}

// U32 writes an unsigned LEB128 value.
func (w *writer) U32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// S32 writes a signed LEB128 value.
func (w *writer) S32(v int32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			w.buf.WriteByte(b)
			return
		}
		w.buf.WriteByte(b | 0x80)
	}
}

// Name writes a length-prefixed UTF-8 string.
func (w *writer) Name(s string) {
	w.U32(uint32(len(s)))
	w.buf.WriteString(s)
}

// Vec writes a length-prefixed byte vector.
func (w *writer) Vec(data []byte) {
	w.U32(uint32(len(data)))
	w.buf.Write(data)
}

func (w *writer) U32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) Section(id byte, body *writer) {
	w.Byte(id)
	w.Vec(body.Bytes())
}

// code assembles a function body.
type code struct {
	writer
}

const (
	opUnreachable = 0x00
	opBlockEmpty  = 0x40
	opLoop        = 0x03
	opIf          = 0x04
	opEnd         = 0x0b
	opBr          = 0x0c
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opI32Const    = 0x41
	opI32Add      = 0x6a
	opPrefixFC    = 0xfc
	opMemoryCopy  = 0x0a
)

func (c *code) get(idx uint32) *code { c.Byte(opLocalGet); c.U32(idx); return c }
func (c *code) set(idx uint32) *code { c.Byte(opLocalSet); c.U32(idx); return c }
func (c *code) i32(v int32) *code    { c.Byte(opI32Const); c.S32(v); return c }
func (c *code) call(fn uint32) *code { c.Byte(opCall); c.U32(fn); return c }
func (c *code) add() *code           { c.Byte(opI32Add); return c }
func (c *code) drop() *code          { c.Byte(opDrop); return c }
func (c *code) unreachable() *code   { c.Byte(opUnreachable); return c }
func (c *code) ifThen() *code        { c.Byte(opIf, opBlockEmpty); return c }
func (c *code) loop() *code          { c.Byte(opLoop, opBlockEmpty); return c }
func (c *code) br(depth uint32) *code {
	c.Byte(opBr)
	c.U32(depth)
	return c
}
func (c *code) end() *code { c.Byte(opEnd); return c }

// memcpy emits memory.copy with (dst, src, n) already on the stack.
func (c *code) memcpy() *code {
	c.Byte(opPrefixFC)
	c.U32(opMemoryCopy)
	c.Byte(0, 0)
	return c
}
