package bytecode

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrBadMagic    = errors.New("bytecode: bad magic")
	ErrBadVersion  = errors.New("bytecode: unsupported version")
	ErrBadChecksum = errors.New("bytecode: checksum mismatch")
	ErrTruncated   = errors.New("bytecode: truncated module")
)

// Encode serializes m into the `.rbin` binary layout: header, metadata,
// constant pool, function table, class table, import list, export list,
// then a trailing 32-byte SHA-256 checksum over everything preceding it.
func Encode(m *Module) []byte {
	var buf bytes.Buffer

	buf.Write(Magic[:])
	writeU32(&buf, m.Version)
	writeU32(&buf, uint32(m.Flags))
	writeU32(&buf, 0x01020304) // endianness marker

	writeString(&buf, m.Name)
	writeString(&buf, m.SourcePath)

	writeU32(&buf, uint32(len(m.Constants.Strings)))
	for _, s := range m.Constants.Strings {
		writeString(&buf, s)
	}
	writeU32(&buf, uint32(len(m.Constants.I32s)))
	for _, v := range m.Constants.I32s {
		writeU32(&buf, uint32(v))
	}
	writeU32(&buf, uint32(len(m.Constants.F64s)))
	for _, v := range m.Constants.F64s {
		writeU64(&buf, f64bits(v))
	}

	writeU32(&buf, uint32(len(m.Functions)))
	for _, fn := range m.Functions {
		writeFunction(&buf, &fn)
	}

	writeU32(&buf, uint32(len(m.Classes)))
	for _, cls := range m.Classes {
		writeClass(&buf, &cls)
	}

	writeU32(&buf, uint32(len(m.Imports)))
	for _, imp := range m.Imports {
		writeString(&buf, imp.ModuleSpecifier)
		writeString(&buf, imp.Symbol)
		writeString(&buf, imp.Alias)
		writeString(&buf, imp.VersionConstraint)
	}

	writeU32(&buf, uint32(len(m.Exports)))
	for _, exp := range m.Exports {
		writeString(&buf, exp.Name)
		buf.WriteByte(byte(exp.Kind))
		writeU32(&buf, exp.Index)
	}

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func writeFunction(buf *bytes.Buffer, fn *Function) {
	writeString(buf, fn.Name)
	writeU16(buf, fn.ParamCount)
	writeU16(buf, fn.LocalCount)
	writeU16(buf, fn.RegisterCount)
	buf.WriteByte(byte(fn.Encoding))
	writeU32(buf, uint32(len(fn.Code)))
	buf.Write(fn.Code)
	writeU32(buf, uint32(len(fn.Exceptions)))
	for _, e := range fn.Exceptions {
		writeU32(buf, e.TryStartIP)
		writeU32(buf, e.TryEndIP)
		writeU32(buf, uint32(e.CatchIP))
		writeU32(buf, uint32(e.FinallyIP))
		writeU16(buf, e.CatchDestReg)
	}
	writeU32(buf, uint32(len(fn.DebugSpans)))
	for _, s := range fn.DebugSpans {
		writeU32(buf, s.IP)
		writeU32(buf, s.Line)
	}
}

func writeClass(buf *bytes.Buffer, c *Class) {
	writeString(buf, c.Name)
	writeU32(buf, uint32(c.ParentID))
	writeU32(buf, uint32(len(c.Fields)))
	for _, f := range c.Fields {
		writeString(buf, f.Name)
		writeU16(buf, f.Slot)
	}
	writeU32(buf, uint32(len(c.Methods)))
	for name, idx := range c.Methods {
		writeString(buf, name)
		writeU32(buf, idx)
	}
}

// Decode parses a `.rbin` byte slice into a Module, verifying magic,
// version, endianness marker, and checksum.
func Decode(data []byte) (*Module, error) {
	if len(data) < 32 {
		return nil, ErrTruncated
	}
	body, sum := data[:len(data)-32], data[len(data)-32:]
	want := sha256.Sum256(body)
	if !bytes.Equal(want[:], sum) {
		return nil, ErrBadChecksum
	}

	r := &reader{buf: body}
	var magic [4]byte
	if !r.readFull(magic[:]) {
		return nil, ErrTruncated
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	version := r.u32()
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBadVersion, version, CurrentVersion)
	}
	flags := Flags(r.u32())
	endian := r.u32()
	if endian != 0x01020304 {
		return nil, fmt.Errorf("bytecode: bad endianness marker %#x", endian)
	}

	m := &Module{Version: version, Flags: flags}
	m.Name = r.str()
	m.SourcePath = r.str()

	nStrings := r.u32()
	m.Constants.Strings = make([]string, nStrings)
	for i := range m.Constants.Strings {
		m.Constants.Strings[i] = r.str()
	}
	nI32 := r.u32()
	m.Constants.I32s = make([]int32, nI32)
	for i := range m.Constants.I32s {
		m.Constants.I32s[i] = int32(r.u32())
	}
	nF64 := r.u32()
	m.Constants.F64s = make([]float64, nF64)
	for i := range m.Constants.F64s {
		m.Constants.F64s[i] = f64frombits(r.u64())
	}

	nFn := r.u32()
	m.Functions = make([]Function, nFn)
	for i := range m.Functions {
		m.Functions[i] = r.function()
	}

	nCls := r.u32()
	m.Classes = make([]Class, nCls)
	for i := range m.Classes {
		m.Classes[i] = r.class()
	}

	nImp := r.u32()
	m.Imports = make([]Import, nImp)
	for i := range m.Imports {
		m.Imports[i] = Import{
			ModuleSpecifier:   r.str(),
			Symbol:            r.str(),
			Alias:             r.str(),
			VersionConstraint: r.str(),
		}
	}

	nExp := r.u32()
	m.Exports = make([]Export, nExp)
	for i := range m.Exports {
		m.Exports[i] = Export{Name: r.str(), Kind: SymbolKind(r.byte()), Index: r.u32()}
	}

	if r.err != nil {
		return nil, r.err
	}
	copy(m.Checksum[:], sum)
	return m, nil
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) readFull(dst []byte) bool {
	if r.err != nil {
		return false
	}
	if r.pos+len(dst) > len(r.buf) {
		r.err = ErrTruncated
		return false
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return true
}

func (r *reader) byte() byte {
	var b [1]byte
	r.readFull(b[:])
	return b[0]
}

func (r *reader) u16() uint16 {
	var b [2]byte
	if !r.readFull(b[:]) {
		return 0
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (r *reader) u32() uint32 {
	var b [4]byte
	if !r.readFull(b[:]) {
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (r *reader) u64() uint64 {
	var b [8]byte
	if !r.readFull(b[:]) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (r *reader) str() string {
	n := r.u32()
	if r.err != nil || n == 0 {
		return ""
	}
	b := make([]byte, n)
	if !r.readFull(b) {
		return ""
	}
	return string(b)
}

func (r *reader) function() Function {
	fn := Function{}
	fn.Name = r.str()
	fn.ParamCount = r.u16()
	fn.LocalCount = r.u16()
	fn.RegisterCount = r.u16()
	fn.Encoding = Encoding(r.byte())
	codeLen := r.u32()
	fn.Code = make([]byte, codeLen)
	r.readFull(fn.Code)
	nExc := r.u32()
	fn.Exceptions = make([]ExceptionTableEntry, nExc)
	for i := range fn.Exceptions {
		fn.Exceptions[i] = ExceptionTableEntry{
			TryStartIP:   r.u32(),
			TryEndIP:     r.u32(),
			CatchIP:      int32(r.u32()),
			FinallyIP:    int32(r.u32()),
			CatchDestReg: r.u16(),
		}
	}
	nSpans := r.u32()
	fn.DebugSpans = make([]DebugSpan, nSpans)
	for i := range fn.DebugSpans {
		fn.DebugSpans[i] = DebugSpan{IP: r.u32(), Line: r.u32()}
	}
	return fn
}

func (r *reader) class() Class {
	c := Class{}
	c.Name = r.str()
	c.ParentID = int32(r.u32())
	nFields := r.u32()
	c.Fields = make([]FieldSchema, nFields)
	for i := range c.Fields {
		c.Fields[i] = FieldSchema{Name: r.str(), Slot: r.u16()}
	}
	nMethods := r.u32()
	c.Methods = make(map[string]uint32, nMethods)
	for i := uint32(0); i < nMethods; i++ {
		name := r.str()
		idx := r.u32()
		c.Methods[name] = idx
	}
	return c
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}
