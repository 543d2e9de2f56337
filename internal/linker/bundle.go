package linker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/crypto/ripemd160"

	"raya/internal/diag"
)

// BundleMagic marks the trailer of a self-contained executable.
var BundleMagic = [8]byte{'R', 'A', 'Y', 'A', 'B', 'N', 'D', 'L'}

// trailerSize is the fixed on-disk trailer length: magic, payload offset,
// code offset/size, function-table offset/count, VFS offset/size, CRC-32,
// and a fixed-width target-triple field.
const trailerSize = 8 + 8 + 8 + 8 + 8 + 4 + 8 + 8 + 4 + tripleFieldLen

const tripleFieldLen = 64

// FuncEntry is one function-table record in a bundle.
type FuncEntry struct {
	ID         GlobalFuncID
	CodeOff    uint64
	LocalCount uint32
	ParamCount uint32
}

// BundleSpec is the writer-side description of a bundle payload.
type BundleSpec struct {
	Code   []byte
	Funcs  []FuncEntry
	VFS    map[string][]byte
	Triple string
}

// Bundle is a mounted, read-only bundle: the code region mapped
// PROT_READ|PROT_EXEC, the reconstructed function pointer map, and the
// embedded virtual filesystem.
type Bundle struct {
	Code   []byte
	Funcs  map[GlobalFuncID]FuncEntry
	VFS    map[string][]byte
	Triple string

	// ContentHashes holds the RIPEMD-160 digest of each VFS entry,
	// computed at mount; identical digests identify deduplicated assets.
	ContentHashes map[string][ripemd160.Size]byte

	mapping mmap.MMap
	file    *os.File
}

// WriteBundle appends a bundle payload plus trailer to the executable at
// path. Identical VFS contents are staged once: the writer keys staging
// buffers by RIPEMD-160 digest so duplicated embedded assets share bytes
// until serialization.
func WriteBundle(path string, spec *BundleSpec) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	payloadOff := uint64(info.Size())

	var payload bytes.Buffer
	codeOff := uint64(0)
	payload.Write(spec.Code)

	funcTabOff := uint64(payload.Len())
	for _, fe := range spec.Funcs {
		binary.Write(&payload, binary.LittleEndian, uint32(fe.ID))
		binary.Write(&payload, binary.LittleEndian, fe.CodeOff)
		binary.Write(&payload, binary.LittleEndian, fe.LocalCount)
		binary.Write(&payload, binary.LittleEndian, fe.ParamCount)
	}

	vfsOff := uint64(payload.Len())
	staged := make(map[[ripemd160.Size]byte][]byte)
	for name, data := range spec.VFS {
		h := ripemd160.New()
		h.Write(data)
		var digest [ripemd160.Size]byte
		copy(digest[:], h.Sum(nil))
		if shared, ok := staged[digest]; ok {
			data = shared
		} else {
			staged[digest] = data
		}
		binary.Write(&payload, binary.LittleEndian, uint16(len(name)))
		payload.WriteString(name)
		binary.Write(&payload, binary.LittleEndian, uint64(len(data)))
		payload.Write(data)
	}
	vfsSize := uint64(payload.Len()) - vfsOff

	crc := crc32.ChecksumIEEE(payload.Bytes())

	if _, err := f.Write(payload.Bytes()); err != nil {
		return err
	}

	var tr bytes.Buffer
	tr.Write(BundleMagic[:])
	binary.Write(&tr, binary.LittleEndian, payloadOff)
	binary.Write(&tr, binary.LittleEndian, codeOff)
	binary.Write(&tr, binary.LittleEndian, uint64(len(spec.Code)))
	binary.Write(&tr, binary.LittleEndian, funcTabOff)
	binary.Write(&tr, binary.LittleEndian, uint32(len(spec.Funcs)))
	binary.Write(&tr, binary.LittleEndian, vfsOff)
	binary.Write(&tr, binary.LittleEndian, vfsSize)
	binary.Write(&tr, binary.LittleEndian, crc)
	var triple [tripleFieldLen]byte
	copy(triple[:], spec.Triple)
	tr.Write(triple[:])

	_, err = f.Write(tr.Bytes())
	return err
}

// OpenBundle inspects the executable at path for a trailer. A missing or
// unrecognized trailer returns (nil, nil): the runtime falls back to the
// interpreter. A present-but-corrupt trailer is a fatal diagnostic.
func OpenBundle(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < trailerSize {
		f.Close()
		return nil, nil
	}

	tr := make([]byte, trailerSize)
	if _, err := f.ReadAt(tr, info.Size()-trailerSize); err != nil {
		f.Close()
		return nil, err
	}
	if !bytes.Equal(tr[:8], BundleMagic[:]) {
		f.Close()
		return nil, nil
	}

	le := binary.LittleEndian
	payloadOff := le.Uint64(tr[8:])
	codeOff := le.Uint64(tr[16:])
	codeSize := le.Uint64(tr[24:])
	funcTabOff := le.Uint64(tr[32:])
	funcCount := le.Uint32(tr[40:])
	vfsOff := le.Uint64(tr[44:])
	vfsSize := le.Uint64(tr[52:])
	wantCRC := le.Uint32(tr[60:])
	triple := string(bytes.TrimRight(tr[64:64+tripleFieldLen], "\x00"))

	payloadLen := uint64(info.Size()) - trailerSize - payloadOff
	if payloadOff+payloadLen > uint64(info.Size()) || vfsOff+vfsSize > payloadLen {
		f.Close()
		return nil, diag.New(diag.CodeBundleCorrupt, "bundle trailer offsets out of range in %s", path)
	}

	// Map the whole file; the code region is a slice of the mapping. The
	// write-then-protect dance a moving loader would need is unnecessary
	// since the payload is mapped directly from the executable.
	mapping, err := mmap.Map(f, mmap.RDONLY|mmap.EXEC, 0)
	if err != nil {
		f.Close()
		return nil, diag.Wrap(diag.CodeBundleCorrupt, err, "mmap of bundle %s failed", path)
	}

	payload := mapping[payloadOff : payloadOff+payloadLen]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		mapping.Unmap()
		f.Close()
		return nil, diag.New(diag.CodeBundleCorrupt, "bundle CRC mismatch in %s", path)
	}

	b := &Bundle{
		Code:          payload[codeOff : codeOff+codeSize],
		Funcs:         make(map[GlobalFuncID]FuncEntry, funcCount),
		VFS:           make(map[string][]byte),
		ContentHashes: make(map[string][ripemd160.Size]byte),
		Triple:        triple,
		mapping:       mapping,
		file:          f,
	}

	ft := payload[funcTabOff:]
	for i := uint32(0); i < funcCount; i++ {
		rec := ft[i*20:]
		b.Funcs[GlobalFuncID(le.Uint32(rec))] = FuncEntry{
			ID:         GlobalFuncID(le.Uint32(rec)),
			CodeOff:    le.Uint64(rec[4:]),
			LocalCount: le.Uint32(rec[12:]),
			ParamCount: le.Uint32(rec[16:]),
		}
	}

	vfs := payload[vfsOff : vfsOff+vfsSize]
	for len(vfs) > 0 {
		if len(vfs) < 2 {
			b.Close()
			return nil, diag.New(diag.CodeBundleCorrupt, "truncated VFS entry in %s", path)
		}
		pathLen := le.Uint16(vfs)
		vfs = vfs[2:]
		if uint64(len(vfs)) < uint64(pathLen)+8 {
			b.Close()
			return nil, diag.New(diag.CodeBundleCorrupt, "truncated VFS entry in %s", path)
		}
		name := string(vfs[:pathLen])
		vfs = vfs[pathLen:]
		dataLen := le.Uint64(vfs)
		vfs = vfs[8:]
		if uint64(len(vfs)) < dataLen {
			b.Close()
			return nil, diag.New(diag.CodeBundleCorrupt, "truncated VFS data in %s", path)
		}
		data := vfs[:dataLen]
		vfs = vfs[dataLen:]

		b.VFS[name] = data
		h := ripemd160.New()
		h.Write(data)
		var digest [ripemd160.Size]byte
		copy(digest[:], h.Sum(nil))
		b.ContentHashes[name] = digest
	}

	return b, nil
}

// ReadFile returns an embedded asset by path.
func (b *Bundle) ReadFile(name string) ([]byte, error) {
	data, ok := b.VFS[name]
	if !ok {
		return nil, fmt.Errorf("bundle vfs: no such file %q", name)
	}
	return data, nil
}

// Close unmaps the code region and releases the executable.
func (b *Bundle) Close() error {
	if b.mapping != nil {
		b.mapping.Unmap()
		b.mapping = nil
	}
	if b.file != nil {
		err := b.file.Close()
		b.file = nil
		return err
	}
	return nil
}
