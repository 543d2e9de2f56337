package linker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"raya/internal/bytecode"
)

func modWith(name string, exports []string, imports ...bytecode.Import) *bytecode.Module {
	m := &bytecode.Module{Name: name}
	for i, exp := range exports {
		m.Functions = append(m.Functions, bytecode.Function{Name: exp, ParamCount: 1, LocalCount: 2})
		m.Exports = append(m.Exports, bytecode.Export{Name: exp, Kind: bytecode.SymbolFunction, Index: uint32(i)})
	}
	m.Imports = imports
	return m
}

func TestResolveAndReverseLookup(t *testing.T) {
	l := New()
	idx, err := l.AddModule(modWith("math", []string{"add", "mul"}))
	require.NoError(t, err)
	require.Equal(t, uint16(0), idx)

	id, err := l.Resolve("math", "mul")
	require.NoError(t, err)
	require.Equal(t, uint16(0), id.Module())
	require.Equal(t, uint16(1), id.Function())

	info, ok := l.Lookup(id)
	require.True(t, ok)
	require.Equal(t, "mul", info.FuncName)
	require.Equal(t, uint16(1), info.ParamCount)

	// Second resolve comes from the LRU cache and must agree.
	id2, err := l.Resolve("math", "mul")
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestUnresolvedImport(t *testing.T) {
	l := New()
	_, err := l.AddModule(modWith("app", nil, bytecode.Import{ModuleSpecifier: "missing", Symbol: "f"}))
	require.NoError(t, err)

	_, err = l.LinkImports(modWith("app2", nil, bytecode.Import{ModuleSpecifier: "missing", Symbol: "f"}))
	require.True(t, errors.Is(err, ErrUnresolvedImport))
}

func TestLinkImportsInOrder(t *testing.T) {
	l := New()
	_, err := l.AddModule(modWith("util", []string{"a", "b"}))
	require.NoError(t, err)

	app := modWith("app", nil,
		bytecode.Import{ModuleSpecifier: "util@^1.0", Symbol: "b"},
		bytecode.Import{ModuleSpecifier: "util", Symbol: "a"},
	)
	ids, err := l.LinkImports(app)
	require.NoError(t, err)
	require.Equal(t, []GlobalFuncID{MakeGlobalFuncID(0, 1), MakeGlobalFuncID(0, 0)}, ids)
}

func TestCycleDetection(t *testing.T) {
	l := New()
	_, err := l.AddModule(modWith("a", []string{"fa"}, bytecode.Import{ModuleSpecifier: "b", Symbol: "fb"}))
	require.NoError(t, err)
	_, err = l.AddModule(modWith("b", []string{"fb"}, bytecode.Import{ModuleSpecifier: "a", Symbol: "fa"}))
	require.NoError(t, err)

	require.True(t, errors.Is(l.CheckCycles(), ErrCyclicImport))
}

func TestParseSpecifier(t *testing.T) {
	cases := []struct {
		spec, name, version string
	}{
		{"util", "util", ""},
		{"util@1.2.3", "util", "1.2.3"},
		{"@acme/util", "@acme/util", ""},
		{"@acme/util@^2.0", "@acme/util", "^2.0"},
	}
	for _, c := range cases {
		name, version := ParseSpecifier(c.spec)
		require.Equal(t, c.name, name, c.spec)
		require.Equal(t, c.version, version, c.spec)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.WriteFile(path, []byte("#!fake-executable\n"), 0o755))

	code := []byte{0x90, 0x90, 0xC3, 0x00, 0xDE, 0xAD}
	spec := &BundleSpec{
		Code: code,
		Funcs: []FuncEntry{
			{ID: MakeGlobalFuncID(0, 0), CodeOff: 0, LocalCount: 3, ParamCount: 1},
			{ID: MakeGlobalFuncID(0, 1), CodeOff: 3, LocalCount: 1, ParamCount: 0},
		},
		VFS: map[string][]byte{
			"assets/hello.txt": []byte("hello"),
			"assets/copy.txt":  []byte("hello"), // identical content: dedup path
			"assets/other.txt": []byte("other"),
		},
		Triple: "x86_64-unknown-linux-gnu",
	}
	require.NoError(t, WriteBundle(path, spec))

	b, err := OpenBundle(path)
	require.NoError(t, err)
	require.NotNil(t, b)
	defer b.Close()

	require.Equal(t, code, []byte(b.Code))
	require.Equal(t, "x86_64-unknown-linux-gnu", b.Triple)
	require.Len(t, b.Funcs, 2)
	require.Equal(t, uint64(3), b.Funcs[MakeGlobalFuncID(0, 1)].CodeOff)

	data, err := b.ReadFile("assets/hello.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	require.Equal(t, b.ContentHashes["assets/hello.txt"], b.ContentHashes["assets/copy.txt"])
	require.NotEqual(t, b.ContentHashes["assets/hello.txt"], b.ContentHashes["assets/other.txt"])
}

func TestOpenBundleWithoutTrailer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(path, []byte("no trailer here"), 0o755))

	b, err := OpenBundle(path)
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestOpenBundleCorruptCRC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.WriteFile(path, []byte("exe"), 0o755))
	require.NoError(t, WriteBundle(path, &BundleSpec{Code: []byte{1, 2, 3}}))

	// Flip a payload byte.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[4] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o755))

	_, err = OpenBundle(path)
	require.Error(t, err)
}
