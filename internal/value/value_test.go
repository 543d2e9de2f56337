package value

import (
	"testing"
	"unsafe"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestTruthiness(t *testing.T) {
	require.False(t, Null.Truthy())
	require.False(t, Bool(false).Truthy())
	require.True(t, Bool(true).Truthy())
	require.False(t, I32(0).Truthy())
	require.True(t, I32(-1).Truthy())
	require.True(t, F64(0).Truthy())
	var x int
	require.True(t, Ptr(unsafe.Pointer(&x), 1).Truthy())
}

func TestIdentical(t *testing.T) {
	require.True(t, Identical(I32(3), I32(3)))
	require.False(t, Identical(I32(3), I32(4)))
	require.False(t, Identical(I32(3), F64(3)))
	require.True(t, Identical(Null, Null))
}

func TestI32RoundTrip(t *testing.T) {
	f := fuzz.New()
	for i := 0; i < 200; i++ {
		var n int32
		f.Fuzz(&n)
		v := I32(n)
		require.Equal(t, KindI32, v.Kind())
		require.Equal(t, n, v.AsI32())
	}
}

func TestF64RoundTrip(t *testing.T) {
	f := fuzz.New()
	for i := 0; i < 200; i++ {
		var n float64
		f.Fuzz(&n)
		v := F64(n)
		got := v.AsF64()
		if n != n { // NaN
			require.True(t, got != got)
			continue
		}
		require.Equal(t, n, got)
	}
}

func TestDebugString(t *testing.T) {
	require.Equal(t, "null", Null.DebugString())
	require.Equal(t, "true", Bool(true).DebugString())
	require.Equal(t, "42", I32(42).DebugString())
	require.Equal(t, "1", F64(1.0).DebugString())
}
