package elfsym

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SMlc666/urhook/internal/mem"
)

func libcBase(t *testing.T) uint64 {
	t.Helper()
	for _, needle := range []string{"libc.so", "libc-"} {
		if r, ok := mem.FindByPath(needle); ok {
			return r.Start
		}
	}
	t.Skip("no libc mapping in this process")
	return 0
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := Open(0)
	require.ErrorIs(t, err, ErrParse)

	// A heap buffer does not start with an ELF header.
	buf := make([]byte, 4096)
	buf[0] = 'X'
	_, err = Open(uint64(uintptr(unsafe.Pointer(&buf[0]))))
	require.ErrorIs(t, err, ErrParse)
}

func TestHashFunctions(t *testing.T) {
	assert.Equal(t, uint32(0x00001505), gnuHash(""))
	assert.Equal(t, uint32(0x156B2BB8), gnuHash("printf"))
	assert.Equal(t, uint32(0x7C967E3F), gnuHash("exit"))
	assert.Equal(t, uint32(0), sysvHash(""))
	assert.Equal(t, uint32(0x077905A6), sysvHash("printf"))
}

func TestFindLibcSymbols(t *testing.T) {
	base := libcBase(t)
	mod, err := Open(base)
	require.NoError(t, err)
	assert.Equal(t, base, mod.Base())

	for _, name := range []string{"puts", "malloc", "strlen"} {
		addr, ok := mod.Find(name)
		assert.True(t, ok, "libc must export %s", name)
		assert.NotZero(t, addr)
	}

	_, ok := mod.Find("urhook_definitely_missing_symbol")
	assert.False(t, ok)
}

func TestGotSlotMissingSymbol(t *testing.T) {
	mod, err := Open(libcBase(t))
	require.NoError(t, err)

	// Whether or not this libc build has a DT_JMPREL, an unknown symbol must
	// fail with a parse error rather than a bogus slot.
	_, err = mod.GotSlot("urhook_definitely_missing_symbol")
	require.ErrorIs(t, err, ErrParse)
}
