package arena

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocAndClose(t *testing.T) {
	page := uint64(os.Getpagesize())
	m, err := Alloc(100)
	require.NoError(t, err)
	assert.NotZero(t, m.Addr())
	assert.Equal(t, page, m.Size(), "sizes round up to a page")
	assert.Zero(t, m.Addr()%page, "mappings are page aligned")

	// The mapping is writable RWX memory.
	m.Bytes()[0] = 0xAB
	assert.Equal(t, byte(0xAB), m.Bytes()[0])

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "double close is a no-op")
	assert.Zero(t, m.Addr())
}

func TestAllocNearReachesTarget(t *testing.T) {
	// A high address with plenty of unmapped space around it.
	const target = uint64(0x70_0000_0000)
	m, err := AllocNear(target, 4096)
	require.NoError(t, err)
	defer m.Close()

	diff := int64(m.Addr()) - int64(target)
	if diff < 0 {
		diff = -diff
	}
	assert.Less(t, diff, int64(NearWindow), "near allocation must land within branch range")
}

func TestAllocNearNearExistingCode(t *testing.T) {
	anchor, err := Alloc(4096)
	require.NoError(t, err)
	defer anchor.Close()

	m, err := AllocNear(anchor.Addr(), 4096)
	require.NoError(t, err)
	defer m.Close()
	assert.NotZero(t, m.Addr())
}

func TestAllocNearFallsBack(t *testing.T) {
	// Probing around an impossible target still yields usable memory via the
	// anywhere fallback.
	m, err := AllocNear(^uint64(0)&^0xFFF, 4096)
	require.NoError(t, err)
	defer m.Close()
	assert.NotZero(t, m.Addr())
}
