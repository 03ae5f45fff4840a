package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendWithinCapacity(t *testing.T) {
	b := New(4)
	require.True(t, b.Append([]byte{1, 2}))
	require.Equal(t, 2, b.Tailroom())
	require.Equal(t, 2, b.Available())
}

func TestAppendPastCapacityFailsWithoutEffect(t *testing.T) {
	b := New(2)
	require.True(t, b.Append([]byte{1, 2}))
	require.False(t, b.Append([]byte{3}))
	require.Equal(t, 0, b.Tailroom())
	require.Equal(t, []byte{1, 2}, b.ReadPointer())
}

func TestConsumePastAvailableFailsWithoutEffect(t *testing.T) {
	b := New(4)
	b.Append([]byte{1, 2})
	_, ok := b.Consume(3)
	require.False(t, ok)
	require.Equal(t, 2, b.Available())
}

func TestTruncate(t *testing.T) {
	b := New(8)
	b.Append([]byte{1, 2, 3, 4})
	require.True(t, b.Truncate(2))
	require.Equal(t, []byte{1, 2}, b.ReadPointer())
	require.False(t, b.Truncate(10))
}

func TestPutGetRoundTrip(t *testing.T) {
	b := New(16)
	require.True(t, b.PutU8(0x42))
	require.True(t, b.PutU16LE(0x1234))
	require.True(t, b.PutU32LE(0xDEADBEEF))

	u8, ok := b.GetU8()
	require.True(t, ok)
	require.Equal(t, uint8(0x42), u8)

	u16, ok := b.GetU16LE()
	require.True(t, ok)
	require.Equal(t, uint16(0x1234), u16)

	u32, ok := b.GetU32LE()
	require.True(t, ok)
	require.Equal(t, uint32(0xDEADBEEF), u32)
}

func TestSkip(t *testing.T) {
	b := New(4)
	b.Append([]byte{1, 2, 3, 4})
	require.True(t, b.Skip(2))
	require.Equal(t, []byte{3, 4}, b.ReadPointer())
	require.False(t, b.Skip(10))
}
