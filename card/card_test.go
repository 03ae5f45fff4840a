package card

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func apduSW(sw uint16) []byte {
	return []byte{byte(sw >> 8), byte(sw)}
}

func withData(data []byte, sw uint16) []byte {
	return append(append([]byte{}, data...), apduSW(sw)...)
}

type stubDriver struct{ name string }

func (s *stubDriver) Name() string { return s.name }

type fakeAPDU struct {
	replies [][]byte
	next    int
	sent    [][]byte
}

func (f *fakeAPDU) TransferAPDU(apdu []byte) ([]byte, error) {
	cp := make([]byte, len(apdu))
	copy(cp, apdu)
	f.sent = append(f.sent, cp)
	resp := f.replies[f.next]
	f.next++
	return resp, nil
}

func TestTransferChainsGetResponse(t *testing.T) {
	ft := &fakeAPDU{replies: [][]byte{
		withData([]byte{0xAA, 0xBB}, 0x6101),
		withData([]byte{0xCC}, 0x9000),
	}}
	c := &Card{Reader: ft}

	data, sw, err := c.Transfer([]byte{0x00, 0xA4, 0x04, 0x00})
	require.NoError(t, err)
	require.Equal(t, uint16(0x9000), sw)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, data)
	require.Len(t, ft.sent, 2)
	require.Equal(t, []byte{0x00, 0xC0, 0x00, 0x00, 0x01}, ft.sent[1])
}

func TestTransferRejectsShortGetResponseChunk(t *testing.T) {
	ft := &fakeAPDU{replies: [][]byte{
		withData([]byte{0xAA, 0xBB}, 0x6105),
		withData([]byte{0xCC}, 0x9000),
	}}
	c := &Card{Reader: ft}

	_, _, err := c.Transfer([]byte{0x00, 0xA4, 0x04, 0x00})
	require.Error(t, err)
}

func TestRegistryIdentifyMatchesExactATR(t *testing.T) {
	b := NewRegistryBuilder()
	b.Register([]byte{0x3b, 0x00}, "card-a", "", &stubDriver{"a"})
	b.Register([]byte{0x3b, 0x01}, "card-b", "", &stubDriver{"b"})
	reg := b.Build()

	c, err := reg.Identify(nil, []byte{0x3b, 0x01}, 0)
	require.NoError(t, err)
	require.Equal(t, "card-b", c.Name)
	require.True(t, c.PINRequired)
}

func TestRegistryIdentifyNoMatch(t *testing.T) {
	reg := NewRegistryBuilder().Build()
	_, err := reg.Identify(nil, []byte{0x3b, 0x01}, 0)
	require.Error(t, err)
}

func TestDefaultVerifyFailsWithoutDriverSupport(t *testing.T) {
	c := &Card{Driver: &stubDriver{"bare"}}
	_, err := c.Verify([]byte("1234"))
	require.Error(t, err)
}

func TestDefaultConnectSucceedsWithoutDriverSupport(t *testing.T) {
	c := &Card{Driver: &stubDriver{"bare"}}
	require.NoError(t, c.Connect())
}

func TestDefaultDecipherFailsWithoutDriverSupport(t *testing.T) {
	c := &Card{Driver: &stubDriver{"bare"}}
	_, err := c.Decipher([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSplitSWRejectsShortReply(t *testing.T) {
	_, _, err := splitSW([]byte{0x90})
	require.Error(t, err)
}

func TestSplitSWSplitsDataAndStatus(t *testing.T) {
	data, sw, err := splitSW(withData([]byte{1, 2, 3}, 0x9000))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
	require.Equal(t, uint16(0x9000), sw)
}

func TestSWOK(t *testing.T) {
	require.True(t, SWOK(0x9000))
	require.False(t, SWOK(0x6A80))
}
