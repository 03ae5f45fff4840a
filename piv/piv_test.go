package piv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jblang/pivdecrypt/card"
)

func sw(status uint16, data []byte) []byte {
	return append(append([]byte{}, data...), byte(status>>8), byte(status))
}

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

func newCard(replies ...[]byte) (*card.Card, *fakeAPDU) {
	ft := &fakeAPDU{replies: replies}
	return &card.Card{Reader: ft}, ft
}

func TestEncodeDecodeLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 0x7F, 0x80, 0xFF, 0x100, 0x1234} {
		encoded := encodeLength(n)
		got, pos, err := decodeLength(encoded, 0)
		require.NoError(t, err)
		require.Equal(t, n, got)
		require.Equal(t, len(encoded), pos)
	}
}

func TestVerifySuccess(t *testing.T) {
	c, ft := newCard(sw(swSuccess, nil))
	triesLeft, err := verify(c, []byte("1234"))
	require.NoError(t, err)
	require.Equal(t, -1, triesLeft)
	require.Len(t, ft.sent[0], 4+1+pinLength)
	require.Equal(t, []byte{0x31, 0x32, 0x33, 0x34, 0xFF, 0xFF, 0xFF, 0xFF}, ft.sent[0][5:])
}

func TestVerifyWrongPINReportsTriesLeft(t *testing.T) {
	c, _ := newCard(sw(0x63C2, nil))
	triesLeft, err := verify(c, []byte("0000"))
	require.Error(t, err)
	require.Equal(t, 2, triesLeft)
}

func TestVerifyRejectsOverlongPIN(t *testing.T) {
	c, ft := newCard()
	_, err := verify(c, []byte("123456789"))
	require.Error(t, err)
	require.Empty(t, ft.sent)
}

func TestVerifyProbeSendsNoData(t *testing.T) {
	c, ft := newCard(sw(swSuccess, nil))
	_, err := verify(c, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, insVerify, 0x00, 0x80}, ft.sent[0])
}

func TestConnectSelectsApplicationAndProbesPIN(t *testing.T) {
	c, ft := newCard(sw(swSuccess, nil), sw(swSuccess, nil))
	c.PINRequired = true
	d := &Driver{variant: "test"}
	err := d.Connect(c)
	require.NoError(t, err)
	require.False(t, c.PINRequired)
	require.Equal(t, byte(insSelectApp), ft.sent[0][1])
}

func TestDecipherRSA1024(t *testing.T) {
	ciphertext := make([]byte, 128)
	for i := range ciphertext {
		ciphertext[i] = byte(i)
	}
	padded := append([]byte{0x00, 0x02, 0x11, 0x22, 0x00}, []byte("hello")...)
	reply := []byte{0x7C}
	reply = append(reply, encodeLength(len(padded)+2)...)
	reply = append(reply, 0x82)
	reply = append(reply, encodeLength(len(padded))...)
	reply = append(reply, padded...)

	c, ft := newCard(sw(swSuccess, reply))
	d := &Driver{variant: "test"}
	plain, err := d.Decipher(c, ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plain)
	require.Equal(t, byte(algoRSA1024), ft.sent[0][2])
	require.Equal(t, byte(keyRefAuthentication), ft.sent[0][3])
}

func TestDecipherRejectsUnsupportedLength(t *testing.T) {
	c, _ := newCard()
	d := &Driver{variant: "test"}
	_, err := d.Decipher(c, make([]byte, 64))
	require.Error(t, err)
}

func TestDecipherChainsLongRequest(t *testing.T) {
	ciphertext := make([]byte, 256)
	padded := append([]byte{0x00, 0x02, 0xAB}, 0x00, 0x42)
	reply := []byte{0x7C}
	reply = append(reply, encodeLength(len(padded)+2)...)
	reply = append(reply, 0x82)
	reply = append(reply, encodeLength(len(padded))...)
	reply = append(reply, padded...)

	c, ft := newCard(sw(swSuccess, nil), sw(swSuccess, reply))
	d := &Driver{variant: "test"}
	plain, err := d.Decipher(c, ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte{0x42}, plain)
	require.Len(t, ft.sent, 2)
	require.Equal(t, byte(0x10), ft.sent[0][0]&0x10)
	require.Equal(t, byte(0x00), ft.sent[1][0]&0x10)
}

func TestPKCS1UnpadType2(t *testing.T) {
	data := append([]byte{0x00, 0x02, 0x01, 0x02, 0x00}, []byte("secret")...)
	plain, err := pkcs1UnpadType2(data)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), plain)
}

func TestPKCS1UnpadRejectsBadHeader(t *testing.T) {
	_, err := pkcs1UnpadType2([]byte{0x00, 0x01, 0x00})
	require.Error(t, err)
}
