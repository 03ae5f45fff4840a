package ccid

import (
	"testing"

	"github.com/stretchr/testify/require"

	usb "github.com/jblang/pivdecrypt"
)

func timeExtension(slot, seq uint8) []byte {
	return encodePacket(respSlotStatus, slot, seq, [3]byte{0x80, 0, 0}, nil)
}

func TestSequenceMonotonicity(t *testing.T) {
	ft := newFakeTransport(usb.FeatureAPDUExchange, 0)
	r, err := NewReader(ft)
	require.NoError(t, err)
	r.SetSeq(10)

	for i := 0; i < 3; i++ {
		ft.Responses = append(ft.Responses, encodePacket(respSlotStatus, 0, r.Seq(), [3]byte{}, []byte{0}))
		_, err := r.GetSlotStatus()
		require.NoError(t, err)
	}
	require.Equal(t, uint8(13), r.Seq())
}

func TestRetryInvariantSucceedsUnderLimit(t *testing.T) {
	ft := newFakeTransport(usb.FeatureAPDUExchange, 0)
	r, err := NewReader(ft)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ft.Responses = append(ft.Responses, timeExtension(0, r.Seq()))
	}
	ft.Responses = append(ft.Responses, encodePacket(respSlotStatus, 0, r.Seq(), [3]byte{}, []byte{0}))

	present, err := r.GetSlotStatus()
	require.NoError(t, err)
	require.True(t, present)
}

func TestRetryInvariantFailsAtLimit(t *testing.T) {
	ft := newFakeTransport(usb.FeatureAPDUExchange, 0)
	r, err := NewReader(ft)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		ft.Responses = append(ft.Responses, timeExtension(0, r.Seq()))
	}
	ft.Responses = append(ft.Responses, encodePacket(respSlotStatus, 0, r.Seq(), [3]byte{}, []byte{0}))

	_, err = r.GetSlotStatus()
	require.Error(t, err)
	require.Equal(t, 6, ft.next)
}

func TestVoltageFallbackSingleAttempt(t *testing.T) {
	ft := newFakeTransport(usb.FeatureAPDUExchange, usb.Voltage3V)
	r, err := NewReader(ft)
	require.NoError(t, err)
	require.False(t, r.autoVoltage)

	ft.Responses = append(ft.Responses, encodePacket(respDataBlock, 0, r.Seq(), [3]byte{}, []byte{0x3B, 0x00}))
	atr, err := r.PowerOn()
	require.NoError(t, err)
	require.Equal(t, []byte{0x3B, 0x00}, atr)
	require.Len(t, ft.Sent, 1)

	sentPkt, ok := decodePacket(ft.Sent[0])
	require.True(t, ok)
	require.Equal(t, uint8(voltage3V), sentPkt.ctl[0])
}

func TestVoltageFallbackTriesUntilSuccess(t *testing.T) {
	ft := newFakeTransport(usb.FeatureAPDUExchange, usb.Voltage5V|usb.Voltage3V|usb.Voltage18V)
	r, err := NewReader(ft)
	require.NoError(t, err)

	// 5V attempt fails after exhausting retries; 3V attempt succeeds.
	for i := 0; i < maxRetries; i++ {
		ft.Responses = append(ft.Responses, timeExtension(0, r.Seq()))
	}
	ft.Responses = append(ft.Responses, encodePacket(respDataBlock, 0, r.Seq()+1, [3]byte{}, []byte{0x3B}))

	atr, err := r.PowerOn()
	require.NoError(t, err)
	require.Equal(t, []byte{0x3B}, atr)
	require.Len(t, ft.Sent, 2)

	firstPkt, _ := decodePacket(ft.Sent[0])
	secondPkt, _ := decodePacket(ft.Sent[1])
	require.Equal(t, uint8(voltage5V), firstPkt.ctl[0])
	require.Equal(t, uint8(voltage3V), secondPkt.ctl[0])
}

func TestTransferAPDU(t *testing.T) {
	ft := newFakeTransport(usb.FeatureAPDUExchange, 0)
	r, err := NewReader(ft)
	require.NoError(t, err)

	ft.Responses = append(ft.Responses, encodePacket(respDataBlock, 0, r.Seq(), [3]byte{}, []byte{0x90, 0x00}))
	resp, err := r.TransferAPDU([]byte{0x00, 0xA4, 0x04, 0x00})
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestNewReaderRejectsMissingAPDUExchange(t *testing.T) {
	ft := newFakeTransport(0, 0)
	_, err := NewReader(ft)
	require.Error(t, err)
}
