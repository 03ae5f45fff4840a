package ccid

import (
	usb "github.com/jblang/pivdecrypt"
)

// fakeTransport is an in-memory Transport: BulkOut records every sent
// packet in Sent; Responses is a preloaded queue of raw response packets
// BulkIn hands out one at a time.
type fakeTransport struct {
	desc      *usb.CCIDDescriptor
	Sent      [][]byte
	Responses [][]byte
	next      int
}

func newFakeTransport(features uint32, voltageSupport uint8) *fakeTransport {
	return &fakeTransport{
		desc: &usb.CCIDDescriptor{
			DwFeatures:             features,
			BVoltageSupport:        voltageSupport,
			DwMaxCCIDMessageLength: 4096,
		},
	}
}

func (f *fakeTransport) BulkOut(data []byte, timeoutMs uint32) (int, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.Sent = append(f.Sent, cp)
	return len(data), nil
}

func (f *fakeTransport) BulkIn(buf []byte, timeoutMs uint32) (int, error) {
	if f.next >= len(f.Responses) {
		return 0, errEndOfResponses
	}
	resp := f.Responses[f.next]
	f.next++
	n := copy(buf, resp)
	return n, nil
}

func (f *fakeTransport) CCIDDescriptor() *usb.CCIDDescriptor { return f.desc }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var errEndOfResponses = fakeErr("no more fake responses queued")
