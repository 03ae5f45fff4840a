// Package ccid implements the CCID reader protocol engine: packet
// framing, sequence numbering, slot status, power-on voltage
// selection, and APDU transfer over a usb.Device's CCID interface.
//
// Modeled on reader.c: packet layout, the
// 6-retry/time-extension transfer loop, and the auto-voltage feature
// test all follow it directly.
package ccid

import (
	"fmt"

	"golang.org/x/sync/semaphore"

	usb "github.com/jblang/pivdecrypt"
	"github.com/jblang/pivdecrypt/buffer"
	"github.com/jblang/pivdecrypt/internal/apperror"
)

// PC_to_RDR command codes.
const (
	cmdIccPowerOn     = 0x62
	cmdIccPowerOff    = 0x63
	cmdGetSlotStatus  = 0x65
	cmdXfrBlock       = 0x6F
	cmdGetParameters  = 0x6C
	cmdSetParameters  = 0x61
)

// RDR_to_PC response codes.
const (
	respDataBlock  = 0x80
	respSlotStatus = 0x81
	respParameters = 0x82
)

const (
	headerSize = 10
	maxRetries = 6

	sendTimeoutMs = 10000
	recvTimeoutMs = 10000
)

// Voltage select values for ICC_POWER_ON, and the voltage-support bit
// each one corresponds to.
const (
	voltageAuto = 0
	voltage5V   = 1
	voltage3V   = 2
	voltage18V  = 3
)

var voltageOrder = []struct {
	bit   uint8
	index uint8
}{
	{usb.Voltage5V, voltage5V},
	{usb.Voltage3V, voltage3V},
	{usb.Voltage18V, voltage18V},
}

// Transport is the subset of *usb.Device the CCID engine needs: bulk
// I/O plus the CCID class descriptor of the selected interface. Tests
// substitute a fake implementation to exercise the retry and
// sequencing logic without real hardware.
type Transport interface {
	BulkOut(data []byte, timeoutMs uint32) (int, error)
	BulkIn(buf []byte, timeoutMs uint32) (int, error)
	CCIDDescriptor() *usb.CCIDDescriptor
}

// Reader wraps a Transport whose selected interface carries a CCID
// class descriptor. It owns the sequence counter and enforces that
// exactly one CCID transfer is in flight at a time.
type Reader struct {
	dev  Transport
	desc *usb.CCIDDescriptor
	sem  *semaphore.Weighted

	seq         uint8
	autoVoltage bool
}

// packet is the decoded form of a CCID command or response.
type packet struct {
	typ     uint8
	slot    uint8
	seq     uint8
	ctl     [3]byte
	payload []byte
}

// NewReader builds a Reader over dev, validating that its CCID
// feature mask advertises APDU exchange (§4.D feature interpretation).
func NewReader(dev Transport) (*Reader, error) {
	desc := dev.CCIDDescriptor()
	if desc == nil {
		return nil, apperror.New(apperror.Reader, "device has no CCID descriptor")
	}
	if desc.DwFeatures&usb.FeatureAPDUExchange == 0 && desc.DwFeatures&usb.FeatureAPDUExchangeEx == 0 {
		return nil, apperror.New(apperror.Reader, "reader does not support APDU exchange")
	}
	auto := desc.DwFeatures&(usb.FeatureAutoActivate|usb.FeatureAutoVoltage) != 0
	return &Reader{
		dev:         dev,
		desc:        desc,
		sem:         semaphore.NewWeighted(1),
		autoVoltage: auto,
	}, nil
}

// Seq returns the next outgoing sequence number.
func (r *Reader) Seq() uint8 { return r.seq }

// SetSeq overrides the next outgoing sequence number.
func (r *Reader) SetSeq(seq uint8) { r.seq = seq }

func (r *Reader) acquire() error {
	if !r.sem.TryAcquire(1) {
		return apperror.New(apperror.Protocol, "reader busy")
	}
	return nil
}

func (r *Reader) release() { r.sem.Release(1) }

func encodePacket(cmd uint8, slot, seq uint8, ctl [3]byte, payload []byte) []byte {
	b := buffer.New(headerSize + len(payload))
	b.PutU8(cmd)
	b.PutU32LE(uint32(len(payload)))
	b.PutU8(slot)
	b.PutU8(seq)
	b.Append(ctl[:])
	b.Append(payload)
	return b.ReadPointer()
}

func decodePacket(raw []byte) (*packet, bool) {
	if len(raw) < headerSize {
		return nil, false
	}
	b := buffer.Wrap(raw)
	typ, _ := b.GetU8()
	length, _ := b.GetU32LE()
	slot, _ := b.GetU8()
	seq, _ := b.GetU8()
	ctlBytes, ok := b.Consume(3)
	if !ok {
		return nil, false
	}
	payload, ok := b.Consume(int(length))
	if !ok {
		return nil, false
	}
	p := &packet{typ: typ, slot: slot, seq: seq, payload: payload}
	copy(p.ctl[:], ctlBytes)
	return p, true
}

func (r *Reader) send(cmd uint8, slot uint8, ctl [3]byte, payload []byte) (uint8, error) {
	seq := r.seq
	raw := encodePacket(cmd, slot, seq, ctl, payload)
	if _, err := r.dev.BulkOut(raw, sendTimeoutMs); err != nil {
		return 0, apperror.Wrap(apperror.Protocol, "send CCID packet", err)
	}
	r.seq = seq + 1
	return seq, nil
}

func (r *Reader) recv() (*packet, error) {
	maxLen := int(r.desc.DwMaxCCIDMessageLength)
	if maxLen < headerSize {
		maxLen = 4096
	}
	buf := make([]byte, maxLen)
	n, err := r.dev.BulkIn(buf, recvTimeoutMs)
	if err != nil {
		return nil, apperror.Wrap(apperror.Protocol, "receive CCID packet", err)
	}
	p, ok := decodePacket(buf[:n])
	if !ok {
		return nil, apperror.New(apperror.Protocol, "truncated CCID response packet")
	}
	return p, nil
}

// transfer sends one command and runs the 6-retry loop of §4.D: a
// time-extension reply (ctl[0]&0xC0==0x80) on a matching slot/seq is
// discarded and retried; a matching reply with no error bits must
// carry the expected response type; a matching reply with error bits
// set fails immediately with the card-error code; any mismatched
// packet is discarded and retried. Exhausting the retries fails.
func (r *Reader) transfer(cmd uint8, slot uint8, ctl [3]byte, payload []byte, expected uint8) (*packet, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	seq, err := r.send(cmd, slot, ctl, payload)
	if err != nil {
		return nil, err
	}

	for i := 0; i < maxRetries; i++ {
		resp, err := r.recv()
		if err != nil {
			return nil, err
		}
		if resp.slot != slot || resp.seq != seq {
			continue
		}
		switch resp.ctl[0] & 0xC0 {
		case 0x80: // time extension requested
			continue
		case 0x00:
			if resp.typ != expected {
				return nil, apperror.New(apperror.Protocol, "unexpected CCID response type")
			}
			return resp, nil
		default: // error bits set
			return nil, apperror.New(apperror.Protocol, fmt.Sprintf("CCID error response: error code %#x", resp.ctl[1]))
		}
	}
	return nil, apperror.New(apperror.Reader, "too many retries")
}

// GetSlotStatus sends GET_SLOT_STATUS and reports whether a card is
// present in slot 0.
func (r *Reader) GetSlotStatus() (bool, error) {
	resp, err := r.transfer(cmdGetSlotStatus, 0, [3]byte{}, nil, respSlotStatus)
	if err != nil {
		return false, err
	}
	if resp.ctl[0]&0x3 == 2 {
		return false, nil
	}
	return true, nil
}

// PowerOn activates the card in slot 0 and returns its ATR. If the
// reader's auto_voltage feature is set, a single auto power-on is
// attempted; otherwise each supported voltage is tried in order
// 5V, 3V, 1.8V until one succeeds. Failure across every attempt is a
// Reader-category error (§9 open question (a): no supported voltage
// is a hard failure, never silently tolerated).
func (r *Reader) PowerOn() ([]byte, error) {
	if r.autoVoltage {
		resp, err := r.transfer(cmdIccPowerOn, 0, [3]byte{voltageAuto, 0, 0}, nil, respDataBlock)
		if err != nil {
			return nil, err
		}
		return resp.payload, nil
	}

	for _, v := range voltageOrder {
		if r.desc.BVoltageSupport&v.bit == 0 {
			continue
		}
		resp, err := r.transfer(cmdIccPowerOn, 0, [3]byte{v.index, 0, 0}, nil, respDataBlock)
		if err == nil {
			return resp.payload, nil
		}
	}
	return nil, apperror.New(apperror.Reader, "no supported voltage succeeded")
}

// TransferAPDU wraps apdu in an XFR_BLOCK command and returns the
// response APDU payload.
func (r *Reader) TransferAPDU(apdu []byte) ([]byte, error) {
	resp, err := r.transfer(cmdXfrBlock, 0, [3]byte{}, apdu, respDataBlock)
	if err != nil {
		return nil, err
	}
	return resp.payload, nil
}

// SelectProtocol issues SET_PARAMETERS for T=0. reader.c's
// ccid_reader_setparams mistakenly builds this command with the
// GETPARAMS opcode; that feature is unused by the decipher path, so
// this implementation uses the correct SETPARAMS opcode rather than
// reproducing the bug.
func (r *Reader) SelectProtocol(params []byte) error {
	_, err := r.transfer(cmdSetParameters, 0, [3]byte{0, 0, 0}, params, respParameters)
	return err
}
