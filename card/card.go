// Package card implements the smart-card service layer: ATR-keyed
// driver identification, APDU transfer with chained GET-RESPONSE, and
// the connect/verify/decipher/set_option driver capability contract.
//
// Modeled on scard.c.
package card

import (
	"bytes"

	"github.com/jblang/pivdecrypt/internal/apperror"
)

// APDUTransport is the subset of *ccid.Reader the card service needs:
// a single command/response APDU exchange. Tests substitute a fake to
// exercise GET-RESPONSE chaining without real hardware.
type APDUTransport interface {
	TransferAPDU(apdu []byte) ([]byte, error)
}

// maxAccumulated bounds the GET-RESPONSE chaining accumulator; the
// original has no such bound, but an unbounded accumulation is an
// unbounded-memory risk worth capping explicitly.
const maxAccumulated = 64 * 1024

// Driver is the capability interface a card driver implements. Only
// Name is required; the other four operations (Connecter, Verifier,
// Decipherer, OptionSetter) are optional and detected with a type
// assertion, mirroring the pointer-to-optional-function-member
// polymorphism of scard.c's driver table.
type Driver interface {
	Name() string
}

// Connecter performs driver-specific setup right after a card is
// identified. Drivers that don't implement it are treated as always
// succeeding.
type Connecter interface {
	Connect(c *Card) error
}

// Verifier checks a PIN (or, with an empty pin, probes whether one is
// required) and reports the remaining tries on failure. Drivers that
// don't implement it always fail verification.
type Verifier interface {
	Verify(c *Card, pin []byte) (triesLeft int, err error)
}

// Decipherer performs the RSA decipher operation. Drivers that don't
// implement it always fail.
type Decipherer interface {
	Decipher(c *Card, ciphertext []byte) ([]byte, error)
}

// OptionSetter accepts a driver-specific key/value option from -C.
type OptionSetter interface {
	SetOption(key, value string) error
}

// Card is an identified, connected card session: its ATR, the driver
// it dispatched to, the reader/slot it lives on, and driver-private
// state (e.g. the PIV driver's pinRequired flag).
type Card struct {
	ATR     []byte
	Name    string
	Variant string
	Driver  Driver
	Reader  APDUTransport
	Slot    uint8

	PINRequired bool
	State       any
}

type registration struct {
	atr     []byte
	name    string
	variant string
	driver  Driver
}

// RegistryBuilder accumulates driver registrations at program startup.
// Build freezes them into an immutable Registry handle (§9 design
// note: a builder replaces a mutable global registration list).
type RegistryBuilder struct {
	entries []registration
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{}
}

func (b *RegistryBuilder) Register(atr []byte, name, variant string, driver Driver) *RegistryBuilder {
	b.entries = append(b.entries, registration{atr: atr, name: name, variant: variant, driver: driver})
	return b
}

func (b *RegistryBuilder) Build() *Registry {
	frozen := make([]registration, len(b.entries))
	copy(frozen, b.entries)
	return &Registry{entries: frozen}
}

// Registry is the immutable, ordered ATR-to-driver table produced by
// a RegistryBuilder.
type Registry struct {
	entries []registration
}

// Identify matches atr against the registry in order and returns a
// new Card bound to the first exact match. No match is a Card-category
// error.
func (r *Registry) Identify(reader APDUTransport, atr []byte, slot uint8) (*Card, error) {
	for _, e := range r.entries {
		if bytes.Equal(e.atr, atr) {
			return &Card{
				ATR:         atr,
				Name:        e.name,
				Variant:     e.variant,
				Driver:      e.driver,
				Reader:      reader,
				Slot:        slot,
				PINRequired: true,
			}, nil
		}
	}
	return nil, apperror.New(apperror.Card, "unknown card: no matching ATR in registry")
}

// Connect runs the driver's Connect hook if present.
func (c *Card) Connect() error {
	if d, ok := c.Driver.(Connecter); ok {
		return d.Connect(c)
	}
	return nil
}

// Verify runs the driver's Verify hook if present, failing explicitly
// otherwise.
func (c *Card) Verify(pin []byte) (int, error) {
	if d, ok := c.Driver.(Verifier); ok {
		return d.Verify(c, pin)
	}
	return 0, apperror.New(apperror.Card, "driver does not support PIN verification")
}

// Decipher runs the driver's Decipher hook if present, failing
// explicitly otherwise.
func (c *Card) Decipher(ciphertext []byte) ([]byte, error) {
	if d, ok := c.Driver.(Decipherer); ok {
		return d.Decipher(c, ciphertext)
	}
	return nil, apperror.New(apperror.Card, "driver does not support decipher")
}

// SetOption runs the driver's SetOption hook if present. Like
// Connect, an absent hook is treated as a silently accepted no-op.
func (c *Card) SetOption(key, value string) error {
	if d, ok := c.Driver.(OptionSetter); ok {
		return d.SetOption(key, value)
	}
	return nil
}

// Transfer submits apdu through the reader, strips the trailing
// status word, and chains GET-RESPONSE (CLA=0, INS=0xC0) while SW has
// the form 0x61xx, appending each chunk's payload to the accumulated
// response.
func (c *Card) Transfer(apdu []byte) (data []byte, sw uint16, err error) {
	resp, err := c.Reader.TransferAPDU(apdu)
	if err != nil {
		return nil, 0, err
	}
	accum, curSW, err := splitSW(resp)
	if err != nil {
		return nil, 0, err
	}

	for curSW&0xFF00 == 0x6100 {
		lx := int(curSW & 0xFF)
		if lx == 0 {
			lx = 256
		}
		getResp := []byte{0x00, 0xC0, 0x00, 0x00, byte(lx)}
		chunk, err := c.Reader.TransferAPDU(getResp)
		if err != nil {
			return nil, 0, err
		}
		chunkData, chunkSW, err := splitSW(chunk)
		if err != nil {
			return nil, 0, err
		}
		if len(chunkData) < lx {
			return nil, 0, apperror.New(apperror.Protocol, "GET-RESPONSE returned fewer bytes than advertised")
		}
		if len(accum)+len(chunkData) > maxAccumulated {
			return nil, 0, apperror.New(apperror.Protocol, "APDU response accumulation buffer overflow")
		}
		accum = append(accum, chunkData...)
		curSW = chunkSW
	}
	return accum, curSW, nil
}

func splitSW(resp []byte) ([]byte, uint16, error) {
	if len(resp) < 2 {
		return nil, 0, apperror.New(apperror.Protocol, "APDU reply shorter than the status word")
	}
	n := len(resp)
	sw := uint16(resp[n-2])<<8 | uint16(resp[n-1])
	return resp[:n-2], sw, nil
}

// SWOK reports whether sw is the success status word 0x9000.
func SWOK(sw uint16) bool { return sw == 0x9000 }
