// Package piv implements the YubiKey PIV card driver: application
// selection, PIN verification, and RSA decipher via the AUTHENTICATE
// command.
//
// Modeled on yubikey.c: the four ATR byte strings, the APDU layouts,
// the backwards-built BER-TLV decipher argument encoding (reproduced
// here front-to-back for clarity, same bytes on the wire), and the
// PKCS#1 v1.5 type-2 unpadding all follow it directly.
package piv

import (
	"github.com/jblang/pivdecrypt/card"
	"github.com/jblang/pivdecrypt/internal/apperror"
)

const (
	insVerify       = 0x20
	insAuthenticate = 0x87
	insSelectApp    = 0xA4

	algoRSA1024 = 0x06
	algoRSA2048 = 0x07

	keyRefAuthentication = 0x9A

	swSuccess = 0x9000

	pinLength = 8
)

var pivAID = []byte{0xA0, 0x00, 0x00, 0x03, 0x08}

// ATR byte strings for the four known YubiKey PIV variants.
var (
	atrNeoR3     = []byte{0x3b, 0xfc, 0x13, 0x00, 0x00, 0x81, 0x31, 0xfe, 0x15, 0x59, 0x75, 0x62, 0x69, 0x6b, 0x65, 0x79, 0x4e, 0x45, 0x4f, 0x72, 0x33, 0xe1}
	atrYubikey4  = []byte{0x3b, 0xf8, 0x13, 0x00, 0x00, 0x81, 0x31, 0xfe, 0x15, 0x59, 0x75, 0x62, 0x69, 0x6b, 0x65, 0x79, 0x34, 0xd4}
	atrYubikey5  = []byte{0x3b, 0xfd, 0x13, 0x00, 0x00, 0x81, 0x31, 0xfe, 0x15, 0x80, 0x73, 0xc0, 0x21, 0xc0, 0x57, 0x59, 0x75, 0x62, 0x69, 0x4b, 0x65, 0x79, 0x40}
	atrYubikey5P1 = []byte{0x3b, 0xf8, 0x13, 0x00, 0x00, 0x81, 0x31, 0xfe, 0x15, 0x01, 0x59, 0x75, 0x62, 0x69, 0x4b, 0x65, 0x79, 0xc1}
)

// Driver is the YubiKey PIV card driver. It is stateless across
// cards; all per-card state lives on the card.Card it's invoked with.
type Driver struct {
	variant string
}

func (d *Driver) Name() string { return "yubikey-piv-" + d.variant }

// Register adds all four known YubiKey ATR variants to b, each bound
// to its own Driver instance carrying its variant label.
func Register(b *card.RegistryBuilder) *card.RegistryBuilder {
	b.Register(atrNeoR3, "YubiKey Neo R3", "neo-r3", &Driver{variant: "neo-r3"})
	b.Register(atrYubikey4, "YubiKey 4", "yubikey-4", &Driver{variant: "yubikey-4"})
	b.Register(atrYubikey5, "YubiKey 5", "yubikey-5", &Driver{variant: "yubikey-5"})
	b.Register(atrYubikey5P1, "YubiKey 5", "yubikey-5-p1", &Driver{variant: "yubikey-5-p1"})
	return b
}

func buildAPDU(cla, ins, p1, p2 byte, data []byte) []byte {
	apdu := []byte{cla, ins, p1, p2}
	if len(data) > 0 {
		apdu = append(apdu, byte(len(data)))
		apdu = append(apdu, data...)
	}
	return apdu
}

func selectApplication(c *card.Card) error {
	_, sw, err := c.Transfer(buildAPDU(0x00, insSelectApp, 0x04, 0x00, pivAID))
	if err != nil {
		return err
	}
	if sw != swSuccess {
		return apperror.New(apperror.Card, "select PIV application failed")
	}
	return nil
}

// Connect selects the PIV application and probes whether a PIN is
// required by sending an empty VERIFY, matching yubikey.c's
// "try to see if a PIN is required" behavior. The probe's outcome
// never fails Connect itself.
func (d *Driver) Connect(c *card.Card) error {
	if err := selectApplication(c); err != nil {
		return err
	}
	if _, err := verify(c, nil); err == nil {
		c.PINRequired = false
	}
	return nil
}

func verify(c *card.Card, pin []byte) (int, error) {
	var data []byte
	if len(pin) > 0 {
		if len(pin) > pinLength {
			return 0, apperror.New(apperror.PIN, "PIN too long")
		}
		padded := make([]byte, pinLength)
		for i := range padded {
			padded[i] = 0xFF
		}
		copy(padded, pin)
		data = padded
	}

	_, sw, err := c.Transfer(buildAPDU(0x00, insVerify, 0x00, 0x80, data))
	if err != nil {
		return 0, err
	}
	if sw&0xFF00 == 0x6300 {
		triesLeft := int(sw & 0x000F)
		return triesLeft, apperror.NewPIN("incorrect PIN", triesLeft)
	}
	if sw != swSuccess {
		return 0, apperror.New(apperror.PIN, "PIN verification failed")
	}
	return -1, nil
}

// Verify checks pin against the card, returning the remaining retry
// count on a wrong-PIN response.
func (d *Driver) Verify(c *card.Card, pin []byte) (int, error) {
	return verify(c, pin)
}

func encodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n < 0x100:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

func decodeLength(data []byte, pos int) (length, next int, err error) {
	if pos >= len(data) {
		return 0, 0, apperror.New(apperror.Protocol, "truncated BER-TLV length")
	}
	b := data[pos]
	pos++
	switch b {
	case 0x81:
		if pos >= len(data) {
			return 0, 0, apperror.New(apperror.Protocol, "truncated BER-TLV length")
		}
		length = int(data[pos])
		pos++
	case 0x82:
		if pos+1 >= len(data) {
			return 0, 0, apperror.New(apperror.Protocol, "truncated BER-TLV length")
		}
		length = int(data[pos])<<8 | int(data[pos+1])
		pos += 2
	default:
		length = int(b)
	}
	return length, pos, nil
}

// encodeDecipherArgs builds the dynamic authentication template: an
// outer tag 0x7C wrapping an empty response placeholder (0x82 0x00)
// and the ciphertext under tag 0x81.
func encodeDecipherArgs(ciphertext []byte) []byte {
	inner := append([]byte{0x81}, encodeLength(len(ciphertext))...)
	inner = append(inner, ciphertext...)
	inner = append([]byte{0x82, 0x00}, inner...)
	out := append([]byte{0x7C}, encodeLength(len(inner))...)
	out = append(out, inner...)
	return out
}

func decodeDecipherReply(resp []byte) ([]byte, error) {
	if len(resp) < 1 || resp[0] != 0x7C {
		return nil, apperror.New(apperror.Protocol, "decipher reply missing outer 0x7C tag")
	}
	_, pos, err := decodeLength(resp, 1)
	if err != nil {
		return nil, err
	}
	if pos >= len(resp) || resp[pos] != 0x82 {
		return nil, apperror.New(apperror.Protocol, "decipher reply missing inner 0x82 tag")
	}
	pos++
	_, pos, err = decodeLength(resp, pos)
	if err != nil {
		return nil, err
	}
	if pos > len(resp) {
		return nil, apperror.New(apperror.Protocol, "decipher reply truncated after length")
	}
	return resp[pos:], nil
}

// pkcs1UnpadType2 strips PKCS#1 v1.5 type-2 padding: 0x00 0x02
// <nonzero padding> 0x00 <message>.
func pkcs1UnpadType2(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x00 || data[1] != 0x02 {
		return nil, apperror.New(apperror.Cryptographic, "deciphered data is not PKCS#1 type-2 padded")
	}
	for i := 2; i < len(data); i++ {
		if data[i] == 0 {
			return data[i+1:], nil
		}
	}
	return nil, apperror.New(apperror.Cryptographic, "PKCS#1 padding terminator not found")
}

const maxChunk = 0xFF

// Decipher performs the PIV AUTHENTICATE decipher operation for the
// fixed authentication key slot 0x9A, selecting the RSA algorithm by
// ciphertext length (128 bytes -> RSA-1024, 256 bytes -> RSA-2048),
// chaining the request across multiple APDUs when it exceeds 255
// bytes, and removing PKCS#1 v1.5 type-2 padding from the result.
func (d *Driver) Decipher(c *card.Card, ciphertext []byte) ([]byte, error) {
	var algorithm byte
	switch len(ciphertext) {
	case 128:
		algorithm = algoRSA1024
	case 256:
		algorithm = algoRSA2048
	default:
		return nil, apperror.New(apperror.Cryptographic, "unsupported ciphertext length")
	}

	body := encodeDecipherArgs(ciphertext)

	var data []byte
	var sw uint16
	var err error
	for offset := 0; offset < len(body); {
		remaining := len(body) - offset
		n := remaining
		cla := byte(0x00)
		if n > maxChunk {
			n = maxChunk
			cla = 0x10
		}
		chunk := body[offset : offset+n]
		data, sw, err = c.Transfer(buildAPDU(cla, insAuthenticate, algorithm, keyRefAuthentication, chunk))
		if err != nil {
			return nil, err
		}
		if sw != swSuccess {
			return nil, apperror.New(apperror.Card, "decipher AUTHENTICATE command failed")
		}
		offset += n
	}

	padded, err := decodeDecipherReply(data)
	if err != nil {
		return nil, err
	}
	return pkcs1UnpadType2(padded)
}
