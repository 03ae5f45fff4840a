// Package apperror categorizes the failures raised by the USB, CCID,
// card and PIV layers so the CLI can choose an exit code without
// string matching on error text.
package apperror

import "fmt"

// Category identifies which layer of the stack raised an error.
type Category string

const (
	Configuration  Category = "configuration"
	USB            Category = "usb"
	Descriptor     Category = "descriptor"
	Reader         Category = "reader"
	Protocol       Category = "protocol"
	Card           Category = "card"
	PIN            Category = "pin"
	Cryptographic  Category = "cryptographic"
)

// Error wraps an inner error with a Category.
type Error struct {
	Cat Category
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Cat, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Cat, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(cat Category, msg string) error {
	return &Error{Cat: cat, Msg: msg}
}

func Wrap(cat Category, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Cat: cat, Msg: msg, Err: err}
}

// PINError additionally carries the number of verify attempts the
// card reports as remaining.
type PINError struct {
	Base      *Error
	TriesLeft int
}

func (p *PINError) Error() string { return p.Base.Error() }

func (p *PINError) Unwrap() error { return p.Base }

func NewPIN(msg string, triesLeft int) error {
	return &PINError{Base: &Error{Cat: PIN, Msg: msg}, TriesLeft: triesLeft}
}

// CategoryOf walks the error chain looking for an *Error and returns
// its Category, or "" if none is found.
func CategoryOf(err error) Category {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Cat
		}
		if p, ok := err.(*PINError); ok {
			return p.Base.Cat
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
