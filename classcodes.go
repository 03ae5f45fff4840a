package usb

// From https://www.usb.org/defined-class-codes

type (
	ClassCode uint8
	SubClass  uint8
)

// ClassCodeInterfaceSmartCard is the only interface class code the
// CCID interface lookup cares about; the full USB-IF table isn't
// otherwise consulted.
const ClassCodeInterfaceSmartCard = ClassCode(0x0B)
