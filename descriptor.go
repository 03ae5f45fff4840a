package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/jblang/pivdecrypt/internal/apperror"
)

const (
	maxConfigs     = 8
	maxInterfaces  = 8
	maxEndpoints   = 4
	descTypeDevice = 0x01
	descTypeConfig = 0x02
	descTypeString = 0x03
	descTypeIface  = 0x04
	descTypeEP     = 0x05
	descTypeCCID   = 0x21
)

type (
	// DeviceDescriptor describes general information about a device.
	// It includes information that applies globally to the device and
	// to all of its configurations. A device has exactly one.
	DeviceDescriptor struct {
		BcdUSB             uint16
		BDeviceClass       ClassCode
		BDeviceSubClass    SubClass
		BDeviceProtocol    uint8
		BMaxPacketSize0    uint8
		IDVendor           uint16
		IDProduct          uint16
		BcdDevice          uint16
		IManufacturer      uint8
		IProduct           uint8
		ISerialNumber      uint8
		BNumConfigurations uint8
	}

	// ConfigurationDescriptor describes one configuration of the device.
	ConfigurationDescriptor struct {
		WTotalLength        uint16
		BNumInterfaces      uint8
		BConfigurationValue uint8
		IConfiguration      uint8
		BmAttributes        uint8
		BMaxPower           uint8
	}

	// InterfaceDescriptor describes one interface within a configuration.
	InterfaceDescriptor struct {
		BInterfaceNumber   uint8
		BAlternateSetting  uint8
		BNumEndpoints      uint8
		BInterfaceClass    ClassCode
		BInterfaceSubClass SubClass
		BInterfaceProtocol uint8
		IInterface         uint8
	}

	// EndpointDescriptor describes bandwidth and addressing for one
	// endpoint of an interface.
	EndpointDescriptor struct {
		BEndpointAddress uint8
		BmAttributes     uint8
		WMaxPacketSize   uint16
		BInterval        uint8
	}

	// CCIDDescriptor holds the 20 fields of the CCID class descriptor
	// (USB CCID class spec rev 1.1, table 5.1-1).
	CCIDDescriptor struct {
		BcdCCID                uint16
		BMaxSlotIndex          uint8
		BVoltageSupport        uint8
		DwProtocols            uint32
		DwDefaultClock         uint32
		DwMaximumClock         uint32
		BNumClockSupported     uint8
		DwDataRate             uint32
		DwMaxDataRate          uint32
		BNumDataRatesSupported uint8
		DwMaxIFSD              uint32
		DwSynchProtocols       uint32
		DwMechanical           uint32
		DwFeatures             uint32
		DwMaxCCIDMessageLength uint32
		BClassGetResponse      uint8
		BClassEnvelope         uint8
		WLcdLayout             uint16
		BPINSupport            uint8
		BMaxCCIDBusySlots      uint8
	}
)

// Voltage support bits, §3 CCID descriptor.
const (
	Voltage5V  = 0x01
	Voltage3V  = 0x02
	Voltage18V = 0x04
)

// Protocol bits of DwProtocols.
const (
	ProtocolT0 = 0x01
	ProtocolT1 = 0x02
)

// Feature bits of DwFeatures that the reader cares about.
const (
	FeatureAutoATRParse   = 0x00000002
	FeatureAutoActivate   = 0x00000004
	FeatureAutoVoltage    = 0x00000008
	FeatureAutoParamNego  = 0x00000040
	FeatureAutoPPS        = 0x00000080
	FeatureAPDUExchange   = 0x00020000
	FeatureAPDUExchangeEx = 0x00040000
	maskAPDUExchange      = FeatureAPDUExchange | FeatureAPDUExchangeEx
)

// Config is one configuration of a device: its descriptor plus the
// interfaces found underneath it.
type Config struct {
	ConfigurationDescriptor
	Interfaces []*Interface
}

// Interface is one interface of a configuration: its descriptor, the
// endpoints under it, and an optional CCID class descriptor.
type Interface struct {
	InterfaceDescriptor
	Endpoints []*EndpointDescriptor
	CCID      *CCIDDescriptor
}

// classMatch models class/subclass/protocol matching with 0xFF as a
// wildcard (§9 design note): Any matches anything, Exact matches one
// value.
type classMatch struct {
	any   bool
	value uint8
}

func anyMatch() classMatch           { return classMatch{any: true} }
func exactMatch(v uint8) classMatch  { return classMatch{value: v} }
func (m classMatch) matches(v uint8) bool {
	return m.any || m.value == v
}

type ifaceTypeKey struct {
	class, subClass, protocol classMatch
}

type descriptorHandler func(iface *Interface, data []byte) error

var classHandlers = []struct {
	key     ifaceTypeKey
	handler descriptorHandler
}{
	{
		key:     ifaceTypeKey{exactMatch(uint8(ClassCodeInterfaceSmartCard)), anyMatch(), anyMatch()},
		handler: parseCCIDClassDescriptor,
	},
}

func lookupHandler(iface *Interface) descriptorHandler {
	for _, h := range classHandlers {
		if h.key.class.matches(uint8(iface.BInterfaceClass)) &&
			h.key.subClass.matches(uint8(iface.BInterfaceSubClass)) &&
			h.key.protocol.matches(iface.BInterfaceProtocol) {
			return h.handler
		}
	}
	return nil
}

func parseCCIDClassDescriptor(iface *Interface, data []byte) error {
	if len(data) < 51 {
		return apperror.New(apperror.Descriptor, "truncated CCID descriptor")
	}
	le := binary.LittleEndian
	d := &CCIDDescriptor{
		BcdCCID:                le.Uint16(data[0:]),
		BMaxSlotIndex:          data[2],
		BVoltageSupport:        data[3],
		DwProtocols:            le.Uint32(data[4:]),
		DwDefaultClock:         le.Uint32(data[8:]),
		DwMaximumClock:         le.Uint32(data[12:]),
		BNumClockSupported:     data[16],
		DwDataRate:             le.Uint32(data[17:]),
		DwMaxDataRate:          le.Uint32(data[21:]),
		BNumDataRatesSupported: data[25],
		DwMaxIFSD:              le.Uint32(data[26:]),
		DwSynchProtocols:       le.Uint32(data[30:]),
		DwMechanical:           le.Uint32(data[34:]),
		DwFeatures:             le.Uint32(data[38:]),
		DwMaxCCIDMessageLength: le.Uint32(data[42:]),
		BClassGetResponse:      data[46],
		BClassEnvelope:         data[47],
		WLcdLayout:             le.Uint16(data[48:]),
		BPINSupport:            data[50],
	}
	if len(data) > 51 {
		d.BMaxCCIDBusySlots = data[51]
	}
	iface.CCID = d
	return nil
}

// parseDescriptors walks a packed descriptor stream (the sysfs
// "descriptors" blob): each record's first byte is its total length,
// second its type; pos advances by length. The first record must be a
// DEVICE descriptor. CONFIG opens a configuration, INTERFACE opens an
// interface within the current configuration, ENDPOINT attaches to
// the current interface; unrecognized types with a class handler for
// the current interface are dispatched to it, otherwise skipped.
func parseDescriptors(data []byte) (*DeviceDescriptor, []*Config, error) {
	var dev *DeviceDescriptor
	var configs []*Config
	var curConfig *Config
	var curIface *Interface

	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, nil, apperror.New(apperror.Descriptor, "truncated descriptor header")
		}
		length := int(data[pos])
		typ := data[pos+1]
		if length < 2 || pos+length > len(data) {
			return nil, nil, apperror.New(apperror.Descriptor, "descriptor length extends past buffer end")
		}
		body := data[pos+2 : pos+length]

		switch typ {
		case descTypeDevice:
			if dev != nil {
				return nil, nil, apperror.New(apperror.Descriptor, "duplicate device descriptor")
			}
			if len(body) < 16 {
				return nil, nil, apperror.New(apperror.Descriptor, "truncated device descriptor")
			}
			le := binary.LittleEndian
			dev = &DeviceDescriptor{
				BcdUSB:             le.Uint16(body[0:]),
				BDeviceClass:       ClassCode(body[2]),
				BDeviceSubClass:    SubClass(body[3]),
				BDeviceProtocol:    body[4],
				BMaxPacketSize0:    body[5],
				IDVendor:           le.Uint16(body[6:]),
				IDProduct:          le.Uint16(body[8:]),
				BcdDevice:          le.Uint16(body[10:]),
				IManufacturer:      body[12],
				IProduct:           body[13],
				ISerialNumber:      body[14],
				BNumConfigurations: body[15],
			}
		case descTypeConfig:
			if dev == nil {
				return nil, nil, apperror.New(apperror.Descriptor, "configuration descriptor before device descriptor")
			}
			if len(configs) >= maxConfigs || len(configs) >= int(dev.BNumConfigurations) {
				return nil, nil, apperror.New(apperror.Descriptor, "too many configurations")
			}
			if len(body) < 7 {
				return nil, nil, apperror.New(apperror.Descriptor, "truncated configuration descriptor")
			}
			le := binary.LittleEndian
			curConfig = &Config{ConfigurationDescriptor: ConfigurationDescriptor{
				WTotalLength:        le.Uint16(body[0:]),
				BNumInterfaces:      body[2],
				BConfigurationValue: body[3],
				IConfiguration:      body[4],
				BmAttributes:        body[5],
				BMaxPower:           body[6],
			}}
			curIface = nil
			configs = append(configs, curConfig)
		case descTypeIface:
			if curConfig == nil {
				return nil, nil, apperror.New(apperror.Descriptor, "interface descriptor before configuration descriptor")
			}
			if len(curConfig.Interfaces) >= maxInterfaces || len(curConfig.Interfaces) >= int(curConfig.BNumInterfaces) {
				return nil, nil, apperror.New(apperror.Descriptor, "too many interfaces")
			}
			if len(body) < 7 {
				return nil, nil, apperror.New(apperror.Descriptor, "truncated interface descriptor")
			}
			curIface = &Interface{InterfaceDescriptor: InterfaceDescriptor{
				BInterfaceNumber:   body[0],
				BAlternateSetting:  body[1],
				BNumEndpoints:      body[2],
				BInterfaceClass:    ClassCode(body[3]),
				BInterfaceSubClass: SubClass(body[4]),
				BInterfaceProtocol: body[5],
				IInterface:         body[6],
			}}
			curConfig.Interfaces = append(curConfig.Interfaces, curIface)
		case descTypeEP:
			if curIface == nil {
				return nil, nil, apperror.New(apperror.Descriptor, "endpoint descriptor before interface descriptor")
			}
			if len(curIface.Endpoints) >= maxEndpoints || len(curIface.Endpoints) >= int(curIface.BNumEndpoints) {
				return nil, nil, apperror.New(apperror.Descriptor, "too many endpoints")
			}
			if len(body) < 5 {
				return nil, nil, apperror.New(apperror.Descriptor, "truncated endpoint descriptor")
			}
			le := binary.LittleEndian
			curIface.Endpoints = append(curIface.Endpoints, &EndpointDescriptor{
				BEndpointAddress: body[0],
				BmAttributes:     body[1],
				WMaxPacketSize:   le.Uint16(body[2:]),
				BInterval:        body[4],
			})
		default:
			if curIface != nil {
				if h := lookupHandler(curIface); h != nil {
					if err := h(curIface, body); err != nil {
						return nil, nil, err
					}
				}
			}
			// Unknown types without a handler for the current
			// interface are skipped silently.
		}
		pos += length
	}
	if dev == nil {
		return nil, nil, apperror.New(apperror.Descriptor, "missing device descriptor")
	}
	return dev, configs, nil
}

func (d *DeviceDescriptor) String() string {
	return fmt.Sprintf("%04x:%04x", d.IDVendor, d.IDProduct)
}
