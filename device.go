// Package usb implements the USB transport: sysfs-based device
// discovery, descriptor parsing, and bulk I/O through usbfs. The USB
// device model lives at the package root, with a usbfs subpackage for
// the raw ioctl bindings.
package usb

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/jblang/pivdecrypt/internal/apperror"
	"github.com/jblang/pivdecrypt/usbfs"
)

const sysfsDeviceDir = "/sys/bus/usb/devices"

// Device is an open USB device: its sysfs/device-file identity, its
// parsed descriptor tree, and the endpoints selected for the CCID
// interface.
type Device struct {
	fd           int
	SysfsName    string
	BusNumber    int
	DeviceNumber int

	Descriptor DeviceDescriptor
	Configs    []*Config

	ccidConfig *Config
	ccidIface  *Interface
	epOut      uint8
	epIn       uint8
	epIntr     uint8
	hasIntr    bool
}

func readSysfsAttrHex(devName, attrName string) (uint32, error) {
	data, err := ioutil.ReadFile(fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, attrName))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 32)
	return uint32(v), err
}

func readSysfsAttrInt(devName, attrName string) (int, error) {
	data, err := ioutil.ReadFile(fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, attrName))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	return int(v), err
}

func readSysfsDescriptors(devName string) ([]byte, error) {
	return ioutil.ReadFile(fmt.Sprintf("%s/%s/descriptors", sysfsDeviceDir, devName))
}

// FindDevice enumerates /sys/bus/usb/devices looking for a device
// whose idVendor/idProduct match (0 means "any"), returning the first
// match. It does not open the device.
func FindDevice(vendor, product uint16) (*Device, error) {
	entries, err := ioutil.ReadDir(sysfsDeviceDir)
	if err != nil {
		return nil, apperror.Wrap(apperror.USB, "read sysfs device root", err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		vid, err := readSysfsAttrHex(name, "idVendor")
		if err != nil {
			continue
		}
		pid, err := readSysfsAttrHex(name, "idProduct")
		if err != nil {
			continue
		}
		if vendor != 0 && uint16(vid) != vendor {
			continue
		}
		if product != 0 && uint16(pid) != product {
			continue
		}
		return attach(name)
	}
	return nil, apperror.New(apperror.Configuration, "no matching USB device found")
}

// attach reads bus/address and the descriptor blob for a sysfs entry
// and verifies /dev/bus/usb/<bus>/<addr> names the same device.
func attach(sysfsName string) (*Device, error) {
	busNum, err := readSysfsAttrInt(sysfsName, "busnum")
	if err != nil {
		return nil, apperror.Wrap(apperror.USB, "read busnum", err)
	}
	devNum, err := readSysfsAttrInt(sysfsName, "devnum")
	if err != nil {
		return nil, apperror.Wrap(apperror.USB, "read devnum", err)
	}

	devPath := fmt.Sprintf("/dev/bus/usb/%.3d/%.3d", busNum, devNum)
	info, err := os.Stat(devPath)
	if err != nil {
		return nil, apperror.Wrap(apperror.USB, "stat device file", err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return nil, apperror.New(apperror.USB, "device file is not a character device")
	}
	devAttr, err := ioutil.ReadFile(fmt.Sprintf("%s/%s/dev", sysfsDeviceDir, sysfsName))
	if err != nil {
		return nil, apperror.Wrap(apperror.USB, "read dev", err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, apperror.New(apperror.USB, "device file has no device number")
	}
	rdev := uint64(st.Rdev)
	major := (rdev>>8)&0xfff | (rdev>>32)&^0xfff
	minor := rdev&0xff | (rdev>>12)&^0xff
	if fmt.Sprintf("%d:%d", major, minor) != strings.TrimSpace(string(devAttr)) {
		return nil, apperror.New(apperror.USB, "device file does not match the sysfs device number")
	}

	raw, err := readSysfsDescriptors(sysfsName)
	if err != nil {
		return nil, apperror.Wrap(apperror.Descriptor, "read descriptor blob", err)
	}
	dev, configs, err := parseDescriptors(raw)
	if err != nil {
		return nil, err
	}

	d := &Device{
		fd:           -1,
		SysfsName:    sysfsName,
		BusNumber:    busNum,
		DeviceNumber: devNum,
		Descriptor:   *dev,
		Configs:      configs,
	}
	if err := d.selectCCIDInterface(); err != nil {
		return nil, err
	}
	return d, nil
}

// selectCCIDInterface walks configurations/interfaces for the first
// one carrying a CCID class descriptor, and records its bulk/
// interrupt endpoint addresses.
func (d *Device) selectCCIDInterface() error {
	for _, cfg := range d.Configs {
		for _, iface := range cfg.Interfaces {
			if iface.CCID == nil {
				continue
			}
			var epOut, epIn, epIntr uint8
			var haveOut, haveIn, haveIntr bool
			for _, ep := range iface.Endpoints {
				isIn := ep.BEndpointAddress&EndpointDirectionIn != 0
				switch {
				case ep.TransferType() == TransferTypeBulk && isIn:
					epIn, haveIn = ep.BEndpointAddress, true
				case ep.TransferType() == TransferTypeBulk && !isIn:
					epOut, haveOut = ep.BEndpointAddress, true
				case ep.TransferType() == TransferTypeInterrupt && isIn:
					epIntr, haveIntr = ep.BEndpointAddress, true
				}
			}
			if !haveIn || !haveOut {
				return apperror.New(apperror.Descriptor, "CCID interface missing bulk endpoint")
			}
			d.ccidConfig = cfg
			d.ccidIface = iface
			d.epIn = epIn
			d.epOut = epOut
			d.epIntr = epIntr
			d.hasIntr = haveIntr
			return nil
		}
	}
	return apperror.New(apperror.Descriptor, "no CCID interface found on device")
}

// CCIDDescriptor returns the class descriptor of the selected CCID
// interface.
func (d *Device) CCIDDescriptor() *CCIDDescriptor {
	if d.ccidIface == nil {
		return nil
	}
	return d.ccidIface.CCID
}

// Open opens the device file and, per 4.C, issues SET_CONFIGURATION
// with the configuration value owning the CCID interface when the
// device offers more than one configuration, CLAIM_INTERFACE when the
// selected interface number is non-zero, and SET_INTERFACE when the
// CCID interface requires a non-default alternate setting.
func (d *Device) Open() error {
	if d.fd != -1 {
		return apperror.New(apperror.USB, "device already open")
	}
	fd, err := usbfs.OpenDevice(d.BusNumber, d.DeviceNumber)
	if err != nil {
		return apperror.Wrap(apperror.USB, "open device file", err)
	}
	d.fd = fd

	if len(d.Configs) > 1 {
		if err := usbfs.SetConfiguration(d.fd, uint32(d.ccidConfig.BConfigurationValue)); err != nil {
			d.Close()
			return apperror.Wrap(apperror.USB, "set configuration", err)
		}
	}
	if d.ccidIface.BInterfaceNumber != 0 {
		if err := usbfs.ClaimInterface(d.fd, int(d.ccidIface.BInterfaceNumber)); err != nil {
			d.Close()
			return apperror.Wrap(apperror.USB, "claim interface", err)
		}
	}
	if d.ccidIface.BAlternateSetting != 0 {
		if err := usbfs.SetInterface(d.fd, uint32(d.ccidIface.BInterfaceNumber), uint32(d.ccidIface.BAlternateSetting)); err != nil {
			d.Close()
			return apperror.Wrap(apperror.USB, "set interface", err)
		}
	}
	return nil
}

// BulkOut sends data on the CCID bulk-OUT endpoint with a timeout in
// milliseconds.
func (d *Device) BulkOut(data []byte, timeoutMs uint32) (int, error) {
	n, err := usbfs.BulkTransfer(d.fd, uint32(d.epOut), timeoutMs, data)
	if err != nil {
		return n, apperror.Wrap(apperror.USB, "bulk OUT", err)
	}
	return n, nil
}

// BulkIn reads into buf from the CCID bulk-IN endpoint with a timeout
// in milliseconds.
func (d *Device) BulkIn(buf []byte, timeoutMs uint32) (int, error) {
	n, err := usbfs.BulkTransfer(d.fd, uint32(d.epIn), timeoutMs, buf)
	if err != nil {
		return n, apperror.Wrap(apperror.USB, "bulk IN", err)
	}
	return n, nil
}

// Close releases the claimed interface (if any) and closes the device
// file.
func (d *Device) Close() error {
	if d.fd == -1 {
		return nil
	}
	if d.ccidIface != nil && d.ccidIface.BInterfaceNumber != 0 {
		_ = usbfs.ReleaseInterface(d.fd, int(d.ccidIface.BInterfaceNumber))
	}
	err := syscall.Close(d.fd)
	d.fd = -1
	return err
}
