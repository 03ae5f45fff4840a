// Command pivdecrypt decrypts a ciphertext blob by driving a
// PIV-capable smart card over USB CCID.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	usb "github.com/jblang/pivdecrypt"
	"github.com/jblang/pivdecrypt/card"
	"github.com/jblang/pivdecrypt/ccid"
	"github.com/jblang/pivdecrypt/internal/apperror"
	"github.com/jblang/pivdecrypt/internal/hexdump"
	"github.com/jblang/pivdecrypt/internal/logging"
	"github.com/jblang/pivdecrypt/piv"
)

type config struct {
	Device      string
	Type        string
	PIN         string
	Output      string
	CardOptions []string
	Debug       int
}

func main() {
	os.Exit(mainRun())
}

func mainRun() int {
	cfg := &config{}
	root := newRootCommand(cfg)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return 0
}

func newRootCommand(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:           "pivdecrypt [ciphertext-path]",
		Short:         "Decrypt a ciphertext blob using a PIV smart card over USB CCID",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, args)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&cfg.Device, "device", "D", "", "device path (accepted, unused; reserved for device-path selection)")
	flags.StringVarP(&cfg.Type, "type", "T", "", "vendor[:product] USB ID in hex, used to locate the reader")
	flags.StringVarP(&cfg.PIN, "pin", "p", "", "PIN to verify after connect")
	flags.StringVarP(&cfg.Output, "output", "o", "-", "write plaintext here (- or omitted = stdout)")
	flags.StringArrayVarP(&cfg.CardOptions, "card-option", "C", nil, "driver-specific k=v option, passed to set_option")
	flags.CountVarP(&cfg.Debug, "debug", "d", "raise log verbosity")
	return root
}

func run(cfg *config, args []string) error {
	log := logging.New(cfg.Debug > 0)
	defer log.Sync()

	vendor, product, err := parseType(cfg.Type)
	if err != nil {
		err = apperror.Wrap(apperror.Configuration, "parse -T/--type", err)
		log.Errorw("invalid device type", "error", err)
		return err
	}

	ciphertextPath := "-"
	if len(args) > 0 {
		ciphertextPath = args[0]
	}
	ciphertext, err := readInput(ciphertextPath)
	if err != nil {
		err = apperror.Wrap(apperror.Configuration, "read ciphertext", err)
		log.Errorw("failed to read ciphertext", "path", ciphertextPath, "error", err)
		return err
	}

	dev, err := usb.FindDevice(vendor, product)
	if err != nil {
		log.Errorw("device lookup failed", "error", err)
		return err
	}
	if err := dev.Open(); err != nil {
		log.Errorw("failed to open device", "error", err)
		return err
	}
	defer dev.Close()
	log.Debugw("opened device", "bus", dev.BusNumber, "addr", dev.DeviceNumber)

	reader, err := ccid.NewReader(dev)
	if err != nil {
		log.Errorw("reader initialization failed", "error", err)
		return err
	}

	desc := dev.CCIDDescriptor()
	log.Debugw("reader features",
		"auto_atr_parse", desc.DwFeatures&usb.FeatureAutoATRParse != 0,
		"auto_activate", desc.DwFeatures&usb.FeatureAutoActivate != 0,
		"auto_voltage", desc.DwFeatures&usb.FeatureAutoVoltage != 0,
		"no_pts", desc.DwFeatures&usb.FeatureAutoPPS != 0,
		"no_setparam", desc.DwFeatures&usb.FeatureAutoParamNego != 0,
	)

	atr, err := reader.PowerOn()
	if err != nil {
		log.Errorw("card power-on failed", "error", err)
		return err
	}
	log.Debugw("card powered on", "atr", hexdump.Octets(atr))

	registry := buildRegistry()
	c, err := registry.Identify(reader, atr, 0)
	if err != nil {
		log.Errorw("card identification failed", "error", err)
		return err
	}
	log.Infow("card identified", "name", c.Name, "variant", c.Variant)

	if err := c.Connect(); err != nil {
		log.Errorw("card connect failed", "error", err)
		return err
	}

	for _, kv := range cfg.CardOptions {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			err := apperror.New(apperror.Configuration, "invalid -C/--card-option, expected k=v: "+kv)
			log.Errorw("bad card option", "value", kv)
			return err
		}
		if err := c.SetOption(k, v); err != nil {
			log.Errorw("set_option failed", "key", k, "error", err)
			return err
		}
	}

	if c.PINRequired || cfg.PIN != "" {
		if cfg.PIN == "" {
			err := apperror.New(apperror.PIN, "card requires a PIN, none supplied")
			log.Errorw("PIN required", "error", err)
			return err
		}
		if _, err := c.Verify([]byte(cfg.PIN)); err != nil {
			log.Errorw("PIN verification failed", "error", err)
			return err
		}
		log.Infow("PIN verified")
	}

	plaintext, err := c.Decipher(ciphertext)
	if err != nil {
		log.Errorw("decipher failed", "error", err)
		return err
	}

	if err := writeOutput(cfg.Output, plaintext); err != nil {
		err = apperror.Wrap(apperror.Configuration, "write plaintext", err)
		log.Errorw("failed to write output", "error", err)
		return err
	}
	return nil
}

func buildRegistry() *card.Registry {
	b := card.NewRegistryBuilder()
	piv.Register(b)
	return b.Build()
}

// parseType parses a "vvvv[:pppp]" hex USB ID string into vendor and
// product IDs. An empty string matches any device.
func parseType(t string) (vendor, product uint16, err error) {
	if t == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(t, ":", 2)
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vendor ID %q: %w", parts[0], err)
	}
	if len(parts) == 1 {
		return uint16(v), 0, nil
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product ID %q: %w", parts[1], err)
	}
	return uint16(v), uint16(p), nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// exitCodeFor maps an apperror category to the process exit code: any
// recognized category is a normal failure (1), anything else
// (including an unrecognized/untyped error) is treated as unexpected (2).
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch apperror.CategoryOf(err) {
	case apperror.Configuration, apperror.USB, apperror.Descriptor, apperror.Reader,
		apperror.Protocol, apperror.Card, apperror.PIN, apperror.Cryptographic:
		return 1
	default:
		return 2
	}
}
