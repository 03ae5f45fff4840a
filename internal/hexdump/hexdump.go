// Package hexdump formats byte slices for debug log lines, in the
// style of util.c's hexdump()/print_octet_string() helpers.
package hexdump

import (
	"fmt"
	"strings"
)

const bytesPerLine = 16

// Dump renders data as hex octets, 16 per line, with an ASCII gutter.
func Dump(data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += bytesPerLine {
		end := off + bytesPerLine
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		fmt.Fprintf(&b, "%04x  ", off)
		for i := 0; i < bytesPerLine; i++ {
			if i < len(line) {
				fmt.Fprintf(&b, "%02x ", line[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteString(" ")
		for _, c := range line {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Octets renders data as a plain space-separated hex string, matching
// print_octet_string's single-line form (used for ATRs and short IDs).
func Octets(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}
