// Package ebcdic converts the EBCDIC (code page 037) text found in z/OS
// control blocks: eyecatchers, module and entry point names.
package ebcdic

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

var cp = charmap.CodePage037

// Decode converts b to a string, dropping trailing blanks and NULs.
func Decode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(cp.DecodeByte(c))
	}
	return strings.TrimRight(sb.String(), " \x00")
}

// Encode converts s to EBCDIC. Characters without a code page 037
// representation are replaced by the EBCDIC substitute character.
func Encode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		c, ok := cp.EncodeRune(r)
		if !ok {
			c = 0x3F
		}
		out = append(out, c)
	}
	return out
}

// Equal reports whether b holds the EBCDIC encoding of s.
func Equal(b []byte, s string) bool {
	e := Encode(s)
	if len(e) != len(b) {
		return false
	}
	for i := range e {
		if e[i] != b[i] {
			return false
		}
	}
	return true
}

// Printable reports whether every byte of b decodes to a printable
// character. Used to sanity check names read from untrusted memory.
func Printable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		r := cp.DecodeByte(c)
		if r < 0x20 || r == 0x7F || (r >= 0x80 && r < 0xA0) {
			return false
		}
	}
	return true
}
