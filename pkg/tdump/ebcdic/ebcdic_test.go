package ebcdic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	require.Equal(t, []byte{0xC4, 0xD9, 0xF1, 0x40}, Encode("DR1 "))
	require.Equal(t, []byte{0xC6, 0xF4, 0xE2, 0xC1}, Encode("F4SA"))
	require.Equal(t, "CEEPLPKA", Decode(Encode("CEEPLPKA")))
	require.Equal(t, "IEFBR14", Decode(append(Encode("IEFBR14"), 0x40)))
	require.True(t, Equal([]byte{0xC4, 0xD9, 0xF2, 0x40}, "DR2 "))
	require.False(t, Equal([]byte{0xC4, 0xD9}, "DR2 "))
}

func TestPrintable(t *testing.T) {
	require.True(t, Printable(Encode("MAIN")))
	require.False(t, Printable([]byte{0x00, 0xC1}))
	require.False(t, Printable(nil))
}
