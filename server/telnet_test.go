package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTelnetFilterPassThrough(t *testing.T) {
	var f telnetFilter
	in := []byte("NOOP\r\n")
	assert.Equal(t, []byte("NOOP\r\n"), f.Filter(append([]byte(nil), in...)))
}

func TestTelnetFilterStripsInterruptBeforeABOR(t *testing.T) {
	var f telnetFilter
	// IAC IP, IAC DM, then the command, as RFC 959 clients send it.
	in := []byte{telnetIAC, 0xF4, telnetIAC, 0xF2, 'A', 'B', 'O', 'R', '\r', '\n'}
	assert.Equal(t, []byte("ABOR\r\n"), f.Filter(in))
}

func TestTelnetFilterStripsNegotiation(t *testing.T) {
	var f telnetFilter
	// IAC WILL <option> is three bytes.
	in := []byte{telnetIAC, telnetWILL, 0x01, 'X'}
	assert.Equal(t, []byte("X"), f.Filter(in))
}

func TestTelnetFilterEscapedIAC(t *testing.T) {
	var f telnetFilter
	in := []byte{'a', telnetIAC, telnetIAC, 'b'}
	assert.Equal(t, []byte{'a', telnetIAC, 'b'}, f.Filter(in))
}

func TestTelnetFilterSequenceSplitAcrossChunks(t *testing.T) {
	var f telnetFilter
	got := append([]byte(nil), f.Filter([]byte{'A', telnetIAC})...)
	got = append(got, f.Filter([]byte{telnetDO})...)
	got = append(got, f.Filter([]byte{0x03, 'B'})...)
	assert.Equal(t, []byte("AB"), got)
}
