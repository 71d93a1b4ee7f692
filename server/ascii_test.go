package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsciiEncoderRewritesLF(t *testing.T) {
	var e asciiEncoder
	assert.Equal(t, []byte("one\r\ntwo\r\n"), e.Transform([]byte("one\ntwo\n")))
}

func TestAsciiEncoderKeepsCRLF(t *testing.T) {
	var e asciiEncoder
	assert.Equal(t, []byte("one\r\ntwo\r\n"), e.Transform([]byte("one\r\ntwo\r\n")))
}

func TestAsciiEncoderCRLFSplitAcrossChunks(t *testing.T) {
	var e asciiEncoder
	got := append(e.Transform([]byte("one\r")), e.Transform([]byte("\ntwo\n"))...)
	assert.Equal(t, []byte("one\r\ntwo\r\n"), got)
}

func TestAsciiDecoderRewritesCRLF(t *testing.T) {
	var d asciiDecoder
	assert.Equal(t, []byte("one\ntwo\n"), d.Transform([]byte("one\r\ntwo\r\n")))
	assert.Empty(t, d.Flush())
}

func TestAsciiDecoderKeepsBareLF(t *testing.T) {
	var d asciiDecoder
	assert.Equal(t, []byte("one\ntwo\n"), d.Transform([]byte("one\ntwo\n")))
}

func TestAsciiDecoderCRLFSplitAcrossChunks(t *testing.T) {
	var d asciiDecoder
	got := d.Transform([]byte("one\r"))
	got = append(got, d.Transform([]byte("\ntwo"))...)
	assert.Equal(t, []byte("one\ntwo"), got)
	assert.Empty(t, d.Flush())
}

func TestAsciiDecoderFlushReleasesTrailingCR(t *testing.T) {
	var d asciiDecoder
	got := d.Transform([]byte("end\r"))
	got = append(got, d.Flush()...)
	assert.Equal(t, []byte("end\r"), got)
}

func TestAsciiDecoderLoneCRKept(t *testing.T) {
	var d asciiDecoder
	assert.Equal(t, []byte("a\rb"), d.Transform([]byte("a\rb")))
}

func TestAsciiRoundTrip(t *testing.T) {
	src := []byte("alpha\nbeta\r\ngamma\rdelta\n")
	var e asciiEncoder
	wire := e.Transform(src)

	var d asciiDecoder
	got := d.Transform(wire)
	got = append(got, d.Flush()...)
	assert.Equal(t, []byte("alpha\nbeta\ngamma\rdelta\n"), got)
}
