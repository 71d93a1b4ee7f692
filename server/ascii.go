package server

// ASCII (TYPE A) transfer translation.
//
// On the wire, ASCII-mode line endings are CRLF. Downloads rewrite bare
// LF to CRLF; uploads rewrite CRLF back to LF. The translators are
// chunk-oriented rather than stream-wrapping readers because the data
// transfer handler moves bounded chunks per loop iteration: each call
// transforms one chunk and carries line-ending state across chunk
// boundaries.

// asciiEncoder rewrites bare LF to CRLF for outbound data (RETR).
// A file that already uses CRLF passes through unchanged.
type asciiEncoder struct {
	prevCR bool
}

// Transform returns the wire form of p. The result is newly allocated.
func (e *asciiEncoder) Transform(p []byte) []byte {
	out := make([]byte, 0, len(p)+len(p)/8)
	for _, b := range p {
		if b == '\n' && !e.prevCR {
			out = append(out, '\r')
		}
		out = append(out, b)
		e.prevCR = b == '\r'
	}
	return out
}

// asciiDecoder rewrites wire CRLF to LF for inbound data (STOR/APPE).
// A CR at the end of a chunk is held back until the next chunk reveals
// whether an LF follows; Flush releases a trailing lone CR at EOF.
type asciiDecoder struct {
	pendingCR bool
}

// Transform returns the local form of p. The result is newly allocated.
func (d *asciiDecoder) Transform(p []byte) []byte {
	out := make([]byte, 0, len(p)+1)
	for _, b := range p {
		if d.pendingCR {
			d.pendingCR = false
			if b != '\n' {
				out = append(out, '\r')
			}
		}
		if b == '\r' {
			d.pendingCR = true
			continue
		}
		out = append(out, b)
	}
	return out
}

// Flush returns any byte still held back. Call once at end of stream.
func (d *asciiDecoder) Flush() []byte {
	if !d.pendingCR {
		return nil
	}
	d.pendingCR = false
	return []byte{'\r'}
}
