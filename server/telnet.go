package server

const (
	// telnetIAC is Interpret As Command.
	telnetIAC = 0xFF
	// telnetWILL..telnetDONT are 3-byte negotiation commands.
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// telnetFilter strips Telnet command sequences from the control stream.
// RFC 959 clients may send ABOR preceded by a Telnet IP/Synch sequence;
// filtering IAC sequences lets the line parser see the bare command.
//
// The filter is chunk-oriented: state carries across chunk boundaries so
// a sequence split over two reads is still recognized.
type telnetFilter struct {
	// state: 0 normal, 1 after IAC, 2 after IAC+negotiation (skip option byte)
	state int
}

// Filter returns p with Telnet sequences removed. Filtering is done in
// place; the returned slice aliases p.
func (t *telnetFilter) Filter(p []byte) []byte {
	out := p[:0]
	for _, b := range p {
		switch t.state {
		case 1:
			t.state = 0
			switch b {
			case telnetIAC:
				// Escaped 0xFF is a literal byte.
				out = append(out, b)
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				t.state = 2
			default:
				// Two-byte command, both consumed.
			}
		case 2:
			// Option byte of a negotiation command.
			t.state = 0
		default:
			if b == telnetIAC {
				t.state = 1
				continue
			}
			out = append(out, b)
		}
	}
	return out
}
