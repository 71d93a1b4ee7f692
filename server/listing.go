package server

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Directory listing formatting and the lazy line stream the data
// transfer handler consumes. Entries are formatted one at a time as the
// transfer drains, so a huge directory never materializes as one string.

// listLine formats one entry in the traditional ls -l style that LIST
// clients parse.
func listLine(info os.FileInfo) string {
	// Six-months cutoff: older entries show the year instead of the
	// time, like ls does.
	modTime := info.ModTime()
	var when string
	if time.Since(modTime) > 180*24*time.Hour {
		when = modTime.Format("Jan 02  2006")
	} else {
		when = modTime.Format("Jan 02 15:04")
	}
	return fmt.Sprintf("%s 1 owner group %12d %s %s",
		info.Mode().String(), info.Size(), when, info.Name())
}

// mlsxLine formats one entry as an RFC 3659 MLSx fact line.
func mlsxLine(info os.FileInfo) string {
	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	return fmt.Sprintf("type=%s;size=%d;modify=%s; %s",
		t, info.Size(), info.ModTime().UTC().Format("20060102150405"), info.Name())
}

// nameLine formats one entry for NLST: the bare name.
func nameLine(info os.FileInfo) string {
	return info.Name()
}

// lineStream is an io.ReadCloser yielding formatted entry lines with
// CRLF endings, produced lazily.
type lineStream struct {
	entries []os.FileInfo
	format  func(os.FileInfo) string
	next    int
	buf     []byte
}

func newLineStream(entries []os.FileInfo, format func(os.FileInfo) string) *lineStream {
	sorted := make([]os.FileInfo, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &lineStream{entries: sorted, format: format}
}

func (ls *lineStream) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(ls.buf) == 0 {
			if ls.next >= len(ls.entries) {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			ls.buf = append(ls.buf, ls.format(ls.entries[ls.next])...)
			ls.buf = append(ls.buf, '\r', '\n')
			ls.next++
		}
		c := copy(p[n:], ls.buf)
		ls.buf = ls.buf[c:]
		n += c
	}
	return n, nil
}

func (ls *lineStream) Close() error {
	ls.entries = nil
	ls.buf = nil
	return nil
}
