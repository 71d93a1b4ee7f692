package server

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	name  string
	size  int64
	mode  os.FileMode
	mtime time.Time
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() os.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.mtime }
func (f fakeInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeInfo) Sys() any           { return nil }

func TestListLineRecentFile(t *testing.T) {
	info := fakeInfo{name: "hello.txt", size: 1234, mode: 0o644, mtime: time.Now()}
	line := listLine(info)
	assert.Contains(t, line, "-rw-r--r--")
	assert.Contains(t, line, "1234")
	assert.Contains(t, line, "hello.txt")
	// Recent entries carry a clock time, not a year.
	assert.Contains(t, line, ":")
}

func TestListLineOldFileShowsYear(t *testing.T) {
	old := time.Date(2019, time.March, 5, 10, 0, 0, 0, time.UTC)
	line := listLine(fakeInfo{name: "x", mode: 0o644, mtime: old})
	assert.Contains(t, line, "2019")
}

func TestMlsxLine(t *testing.T) {
	mtime := time.Date(2024, time.June, 1, 12, 30, 45, 0, time.UTC)
	file := fakeInfo{name: "f.bin", size: 99, mode: 0o644, mtime: mtime}
	assert.Equal(t, "type=file;size=99;modify=20240601123045; f.bin", mlsxLine(file))

	dir := fakeInfo{name: "sub", mode: os.ModeDir | 0o755, mtime: mtime}
	assert.Equal(t, "type=dir;size=0;modify=20240601123045; sub", mlsxLine(dir))
}

func TestLineStreamSortsAndTerminatesLines(t *testing.T) {
	entries := []os.FileInfo{
		fakeInfo{name: "zeta"},
		fakeInfo{name: "alpha"},
	}
	ls := newLineStream(entries, nameLine)
	out, err := io.ReadAll(ls)
	require.NoError(t, err)
	assert.Equal(t, "alpha\r\nzeta\r\n", string(out))
	require.NoError(t, ls.Close())
}

func TestLineStreamSmallReads(t *testing.T) {
	entries := []os.FileInfo{fakeInfo{name: "abcdef"}}
	ls := newLineStream(entries, nameLine)

	var out []byte
	buf := make([]byte, 3)
	for {
		n, err := ls.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "abcdef\r\n", string(out))
}

func TestLineStreamEmpty(t *testing.T) {
	ls := newLineStream(nil, nameLine)
	n, err := ls.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestListPathSkipsOptionWords(t *testing.T) {
	assert.Equal(t, "", listPath(""))
	assert.Equal(t, "", listPath("-la"))
	assert.Equal(t, "sub", listPath("-la sub"))
	assert.Equal(t, "sub", listPath("sub"))
}
