package server

import (
	"io"
	"os"
)

// Driver is the authorizer capability. It is responsible for validating
// credentials and handing out a session-specific ClientContext for file
// operations.
//
// Authenticate is called synchronously on the event-loop goroutine and
// must not block; an implementation that needs I/O should resolve it
// ahead of time (for example by caching credentials).
//
// Return os.ErrPermission (or a wrapping error) for invalid credentials;
// the server replies "530 Login incorrect." without leaking the reason.
type Driver interface {
	// Authenticate validates the user and password and returns a
	// session-specific context for file operations.
	Authenticate(user, pass string) (ClientContext, error)
}

// ClientContext is the filesystem capability for one authenticated
// session: path resolution, metadata, byte streams, and listings. All
// paths are in the user's virtual view, forward-slash separated, with
// "/" as the root.
//
// Error mapping:
//   - os.ErrNotExist   -> 550 file not found
//   - os.ErrPermission -> 550 permission denied
//   - os.ErrExist      -> 550 already exists
//
// Like the Driver, methods run on the loop goroutine and must not block
// on anything slower than local disk.
type ClientContext interface {
	// ChangeDir changes the current working directory.
	ChangeDir(path string) error

	// GetWd returns the current working directory.
	GetWd() (string, error)

	// MakeDir creates a directory.
	MakeDir(path string) error

	// RemoveDir removes a directory.
	RemoveDir(path string) error

	// DeleteFile removes a file.
	DeleteFile(path string) error

	// Rename moves or renames a file or directory.
	Rename(fromPath, toPath string) error

	// ListDir returns the entries of a directory. An empty path means
	// the current working directory.
	ListDir(path string) ([]os.FileInfo, error)

	// OpenRead opens a file for a download, positioned at offset.
	OpenRead(path string, offset int64) (io.ReadCloser, error)

	// OpenWrite opens a file for an upload. With append set the file is
	// opened O_APPEND; otherwise a non-zero offset positions an existing
	// file for a resumed STOR, and offset zero truncates.
	OpenWrite(path string, offset int64, appendMode bool) (io.WriteCloser, error)

	// Stat returns metadata for a file or directory.
	Stat(path string) (os.FileInfo, error)

	// Chmod changes the permission bits of a file (SITE CHMOD).
	Chmod(path string, mode os.FileMode) error

	// Close releases any resources held by the context. Called once when
	// the session ends.
	Close() error

	// Settings returns per-session data-connection configuration, or nil
	// to use the server-wide values.
	Settings() *Settings
}

// Settings configures the data-connection behavior for a session. A nil
// Settings (or zero fields) falls back to the server-wide options.
type Settings struct {
	// PublicHost is the address advertised in PASV replies. Required
	// when the server sits behind NAT; the masqueraded address is
	// reported to the client while the socket stays bound locally.
	PublicHost string

	// PasvMinPort and PasvMaxPort bound the passive listening port
	// range. Zero values let the kernel pick any port.
	PasvMinPort int
	PasvMaxPort int

	// BandwidthLimit caps this session's transfer rate in bytes per
	// second. Zero means the server-wide limit applies.
	BandwidthLimit int64
}
