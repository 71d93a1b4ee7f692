package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSDriver implements Driver on top of the local filesystem.
//
// Security model:
//   - All file operations are confined to the root path using os.Root,
//     which gives kernel-level protection against directory traversal.
//   - Read-only mode is enforced at the operation level.
//   - Each session gets an isolated fsContext with its own working
//     directory.
//
// Default behavior (no options): anonymous login only ("ftp" or
// "anonymous"), read-only.
type FSDriver struct {
	rootPath string

	// authenticator is an optional hook validating credentials and
	// returning the root path for the user. If nil the driver falls back
	// to anonymous-only, read-only access.
	// Returns: rootPath, readOnly, error.
	authenticator func(user, pass string) (string, bool, error)

	// enableAnonWrite allows anonymous users to write. Default false.
	enableAnonWrite bool

	settings *Settings
}

// FSDriverOption configures an FSDriver.
type FSDriverOption func(*FSDriver)

// WithAuthenticator sets a custom credential check. The hook returns the
// user's root directory, whether access is read-only, and an error for
// invalid credentials (use os.ErrPermission).
func WithAuthenticator(fn func(user, pass string) (string, bool, error)) FSDriverOption {
	return func(d *FSDriver) {
		d.authenticator = fn
	}
}

// WithAnonWrite enables write access for anonymous users. Use with
// caution.
func WithAnonWrite(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.enableAnonWrite = enable
	}
}

// WithSettings attaches data-connection settings (passive port range,
// masquerade host, bandwidth limit) to every session of this driver.
func WithSettings(settings *Settings) FSDriverOption {
	return func(d *FSDriver) {
		d.settings = settings
	}
}

// NewFSDriver creates a filesystem driver rooted at rootPath. The path
// must exist and be a directory.
func NewFSDriver(rootPath string, options ...FSDriverOption) (*FSDriver, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", rootPath)
	}

	rootPath, err = filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	d := &FSDriver{rootPath: rootPath}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// Authenticate implements Driver.
func (d *FSDriver) Authenticate(user, pass string) (ClientContext, error) {
	rootPath := d.rootPath
	readOnly := false

	if d.authenticator != nil {
		var err error
		rootPath, readOnly, err = d.authenticator(user, pass)
		if err != nil {
			return nil, err
		}
	} else {
		if user != "ftp" && user != "anonymous" {
			return nil, os.ErrPermission
		}
		readOnly = !d.enableAnonWrite
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, err
	}

	return &fsContext{
		root:     root,
		cwd:      "/",
		readOnly: readOnly,
		settings: d.settings,
	}, nil
}

// fsContext implements ClientContext for the local filesystem, jailed
// within a root handle. It tracks the virtual working directory.
type fsContext struct {
	root     *os.Root
	cwd      string
	readOnly bool
	settings *Settings
}

// resolve maps a virtual path to one relative to the root handle.
func (c *fsContext) resolve(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.cwd, p)
	}
	p = path.Clean(p)
	rel := strings.TrimPrefix(p, "/")
	if rel == "" {
		rel = "."
	}
	return rel
}

func (c *fsContext) ChangeDir(p string) error {
	rel := c.resolve(p)
	info, err := c.root.Stat(rel)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.ErrNotExist
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.cwd, p)
	}
	c.cwd = path.Clean(p)
	if !strings.HasPrefix(c.cwd, "/") {
		c.cwd = "/" + c.cwd
	}
	return nil
}

func (c *fsContext) GetWd() (string, error) {
	return c.cwd, nil
}

func (c *fsContext) MakeDir(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.root.Mkdir(c.resolve(p), 0o755)
}

func (c *fsContext) RemoveDir(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.root.Remove(c.resolve(p))
}

func (c *fsContext) DeleteFile(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.root.Remove(c.resolve(p))
}

func (c *fsContext) Rename(fromPath, toPath string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.root.Rename(c.resolve(fromPath), c.resolve(toPath))
}

func (c *fsContext) ListDir(p string) ([]os.FileInfo, error) {
	f, err := c.root.Open(c.resolve(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (c *fsContext) OpenRead(p string, offset int64) (io.ReadCloser, error) {
	f, err := c.root.Open(c.resolve(p))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, errors.New("is a directory")
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (c *fsContext) OpenWrite(p string, offset int64, appendMode bool) (io.WriteCloser, error) {
	if c.readOnly {
		return nil, os.ErrPermission
	}

	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case appendMode:
		flags |= os.O_APPEND
	case offset == 0:
		flags |= os.O_TRUNC
	}

	f, err := c.root.OpenFile(c.resolve(p), flags, 0o644)
	if err != nil {
		return nil, err
	}
	if !appendMode && offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (c *fsContext) Stat(p string) (os.FileInfo, error) {
	return c.root.Stat(c.resolve(p))
}

func (c *fsContext) Chmod(p string, mode os.FileMode) error {
	if c.readOnly {
		return os.ErrPermission
	}
	if mode > 0o777 {
		return os.ErrInvalid
	}

	// Open through the root handle to keep the jail intact.
	f, err := c.root.OpenFile(c.resolve(p), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Chmod(mode)
}

func (c *fsContext) Close() error {
	return c.root.Close()
}

func (c *fsContext) Settings() *Settings {
	return c.settings
}
