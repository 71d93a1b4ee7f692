package server

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) (ClientContext, string) {
	t.Helper()
	root := t.TempDir()
	driver, err := NewFSDriver(root, WithAnonWrite(true))
	require.NoError(t, err)
	ctx, err := driver.Authenticate("anonymous", "x")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx, root
}

func TestFSDriverRejectsMissingRoot(t *testing.T) {
	_, err := NewFSDriver(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFSDriverRejectsFileRoot(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	_, err := NewFSDriver(f)
	assert.Error(t, err)
}

func TestAnonymousOnlyByDefault(t *testing.T) {
	driver, err := NewFSDriver(t.TempDir())
	require.NoError(t, err)

	_, err = driver.Authenticate("root", "toor")
	assert.ErrorIs(t, err, os.ErrPermission)

	ctx, err := driver.Authenticate("ftp", "anything")
	require.NoError(t, err)
	defer ctx.Close()

	// Default anonymous access is read-only.
	_, err = ctx.OpenWrite("f.txt", 0, false)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.ErrorIs(t, ctx.MakeDir("d"), os.ErrPermission)
}

func TestCustomAuthenticator(t *testing.T) {
	root := t.TempDir()
	driver, err := NewFSDriver(root, WithAuthenticator(
		func(user, pass string) (string, bool, error) {
			if user != "alice" || pass != "secret" {
				return "", false, os.ErrPermission
			}
			return root, false, nil
		}))
	require.NoError(t, err)

	_, err = driver.Authenticate("alice", "wrong")
	assert.Error(t, err)

	ctx, err := driver.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.NoError(t, ctx.Close())
}

func TestChangeDirAndGetWd(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))

	wd, err := ctx.GetWd()
	require.NoError(t, err)
	assert.Equal(t, "/", wd)

	require.NoError(t, ctx.ChangeDir("a"))
	require.NoError(t, ctx.ChangeDir("b"))
	wd, _ = ctx.GetWd()
	assert.Equal(t, "/a/b", wd)

	require.NoError(t, ctx.ChangeDir(".."))
	wd, _ = ctx.GetWd()
	assert.Equal(t, "/a", wd)

	require.NoError(t, ctx.ChangeDir("/"))
	wd, _ = ctx.GetWd()
	assert.Equal(t, "/", wd)

	assert.Error(t, ctx.ChangeDir("missing"))
}

func TestChangeDirToFileFails(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), nil, 0o644))
	assert.Error(t, ctx.ChangeDir("f"))
}

func TestTraversalStaysJailed(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "inside.txt"), []byte("in"), 0o644))

	// Climbing above the root clamps to the root.
	require.NoError(t, ctx.ChangeDir("../../.."))
	wd, _ := ctx.GetWd()
	assert.Equal(t, "/", wd)

	// "/etc/passwd" maps inside the jail, where it does not exist.
	_, err := ctx.OpenRead("../../../etc/passwd", 0)
	assert.ErrorIs(t, err, os.ErrNotExist)

	r, err := ctx.OpenRead("../inside.txt", 0)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("in"), got)
}

func TestSymlinkEscapeBlocked(t *testing.T) {
	ctx, root := newTestContext(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := ctx.OpenRead("escape/secret", 0)
	assert.Error(t, err)
}

func TestOpenReadOffset(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("0123456789"), 0o644))

	r, err := ctx.OpenRead("f", 6)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("6789"), got)
}

func TestOpenReadDirectoryFails(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	_, err := ctx.OpenRead("d", 0)
	assert.Error(t, err)
}

func TestOpenWriteTruncateAppendResume(t *testing.T) {
	ctx, root := newTestContext(t)
	target := filepath.Join(root, "f")

	w, err := ctx.OpenWrite("f", 0, false)
	require.NoError(t, err)
	_, _ = w.Write([]byte("hello world"))
	require.NoError(t, w.Close())

	// Offset zero truncates.
	w, err = ctx.OpenWrite("f", 0, false)
	require.NoError(t, err)
	_, _ = w.Write([]byte("fresh"))
	require.NoError(t, w.Close())
	got, _ := os.ReadFile(target)
	assert.Equal(t, []byte("fresh"), got)

	// Append mode adds at the end.
	w, err = ctx.OpenWrite("f", 0, true)
	require.NoError(t, err)
	_, _ = w.Write([]byte("+tail"))
	require.NoError(t, w.Close())
	got, _ = os.ReadFile(target)
	assert.Equal(t, []byte("fresh+tail"), got)

	// A resume offset overwrites in place without truncating.
	w, err = ctx.OpenWrite("f", 5, false)
	require.NoError(t, err)
	_, _ = w.Write([]byte("-TAIL"))
	require.NoError(t, w.Close())
	got, _ = os.ReadFile(target)
	assert.Equal(t, []byte("fresh-TAIL"), got)
}

func TestListDir(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "b"), 0o755))

	infos, err := ctx.ListDir("/")
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestRenameAndRemove(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src"), []byte("x"), 0o644))

	require.NoError(t, ctx.Rename("src", "dst"))
	assert.NoFileExists(t, filepath.Join(root, "src"))
	assert.FileExists(t, filepath.Join(root, "dst"))

	require.NoError(t, ctx.DeleteFile("dst"))
	assert.NoFileExists(t, filepath.Join(root, "dst"))
}

func TestChmodValidation(t *testing.T) {
	ctx, root := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), nil, 0o600))

	require.NoError(t, ctx.Chmod("f", 0o644))
	info, err := os.Stat(filepath.Join(root, "f"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	assert.Error(t, ctx.Chmod("f", os.ModeSticky|0o7777))
}
