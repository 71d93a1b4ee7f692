package evloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// fakeChannel records callback invocations.
type fakeChannel struct {
	fd        int
	wantRead  bool
	wantWrite bool

	onRead  func()
	onWrite func()
	onError func(error)

	reads  int
	writes int
	errs   []error
}

func (c *fakeChannel) Fd() int          { return c.fd }
func (c *fakeChannel) WantsRead() bool  { return c.wantRead }
func (c *fakeChannel) WantsWrite() bool { return c.wantWrite }

func (c *fakeChannel) HandleRead() {
	c.reads++
	if c.onRead != nil {
		c.onRead()
	}
}

func (c *fakeChannel) HandleWrite() {
	c.writes++
	if c.onWrite != nil {
		c.onWrite()
	}
}

func (c *fakeChannel) HandleError(err error) {
	c.errs = append(c.errs, err)
	if c.onError != nil {
		c.onError(err)
	}
}

func TestRegisterDuplicateFd(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)
	defer unix.Close(b)

	ch := &fakeChannel{fd: a, wantRead: true}
	require.NoError(t, l.Register(ch))
	assert.Error(t, l.Register(&fakeChannel{fd: a, wantRead: true}))

	assert.True(t, l.Registered(ch))
	assert.Equal(t, 1, l.Len())

	l.Unregister(ch)
	assert.False(t, l.Registered(ch))
	assert.Equal(t, 0, l.Len())
	// Reentrant unregister is a no-op.
	l.Unregister(ch)
	unix.Close(a)
}

func TestReadDispatch(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)
	defer unix.Close(b)

	ch := &fakeChannel{fd: a, wantRead: true}
	require.NoError(t, l.Register(ch))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.RunOnce(time.Second))
	assert.Equal(t, 1, ch.reads)
}

// A channel closed mid-pass whose descriptor number is immediately
// reclaimed by a new registration must not receive the old channel's
// remaining readiness from the same pass.
func TestStaleEventAfterFdReuse(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)
	defer unix.Close(b)

	// Pending data plus an empty send buffer makes one event carry both
	// readability and writability for fd a.
	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)

	replacement := &fakeChannel{wantRead: true}
	old := &fakeChannel{fd: a, wantRead: true, wantWrite: true}
	old.onRead = func() {
		// Retire the channel and force the kernel to reuse its fd
		// number for a fresh socket, then register a new channel on it.
		l.Unregister(old)
		c, d := socketpair(t)
		t.Cleanup(func() { unix.Close(d) })
		require.NoError(t, unix.Dup2(c, a))
		unix.Close(c)
		replacement.fd = a
		require.NoError(t, l.Register(replacement))
	}
	require.NoError(t, l.Register(old))

	require.NoError(t, l.RunOnce(time.Second))
	assert.Equal(t, 1, old.reads)

	// The pass's leftover write readiness belonged to the old channel.
	assert.Equal(t, 0, replacement.writes)
	assert.Equal(t, 0, replacement.reads)
	unix.Close(a)
}

func TestWriteInterestRespected(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)
	defer unix.Close(b)

	// A connected socket is immediately writable, but the channel does
	// not want write events yet.
	ch := &fakeChannel{fd: a, wantRead: false, wantWrite: false}
	require.NoError(t, l.Register(ch))

	require.NoError(t, l.RunOnce(10*time.Millisecond))
	assert.Equal(t, 0, ch.writes)

	ch.wantWrite = true
	l.UpdateInterest(ch)
	require.NoError(t, l.RunOnce(time.Second))
	assert.Equal(t, 1, ch.writes)
	unix.Close(a)
}

func TestCallLaterFiresInOrder(t *testing.T) {
	l := newTestLoop(t)

	var order []int
	l.CallLater(20*time.Millisecond, func() { order = append(order, 2) })
	l.CallLater(5*time.Millisecond, func() { order = append(order, 1) })

	deadline := time.Now().Add(time.Second)
	for len(order) < 2 && time.Now().Before(deadline) {
		require.NoError(t, l.RunOnce(50*time.Millisecond))
	}
	assert.Equal(t, []int{1, 2}, order)
}

func TestTimerCancel(t *testing.T) {
	l := newTestLoop(t)

	fired := false
	timer := l.CallLater(5*time.Millisecond, func() { fired = true })
	timer.Cancel()
	// Cancelling twice is a no-op.
	timer.Cancel()

	require.NoError(t, l.RunOnce(20*time.Millisecond))
	assert.False(t, fired)
}

func TestPostWakesRunningLoop(t *testing.T) {
	l := newTestLoop(t)

	done := make(chan struct{})
	go func() {
		_ = l.Run()
		close(done)
	}()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("posted function never ran")
	}

	l.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestPanicIsolation(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)
	defer unix.Close(b)

	ch := &fakeChannel{fd: a, wantRead: true}
	ch.onRead = func() { panic("boom") }
	require.NoError(t, l.Register(ch))

	a2, b2 := socketpair(t)
	defer unix.Close(b2)
	healthy := &fakeChannel{fd: a2, wantRead: true}
	require.NoError(t, l.Register(healthy))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)
	_, err = unix.Write(b2, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.RunOnce(time.Second))

	// The panicking channel was force-closed and notified; its peer
	// keeps running.
	assert.False(t, l.Registered(ch))
	assert.Len(t, ch.errs, 1)
	assert.True(t, l.Registered(healthy))
	assert.Equal(t, 1, healthy.reads)
	unix.Close(a)
	unix.Close(a2)
}

func TestCloseForceClosesChannels(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	a, b := socketpair(t)
	defer unix.Close(b)

	ch := &fakeChannel{fd: a, wantRead: true}
	require.NoError(t, l.Register(ch))

	require.NoError(t, l.Close())
	assert.Len(t, ch.errs, 1)
	assert.Equal(t, 0, l.Len())
	unix.Close(a)
}
