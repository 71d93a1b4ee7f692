package evloop

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Channel is a file descriptor endpoint registered with a Loop.
//
// The loop invokes the Handle* methods from its own goroutine when the
// descriptor reports readiness. WantsRead and WantsWrite tell the loop
// which conditions the channel currently cares about; after changing
// either, the channel must call [Loop.UpdateInterest].
type Channel interface {
	// Fd returns the channel's file descriptor. It must stay stable for
	// the lifetime of the registration.
	Fd() int

	// HandleRead is invoked when the descriptor is readable.
	HandleRead()

	// HandleWrite is invoked when the descriptor is writable.
	HandleWrite()

	// HandleError is invoked when the descriptor reports an error
	// condition, or when a callback panicked and the loop force-closed
	// the channel. Implementations must be safe to call more than once.
	HandleError(err error)

	// WantsRead reports whether the channel wants readability events.
	WantsRead() bool

	// WantsWrite reports whether the channel wants writability events.
	// Returning false while the channel has nothing to flush keeps the
	// loop from spinning on an always-writable socket.
	WantsWrite() bool
}

// Loop multiplexes registered channels over a single epoll instance.
//
// All methods except Post must be called from the loop goroutine (or
// before the loop starts). Post is safe from any goroutine and is the
// only way to hand work to a running loop from outside.
type Loop struct {
	poller   *poller
	channels map[int]Channel

	// interest caches the (read, write) mask last installed in the
	// poller, so UpdateInterest only issues epoll_ctl on change.
	interest map[int][2]bool

	timers timerHeap

	// wakeFd is an eventfd used by Post to interrupt epoll_wait.
	wakeFd int

	postMu  sync.Mutex
	posted  []func()
	stopped bool

	logger *slog.Logger
}

// New creates a Loop. The logger is used for dispatch-boundary errors;
// if nil, slog.Default() is used.
func New(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	l := &Loop{
		poller:   p,
		channels: make(map[int]Channel),
		interest: make(map[int][2]bool),
		wakeFd:   wakeFd,
		logger:   logger,
	}
	if err := p.add(wakeFd, true, false); err != nil {
		p.close()
		unix.Close(wakeFd)
		return nil, err
	}
	return l, nil
}

// Register adds a channel to the loop. A channel is registered with at
// most one loop at a time; registering the same descriptor twice is an
// error.
func (l *Loop) Register(ch Channel) error {
	fd := ch.Fd()
	if _, dup := l.channels[fd]; dup {
		return fmt.Errorf("fd %d already registered", fd)
	}
	r, w := ch.WantsRead(), ch.WantsWrite()
	if err := l.poller.add(fd, r, w); err != nil {
		return err
	}
	l.channels[fd] = ch
	l.interest[fd] = [2]bool{r, w}
	return nil
}

// Unregister removes a channel from the loop. Unregistering a channel
// that is not registered is a no-op, which makes close paths reentrant.
func (l *Loop) Unregister(ch Channel) {
	fd := ch.Fd()
	if _, ok := l.channels[fd]; !ok {
		return
	}
	delete(l.channels, fd)
	delete(l.interest, fd)
	if err := l.poller.del(fd); err != nil {
		l.logger.Debug("unregister", "fd", fd, "error", err)
	}
}

// Registered reports whether the channel is currently registered.
func (l *Loop) Registered(ch Channel) bool {
	got, ok := l.channels[ch.Fd()]
	return ok && got == ch
}

// Len returns the number of registered channels.
func (l *Loop) Len() int {
	return len(l.channels)
}

// UpdateInterest re-reads the channel's WantsRead/WantsWrite and updates
// the poller if they changed. No-op for unregistered channels.
func (l *Loop) UpdateInterest(ch Channel) {
	fd := ch.Fd()
	if _, ok := l.channels[fd]; !ok {
		return
	}
	want := [2]bool{ch.WantsRead(), ch.WantsWrite()}
	if l.interest[fd] == want {
		return
	}
	if err := l.poller.mod(fd, want[0], want[1]); err != nil {
		l.logger.Debug("update interest", "fd", fd, "error", err)
		return
	}
	l.interest[fd] = want
}

// CallLater schedules fn to run on the loop goroutine after d elapses.
func (l *Loop) CallLater(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, deadline: time.Now().Add(d), fn: fn}
	heap.Push(&l.timers, t)
	return t
}

// Post schedules fn to run on the loop goroutine as soon as possible.
// It is the only Loop method safe to call from other goroutines.
func (l *Loop) Post(fn func()) {
	l.postMu.Lock()
	l.posted = append(l.posted, fn)
	l.postMu.Unlock()

	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(l.wakeFd, one[:])
}

// Stop makes Run return after the current pass. Safe from any goroutine.
func (l *Loop) Stop() {
	l.Post(func() { l.stopped = true })
}

// Run polls until Stop is called.
func (l *Loop) Run() error {
	for !l.stopped {
		if err := l.RunOnce(-1); err != nil {
			return err
		}
	}
	return nil
}

// RunOnce performs a single pass: poll for readiness (waiting at most
// timeout, or until the next timer deadline if that is sooner; negative
// means wait indefinitely), dispatch error/read/write callbacks in that
// order, then run due timers and posted functions.
func (l *Loop) RunOnce(timeout time.Duration) error {
	if next, ok := l.nextDeadline(); ok {
		until := time.Until(next)
		if until < 0 {
			until = 0
		}
		if timeout < 0 || until < timeout {
			timeout = until
		}
	}

	events, err := l.poller.wait(timeout)
	if err != nil {
		return err
	}

	// Pin each ready descriptor to the channel registered at poll time.
	// An earlier callback in the pass may close a channel and a newly
	// registered one can reclaim the same descriptor number; comparing
	// identity in dispatch keeps the stale readiness from reaching it.
	owners := make(map[int]Channel, len(events))
	for _, ev := range events {
		if ev.fd != l.wakeFd {
			owners[ev.fd] = l.channels[ev.fd]
		}
	}

	// Errors first, then reads, then writes: an earlier callback in the
	// same pass may close a channel, and the owner check in dispatch
	// keeps us from dispatching into freed state.
	for _, ev := range events {
		if ev.fd == l.wakeFd {
			continue
		}
		if ev.failed {
			l.dispatch(ev.fd, owners[ev.fd], func(ch Channel) {
				ch.HandleError(socketError(ev.fd))
			})
		}
	}
	for _, ev := range events {
		if ev.fd == l.wakeFd {
			l.drainWake()
			continue
		}
		if ev.readable {
			l.dispatch(ev.fd, owners[ev.fd], Channel.HandleRead)
		}
	}
	for _, ev := range events {
		if ev.fd == l.wakeFd {
			continue
		}
		if ev.writable {
			l.dispatch(ev.fd, owners[ev.fd], Channel.HandleWrite)
		}
	}

	l.fireTimers()
	l.runPosted()
	return nil
}

// Close tears down the loop, force-closing every remaining channel.
func (l *Loop) Close() error {
	for _, ch := range l.channels {
		l.safeCall(ch, func() { ch.HandleError(errLoopClosed) })
		l.Unregister(ch)
	}
	unix.Close(l.wakeFd)
	return l.poller.close()
}

var errLoopClosed = fmt.Errorf("event loop closed")

// dispatch invokes fn on ch if fd is still registered to that same
// channel. Readiness reported at poll time is stale once an earlier
// callback in the pass has closed the channel, even when the descriptor
// number has since been reused by another registration.
func (l *Loop) dispatch(fd int, ch Channel, fn func(Channel)) {
	if ch == nil || l.channels[fd] != ch {
		return
	}
	l.safeCall(ch, func() { fn(ch) })
}

// safeCall runs fn, recovering a panic so one channel cannot take the
// loop down. The panicking channel is force-closed.
func (l *Loop) safeCall(ch Channel, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("channel callback panic",
				"fd", ch.Fd(),
				"panic", r,
			)
			l.Unregister(ch)
			func() {
				defer func() { _ = recover() }()
				ch.HandleError(fmt.Errorf("callback panic: %v", r))
			}()
		}
	}()
	fn()
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].deadline, true
}

func (l *Loop) fireTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("timer callback panic", "panic", r)
				}
			}()
			t.fn()
		}()
	}
}

func (l *Loop) runPosted() {
	l.postMu.Lock()
	fns := l.posted
	l.posted = nil
	l.postMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// socketError retrieves the pending error on fd after an EPOLLERR.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("fd %d error condition", fd)
	}
	if errno == 0 {
		return fmt.Errorf("fd %d error condition", fd)
	}
	return unix.Errno(errno)
}
