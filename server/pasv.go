package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/castellan/ftpd/evloop"
)

// Data connection establishment: the passive listener (PASV/EPSV) and
// the active connector (PORT/EPRT). Both are loop channels owned by one
// session; they resolve into a single data socket handed to the session
// and then unregister themselves.

// acceptTimeout is how long a passive listener waits for the client.
const acceptTimeout = 30 * time.Second

// connectTimeout is how long an active connect may take.
const connectTimeout = 10 * time.Second

// parseIPv4 parses a dotted-quad address. Data channels are IPv4 only.
func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return ip.To4(), nil
}

// sockaddrToIPPort extracts the dotted-quad address and port from a
// socket address.
func sockaddrToIPPort(sa unix.Sockaddr) (string, int) {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return net.IP(sa4.Addr[:]).String(), sa4.Port
	}
	return "", 0
}

// newDataSocket creates a non-blocking IPv4 TCP socket.
func newDataSocket() (int, error) {
	return unix.Socket(unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

// passiveListener waits for the client to connect to an advertised
// port. It accepts exactly one connection, from the control peer unless
// foreign addresses are allowed, then unregisters.
type passiveListener struct {
	sess  *session
	fd    int
	port  int
	timer *evloop.Timer
	done  bool
}

// newPassiveListener binds a listening socket for the session. With a
// configured port range the server scans it round robin; otherwise the
// kernel picks an ephemeral port.
func newPassiveListener(s *session) (*passiveListener, error) {
	minPort, maxPort := s.server.pasvMinPort, s.server.pasvMaxPort
	if st := s.dataSettings(); st != nil && st.PasvMinPort > 0 {
		minPort, maxPort = st.PasvMinPort, st.PasvMaxPort
	}
	fd, port, err := s.server.bindPassivePort(s.localIP, minPort, maxPort)
	if err != nil {
		return nil, err
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	l := &passiveListener{sess: s, fd: fd, port: port}
	if err := s.loop.Register(l); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	l.timer = s.loop.CallLater(acceptTimeout, func() {
		l.timer = nil
		l.fail(errors.New("passive accept timed out"))
	})
	return l, nil
}

func (l *passiveListener) Fd() int          { return l.fd }
func (l *passiveListener) WantsRead() bool  { return !l.done }
func (l *passiveListener) WantsWrite() bool { return false }

func (l *passiveListener) HandleRead() {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		l.fail(fmt.Errorf("accept: %w", err))
		return
	}
	peer, _ := sockaddrToIPPort(sa)
	if !l.sess.server.allowForeignDataAddr && peer != l.sess.remoteIP {
		// Someone other than the control peer raced to our port.
		// Drop them and keep waiting for the real client.
		l.sess.logger().Warn("passive_foreign_peer_rejected", "peer_ip", peer)
		_ = unix.Close(nfd)
		return
	}
	l.close()
	l.sess.dataEstablished(nfd)
}

func (l *passiveListener) HandleWrite() {}

func (l *passiveListener) HandleError(err error) {
	l.fail(err)
}

// abort discards the listener without replies, for a superseding PASV
// or session teardown.
func (l *passiveListener) abort() {
	l.close()
}

func (l *passiveListener) fail(err error) {
	if l.done {
		return
	}
	s := l.sess
	l.close()
	s.logger().Warn("passive_data_failed", "error", err)
	s.reply(421, "Passive data channel timed out.")
	s.pendingFailed()
}

func (l *passiveListener) close() {
	if l.done {
		return
	}
	l.done = true
	if l.timer != nil {
		l.timer.Cancel()
		l.timer = nil
	}
	l.sess.loop.Unregister(l)
	_ = unix.Close(l.fd)
}

// activeConnector performs a non-blocking connect to the endpoint the
// client named in PORT or EPRT. The command's reply is deferred until
// the connect resolves: 200 on success, 425 on failure.
type activeConnector struct {
	sess  *session
	fd    int
	timer *evloop.Timer
	done  bool
}

func newActiveConnector(s *session, ip net.IP, port int) (*activeConnector, error) {
	fd, err := newDataSocket()
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect: %w", err)
	}
	c := &activeConnector{sess: s, fd: fd}
	if err := s.loop.Register(c); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	c.timer = s.loop.CallLater(connectTimeout, func() {
		c.timer = nil
		c.fail()
	})
	return c, nil
}

func (c *activeConnector) Fd() int          { return c.fd }
func (c *activeConnector) WantsRead() bool  { return false }
func (c *activeConnector) WantsWrite() bool { return !c.done }

// HandleWrite fires when the connect resolves. SO_ERROR distinguishes
// success from refusal.
func (c *activeConnector) HandleWrite() {
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soErr != 0 {
		c.fail()
		return
	}
	s := c.sess
	fd := c.fd
	c.detach()
	s.reply(200, "Active data connection established.")
	s.dataEstablished(fd)
}

func (c *activeConnector) HandleRead() {}

func (c *activeConnector) HandleError(_ error) {
	c.fail()
}

// abort discards the connector without replies.
func (c *activeConnector) abort() {
	if c.done {
		return
	}
	c.detach()
	_ = unix.Close(c.fd)
}

func (c *activeConnector) fail() {
	if c.done {
		return
	}
	s := c.sess
	c.detach()
	_ = unix.Close(c.fd)
	s.reply(425, "Can't connect to specified address.")
	s.pendingFailed()
}

// detach unregisters from the loop without closing the socket, which
// either moves on to the transfer or is closed by the caller.
func (c *activeConnector) detach() {
	if c.done {
		return
	}
	c.done = true
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	c.sess.loop.Unregister(c)
}
