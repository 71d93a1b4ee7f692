package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/castellan/ftpd/evloop"
)

// Server is the FTP server.
//
// All sessions, data transfers and timers run on a single event loop
// goroutine; nothing in the server blocks. Handlers hand the loop small
// units of work and the loop multiplexes every connection over epoll.
//
// Lifecycle:
//  1. Create with NewServer()
//  2. Start with ListenAndServe(), or Listen() then Serve()
//  3. Serve runs the event loop until Shutdown() is called
//
// Basic example:
//
//	driver, _ := server.NewFSDriver("/srv/ftp")
//	s, err := server.NewServer(":21", server.WithDriver(driver))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// Shutdown may be called from any goroutine:
//
//	go func() {
//	    <-ctx.Done()
//	    s.Shutdown()
//	}()
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	// driver is the backend for authentication and file operations.
	driver Driver

	logger *slog.Logger

	// welcomeMessage is the banner sent on connection.
	welcomeMessage string

	// idleTimeout closes control connections with no commands for this
	// long. Zero disables the check.
	idleTimeout time.Duration

	// dataTimeout closes data connections with no traffic for this
	// long. Zero disables the check.
	dataTimeout time.Duration

	// bandwidthLimit caps each transfer's rate in bytes per second
	// unless the driver supplies a per-client limit. Zero is unlimited.
	bandwidthLimit int64

	// maxConnections refuses new control connections beyond this count.
	// Zero is unlimited.
	maxConnections int

	// allowForeignDataAddr permits data connections to or from hosts
	// other than the control peer (FXP). Off by default; see PORT
	// bounce attacks.
	allowForeignDataAddr bool

	// disabledCommands are refused with 502.
	disabledCommands map[string]bool

	// metrics is the optional collector, nil when unset.
	metrics MetricsCollector

	// publicHost is the address advertised in PASV replies, for servers
	// behind NAT. Empty means the control connection's local address.
	publicHost string

	// Passive port range, inclusive. Zero min means kernel-assigned
	// ephemeral ports.
	pasvMinPort int
	pasvMaxPort int
	// nextPasvPort rotates through the range so consecutive PASV
	// replies spread across it.
	nextPasvPort int

	loop      *evloop.Loop
	acceptor  *acceptor
	sessions  map[*session]struct{}
	boundAddr string
}

// NewServer creates an FTP server that will listen on addr. A driver
// must be supplied via WithDriver.
func NewServer(addr string, opts ...Option) (*Server, error) {
	srv := &Server{
		addr:             addr,
		logger:           slog.Default(),
		welcomeMessage:   "FTP server ready.",
		idleTimeout:      5 * time.Minute,
		dataTimeout:      5 * time.Minute,
		disabledCommands: map[string]bool{},
		sessions:         map[*session]struct{}{},
	}
	for _, opt := range opts {
		if err := opt(srv); err != nil {
			return nil, err
		}
	}
	if srv.driver == nil {
		return nil, errors.New("a driver is required, use WithDriver")
	}
	return srv, nil
}

// Listen creates the event loop and binds the control listener. It does
// not accept connections yet; call Serve for that.
func (srv *Server) Listen() error {
	if srv.loop != nil {
		return errors.New("already listening")
	}
	loop, err := evloop.New(srv.logger)
	if err != nil {
		return err
	}

	fd, err := listenTCP4(srv.addr)
	if err != nil {
		_ = loop.Close()
		return err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		_ = loop.Close()
		return fmt.Errorf("getsockname: %w", err)
	}
	host, port := sockaddrToIPPort(sa)

	srv.loop = loop
	srv.boundAddr = net.JoinHostPort(host, strconv.Itoa(port))
	srv.acceptor = &acceptor{srv: srv, fd: fd}
	if err := loop.Register(srv.acceptor); err != nil {
		_ = unix.Close(fd)
		_ = loop.Close()
		return err
	}
	srv.logger.Info("server_listening", "addr", srv.boundAddr)
	return nil
}

// Serve runs the event loop until Shutdown. It returns the loop's
// terminal error, nil on a clean shutdown.
func (srv *Server) Serve() error {
	if srv.loop == nil {
		return errors.New("not listening, call Listen first")
	}
	err := srv.loop.Run()
	_ = srv.loop.Close()
	return err
}

// ListenAndServe binds the listener and runs the loop.
func (srv *Server) ListenAndServe() error {
	if err := srv.Listen(); err != nil {
		return err
	}
	return srv.Serve()
}

// Addr returns the bound listener address, useful with ":0".
func (srv *Server) Addr() string {
	return srv.boundAddr
}

// Shutdown stops the server: the listener closes, every session is torn
// down and the event loop exits. Safe to call from any goroutine.
func (srv *Server) Shutdown() {
	if srv.loop == nil {
		return
	}
	srv.loop.Post(func() {
		srv.logger.Info("server_shutdown")
		if srv.acceptor != nil {
			srv.acceptor.close()
			srv.acceptor = nil
		}
		for sess := range srv.sessions {
			sess.destroy()
		}
		srv.loop.Stop()
	})
}

func (srv *Server) removeSession(s *session) {
	delete(srv.sessions, s)
}

// passiveHost picks the address advertised in a 227 reply.
func (srv *Server) passiveHost(localIP string) string {
	if srv.publicHost != "" {
		return srv.publicHost
	}
	if localIP != "" && localIP != "0.0.0.0" {
		return localIP
	}
	return "127.0.0.1"
}

// bindPassivePort binds a fresh data listener socket inside [minPort,
// maxPort], scanning round robin from where the last bind left off; a
// full cycle with every port busy is an error. A zero minPort means the
// kernel assigns an ephemeral port.
func (srv *Server) bindPassivePort(localIP string, minPort, maxPort int) (int, int, error) {
	var bindIP [4]byte
	if ip, err := parseIPv4(localIP); err == nil {
		copy(bindIP[:], ip)
	}

	if minPort == 0 {
		fd, err := newDataSocket()
		if err != nil {
			return 0, 0, err
		}
		if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: bindIP}); err != nil {
			_ = unix.Close(fd)
			return 0, 0, fmt.Errorf("bind: %w", err)
		}
		sa, err := unix.Getsockname(fd)
		if err != nil {
			_ = unix.Close(fd)
			return 0, 0, fmt.Errorf("getsockname: %w", err)
		}
		_, port := sockaddrToIPPort(sa)
		return fd, port, nil
	}

	span := maxPort - minPort + 1
	for i := 0; i < span; i++ {
		port := minPort + (srv.nextPasvPort+i)%span
		fd, err := newDataSocket()
		if err != nil {
			return 0, 0, err
		}
		if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: bindIP}); err != nil {
			_ = unix.Close(fd)
			if err == unix.EADDRINUSE || err == unix.EACCES {
				continue
			}
			return 0, 0, fmt.Errorf("bind: %w", err)
		}
		srv.nextPasvPort = (srv.nextPasvPort + i + 1) % span
		return fd, port, nil
	}
	return 0, 0, errors.New("passive port range exhausted")
}

// listenTCP4 opens a non-blocking IPv4 listening socket for addr.
func listenTCP4(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", portStr)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip, err := parseIPv4(host)
		if err != nil {
			return 0, err
		}
		copy(sa.Addr[:], ip)
	}

	fd, err := newDataSocket()
	if err != nil {
		return 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// acceptor is the loop channel for the control listener.
type acceptor struct {
	srv    *Server
	fd     int
	closed bool
}

func (a *acceptor) Fd() int          { return a.fd }
func (a *acceptor) WantsRead() bool  { return !a.closed }
func (a *acceptor) WantsWrite() bool { return false }
func (a *acceptor) HandleWrite()     {}

func (a *acceptor) HandleRead() {
	for {
		nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			a.srv.logger.Error("accept failed", "error", err)
			return
		}
		srv := a.srv
		if srv.maxConnections > 0 && len(srv.sessions) >= srv.maxConnections {
			// Refuse politely with a one-shot write; no session, no
			// registration.
			_, _ = unix.Write(nfd, []byte("421 Too many connections. Service temporarily unavailable.\r\n"))
			_ = unix.Close(nfd)
			srv.logger.Warn("connection_refused_full", "limit", srv.maxConnections)
			if srv.metrics != nil {
				srv.metrics.RecordConnection(false)
			}
			continue
		}
		if srv.metrics != nil {
			srv.metrics.RecordConnection(true)
		}
		ip, _ := sockaddrToIPPort(sa)
		sess := newSession(srv, nfd, ip)
		srv.sessions[sess] = struct{}{}
		if err := sess.start(); err != nil {
			srv.logger.Error("session start failed", "error", err)
			sess.destroy()
		}
	}
}

func (a *acceptor) HandleError(err error) {
	a.srv.logger.Error("listener error", "error", err)
	a.close()
}

func (a *acceptor) close() {
	if a.closed {
		return
	}
	a.closed = true
	a.srv.loop.Unregister(a)
	_ = unix.Close(a.fd)
}
