package server

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/castellan/ftpd/evloop"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// maxAuthFailures is the number of failed PASS attempts before the
// session is disconnected.
const maxAuthFailures = 3

// authState tracks the control-channel authentication state machine.
type authState int

const (
	authNone authState = iota // no USER received
	authAwaitingPass
	authDone
)

// session is one FTP control connection: the command/reply state
// machine, plus ownership of at most one pending data connection and at
// most one live transfer.
//
// Every field is read and written only on the event-loop goroutine. The
// data transfer and the pending listener/connector share this state
// through back-references, which is safe because their callbacks run on
// the same loop.
type session struct {
	server *Server
	loop   *evloop.Loop
	conn   *evloop.Conn

	sessionID string
	remoteIP  string
	localIP   string

	state     authState
	user      string
	fs        ClientContext
	authFails int

	transferType  string // "A" or "I"
	restartOffset int64
	renameFrom    string

	lineBuf []byte
	tnet    telnetFilter

	// Data-channel state. At most one of pending/transfer is live, and
	// dataFd holds an established data socket waiting for a transfer
	// command (passive accept completed first).
	pending  pendingData
	dataFd   int
	epsvAll  bool
	transfer *dataTransfer
	queued   *preparedTransfer

	idleTimer *evloop.Timer
	closed    bool
}

// pendingData is an unresolved passive listener or active connector.
type pendingData interface {
	// abort closes the socket and unregisters without notifying the
	// session. Reentrant-safe.
	abort()
}

// generateSessionID returns a unique 8-character session ID.
func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

// newSession wires a freshly accepted control socket into the loop and
// greets the client. fd must already be non-blocking.
func newSession(server *Server, fd int, remoteIP string) *session {
	s := &session{
		server:       server,
		loop:         server.loop,
		sessionID:    generateSessionID(),
		remoteIP:     remoteIP,
		localIP:      localIPOf(fd),
		transferType: "I",
		dataFd:       -1,
	}
	s.conn = evloop.NewConn(server.loop, fd, s)
	return s
}

// localIPOf returns the local address of the socket, used as the PASV
// reply address when no masquerade host is configured.
func localIPOf(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ""
	}
	ip, _ := sockaddrToIPPort(sa)
	return ip
}

// start registers the control channel, sends the greeting, and arms the
// idle timer.
func (s *session) start() error {
	if err := s.loop.Register(s.conn); err != nil {
		return err
	}
	s.reply(220, s.server.welcomeMessage)
	s.scheduleIdleCheck()

	s.logger().Info("session_started", "remote_ip", s.remoteIP)
	return nil
}

func (s *session) logger() *slog.Logger {
	return s.server.logger.With("session_id", s.sessionID)
}

// scheduleIdleCheck arms (or re-arms) the idle timeout. The timer fires
// at the earliest moment the session could have been idle long enough,
// checks actual activity, and either tears down or re-arms.
func (s *session) scheduleIdleCheck() {
	timeout := s.server.idleTimeout
	if timeout <= 0 {
		return
	}

	delay := time.Until(s.conn.LastActivity().Add(timeout))
	if delay <= 0 {
		// Activity is stale but the session is excused, e.g. a long
		// transfer is running. Check again after a full interval.
		delay = timeout
	}
	s.idleTimer = s.loop.CallLater(delay, func() {
		s.idleTimer = nil
		if s.closed {
			return
		}
		if time.Since(s.conn.LastActivity()) >= timeout && s.transfer == nil {
			s.logger().Info("session_idle_timeout", "remote_ip", s.remoteIP)
			s.reply(421, "Control connection timed out.")
			s.conn.CloseWhenDone()
			return
		}
		s.scheduleIdleCheck()
	})
}

// ProcessIncoming implements evloop.ConnHandler: frame CRLF-terminated
// lines and dispatch each complete command.
func (s *session) ProcessIncoming(p []byte) {
	s.lineBuf = append(s.lineBuf, s.tnet.Filter(p)...)

	for !s.closed {
		idx := bytes.IndexByte(s.lineBuf, '\n')
		if idx < 0 {
			if len(s.lineBuf) > MaxCommandLength {
				s.reply(500, "Command line too long.")
				s.conn.CloseWhenDone()
			}
			return
		}
		line := strings.TrimRight(string(s.lineBuf[:idx]), "\r")
		s.lineBuf = s.lineBuf[idx+1:]
		s.handleCommand(line)
	}
}

// ProcessOutgoing implements evloop.ConnHandler. Control replies are
// fire-and-forget; nothing to produce on drain.
func (s *session) ProcessOutgoing() {}

// OnClose implements evloop.ConnHandler.
func (s *session) OnClose(err error) {
	if err != nil {
		s.logger().Warn("control connection error", "remote_ip", s.remoteIP, "error", err)
	}
	s.destroy()
}

// destroy tears the session down: the live transfer, the pending data
// connection, any held data socket, the filesystem context, and the
// control channel itself. Reentrant-safe; the session leaves no
// registered channels behind.
func (s *session) destroy() {
	if s.closed {
		return
	}
	s.closed = true

	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
	if s.transfer != nil {
		s.transfer.abortQuiet()
		s.transfer = nil
	}
	s.discardDataSetup()
	if s.fs != nil {
		_ = s.fs.Close()
		s.fs = nil
	}
	s.conn.Close()
	s.server.removeSession(s)

	s.logger().Debug("session_closed", "remote_ip", s.remoteIP, "user", s.user)
}

// handleCommand parses and dispatches one command line.
func (s *session) handleCommand(line string) {
	if line == "" {
		return
	}

	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.logger().Debug("command_received", "user", s.user, "cmd", cmd, "arg", logArg)

	if s.server.disabledCommands[cmd] {
		s.reply(502, "Command not implemented.")
		return
	}

	def, ok := protoCmds[cmd]
	if !ok {
		s.reply(500, fmt.Sprintf("Command %q not understood.", cmd))
		return
	}

	if s.transfer != nil && !def.busyOK {
		s.reply(503, "Transfer in progress, please ABOR or wait.")
		return
	}

	switch def.arg {
	case argNone:
		if arg != "" {
			s.reply(501, "Syntax error: command does not accept arguments.")
			return
		}
	case argRequired:
		if arg == "" {
			s.reply(501, "Syntax error: command needs an argument.")
			return
		}
	}

	if def.auth && s.state != authDone {
		s.reply(530, "Log in with USER and PASS first.")
		return
	}

	def.handler(s, arg)
}

// reply sends a single-line response.
func (s *session) reply(code int, message string) {
	s.conn.Send([]byte(fmt.Sprintf("%d %s\r\n", code, message)))
}

// replyLines sends a multi-line response per RFC 959: "code-" on the
// first line, one leading space on continuation lines, and a final
// "code text" terminator.
func (s *session) replyLines(code int, header string, lines []string, footer string) {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-%s\r\n", code, header)
	for _, line := range lines {
		fmt.Fprintf(&b, " %s\r\n", line)
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, footer)
	s.conn.Send([]byte(b.String()))
}

// replyFsError maps a driver error onto the standard FTP failure reply.
func (s *session) replyFsError(err error) {
	switch {
	case os.IsNotExist(err):
		s.reply(550, "File not found.")
	case os.IsPermission(err):
		s.reply(550, "Permission denied.")
	case os.IsExist(err):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Requested action not taken.")
	}
}
