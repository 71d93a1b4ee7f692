package server

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Transfer parameter and data-channel commands: TYPE, REST, PASV, EPSV,
// PORT, EPRT, the transfer initiators RETR, STOR, APPE, LIST, NLST and
// MLSD, and ABOR.

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "A", "A N", "L7":
		s.transferType = "A"
		s.reply(200, "Type set to: ASCII.")
	case "I", "L8":
		s.transferType = "I"
		s.reply(200, "Type set to: Binary.")
	default:
		s.reply(504, fmt.Sprintf("Unsupported type %q.", arg))
	}
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid parameter.")
		return
	}
	if s.transferType == "A" {
		s.reply(501, "Resuming transfers not allowed in ASCII mode.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at position %d.", offset))
}

// dataSettings returns the driver's per-session data-connection
// overrides, nil before login or when the driver has none.
func (s *session) dataSettings() *Settings {
	if s.fs == nil {
		return nil
	}
	return s.fs.Settings()
}

// discardDataSetup drops any unresolved data-channel state: the pending
// listener or connector, an established but unused data socket, and a
// transfer queued behind the pending connection. The live transfer, if
// any, is untouched.
func (s *session) discardDataSetup() {
	if s.pending != nil {
		s.pending.abort()
		s.pending = nil
	}
	if s.dataFd >= 0 {
		_ = unix.Close(s.dataFd)
		s.dataFd = -1
	}
	if s.queued != nil {
		s.queued.discard()
		s.queued = nil
	}
}

func (s *session) handlePASV(_ string) {
	if s.epsvAll {
		s.reply(501, "PASV not allowed after EPSV ALL.")
		return
	}
	s.openPassive(false)
}

func (s *session) handleEPSV(arg string) {
	arg = strings.TrimSpace(arg)
	if strings.EqualFold(arg, "ALL") {
		s.epsvAll = true
		s.reply(220, "Other commands other than EPSV are now disabled.")
		return
	}
	if arg != "" && arg != "1" {
		s.reply(522, "Network protocol not supported (use 1).")
		return
	}
	s.openPassive(true)
}

// openPassive discards any earlier data-channel setup, binds a listener
// in the configured passive range and announces it. A fresh PASV or EPSV
// always supersedes whatever came before it.
func (s *session) openPassive(extended bool) {
	s.discardDataSetup()

	lst, err := newPassiveListener(s)
	if err != nil {
		s.logger().Error("passive_listen_failed", "error", err)
		s.reply(425, "Can't open data channel.")
		return
	}
	s.pending = lst

	if extended {
		s.reply(229, fmt.Sprintf("Entering extended passive mode (|||%d|).", lst.port))
		return
	}
	host := s.server.passiveHost(s.localIP)
	if st := s.dataSettings(); st != nil && st.PublicHost != "" {
		host = st.PublicHost
	}
	s.reply(227, fmt.Sprintf("Entering passive mode (%s,%d,%d).",
		strings.ReplaceAll(host, ".", ","), lst.port>>8, lst.port&0xff))
}

func (s *session) handlePORT(arg string) {
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		s.reply(501, "Invalid PORT format.")
		return
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			s.reply(501, "Invalid PORT format.")
			return
		}
		nums[i] = n
	}
	ip := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port := nums[4]<<8 | nums[5]
	s.openActive(ip, port)
}

func (s *session) handleEPRT(arg string) {
	arg = strings.TrimSpace(arg)
	if len(arg) < 3 {
		s.reply(501, "Invalid EPRT format.")
		return
	}
	sep := arg[0]
	fields := strings.Split(arg, string(sep))
	// "|1|h|p|" splits into five fields with empty ends.
	if len(fields) != 5 || fields[0] != "" || fields[4] != "" {
		s.reply(501, "Invalid EPRT format.")
		return
	}
	if fields[1] != "1" {
		s.reply(522, "Network protocol not supported (use 1).")
		return
	}
	port, err := strconv.Atoi(fields[3])
	if err != nil {
		s.reply(501, "Invalid EPRT format.")
		return
	}
	s.openActive(fields[2], port)
}

// openActive validates the client-supplied endpoint and begins a
// non-blocking connect to it. The reply is deferred until the connect
// resolves.
func (s *session) openActive(host string, port int) {
	if s.epsvAll {
		s.reply(501, "PORT not allowed after EPSV ALL.")
		return
	}
	if port < 1 || port > 65535 {
		s.reply(501, "Invalid port number.")
		return
	}
	ip, err := parseIPv4(host)
	if err != nil {
		s.reply(501, "Invalid address.")
		return
	}
	// Unless foreign addresses are explicitly allowed, the data endpoint
	// must belong to the control connection's peer and must not sit on a
	// privileged port. This blocks bounce attacks (CVE-1999-0017).
	if !s.server.allowForeignDataAddr {
		if ip.String() != s.remoteIP {
			s.reply(501, "Can't connect to a foreign address.")
			return
		}
		if port < 1024 {
			s.reply(501, "Can't connect over a privileged port.")
			return
		}
	}

	s.discardDataSetup()
	conn, err := newActiveConnector(s, ip, port)
	if err != nil {
		s.logger().Error("active_connect_failed", "error", err)
		s.reply(425, "Can't connect to specified address.")
		return
	}
	s.pending = conn
}

// preparedTransfer is a transfer accepted with a 150 reply while the
// data connection is still being established. It starts as soon as the
// pending listener or connector resolves.
type preparedTransfer struct {
	name string
	path string
	src  io.ReadCloser
	dst  io.WriteCloser
}

func (p *preparedTransfer) discard() {
	if p.src != nil {
		_ = p.src.Close()
	}
	if p.dst != nil {
		_ = p.dst.Close()
	}
}

// startOrQueueTransfer routes a ready transfer to its data connection.
// With a socket already established it starts immediately (125); with a
// connection still pending it queues behind it (150); with neither it is
// refused (425) and the streams are closed.
func (s *session) startOrQueueTransfer(p *preparedTransfer) {
	switch {
	case s.dataFd >= 0:
		fd := s.dataFd
		s.dataFd = -1
		s.reply(125, "Data connection already open. Transfer starting.")
		s.beginTransfer(fd, p)
	case s.pending != nil:
		s.queued = p
		s.reply(150, "File status okay. About to open data connection.")
	default:
		p.discard()
		s.reply(425, "Use PORT or PASV first.")
	}
}

// dataEstablished is called by the pending listener or connector once a
// data socket exists. A queued transfer starts right away; otherwise the
// socket is parked until the next transfer command.
func (s *session) dataEstablished(fd int) {
	s.pending = nil
	if s.queued != nil {
		p := s.queued
		s.queued = nil
		s.beginTransfer(fd, p)
		return
	}
	s.dataFd = fd
}

// pendingFailed is called when the pending listener or connector gives
// up. The caller has already sent the error reply; any queued transfer
// is discarded with it.
func (s *session) pendingFailed() {
	s.pending = nil
	if s.queued != nil {
		s.queued.discard()
		s.queued = nil
	}
}

func (s *session) handleRETR(arg string) {
	offset := s.restartOffset
	s.restartOffset = 0
	src, err := s.fs.OpenRead(arg, offset)
	if err != nil {
		s.replyFsError(err)
		return
	}
	s.startOrQueueTransfer(&preparedTransfer{name: "RETR", path: arg, src: src})
}

func (s *session) handleSTOR(arg string) {
	s.storeFile("STOR", arg, false)
}

func (s *session) handleAPPE(arg string) {
	s.storeFile("APPE", arg, true)
}

func (s *session) storeFile(name, path string, appendMode bool) {
	offset := s.restartOffset
	s.restartOffset = 0
	if appendMode {
		offset = 0
	}
	dst, err := s.fs.OpenWrite(path, offset, appendMode)
	if err != nil {
		s.replyFsError(err)
		return
	}
	s.startOrQueueTransfer(&preparedTransfer{name: name, path: path, dst: dst})
}

func (s *session) handleLIST(arg string) {
	s.sendListing("LIST", arg, listLine)
}

func (s *session) handleNLST(arg string) {
	s.sendListing("NLST", arg, nameLine)
}

func (s *session) handleMLSD(arg string) {
	path := listPath(arg)
	if info, err := s.fs.Stat(path); err != nil {
		s.replyFsError(err)
		return
	} else if !info.IsDir() {
		s.reply(501, "No such directory.")
		return
	}
	s.sendListing("MLSD", arg, mlsxLine)
}

func (s *session) sendListing(name, arg string, format func(os.FileInfo) string) {
	path := listPath(arg)
	entries, err := s.fs.ListDir(path)
	if err != nil {
		s.replyFsError(err)
		return
	}
	s.startOrQueueTransfer(&preparedTransfer{
		name: name,
		path: path,
		src:  newLineStream(entries, format),
	})
}

// listPath extracts the directory operand from a listing argument,
// tolerating ls-style option words some clients prepend.
func listPath(arg string) string {
	for _, f := range strings.Fields(arg) {
		if !strings.HasPrefix(f, "-") {
			return f
		}
	}
	return ""
}

func (s *session) handleABOR(_ string) {
	if s.transfer != nil {
		// The transfer's completion path sees the abort flag and sends
		// 426 followed by 226.
		s.transfer.abort()
		return
	}
	if s.pending != nil || s.dataFd >= 0 || s.queued != nil {
		s.discardDataSetup()
		s.reply(225, "ABOR command successful; data channel closed.")
		return
	}
	s.reply(225, "No transfer to abort.")
}
