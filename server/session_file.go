package server

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

func (s *session) handlePWD(_ string) {
	cwd, err := s.fs.GetWd()
	if err != nil {
		s.replyFsError(err)
		return
	}
	s.reply(257, fmt.Sprintf("%q is the current directory.", cwd))
}

func (s *session) handleCWD(path string) {
	if path == "" {
		path = "/"
	}
	if err := s.fs.ChangeDir(path); err != nil {
		s.replyFsError(err)
		return
	}
	s.reply(250, fmt.Sprintf("%q is the current directory.", s.cwd()))
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) cwd() string {
	cwd, err := s.fs.GetWd()
	if err != nil {
		return "/"
	}
	return cwd
}

func (s *session) handleMKD(path string) {
	if err := s.fs.MakeDir(path); err != nil {
		s.replyFsError(err)
		return
	}
	s.logger().Info("directory_created", "user", s.user, "path", path)
	s.reply(257, fmt.Sprintf("%q directory created.", path))
}

func (s *session) handleRMD(path string) {
	if err := s.fs.RemoveDir(path); err != nil {
		s.replyFsError(err)
		return
	}
	s.logger().Info("directory_removed", "user", s.user, "path", path)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(path string) {
	if err := s.fs.DeleteFile(path); err != nil {
		s.replyFsError(err)
		return
	}
	s.logger().Info("file_deleted", "user", s.user, "path", path)
	s.reply(250, "File removed.")
}

func (s *session) handleRNFR(path string) {
	if _, err := s.fs.Stat(path); err != nil {
		s.replyFsError(err)
		return
	}
	s.renameFrom = path
	s.reply(350, "Ready for destination name.")
}

func (s *session) handleRNTO(path string) {
	if s.renameFrom == "" {
		s.reply(503, "Bad sequence of commands: use RNFR first.")
		return
	}
	src := s.renameFrom
	s.renameFrom = ""

	if err := s.fs.Rename(src, path); err != nil {
		s.replyFsError(err)
		return
	}
	s.logger().Info("file_renamed", "user", s.user, "from", src, "to", path)
	s.reply(250, "Renaming ok.")
}

func (s *session) handleSIZE(path string) {
	// SIZE in ASCII mode would have to re-read the whole file to count
	// translated line endings, so it is rejected as most Unix servers
	// do.
	if s.transferType == "A" {
		s.reply(550, "SIZE not allowed in ASCII mode.")
		return
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		s.replyFsError(err)
		return
	}
	if info.IsDir() {
		s.reply(550, "Is a directory.")
		return
	}
	s.reply(213, strconv.FormatInt(info.Size(), 10))
}

func (s *session) handleMDTM(path string) {
	info, err := s.fs.Stat(path)
	if err != nil {
		s.replyFsError(err)
		return
	}
	if info.IsDir() {
		s.reply(550, fmt.Sprintf("%s is not retrievable.", path))
		return
	}
	// RFC 3659: time values are always UTC.
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) handleMLST(arg string) {
	path := arg
	if path == "" {
		path = s.cwd()
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		s.replyFsError(err)
		return
	}
	s.replyLines(250, "Listing follows:", []string{mlsxLine(info)}, "End MLST.")
}

func (s *session) handleFEAT(_ string) {
	features := []string{
		"EPRT",
		"EPSV",
		"MDTM",
		"MLSD",
		"MLST type*;size*;modify*;",
		"REST STREAM",
		"SIZE",
		"TVFS",
		"UTF8",
	}
	s.replyLines(211, "Features supported:", features, "End FEAT.")
}

func (s *session) handleOPTS(arg string) {
	if strings.EqualFold(arg, "UTF8 ON") {
		s.reply(200, "Always in UTF8 mode.")
		return
	}
	s.reply(501, "Unsupported command OPTS argument.")
}

func (s *session) handleSYST(_ string) {
	// FTP's SYST answer is about the LIST format, and ours is the Unix
	// one regardless of host platform.
	if runtime.GOOS == "windows" {
		s.reply(215, "Windows_NT")
		return
	}
	s.reply(215, "UNIX Type: L8")
}

func (s *session) handleMODE(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "S":
		s.reply(200, "Transfer mode set to: S")
	case "B", "C":
		s.reply(504, "Unimplemented MODE type.")
	default:
		s.reply(501, "Unrecognized MODE type.")
	}
}

func (s *session) handleSTRU(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "F":
		s.reply(200, "File transfer structure set to: F.")
	case "R", "P":
		s.reply(504, "Unimplemented STRU type.")
	default:
		s.reply(501, "Unrecognized STRU type.")
	}
}

func (s *session) handleALLO(_ string) {
	// Obsolete; allocation happens implicitly.
	s.reply(202, "No storage allocation necessary.")
}

func (s *session) handleSTAT(arg string) {
	// STAT with a path is a LIST over the control connection and needs
	// authentication; the bare status form does not.
	if arg != "" {
		if s.state != authDone {
			s.reply(530, "Log in with USER and PASS first.")
			return
		}
		entries, err := s.fs.ListDir(arg)
		if err != nil {
			s.replyFsError(err)
			return
		}
		lines := make([]string, 0, len(entries))
		for _, entry := range entries {
			lines = append(lines, listLine(entry))
		}
		s.replyLines(213, "Status of "+arg+":", lines, "End of status.")
		return
	}

	lines := []string{
		fmt.Sprintf("Connected to: %s", s.localIP),
	}
	if s.state == authDone {
		lines = append(lines, fmt.Sprintf("Logged in as: %s", s.user))
	} else {
		lines = append(lines, "Waiting for username.")
	}
	lines = append(lines,
		fmt.Sprintf("TYPE: %s; STRUcture: File; MODE: Stream", s.transferType),
	)
	if s.transfer != nil {
		lines = append(lines, fmt.Sprintf("%s in progress (%d bytes).", s.transfer.name, s.transfer.bytes))
	} else {
		lines = append(lines, "Data connection closed.")
	}
	s.replyLines(211, "FTP server status:", lines, "End of status.")
}

func (s *session) handleHELP(arg string) {
	if arg != "" {
		cmd := strings.ToUpper(strings.TrimSpace(arg))
		if _, ok := protoCmds[cmd]; !ok {
			s.reply(501, fmt.Sprintf("Unrecognized command %q.", cmd))
			return
		}
		s.reply(214, fmt.Sprintf("Help for %s available in RFC 959.", cmd))
		return
	}

	names := make([]string, 0, len(protoCmds))
	for name := range protoCmds {
		names = append(names, name)
	}
	sort.Strings(names)

	// Eight commands per row keeps the output readable.
	var lines []string
	for i := 0; i < len(names); i += 8 {
		end := i + 8
		if end > len(names) {
			end = len(names)
		}
		lines = append(lines, strings.Join(names[i:end], " "))
	}
	s.replyLines(214, "The following commands are recognized:", lines, "Help command successful.")
}

func (s *session) handleSITE(arg string) {
	parts := strings.Fields(arg)
	if len(parts) == 0 {
		s.reply(501, "Syntax error: command needs an argument.")
		return
	}
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "HELP":
		s.reply(214, "Available SITE commands: CHMOD HELP")
	case "CHMOD":
		if s.state != authDone {
			s.reply(530, "Log in with USER and PASS first.")
			return
		}
		if len(parts) < 3 {
			s.reply(501, "Syntax error: command needs an argument.")
			return
		}
		modeStr := parts[1]
		path := strings.Join(parts[2:], " ") // paths may contain spaces

		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil || mode > 0o777 {
			s.reply(501, "Invalid SITE CHMOD format.")
			return
		}
		if err := s.fs.Chmod(path, os.FileMode(mode)); err != nil {
			s.replyFsError(err)
			return
		}
		s.reply(200, "SITE CHMOD successful.")
	default:
		s.reply(500, fmt.Sprintf("SITE %s not understood.", cmd))
	}
}
