package server

// Authentication state machine: USER moves the session to
// awaiting-password, PASS resolves it through the driver. A USER or REIN
// after login flushes the previous authentication.

func (s *session) handleUSER(user string) {
	if s.state == authDone {
		// Re-authentication: flush the previous login.
		s.flushAccount()
	}
	s.user = user
	s.state = authAwaitingPass
	s.reply(331, "Username ok, send password.")
}

func (s *session) handlePASS(pass string) {
	switch s.state {
	case authNone:
		s.reply(503, "Login with USER first.")
		return
	case authDone:
		s.reply(503, "User already authenticated.")
		return
	}

	ctx, err := s.server.driver.Authenticate(s.user, pass)
	if s.server.metrics != nil {
		s.server.metrics.RecordAuthentication(err == nil, s.user)
	}
	if err != nil {
		s.authFails++
		s.logger().Warn("authentication_failed",
			"remote_ip", s.remoteIP,
			"user", s.user,
			"attempts", s.authFails,
		)
		s.state = authNone
		if s.authFails >= maxAuthFailures {
			s.reply(530, "Maximum login attempts. Disconnecting.")
			s.conn.CloseWhenDone()
			return
		}
		s.reply(530, "Login incorrect.")
		return
	}

	s.fs = ctx
	s.state = authDone
	s.authFails = 0
	s.logger().Info("authentication_success",
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
	s.reply(230, "Login successful.")
}

func (s *session) handleREIN(_ string) {
	s.flushAccount()
	s.reply(230, "Ready for new user.")
}

// flushAccount resets everything tied to the authenticated user, leaving
// the control connection open for a new login.
func (s *session) flushAccount() {
	s.discardDataSetup()
	if s.fs != nil {
		_ = s.fs.Close()
		s.fs = nil
	}
	s.state = authNone
	s.user = ""
	s.renameFrom = ""
	s.restartOffset = 0
	s.transferType = "I"
}

func (s *session) handleQUIT(_ string) {
	s.reply(221, "Goodbye.")
	// Flush the farewell, then tear down. Any live transfer or pending
	// data connection dies with the session.
	s.conn.CloseWhenDone()
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "I successfully did nothing.")
}
