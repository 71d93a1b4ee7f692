// Package server implements an event-driven FTP server.
//
// # Overview
//
// The server multiplexes every control connection, data transfer and
// timer over a single event loop goroutine (see the evloop package).
// Nothing blocks: command handlers queue replies, transfers move one
// bounded chunk per loop iteration, and slow peers only slow
// themselves.
//
// This package provides:
//   - The RFC 959 command set plus the common extensions (FEAT, MLSD,
//     MLST, SIZE, MDTM, EPSV, EPRT, REST)
//   - Passive and active data connections with anti-bounce policy
//     checks on by default
//   - Per-transfer bandwidth throttling
//   - Pluggable storage backends via the Driver interface
//
// # Getting Started
//
// The easiest way to start is using the provided FSDriver to serve a
// local directory:
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/castellan/ftpd/server"
//	)
//
//	func main() {
//	    driver, err := server.NewFSDriver("/srv/ftp")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    s, err := server.NewServer(":21", server.WithDriver(driver))
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Println("Starting FTP server on :21")
//	    if err := s.ListenAndServe(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Custom Drivers
//
// Implement the Driver interface to connect the server to any backend,
// such as cloud storage, an in-memory store, or a custom user database:
//
//	type Driver interface {
//	    Authenticate(user, pass string) (ClientContext, error)
//	}
//
// The returned ClientContext carries the per-user filesystem view. Its
// methods run on the event loop goroutine and must not block on the
// network; local disk I/O is fine.
//
// # Authentication Patterns
//
// Anonymous-only access (default with FSDriver):
//
//	driver, _ := server.NewFSDriver("/srv/ftp")
//	// Allows "anonymous" and "ftp" users with read-only access
//
// Custom authentication with per-user directories:
//
//	driver, _ := server.NewFSDriver("/srv/ftp",
//	    server.WithAuthenticator(func(user, pass string) (string, bool, error) {
//	        if !isValidUser(user, pass) {
//	            return "", false, os.ErrPermission
//	        }
//	        userRoot := filepath.Join("/srv/ftp", user)
//	        readOnly := user == "guest"
//	        return userRoot, readOnly, nil
//	    }),
//	)
//
// # Passive Mode Configuration
//
// Behind NAT or in containers, advertise a public address and pin the
// passive port range so it can be forwarded:
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithPublicHost("203.0.113.10"),
//	    server.WithPassivePorts(30000, 30100),
//	)
//
// Make the range large enough for the expected number of concurrent
// transfers; when every port in the range is busy, PASV is refused
// with a 425.
//
// # Server Configuration
//
// Connection limits, timeouts and throttling:
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithMaxConnections(100),
//	    server.WithIdleTimeout(10*time.Minute),
//	    server.WithBandwidthLimit(512*1024), // bytes per second, per transfer
//	)
//
// Custom logging:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithLogger(logger),
//	)
//
// # RFC Compliance
//
// This server implements the following RFCs:
//   - RFC 959 (Base FTP)
//   - RFC 1123 (Requirements for Internet Hosts - minimum implementation)
//   - RFC 2389 (Feature Negotiation)
//   - RFC 2428 (EPRT and EPSV)
//   - RFC 3659 (Extensions: SIZE, MDTM, MLSD, MLST, REST)
package server
