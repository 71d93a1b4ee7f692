package server

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithDriver sets the backend driver for authentication and file
// operations. This option is required and can only be set once.
//
// Example:
//
//	driver, _ := server.NewFSDriver("/srv/ftp")
//	s, _ := server.NewServer(":21", server.WithDriver(driver))
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithWelcomeMessage sets the banner sent to clients on connection.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		if msg == "" {
			return fmt.Errorf("welcome message cannot be empty")
		}
		s.welcomeMessage = msg
		return nil
	}
}

// WithIdleTimeout sets how long a control connection may sit without
// commands before it is closed with a 421. Zero disables the check.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("idle timeout cannot be negative")
		}
		s.idleTimeout = d
		return nil
	}
}

// WithDataTimeout sets how long a data connection may stall before the
// transfer is aborted. Zero disables the check.
func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("data timeout cannot be negative")
		}
		s.dataTimeout = d
		return nil
	}
}

// WithPassivePorts restricts passive data listeners to an inclusive
// port range, for servers behind a firewall that forwards a fixed
// window.
func WithPassivePorts(min, max int) Option {
	return func(s *Server) error {
		if min < 1 || max > 65535 || min > max {
			return fmt.Errorf("invalid passive port range %d-%d", min, max)
		}
		s.pasvMinPort = min
		s.pasvMaxPort = max
		return nil
	}
}

// WithPublicHost sets the address advertised in PASV replies, for
// servers behind NAT. Accepts an IPv4 address or a hostname, which is
// resolved once at configuration time.
func WithPublicHost(host string) Option {
	return func(s *Server) error {
		if ip := net.ParseIP(host); ip != nil {
			if ip.To4() == nil {
				return fmt.Errorf("public host must be IPv4: %q", host)
			}
			s.publicHost = ip.To4().String()
			return nil
		}
		addrs, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("resolve public host %q: %w", host, err)
		}
		for _, ip := range addrs {
			if v4 := ip.To4(); v4 != nil {
				s.publicHost = v4.String()
				return nil
			}
		}
		return fmt.Errorf("public host %q has no IPv4 address", host)
	}
}

// WithBandwidthLimit caps each transfer at the given rate in bytes per
// second. A per-client limit from the driver's Settings takes
// precedence. Zero means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		if bytesPerSecond < 0 {
			return fmt.Errorf("bandwidth limit cannot be negative")
		}
		s.bandwidthLimit = bytesPerSecond
		return nil
	}
}

// WithMaxConnections limits simultaneous control connections. Clients
// beyond the limit are refused with a 421. Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(s *Server) error {
		if n < 0 {
			return fmt.Errorf("max connections cannot be negative")
		}
		s.maxConnections = n
		return nil
	}
}

// WithAllowForeignDataAddr permits PORT targets and passive peers that
// differ from the control connection's address, as site-to-site (FXP)
// transfers need. Leaving this off blocks FTP bounce abuse, so enable
// it only for trusted deployments.
func WithAllowForeignDataAddr() Option {
	return func(s *Server) error {
		s.allowForeignDataAddr = true
		return nil
	}
}

// WithDisabledCommands refuses the named commands with a 502. Useful
// for locking down active mode (PORT, EPRT) or directory listings.
func WithDisabledCommands(names ...string) Option {
	return func(s *Server) error {
		for _, name := range names {
			name = strings.ToUpper(strings.TrimSpace(name))
			if _, ok := protoCmds[name]; !ok {
				return fmt.Errorf("unknown command %q", name)
			}
			s.disabledCommands[name] = true
		}
		return nil
	}
}
