// Command ftpd runs an FTP server over a local directory.
//
// Configuration is taken from the environment:
//
//	FTPD_ADDR        listen address (default ":2121")
//	FTPD_ROOT        directory to serve (default ".")
//	FTPD_USER        username for authenticated access (optional)
//	FTPD_PASS        password for FTPD_USER
//	FTPD_ANON_WRITE  "1" allows anonymous uploads (default read-only)
//	FTPD_PASV_PORTS  passive range as "min-max" (default ephemeral)
//	FTPD_PUBLIC_HOST address advertised in PASV replies (for NAT)
//	FTPD_BANDWIDTH   per-transfer limit, bytes per second (default none)
//	FTPD_MAX_CONNS   connection limit (default none)
//	LOG_LEVEL        DEBUG, INFO, WARN or ERROR (default INFO)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/castellan/ftpd/server"
)

func main() {
	logger := setupLogger()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	root := envOr("FTPD_ROOT", ".")
	addr := envOr("FTPD_ADDR", ":2121")

	driver, err := buildDriver(root)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithDriver(driver),
		server.WithLogger(logger),
	}
	if host := os.Getenv("FTPD_PUBLIC_HOST"); host != "" {
		opts = append(opts, server.WithPublicHost(host))
	}
	if ports := os.Getenv("FTPD_PASV_PORTS"); ports != "" {
		min, max, err := parsePortRange(ports)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithPassivePorts(min, max))
	}
	if bw := os.Getenv("FTPD_BANDWIDTH"); bw != "" {
		n, err := strconv.ParseInt(bw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FTPD_BANDWIDTH %q: %w", bw, err)
		}
		opts = append(opts, server.WithBandwidthLimit(n))
	}
	if mc := os.Getenv("FTPD_MAX_CONNS"); mc != "" {
		n, err := strconv.Atoi(mc)
		if err != nil {
			return fmt.Errorf("invalid FTPD_MAX_CONNS %q: %w", mc, err)
		}
		opts = append(opts, server.WithMaxConnections(n))
	}

	s, err := server.NewServer(addr, opts...)
	if err != nil {
		return err
	}
	if err := s.Listen(); err != nil {
		return err
	}
	logger.Info("serving", "addr", s.Addr(), "root", root)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		logger.Info("shutting down", "signal", sig.String())
		s.Shutdown()
	}()

	return s.Serve()
}

func buildDriver(root string) (server.Driver, error) {
	var opts []server.FSDriverOption
	if user := os.Getenv("FTPD_USER"); user != "" {
		pass := os.Getenv("FTPD_PASS")
		opts = append(opts, server.WithAuthenticator(
			func(u, p string) (string, bool, error) {
				if u != user || p != pass {
					return "", false, os.ErrPermission
				}
				return root, false, nil
			}))
	}
	if os.Getenv("FTPD_ANON_WRITE") == "1" {
		opts = append(opts, server.WithAnonWrite(true))
	}
	return server.NewFSDriver(root, opts...)
}

func parsePortRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid FTPD_PASV_PORTS %q, want min-max", s)
	}
	min, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid FTPD_PASV_PORTS %q: %w", s, err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid FTPD_PASV_PORTS %q: %w", s, err)
	}
	return min, max, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	addSource := false
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		level = slog.LevelDebug
		addSource = true
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:     level,
		AddSource: addSource,
	})
	return slog.New(handler).With("app", "ftpd")
}
