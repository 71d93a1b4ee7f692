package server

import "time"

// MetricsCollector is an optional hook for exporting server metrics to
// monitoring systems like Prometheus or StatsD.
//
// All methods are called on the event loop goroutine and must not
// block; expensive work should be dispatched asynchronously.
type MetricsCollector interface {
	// RecordConnection is called for every control connection attempt.
	// accepted is false when the connection limit refused it.
	RecordConnection(accepted bool)

	// RecordAuthentication is called for every PASS attempt.
	RecordAuthentication(success bool, user string)

	// RecordTransfer is called when a data transfer finishes.
	// operation is the initiating command (RETR, STOR, APPE, LIST,
	// NLST or MLSD). success is false for aborted or failed transfers.
	RecordTransfer(operation string, success bool, bytes int64, duration time.Duration)
}

// WithMetrics installs a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}
