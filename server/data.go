package server

import (
	"errors"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/castellan/ftpd/evloop"
	"github.com/castellan/ftpd/internal/throttle"
)

// transferChunk bounds how much data one loop iteration moves for a
// single transfer, keeping the loop fair across sessions.
const transferChunk = 32 * 1024

var errDataTimeout = errors.New("data connection timed out")

// dataTransfer moves one file or listing over an established data
// connection. It is the connection's handler: downloads pump chunks from
// src into the connection's write queue, uploads write incoming chunks
// to dst. Exactly one of src/dst is set.
type dataTransfer struct {
	sess *session
	conn *evloop.Conn
	name string
	path string
	src  io.ReadCloser
	dst  io.WriteCloser

	// ASCII translators, nil in binary mode and for listings.
	enc *asciiEncoder
	dec *asciiDecoder

	// bucket is the bandwidth allowance, nil when unlimited.
	bucket *throttle.Bucket
	resume *evloop.Timer
	idle   *evloop.Timer

	buf     []byte
	bytes   int64
	started time.Time

	aborted bool
	quiet   bool
	done    bool
	failure error
}

// beginTransfer wraps an established data socket in a transfer handler
// and starts moving data. Preliminary replies have already been sent.
func (s *session) beginTransfer(fd int, p *preparedTransfer) {
	d := &dataTransfer{
		sess:    s,
		name:    p.name,
		path:    p.path,
		src:     p.src,
		dst:     p.dst,
		started: time.Now(),
	}
	if s.transferType == "A" && (p.name == "RETR" || p.name == "STOR" || p.name == "APPE") {
		if p.src != nil {
			d.enc = &asciiEncoder{}
		}
		if p.dst != nil {
			d.dec = &asciiDecoder{}
		}
	}
	if limit := s.bandwidthLimit(); limit > 0 {
		d.bucket = throttle.New(limit)
	}

	d.conn = evloop.NewConn(s.loop, fd, d)
	if d.src != nil {
		// Senders never read from the data socket.
		d.conn.PauseRead()
	}
	if err := s.loop.Register(d.conn); err != nil {
		s.logger().Error("data_register_failed", "error", err)
		_ = unix.Close(fd)
		p.discard()
		s.reply(425, "Can't open data channel.")
		return
	}
	s.transfer = d
	d.scheduleIdleCheck()
	if d.src != nil {
		d.pump()
	}
}

// bandwidthLimit picks the per-client limit from the driver settings,
// falling back to the server-wide one.
func (s *session) bandwidthLimit() int64 {
	if s.fs != nil {
		if st := s.fs.Settings(); st != nil && st.BandwidthLimit > 0 {
			return st.BandwidthLimit
		}
	}
	return s.server.bandwidthLimit
}

// pump reads the next chunk from src and queues it on the connection.
// With an exhausted bandwidth allowance the chunk is deferred to a timer
// instead, so the loop never spins waiting for tokens.
func (d *dataTransfer) pump() {
	if d.done || d.conn.Closed() {
		return
	}
	chunk := transferChunk
	if d.bucket != nil {
		chunk = d.bucket.Consume(transferChunk)
		if chunk == 0 {
			d.resume = d.sess.loop.CallLater(d.bucket.NextRefill(transferChunk), func() {
				d.resume = nil
				d.pump()
			})
			return
		}
	}
	if d.buf == nil {
		d.buf = make([]byte, transferChunk)
	}
	n, err := d.src.Read(d.buf[:chunk])
	if n > 0 {
		p := d.buf[:n]
		if d.enc != nil {
			p = d.enc.Transform(p)
		}
		d.conn.Send(p)
		d.bytes += int64(n)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			d.failure = err
		}
		// Flush what is queued, then close. Completion is reported
		// from OnClose.
		d.conn.CloseWhenDone()
	}
}

// ProcessOutgoing refills the write queue each time it drains.
func (d *dataTransfer) ProcessOutgoing() {
	if d.src != nil {
		d.pump()
	}
}

// ProcessIncoming stores an uploaded chunk. When a bandwidth allowance
// runs dry, reading is paused and resumed by timer.
func (d *dataTransfer) ProcessIncoming(p []byte) {
	q := p
	if d.dec != nil {
		q = d.dec.Transform(p)
	}
	if len(q) > 0 {
		if _, err := d.dst.Write(q); err != nil {
			d.failure = err
			d.conn.Close()
			return
		}
	}
	d.bytes += int64(len(p))
	if d.bucket != nil {
		// The chunk is already here, so charge it in full and pause
		// until the resulting deficit is paid off.
		d.bucket.ConsumeAll(len(p))
		if wait := d.bucket.NextRefill(transferChunk); wait > 0 {
			d.conn.PauseRead()
			d.resume = d.sess.loop.CallLater(wait, func() {
				d.resume = nil
				if !d.done && !d.conn.Closed() {
					d.conn.ResumeRead()
				}
			})
		}
	}
}

// OnClose finalizes the transfer when the data connection goes away,
// whether by our own close, peer EOF or a socket error.
func (d *dataTransfer) OnClose(err error) {
	if d.failure == nil {
		d.failure = err
	}
	d.finish()
}

// abort cancels a live transfer on the client's ABOR. The completion
// path replies 426 then 226.
func (d *dataTransfer) abort() {
	if d.done {
		return
	}
	d.aborted = true
	d.conn.Close()
}

// abortQuiet cancels the transfer without control replies, for session
// teardown.
func (d *dataTransfer) abortQuiet() {
	if d.done {
		return
	}
	d.quiet = true
	d.aborted = true
	d.conn.Close()
}

// finish runs exactly once: closes the streams, reports the outcome on
// the control connection and detaches from the session.
func (d *dataTransfer) finish() {
	if d.done {
		return
	}
	d.done = true
	if d.resume != nil {
		d.resume.Cancel()
		d.resume = nil
	}
	if d.idle != nil {
		d.idle.Cancel()
		d.idle = nil
	}

	if d.src != nil {
		_ = d.src.Close()
	}
	if d.dst != nil {
		if d.dec != nil && !d.aborted && d.failure == nil {
			if tail := d.dec.Flush(); len(tail) > 0 {
				if _, err := d.dst.Write(tail); err != nil {
					d.failure = err
				}
			}
		}
		if err := d.dst.Close(); err != nil && d.failure == nil {
			d.failure = err
		}
	}

	s := d.sess
	s.transfer = nil
	elapsed := time.Since(d.started)
	if s.server.metrics != nil {
		ok := !d.aborted && d.failure == nil
		s.server.metrics.RecordTransfer(d.name, ok, d.bytes, elapsed)
	}
	log := s.logger().With(
		"command", d.name, "path", d.path,
		"bytes", d.bytes, "elapsed", elapsed.Round(time.Millisecond))

	switch {
	case d.quiet:
		log.Debug("transfer_dropped")
	case d.aborted:
		s.reply(426, "Transfer aborted via ABOR.")
		s.reply(226, "ABOR command successful.")
		log.Info("transfer_aborted")
	case d.failure != nil:
		s.reply(426, "Connection closed; transfer aborted.")
		log.Warn("transfer_failed", "error", d.failure)
	default:
		s.reply(226, "Transfer complete.")
		log.Info("transfer_complete")
	}
}

// scheduleIdleCheck arms a re-arming stall detector; a data connection
// with no traffic for the configured window is torn down.
func (d *dataTransfer) scheduleIdleCheck() {
	timeout := d.sess.server.dataTimeout
	if timeout <= 0 {
		return
	}
	d.idle = d.sess.loop.CallLater(timeout, func() {
		d.idle = nil
		if d.done {
			return
		}
		if time.Since(d.conn.LastActivity()) >= timeout {
			d.failure = errDataTimeout
			d.conn.Close()
			return
		}
		d.scheduleIdleCheck()
	})
}
