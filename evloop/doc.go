// Package evloop implements the readiness-multiplexing core of the FTP
// server: a single-threaded event loop that polls an arbitrary number of
// non-blocking sockets with epoll and dispatches read/write/error
// callbacks to registered channels.
//
// # Model
//
// Exactly one goroutine runs the loop. All channel callbacks, timer
// callbacks, and functions posted with [Loop.Post] execute on that
// goroutine, one at a time. Shared state reachable only from callbacks
// therefore needs no locking. A callback must never block or sleep; it
// does a bounded amount of work (one read, one write, one command) and
// returns control to the loop.
//
// # Channels
//
// Anything with a file descriptor can be registered by implementing
// [Channel]. [Conn] is the stream implementation used for control and
// data sockets: it buffers pending output in ordered chunks, handles
// partial writes, and supports both immediate close and flush-then-close.
//
// # Timers
//
// [Loop.CallLater] schedules a one-shot callback ordered by absolute
// deadline. Due timers run after I/O dispatch in each pass, and the poll
// timeout never sleeps past the earliest deadline. Cancelling a timer
// that already fired is a no-op.
//
// # Failure isolation
//
// A panic inside one channel's callback is recovered at the dispatch
// boundary, logged, and the offending channel is forcibly closed. Other
// channels and the loop itself are unaffected.
//
// Linux only (epoll).
package evloop
