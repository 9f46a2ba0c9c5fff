// Package conn implements the per-connection protocol state machine
// (§4.I): REQ/RES/END states driving buffered, non-blocking framing
// over a socket.
//
// Grounded directly on
// _examples/original_source/redis/14/14_server.cpp's Conn struct and
// its state_req/try_fill_buffer/try_one_request/state_res/
// try_flush_buffer/connection_io functions, translated one-for-one from
// C's goto-free while/break control flow into Go methods. Raw socket
// I/O is injected via the ReadWriter interface instead of calling into
// a syscall package directly, so this package stays testable without a
// real fd — internal/server supplies the concrete non-blocking
// implementation wrapping golang.org/x/sys/unix.
package conn

import (
	"errors"

	"kvd/internal/command"
	"kvd/internal/dlist"
	"kvd/internal/wire"
)

// State is one of the three connection lifecycle states.
type State int

const (
	StateReq State = iota
	StateRes
	StateEnd
)

// Sentinel errors a ReadWriter implementation must return to signal the
// two non-fatal non-blocking conditions; any other error is treated as
// fatal for the connection.
var (
	ErrInterrupted = errors.New("conn: read/write interrupted, retry")
	ErrWouldBlock  = errors.New("conn: read/write would block")
)

// ReadWriter is the non-blocking byte I/O a Conn needs. Read/Write
// follow normal io.Reader/io.Writer semantics except that a partial or
// zero n with ErrWouldBlock means "try again once readiness fires
// again", and n==0 with a nil error on Read means EOF.
type ReadWriter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// readChunkSize is how much is read per syscall while draining the
// socket in fillBuffer.
const readChunkSize = 64 * 1024

// Conn is one client connection's buffers and state.
type Conn struct {
	FD    int
	State State

	rbuf     []byte
	wbuf     []byte
	wbufSent int

	IdleStartUS int64
	IdleNode    *dlist.Node[*Conn]

	rw         ReadWriter
	dispatcher *command.Dispatcher
	maxMsg     int
}

// New returns a Conn in StateReq, ready to read requests.
func New(fd int, rw ReadWriter, d *command.Dispatcher, maxMsg int) *Conn {
	return &Conn{FD: fd, State: StateReq, rw: rw, dispatcher: d, maxMsg: maxMsg}
}

// WantRead reports whether the event loop should poll this connection
// for read readiness (POLLIN in REQ).
func (c *Conn) WantRead() bool { return c.State == StateReq }

// WantWrite reports whether the event loop should poll this connection
// for write readiness (POLLOUT in RES).
func (c *Conn) WantWrite() bool { return c.State == StateRes }

// Done reports whether the connection is ready for teardown.
func (c *Conn) Done() bool { return c.State == StateEnd }

// Touch refreshes idle tracking after any I/O activity, moving the
// connection to the tail of the idle list (most-recently-used).
func (c *Conn) Touch(nowUS int64, idle *dlist.List[*Conn]) {
	c.IdleStartUS = nowUS
	if c.IdleNode != nil {
		idle.MoveToBack(c.IdleNode)
	}
}

// OnReadable handles read readiness: fills rbuf, then repeatedly parses
// and dispatches complete frames for as long as the connection stays in
// StateReq (i.e. each response drained immediately without blocking).
func (c *Conn) OnReadable() {
	if c.State != StateReq {
		return
	}
	if !c.fillBuffer() {
		return
	}
	for c.State == StateReq {
		if !c.tryOneRequest() {
			return
		}
	}
}

// OnWritable handles write readiness while draining a pending response.
func (c *Conn) OnWritable() {
	if c.State != StateRes {
		return
	}
	c.tryFlushBuffer()
}

// fillBuffer drains the socket into rbuf until EWOULDBLOCK, EOF, or a
// fatal error. Returns false if the connection transitioned to END.
func (c *Conn) fillBuffer() bool {
	for {
		var tmp [readChunkSize]byte
		n, err := c.rw.Read(tmp[:])
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				continue
			}
			if errors.Is(err, ErrWouldBlock) {
				return true
			}
			c.State = StateEnd
			return false
		}
		if n == 0 {
			// EOF. A non-empty rbuf means a request was left mid-flight.
			c.State = StateEnd
			return false
		}
		c.rbuf = append(c.rbuf, tmp[:n]...)
	}
}

// tryOneRequest attempts to parse, dispatch, and begin responding to
// one complete frame buffered in rbuf. Returns true if a full request
// was consumed and the connection is back in StateReq with rbuf
// possibly holding another complete frame; false if there's nothing
// more to do this readiness cycle (either rbuf holds an incomplete
// frame, or the response is still draining, or the connection ended).
func (c *Conn) tryOneRequest() bool {
	total, ok := wire.PeekFrameLen(c.rbuf)
	if !ok {
		return false
	}
	if int(total) > c.maxMsg {
		c.State = StateEnd
		return false
	}
	frameLen := wire.HeaderLen + int(total)
	if len(c.rbuf) < frameLen {
		return false
	}

	payload := c.rbuf[wire.HeaderLen:frameLen]
	args, err := wire.ParseRequest(payload)
	if err != nil {
		c.State = StateEnd
		return false
	}

	resp, err := c.dispatcher.Dispatch(args, c.maxMsg)
	if err != nil {
		c.State = StateEnd
		return false
	}
	c.wbuf = append(c.wbuf, resp...)

	// compact: drop the consumed frame from the front of rbuf
	remaining := len(c.rbuf) - frameLen
	copy(c.rbuf, c.rbuf[frameLen:])
	c.rbuf = c.rbuf[:remaining]

	c.State = StateRes
	c.tryFlushBuffer()
	return c.State == StateReq
}

// tryFlushBuffer writes as much of wbuf[wbufSent:] as the socket will
// currently accept. On completion it resets the write buffer and
// returns to StateReq.
func (c *Conn) tryFlushBuffer() {
	for c.wbufSent < len(c.wbuf) {
		n, err := c.rw.Write(c.wbuf[c.wbufSent:])
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				continue
			}
			if errors.Is(err, ErrWouldBlock) {
				return
			}
			c.State = StateEnd
			return
		}
		c.wbufSent += n
	}
	c.wbuf = c.wbuf[:0]
	c.wbufSent = 0
	c.State = StateReq
}
