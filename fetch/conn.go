package fetch

import (
	"net"
	"time"

	"github.com/concrnt/ccworld-ap-core/types"
)

// deadlineConn bounds reads with a cumulative deadline across the life
// of the connection, while keeping distinct per-operation read and
// write timeouts. A slow server trickling one byte at a time cannot
// hold a worker past the deadline merely because each read succeeds.
//
// The transport disables keep-alives, so one connection serves exactly
// one logical request and the deadline is naturally per request.
type deadlineConn struct {
	net.Conn
	timeouts types.Timeouts
	deadline time.Time
}

func newDeadlineConn(conn net.Conn, timeouts types.Timeouts) *deadlineConn {
	return &deadlineConn{Conn: conn, timeouts: timeouts}
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	// The deadline starts with the first read, not at connect time.
	if c.deadline.IsZero() {
		c.deadline = time.Now().Add(c.timeouts.ReadDeadline)
	}

	if !time.Now().Before(c.deadline) {
		return 0, &TimeoutError{Op: "read", Seconds: c.timeouts.ReadDeadline.Seconds()}
	}

	perOp := time.Now().Add(c.timeouts.Read)
	effective := c.deadline
	if perOp.Before(effective) {
		effective = perOp
	}
	if err := c.Conn.SetReadDeadline(effective); err != nil {
		return 0, err
	}

	n, err := c.Conn.Read(b)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			if !time.Now().Before(c.deadline) {
				return n, &TimeoutError{Op: "read", Seconds: c.timeouts.ReadDeadline.Seconds()}
			}
			return n, &TimeoutError{Op: "read", Seconds: c.timeouts.Read.Seconds()}
		}
	}
	return n, err
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write)); err != nil {
		return 0, err
	}

	n, err := c.Conn.Write(b)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return n, &TimeoutError{Op: "write", Seconds: c.timeouts.Write.Seconds()}
		}
	}
	return n, err
}
