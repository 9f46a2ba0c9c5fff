// Package server implements the event loop and timers (§4.J): epoll
// readiness polling, accept handling, and the idle/TTL maintenance
// ticks, wiring internal/conn and internal/store together.
//
// Grounded on _examples/original_source/redis/14/14_server.cpp's
// fd_set_nb/accept_new_conn/server loop, realized with
// golang.org/x/sys/unix's EpollCreate1/EpollCtl/EpollWait in place of
// the reference's poll(2) — no pack example implements readiness
// polling, but golang.org/x/sys is a real dependency already carried by
// this pack (ethereum-go-verkle, grafana-tempo), and the stdlib exposes
// no multiplexed non-blocking readiness primitive to fall back to.
package server

import (
	"errors"

	"golang.org/x/sys/unix"

	"kvd/internal/conn"
)

// fdSocket adapts a raw non-blocking file descriptor to conn.ReadWriter,
// translating EINTR/EAGAIN into the sentinel errors internal/conn
// expects instead of leaking syscall.Errno across the package boundary.
type fdSocket struct {
	fd int
}

func (s fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, unix.EINTR):
		return conn.ErrInterrupted
	case errors.Is(err, unix.EAGAIN):
		return conn.ErrWouldBlock
	default:
		return err
	}
}

// boundPort returns the local port a listening socket was bound to,
// resolving an ephemeral port (0) to the one the kernel actually chose.
func boundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("server: unexpected socket address family")
	}
	return addr.Port, nil
}

// listen binds a non-blocking IPv4 TCP listener on port, per §6:
// SO_REUSEADDR, SOMAXCONN backlog, non-blocking socket.
func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
