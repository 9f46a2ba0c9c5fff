package server

import (
	"context"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"kvd/internal/command"
	"kvd/internal/config"
	"kvd/internal/conn"
	"kvd/internal/dlist"
	"kvd/internal/store"
	"kvd/internal/workerpool"
)

// pollCeilingMS is the 10s ceiling on poll timeout when no timer is
// pending (§4.J).
const pollCeilingMS = 10_000

// maxEvents bounds a single EpollWait batch; further-ready descriptors
// are picked up on the next iteration.
const maxEvents = 256

// Server runs the single-threaded event loop: epoll readiness polling,
// accept handling, and the idle/TTL maintenance ticks.
type Server struct {
	cfg config.Config

	listenFD int
	epfd     int

	conns map[int]*conn.Conn
	idle  *dlist.List[*conn.Conn]

	store      *store.Store
	dispatcher *command.Dispatcher

	nowUS func() int64
}

// New binds the listener and epoll instance for cfg and wires a Store
// and Dispatcher around pool (which the caller owns and must Close
// separately on shutdown, per §6).
func New(cfg config.Config, pool *workerpool.Pool) (*Server, error) {
	st := store.New(cfg.LoadFactorMax, cfg.RehashWork, pool)
	st.SetLargeZSetThreshold(cfg.LargeZSetThreshold)

	listenFD, err := listen(cfg.Port)
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFD)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
		Events: unix.EPOLLIN, Fd: int32(listenFD),
	}); err != nil {
		unix.Close(listenFD)
		unix.Close(epfd)
		return nil, err
	}

	if cfg.Port == 0 {
		if p, err := boundPort(listenFD); err == nil {
			cfg.Port = p
		}
	}

	return &Server{
		cfg:        cfg,
		listenFD:   listenFD,
		epfd:       epfd,
		conns:      make(map[int]*conn.Conn),
		idle:       dlist.New[*conn.Conn](),
		store:      st,
		dispatcher: command.New(st),
		nowUS:      func() int64 { return time.Now().UnixMicro() },
	}, nil
}

// Port returns the listener's bound TCP port (useful after binding an
// ephemeral port 0 for tests).
func (s *Server) Port() int { return s.cfg.Port }

// Close tears down every live connection and the listener/epoll
// descriptors. Does not touch the worker pool, which the caller owns.
func (s *Server) Close() {
	for _, c := range s.conns {
		s.closeConn(c)
	}
	unix.Close(s.listenFD)
	unix.Close(s.epfd)
}

// Run drives the event loop until ctx is cancelled, returning nil, or
// until a fatal epoll error occurs.
func (s *Server) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(s.epfd, events, s.pollTimeoutMS())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		listenerReady := s.handleReady(events[:n])
		s.processTimers()
		if listenerReady {
			s.acceptOne()
		}
	}
}

// handleReady services every ready connection this tick and reports
// whether the listener itself became ready — its accept is deferred
// until after this tick's connections and timers are processed (§4.J:
// "a new connection must not be serviced in the same iteration as its
// accept").
func (s *Server) handleReady(events []unix.EpollEvent) bool {
	listenerReady := false
	for _, ev := range events {
		fd := int(ev.Fd)
		if fd == s.listenFD {
			listenerReady = true
			continue
		}
		c, ok := s.conns[fd]
		if !ok {
			continue
		}

		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			c.State = conn.StateEnd
		} else {
			if ev.Events&unix.EPOLLIN != 0 {
				c.OnReadable()
			}
			if c.State != conn.StateEnd && ev.Events&unix.EPOLLOUT != 0 {
				c.OnWritable()
			}
		}

		if c.Done() {
			s.closeConn(c)
			continue
		}
		c.Touch(s.nowUS(), s.idle)
		s.updateInterest(c)
	}
	return listenerReady
}

// updateInterest re-registers c's epoll event mask to match its current
// state: POLLIN in REQ, POLLOUT in RES, always POLLERR (§4.J).
func (s *Server) updateInterest(c *conn.Conn) {
	var mask uint32 = unix.EPOLLERR
	if c.WantRead() {
		mask |= unix.EPOLLIN
	}
	if c.WantWrite() {
		mask |= unix.EPOLLOUT
	}
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, c.FD, &unix.EpollEvent{Events: mask, Fd: int32(c.FD)})
}

// processTimers runs the idle reaper and TTL reaper (§4.J).
func (s *Server) processTimers() {
	now := s.nowUS()

	deadline := now - s.cfg.IdleTimeoutMS*1000
	for {
		front := s.idle.Front()
		if front == nil || front.Value.IdleStartUS > deadline {
			break
		}
		s.closeConn(front.Value)
	}

	s.store.ExpireDue(now, s.cfg.ExpirePerTick)
}

// pollTimeoutMS computes the next EpollWait timeout: time until the
// nearer of the idle list's head deadline and the TTL heap's root,
// clamped to [0, pollCeilingMS] (§4.J).
func (s *Server) pollTimeoutMS() int {
	now := s.nowUS()
	nextUS := now + pollCeilingMS*1000

	if front := s.idle.Front(); front != nil {
		if d := front.Value.IdleStartUS + s.cfg.IdleTimeoutMS*1000; d < nextUS {
			nextUS = d
		}
	}
	if d, ok := s.store.NextExpiryUS(); ok && d < nextUS {
		nextUS = d
	}

	remainingMS := (nextUS - now) / 1000
	if remainingMS < 0 {
		remainingMS = 0
	}
	if remainingMS > pollCeilingMS {
		remainingMS = pollCeilingMS
	}
	return int(remainingMS)
}

// acceptOne accepts at most one pending connection, per §4.J.
func (s *Server) acceptOne() {
	fd, _, err := unix.Accept(s.listenFD)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		log.Printf("server: accept: %v", err)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		log.Printf("server: set nonblocking: %v", err)
		unix.Close(fd)
		return
	}

	c := conn.New(fd, fdSocket{fd: fd}, s.dispatcher, s.cfg.MaxMsg)
	node := &dlist.Node[*conn.Conn]{Value: c}
	c.IdleNode = node
	c.IdleStartUS = s.nowUS()
	s.idle.PushBack(node)
	s.conns[fd] = c

	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR, Fd: int32(fd),
	}); err != nil {
		log.Printf("server: epoll_ctl add: %v", err)
		s.closeConn(c)
	}
}

// closeConn tears down c: detach from the idle list, deregister from
// epoll, close the fd, and forget it. Best-effort — teardown never
// fails the event loop (§5: cancellation releases the Conn immediately).
func (s *Server) closeConn(c *conn.Conn) {
	if c.IdleNode != nil {
		c.IdleNode.Detach()
	}
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, c.FD, nil)
	unix.Close(c.FD)
	delete(s.conns, c.FD)
}
