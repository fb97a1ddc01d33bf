package chatserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"chatty/internal/queue"
	"chatty/internal/wire"
)

// sentinelFD is pushed onto the ready queue to signal worker shutdown,
// matching the spec's "distinguished socket identifier -1".
const sentinelFD = -1

// epollWaitTimeoutMS bounds how long the dispatcher blocks in EpollWait
// so pending shutdown and stats-dump signals are observed promptly.
const epollWaitTimeoutMS = 200

// Dispatcher owns the listening socket, the epoll-backed readiness set,
// and the ready queue that hands accepted sockets off to the worker
// pool. It is the only goroutine that ever calls accept or touches the
// readiness set directly; workers re-add or close individual fds
// through Rearm/Forget, never through the epoll instance themselves.
//
// Grounded on the spec's dispatcher design (§4.6) — there is no teacher
// analogue, since the teacher's WebSocket server lets net/http's own
// goroutine-per-connection model stand in for readiness multiplexing.
// Go's net package hides select/epoll behind blocking Read, so chatty
// reconstructs the explicit readiness set the spec calls for via
// golang.org/x/sys/unix's epoll bindings, already an indirect dependency
// of the pack through gopsutil: each accepted socket's raw fd is
// registered with one EPOLLIN-only epoll instance; a ready fd is removed
// from epoll before being queued and re-added only once its handler
// finishes, mirroring "remove before enqueue, re-add after handling".
type Dispatcher struct {
	logger zerolog.Logger

	ln       *net.UnixListener
	lnFD     int
	sockPath string

	epfd int

	connMu sync.Mutex
	conns  map[int]net.Conn

	ready *queue.Queue[int]

	maxConnections int
	isOnline       func() int // returns current stats.Online, for the accept-time gate

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewDispatcher binds and listens on sockPath, unlinking any stale
// socket file first, and creates the epoll instance that will track
// readiness for every accepted connection.
func NewDispatcher(sockPath string, maxConnections int, isOnline func() int, logger zerolog.Logger) (*Dispatcher, error) {
	_ = os.Remove(sockPath)

	addr := &net.UnixAddr{Name: sockPath, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: listen %s: %w", sockPath, err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("dispatcher: epoll_create1: %w", err)
	}

	lnFD, err := rawFD(ln)
	if err != nil {
		ln.Close()
		unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lnFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(lnFD)}); err != nil {
		ln.Close()
		unix.Close(epfd)
		return nil, fmt.Errorf("dispatcher: epoll_ctl add listener: %w", err)
	}

	return &Dispatcher{
		logger:         logger,
		ln:             ln,
		lnFD:           lnFD,
		sockPath:       sockPath,
		epfd:           epfd,
		conns:          make(map[int]net.Conn),
		ready:          queue.New[int](),
		maxConnections: maxConnections,
		isOnline:       isOnline,
		shutdown:       make(chan struct{}),
	}, nil
}

// Ready returns the queue workers pop ready fds from.
func (d *Dispatcher) Ready() *queue.Queue[int] { return d.ready }

// Conn returns the connection registered for fd, if it is still open.
func (d *Dispatcher) Conn(fd int) (net.Conn, bool) {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	c, ok := d.conns[fd]
	return c, ok
}

// Rearm re-adds fd to the epoll readiness set after a worker finishes a
// request and the socket is still connected.
func (d *Dispatcher) Rearm(fd int) {
	_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
}

// Forget closes fd's connection and removes it from the registry. It is
// idempotent; calling it twice for the same fd is a no-op the second
// time.
func (d *Dispatcher) Forget(fd int) {
	d.connMu.Lock()
	conn, ok := d.conns[fd]
	if ok {
		delete(d.conns, fd)
	}
	d.connMu.Unlock()
	if ok {
		conn.Close()
	}
}

// Run is the dispatcher's main loop. It blocks until Shutdown is called.
// dumpPending is polled once per iteration; when true the caller's
// onDump callback runs and the dispatcher clears the flag via
// clearDump.
func (d *Dispatcher) Run(dumpPending func() bool, onDump func(), clearDump func()) {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-d.shutdown:
			return
		default:
		}

		if dumpPending() {
			onDump()
			clearDump()
		}

		n, err := unix.EpollWait(d.epfd, events, epollWaitTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			d.logger.Error().Err(err).Msg("dispatcher: epoll_wait failed")
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == d.lnFD {
				d.acceptOne()
				continue
			}
			// Remove before enqueue: no other party may touch this fd
			// until a worker re-arms it.
			_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			d.ready.Push(fd)
		}
	}
}

func (d *Dispatcher) acceptOne() {
	conn, err := d.ln.AcceptUnix()
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			d.logger.Warn().Err(err).Msg("dispatcher: accept failed")
		}
		return
	}

	if d.isOnline() >= d.maxConnections {
		_ = wire.SendStatus(conn, wire.OpFail, "server full")
		conn.Close()
		return
	}

	fd, err := rawFD(conn)
	if err != nil {
		d.logger.Warn().Err(err).Msg("dispatcher: could not obtain raw fd")
		conn.Close()
		return
	}

	d.connMu.Lock()
	d.conns[fd] = conn
	d.connMu.Unlock()

	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		d.logger.Warn().Err(err).Msg("dispatcher: epoll_ctl add failed")
		d.Forget(fd)
	}
}

// Shutdown stops Run, pushes the sentinel onto the ready queue, closes
// every tracked connection, closes the listener, and unlinks the socket
// path.
func (d *Dispatcher) Shutdown() {
	close(d.shutdown)
	d.ready.Push(sentinelFD)
	d.ln.Close()

	d.connMu.Lock()
	conns := d.conns
	d.conns = make(map[int]net.Conn)
	d.connMu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	unix.Close(d.epfd)
	_ = os.Remove(d.sockPath)
}

// rawFD extracts the underlying file descriptor from anything exposing
// syscall.Conn (net.UnixConn, net.UnixListener), via SyscallConn().Control.
func rawFD(sc syscall.Conn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("dispatcher: SyscallConn: %w", err)
	}
	var fd int
	if err := raw.Control(func(ptr uintptr) {
		fd = int(ptr)
	}); err != nil {
		return 0, fmt.Errorf("dispatcher: Control: %w", err)
	}
	return fd, nil
}
