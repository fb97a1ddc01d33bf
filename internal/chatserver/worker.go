package chatserver

import (
	"sync"

	"chatty/internal/wire"
)

// WorkerPool pulls ready fds off the dispatcher's ready queue, reads
// exactly one frame per dequeue, and invokes the matching handler.
//
// Grounded on the teacher's WorkerPool (worker_pool.go): a fixed count
// of goroutines draining a shared queue via a WaitGroup-tracked Start/Stop
// pair. Adapted from a buffered-channel task queue (drop-on-full
// backpressure, appropriate for best-effort broadcast fanout) to the
// blocking FIFO the spec requires (no task may be silently dropped: a
// client request always gets exactly one reply or a disconnect).
type WorkerPool struct {
	count int
	d     *Dispatcher
	s     *Server
	wg    sync.WaitGroup
}

// NewWorkerPool builds a pool of count worker goroutines that will serve
// requests for s once Start is called.
func NewWorkerPool(count int, d *Dispatcher, s *Server) *WorkerPool {
	return &WorkerPool{count: count, d: d, s: s}
}

// Start launches the worker goroutines. They run until the dispatcher's
// sentinel value propagates through the ready queue.
func (p *WorkerPool) Start() {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	for {
		fd := p.d.Ready().Pop()
		if fd == sentinelFD {
			p.d.Ready().Push(sentinelFD)
			return
		}
		p.serveOne(fd)
	}
}

func (p *WorkerPool) serveOne(fd int) {
	conn, ok := p.d.Conn(fd)
	if !ok {
		// Already disconnected by another path; nothing to do.
		return
	}

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		if wire.IsDisconnect(err) {
			p.s.disconnect(fd)
			return
		}
		p.s.logger.Fatal().Err(err).Int("fd", fd).Msg("worker: fatal read error")
	}

	if !wire.IsValidClientOp(msg.Header.Op) {
		_ = wire.SendStatus(conn, wire.OpFail, "invalid message")
		p.d.Rearm(fd)
		return
	}
	if msg.Header.Sender == "" {
		p.s.logger.Debug().Int("fd", fd).Str("op", msg.Header.Op.String()).Msg("worker: dropping message with empty sender")
		p.d.Rearm(fd)
		return
	}

	if !p.s.rateLimiters.Allow(fd) {
		_ = wire.SendStatus(conn, wire.OpFail, "rate limited")
		p.d.Rearm(fd)
		return
	}

	stillConnected := p.s.dispatch(fd, conn, msg)
	if stillConnected {
		p.d.Rearm(fd)
	}
}
