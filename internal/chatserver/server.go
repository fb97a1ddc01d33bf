package chatserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatty/internal/config"
	"chatty/internal/stats"
	"chatty/internal/wire"
)

// Server owns every piece of shared state the handlers operate on: the
// catalog, the dispatcher/worker pool pair, the statistics block, and
// the optional rate limiter and resource guard.
//
// Grounded on the teacher's Server (server.go): one struct gathering
// config, logger, stats, connection tracking, and the subsystems wired
// at startup (worker pool, resource guard, metrics collector).
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	stats        *stats.Stats
	catalog      *Catalog
	dispatcher   *Dispatcher
	workers      *WorkerPool
	rateLimiters *ConnLimiters
	resource     *ResourceGuard
	metrics      *Metrics

	dumpPending int32
}

// New builds a Server from a loaded configuration. It binds the listening
// socket but does not start serving; call Run for that.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.DirName, 0o755); err != nil {
		return nil, fmt.Errorf("chatserver: create DirName %s: %w", cfg.DirName, err)
	}

	st := stats.New()
	catalog := NewCatalog(cfg.MaxHistMsgs, cfg.MaxConnections)

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		stats:        st,
		catalog:      catalog,
		rateLimiters: NewConnLimiters(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		resource:     NewResourceGuard(logger, cfg.MemorySoftLimitMB),
		metrics:      NewMetrics(st),
	}

	d, err := NewDispatcher(cfg.UnixPath, cfg.MaxConnections, func() int { return int(st.Snapshot().Online) }, logger)
	if err != nil {
		return nil, err
	}
	s.dispatcher = d
	s.workers = NewWorkerPool(cfg.ThreadsInPool, d, s)
	return s, nil
}

// Run starts the resource sampler, the metrics listener (if configured),
// the worker pool, and the dispatcher's main loop. It blocks until ctx is
// cancelled, at which point it runs an orderly shutdown and returns.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.resource.Run(runCtx, time.Duration(s.cfg.MetricsInterval)*time.Second)

	if s.cfg.MetricsAddr != "" {
		go func() {
			if err := s.metrics.Serve(runCtx, s.cfg.MetricsAddr); err != nil {
				s.logger.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	s.workers.Start()
	s.logger.Info().
		Str("unix_path", s.cfg.UnixPath).
		Int("max_connections", s.cfg.MaxConnections).
		Int("threads_in_pool", s.cfg.ThreadsInPool).
		Msg("chatty serving")

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("shutdown signal received")
		s.dispatcher.Shutdown()
	}()

	s.dispatcher.Run(s.isDumpPending, s.dumpStats, s.clearDumpPending)
	s.workers.Wait()

	s.catalog.LogFields(s.logger.Info()).Msg("chatty stopped")
	return nil
}

// RequestStatsDump marks a statistics dump as pending; the dispatcher
// performs the actual write on its next loop iteration, keeping the stats
// file write on the same thread as the rest of the dispatcher's
// bookkeeping.
func (s *Server) RequestStatsDump() {
	atomic.StoreInt32(&s.dumpPending, 1)
}

func (s *Server) isDumpPending() bool {
	return atomic.LoadInt32(&s.dumpPending) == 1
}

func (s *Server) clearDumpPending() {
	atomic.StoreInt32(&s.dumpPending, 0)
}

func (s *Server) dumpStats() {
	f, err := os.OpenFile(s.cfg.StatFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error().Err(err).Msg("stats dump: open failed")
		return
	}
	defer f.Close()

	oldestRegistered, mostRecentSeen := s.catalog.AuxTimes()
	cpuPercent, rssMB := s.resource.Stats()
	aux := stats.Aux{
		OldestRegistered: oldestRegistered,
		MostRecentSeen:   mostRecentSeen,
		CPUPercent:       cpuPercent,
		RSSMB:            rssMB,
	}
	if err := s.stats.Dump(f, time.Now(), aux); err != nil {
		s.logger.Error().Err(err).Msg("stats dump: write failed")
	}
}

// disconnect runs the disconnect routine: clears the connected-user
// slot, unbinds the registered-user record (if any), decrements the
// online counter, discards the per-socket rate limiter, and closes the
// socket via the dispatcher.
func (s *Server) disconnect(fd int) {
	nickname, found := s.catalog.Connected.ReleaseByFD(fd)
	if found {
		if user, ok := s.catalog.Users.Load(nickname); ok {
			user.Unbind()
		}
		s.stats.DecOnline()
	}
	s.rateLimiters.Release(fd)
	s.dispatcher.Forget(fd)
}

// dispatch invokes the handler for msg.Header.Op and reports whether the
// socket is still connected (should be re-armed).
func (s *Server) dispatch(fd int, conn net.Conn, msg wire.Message) bool {
	h, ok := handlerTable[msg.Header.Op]
	if !ok {
		_ = wire.SendStatus(conn, wire.OpFail, "invalid message")
		return true
	}
	return h(s, fd, conn, msg)
}
