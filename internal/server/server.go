// Package server implements the networking core: a listener that shards
// accepted connections across worker event loops, the per-connection client
// session with its text and binary framings, and the command dispatch into
// the database engines.
package server

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"yknd/internal/config"
	"yknd/internal/db"
	"yknd/internal/metrics"
	"yknd/internal/netev"
	"yknd/internal/worker"
)

// maxEvents sizes each event loop's ready-event table.
const maxEvents = 1024

// Server owns the listener, the worker pool, the databases, and the shared
// background worker.
type Server struct {
	conf config.Config
	log  *zap.Logger

	dbs     []db.DB
	queue   *worker.Queue
	bg      *worker.Worker
	workers []*Worker

	listenerFd int
	loop       *netev.Loop
	nextWorker int
}

// New builds a server from conf. Init must run before Serve.
func New(conf config.Config, log *zap.Logger) *Server {
	return &Server{conf: conf, log: log, listenerFd: -1}
}

// Init opens every database, starts the background worker, binds the
// listener, and prepares the worker pool. A failure leaves nothing serving.
func (s *Server) Init() error {
	s.queue = worker.NewQueue()
	s.bg = worker.New(s.queue, s.log)
	s.bg.Run()

	for i, dbc := range s.conf.DBs {
		if db.Type(dbc.Type) != db.TypeHash {
			return fmt.Errorf("db %d (%s): %w", i, dbc.Type, db.ErrDBType)
		}

		engine := db.NewHashDB(db.Conf{
			Type:         db.TypeHash,
			Persistent:   dbc.Persistent,
			MemoryLimit:  uint64(dbc.MemoryLimit),
			WALThreshold: int(s.conf.WALThreshold),
		}, s.conf.DataDir, i, s.queue, s.log)

		err := engine.Open()
		if err != nil {
			return fmt.Errorf("open db %d: %w", i, err)
		}

		s.dbs = append(s.dbs, engine)
	}

	fd, err := netev.Listen(s.conf.Address, s.conf.Port)
	if err != nil {
		return err
	}

	s.listenerFd = fd

	s.loop, err = netev.New(maxEvents)
	if err != nil {
		return err
	}

	err = s.loop.Add(fd, netev.Readable, func(int, netev.Mask) {
		s.acceptPending()
	})
	if err != nil {
		return err
	}

	for i := 0; i < s.conf.NumWorkers; i++ {
		w, err := newWorker(i, s)
		if err != nil {
			return err
		}

		s.workers = append(s.workers, w)
	}

	if s.conf.MetricsAddr != "" {
		metrics.Serve(s.conf.MetricsAddr, s.log)
	}

	return nil
}

// Serve starts the worker loops and runs the listener loop on the calling
// goroutine until Stop.
func (s *Server) Serve() {
	for _, w := range s.workers {
		w.AsyncRun()
	}

	s.log.Info("serving",
		zap.String("address", s.conf.Address),
		zap.Int("port", s.Port()),
		zap.Int("workers", len(s.workers)))

	s.loop.Run()
}

// Stop shuts the server down: listener first, then the worker loops, then
// the background worker, then the databases.
func (s *Server) Stop() {
	s.loop.Stop()

	if s.listenerFd >= 0 {
		_ = unix.Close(s.listenerFd)
		s.listenerFd = -1
	}

	for _, w := range s.workers {
		w.Stop()
	}

	s.queue.PostShutdown()
	s.bg.WaitForShutdown()

	for i, engine := range s.dbs {
		err := engine.Close()
		if err != nil {
			s.log.Error("close db", zap.Int("db", i), zap.Error(err))
		}
	}

	s.log.Info("stopped")
}

// Port returns the bound listener port, resolving port 0 configs.
func (s *Server) Port() int {
	if s.listenerFd < 0 {
		return s.conf.Port
	}

	port, err := netev.ListenPort(s.listenerFd)
	if err != nil {
		return s.conf.Port
	}

	return port
}

// acceptPending drains the accept backlog, sharding connections across the
// worker loops in arrival order.
func (s *Server) acceptPending() {
	for {
		fd, addr, port, err := netev.Accept(s.listenerFd)
		if err != nil {
			if !errors.Is(err, netev.ErrWouldBlock) {
				s.log.Error("accept failed", zap.Error(err))
			}

			return
		}

		metrics.ConnectionsAccepted.Inc()

		w := s.workers[s.nextWorker%len(s.workers)]
		s.nextWorker++

		err = w.Post(fd, addr, port)
		if err != nil {
			s.log.Error("post client failed", zap.Error(err))
			_ = unix.Close(fd)
		}
	}
}

func (s *Server) db(i int) db.DB {
	return s.dbs[i]
}

func (s *Server) numDBs() int {
	return len(s.dbs)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
