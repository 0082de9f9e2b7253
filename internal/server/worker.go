package server

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"yknd/internal/metrics"
	"yknd/internal/netev"
)

// Worker owns one event loop and every client session assigned to it.
// Sessions on the same worker are never concurrent with each other.
type Worker struct {
	id   int
	srv  *Server
	loop *netev.Loop
	log  *zap.Logger
}

func newWorker(id int, srv *Server) (*Worker, error) {
	loop, err := netev.New(maxEvents)
	if err != nil {
		return nil, err
	}

	return &Worker{
		id:   id,
		srv:  srv,
		loop: loop,
		log:  srv.log.With(zap.Int("worker", id)),
	}, nil
}

// Post hands a freshly accepted connection to this worker. Safe to call
// from the listener goroutine.
func (w *Worker) Post(fd int, addr string, port int) error {
	c := newClient(w, fd, addr, port)

	err := w.loop.Add(fd, netev.Readable, func(fd int, mask netev.Mask) {
		w.handle(c, mask)
	})
	if err != nil {
		return err
	}

	metrics.ConnectionsActive.Inc()

	return nil
}

// AsyncRun starts the loop on its own goroutine.
func (w *Worker) AsyncRun() {
	go w.loop.Run()
}

// Stop terminates the loop.
func (w *Worker) Stop() {
	w.loop.Stop()
}

func (w *Worker) handle(c *Client, mask netev.Mask) {
	if mask&netev.Readable != 0 {
		err := c.onReadable()
		if err != nil {
			w.closeClient(c, err)

			return
		}
	}

	if mask&netev.Writable != 0 {
		err := c.onWritable()
		if err != nil {
			w.closeClient(c, err)

			return
		}
	}
}

func (w *Worker) closeClient(c *Client, err error) {
	w.loop.Del(c.fd, netev.Readable|netev.Writable)
	_ = unix.Close(c.fd)

	metrics.ConnectionsActive.Dec()

	c.log.Info("session closed", zap.Error(err))
}
