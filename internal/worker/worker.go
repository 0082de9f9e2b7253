// Package worker implements the shared background worker: one goroutine
// draining a FIFO queue of side effects the data path must not block on —
// fsync and close of database file descriptors, and release of potentially
// deep composite values.
package worker

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// queueDepth bounds the queue; producers block when the consumer is this far
// behind so the backlog cannot grow without bound.
const queueDepth = 8192

type workCode uint8

const (
	workEcho workCode = iota
	workSyncFile
	workCloseFile
	workRelease
	workShutdown
)

// Releasable is anything with a droppable reference, typically *value.Obj.
type Releasable interface {
	Release()
}

type work struct {
	code workCode
	fd   int
	obj  Releasable
	echo string
}

// Queue is the producer side of the background worker. All Post methods are
// safe for concurrent use and never drop work.
type Queue struct {
	ch chan work
}

// NewQueue returns an empty queue. Pair it with a Worker before posting.
func NewQueue() *Queue {
	return &Queue{ch: make(chan work, queueDepth)}
}

// PostEcho enqueues a diagnostic message.
func (q *Queue) PostEcho(text string) {
	q.ch <- work{code: workEcho, echo: text}
}

// PostSyncFile enqueues an fsync of fd.
func (q *Queue) PostSyncFile(fd int) {
	q.ch <- work{code: workSyncFile, fd: fd}
}

// PostCloseFile enqueues a close of fd.
func (q *Queue) PostCloseFile(fd int) {
	q.ch <- work{code: workCloseFile, fd: fd}
}

// PostRelease enqueues a reference drop. Used for values whose destruction
// may walk a large composite.
func (q *Queue) PostRelease(obj Releasable) {
	q.ch <- work{code: workRelease, obj: obj}
}

// PostShutdown enqueues the termination sentinel. The worker drains
// everything queued before it, processes the sentinel, and exits.
func (q *Queue) PostShutdown() {
	q.ch <- work{code: workShutdown}
}

// Worker drains one Queue until shutdown.
type Worker struct {
	queue *Queue
	log   *zap.Logger
	done  chan struct{}
}

// New returns a Worker for queue.
func New(queue *Queue, log *zap.Logger) *Worker {
	return &Worker{queue: queue, log: log, done: make(chan struct{})}
}

// Run starts the drain goroutine.
func (w *Worker) Run() {
	go func() {
		defer close(w.done)

		for item := range w.queue.ch {
			w.process(item)

			if item.code == workShutdown {
				return
			}
		}
	}()
}

// WaitForShutdown blocks until the shutdown sentinel has been processed.
func (w *Worker) WaitForShutdown() {
	<-w.done
}

func (w *Worker) process(item work) {
	switch item.code {
	case workEcho:
		w.log.Info("background echo", zap.String("text", item.echo))

	case workSyncFile:
		err := unix.Fsync(item.fd)
		if err != nil {
			w.log.Error("background fsync", zap.Int("fd", item.fd), zap.Error(err))
		}

	case workCloseFile:
		err := unix.Close(item.fd)
		if err != nil {
			w.log.Error("background close", zap.Int("fd", item.fd), zap.Error(err))
		}

	case workRelease:
		item.obj.Release()

	case workShutdown:
	}
}
