// Package netev implements the file-event loop the networking core runs on:
// a thin capability over epoll with per-fd readable/writable interest and a
// handler callback. One Loop is owned by one goroutine calling Run;
// registration is safe from other goroutines.
package netev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mask selects event directions.
type Mask int

const (
	Readable Mask = 1 << iota
	Writable
)

// Handler receives the ready fd and the directions that fired. Error and
// hangup conditions are folded into the registered directions so the handler
// discovers them on its next read or write.
type Handler func(fd int, mask Mask)

// ErrLoopClosed reports operations on a closed loop.
var ErrLoopClosed = errors.New("event loop closed")

type fdState struct {
	mask    Mask
	handler Handler
}

// Loop is an epoll-backed event loop.
type Loop struct {
	epfd      int
	wakeFd    int
	maxEvents int

	mu  sync.Mutex
	fds map[int]*fdState

	stopping atomic.Bool
	closed   atomic.Bool
}

// New creates a loop sized for maxEvents ready events per poll.
func New(maxEvents int) (*Loop, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)

		return nil, fmt.Errorf("eventfd: %w", err)
	}

	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	})
	if err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)

		return nil, fmt.Errorf("register wake fd: %w", err)
	}

	return &Loop{
		epfd:      epfd,
		wakeFd:    wakeFd,
		maxEvents: maxEvents,
		fds:       make(map[int]*fdState),
	}, nil
}

// Add registers interest in mask for fd, merging with any existing interest.
// A non-nil handler replaces a previously registered one; a nil handler keeps
// it.
func (l *Loop) Add(fd int, mask Mask, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return ErrLoopClosed
	}

	state, exists := l.fds[fd]

	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
		state.mask |= mask

		if handler != nil {
			state.handler = handler
		}
	} else {
		state = &fdState{mask: mask, handler: handler}
		l.fds[fd] = state
	}

	err := unix.EpollCtl(l.epfd, op, fd, &unix.EpollEvent{
		Events: epollEvents(state.mask),
		Fd:     int32(fd),
	})
	if err != nil {
		if !exists {
			delete(l.fds, fd)
		}

		return fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
	}

	return nil
}

// Del drops interest in mask for fd, unregistering the fd entirely when no
// interest remains. Unknown fds are a no-op.
func (l *Loop) Del(fd int, mask Mask) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, exists := l.fds[fd]
	if !exists {
		return
	}

	state.mask &^= mask

	if state.mask == 0 {
		delete(l.fds, fd)
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)

		return
	}

	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents(state.mask),
		Fd:     int32(fd),
	})
}

// Run polls and dispatches until Stop. It must be called from exactly one
// goroutine.
func (l *Loop) Run() {
	events := make([]unix.EpollEvent, l.maxEvents)

	for !l.stopping.Load() {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			break
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)

			if fd == l.wakeFd {
				l.drainWake()

				continue
			}

			l.mu.Lock()
			state, exists := l.fds[fd]

			var (
				handler Handler
				mask    Mask
			)

			if exists {
				handler = state.handler
				mask = readyMask(ev.Events, state.mask)
			}
			l.mu.Unlock()

			if handler != nil && mask != 0 {
				handler(fd, mask)
			}
		}
	}

	l.close()
}

// Stop makes Run return after the current dispatch round.
func (l *Loop) Stop() {
	if l.stopping.Swap(true) {
		return
	}

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(l.wakeFd, buf[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte

	for {
		_, err := unix.Read(l.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (l *Loop) close() {
	if l.closed.Swap(true) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_ = unix.Close(l.wakeFd)
	_ = unix.Close(l.epfd)
}

func epollEvents(mask Mask) uint32 {
	var ev uint32

	if mask&Readable != 0 {
		ev |= unix.EPOLLIN
	}

	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}

	return ev
}

// readyMask translates epoll readiness into the registered directions.
// Errors and hangups fire every registered direction.
func readyMask(events uint32, registered Mask) Mask {
	var mask Mask

	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		return registered
	}

	if events&unix.EPOLLIN != 0 {
		mask |= Readable & registered
	}

	if events&unix.EPOLLOUT != 0 {
		mask |= Writable & registered
	}

	return mask
}
