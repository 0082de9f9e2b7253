package netev

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock reports an accept with nothing pending.
var ErrWouldBlock = errors.New("operation would block")

// Listen opens a non-blocking IPv4 TCP listener socket.
func Listen(address string, port int) (int, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return -1, fmt.Errorf("bad listen address %q", address)
	}

	ip4 := ip.To4()
	if ip4 == nil {
		return -1, fmt.Errorf("listen address %q is not IPv4", address)
	}

	fd, err := unix.Socket(unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("setsockopt: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)

	err = unix.Bind(fd, sa)
	if err != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("bind %s:%d: %w", address, port, err)
	}

	err = unix.Listen(fd, 1024)
	if err != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("listen %s:%d: %w", address, port, err)
	}

	return fd, nil
}

// Accept takes one pending connection off a non-blocking listener, returning
// the client fd and peer address. ErrWouldBlock means the backlog is empty.
func Accept(listenerFd int) (int, string, int, error) {
	fd, sa, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, "", 0, ErrWouldBlock
		}

		return -1, "", 0, fmt.Errorf("accept: %w", err)
	}

	switch peer := sa.(type) {
	case *unix.SockaddrInet4:
		return fd, net.IP(peer.Addr[:]).String(), peer.Port, nil
	case *unix.SockaddrInet6:
		return fd, net.IP(peer.Addr[:]).String(), peer.Port, nil
	}

	return fd, "", 0, nil
}

// ListenPort reports the port a listener fd is bound to, which is useful
// when it was opened on port 0.
func ListenPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}

	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("listener is not IPv4")
	}

	return inet4.Port, nil
}
