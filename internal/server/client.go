package server

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"yknd/internal/netev"
	"yknd/internal/ring"
)

// ioBufSize is the per-connection staging buffer capacity and the upper
// bound on a single frame.
const ioBufSize = 16 * 1024

// Session close reasons.
var (
	errConnLost   = errors.New("connection lost")
	errBadProto   = errors.New("bad protocol setting")
	errFrameSize  = errors.New("frame exceeds buffer capacity")
	errCorrupt    = errors.New("corrupt frame")
	errDone       = errors.New("session finished")
)

type sessionState uint8

const (
	stateInit sessionState = iota
	stateAuth
	stateProc
	stateAuthFail
)

type wireProto uint8

const (
	protoText wireProto = iota
	protoBin
)

// Client is one connection's session. It is owned by a single worker loop
// and never touched concurrently.
type Client struct {
	w    *Worker
	fd   int
	addr string
	port int
	log  *zap.Logger

	state sessionState
	proto wireProto
	dbIdx int

	in   *ring.Buffer
	stub []byte

	out        []byte
	outWritten int
	closing    bool
}

func newClient(w *Worker, fd int, addr string, port int) *Client {
	return &Client{
		w:    w,
		fd:   fd,
		addr: addr,
		port: port,
		log: w.log.With(
			zap.String("addr", addr),
			zap.Int("port", port)),
		in: ring.New(ioBufSize),
	}
}

// onReadable pulls everything the socket has into the ring buffer and then
// advances the session state machine.
func (c *Client) onReadable() error {
	total := 0

	for total < ioBufSize {
		span := c.in.WritableSlice(ioBufSize - total)
		if len(span) == 0 {
			break
		}

		n, err := unix.Read(c.fd, span)

		switch {
		case n > 0:
			c.in.Advance(n)

			total += n

			if n < len(span) {
				total = ioBufSize // socket drained
			}
		case n == 0:
			return errConnLost
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			total = ioBufSize
		case err == unix.EINTR:
		default:
			return fmt.Errorf("read: %w", err)
		}
	}

	return c.advance()
}

// advance consumes as many complete frames as the buffer holds.
func (c *Client) advance() error {
	if c.state == stateInit {
		err := c.handleInit()
		if err != nil || c.state == stateInit {
			return err
		}
	}

	for c.state == stateAuth || c.state == stateProc {
		buf, ok := c.in.Read(ioBufSize, c.stub)
		if !ok {
			return nil
		}

		proced, err := c.processInput(buf)

		c.in.Rewind(len(buf) - proced)

		if err != nil {
			return err
		}

		if proced == 0 {
			// Incomplete frame. A full buffer that still holds no frame can
			// never complete one.
			if c.in.ReadRemain() == ioBufSize {
				c.replyError("frame too large")

				return errFrameSize
			}

			return nil
		}
	}

	return nil
}

// handleInit waits for the 5-byte protocol preamble: "TXT\r\n" or "BIN\r\n".
func (c *Client) handleInit() error {
	if c.in.ReadRemain() < 5 {
		return nil
	}

	preamble, _ := c.in.Read(5, c.stub)

	switch string(preamble) {
	case "TXT\r\n":
		c.proto = protoText
	case "BIN\r\n":
		c.proto = protoBin
	default:
		c.replyError("bad protocol setting. (TXT/BIN)")

		return errBadProto
	}

	if c.w.srv.conf.Auth {
		c.state = stateAuth
	} else {
		c.state = stateProc
	}

	c.replyString([]byte("ok"))
	c.log.Info("protocol setup",
		zap.String("protocol", map[wireProto]string{protoText: "text", protoBin: "binary"}[c.proto]))

	return nil
}

// processInput parses one frame from buf and dispatches it. It returns the
// number of bytes consumed; zero means the frame is incomplete.
func (c *Client) processInput(buf []byte) (int, error) {
	if c.proto == protoText {
		return c.processText(buf)
	}

	return c.processBinary(buf)
}

// onWritable flushes the reply buffer and drops WRITABLE interest once
// drained.
func (c *Client) onWritable() error {
	for c.outWritten < len(c.out) {
		n, err := unix.Write(c.fd, c.out[c.outWritten:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}

			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("write: %w", err)
		}

		c.outWritten += n
	}

	c.out = c.out[:0]
	c.outWritten = 0
	c.w.loop.Del(c.fd, netev.Writable)

	if c.closing {
		return errDone
	}

	return nil
}

// appendOut buffers reply bytes, registering WRITABLE interest when the
// buffer transitions from empty.
func (c *Client) appendOut(p []byte) {
	if len(c.out) == 0 {
		err := c.w.loop.Add(c.fd, netev.Writable, nil)
		if err != nil {
			c.log.Error("register writable", zap.Error(err))
		}
	}

	c.out = append(c.out, p...)
}
