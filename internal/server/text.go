package server

import (
	"bytes"

	"yknd/internal/value"
)

var crlf = []byte("\r\n")

// processText parses one CRLF-terminated command line. Arguments are
// whitespace separated; the command name is case-insensitive. Returns the
// bytes consumed, zero when no complete line is buffered yet.
func (c *Client) processText(buf []byte) (int, error) {
	idx := bytes.Index(buf, crlf)
	if idx < 0 {
		return 0, nil
	}

	line := buf[:idx]
	consumed := idx + len(crlf)

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return consumed, nil
	}

	args := make([]*value.Obj, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, value.NewString(f))
	}

	err := c.dispatch(string(fields[0]), args)

	return consumed, err
}
