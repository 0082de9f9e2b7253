package server

import (
	"fmt"
	"strconv"

	"yknd/internal/codec"
	"yknd/internal/proto"
	"yknd/internal/value"
)

// Text replies are Redis-style; binary replies are [tag][payload] frames
// using the proto reply tags. Success strings (including the ubiquitous
// "ok") are bulk strings, not status lines.

func (c *Client) replyString(b []byte) {
	if c.proto == protoText {
		out := make([]byte, 0, len(b)+16)
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(len(b)), 10)
		out = append(out, '\r', '\n')
		out = append(out, b...)
		out = append(out, '\r', '\n')
		c.appendOut(out)

		return
	}

	c.appendOut(binString(b))
}

func (c *Client) replyInt(n int64) {
	if c.proto == protoText {
		out := make([]byte, 0, 24)
		out = append(out, ':')
		out = strconv.AppendInt(out, n, 10)
		out = append(out, '\r', '\n')
		c.appendOut(out)

		return
	}

	c.appendOut(binInt(n))
}

func (c *Client) replyError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	if c.proto == protoText {
		out := make([]byte, 0, len(msg)+4)
		out = append(out, '-')
		out = append(out, msg...)
		out = append(out, '\r', '\n')
		c.appendOut(out)

		return
	}

	frame := []byte{proto.ReplyError}
	frame = appendUvarint(frame, uint64(len(msg)))
	frame = append(frame, msg...)
	c.appendOut(frame)
}

func (c *Client) replyNil() {
	if c.proto == protoText {
		c.appendOut([]byte("$-1\r\n"))

		return
	}

	c.appendOut([]byte{proto.ReplyNil})
}

// replyObj encodes a stored value. Lists become arrays; nested composites
// recurse.
func (c *Client) replyObj(o *value.Obj) {
	if c.proto == protoText {
		c.appendOut(textObj(nil, o))

		return
	}

	c.appendOut(binObj(nil, o))
}

// replyKeys emits an array of key strings.
func (c *Client) replyKeys(keys [][]byte) {
	if c.proto == protoText {
		out := make([]byte, 0, 64)
		out = append(out, '*')
		out = strconv.AppendInt(out, int64(len(keys)), 10)
		out = append(out, '\r', '\n')

		for _, k := range keys {
			out = append(out, '$')
			out = strconv.AppendInt(out, int64(len(k)), 10)
			out = append(out, '\r', '\n')
			out = append(out, k...)
			out = append(out, '\r', '\n')
		}

		c.appendOut(out)

		return
	}

	out := []byte{proto.ReplyArray}
	out = appendUvarint(out, uint64(len(keys)))

	for _, k := range keys {
		out = append(out, binString(k)...)
	}

	c.appendOut(out)
}

func textObj(out []byte, o *value.Obj) []byte {
	switch o.Type() {
	case value.TypeString:
		b := o.Bytes()
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(len(b)), 10)
		out = append(out, '\r', '\n')
		out = append(out, b...)
		out = append(out, '\r', '\n')

	case value.TypeInteger:
		out = append(out, ':')
		out = strconv.AppendInt(out, o.Int(), 10)
		out = append(out, '\r', '\n')

	case value.TypeList:
		n := o.List().Len()
		out = append(out, '*')
		out = strconv.AppendInt(out, int64(n), 10)
		out = append(out, '\r', '\n')

		for node := o.List().Front(); node != nil; node = node.Next() {
			out = textObj(out, node.Value())
		}

	case value.TypeHash:
		it := o.Hash().Iterator()
		defer it.Close()

		out = append(out, '*')
		out = strconv.AppendInt(out, int64(o.Hash().NumKeys()), 10)
		out = append(out, '\r', '\n')

		for it.Next() {
			k := it.Key()

			out = append(out, '*', '2', '\r', '\n', '$')
			out = strconv.AppendInt(out, int64(len(k)), 10)
			out = append(out, '\r', '\n')
			out = append(out, k...)
			out = append(out, '\r', '\n')
			out = textObj(out, it.Value().(*value.Obj))
		}
	}

	return out
}

func binObj(out []byte, o *value.Obj) []byte {
	switch o.Type() {
	case value.TypeString:
		out = append(out, binString(o.Bytes())...)

	case value.TypeInteger:
		out = append(out, binInt(o.Int())...)

	case value.TypeList:
		out = append(out, proto.ReplyArray)
		out = appendUvarint(out, uint64(o.List().Len()))

		for node := o.List().Front(); node != nil; node = node.Next() {
			out = binObj(out, node.Value())
		}

	case value.TypeHash:
		it := o.Hash().Iterator()
		defer it.Close()

		out = append(out, proto.ReplyArray)
		out = appendUvarint(out, uint64(o.Hash().NumKeys()))

		for it.Next() {
			out = append(out, proto.ReplyArray)
			out = appendUvarint(out, 2)
			out = append(out, binString(it.Key())...)
			out = binObj(out, it.Value().(*value.Obj))
		}
	}

	return out
}

func binString(b []byte) []byte {
	out := make([]byte, 0, len(b)+6)
	out = append(out, proto.ReplyString)
	out = appendUvarint(out, uint64(len(b)))
	out = append(out, b...)

	return out
}

func binInt(n int64) []byte {
	out := make([]byte, 0, codec.MaxLen64+1)
	out = append(out, proto.ReplyInteger)

	var buf [codec.MaxLen64]byte

	size := codec.PutVarint64(buf[:], n)

	return append(out, buf[:size]...)
}

func appendUvarint(out []byte, v uint64) []byte {
	var buf [codec.MaxLen64]byte

	n := codec.PutUvarint64(buf[:], v)

	return append(out, buf[:n]...)
}
