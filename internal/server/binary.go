package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"yknd/internal/codec"
	"yknd/internal/proto"
	"yknd/internal/value"
)

// processBinary parses one binary frame:
//
//	[cmd(u8)][flags(u8)][argc(uvarint32)][arg…]
//
// with arguments in the storage value serialization. Returns the bytes
// consumed, zero when the frame is still incomplete. The flags byte is
// reserved and currently ignored.
func (c *Client) processBinary(buf []byte) (int, error) {
	r := bytes.NewReader(buf)
	dec := codec.NewReader(r)

	code, err := dec.ReadByte()
	if err != nil {
		return 0, nil
	}

	_, err = dec.ReadByte() // flags
	if err != nil {
		return 0, nil
	}

	argc, err := dec.ReadUvarint32()
	if err != nil {
		if isIncomplete(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("binary argc: %w", errCorrupt)
	}

	args := make([]*value.Obj, 0, argc)

	for i := uint32(0); i < argc; i++ {
		arg, err := value.Deserialize(dec)
		if err != nil {
			if isIncomplete(err) {
				return 0, nil
			}

			return 0, fmt.Errorf("binary arg %d: %w", i, errCorrupt)
		}

		args = append(args, arg)
	}

	if !proto.Valid(proto.CmdCode(code)) {
		c.replyError("command code %d not support.", code)

		return len(buf) - r.Len(), nil
	}

	cmd := &proto.Commands[code]

	err = c.dispatchCmd(cmd, args)

	return len(buf) - r.Len(), err
}

// isIncomplete distinguishes a frame cut short by the read boundary from a
// genuinely corrupt one.
func isIncomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
