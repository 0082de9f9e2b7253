package server

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"yknd/internal/db"
	"yknd/internal/metrics"
	"yknd/internal/proto"
	"yknd/internal/value"
)

// dispatch resolves a text-protocol command name and runs it.
func (c *Client) dispatch(name string, args []*value.Obj) error {
	cmd, ok := proto.Lookup(name)
	if !ok {
		c.replyError("command %s not support.", name)

		return nil
	}

	return c.dispatchCmd(cmd, args)
}

// dispatchCmd runs one resolved command against the session's active
// database. Client mistakes become error replies, never session errors.
func (c *Client) dispatchCmd(cmd *proto.Command, args []*value.Obj) error {
	metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()

	if len(args) < cmd.MinArgs {
		c.replyError("%s bad arguments number, expect at least %d, actual %d.",
			cmd.Name, cmd.MinArgs, len(args))
		metrics.CommandErrorsTotal.Inc()

		return nil
	}

	if c.state == stateAuth && cmd.Code != proto.CmdAuth {
		c.replyError("authentication required.")

		return nil
	}

	switch cmd.Code {
	case proto.CmdAuth:
		return c.handleAuth(args)
	case proto.CmdSelect:
		c.handleSelect(args)
	case proto.CmdDump:
		c.handleDump(args)
	case proto.CmdGet:
		c.handleGet(args)
	case proto.CmdSet:
		c.handleSet(args)
	case proto.CmdDelete:
		c.handleDelete(args)
	case proto.CmdKeys:
		c.handleKeys(args)
	case proto.CmdList:
		c.handleList(args)
	case proto.CmdLPush, proto.CmdRPush:
		c.handlePush(cmd, args)
	case proto.CmdLPop, proto.CmdRPop:
		c.handlePop(cmd, args)
	case proto.CmdLLen:
		c.handleLLen(args)
	}

	return nil
}

// handleAuth verifies the password digest. A mismatch costs the client a
// one-second penalty and the connection.
func (c *Client) handleAuth(args []*value.Obj) error {
	if !c.w.srv.conf.Auth {
		c.replyError("authentication not required.")

		return nil
	}

	password, ok := argKey(args)
	if !ok {
		c.replyError("AUTH bad password type.")

		return nil
	}

	sum := md5.Sum(append(append([]byte(nil), password...), '\n'))
	digest := hex.EncodeToString(sum[:])

	if !strings.EqualFold(digest, c.w.srv.conf.PassDigest) {
		time.Sleep(time.Second)

		c.replyError("authentication failed.")
		c.state = stateAuthFail
		c.closing = true
		c.log.Warn("authentication failed")

		return nil
	}

	c.state = stateProc
	c.replyString([]byte("ok"))

	return nil
}

func (c *Client) handleSelect(args []*value.Obj) {
	id, ok := args[0].CastInt()
	if !ok {
		c.replyError("Bad type, expect integer.")

		return
	}

	if id < 0 || int(id) >= c.w.srv.numDBs() {
		c.replyError("SELECT %d out of range [0, %d).", id, c.w.srv.numDBs())

		return
	}

	c.dbIdx = int(id)
	c.replyString([]byte("ok"))
}

// handleDump force-checkpoints the active database. The optional argument
// keeps the source semantics: 0 means not forced, anything else forced.
func (c *Client) handleDump(args []*value.Obj) {
	force := true

	if len(args) == 1 {
		n, ok := args[0].CastInt()
		if !ok {
			c.replyError("DUMP bad force argument.")

			return
		}

		force = n != 0
	}

	err := c.activeDB().Checkpoint(force)
	if err != nil {
		c.replyError("DUMP: %s", err)

		return
	}

	metrics.CheckpointsTotal.Inc()
	c.replyString([]byte("ok"))
}

func (c *Client) handleGet(args []*value.Obj) {
	key, ok := argKey(args)
	if !ok {
		c.replyError("GET bad key type.")

		return
	}

	_, obj, err := c.activeDB().Get(key)
	if err != nil {
		c.replyError("key not found.")

		return
	}

	defer obj.Release()

	switch obj.Type() {
	case value.TypeString, value.TypeInteger:
		c.replyObj(obj)
	case value.TypeList, value.TypeHash:
		c.replyError("GET %s: not a scalar value.", key)
	}
}

func (c *Client) handleSet(args []*value.Obj) {
	key, ok := argKey(args)
	if !ok {
		c.replyError("SET bad key type.")

		return
	}

	ms := nowMillis()

	err := c.activeDB().AppendLog(proto.CmdSet, ms, args)
	if err != nil {
		c.replyError("SET: %s", err)
		metrics.CommandErrorsTotal.Inc()

		return
	}

	_ = c.activeDB().Put(key, uint64(ms), args[1])
	c.replyString([]byte("ok"))
}

func (c *Client) handleDelete(args []*value.Obj) {
	key, ok := argKey(args)
	if !ok {
		c.replyError("DEL bad key type.")

		return
	}

	err := c.activeDB().AppendLog(proto.CmdDelete, 0, args)
	if err != nil {
		c.replyError("DEL: %s", err)
		metrics.CommandErrorsTotal.Inc()

		return
	}

	if c.activeDB().Delete(key) {
		c.replyInt(1)
	} else {
		c.replyInt(0)
	}
}

func (c *Client) handleKeys(args []*value.Obj) {
	limit := int64(-1)

	if len(args) == 1 {
		n, ok := args[0].CastInt()
		if !ok {
			c.replyError("KEYS bad limit type.")

			return
		}

		limit = n
	}

	it := c.activeDB().Iterator()
	defer it.Close()

	var keys [][]byte

	for it.Next() {
		if limit >= 0 && int64(len(keys)) >= limit {
			break
		}

		keys = append(keys, append([]byte(nil), it.Key()...))
	}

	c.replyKeys(keys)
}

func (c *Client) handleList(args []*value.Obj) {
	key, ok := argKey(args)
	if !ok {
		c.replyError("LIST bad key type.")

		return
	}

	ms := nowMillis()

	err := c.activeDB().AppendLog(proto.CmdList, ms, args)
	if err != nil {
		c.replyError("LIST: %s", err)
		metrics.CommandErrorsTotal.Inc()

		return
	}

	list := value.NewList()
	for _, elem := range args[1:] {
		list.List().PushBack(elem)
	}

	_ = c.activeDB().Put(key, uint64(ms), list)
	c.replyString([]byte("ok"))
}

func (c *Client) handlePush(cmd *proto.Command, args []*value.Obj) {
	key, obj, ok := c.lookupList(cmd, args)
	if !ok {
		return
	}

	defer obj.Release()

	err := c.activeDB().AppendLog(cmd.Code, 0, args)
	if err != nil {
		c.replyError("%s %s: %s", cmd.Name, key, err)
		metrics.CommandErrorsTotal.Inc()

		return
	}

	for _, elem := range args[1:] {
		if cmd.Code == proto.CmdLPush {
			obj.List().PushFront(elem)
		} else {
			obj.List().PushBack(elem)
		}
	}

	c.replyString([]byte("ok"))
}

func (c *Client) handlePop(cmd *proto.Command, args []*value.Obj) {
	key, obj, ok := c.lookupList(cmd, args)
	if !ok {
		return
	}

	defer obj.Release()

	err := c.activeDB().AppendLog(cmd.Code, 0, args)
	if err != nil {
		c.replyError("%s %s: %s", cmd.Name, key, err)
		metrics.CommandErrorsTotal.Inc()

		return
	}

	var (
		popped *value.Obj
		found  bool
	)

	if cmd.Code == proto.CmdLPop {
		popped, found = obj.List().PopFront()
	} else {
		popped, found = obj.List().PopBack()
	}

	if !found {
		c.replyNil()

		return
	}

	c.replyObj(popped)
	popped.Release()
}

func (c *Client) handleLLen(args []*value.Obj) {
	cmd := &proto.Commands[proto.CmdLLen]

	_, obj, ok := c.lookupList(cmd, args)
	if !ok {
		return
	}

	defer obj.Release()

	c.replyInt(int64(obj.List().Len()))
}

// lookupList fetches the list value under args[0], replying the appropriate
// error for missing keys and non-list values. The returned object is
// retained.
func (c *Client) lookupList(cmd *proto.Command, args []*value.Obj) ([]byte, *value.Obj, bool) {
	key, ok := argKey(args)
	if !ok {
		c.replyError("%s bad key type.", cmd.Name)

		return nil, nil, false
	}

	_, obj, err := c.activeDB().Get(key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.replyError("list: %s not exist.", key)
		} else {
			c.replyError("%s: %s", cmd.Name, err)
		}

		return nil, nil, false
	}

	if obj.Type() != value.TypeList {
		obj.Release()
		c.replyError("%s: not a list.", key)

		return nil, nil, false
	}

	return key, obj, true
}

func (c *Client) activeDB() db.DB {
	return c.w.srv.db(c.dbIdx)
}

// argKey extracts args[0] as a byte-string key.
func argKey(args []*value.Obj) ([]byte, bool) {
	if args[0].Type() != value.TypeString {
		return nil, false
	}

	return args[0].Bytes(), true
}
