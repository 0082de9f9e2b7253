package db

import (
	"fmt"

	"yknd/internal/binlog"
	"yknd/internal/proto"
	"yknd/internal/value"
)

// redo applies one replayed log record to the in-memory table. Records are
// trusted framing-wise (the reader already validated them); semantic
// impossibilities — a push to a missing or non-list key — mean the log does
// not match the table it was paired with, which is corruption.
func (s *HashDB) redo(rec *binlog.Record) error {
	code := proto.CmdCode(rec.Code)
	if !proto.Valid(code) {
		return fmt.Errorf("bad command code %d: %w", rec.Code, binlog.ErrCorrupt)
	}

	cmd := &proto.Commands[code]
	if len(rec.Args) < cmd.MinArgs {
		return fmt.Errorf("%s: %d args, want at least %d: %w",
			cmd.Name, len(rec.Args), cmd.MinArgs, binlog.ErrCorrupt)
	}

	switch code {
	case proto.CmdSet:
		key, err := redoKey(cmd, rec.Args)
		if err != nil {
			return err
		}

		s.m.Put(key, uint64(rec.Version), rec.Args[1])

	case proto.CmdDelete:
		key, err := redoKey(cmd, rec.Args)
		if err != nil {
			return err
		}

		s.m.Delete(key)

	case proto.CmdList:
		key, err := redoKey(cmd, rec.Args)
		if err != nil {
			return err
		}

		list := value.NewList()
		for _, arg := range rec.Args[1:] {
			list.List().PushBack(arg)
		}

		s.m.Put(key, uint64(rec.Version), list)

	case proto.CmdLPush, proto.CmdRPush:
		key, err := redoKey(cmd, rec.Args)
		if err != nil {
			return err
		}

		obj, err := s.redoList(cmd, key)
		if err != nil {
			return err
		}

		for _, arg := range rec.Args[1:] {
			if code == proto.CmdLPush {
				obj.List().PushFront(arg)
			} else {
				obj.List().PushBack(arg)
			}
		}

		obj.Release()

	case proto.CmdLPop, proto.CmdRPop:
		key, err := redoKey(cmd, rec.Args)
		if err != nil {
			return err
		}

		obj, err := s.redoList(cmd, key)
		if err != nil {
			return err
		}

		var (
			popped *value.Obj
			ok     bool
		)

		if code == proto.CmdLPop {
			popped, ok = obj.List().PopFront()
		} else {
			popped, ok = obj.List().PopBack()
		}

		if ok {
			popped.Release()
		}

		obj.Release()

	default:
		// Non-mutating commands never reach the log; skip them if an old
		// log carries one.
	}

	return nil
}

func redoKey(cmd *proto.Command, args []*value.Obj) ([]byte, error) {
	if args[0].Type() != value.TypeString {
		return nil, fmt.Errorf("%s: bad key type %d: %w",
			cmd.Name, args[0].Type(), binlog.ErrCorrupt)
	}

	return args[0].Bytes(), nil
}

func (s *HashDB) redoList(cmd *proto.Command, key []byte) (*value.Obj, error) {
	_, ref, err := s.m.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%s: list %q not found: %w",
			cmd.Name, key, binlog.ErrCorrupt)
	}

	obj := ref.(*value.Obj)
	if obj.Type() != value.TypeList {
		obj.Release()

		return nil, fmt.Errorf("%s: %q is not a list: %w",
			cmd.Name, key, binlog.ErrCorrupt)
	}

	return obj, nil
}
