package proto_test

import (
	"testing"

	"yknd/internal/proto"
)

// Contract: lookup is case-insensitive and returns the table row.
func Test_Lookup_Is_Case_Insensitive(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"set", "SET", "Set"} {
		cmd, ok := proto.Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) missed", name)
		}

		if cmd.Code != proto.CmdSet || cmd.MinArgs != 2 {
			t.Fatalf("Lookup(%q) = %+v", name, cmd)
		}
	}

	if _, ok := proto.Lookup("FROB"); ok {
		t.Fatal("unknown command resolved")
	}
}

// Contract: command codes are stable — they are written into log records.
func Test_Command_Codes_Are_Stable(t *testing.T) {
	t.Parallel()

	want := map[proto.CmdCode]string{
		0: "AUTH", 1: "SELECT", 2: "GET", 3: "KEYS", 4: "SET", 5: "DEL",
		6: "DUMP", 7: "LIST", 8: "LPUSH", 9: "RPUSH", 10: "LPOP",
		11: "RPOP", 12: "LLEN",
	}

	for code, name := range want {
		if proto.Commands[code].Name != name {
			t.Fatalf("code %d = %q, want %q", code, proto.Commands[code].Name, name)
		}
	}

	if !proto.Valid(12) || proto.Valid(13) {
		t.Fatal("Valid boundary wrong")
	}
}
