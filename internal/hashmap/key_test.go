package hashmap_test

import (
	"bytes"
	"testing"

	"yknd/internal/hashmap"
)

// Contract: a boundle round-trips its key, type tag, and version number.
func Test_KeyBoundle_Round_Trip(t *testing.T) {
	t.Parallel()

	b := hashmap.NewKeyBoundle([]byte("name"), 3, 1234567890123)

	if !bytes.Equal(b.Key(), []byte("name")) {
		t.Fatalf("Key = %q, want name", b.Key())
	}

	ver := b.Version()
	if ver.Type != 3 || ver.Number != 1234567890123 {
		t.Fatalf("Version = %+v, want {3 1234567890123}", ver)
	}
}

// Contract: the empty key packs and unpacks.
func Test_KeyBoundle_Empty_Key(t *testing.T) {
	t.Parallel()

	b := hashmap.NewKeyBoundle(nil, 0, 7)

	if len(b.Key()) != 0 {
		t.Fatalf("Key = %q, want empty", b.Key())
	}

	if b.Version().Number != 7 {
		t.Fatalf("version = %d, want 7", b.Version().Number)
	}
}
