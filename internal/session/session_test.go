package session

import (
	"errors"
	"testing"
)

func TestDeriveID_Commutative(t *testing.T) {
	cases := []struct {
		a, b string
		want string
	}{
		{"alice", "bob", "alice-bob"},
		{"bob", "alice", "alice-bob"},
		{"1", "2", "1-2"},
		{"zed", "amy", "amy-zed"},
	}

	for _, tc := range cases {
		got, err := DeriveID(tc.a, tc.b)
		if err != nil {
			t.Fatalf("DeriveID(%q, %q) error: %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Errorf("DeriveID(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDeriveID_BothOrdersMatch(t *testing.T) {
	ab, err := DeriveID("alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ba, err := DeriveID("bob", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ab != ba {
		t.Errorf("DeriveID not commutative: %q vs %q", ab, ba)
	}
}

func TestDeriveID_InvalidPairing(t *testing.T) {
	cases := []struct {
		name string
		a, b string
	}{
		{"same id", "alice", "alice"},
		{"empty partner", "alice", ""},
		{"empty user", "", "bob"},
		{"both empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DeriveID(tc.a, tc.b)
			if err == nil {
				t.Fatalf("DeriveID(%q, %q): expected error, got nil", tc.a, tc.b)
			}
			if !errors.Is(err, ErrInvalidPairing) {
				t.Errorf("expected ErrInvalidPairing, got %v", err)
			}
		})
	}
}
