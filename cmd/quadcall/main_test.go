package main

import "testing"

func TestDeriveRosterURL(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"wss://relay.example.com/ws", "https://relay.example.com/roster"},
		{"ws://localhost:8080/ws?x=1", "http://localhost:8080/roster"},
		{"https://relay.example.com/signal", "https://relay.example.com/roster"},
	} {
		got, err := deriveRosterURL(tc.in)
		if err != nil {
			t.Fatalf("deriveRosterURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("deriveRosterURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := deriveRosterURL("ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := deriveRosterURL("://bad"); err == nil {
		t.Fatalf("expected error for unparsable url")
	}
}
