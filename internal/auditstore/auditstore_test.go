package auditstore

import "testing"

func TestRecordAndReadConnections(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.RecordConnect("peer-1", "local", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDisconnect("peer-1", "local", "client_disconnect"); err != nil {
		t.Fatal(err)
	}

	events, err := s.RecentConnections(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Event == "connect" && ev.UsernameHash == "alice" {
			t.Fatal("username must not be stored in plaintext")
		}
	}
}

func TestRecordTextMessageOmitsBody(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.RecordTextMessage("peer-1", "local", "alice", len("hello world")); err != nil {
		t.Fatal(err)
	}
}
