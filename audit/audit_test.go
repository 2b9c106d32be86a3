package audit

import "testing"

func TestOpenEmptyDSNIsNoop(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(Event{Kind: "node.create"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("mongo+localhost"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenSQLiteInMemory(t *testing.T) {
	s, err := Open("sqlite3+file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Record(Event{Kind: "node.create", PeerID: 1, NodeID: 2, Detail: "root"}); err != nil {
		t.Fatal(err)
	}
}
