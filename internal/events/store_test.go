package events

import (
	"path/filepath"
	"testing"
)

func TestAppendAndRead(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "events.jsonl"))

	if err := s.Append(Event{Type: TypeTunnelAdded, Host: "bastion", LocalPort: 4000, Remote: "127.0.0.1:8080"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(Event{Type: TypeTunnelRemoved, Host: "bastion", LocalPort: 4000}); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if err := s.Append(Event{Type: TypeSessionKilled, Host: "edge"}); err != nil {
		t.Fatalf("append third: %v", err)
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	for _, evt := range all {
		if evt.ID == "" || evt.Timestamp.IsZero() {
			t.Fatalf("event missing id or timestamp: %+v", evt)
		}
	}

	byHost, err := s.Read(Query{Host: "bastion"})
	if err != nil {
		t.Fatalf("read by host: %v", err)
	}
	if len(byHost) != 2 {
		t.Fatalf("expected 2 bastion events, got %d", len(byHost))
	}

	byType, err := s.Read(Query{Type: TypeSessionKilled})
	if err != nil {
		t.Fatalf("read by type: %v", err)
	}
	if len(byType) != 1 || byType[0].Host != "edge" {
		t.Fatalf("unexpected events: %+v", byType)
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Type != TypeSessionKilled {
		t.Fatalf("limit should keep the most recent event, got %+v", limited)
	}
}

func TestReadMissingJournal(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "events.jsonl"))
	evts, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evts) != 0 {
		t.Fatalf("expected no events, got %+v", evts)
	}
}
