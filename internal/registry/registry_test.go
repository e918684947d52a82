package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/muxtun/muxtun/internal/model"
)

func rec(port uint16, host, label string) model.TunnelRecord {
	return model.TunnelRecord{
		LocalPort: port,
		Remote:    model.RemoteSocket{Host: "127.0.0.1", Port: 8080},
		OwnerHost: host,
		Label:     label,
	}
}

func TestAddListRemove(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Add(rec(4000, "bastion", "web")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(rec(4001, "bastion", "")); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if err := s.Add(rec(4002, "edge", "api")); err != nil {
		t.Fatalf("add other host: %v", err)
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	// Insertion order within host, hosts in directory order.
	if all[0].LocalPort != 4000 || all[1].LocalPort != 4001 || all[2].LocalPort != 4002 {
		t.Fatalf("unexpected order: %+v", all)
	}

	removed, remaining, err := s.RemoveByLocalPort(4001)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.OwnerHost != "bastion" || remaining != 1 {
		t.Fatalf("unexpected removal: %+v remaining=%d", removed, remaining)
	}

	removed, remaining, err = s.RemoveByLocalPort(4002)
	if err != nil {
		t.Fatalf("remove last: %v", err)
	}
	if removed.OwnerHost != "edge" || remaining != 0 {
		t.Fatalf("expected edge emptied, got %+v remaining=%d", removed, remaining)
	}
}

func TestAddRejectsDuplicatePortAcrossHosts(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Add(rec(4000, "bastion", "")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := s.Add(rec(4000, "edge", ""))
	if !errors.Is(err, ErrDuplicatePort) {
		t.Fatalf("expected ErrDuplicatePort, got %v", err)
	}
}

func TestFindByLocalPort(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Add(rec(4000, "bastion", "web")); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := s.FindByLocalPort(4000)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Label != "web" || got.OwnerHost != "bastion" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := s.FindByLocalPort(9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveUnknownPort(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, _, err := s.RemoveByLocalPort(4000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteHost(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Add(rec(4000, "bastion", "")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.DeleteHost("bastion"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.HasHost("bastion") {
		t.Fatal("registry file should be gone")
	}
	// Deleting again is not an error.
	if err := s.DeleteHost("bastion"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestCorruptRecordSurfaces(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := os.WriteFile(filepath.Join(dir, "bastion"), []byte("not a record\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := s.Records("bastion")
	var corrupt *CorruptRecordError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptRecordError, got %v", err)
	}
	if corrupt.Line != 1 {
		t.Fatalf("expected line 1, got %d", corrupt.Line)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	in := rec(4000, "bastion", "web")
	line := MarshalRecord(in)
	out, err := ParseRecord("test", 1, line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}

	// Empty label stays empty.
	in.Label = ""
	out, err = ParseRecord("test", 1, MarshalRecord(in))
	if err != nil {
		t.Fatalf("parse empty label: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}
