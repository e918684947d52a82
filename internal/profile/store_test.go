package profile

import (
	"errors"
	"testing"

	"github.com/muxtun/muxtun/internal/model"
)

type answer bool

func (a answer) ConfirmOverwrite(string) bool { return bool(a) }

func recs() []model.TunnelRecord {
	return []model.TunnelRecord{
		{LocalPort: 4000, Remote: model.RemoteSocket{Host: "127.0.0.1", Port: 8080}, OwnerHost: "bastion", Label: "web"},
		{LocalPort: 4001, Remote: model.RemoteSocket{Host: "10.0.0.1", Port: 9090}, OwnerHost: "bastion"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	in := recs()
	if err := s.Save("daily", in, answer(false)); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.Load("daily")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d records, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("record %d mismatch: %+v != %+v", i, out[i], in[i])
		}
	}
}

func TestOverwriteNeedsConsent(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Save("daily", recs(), answer(false)); err != nil {
		t.Fatalf("save: %v", err)
	}
	err := s.Save("daily", recs()[:1], answer(false))
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if err := s.Save("daily", recs()[:1], nil); !errors.Is(err, ErrDeclined) {
		t.Fatalf("nil confirmer should decline, got %v", err)
	}
	if err := s.Save("daily", recs()[:1], answer(true)); err != nil {
		t.Fatalf("save with consent: %v", err)
	}
	out, err := s.Load("daily")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected overwritten profile with 1 record, got %d", len(out))
	}
}

func TestLoadUnknownProfile(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveValidatesInput(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Save("", recs(), answer(true)); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.Save("a/b", recs(), answer(true)); err == nil {
		t.Fatal("expected error for name with separator")
	}
	if err := s.Save("daily", nil, answer(true)); err == nil {
		t.Fatal("expected error for empty record set")
	}
}

func TestList(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Save("daily", recs(), answer(false)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save("oncall", recs(), answer(false)); err != nil {
		t.Fatalf("save second: %v", err)
	}
	names, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "daily" || names[1] != "oncall" {
		t.Fatalf("unexpected names: %v", names)
	}
}
