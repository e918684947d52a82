package reconcile

import (
	"context"
	"testing"

	"github.com/muxtun/muxtun/internal/model"
	"github.com/muxtun/muxtun/internal/registry"
)

// fakeProvider is an in-memory channel.Provider double.
type fakeProvider struct {
	handles map[string]bool
	alive   map[string]bool
	closed  []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handles: map[string]bool{}, alive: map[string]bool{}}
}

func (f *fakeProvider) Ensure(ctx context.Context, host string) error {
	f.handles[host] = true
	f.alive[host] = true
	return nil
}

func (f *fakeProvider) IsAlive(host string) bool { return f.alive[host] }
func (f *fakeProvider) HasHandle(host string) bool { return f.handles[host] }

func (f *fakeProvider) Handles() ([]string, error) {
	var out []string
	for h, ok := range f.handles {
		if ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeProvider) Forward(ctx context.Context, host string, localPort uint16, remote model.RemoteSocket) error {
	return nil
}

func (f *fakeProvider) Cancel(ctx context.Context, host string, localPort uint16, remote model.RemoteSocket) error {
	return nil
}

func (f *fakeProvider) Close(host string) error {
	f.closed = append(f.closed, host)
	delete(f.handles, host)
	delete(f.alive, host)
	return nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		file, handle, alive bool
		want                State
	}{
		{true, true, true, StateHealthy},
		{true, false, false, StateStaleSocketMissing},
		{true, true, false, StateStaleConnectionDead},
		{false, true, true, StateOrphanChannel},
		{false, true, false, StateOrphanChannel},
		{false, false, false, StateAbsent},
	}
	for _, c := range cases {
		if got := Classify(c.file, c.handle, c.alive); got != c.want {
			t.Errorf("Classify(%v,%v,%v) = %s, want %s", c.file, c.handle, c.alive, got, c.want)
		}
	}
}

func addRecord(t *testing.T, reg *registry.Store, host string, port uint16) {
	t.Helper()
	err := reg.Add(model.TunnelRecord{
		LocalPort: port,
		Remote:    model.RemoteSocket{Host: "127.0.0.1", Port: 8080},
		OwnerHost: host,
	})
	if err != nil {
		t.Fatalf("add record: %v", err)
	}
}

func TestStaleRegistryIsRemoved(t *testing.T) {
	reg := registry.NewStore(t.TempDir())
	ch := newFakeProvider()
	addRecord(t, reg, "bastion", 4000)

	// Registry file exists, but the channel process is gone entirely.
	note, err := New(reg, ch).Host("bastion")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if note == nil || note.State != StateStaleSocketMissing {
		t.Fatalf("unexpected note: %+v", note)
	}
	if reg.HasHost("bastion") {
		t.Fatal("stale registry file should be deleted")
	}
}

func TestDeadChannelIsTornDown(t *testing.T) {
	reg := registry.NewStore(t.TempDir())
	ch := newFakeProvider()
	addRecord(t, reg, "bastion", 4000)
	ch.handles["bastion"] = true
	ch.alive["bastion"] = false

	note, err := New(reg, ch).Host("bastion")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if note == nil || note.State != StateStaleConnectionDead {
		t.Fatalf("unexpected note: %+v", note)
	}
	if reg.HasHost("bastion") || ch.HasHandle("bastion") {
		t.Fatal("both halves should be torn down")
	}
}

func TestOrphanChannelIsClosed(t *testing.T) {
	reg := registry.NewStore(t.TempDir())
	ch := newFakeProvider()
	ch.handles["ghost"] = true
	ch.alive["ghost"] = true

	notes, err := New(reg, ch).All()
	if err != nil {
		t.Fatalf("reconcile all: %v", err)
	}
	if len(notes) != 1 || notes[0].State != StateOrphanChannel {
		t.Fatalf("unexpected notes: %+v", notes)
	}
	if ch.HasHandle("ghost") {
		t.Fatal("orphan channel should be closed")
	}
}

func TestHealthyHostUntouched(t *testing.T) {
	reg := registry.NewStore(t.TempDir())
	ch := newFakeProvider()
	addRecord(t, reg, "bastion", 4000)
	ch.handles["bastion"] = true
	ch.alive["bastion"] = true

	note, err := New(reg, ch).Host("bastion")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if note != nil {
		t.Fatalf("expected no action, got %+v", note)
	}
	if !reg.HasHost("bastion") || !ch.HasHandle("bastion") {
		t.Fatal("healthy state must not be modified")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	reg := registry.NewStore(t.TempDir())
	ch := newFakeProvider()
	addRecord(t, reg, "bastion", 4000)
	ch.handles["orphan"] = true

	r := New(reg, ch)
	first, err := r.All()
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 cleanups, got %+v", first)
	}
	second, err := r.All()
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second pass should be a no-op, got %+v", second)
	}
}
