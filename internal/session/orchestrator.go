// Package session composes the registry, channel provider, port allocator
// and profile store into the user-facing tunnel operations. Add and the
// per-profile part of Load are all-or-nothing batches with cancel-based
// rollback; Remove, Kill and Save are best-effort per item.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"

	"github.com/muxtun/muxtun/internal/channel"
	"github.com/muxtun/muxtun/internal/events"
	"github.com/muxtun/muxtun/internal/model"
	"github.com/muxtun/muxtun/internal/portalloc"
	"github.com/muxtun/muxtun/internal/profile"
	"github.com/muxtun/muxtun/internal/reconcile"
	"github.com/muxtun/muxtun/internal/registry"
)

// ErrNoSession reports a kill target with neither a registry file nor a
// channel handle.
var ErrNoSession = errors.New("unable to find connection to kill")

const (
	lockDelay   = 250 * time.Millisecond
	lockTimeout = 10 * time.Second
)

// Orchestrator implements the add/remove/kill/list/save/load operations.
type Orchestrator struct {
	Registry   *registry.Store
	Channel    channel.Provider
	Alloc      *portalloc.Allocator
	Profiles   *profile.Store
	Events     *events.Store
	Reconciler *reconcile.Reconciler

	acquire func(mutex.Spec) (mutex.Releaser, error)
}

func New(reg *registry.Store, ch channel.Provider, alloc *portalloc.Allocator, prof *profile.Store, ev *events.Store) *Orchestrator {
	return &Orchestrator{
		Registry:   reg,
		Channel:    ch,
		Alloc:      alloc,
		Profiles:   prof,
		Events:     ev,
		Reconciler: reconcile.New(reg, ch),
		acquire:    mutex.Acquire,
	}
}

// lockHost takes the per-host cross-process advisory lock guarding the
// reconcile->ensure->forward->persist critical section. Concurrent muxtun
// invocations against the same host serialize here; the registry and socket
// directories have no other locking discipline.
func (o *Orchestrator) lockHost(host string) (func(), error) {
	releaser, err := o.acquire(mutex.Spec{
		Name:    lockName(host),
		Clock:   clock.WallClock,
		Delay:   lockDelay,
		Timeout: lockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("lock host %s: %w", host, err)
	}
	return releaser.Release, nil
}

// lockName derives a mutex name from the host id. Names must be short
// lowercase [a-z0-9-]; characters outside that set collapse to a dash, so
// distinct hosts may share a lock, which only over-serializes.
func lockName(host string) string {
	var b strings.Builder
	b.WriteString("muxtun-")
	for _, r := range strings.ToLower(host) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	name := b.String()
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

type target struct {
	remote model.RemoteSocket
	label  string
}

func parseTargets(specs []string) ([]target, error) {
	out := make([]target, 0, len(specs))
	for _, s := range specs {
		remote, label, err := model.ParseRemoteSocket(s)
		if err != nil {
			return nil, err
		}
		out = append(out, target{remote: remote, label: label})
	}
	return out, nil
}

// Add establishes one tunnel per remote socket spec ("host:port[:label]")
// through the given host, allocating local ports upward from startPort. The
// batch is all-or-nothing: any forward failure cancels the forwards already
// applied and removes their records before returning.
func (o *Orchestrator) Add(ctx context.Context, host string, startPort uint16, specs []string) ([]model.TunnelRecord, error) {
	if err := model.ValidateHostID(host); err != nil {
		return nil, err
	}
	targets, err := parseTargets(specs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no remote sockets given")
	}

	release, err := o.lockHost(host)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.reconcileHost(host); err != nil {
		return nil, err
	}
	if err := o.Channel.Ensure(ctx, host); err != nil {
		return nil, err
	}

	var added []model.TunnelRecord
	cursor := startPort
	for _, t := range targets {
		rec, next, err := o.addOne(ctx, host, cursor, t)
		if err != nil {
			o.rollback(ctx, added)
			if rerr := o.reconcileHost(host); rerr != nil {
				slog.Warn("post-failure reconcile failed", "host", host, "error", rerr)
			}
			return nil, err
		}
		added = append(added, rec)
		cursor = next
	}
	return added, nil
}

// addOne allocates a local port at or above from, requests the forward and
// persists the record. Ports that turn out to be taken, either live or in
// the registry, advance the scan without surfacing an error.
func (o *Orchestrator) addOne(ctx context.Context, host string, from uint16, t target) (model.TunnelRecord, uint16, error) {
	cursor := from
	for {
		port, err := o.Alloc.NextFree(cursor)
		if err != nil {
			return model.TunnelRecord{}, 0, err
		}
		// A registered port whose tunnel is down does not show up in the
		// live listener state, so check the registry as well.
		if _, err := o.Registry.FindByLocalPort(port); err == nil {
			cursor = port + 1
			continue
		} else if !errors.Is(err, registry.ErrNotFound) {
			return model.TunnelRecord{}, 0, err
		}

		if err := o.Channel.Forward(ctx, host, port, t.remote); err != nil {
			return model.TunnelRecord{}, 0, err
		}
		rec := model.TunnelRecord{LocalPort: port, Remote: t.remote, OwnerHost: host, Label: t.label}
		if err := o.Registry.Add(rec); err != nil {
			if cerr := o.Channel.Cancel(ctx, host, port, t.remote); cerr != nil {
				slog.Warn("cancel after failed persist", "host", host, "port", port, "error", cerr)
			}
			if errors.Is(err, registry.ErrDuplicatePort) {
				cursor = port + 1
				continue
			}
			return model.TunnelRecord{}, 0, err
		}
		o.logEvent(events.Event{Type: events.TypeTunnelAdded, Host: host, LocalPort: port, Remote: t.remote.String()})
		return rec, port + 1, nil
	}
}

// rollback undoes already-applied forwards of a failed batch: cancel the
// forward, drop the record, and tear the session down if it emptied.
func (o *Orchestrator) rollback(ctx context.Context, recs []model.TunnelRecord) {
	for _, rec := range recs {
		if err := o.Channel.Cancel(ctx, rec.OwnerHost, rec.LocalPort, rec.Remote); err != nil {
			slog.Warn("rollback cancel failed", "host", rec.OwnerHost, "port", rec.LocalPort, "error", err)
		}
		removed, remaining, err := o.Registry.RemoveByLocalPort(rec.LocalPort)
		if err != nil {
			slog.Warn("rollback remove failed", "port", rec.LocalPort, "error", err)
			continue
		}
		if remaining == 0 {
			o.teardown(removed.OwnerHost)
		}
	}
}

// Remove cancels the tunnel on one local port. When the removal empties its
// host's record set, the host session is fully torn down.
func (o *Orchestrator) Remove(ctx context.Context, port uint16) (model.TunnelRecord, error) {
	rec, err := o.Registry.FindByLocalPort(port)
	if err != nil {
		return model.TunnelRecord{}, err
	}
	release, err := o.lockHost(rec.OwnerHost)
	if err != nil {
		return model.TunnelRecord{}, err
	}
	defer release()

	// A stale session must be leveled away first; the removal then resolves
	// against what actually survives, so a record whose channel died reports
	// not-found instead of a success that never canceled anything.
	if err := o.reconcileHost(rec.OwnerHost); err != nil {
		return model.TunnelRecord{}, err
	}

	removed, remaining, err := o.Registry.RemoveByLocalPort(port)
	if err != nil {
		return model.TunnelRecord{}, err
	}
	if err := o.Channel.Cancel(ctx, removed.OwnerHost, removed.LocalPort, removed.Remote); err != nil {
		slog.Warn("cancel forward failed", "host", removed.OwnerHost, "port", removed.LocalPort, "error", err)
	}
	if remaining == 0 {
		o.teardown(removed.OwnerHost)
	}
	o.logEvent(events.Event{Type: events.TypeTunnelRemoved, Host: removed.OwnerHost, LocalPort: removed.LocalPort, Remote: removed.Remote.String()})
	return removed, nil
}

// Kill unconditionally tears down a host session regardless of liveness.
// Returns ErrNoSession when neither a registry file nor a channel handle
// exists for the host.
func (o *Orchestrator) Kill(ctx context.Context, host string) error {
	if err := model.ValidateHostID(host); err != nil {
		return err
	}
	release, err := o.lockHost(host)
	if err != nil {
		return err
	}
	defer release()

	if !o.Registry.HasHost(host) && !o.Channel.HasHandle(host) {
		return fmt.Errorf("%w: %s", ErrNoSession, host)
	}
	o.teardown(host)
	o.logEvent(events.Event{Type: events.TypeSessionKilled, Host: host})
	return nil
}

// Save snapshots the records of the given local ports under the profile
// name. Unknown ports are skipped and reported back, not fatal.
func (o *Orchestrator) Save(name string, ports []uint16, confirm profile.Confirmer) (saved []model.TunnelRecord, missing []uint16, err error) {
	for _, p := range ports {
		rec, err := o.Registry.FindByLocalPort(p)
		if errors.Is(err, registry.ErrNotFound) {
			missing = append(missing, p)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		saved = append(saved, rec)
	}
	if len(saved) == 0 {
		return nil, missing, fmt.Errorf("profile %s: no matching tunnels to save", name)
	}
	if err := o.Profiles.Save(name, saved, confirm); err != nil {
		return nil, missing, err
	}
	o.logEvent(events.Event{Type: events.TypeProfileSaved, Message: name})
	return saved, missing, nil
}

// Load replays one saved profile. Records whose local port is already bound
// or registered are skipped with a note; a connect or forward failure is
// fatal for the whole profile and rolls back the records it already applied.
func (o *Orchestrator) Load(ctx context.Context, name string) (loaded, skipped []model.TunnelRecord, err error) {
	recs, err := o.Profiles.Load(name)
	if err != nil {
		return nil, nil, err
	}

	reconciled := map[string]bool{}
	var added []model.TunnelRecord
	for _, rec := range recs {
		rec := rec
		err := func() error {
			release, err := o.lockHost(rec.OwnerHost)
			if err != nil {
				return err
			}
			defer release()

			if !reconciled[rec.OwnerHost] {
				reconciled[rec.OwnerHost] = true
				if err := o.reconcileHost(rec.OwnerHost); err != nil {
					return err
				}
			}
			if _, err := o.Registry.FindByLocalPort(rec.LocalPort); err == nil {
				skipped = append(skipped, rec)
				return nil
			} else if !errors.Is(err, registry.ErrNotFound) {
				return err
			}
			if !o.Alloc.Free(rec.LocalPort) {
				skipped = append(skipped, rec)
				return nil
			}
			if err := o.Channel.Ensure(ctx, rec.OwnerHost); err != nil {
				return err
			}
			if err := o.Channel.Forward(ctx, rec.OwnerHost, rec.LocalPort, rec.Remote); err != nil {
				return err
			}
			if err := o.Registry.Add(rec); err != nil {
				if cerr := o.Channel.Cancel(ctx, rec.OwnerHost, rec.LocalPort, rec.Remote); cerr != nil {
					slog.Warn("cancel after failed persist", "host", rec.OwnerHost, "port", rec.LocalPort, "error", cerr)
				}
				return err
			}
			added = append(added, rec)
			o.logEvent(events.Event{Type: events.TypeTunnelAdded, Host: rec.OwnerHost, LocalPort: rec.LocalPort, Remote: rec.Remote.String()})
			return nil
		}()
		if err != nil {
			o.rollback(ctx, added)
			for h := range reconciled {
				if rerr := o.reconcileHost(h); rerr != nil {
					slog.Warn("post-failure reconcile failed", "host", h, "error", rerr)
				}
			}
			return nil, skipped, fmt.Errorf("load profile %s: %w", name, err)
		}
	}
	o.logEvent(events.Event{Type: events.TypeProfileLoaded, Message: name})
	return added, skipped, nil
}

// ReconcileAll runs a full leveling pass over every known host.
func (o *Orchestrator) ReconcileAll() ([]reconcile.Note, error) {
	notes, err := o.Reconciler.All()
	for _, n := range notes {
		o.logEvent(events.Event{Type: events.TypeStaleCleaned, Host: n.Host, Message: n.Action})
	}
	return notes, err
}

func (o *Orchestrator) reconcileHost(host string) error {
	note, err := o.Reconciler.Host(host)
	if err != nil {
		return err
	}
	if note != nil {
		o.logEvent(events.Event{Type: events.TypeStaleCleaned, Host: note.Host, Message: note.Action})
	}
	return nil
}

func (o *Orchestrator) teardown(host string) {
	if err := o.Channel.Close(host); err != nil {
		slog.Warn("close channel failed", "host", host, "error", err)
	}
	if err := o.Registry.DeleteHost(host); err != nil {
		slog.Warn("delete registry file failed", "host", host, "error", err)
	}
}

func (o *Orchestrator) logEvent(evt events.Event) {
	if o.Events == nil {
		return
	}
	if err := o.Events.Append(evt); err != nil {
		slog.Warn("failed to append lifecycle event", "type", evt.Type, "error", err)
	}
}
