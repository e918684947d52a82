// Package reconcile detects and repairs drift between the durable tunnel
// registry and the live state of the control channels. Classification is a
// pure function over the observed (record file, channel handle, liveness)
// triple; remediation tears down whichever half is stale. The pass runs once
// per invocation as a leveling step, not as a persistent watcher.
package reconcile

import (
	"log/slog"

	"github.com/muxtun/muxtun/internal/channel"
	"github.com/muxtun/muxtun/internal/registry"
)

// State is the derived, transient consistency state of one host.
type State int

const (
	// StateAbsent: no registry file and no channel handle.
	StateAbsent State = iota
	// StateHealthy: registry file, channel handle, channel alive.
	StateHealthy
	// StateStaleSocketMissing: registry file exists, channel handle absent.
	StateStaleSocketMissing
	// StateStaleConnectionDead: registry file and handle exist, channel dead.
	StateStaleConnectionDead
	// StateOrphanChannel: channel handle exists, no registry file.
	StateOrphanChannel
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateHealthy:
		return "healthy"
	case StateStaleSocketMissing:
		return "stale-socket-missing"
	case StateStaleConnectionDead:
		return "stale-connection-dead"
	case StateOrphanChannel:
		return "orphan-channel"
	}
	return "unknown"
}

// Classify maps the observed triple to a consistency state.
func Classify(hasRecordFile, hasHandle, alive bool) State {
	switch {
	case hasRecordFile && hasHandle && alive:
		return StateHealthy
	case hasRecordFile && !hasHandle:
		return StateStaleSocketMissing
	case hasRecordFile && hasHandle:
		return StateStaleConnectionDead
	case hasHandle:
		return StateOrphanChannel
	default:
		return StateAbsent
	}
}

// Note describes one informational cleanup taken during a leveling pass.
// Cleanups are self-healing and never errors.
type Note struct {
	Host   string
	State  State
	Action string
}

// Reconciler levels recorded state against live channel state.
type Reconciler struct {
	Registry *registry.Store
	Channel  channel.Provider
}

func New(reg *registry.Store, ch channel.Provider) *Reconciler {
	return &Reconciler{Registry: reg, Channel: ch}
}

// Host classifies one host and remediates if needed. The returned note is
// non-nil only when state was repaired.
func (r *Reconciler) Host(host string) (*Note, error) {
	hasFile := r.Registry.HasHost(host)
	hasHandle := r.Channel.HasHandle(host)
	alive := hasHandle && r.Channel.IsAlive(host)

	state := Classify(hasFile, hasHandle, alive)
	switch state {
	case StateHealthy, StateAbsent:
		return nil, nil
	case StateStaleSocketMissing, StateStaleConnectionDead:
		if hasHandle {
			if err := r.Channel.Close(host); err != nil {
				slog.Warn("failed to close stale channel", "host", host, "error", err)
			}
		}
		if err := r.Registry.DeleteHost(host); err != nil {
			return nil, err
		}
		note := &Note{Host: host, State: state, Action: "removed stale session state"}
		slog.Info("reconciled stale session", "host", host, "state", state.String())
		return note, nil
	case StateOrphanChannel:
		if err := r.Channel.Close(host); err != nil {
			slog.Warn("failed to close orphan channel", "host", host, "error", err)
		}
		note := &Note{Host: host, State: state, Action: "closed orphan channel"}
		slog.Info("reconciled orphan channel", "host", host)
		return note, nil
	}
	return nil, nil
}

// All levels every host known to either the registry or the channel
// provider. Idempotent: a second pass with no intervening mutation takes no
// further action.
func (r *Reconciler) All() ([]Note, error) {
	seen := map[string]bool{}
	var hosts []string

	regHosts, err := r.Registry.Hosts()
	if err != nil {
		return nil, err
	}
	for _, h := range regHosts {
		if !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	chHosts, err := r.Channel.Handles()
	if err != nil {
		return nil, err
	}
	for _, h := range chHosts {
		if !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}

	var notes []Note
	for _, h := range hosts {
		note, err := r.Host(h)
		if err != nil {
			return notes, err
		}
		if note != nil {
			notes = append(notes, *note)
		}
	}
	return notes, nil
}
