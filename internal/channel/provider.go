// Package channel provides the control-channel contract the core consumes
// and an implementation backed by the system ssh binary. muxtun never speaks
// the transport protocol itself; it issues high-level open/forward/cancel/
// check/close requests against a persistent multiplexed connection.
package channel

import (
	"context"
	"errors"

	"github.com/muxtun/muxtun/internal/model"
)

var (
	// ErrConnectFailed reports that a control channel could not be
	// established. Fatal to the operation that required it.
	ErrConnectFailed = errors.New("connect failed")
	// ErrForwardRejected reports that the channel accepted the request
	// path but refused a specific forward (for example a remote bind
	// failure). Aborts the batch it belongs to.
	ErrForwardRejected = errors.New("forward rejected")
)

// Provider manages per-host control channels.
type Provider interface {
	// Ensure establishes a control channel for the host, reusing a live
	// one when present. Idempotent; safe to call before every forward.
	Ensure(ctx context.Context, host string) error
	// IsAlive is a non-destructive liveness probe. False means the
	// channel is unusable and must be discarded.
	IsAlive(host string) bool
	// HasHandle reports whether a channel handle exists for the host,
	// live or not.
	HasHandle(host string) bool
	// Handles returns the host ids that currently have a channel handle.
	Handles() ([]string, error)
	// Forward multiplexes a new local->remote forward onto the existing
	// channel without reconnecting.
	Forward(ctx context.Context, host string, localPort uint16, remote model.RemoteSocket) error
	// Cancel removes one forward without closing the channel.
	Cancel(ctx context.Context, host string, localPort uint16, remote model.RemoteSocket) error
	// Close terminates the host's channel entirely.
	Close(host string) error
}
