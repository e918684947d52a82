// Package model defines the core data types shared across muxtun:
// remote socket addresses and the tunnel records tracked by the registry.
package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/muxtun/muxtun/internal/util"
)

// RemoteSocket identifies the remote endpoint of a forward.
type RemoteSocket struct {
	Host string
	Port uint16
}

func (r RemoteSocket) String() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// TunnelRecord is one local->remote forwarding entry. It is owned by the
// registry file of its OwnerHost; LocalPort is unique across all hosts.
type TunnelRecord struct {
	LocalPort uint16
	Remote    RemoteSocket
	OwnerHost string
	Label     string
}

func (t TunnelRecord) String() string {
	if t.Label != "" {
		return fmt.Sprintf("%d -> %s via %s (%s)", t.LocalPort, t.Remote, t.OwnerHost, t.Label)
	}
	return fmt.Sprintf("%d -> %s via %s", t.LocalPort, t.Remote, t.OwnerHost)
}

// ParseRemoteSocket parses a remote socket spec of the form
// "host:port" or "host:port:label".
func ParseRemoteSocket(s string) (RemoteSocket, string, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return RemoteSocket{}, "", fmt.Errorf("remote socket format must be host:port or host:port:label, got %q", s)
	}
	host := strings.TrimSpace(parts[0])
	if host == "" {
		return RemoteSocket{}, "", fmt.Errorf("remote socket %q has an empty host", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return RemoteSocket{}, "", fmt.Errorf("invalid remote port in %q: %w", s, err)
	}
	if err := util.ValidatePort(port); err != nil {
		return RemoteSocket{}, "", err
	}
	label := ""
	if len(parts) == 3 {
		label = strings.TrimSpace(parts[2])
	}
	return RemoteSocket{Host: host, Port: uint16(port)}, label, nil
}

// ValidateHostID rejects host identifiers that cannot be used as registry
// or socket file names.
func ValidateHostID(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("host id cannot be empty")
	}
	if strings.ContainsAny(host, "/\\") || host == "." || host == ".." {
		return fmt.Errorf("invalid host id %q", host)
	}
	return nil
}
