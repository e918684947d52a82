// Package registry is the durable tunnel registry: one record file per host
// under a base directory, one tunnel record per line. All file I/O stays
// behind the Store type so an alternative backend can replace it without
// touching the orchestrator.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/muxtun/muxtun/internal/model"
)

var (
	// ErrNotFound reports a lookup that matched no live record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicatePort reports an add that would reuse a local port
	// already registered to any host.
	ErrDuplicatePort = errors.New("local port already registered")
)

// Store provides access to the per-host registry files.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) hostPath(host string) string {
	return filepath.Join(s.dir, host)
}

// Hosts returns all host ids with a registry file, in directory order.
func (s *Store) Hosts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var hosts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		hosts = append(hosts, e.Name())
	}
	return hosts, nil
}

// HasHost reports whether a registry file exists for the host.
func (s *Store) HasHost(host string) bool {
	info, err := os.Stat(s.hostPath(host))
	return err == nil && !info.IsDir()
}

// Records returns the host's records in insertion order.
func (s *Store) Records(host string) ([]model.TunnelRecord, error) {
	recs, err := ReadRecordFile(s.hostPath(host))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return recs, nil
}

// Add appends a record to its owner's registry file after checking that the
// local port is unused across the entire registry.
func (s *Store) Add(rec model.TunnelRecord) error {
	if err := model.ValidateHostID(rec.OwnerHost); err != nil {
		return err
	}
	if _, err := s.FindByLocalPort(rec.LocalPort); err == nil {
		return fmt.Errorf("%w: %d", ErrDuplicatePort, rec.LocalPort)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	recs, err := s.Records(rec.OwnerHost)
	if err != nil {
		return err
	}
	return WriteRecordFile(s.hostPath(rec.OwnerHost), append(recs, rec))
}

// RemoveByLocalPort scans all hosts for the record with the given local
// port, removes it, and returns the removed record along with the number of
// records remaining for its owner. Returns ErrNotFound if no host owns the
// port. The caller is responsible for tearing the host session down when
// remaining is zero.
func (s *Store) RemoveByLocalPort(port uint16) (rec model.TunnelRecord, remaining int, err error) {
	hosts, err := s.Hosts()
	if err != nil {
		return model.TunnelRecord{}, 0, err
	}
	for _, host := range hosts {
		recs, err := s.Records(host)
		if err != nil {
			return model.TunnelRecord{}, 0, err
		}
		for i, r := range recs {
			if r.LocalPort != port {
				continue
			}
			kept := append(append([]model.TunnelRecord{}, recs[:i]...), recs[i+1:]...)
			if err := WriteRecordFile(s.hostPath(host), kept); err != nil {
				return model.TunnelRecord{}, 0, err
			}
			return r, len(kept), nil
		}
	}
	return model.TunnelRecord{}, 0, fmt.Errorf("local port %d: %w", port, ErrNotFound)
}

// FindByLocalPort returns the record holding the given local port, searching
// across all hosts.
func (s *Store) FindByLocalPort(port uint16) (model.TunnelRecord, error) {
	hosts, err := s.Hosts()
	if err != nil {
		return model.TunnelRecord{}, err
	}
	for _, host := range hosts {
		recs, err := s.Records(host)
		if err != nil {
			return model.TunnelRecord{}, err
		}
		for _, r := range recs {
			if r.LocalPort == port {
				return r, nil
			}
		}
	}
	return model.TunnelRecord{}, fmt.Errorf("local port %d: %w", port, ErrNotFound)
}

// ListAll returns every record, insertion order within each host, hosts in
// directory order.
func (s *Store) ListAll() ([]model.TunnelRecord, error) {
	hosts, err := s.Hosts()
	if err != nil {
		return nil, err
	}
	var out []model.TunnelRecord
	for _, host := range hosts {
		recs, err := s.Records(host)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// DeleteHost removes the host's registry file. Missing files are not an error.
func (s *Store) DeleteHost(host string) error {
	if err := os.Remove(s.hostPath(host)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
