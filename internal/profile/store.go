// Package profile persists named, ordered snapshots of tunnel records for
// later replay. A profile stores the data needed to re-request each forward
// (local port, remote socket, owner host, label); it never references a live
// channel.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/muxtun/muxtun/internal/model"
	"github.com/muxtun/muxtun/internal/registry"
)

var (
	// ErrNotFound reports a load of an unknown profile name.
	ErrNotFound = errors.New("profile not found")
	// ErrDeclined reports that the caller withheld overwrite consent.
	ErrDeclined = errors.New("overwrite declined")
)

// Confirmer resolves whether an existing profile may be destructively
// replaced. The CLI backs this with a terminal yes/no prompt.
type Confirmer interface {
	ConfirmOverwrite(name string) bool
}

// Store keeps one file per profile name, in the registry record format.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Exists reports whether a profile file exists for the name.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.path(name))
	return err == nil && !info.IsDir()
}

// Save writes the records under the profile name. Overwriting an existing
// profile requires explicit consent from the confirmer.
func (s *Store) Save(name string, recs []model.TunnelRecord, confirm Confirmer) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("invalid profile name %q", name)
	}
	if len(recs) == 0 {
		return fmt.Errorf("profile must include at least one record")
	}
	// A nil confirmer cannot grant consent, so it declines.
	if s.Exists(name) && (confirm == nil || !confirm.ConfirmOverwrite(name)) {
		return fmt.Errorf("profile %s: %w", name, ErrDeclined)
	}
	return registry.WriteRecordFile(s.path(name), recs)
}

// Load returns the profile's records in stored order.
func (s *Store) Load(name string) ([]model.TunnelRecord, error) {
	recs, err := registry.ReadRecordFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return recs, nil
}

// List returns all saved profile names in directory order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
