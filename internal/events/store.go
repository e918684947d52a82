// Package events keeps an append-only journal of tunnel lifecycle events.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies one lifecycle event.
type Type string

const (
	TypeTunnelAdded   Type = "tunnel-added"
	TypeTunnelRemoved Type = "tunnel-removed"
	TypeSessionKilled Type = "session-killed"
	TypeStaleCleaned  Type = "stale-cleaned"
	TypeProfileSaved  Type = "profile-saved"
	TypeProfileLoaded Type = "profile-loaded"
)

// Event is one lifecycle record persisted as a JSON line.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"event_type"`
	Host      string    `json:"host,omitempty"`
	LocalPort uint16    `json:"local_port,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Host  string
	Type  Type
	Limit int
}

// Store provides append/read access to the journal file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Append writes a single event as one JSON line, assigning an id and
// timestamp when absent.
func (s *Store) Append(evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Read returns matching events in journal order. With a Limit, only the
// most recent matches are returned.
func (s *Store) Read(q Query) ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			// A torn tail write should not hide the rest of the journal.
			continue
		}
		if q.Host != "" && evt.Host != q.Host {
			continue
		}
		if q.Type != "" && evt.Type != q.Type {
			continue
		}
		out = append(out, evt)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}
