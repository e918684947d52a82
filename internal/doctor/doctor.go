// Package doctor runs local environment diagnostics for muxtun.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/muxtun/muxtun/internal/channel"
	"github.com/muxtun/muxtun/internal/registry"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run executes diagnostics: ssh availability, state dir writability, control
// sockets without registry entries, and corrupt registry files.
func Run(reg *registry.Store, ch channel.Provider, stateDir, sshBinary string) Report {
	var issues []Issue

	if err := channel.EnsureBinary(sshBinary); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install the OpenSSH client or set ssh_binary in config.yaml",
		})
	}

	if err := checkWritable(stateDir); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "state-dir",
			Target:         stateDir,
			Message:        err.Error(),
			Recommendation: "ensure the state directory exists and is writable",
		})
	}

	handles, err := ch.Handles()
	if err == nil {
		for _, host := range handles {
			if !reg.HasHost(host) {
				issues = append(issues, Issue{
					Severity:       SeverityMedium,
					Check:          "orphan-socket",
					Target:         host,
					Message:        fmt.Sprintf("control socket for %s has no registry entry", host),
					Recommendation: "run any muxtun command to reconcile it away",
				})
			}
		}
	}

	hosts, err := reg.Hosts()
	if err == nil {
		for _, host := range hosts {
			if _, err := reg.Records(host); err != nil {
				issues = append(issues, Issue{
					Severity:       SeverityHigh,
					Check:          "registry-file",
					Target:         host,
					Message:        err.Error(),
					Recommendation: "repair or delete the registry file; muxtun will not load corrupt records",
				})
			}
		}
	}

	return Report{Issues: issues}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
