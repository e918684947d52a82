// Package cli provides the command-line interface for muxtun.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/muxtun/muxtun/internal/appconfig"
	"github.com/muxtun/muxtun/internal/channel"
	"github.com/muxtun/muxtun/internal/doctor"
	"github.com/muxtun/muxtun/internal/events"
	"github.com/muxtun/muxtun/internal/portalloc"
	"github.com/muxtun/muxtun/internal/profile"
	"github.com/muxtun/muxtun/internal/registry"
	"github.com/muxtun/muxtun/internal/session"
	"github.com/muxtun/muxtun/internal/util"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// NewRootCommand creates the root cobra command. Invoked bare, it behaves
// like `muxtun list`.
func NewRootCommand() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "muxtun",
		Short:         "Manage multiplexed SSH port-forwarding tunnels",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Argument validation has passed by the time this runs, so
			// usage still prints for malformed invocations while runtime
			// failures report only the error.
			cmd.SilenceUsage = true
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newAddCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newKillCmd())
	root.AddCommand(newSaveCmd())
	root.AddCommand(newLoadCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

// buildOrchestrator wires the stores and the channel provider from the
// application config. Construction happens at run time so the XDG state
// location is resolved per invocation.
func buildOrchestrator() (*session.Orchestrator, appconfig.Config, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, appconfig.Config{}, err
	}
	if err := appconfig.EnsureDirs(); err != nil {
		return nil, cfg, err
	}
	regDir, err := appconfig.RegistryDir()
	if err != nil {
		return nil, cfg, err
	}
	sockDir, err := appconfig.SocketsDir()
	if err != nil {
		return nil, cfg, err
	}
	profDir, err := appconfig.ProfilesDir()
	if err != nil {
		return nil, cfg, err
	}
	evPath, err := appconfig.EventsFilePath()
	if err != nil {
		return nil, cfg, err
	}
	orch := session.New(
		registry.NewStore(regDir),
		channel.NewOpenSSH(cfg.SSHBinary, sockDir, time.Duration(cfg.ConnectTimeoutSeconds)*time.Second),
		portalloc.New(),
		profile.NewStore(profDir),
		events.NewStore(evPath),
	)
	return orch, cfg, nil
}

var allDigits = regexp.MustCompile(`^[0-9]+$`)

// parseAddArgs resolves the add command's historic positional form
// `add <host> [<startPort>] <remote...>` into typed fields. An explicit
// --port flag wins over the positional port.
func parseAddArgs(args []string, flagPort, defaultPort uint16) (host string, start uint16, specs []string, err error) {
	host = args[0]
	specs = args[1:]
	start = defaultPort
	if len(specs) > 1 && allDigits.MatchString(specs[0]) {
		p, perr := strconv.Atoi(specs[0])
		if perr != nil || util.ValidatePort(p) != nil {
			return "", 0, nil, fmt.Errorf("invalid start port %q", specs[0])
		}
		start = uint16(p)
		specs = specs[1:]
	}
	if flagPort != 0 {
		start = flagPort
	}
	return host, start, specs, nil
}

func newAddCmd() *cobra.Command {
	var flagPort uint16
	cmd := &cobra.Command{
		Use:   "add <host> [<startPort>] <remote[:label]...>",
		Short: "Forward local ports to remote sockets through a host",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cfg, err := buildOrchestrator()
			if err != nil {
				return err
			}
			host, start, specs, err := parseAddArgs(args, flagPort, appconfig.StartPort(cfg))
			if err != nil {
				return err
			}
			recs, err := orch.Add(cmd.Context(), host, start, specs)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "forwarded %s\n", rec)
			}
			return nil
		},
	}
	cmd.Flags().Uint16Var(&flagPort, "port", 0, "starting local port for allocation")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
}

func runList(cmd *cobra.Command) error {
	orch, _, err := buildOrchestrator()
	if err != nil {
		return err
	}
	notes, err := orch.ReconcileAll()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, n := range notes {
		fmt.Fprintln(out, noticeStyle.Render(fmt.Sprintf("cleaned up %s: %s", n.Host, n.Action)))
	}
	recs, err := orch.Registry.ListAll()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-8s %-28s %-20s %s", "LOCAL", "REMOTE", "HOST", "LABEL")))
	for _, rec := range recs {
		fmt.Fprintf(out, "%-8d %-28s %-20s %s\n", rec.LocalPort, rec.Remote, rec.OwnerHost, util.EmptyDash(rec.Label))
	}
	return nil
}

func parsePorts(args []string) ([]uint16, error) {
	out := make([]uint16, 0, len(args))
	for _, a := range args {
		p, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid local port %q", a)
		}
		if err := util.ValidatePort(p); err != nil {
			return nil, err
		}
		out = append(out, uint16(p))
	}
	return out, nil
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <localPort...>",
		Short: "Remove tunnels by local port",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator()
			if err != nil {
				return err
			}
			ports, err := parsePorts(args)
			if err != nil {
				return err
			}
			for _, port := range ports {
				rec, err := orch.Remove(cmd.Context(), port)
				if errors.Is(err, registry.ErrNotFound) {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: no tunnel on local port %d\n", port)
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", rec)
			}
			return nil
		},
	}
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <host...>",
		Short: "Tear down host sessions regardless of liveness",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator()
			if err != nil {
				return err
			}
			failed := 0
			for _, host := range args {
				if err := orch.Kill(cmd.Context(), host); err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "killed session for %s\n", host)
			}
			if failed > 0 {
				return fmt.Errorf("failed to kill %d of %d host(s)", failed, len(args))
			}
			return nil
		},
	}
}

// stdinConfirmer asks the user for overwrite consent on the terminal.
type stdinConfirmer struct {
	in  *os.File
	out *os.File
}

func (c stdinConfirmer) ConfirmOverwrite(name string) bool {
	fmt.Fprintf(c.out, "profile %q exists, overwrite? [y/N] ", name)
	sc := bufio.NewScanner(c.in)
	if !sc.Scan() {
		return false
	}
	answer := sc.Text()
	return answer == "y" || answer == "Y" || answer == "yes"
}

func newSaveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "save <name> <localPort...>",
		Short: "Save tunnels as a named profile",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator()
			if err != nil {
				return err
			}
			ports, err := parsePorts(args[1:])
			if err != nil {
				return err
			}
			var confirm profile.Confirmer = stdinConfirmer{in: os.Stdin, out: os.Stderr}
			if force {
				confirm = forceConfirmer{}
			}
			saved, missing, err := orch.Save(args[0], ports, confirm)
			for _, p := range missing {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: no tunnel on local port %d, skipped\n", p)
			}
			if errors.Is(err, profile.ErrDeclined) {
				fmt.Fprintln(cmd.ErrOrStderr(), "save aborted")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved profile %s (%d tunnel(s))\n", args[0], len(saved))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing profile without asking")
	return cmd
}

type forceConfirmer struct{}

func (forceConfirmer) ConfirmOverwrite(string) bool { return true }

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <name...>",
		Short: "Re-establish tunnels from saved profiles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator()
			if err != nil {
				return err
			}
			for _, name := range args {
				loaded, skipped, err := orch.Load(cmd.Context(), name)
				for _, rec := range skipped {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: local port %d already in use, skipped\n", rec.LocalPort)
				}
				switch {
				case errors.Is(err, profile.ErrNotFound):
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
					continue
				case errors.Is(err, channel.ErrConnectFailed):
					return err
				case errors.Is(err, channel.ErrForwardRejected):
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
					continue
				case err != nil:
					return err
				}
				for _, rec := range loaded {
					fmt.Fprintf(cmd.OutOrStdout(), "forwarded %s\n", rec)
				}
			}
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local muxtun environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, cfg, err := buildOrchestrator()
			if err != nil {
				return err
			}
			stateDir, err := appconfig.StateDir()
			if err != nil {
				return err
			}
			report := doctor.Run(orch.Registry, orch.Channel, stateDir, cfg.SSHBinary)
			out := cmd.OutOrStdout()
			if len(report.Issues) == 0 {
				fmt.Fprintln(out, "no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "[%s] %s (%s): %s\n    %s\n", issue.Severity, issue.Check, issue.Target, issue.Message, issue.Recommendation)
			}
			return nil
		},
	}
}
