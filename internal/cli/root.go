package cli

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"ricevute/internal/client"
	applog "ricevute/internal/log"
	"ricevute/internal/syncer"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Server     string
	Token      string
	Timeout    time.Duration
	Verbose    bool
	Format     string // "json" | "text"

	settings Settings
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for ricevute-cli.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ricevute",
		Short: "Track expenses and their receipts",
		Long: `ricevute talks to a ricevute server: list and edit expenses, attach
receipt images or PDFs, export a spreadsheet and follow changes live.

Settings are read from ` + "`$XDG_CONFIG_HOME/ricevute/config.yaml`" + `; the
RICEVUTE_SERVER and RICEVUTE_TOKEN variables and the --server and --token
flags override it, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", DefaultSettingsPath(), "settings file")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server URL (overrides settings)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token (overrides settings)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 0, "request timeout")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewRmCommand(opts))
	cmd.AddCommand(NewAttachCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// resolve merges the settings file, environment and flags.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	s, err := LoadSettings(o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid settings", err)
	}
	s.applyEnv()
	if flagChanged(cmd, "server") {
		s.Server = o.Server
	}
	if flagChanged(cmd, "token") {
		s.Token = o.Token
	}
	if flagChanged(cmd, "timeout") {
		s.Timeout = o.Timeout
	}
	o.settings = s
	return nil
}

// flagChanged also sees persistent flags inherited from the root.
func flagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) logger(cmd *cobra.Command) *applog.Logger {
	if !o.Verbose {
		return applog.Discard()
	}
	return applog.New(applog.Config{Level: slog.LevelDebug, Component: applog.ComponentClient, Output: cmd.ErrOrStderr()})
}

func (o *RootOptions) client(cmd *cobra.Command) (*client.Client, error) {
	c, err := newClient(o.settings, o.logger(cmd))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid server settings", err)
	}
	return c, nil
}

// deferred collects the refreshes a coordinator schedules so a one-shot
// command can run them before it exits.
type deferred struct {
	mu    sync.Mutex
	tasks []func()
}

func (d *deferred) schedule(task func()) {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
}

func (d *deferred) run() {
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

// coordinator wraps the client in an optimistic coordinator and loads the
// collection. Verbose mode traces each state transition.
func (o *RootOptions) coordinator(cmd *cobra.Command, c *client.Client, sched syncer.Scheduler) (*syncer.Coordinator, error) {
	out := o.output(cmd)
	coord := syncer.New(c,
		syncer.WithLogger(o.logger(cmd)),
		syncer.WithScheduler(sched))
	coord.Subscribe(func(s syncer.Snapshot) {
		if s.Pending != nil {
			out.VerboseLog("%s %s: %d records shown", s.Pending.Kind, s.State(), len(s.Expenses))
		} else if s.Last != nil {
			out.VerboseLog("%s %s", s.Last.Kind, s.State())
		}
	})
	if err := coord.Refresh(cmd.Context()); err != nil {
		return nil, classify("load expenses", err)
	}
	return coord, nil
}

func newClient(s Settings, logger *applog.Logger) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL: s.Server,
		Token:   s.Token,
		Timeout: s.Timeout,
		Logger:  logger,
	})
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
