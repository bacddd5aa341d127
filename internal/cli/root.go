// Package cli implements the ntrctl command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/ntr"
)

// app holds the state shared by every command of one invocation.
type app struct {
	// Global flags
	cfgFile  string
	host     string
	port     int
	timeout  time.Duration
	output   string
	logLevel string

	// Set during PersistentPreRun
	cfg       *Config
	logger    *slog.Logger
	formatter Formatter
}

// NewRootCmd builds the ntrctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "ntrctl",
		Short: "Inspect and patch process memory through an NTR debugger",
		Long: `ntrctl talks to the NTR debugger over TCP. It lists processes, resolves
a process id from a title id, and reads, writes or watches process memory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/ntrctl/config.yaml)")
	flags.StringVar(&a.host, "host", "", "debugger host, optionally host:port")
	flags.IntVar(&a.port, "port", 0, "debugger port (default 8000)")
	flags.DurationVar(&a.timeout, "timeout", 0, "dial and request timeout (default 10s)")
	flags.StringVarP(&a.output, "output", "o", "", "output format: text, json, yaml (default \"text\")")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (default \"warn\")")

	root.AddCommand(
		newPsCmd(a),
		newPidCmd(a),
		newReadCmd(a),
		newWriteCmd(a),
		newWatchCmd(a),
		newReloadCmd(a),
	)
	return root
}

// setup loads the config file and lets flags override it.
func (a *app) setup(cmd *cobra.Command) error {
	path := a.cfgFile
	if path == "" {
		path = DefaultPath()
	}
	cfg, err := Load(path)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if a.host != "" {
		cfg.Host = a.host
	}
	if a.port != 0 {
		cfg.Port = a.port
	}
	if a.timeout != 0 {
		cfg.Timeout = a.timeout
	}
	if a.output != "" {
		cfg.Output = a.output
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return errors.Errorf("invalid log level %q", cfg.LogLevel)
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	a.formatter = NewFormatter(cfg.Output)
	return nil
}

// dial connects to the configured debugger.
func (a *app) dial(ctx context.Context) (*ntr.Conn, error) {
	if a.cfg.Host == "" {
		return nil, errors.New("no debugger host: set --host or host in the config file")
	}
	return ntr.Dial(ctx, a.cfg.Host,
		ntr.PortOption(a.cfg.Port),
		ntr.DialTimeoutOption(a.cfg.Timeout),
		ntr.RequestTimeoutOption(a.cfg.Timeout),
		ntr.HeartbeatOption(a.cfg.Heartbeat),
		ntr.LoggerOption(a.logger),
	)
}

// print formats data to the command's output.
func (a *app) print(cmd *cobra.Command, data any) error {
	out, err := a.formatter.Format(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
