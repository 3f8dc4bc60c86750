package main

import (
	"fmt"
	"io"
	"os"

	"github.com/agentworkforce/replica/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version information, set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent flags and the configuration they resolve to.
type globals struct {
	envFiles  []string
	logLevel  string
	logFormat string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	var g = new(globals)

	cmd := &cobra.Command{
		Use:   "replicad",
		Short: "Keep a local replica of server-side shapes in sync",
		Long: `replicad maintains a per-user replica of server tables, streamed from a
shape sync server and kept current as the server's log advances.

Settings are read from REPLICA_* environment variables and .env files, and
may be overridden by flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
	}

	var flags = cmd.PersistentFlags()
	flags.StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "environment files to load, if present")
	flags.StringVar(&g.logLevel, "log-level", "", "logging level (trace, debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "", "logging format (text, json, color)")

	cmd.AddCommand(newRunCmd(g), newQueryCmd(g), newShapesCmd(g), newVersionCmd())
	return cmd
}

func (g *globals) load(cmd *cobra.Command) error {
	if err := config.LoadEnvFiles(g.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = g.logFormat
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	initLog(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	g.cfg = cfg
	return nil
}

// initLog configures the standard logger. Level and format are validated.
func initLog(level, format string, out io.Writer) {
	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	log.SetOutput(out)
}
