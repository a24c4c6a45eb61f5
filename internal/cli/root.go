// Package cli implements the m365ir command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cdtdelta/m365ir/internal/app"
	"github.com/cdtdelta/m365ir/internal/config"
	"github.com/cdtdelta/m365ir/internal/logging"
	"github.com/cdtdelta/m365ir/internal/output"
)

// env is the state shared by every command of one invocation.
type env struct {
	v       *viper.Viper
	cfgFile string
	format  string
	cfg     *config.Config
	log     *zap.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	e := &env{v: viper.New()}

	root := &cobra.Command{
		Use:   "m365ir",
		Short: "Microsoft 365 sign-in log ETL for incident response",
		Long: `m365ir imports Entra ID sign-in log exports into a case database and
builds a classified, phase-annotated attack timeline from them.

Exports from the legacy portal and every Graph sign-in log family are
detected from their header row.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.log != nil {
				_ = e.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&e.cfgFile, "config", "", "config file (default: $HOME/.m365ir/config.yaml)")
	pf.String("db", "", "database path (sqlite) or connection string (postgres)")
	pf.String("driver", "", "database driver: sqlite or postgres")
	pf.StringP("output", "o", output.FormatTable, "output format: table, json, yaml, csv")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	_ = e.v.BindPFlag("database.dsn", pf.Lookup("db"))
	_ = e.v.BindPFlag("database.driver", pf.Lookup("driver"))
	_ = e.v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = e.v.BindPFlag("output", pf.Lookup("output"))

	root.AddCommand(
		newImportCmd(e),
		newTimelineCmd(e),
		newRunsCmd(e),
		newSchemasCmd(e),
		newGenerateCmd(e),
		newInfoCmd(e),
	)
	return root
}

// Execute runs the command line and reports any error on stderr.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		p := output.Printer{Out: root.OutOrStdout(), Err: root.ErrOrStderr()}
		p.Error("%v", err)
		return err
	}
	return nil
}

func (e *env) init() error {
	cfg, err := config.Load(e.v, e.cfgFile)
	if err != nil {
		return err
	}
	e.cfg = cfg

	format, err := output.ParseFormat(e.v.GetString("output"))
	if err != nil {
		return err
	}
	e.format = format

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	e.log = log
	if path := cfg.Path(); path != "" {
		log.Debug("config loaded", zap.String("path", path))
	}
	return nil
}

func (e *env) open(cmd *cobra.Command) (*app.App, error) {
	return app.Open(cmd.Context(), e.cfg, e.log)
}

func (e *env) printer(cmd *cobra.Command) *output.Printer {
	return &output.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr(), Format: e.format}
}

// Shared argument parsing.

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid event id %q", s)
	}
	return id, nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

// parseTime accepts RFC 3339 or a bare date or date-time, read as UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339 or YYYY-MM-DD)", s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
