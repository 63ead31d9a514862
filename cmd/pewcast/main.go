package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"pewcast/internal/app"
	"pewcast/internal/config"
	"pewcast/internal/job"
	"pewcast/internal/recurrence"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "pewcast",
	Short: "Scheduled broadcast engine for Telegram groups",
	Long: `pewcast delivers scheduled messages to the groups its bot belongs to.

Examples:
  pewcast run --config ./config.yaml      # Start the engine
  pewcast check --config ./config.yaml    # Validate a config file
  pewcast next "0 9 * * 1-5" --count 3    # Preview a cron schedule`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until SIGINT or SIGTERM",
	RunE:  runEngine,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a config file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (storage=%s, scheduler=%t, api=%t)\n",
			cfgPath, cfg.Storage.Driver, cfg.Scheduler.Enabled, cfg.API.Enabled)
		return nil
	},
}

var (
	nextTZ      string
	nextCount   int
	nextCompare bool
)

var nextCmd = &cobra.Command{
	Use:   "next <cron expression>",
	Short: "Print the next occurrences of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE:  runNext,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json, yaml or toml)")
	nextCmd.Flags().StringVar(&nextTZ, "tz", job.DefaultTimezone, "IANA time zone")
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "number of occurrences")
	nextCmd.Flags().BoolVar(&nextCompare, "compare", false, "also print robfig/cron's answer")
	rootCmd.AddCommand(runCmd, checkCmd, nextCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		for _, h := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", h)
		}
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, _ []string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(cmd.Context()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	// Bounded by shutdown_grace inside Stop; this is the outer backstop.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	return a.Err()
}

func runNext(cmd *cobra.Command, args []string) error {
	expr := strings.TrimSpace(args[0])
	s, err := recurrence.Parse(expr)
	if err != nil {
		return err
	}
	loc, err := recurrence.LoadLocation(nextTZ)
	if err != nil {
		return err
	}
	now := time.Now()
	times, err := s.NextN(now, loc, max(1, nextCount))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, t := range times {
		fmt.Fprintln(out, t.In(loc).Format(time.RFC3339))
	}
	if !nextCompare {
		return nil
	}

	rs, err := cron.ParseStandard("CRON_TZ=" + nextTZ + " " + expr)
	if err != nil {
		fmt.Fprintln(out, "robfig/cron: cannot parse:", err)
		return nil
	}
	at := now
	for i, want := range times {
		at = rs.Next(at)
		mark := ""
		if !at.Equal(want) {
			mark = "  (differs)"
		}
		fmt.Fprintf(out, "robfig[%d] %s%s\n", i, at.In(loc).Format(time.RFC3339), mark)
	}
	return nil
}
