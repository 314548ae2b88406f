package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nudge/internal/config"
	"nudge/internal/logging"
	"nudge/internal/scheduler"
	"nudge/internal/timeparse"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var cfgPath string

	root := &cobra.Command{
		Use:          "nudged",
		Short:        "Reminder scheduler and inactivity monitor for the companion agent",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("console", false, "human-readable log output")
	root.PersistentFlags().String("timezone", "Asia/Seoul", "IANA timezone for schedules")
	mustBind(v, "log_level", root, "log-level")
	mustBind(v, "log_console", root, "console")
	mustBind(v, "timezone", root, "timezone")

	load := func() (config.Config, error) {
		cfg, err := config.Load(v, cfgPath)
		if err != nil {
			return cfg, err
		}
		logging.Setup(cfg.LogLevel, cfg.LogConsole, os.Stdout)
		return cfg, nil
	}

	root.AddCommand(newRunCommand(v, load))
	root.AddCommand(newJobsCommand(load))
	root.AddCommand(newParseDateCommand(load))
	return root
}

func mustBind(v *viper.Viper, key string, cmd *cobra.Command, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newJobsCommand(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the job table with next fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			svc := scheduler.NewService(cfg.Location(), nil, nil)
			defer func() { <-svc.Shutdown().Done() }()
			if err := svc.RegisterAll(scheduler.DefaultJobs(scheduler.Deps{ReminderInterval: cfg.Reminders.Interval})); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTRIGGER\tNEXT")
			for _, e := range svc.Entries(time.Now()) {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Trigger, e.Next.Format("2006-01-02 15:04 MST"))
			}
			return tw.Flush()
		},
	}
}

func newParseDateCommand(load func() (config.Config, error)) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "parse-date <text>",
		Short: "Resolve a natural-language date the way task creation does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			p := timeparse.New(cfg.Location(), cfg.DefaultTime())
			now := time.Now().In(p.Location())
			if ref != "" {
				if now, err = time.Parse(time.RFC3339, ref); err != nil {
					return fmt.Errorf("--ref: %w", err)
				}
			}
			text := strings.Join(args, " ")
			at, ok := p.ParseRelativeDate(text, now)
			if !ok {
				log.Debug().Str("text", text).Msg("unparseable date")
				return fmt.Errorf("could not understand %q", text)
			}
			fmt.Fprintln(cmd.OutOrStdout(), at.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "reference time (RFC3339), defaults to now")
	return cmd
}
