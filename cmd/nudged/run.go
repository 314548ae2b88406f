package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"nudge/internal/activity"
	"nudge/internal/api"
	"nudge/internal/compose"
	"nudge/internal/config"
	"nudge/internal/ledger"
	"nudge/internal/messenger"
	"nudge/internal/metrics"
	"nudge/internal/notes"
	"nudge/internal/reminder"
	"nudge/internal/scheduler"
	"nudge/internal/store"
	"nudge/internal/tasks"
	"nudge/internal/timeparse"
	"nudge/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(v *viper.Viper, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, the inactivity monitor and the ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := checkRunConfig(cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "ops HTTP bind address")
	cmd.Flags().String("db", "nudge.db", "SQLite ledger path")
	cmd.Flags().Bool("dry-run", false, "record messages instead of posting them")
	for key, flag := range map[string]string{"http_addr": "addr", "db_path": "db", "dry_run": "dry-run"} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func checkRunConfig(cfg config.Config) error {
	var errs []error
	if cfg.Databases.Tasks == "" {
		errs = append(errs, errors.New("databases.tasks is required"))
	}
	if cfg.Messenger.UserID == "" {
		errs = append(errs, errors.New("messenger.user_id is required"))
	}
	if cfg.Messenger.WebhookURL == "" && !cfg.DryRun {
		errs = append(errs, errors.New("messenger.webhook_url is required unless --dry-run"))
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg config.Config) error {
	loc := cfg.Location()

	db, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()
	repo := ledger.NewSQLiteRepo(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)

	client := store.New(store.Options{
		BaseURL:       cfg.Store.BaseURL,
		Token:         cfg.Store.Token,
		VersionHeader: "Notion-Version",
		Version:       cfg.Store.Version,
		MaxAttempts:   cfg.Store.MaxAttempts,
		BaseDelay:     cfg.Store.BaseDelay,
	}, m)
	defer client.Close()

	pool := worker.NewPool(cfg.Store.Workers)
	taskStore := tasks.NewStore(client, cfg.Databases.Tasks, tasks.DefaultSchema(), loc, pool)
	noteStore := notes.NewStore(client, cfg.Databases.Memory, cfg.Databases.Observations, notes.DefaultSchema(), pool)

	var out messenger.Messenger = messenger.NewWebhook(cfg.Messenger.WebhookURL, nil, cfg.Messenger.Timeout)
	if cfg.DryRun {
		log.Warn().Msg("dry run: messages are recorded, not delivered")
		out = &messenger.Recording{}
	}
	sender := messenger.NewTracked(out, cfg.Messenger.UserID, repo, m)
	gen := compose.TemplateComposer{}

	dispatcher := reminder.NewDispatcher(reminder.Config{Cooldown: cfg.Reminders.Cooldown, Location: loc}, taskStore, gen, sender)

	sched := scheduler.NewService(loc, repo, m)
	if err := sched.RegisterAll(scheduler.DefaultJobs(scheduler.Deps{
		Reminders:        dispatcher,
		Tasks:            taskStore,
		ReminderInterval: cfg.Reminders.Interval,
	})); err != nil {
		return err
	}

	state := activity.NewState(time.Now())
	monitor := activity.NewMonitor(activity.Config{
		Interval:      cfg.Outreach.Interval,
		WindowStart:   cfg.Outreach.WindowStart,
		WindowEnd:     cfg.Outreach.WindowEnd,
		MinGap:        cfg.Outreach.MinGap,
		ErrorCooldown: cfg.Outreach.ErrorCooldown,
		Location:      loc,
		Memories:      cfg.Outreach.Memories,
		Observations:  cfg.Outreach.Observations,
	}, state, noteStore, gen, sender, m)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Jobs:     sched,
			Ledger:   repo,
			Tasks:    taskStore,
			Parser:   timeparse.New(loc, cfg.DefaultTime()),
			Activity: state,
			Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	ready := make(chan struct{})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sched.Start(); err != nil {
			return err
		}
		close(ready)
		<-ctx.Done()
		return nil
	})
	g.Go(func() error { return monitor.Run(ctx, ready) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		select {
		case <-sched.Shutdown().Done():
		case <-sctx.Done():
			log.Warn().Msg("jobs still running at shutdown timeout")
		}
		return nil
	})
	return g.Wait()
}
