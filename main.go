package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"outreach/internal/config"
	"outreach/internal/engine"
	httpapi "outreach/internal/http"
	"outreach/internal/mode"
	"outreach/internal/model"
	"outreach/internal/platform/logger"
	"outreach/internal/quota"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/wa"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "outreach",
		Short:         "Quota-limited outreach automation for WhatsApp accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "automation YAML file (default $AUTOMATION_CONFIG)")
	root.AddCommand(newServeCmd(), newStatsCmd(), newTickCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     config.Config
	store   *storage.Store
	manager *wa.Manager
	eng     *engine.Engine
	sched   *scheduler.Scheduler
}

func build(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "outreach"})

	oracle, err := cfg.Oracle()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.DSN)
	if err != nil {
		return nil, err
	}
	manager, err := wa.NewManager(ctx, cfg.DSN, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	eng := engine.New(engine.Deps{
		Oracle:   oracle,
		Modes:    mode.NewController(store, oracle, model.ActionScan),
		Ledger:   quota.NewLedger(store, store, cfg.QuotaDefaults(), store),
		Targets:  store,
		Executor: manager,
		Queue:    store,
	}, engine.Config{
		Location:        oracle.Location(),
		ExecutorTimeout: cfg.Engine.ExecutorTimeout,
		FastWorkers:     cfg.Engine.FastWorkers,
		FastLimit:       cfg.Engine.FastLimit,
		QueuedMinDelay:  cfg.Engine.QueuedMinDelay,
		QueuedMaxDelay:  cfg.Engine.QueuedMaxDelay,
		AutoBatchSize:   cfg.Engine.AutoBatchSize,
	})
	sched := scheduler.New(store, eng, manager)
	sched.Interval = cfg.Engine.TickInterval

	return &app{cfg: cfg, store: store, manager: manager, eng: eng, sched: sched}, nil
}

func (a *app) close() {
	a.manager.Disconnect()
	_ = a.store.Close()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the automation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			log := logger.Named("main")

			a.sched.Start(ctx)

			srv := &http.Server{
				Addr:              a.cfg.Addr(),
				Handler:           httpapi.NewRouter(a.store, a.eng, a.manager),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", srv.Addr).Str("timezone", a.cfg.Timezone).Msg("HTTP listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			a.sched.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			// queued items not yet handled stay in the work queue for the next start
			a.sched.Wait()
			a.eng.Wait()
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "stats <account-id>",
		Short: "Print the daily statistics of an account as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := build(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.eng.DailyStatistics(ctx, args[0], model.Day(day))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass and wait for the started runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.sched.Tick(ctx, a.eng.Now())
			if err != nil {
				return err
			}
			a.sched.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "started %d run(s)\n", n)
			return nil
		},
	}
}
