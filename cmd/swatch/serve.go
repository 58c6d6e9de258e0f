package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/swatch/internal/config"
	"github.com/zulandar/swatch/internal/document"
	"github.com/zulandar/swatch/internal/funnel"
	"github.com/zulandar/swatch/internal/payment"
	"github.com/zulandar/swatch/internal/scheduler"
	"github.com/zulandar/swatch/internal/server"
	"github.com/zulandar/swatch/internal/session"
	"github.com/zulandar/swatch/internal/telegraph"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat funnel, webhook server and maintenance jobs",
		Long: `Connects to the configured chat platform and runs the funnel until interrupted.

The HTTP server receives payment gateway webhooks (and WhatsApp deliveries
when messaging.platform is whatsapp). Sessions stuck in analyzing are
reverted at boot, and cron jobs sweep pending orders, clean up idle
sessions and flush buffered session writes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Swatch config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, params, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	if cfg.Payment.WebhookSecret == "" {
		return fmt.Errorf("payment.webhook_secret is required to accept payment webhooks")
	}
	if cfg.Payment.AmountMinorUnits <= 0 {
		return fmt.Errorf("payment.amount_minor_units must be set to sell the guide")
	}

	st, err := openStorage(ctx, cfg, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Storage: %s (%s writes)\n", cfg.Storage.Driver, cfg.Session.WriteMode)

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	orders, err := payment.NewManager(payment.ManagerOpts{
		Store:            st.orders,
		Gateway:          gw,
		ReuseActiveOrder: cfg.ReuseActiveOrder(),
		CheckoutURL:      cfg.Payment.CheckoutURL,
	})
	if err != nil {
		return err
	}
	analyzer, err := newAnalyzer(cfg, params)
	if err != nil {
		return err
	}
	docs, err := document.NewMarkdownGenerator(cfg.Documents.OutputDir, cfg.Documents.PublicBaseURL)
	if err != nil {
		return err
	}
	adapter, wa, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	// The engine polls through the reconciler and the reconciler notifies
	// the engine, so the checker resolves the reconciler late.
	var reconciler *payment.Reconciler
	engine, err := funnel.NewEngine(funnel.EngineOpts{
		Store:     st.sessions,
		Sender:    adapter,
		Media:     adapter,
		Analyzer:  analyzer,
		Orders:    orders,
		Documents: docs,
		Payments: funnel.PaymentCheckerFunc(func(ctx context.Context, orderID string) (payment.Outcome, error) {
			return reconciler.ReconcileByPolling(ctx, orderID)
		}),
		AmountMinorUnits: cfg.Payment.AmountMinorUnits,
		Currency:         cfg.Payment.Currency,
		AnalysisTimeout:  cfg.Analysis.Timeout,
		SendTimeout:      cfg.Messaging.SendTimeout,
	})
	if err != nil {
		return err
	}
	reconciler, err = payment.NewReconciler(payment.ReconcilerOpts{
		Store:         st.orders,
		Gateway:       gw,
		Notifier:      engine,
		Audit:         st.reconcilerAudit(),
		WebhookSecret: []byte(cfg.Payment.WebhookSecret),
	})
	if err != nil {
		return err
	}

	// Nothing survives a restart mid-analysis.
	if n, err := engine.RecoverStale(ctx, 0); err != nil {
		log.Printf("swatch: boot recovery: %v", err)
	} else if n > 0 {
		fmt.Fprintf(out, "Recovered %d interrupted analyses\n", n)
	}

	sched, err := scheduler.New(scheduler.Opts{
		Jobs: maintenanceJobs(cfg, st.sessions, st.cache, reconciler, engine),
		Out:  out,
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)

	srvOpts := server.StartOpts{
		Port:            cfg.Server.Port,
		Out:             out,
		Payments:        reconciler,
		SignatureHeader: cfg.Payment.SignatureHeader,
		Ready:           st.ready,
		DocumentsDir:    cfg.Documents.OutputDir,
		AdminToken:      cfg.Server.AdminToken,
		Sessions:        st.sessions,
		Orders:          orders,
	}
	if wa != nil {
		srvOpts.WhatsApp = wa
	}
	if st.audit != nil {
		srvOpts.Deliveries = st.audit
	}
	srvErr := make(chan error, 1)
	go func() {
		err := server.Start(ctx, srvOpts)
		if err != nil {
			cancel()
		}
		srvErr <- err
	}()

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Adapter: adapter,
		Handler: engine,
		Drain:   engine.Close,
		Out:     out,
	})
	if err != nil {
		cancel()
		<-srvErr
		return err
	}
	runErr := daemon.Run(ctx)

	cancel()
	sched.Stop()
	if err := <-srvErr; err != nil && runErr == nil {
		runErr = err
	}
	if st.cache != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := st.cache.Close(closeCtx); err != nil {
			log.Printf("swatch: flush sessions: %v", err)
		}
		closeCancel()
	}
	fmt.Fprintln(out, "Swatch stopped")
	return runErr
}

// staleAfter is how long a session may sit in analyzing before the
// recovery job reverts it. The engine's own watchdog normally fires first.
func staleAfter(cfg *config.Config) time.Duration {
	return 2 * cfg.Analysis.Timeout
}

type sweeper interface {
	SweepPending(ctx context.Context, olderThan time.Duration) (int, error)
}

type staleRecoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// maintenanceJobs returns the periodic jobs for the serve loop. The flush
// job is only added when sessions are buffered.
func maintenanceJobs(cfg *config.Config, sessions session.Store, cache *session.CachedStore, sweep sweeper, stale staleRecoverer) []scheduler.Job {
	jobs := []scheduler.Job{
		{
			Name: "payment-sweep",
			Spec: cfg.Payment.SweepCron,
			Run: func(ctx context.Context) error {
				n, err := sweep.SweepPending(ctx, cfg.Payment.SweepAfter)
				if n > 0 {
					log.Printf("swatch: sweep settled %d order(s)", n)
				}
				return err
			},
		},
		{
			Name: "session-cleanup",
			Spec: cfg.Session.CleanupCron,
			Run: func(ctx context.Context) error {
				n, err := sessions.Cleanup(ctx, cfg.Session.Retention)
				if n > 0 {
					log.Printf("swatch: removed %d idle session(s)", n)
				}
				return err
			},
		},
		{
			Name: "analysis-recovery",
			Spec: "@every 1m",
			Run: func(ctx context.Context) error {
				_, err := stale.RecoverStale(ctx, staleAfter(cfg))
				return err
			},
		},
	}
	if cache != nil {
		jobs = append(jobs, scheduler.Job{
			Name: "session-flush",
			Spec: cfg.Session.FlushCron,
			Run: func(ctx context.Context) error {
				_, err := cache.Flush(ctx)
				return err
			},
		})
	}
	return jobs
}
