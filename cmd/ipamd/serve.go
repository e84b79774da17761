package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/ipamd/internal/api"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				configFrom(cmd.Context()).Listen = listen
			}
			return withApp(cmd, serve)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on, overrides the config file")
	return cmd
}

// registerJobs adds the maintenance jobs whose schedules are set.
func registerJobs(s *scheduler.Scheduler, a *app) error {
	if err := s.Add("release-orphans", a.cfg.Schedule.ReleaseOrphans, func(ctx context.Context) error {
		n, err := a.allocator.ReleaseOrphans(ctx, a.cfg.Schedule.OrphanMinAge)
		if err != nil {
			return err
		}
		if n > 0 {
			log.G(ctx).WithField("released", n).Info("released orphaned addresses")
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Add("dhcp-sync", a.cfg.Schedule.DHCPSync, a.dhcp.SyncAll)
}

func serve(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.WithModule(ctx, "serve")

	jobs := scheduler.New(ctx)
	if err := registerJobs(jobs, a); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           api.NewAPI(a.store.DB(), a.allocator, a.dhcp, a.metrics.Handler()).NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).WithField("listen", a.cfg.Listen).Info("starting ipamd")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	log.G(ctx).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
