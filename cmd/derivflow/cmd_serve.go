package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/sawpanic/derivflow/internal/interfaces/http"
	"github.com/sawpanic/derivflow/internal/scheduler"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, err := a.coordinator()
	if err != nil {
		return err
	}

	server := httpapi.NewServer(httpapi.ServerConfigFrom(a.cfg.HTTP), httpapi.Deps{
		Snapshots:  a.snapshots(ctx),
		Store:      a.db.Health(),
		Runs:       coord,
		Metrics:    a.metrics,
		StaleAfter: a.cfg.Snapshot.StaleAfter,
		Logger:     a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	if noSchedule, _ := cmd.Flags().GetBool("no-schedule"); !noSchedule {
		sched, err := scheduler.New(scheduler.Config{
			Schedule:   a.cfg.Ingest.Schedule,
			RunOnStart: a.cfg.Ingest.RunOnStart,
		}, coord.Entry(gctx), scheduler.WithLogger(a.logger))
		if err != nil {
			return err
		}
		sched.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			<-sched.Stop().Done()
			return nil
		})
	}

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
