package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/larksync/larksync/internal/trigger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Start the long-running service: the periodic scheduler plus the HTTP
listener for provider event callbacks. Stops cleanly on SIGINT/SIGTERM; a
sync run in progress is allowed to finish.`,
		RunE: runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}

	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := trigger.NewScheduler(svc.coord, svc.engine, func() int {
		return svc.cfg.Sync.PollIntervalSec
	}, svc.logger)

	webhook := trigger.NewWebhook(svc.cfg, svc.coord, svc.engine, svc.logger)

	mux := http.NewServeMux()
	mux.Handle("/webhook/event", webhook)
	mux.HandleFunc("/api/status", func(rw http.ResponseWriter, _ *http.Request) {
		schedState := sched.State()
		webhookState := webhook.State()

		report, err := buildStatusReport(svc, &schedState, &webhookState)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}

		rw.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(rw).Encode(report); err != nil {
			svc.logger.Error("writing status response failed", slog.String("error", err.Error()))
		}
	})

	addr := net.JoinHostPort(svc.cfg.Web.BindHost, strconv.Itoa(svc.cfg.Web.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		svc.logger.Info("listening", slog.String("addr", addr))

		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Let any queued webhook run finish before the store closes.
	webhook.Wait()

	svc.logger.Info("shutdown complete")

	return nil
}
