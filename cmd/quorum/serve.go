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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quorumbot/quorum/internal/events"
	"github.com/quorumbot/quorum/internal/reconcile"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook endpoint and run background sweeps",
	Long: `Listen for tracker webhook deliveries at /webhook and react to
them immediately, while the reconciliation sweeps run in the background to
repair anything a delivery missed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices()
		if err != nil {
			return err
		}
		secret := viper.GetString("webhook-secret")
		if secret == "" {
			return fmt.Errorf("a webhook secret is required (--webhook-secret or QUORUM_WEBHOOK_SECRET)")
		}

		dispatcher, err := events.NewDispatcher(svc.machine, svc.engine, svc.board, svc.trk, svc.cfg)
		if err != nil {
			return err
		}
		runner, err := reconcile.NewRunner(svc.sweeper, svc.repos, svc.cfg, sweepInterval)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := runner.Start(ctx); err != nil {
			return err
		}
		defer runner.Stop()

		mux := http.NewServeMux()
		mux.Handle("/webhook", dispatcher.Handler([]byte(secret)))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "ok")
		})
		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		fmt.Printf("Listening on %s, sweeping every %s. Press Ctrl+C to stop.\n", serveAddr, sweepInterval)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
		}

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().DurationVar(&sweepInterval, "interval", 15*time.Minute, "background sweep interval")
	serveCmd.Flags().String("webhook-secret", "", "webhook HMAC secret (env QUORUM_WEBHOOK_SECRET)")
	if err := viper.BindPFlag("webhook-secret", serveCmd.Flags().Lookup("webhook-secret")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}
