// Package commands implements the nostr-publisher command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"nostr-publisher/internal/config"
	"nostr-publisher/internal/logging"
	"nostr-publisher/internal/metrics"
	"nostr-publisher/internal/recovery"
	"nostr-publisher/internal/relay"
)

var (
	configPath  string
	logLevel    string
	metricsAddr string

	cfg        *config.Config
	store      recovery.Store
	metricsSrv *http.Server
)

func Execute() error {
	root := &cobra.Command{
		Use:           "nostr-publisher",
		Short:         "Publish content batches to Nostr relays through a remote signer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			logging.Init(os.Stderr, cfg.LogLevel)

			if cfg.Store.Path != "" && cfg.Store.Backend == recovery.BackendFile {
				if err := os.MkdirAll(cfg.Store.Path, 0o700); err != nil {
					return err
				}
			}
			store, err = recovery.Open(cmd.Context(), recovery.Options{
				Backend:        cfg.Store.Backend,
				Path:           cfg.Store.Path,
				RedisURL:       cfg.Store.RedisURL,
				RedisPrefix:    cfg.Store.RedisPrefix,
				PendingTTL:     cfg.Store.PendingTTL,
				UseKeyring:     cfg.Store.Keyring,
				KeyringService: cfg.Store.KeyringService,
			})
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}

			if cfg.MetricsAddr != "" {
				startMetrics(cfg.MetricsAddr)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			stopMetrics()
			if store != nil {
				s := store
				store = nil
				return s.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")

	root.AddCommand(connectCmd(), uriCmd(), publishCmd(), statusCmd())

	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		// PostRun is skipped when RunE fails
		stopMetrics()
		if store != nil {
			store.Close()
		}
	}
	return err
}

func relayOptions() []relay.Option {
	return []relay.Option{
		relay.WithPublishTimeout(cfg.Publish.Timeout),
		relay.WithLogger(slog.Default()),
	}
}

func startMetrics(addr string) {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", metrics.Handler).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	metricsSrv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
}

func stopMetrics() {
	if metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	metricsSrv.Shutdown(ctx)
	metricsSrv = nil
}
