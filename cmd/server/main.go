package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/app"
	"github.com/funnelsmith/api/internal/config"
	"github.com/funnelsmith/api/internal/logging"
	"github.com/funnelsmith/api/internal/maintenance"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfg *config.Config
		log *zap.Logger
	)

	root := &cobra.Command{
		Use:           "funnelsmith",
		Short:         "Asynchronous content-production pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log = logging.New(cfg.Log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}

	root.AddCommand(serveCmd(&cfg, &log))
	root.AddCommand(workerCmd(&cfg, &log))
	root.AddCommand(sweepCmd(&cfg, &log))
	return root
}

func serveCmd(cfg **config.Config, log **zap.Logger) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, *cfg, *log)
			if err != nil {
				return err
			}
			defer a.Close()

			if !noWorkers {
				if err := a.StartWorkers(ctx); err != nil {
					return err
				}
			}
			stopMaintenance, err := startMaintenance(ctx, a)
			if err != nil {
				return err
			}

			server := a.HTTP()
			go func() {
				<-ctx.Done()
				a.Log.Info("shutting down server")
				if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
					a.Log.Error("server shutdown error", zap.Error(err))
				}
			}()

			addr := ":" + a.Config.Server.Port
			a.Log.Info("server starting", zap.String("addr", addr), zap.String("env", a.Config.Server.Env))
			listenErr := server.Listen(addr)

			stopMaintenance()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.StopWorkers(shutdownCtx); err != nil {
				a.Log.Warn("workers did not stop cleanly", zap.Error(err))
			}
			if listenErr != nil {
				return fmt.Errorf("server error: %w", listenErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without processing jobs")
	return cmd
}

func workerCmd(cfg **config.Config, log **zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (*cfg).IsMemoryStore() {
				return fmt.Errorf("worker processes need a shared store; set store.driver to redis")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, *cfg, *log)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.StartWorkers(ctx); err != nil {
				return err
			}
			a.Log.Info("workers running, press Ctrl+C to stop")
			<-ctx.Done()

			a.Log.Info("stopping workers")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.StopWorkers(shutdownCtx)
		},
	}
}

func sweepCmd(cfg **config.Config, log **zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge finished jobs past their retention grace period once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, *cfg, *log)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Sweeper.Sweep(ctx)
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

// startMaintenance schedules the periodic sweep. Redis deployments share one
// asynq schedule across processes; the memory store sweeps on a local ticker.
func startMaintenance(ctx context.Context, a *app.App) (func(), error) {
	if a.Config.IsMemoryStore() {
		sweepCtx, cancel := context.WithCancel(ctx)
		go a.Sweeper.Run(sweepCtx)
		return cancel, nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
	if a.Config.Redis.TLS {
		redisOpt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	runner := maintenance.NewRunner(redisOpt, a.Sweeper, a.Log)
	if err := runner.Start(); err != nil {
		return nil, err
	}
	return runner.Shutdown, nil
}
