package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billease/data-sync/config"
	"github.com/billease/data-sync/facade"
	"github.com/billease/data-sync/store"
	"github.com/billease/data-sync/syncer"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const healthInterval = 10 * time.Second

type app struct {
	config *config.Config
	log    *zap.Logger
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "data-sync",
		Short:        "Local-first storage with remote synchronization",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a.config, a.log = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	cmd.AddCommand(
		a.serveCmd(),
		a.syncCmd(),
		a.transferCmd(syncer.DirectionPull),
		a.transferCmd(syncer.DirectionPush),
		a.statusCmd(),
		a.selectCmd(),
	)
	return cmd
}

func (a *app) openEngine(ctx context.Context, reg prometheus.Registerer) (*syncer.Engine, error) {
	opts := []syncer.Option{
		syncer.WithLogger(a.log),
		syncer.WithProbeTable(a.config.ProbeTable),
	}
	if reg != nil {
		opts = append(opts, syncer.WithMetrics(syncer.NewMetrics(reg)))
	}
	return syncer.Open(ctx, a.config.RemoteStore(), a.config.LocalStore(), opts...)
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler with the gRPC health and HTTP admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	tables, err := a.config.Tables()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srvMetrics := grpcprom.NewServerMetrics()
	reg.MustRegister(srvMetrics)

	engine, err := a.openEngine(ctx, reg)
	if err != nil {
		return fmt.Errorf("failed to open sync engine: %w", err)
	}
	defer engine.Close()

	f := facade.New(facade.Config{Remote: a.config.RemoteStore(), Local: a.config.LocalStore()}, facade.WithLogger(a.log))
	if err := f.Init(ctx, a.config.StoreBackend()); err != nil {
		return fmt.Errorf("failed to init %s store: %w", a.config.StoreBackend(), err)
	}
	defer f.Close()

	admin := NewAdminServer(engine, f, tables, a.config.AdminCA(), a.log)
	grpcServer := CreateServer(admin.health, srvMetrics)
	httpServer := &http.Server{
		Addr:              a.config.HTTPListenAddress,
		Handler:           NewHTTPHandler(admin.Router(reg), grpcServer, a.config.AllowedOrigins()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcListener, err := net.Listen("tcp", a.config.GrpcListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	syncEvery, drainEvery := a.config.Intervals()
	scheduler := syncer.NewScheduler(engine, syncer.SchedulerConfig{
		Tables:        tables,
		SyncInterval:  syncEvery,
		QueueInterval: drainEvery,
	}, a.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("grpc server listening", zap.String("address", a.config.GrpcListenAddress))
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		a.log.Info("http server listening", zap.String("address", a.config.HTTPListenAddress))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		admin.watchHealth(ctx, healthInterval)
		return nil
	})
	g.Go(func() error {
		scheduler.Start(ctx)
		<-ctx.Done()
		scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [table...]",
		Short: "Run one full sync pass over the given or configured tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			tables := args
			if len(tables) == 0 {
				var err error
				if tables, err = a.config.Tables(); err != nil {
					return err
				}
			}
			if len(tables) == 0 {
				return errors.New("no tables to sync")
			}
			engine, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("failed to open sync engine: %w", err)
			}
			defer engine.Close()

			report, err := engine.SyncAll(cmd.Context(), tables)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			if status := engine.QueueStatus(); status.Queued > 0 {
				a.log.Warn("operations left queued on exit", zap.Int("queued", status.Queued))
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the remote store and print the sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("failed to open sync engine: %w", err)
			}
			defer engine.Close()
			return printJSON(cmd, engine.QueueStatus())
		},
	}
}

func addQueryFlags(cmd *cobra.Command, params *queryParams) {
	cmd.Flags().StringArrayVar(&params.Filters, "filter", nil, "filter as field:op:value, in values separated by |")
	cmd.Flags().StringVar(&params.Order, "order", "", "order as field or field:desc")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "maximum number of records")
	cmd.Flags().IntVar(&params.Offset, "offset", 0, "number of records to skip")
}

func (a *app) transferCmd(dir syncer.Direction) *cobra.Command {
	var params queryParams
	cmd := &cobra.Command{
		Use:   string(dir) + " <table>",
		Short: fmt.Sprintf("Run a single %s pass over one table", dir),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !store.ValidIdent(args[0]) {
				return fmt.Errorf("invalid table name %q", args[0])
			}
			q, err := params.query()
			if err != nil {
				return err
			}
			engine, err := a.openEngine(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("failed to open sync engine: %w", err)
			}
			defer engine.Close()

			var res syncer.Result
			if dir == syncer.DirectionPull {
				res = engine.Pull(cmd.Context(), args[0], q)
			} else {
				res = engine.Push(cmd.Context(), args[0], q)
			}
			return printJSON(cmd, res)
		},
	}
	addQueryFlags(cmd, &params)
	return cmd
}

func (a *app) selectCmd() *cobra.Command {
	var params queryParams
	var backend string
	cmd := &cobra.Command{
		Use:   "select <table>",
		Short: "Print records of a table from the configured backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := params.query()
			if err != nil {
				return err
			}
			b := a.config.StoreBackend()
			if backend != "" {
				if b, err = store.ParseBackend(backend); err != nil {
					return err
				}
			}
			f := facade.New(facade.Config{Remote: a.config.RemoteStore(), Local: a.config.LocalStore()}, facade.WithLogger(a.log))
			if err := f.Init(cmd.Context(), b); err != nil {
				return fmt.Errorf("failed to init %s store: %w", b, err)
			}
			defer f.Close()

			records, err := f.Select(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	addQueryFlags(cmd, &params)
	cmd.Flags().StringVar(&backend, "backend", "", "remote or local, overrides DB_BACKEND")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
