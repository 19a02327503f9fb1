package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkdata/flowpipe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "flowpipe",
	Short: "Backpressure-aware streaming HTTP server",
	Long: `flowpipe serves HTTP requests as demand-driven chunk streams,
reading request bodies and writing responses only as fast as the
other side keeps up.`,
	Version:      version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server with the demo routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		mode, _ := flags.GetString("profile")
		dir, _ := flags.GetString("profile-dir")
		stopProfile, err := startProfile(mode, dir)
		if err != nil {
			return err
		}
		defer stopProfile()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	serveCmd.Flags().String("listen", "", "address to listen on")
	serveCmd.Flags().String("adapter", "", "runtime adapter: event-loop or container")
	serveCmd.Flags().String("container", "", "container runtime: net/http or fasthttp")
	serveCmd.Flags().Bool("full-duplex", false, "keep request bodies readable while responding")
	serveCmd.Flags().Bool("pprof", false, "serve /debug/pprof/ on the metrics listener")
	serveCmd.Flags().String("profile", "", "write a profile while serving: cpu, mem, block, mutex, goroutine or trace")
	serveCmd.Flags().String("profile-dir", "", "directory for the profile file (default: a temporary directory)")
	rootCmd.AddCommand(serveCmd, configCmd)
}

func loadConfig(cmd *cobra.Command) (*flowpipe.Config, error) {
	cfg, err := flowpipe.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("adapter") {
		cfg.Adapter, _ = flags.GetString("adapter")
	}
	if flags.Changed("container") {
		cfg.Container, _ = flags.GetString("container")
	}
	if flags.Changed("full-duplex") {
		cfg.Connection.FullDuplex, _ = flags.GetBool("full-duplex")
	}
	if flags.Changed("pprof") {
		cfg.Metrics.Pprof, _ = flags.GetBool("pprof")
	}
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg *flowpipe.Config) error {
	logger, err := flowpipe.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	registry := flowpipe.DefaultRegistry()
	if err = cfg.ApplyCodecs(registry); err != nil {
		return err
	}
	conn := cfg.ConnectionConfig()
	pool := flowpipe.NewChunkPool(conn.ReadChunkSize, flowpipe.DefaultMaxIdleChunks)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := flowpipe.NewMetrics(reg, pool)
	workers := flowpipe.NewWorkerPool(cfg.Workers.Size, cfg.Workers.Queue)
	defer workers.Close()

	p := flowpipe.NewPipeline(newRoutes(),
		flowpipe.WithLogger(logger),
		flowpipe.WithRegistry(registry),
		flowpipe.WithChunkPool(pool),
		flowpipe.WithWorkerPool(workers),
		flowpipe.WithMetrics(metrics),
		flowpipe.WithConnection(conn),
		flowpipe.WithNetLog(cfg.Log.NetLog),
	)
	defer p.Close()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		ms := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           newAdminHandler(reg, cfg.Metrics.Pprof),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return ignoreClosed(ms.ListenAndServe()) })
		g.Go(func() error {
			<-ctx.Done()
			return ms.Close()
		})
	}

	logger.Info("flowpipe starting", "version", version, "adapter", cfg.Adapter, "container", cfg.Container, "listen", cfg.Listen, "full_duplex", conn.FullDuplex)
	switch {
	case cfg.Adapter == flowpipe.AdapterEventLoop:
		srv := &flowpipe.EventLoopServer{
			Addr:        cfg.Listen,
			Pipeline:    p,
			AcceptRate:  cfg.Accept.Rate,
			AcceptBurst: cfg.Accept.Burst,
		}
		if err = srv.Listen(); err != nil {
			return err
		}
		logger.Info("listening", "addr", srv.Addr)
		g.Go(func() error { return ignoreClosed(srv.Serve()) })
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	case cfg.Container == flowpipe.ContainerFastHTTP:
		srv := flowpipe.NewFastHTTPServer(p)
		ln, lerr := net.Listen("tcp", cfg.Listen)
		if lerr != nil {
			return lerr
		}
		logger.Info("listening", "addr", ln.Addr().String())
		g.Go(func() error { return srv.Serve(ln) })
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown()
		})
	default:
		h := flowpipe.NewHTTPHandler(p)
		h.WebSocket = cfg.WebSocket
		hs := &http.Server{
			Addr:              cfg.Listen,
			Handler:           h,
			ReadHeaderTimeout: conn.IdleTimeout,
			MaxHeaderBytes:    conn.MaxHeadBytes,
		}
		ln, lerr := net.Listen("tcp", cfg.Listen)
		if lerr != nil {
			return lerr
		}
		logger.Info("listening", "addr", ln.Addr().String())
		g.Go(func() error { return ignoreClosed(hs.Serve(ln)) })
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	err = g.Wait()
	logger.Info("flowpipe stopped", "err", err)
	return err
}

func ignoreClosed(err error) error {
	if err == nil || err == http.ErrServerClosed || flowpipe.IsServerClosed(err) {
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
