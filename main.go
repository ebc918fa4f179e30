package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yihanhsi-cmu-S25/load-generator/internal/config"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/loadgen"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/log"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/middleware"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/server"
	"github.com/yihanhsi-cmu-S25/load-generator/internal/statx"
)

type options struct {
	port            int
	bind            string
	configFile      string
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration
}

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load-generator",
		Short: "Simple HTTP Load Generator.",
		Long: `Serves GET requests and, after answering, burns CPU, holds memory and sleeps
as asked by the cpu_load_seconds, memory_load_mb and delay_seconds query parameters.
CPU_LOAD_SECONDS, MEMORY_LOAD_MB and DELAY_SECONDS provide the defaults.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.port, "port", config.DefaultPort, "Port to listen on.")
	flags.StringVar(&opts.bind, "bind", config.DefaultBindAddress, "Address to bind to.")
	flags.StringVar(&opts.configFile, "config", "", "Optional YAML config file.")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error).")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format (text, json).")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", config.DefaultShutdownTimeout, "Time allowed for in-flight requests on shutdown.")

	return cmd
}

// configOptions returns overrides for the flags the user actually set, so an
// unset flag does not mask the config file.
func configOptions(cmd *cobra.Command, opts *options) []config.Option {
	var out []config.Option
	flags := cmd.Flags()
	if flags.Changed("port") {
		out = append(out, config.WithPort(opts.port))
	}
	if flags.Changed("bind") {
		out = append(out, config.WithBindAddress(opts.bind))
	}
	if flags.Changed("shutdown-timeout") {
		out = append(out, config.WithShutdownTimeout(opts.shutdownTimeout))
	}
	return out
}

func run(cmd *cobra.Command, opts *options) error {
	if err := log.Setup(os.Stderr, opts.logLevel, opts.logFormat); err != nil {
		return err
	}

	cfg, err := config.Load(opts.configFile, os.LookupEnv, configOptions(cmd, opts)...)
	if err != nil {
		return err
	}

	entry := log.L.WithField("gomaxprocs", runtime.GOMAXPROCS(0))
	if host, err := statx.HostInfo(); err != nil {
		entry.WithError(err).Warn("could not read host info")
	} else {
		entry = entry.WithFields(logrus.Fields{
			"logical_cores":  host.LogicalCores,
			"physical_cores": host.PhysicalCores,
			"total_mem_mb":   log.MB(host.TotalMemory),
			"avail_mem_mb":   log.MB(host.AvailMemory),
		})
	}
	entry.WithFields(logrus.Fields{
		"cpu_load_seconds": cfg.Defaults.CPULoadSeconds,
		"memory_load_mb":   cfg.Defaults.MemoryLoadMB,
		"delay_seconds":    cfg.Defaults.DelaySeconds,
	}).Info("load defaults")

	var engineOpts []loadgen.Option
	if probe, err := statx.NewProcProbe(); err != nil {
		log.L.WithError(err).Warn("process probe unavailable, memory guard disabled")
	} else {
		engineOpts = append(engineOpts, loadgen.WithProbe(probe))
	}

	tracker := &middleware.Tracker{}
	srv := server.New(cfg,
		server.WithEngine(loadgen.NewEngine(engineOpts...)),
		server.WithLogger(log.L),
		server.WithTracker(tracker),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.ListenAndServe(ctx)
	log.L.WithFields(logrus.Fields{
		"requests":  tracker.Total(),
		"in_flight": tracker.InFlight(),
	}).Info("server stopped")
	return err
}

func main() {
	if err := newRootCommand(&options{}).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
