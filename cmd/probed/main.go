// Command probed is the CLI surface for the measurement engine: a
// server/client pair for interactive one-shot runs and a daemon mode
// that holds a persistent session set, rolls up results to sqlite, and
// serves a status page.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"probed/internal/config"
	"probed/internal/db"
	"probed/internal/engine"
	"probed/internal/report"
	"probed/internal/scheduler"
	"probed/internal/timestamp"
	"probed/internal/web"
	"probed/internal/wire"
)

var (
	tsMode   string
	iface    string
	port     int
	interval time.Duration
	quiet    bool
	verbose  bool
	cfgPath  string
)

func main() {
	log := logrus.New()

	root := &cobra.Command{
		Use:           "probed",
		Short:         "UDP/TCP two-way network latency measurement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&tsMode, "ts-mode", "userland", "timestamp mode: userland, kernel, hardware")
	root.PersistentFlags().StringVar(&iface, "iface", "", "interface for hardware timestamp mode")
	root.PersistentFlags().IntVar(&port, "port", 60666, "UDP and TCP port")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress per-probe output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "run a passive responder, answering PINGs and relaying TimeReports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(log)
		},
	}

	clientCmd := &cobra.Command{
		Use:   "client <peer-addr>",
		Short: "run an interactive probe session against one peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(log, args[0])
		},
	}
	clientCmd.Flags().DurationVar(&interval, "interval", time.Second, "probe interval")

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "run a persistent multi-session measurement daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(log)
		},
	}
	daemonCmd.Flags().StringVar(&cfgPath, "config", "", "daemon YAML config file path")

	root.AddCommand(serverCmd, clientCmd, daemonCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "probed: %v\n", err)
		os.Exit(1)
	}
}

func configureLog(log *logrus.Logger) {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else if quiet {
		log.SetLevel(logrus.WarnLevel)
	}
}

func tsModeOf(log *logrus.Logger) timestamp.Mode {
	mode, err := timestamp.ParseMode(tsMode)
	if err != nil {
		log.Fatalf("invalid --ts-mode %q: %v", tsMode, err)
	}
	return mode
}

// runServer holds no session table of its own: it only answers PINGs
// addressed to it and relays TimeReports to any attached sidechannel.
// It runs until interrupted.
func runServer(log *logrus.Logger) error {
	configureLog(log)
	mode := tsModeOf(log)

	eng, err := engine.New(engine.Config{
		Port:          port,
		TimestampMode: mode,
		Iface:         iface,
	}, report.MultiSink{})
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("probed server listening on :%d (ts-mode=%s)", port, mode)
	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// runClient drives one interactive MeasurementSession against peerAddr
// and prints a summary on exit.
func runClient(log *logrus.Logger, peerAddr string) error {
	configureLog(log)
	mode := tsModeOf(log)

	dst, err := resolveUDPAddr(peerAddr, port)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", peerAddr, err)
	}

	var out io.Writer = os.Stdout
	if quiet {
		out = io.Discard
	}
	sink := report.NewInteractiveSink(out)

	eng, err := engine.New(engine.Config{
		Port:          port,
		TimestampMode: mode,
		Iface:         iface,
	}, sink)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.AddSession(ctx, wire.ProbeId(1), dst, interval, 0)

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	sink.Summary().Fprint(os.Stdout)
	return nil
}

// runDaemon loads a YAML session set, wires a persistent store, rollup
// manager, retention manager, and status page, and runs until
// interrupted. The YAML session list is reconciled into the store
// before the scheduler activates everything, so a session added at
// runtime through the status API is never dropped by startup.
func runDaemon(log *logrus.Logger) error {
	configureLog(log)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	mode, err := timestamp.ParseMode(cfg.TsMode)
	if err != nil {
		return fmt.Errorf("config: ts_mode: %w", err)
	}

	store, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening db %s: %w", cfg.DBPath, err)
	}
	defer store.Close()

	rollupMgr := scheduler.NewRollupManager(store, 30*time.Second)
	rollupMgr.Start()
	defer rollupMgr.Stop()

	rollupStore := scheduler.NewRollupStore(rollupMgr)

	retentionMgr := scheduler.NewRetentionManager(store, 7*24*time.Hour)
	retentionMgr.Start()
	defer retentionMgr.Stop()

	sink := report.MultiSink{report.NewStoreSink(rollupStore, func(err error) {
		log.WithError(err).Warn("failed to persist probe result")
	})}

	if cfg.PipePath != "" {
		log.Infof("opening output pipe %s, waiting for a reader to attach", cfg.PipePath)
		pipe, err := os.OpenFile(cfg.PipePath, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("opening pipe %s: %w", cfg.PipePath, err)
		}
		defer pipe.Close()
		sink = append(sink, report.NewPipeSink(pipe))
	}

	eng, err := engine.New(engine.Config{
		Port:          cfg.Port,
		TimestampMode: mode,
		Iface:         cfg.Iface,
	}, sink)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer eng.Close()

	sched := scheduler.New(store, eng, rollupStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := sched.ReconcileStatic(specs); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// SIGHUP re-reads the config file and atomically replaces the live
	// session set. A malformed file leaves the previous configuration in
	// force.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			newCfg, err := config.Load(cfgPath)
			if err != nil {
				log.WithError(err).Warn("config reload failed, keeping previous configuration")
				continue
			}
			newSpecs, err := newCfg.Resolve()
			if err != nil {
				log.WithError(err).Warn("config reload failed, keeping previous configuration")
				continue
			}
			if err := sched.ReconcileStatic(newSpecs); err != nil {
				log.WithError(err).Warn("config reload reconcile failed")
				continue
			}
			if err := sched.Reload(ctx); err != nil {
				log.WithError(err).Warn("session reload failed")
				continue
			}
			log.Info("configuration reloaded")
		}
	}()

	srv := web.New(cfg, store, sched)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("status server stopped")
		}
	}()

	log.Infof("probed daemon listening on :%d, status on :%d", cfg.Port, cfg.HTTPPort)
	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// resolveUDPAddr resolves addr, appending defaultPort if addr has no
// port of its own (the "client 10.0.0.1" shorthand, as opposed to
// "client 10.0.0.1:60666").
func resolveUDPAddr(addr string, defaultPort int) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(defaultPort))
	}
	return net.ResolveUDPAddr("udp", addr)
}
