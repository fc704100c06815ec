// Package main is the cephmount demo binary: it wires a client.Client to a
// concrete Messenger/Filer pair and drives Mount/Unmount, mirroring the
// flag-parse-then-wire shape of gcsfuse's cmd/root.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nicescale/ceph/client"
	"github.com/nicescale/ceph/client/filer"
	"github.com/nicescale/ceph/client/mds"
	"github.com/nicescale/ceph/internal/logger"
)

// flagValues holds the bound command-line/config-file values. A struct
// (rather than package-level vars referenced directly by RunE) keeps
// newRootCmd's wiring testable: NewRootCmd hands a fresh instance to each
// invocation's closures instead of sharing mutable package state.
type flagValues struct {
	cfgFile string

	staleCapGrace  time.Duration
	flushTTL       time.Duration
	dirtySizeBytes int64
	writebackHz    float64
	writebackBurst int
	maxCacheSize   int
	logFormat      string
	logFile        string
}

// runFunc is the unit NewRootCmd hands off to once flags are parsed and
// config loaded. Tests supply a fake to observe the resolved client.Config
// without actually mounting.
type runFunc func(ctx context.Context, cfg client.Config, logFormat, logFile string) error

// NewRootCmd builds the cephmount command, deferring to fn once argument
// parsing and config-file loading are complete. Production wiring is
// realMount; tests pass a closure that just records the computed cfg.
func NewRootCmd(fn runFunc) *cobra.Command {
	v := &flagValues{}

	cmd := &cobra.Command{
		Use:   "cephmount",
		Short: "Mount a CephFS-style metadata cache client against an MDS cluster",
		Long: `cephmount assembles the client's cache graph, capability manager,
request pipeline, and flush coordinator behind a POSIX-like facade, and
keeps it mounted until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigFile(v, cmd.Flags()); err != nil {
				return err
			}
			return fn(cmd.Context(), configFromFlags(v), v.logFormat, v.logFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&v.cfgFile, "config-file", "", "path to a YAML config file")
	flags.DurationVar(&v.staleCapGrace, "stale-cap-grace", 60*time.Second,
		"how long a stale cap may still serve cached reads before the client stops trusting it")
	flags.DurationVar(&v.flushTTL, "flush-ttl", 5*time.Second,
		"age at which a dirty buffer becomes eligible for the background flush sweep")
	flags.Int64Var(&v.dirtySizeBytes, "dirty-size-bytes", 64<<20,
		"per-inode dirty byte threshold that forces a flush sweep")
	flags.Float64Var(&v.writebackHz, "writeback-rate", 50, "sustained writeback throttle rate, in operations/sec")
	flags.IntVar(&v.writebackBurst, "writeback-burst", 50, "writeback throttle burst size")
	flags.IntVar(&v.maxCacheSize, "max-cache-size", 10000, "soft bound on resident dentries consulted by the cache graph's TrimCache (the client does not call TrimCache itself)")
	flags.StringVar(&v.logFormat, "log-format", "text", "log output format: text or json")
	flags.StringVar(&v.logFile, "log-file", "", "path to a rotating log file; empty means log to stderr")
	_ = viper.BindPFlags(flags)

	return cmd
}

// loadConfigFile reads v.cfgFile (if set) into viper and overlays any keys
// it sets onto v — except a flag the caller passed explicitly on the
// command line, which always wins over the config file (flags.Changed).
func loadConfigFile(v *flagValues, flags *pflag.FlagSet) error {
	if v.cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(v.cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("cephmount: reading config file: %w", err)
	}

	apply := func(name string, set func()) {
		if viper.IsSet(name) && !flags.Changed(name) {
			set()
		}
	}
	apply("stale-cap-grace", func() { v.staleCapGrace = viper.GetDuration("stale-cap-grace") })
	apply("flush-ttl", func() { v.flushTTL = viper.GetDuration("flush-ttl") })
	apply("dirty-size-bytes", func() { v.dirtySizeBytes = viper.GetInt64("dirty-size-bytes") })
	apply("writeback-rate", func() { v.writebackHz = viper.GetFloat64("writeback-rate") })
	apply("writeback-burst", func() { v.writebackBurst = viper.GetInt("writeback-burst") })
	apply("max-cache-size", func() { v.maxCacheSize = viper.GetInt("max-cache-size") })
	apply("log-format", func() { v.logFormat = viper.GetString("log-format") })
	apply("log-file", func() { v.logFile = viper.GetString("log-file") })
	return nil
}

func configFromFlags(v *flagValues) client.Config {
	cfg := client.DefaultConfig()
	cfg.StaleCapGrace = v.staleCapGrace
	cfg.FlushTTL = v.flushTTL
	cfg.DirtySize = v.dirtySizeBytes
	cfg.WritebackHz = v.writebackHz
	cfg.WritebackBurst = v.writebackBurst
	cfg.MaxCacheSize = v.maxCacheSize
	return cfg
}

// realMount assembles a Client against the in-process loopback Messenger
// and in-memory Filer, mounts it, and blocks until SIGINT/SIGTERM.
func realMount(ctx context.Context, cfg client.Config, logFormat, logFile string) error {
	format := logger.FormatText
	if logFormat == "json" {
		format = logger.FormatJSON
	}

	var asyncLog *logger.AsyncLogger
	if logFile != "" {
		asyncLog = logger.InitWithFile(logger.FileOptions{Path: logFile, MaxSizeMB: 100, MaxBackups: 5, Compress: true},
			format, slog.LevelInfo, "cephmount: ")
	} else {
		logger.Init(os.Stderr, format, slog.LevelInfo, "cephmount: ")
	}

	msgr := mds.NewLoopback()
	c := client.New(cfg, msgr, filer.NewMem())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Mount(ctx); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	logger.Infof("mounted, stale-cap-grace=%s flush-ttl=%s", cfg.StaleCapGrace, cfg.FlushTTL)

	<-ctx.Done()
	logger.Infof("unmounting")
	if errno := c.Unmount(context.Background()); errno != 0 {
		return fmt.Errorf("unmount: errno %d", errno)
	}
	if asyncLog != nil {
		return asyncLog.Close()
	}
	return nil
}

func main() {
	if err := NewRootCmd(realMount).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
