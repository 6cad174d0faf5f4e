package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lockgov"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LOCKGOV_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "lockgov")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if eq := strings.IndexByte(name, '='); eq >= 0 {
				return nil
			}
			if f := root.Flags().Lookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(name)
		}
		sh := strings.TrimPrefix(arg, "-")
		if len(sh) != 1 {
			return nil
		}
		if f := root.Flags().ShorthandLookup(sh); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "-") {
			if f := lookup(arg); f != nil && f.NoOptDefVal == "" {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := lockgov.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, lockgov.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lockgov",
		Short:         "lockgov is a zone governor evaluating pessimistic lock transactions",
		SilenceErrors: true,
		Example: `
  # Serve on the default port, reporting host CPU and memory pressure as trust
  lockgov

  # Fixed trust level, Prometheus metrics and OTLP traces
  lockgov --trust-mode fixed --trust-level 0.9 --metrics-listen :9464 --otlp-endpoint grpc://otel:4317

  # Same, from the environment
  LOCKGOV_TRUST_MODE=fixed LOCKGOV_TRUST_LEVEL=0.9 LOCKGOV_METRICS_LISTEN=:9464 lockgov
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to lockgov",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg lockgov.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, "cli.root")
			}

			server, err := lockgov.NewServer(cfg, lockgov.WithLogger(logger))
			if err != nil {
				return err
			}
			cfg = server.Config()
			cliLogger.Info("server configured",
				"host", cfg.Host,
				"listen", cfg.Listen,
				"trust_mode", cfg.TrustMode,
				"json_max", humanizeBytes(cfg.JSONMaxBytes),
				"session_max_age", cfg.DefaultSessionMaxAge,
			)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.lockgov/"+lockgov.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", lockgov.DefaultListen, "listen address")
	flags.String("listen-proto", lockgov.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("host", "", "host name reported in transaction results (defaults to the machine host name)")
	flags.String("metrics-listen", lockgov.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", lockgov.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("enable-http-tracing", false, "instrument HTTP routes with spans even without an OTLP endpoint")
	flags.String("json-max", humanizeBytes(lockgov.DefaultJSONMaxBytes), "maximum JSON payload size")
	flags.Duration("session-max-age", lockgov.DefaultSessionMaxAge, "idle time after which a session without its own max age expires")
	flags.Duration("max-session-max-age", lockgov.DefaultMaxSessionMaxAge, "upper bound on the max age a client may request")
	flags.Duration("sweeper-interval", lockgov.DefaultSweeperInterval, "interval between expiry sweeps")
	flags.String("trust-mode", lockgov.DefaultTrustMode, "trust assessor (host or fixed)")
	flags.Float64("trust-level", 1, "trust level reported in fixed mode (0-1)")
	flags.Duration("trust-ttl", lockgov.DefaultTrustTTL, "cache duration for host pressure samples")
	flags.Duration("drain-grace", lockgov.DefaultDrainGrace, "grace period refusing new transactions before HTTP shutdown (set 0 to disable)")
	flags.Duration("shutdown-timeout", lockgov.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("log-level", "info", "server log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("LOCKGOV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "host", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "enable-http-tracing", "json-max",
		"session-max-age", "max-session-max-age", "sweeper-interval",
		"trust-mode", "trust-level", "trust-ttl",
		"drain-grace", "shutdown-timeout", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *lockgov.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Host = viper.GetString("host")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.EnableHTTPTracing = viper.GetBool("enable-http-tracing")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.DefaultSessionMaxAge = viper.GetDuration("session-max-age")
	cfg.MaxSessionMaxAge = viper.GetDuration("max-session-max-age")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.TrustMode = viper.GetString("trust-mode")
	cfg.TrustLevel = viper.GetFloat64("trust-level")
	cfg.TrustTTL = viper.GetDuration("trust-ttl")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.DrainGraceSet = true
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
