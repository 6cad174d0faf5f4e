package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lockgov"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage lockgov configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.lockgov/" + lockgov.DefaultConfigFileName
	if dir, err := lockgov.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, lockgov.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default lockgov configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := lockgov.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, lockgov.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the generated file as-is.
type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	ListenProto            string  `yaml:"listen-proto"`
	Host                   string  `yaml:"host"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	EnableHTTPTracing      bool    `yaml:"enable-http-tracing"`
	JSONMax                string  `yaml:"json-max"`
	SessionMaxAge          string  `yaml:"session-max-age"`
	MaxSessionMaxAge       string  `yaml:"max-session-max-age"`
	SweeperInterval        string  `yaml:"sweeper-interval"`
	TrustMode              string  `yaml:"trust-mode"`
	TrustLevel             float64 `yaml:"trust-level"`
	TrustTTL               string  `yaml:"trust-ttl"`
	DrainGrace             string  `yaml:"drain-grace"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:           lockgov.DefaultListen,
		ListenProto:      lockgov.DefaultListenProto,
		MetricsListen:    lockgov.DefaultMetricsListen,
		PprofListen:      lockgov.DefaultPprofListen,
		JSONMax:          humanizeBytes(lockgov.DefaultJSONMaxBytes),
		SessionMaxAge:    lockgov.DefaultSessionMaxAge.String(),
		MaxSessionMaxAge: lockgov.DefaultMaxSessionMaxAge.String(),
		SweeperInterval:  lockgov.DefaultSweeperInterval.String(),
		TrustMode:        lockgov.DefaultTrustMode,
		TrustLevel:       1,
		TrustTTL:         lockgov.DefaultTrustTTL.String(),
		DrainGrace:       lockgov.DefaultDrainGrace.String(),
		ShutdownTimeout:  lockgov.DefaultShutdownTimeout.String(),
		LogLevel:         "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
