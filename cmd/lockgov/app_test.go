package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/lockgov"
	"pkt.systems/pslog"
)

func newTestRootCommand(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("LOCKGOV_CONFIG_DIR", t.TempDir())
	return newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag with value", args: []string{"--listen", ":1"}, want: true},
		{name: "root flag inline value", args: []string{"--listen=:1"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag", args: []string{"--enable-http-tracing"}, want: true},
		{name: "subcommand", args: []string{"client", "status"}, want: false},
		{name: "subcommand alias", args: []string{"c", "status"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "separator", args: []string{"--", "client"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigDefaults(t *testing.T) {
	newTestRootCommand(t)
	var cfg lockgov.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.Listen != lockgov.DefaultListen || cfg.TrustMode != lockgov.DefaultTrustMode {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.JSONMaxBytes != lockgov.DefaultJSONMaxBytes {
		t.Fatalf("json-max default must round trip, got %d", cfg.JSONMaxBytes)
	}
	if !cfg.DrainGraceSet || cfg.DrainGrace != lockgov.DefaultDrainGrace {
		t.Fatalf("unexpected drain grace: %s set=%v", cfg.DrainGrace, cfg.DrainGraceSet)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bound defaults must validate: %v", err)
	}
}

func TestBindConfigFromEnv(t *testing.T) {
	newTestRootCommand(t)
	t.Setenv("LOCKGOV_TRUST_MODE", "fixed")
	t.Setenv("LOCKGOV_TRUST_LEVEL", "0.4")
	t.Setenv("LOCKGOV_SESSION_MAX_AGE", "90s")
	t.Setenv("LOCKGOV_JSON_MAX", "64KiB")
	t.Setenv("LOCKGOV_DRAIN_GRACE", "0s")
	var cfg lockgov.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.TrustMode != "fixed" || cfg.TrustLevel != 0.4 {
		t.Fatalf("unexpected trust config: %q %v", cfg.TrustMode, cfg.TrustLevel)
	}
	if cfg.DefaultSessionMaxAge != 90*time.Second {
		t.Fatalf("unexpected session max age %s", cfg.DefaultSessionMaxAge)
	}
	if cfg.JSONMaxBytes != 64<<10 {
		t.Fatalf("unexpected json max %d", cfg.JSONMaxBytes)
	}
	if cfg.DrainGrace != 0 || !cfg.DrainGraceSet {
		t.Fatalf("expected explicit zero drain grace, got %s", cfg.DrainGrace)
	}
}

func TestBindConfigRejectsBadJSONMax(t *testing.T) {
	newTestRootCommand(t)
	t.Setenv("LOCKGOV_JSON_MAX", "lots")
	var cfg lockgov.Config
	if err := bindConfig(&cfg); err == nil {
		t.Fatalf("expected json-max parse error")
	}
}

func TestLoadConfigFileFromFlag(t *testing.T) {
	newTestRootCommand(t)
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Listen = "127.0.0.1:19441"
		d.TrustMode = lockgov.TrustModeFixed
		d.TrustLevel = 0.75
	})
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	path := filepath.Join(t.TempDir(), "lockgov.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	viper.Set("config", path)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != path {
		t.Fatalf("expected %s loaded, got %q", path, loaded)
	}
	var cfg lockgov.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.Listen != "127.0.0.1:19441" || cfg.TrustMode != lockgov.TrustModeFixed || cfg.TrustLevel != 0.75 {
		t.Fatalf("config file values not applied: %+v", cfg)
	}
}

func TestLoadConfigFileMissingExplicitPath(t *testing.T) {
	newTestRootCommand(t)
	viper.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestLoadConfigFileOptionalDefault(t *testing.T) {
	newTestRootCommand(t)
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != "" {
		t.Fatalf("expected no config in empty config dir, got %q", loaded)
	}
}

func TestExpandPathHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/cfg.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Fatalf("unexpected expansion %q", got)
	}
}
