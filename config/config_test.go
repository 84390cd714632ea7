package config_test

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nabbar/libos-unixsock/config"
)

func TestBindFlagsDefaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()

	if err := config.BindFlags(cmd, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}

	cfg := config.Load(v)
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.ListenPath != "/libos/demo.sock" {
		t.Fatalf("expected default listen path, got %q", cfg.ListenPath)
	}
	if len(cfg.HostPaths) != 0 {
		t.Fatalf("expected no host paths by default, got %v", cfg.HostPaths)
	}
}

func TestBindFlagsOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()

	if err := config.BindFlags(cmd, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}

	if err := cmd.PersistentFlags().Set("host-path", "/host/a"); err != nil {
		t.Fatalf("Set host-path: %v", err)
	}
	if err := cmd.PersistentFlags().Set("log-level", "debug"); err != nil {
		t.Fatalf("Set log-level: %v", err)
	}

	cfg := config.Load(v)
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.LogLevel)
	}
	if len(cfg.HostPaths) != 1 || cfg.HostPaths[0] != "/host/a" {
		t.Fatalf("expected [/host/a], got %v", cfg.HostPaths)
	}
}
