// Package config loads process configuration for the unix socket daemon:
// the host_paths list (HostPathPolicy's source of truth) plus logging and
// runtime knobs, via spf13/viper bound to spf13/cobra flags, in the style
// the teacher's config components use for CLI-plus-env-plus-file binding.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	keyHostPaths = "host_paths"
	keyLogLevel  = "log_level"
	keyListen    = "listen_path"

	envPrefix = "UNIXSOCKD"
)

// Config is the parsed daemon configuration.
type Config struct {
	// HostPaths are the Unix paths declared as host-side; empty means pure
	// in-enclave mode.
	HostPaths []string
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string
	// ListenPath is the path the demo daemon binds and listens on.
	ListenPath string
}

// BindFlags registers the daemon's flags on cmd and binds them into v,
// following spf13/viper's BindPFlag convention with an env-prefixed
// override on top, matching the pattern the teacher's config/components
// layer uses for CLI-plus-env binding.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()
	flags.StringSlice("host-path", nil, "Unix path declared as host-side (repeatable)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("listen-path", "/libos/demo.sock", "path the demo daemon listens on")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlag(keyHostPaths, flags.Lookup("host-path")); err != nil {
		return fmt.Errorf("bind host-path flag: %w", err)
	}
	if err := v.BindPFlag(keyLogLevel, flags.Lookup("log-level")); err != nil {
		return fmt.Errorf("bind log-level flag: %w", err)
	}
	if err := v.BindPFlag(keyListen, flags.Lookup("listen-path")); err != nil {
		return fmt.Errorf("bind listen-path flag: %w", err)
	}
	return nil
}

// Load reads the bound values out of v into a Config.
func Load(v *viper.Viper) Config {
	return Config{
		HostPaths:  v.GetStringSlice(keyHostPaths),
		LogLevel:   v.GetString(keyLogLevel),
		ListenPath: v.GetString(keyListen),
	}
}
