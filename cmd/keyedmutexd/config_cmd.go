package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/keyedmutexd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keyedmutexd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.keyedmutexd/" + keyedmutexd.DefaultConfigFileName
	if path, err := keyedmutexd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default keyedmutexd configuration file",
		Args:  cobra.NoArgs,
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
				path, err := keyedmutexd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
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

// configDefaults mirrors the root command flags; keys match the flag names so
// viper picks them up unchanged.
type configDefaults struct {
	Socket                    string `yaml:"socket"`
	ListenProto               string `yaml:"listen-proto"`
	MaxConn                   int    `yaml:"maxconn"`
	Force                     bool   `yaml:"force"`
	IdleWake                  string `yaml:"idle-wake"`
	WriteTimeout              string `yaml:"write-timeout"`
	WatchSocket               bool   `yaml:"watch-socket"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	LogLevel                  string `yaml:"log-level"`
	LogFile                   string `yaml:"log-file"`
	LogMaxSize                int    `yaml:"log-max-size"`
	LogMaxBackups             int    `yaml:"log-max-backups"`
	LogMaxAge                 int    `yaml:"log-max-age"`
	LogCompress               bool   `yaml:"log-compress"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Socket:                    keyedmutexd.DefaultListen,
		MaxConn:                   keyedmutexd.DefaultMaxConns,
		IdleWake:                  keyedmutexd.DefaultIdleWake.String(),
		WriteTimeout:              keyedmutexd.DefaultWriteTimeout.String(),
		WatchSocket:               true,
		MetricsListen:             keyedmutexd.DefaultMetricsListen,
		PprofListen:               keyedmutexd.DefaultPprofListen,
		ConnguardFailureThreshold: keyedmutexd.DefaultConnguardFailureThreshold,
		ConnguardFailureWindow:    keyedmutexd.DefaultConnguardFailureWindow.String(),
		ConnguardBlockDuration:    keyedmutexd.DefaultConnguardBlockDuration.String(),
		LogLevel:                  "info",
		LogMaxSize:                100,
		LogMaxBackups:             3,
		LogMaxAge:                 28,
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
