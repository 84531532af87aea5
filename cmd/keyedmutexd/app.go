package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"pkt.systems/keyedmutexd"
	"pkt.systems/keyedmutexd/internal/svcfields"
	"pkt.systems/keyedmutexd/internal/version"
	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

func newBaseLogger(w io.Writer) pslog.Logger {
	return pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("KEYEDMUTEXD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	).With("app", "keyedmutexd")
}

func submain(ctx context.Context) int {
	baseLogger := newBaseLogger(os.Stderr)
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return exitErr.ExitCode()
		}
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather than
// a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
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
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := keyedmutexd.DefaultConfigPath(); err == nil {
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
	var cfg keyedmutexd.Config

	cmd := &cobra.Command{
		Use:           "keyedmutexd",
		Short:         "keyedmutexd grants exclusive ownership of 16-byte keys to socket clients",
		Version:       version.Current(),
		SilenceErrors: true,
		Example: `
  # UNIX socket at the default path, 32 connection slots
  keyedmutexd

  # Replace a stale socket and allow 256 concurrent clients
  keyedmutexd -s /run/keyedmutexd.sock -m 256 --force

  # TCP on all interfaces, port 4200, with a Prometheus endpoint
  keyedmutexd -s 4200 --metrics-listen 127.0.0.1:9464

  # Run a command while holding the lock named "deploy"
  keyedmutexd client exec --key deploy -- ./deploy.sh
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}

			if logFile := strings.TrimSpace(viper.GetString("log-file")); logFile != "" {
				rotator := &lumberjack.Logger{
					Filename:   logFile,
					MaxSize:    viper.GetInt("log-max-size"),
					MaxBackups: viper.GetInt("log-max-backups"),
					MaxAge:     viper.GetInt("log-max-age"),
					Compress:   viper.GetBool("log-compress"),
				}
				defer rotator.Close()
				logger = newBaseLogger(rotator)
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, svcfields.ServerLifecycle).WithLogLevel().Info(
				"welcome to keyedmutexd",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := keyedmutexd.NewServer(cfg, keyedmutexd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.keyedmutexd/"+keyedmutexd.DefaultConfigFileName+")")
	persistentFlags.StringP("socket", "s", keyedmutexd.DefaultListen, "UNIX socket path, or a TCP port number to listen on all interfaces")

	flags := cmd.Flags()
	flags.String("listen-proto", "", "listen network (unix, tcp); derived from --socket when empty")
	flags.IntP("maxconn", "m", keyedmutexd.DefaultMaxConns, "maximum concurrent connections")
	flags.BoolP("force", "f", false, "remove an existing file at the socket path before binding")
	flags.Duration("idle-wake", keyedmutexd.DefaultIdleWake, "interval between idle heartbeats")
	flags.Duration("write-timeout", keyedmutexd.DefaultWriteTimeout, "deadline for writing a reply marker to a client")
	flags.Bool("watch-socket", true, "warn when the socket path is removed or replaced while serving")
	flags.String("metrics-listen", keyedmutexd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", keyedmutexd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("connguard-enabled", false, "block TCP remotes that repeatedly violate the protocol")
	flags.Int("connguard-failure-threshold", keyedmutexd.DefaultConnguardFailureThreshold, "protocol violations before blocking an IP")
	flags.Duration("connguard-failure-window", keyedmutexd.DefaultConnguardFailureWindow, "window used to count protocol violations")
	flags.Duration("connguard-block-duration", keyedmutexd.DefaultConnguardBlockDuration, "time to refuse an IP after reaching the threshold")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-file", "", "write logs to this file with size-based rotation instead of stderr")
	flags.Int("log-max-size", 100, "megabytes before the log file is rotated")
	flags.Int("log-max-backups", 3, "rotated log files to keep (0 keeps all)")
	flags.Int("log-max-age", 28, "days to keep rotated log files (0 keeps all)")
	flags.Bool("log-compress", false, "gzip rotated log files")

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

	viper.SetEnvPrefix("KEYEDMUTEXD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "socket", "listen-proto", "maxconn", "force",
		"idle-wake", "write-timeout", "watch-socket",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
		"log-level", "log-file", "log-max-size", "log-max-backups", "log-max-age", "log-compress",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand(svcfields.WithSubsystem(baseLogger, "cli.client")))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *keyedmutexd.Config) error {
	cfg.Listen = viper.GetString("socket")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MaxConns = viper.GetInt("maxconn")
	if cfg.MaxConns <= 0 {
		return fmt.Errorf("--maxconn must be a positive integer, got %d", cfg.MaxConns)
	}
	cfg.Force = viper.GetBool("force")
	cfg.IdleWake = viper.GetDuration("idle-wake")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.WatchSocket = viper.GetBool("watch-socket")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
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
