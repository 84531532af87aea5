package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/keyedmutexd/api"
	"pkt.systems/keyedmutexd/client"
	"pkt.systems/pslog"
)

const (
	envKey    = "KEYEDMUTEXD_KEY"
	envKeyHex = "KEYEDMUTEXD_KEY_HEX"

	// childStopGrace is how long exec waits after SIGTERM before killing a
	// child whose key was lost.
	childStopGrace = 5 * time.Second
)

type clientCLIConfig struct {
	logger pslog.Logger
	key    string
	wait   time.Duration
}

func newClientCommand(logger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{logger: logger}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Hold a key on a running keyedmutexd server",
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&cfg.key, "key", "k", "", "lock name, 32 hex characters or a UUID (defaults to $"+envKey+")")
	flags.DurationVar(&cfg.wait, "wait", 0, "give up if the key is not owned within this duration (0 waits forever)")

	cmd.AddCommand(
		newClientExecCommand(cfg),
		newClientHoldCommand(cfg),
	)
	return cmd
}

func (c *clientCLIConfig) resolveKey() (api.Key, string, error) {
	name := strings.TrimSpace(c.key)
	if name == "" {
		name = strings.TrimSpace(os.Getenv(envKey))
	}
	if name == "" {
		return api.Key{}, "", fmt.Errorf("key required (specify --key/-k or export %s)", envKey)
	}
	return api.ResolveKey(name), name, nil
}

// acquire dials the server named by --socket and blocks until key is owned.
func (c *clientCLIConfig) acquire(ctx context.Context) (*client.Client, api.Key, string, error) {
	key, name, err := c.resolveKey()
	if err != nil {
		return nil, api.Key{}, "", err
	}
	addr := viper.GetString("socket")
	cli, err := client.Dial(ctx, addr, client.WithLogger(c.logger))
	if err != nil {
		return nil, api.Key{}, "", err
	}
	acquireCtx := ctx
	if c.wait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, c.wait)
		defer cancel()
	}
	started := time.Now()
	if err := cli.Acquire(acquireCtx, key); err != nil {
		_ = cli.Close()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, api.Key{}, "", fmt.Errorf("key %q not owned within %s", name, c.wait)
		}
		return nil, api.Key{}, "", err
	}
	c.logger.Info("owner", "key", key.String(), "name", name, "addr", addr, "waited", time.Since(started))
	return cli, key, name, nil
}

func newClientExecCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "Run a command while owning a key",
		Example: `  # Serialise deployments across hosts sharing one keyedmutexd
  keyedmutexd -s locks.internal:4200 client exec --key deploy -- ./deploy.sh`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cli, key, name, err := cfg.acquire(ctx)
			if err != nil {
				return err
			}
			defer cli.Close()

			childCtx, cancelChild := context.WithCancel(ctx)
			defer cancelChild()
			child := exec.CommandContext(childCtx, args[0], args[1:]...)
			child.Stdin = cmd.InOrStdin()
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			child.Env = append(os.Environ(), envKey+"="+name, envKeyHex+"="+key.String())
			child.Cancel = func() error { return child.Process.Signal(syscall.SIGTERM) }
			child.WaitDelay = childStopGrace

			var lostErr error
			stopWatch := make(chan struct{})
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				select {
				case err, ok := <-cli.Lost():
					if ok {
						lostErr = err
						cfg.logger.Error("key lost, stopping command", "key", key.String(), "name", name, "error", err)
						cancelChild()
					}
				case <-stopWatch:
				}
			}()
			runErr := child.Run()
			close(stopWatch)
			<-watchDone
			if lostErr != nil {
				return fmt.Errorf("key %q lost while %s was running: %w", name, args[0], lostErr)
			}

			if err := cli.Release(); err != nil && !errors.Is(err, client.ErrClosed) {
				cfg.logger.Warn("release failed", "key", key.String(), "error", err)
			} else {
				cfg.logger.Info("release", "key", key.String(), "name", name)
			}
			return runErr
		},
	}
	return cmd
}

func newClientHoldCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Own a key until interrupted",
		Example: `  # Block other holders of "maintenance" until Ctrl-C
  keyedmutexd client hold --key maintenance`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cli, key, name, err := cfg.acquire(ctx)
			if err != nil {
				return err
			}
			defer cli.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "owner %s %s\n", name, key.String())
			select {
			case <-ctx.Done():
			case err := <-cli.Lost():
				return fmt.Errorf("key %q lost: %w", name, err)
			}
			if err := cli.Release(); err != nil && !errors.Is(err, client.ErrClosed) {
				return err
			}
			cfg.logger.Info("release", "key", key.String(), "name", name)
			return nil
		},
	}
	return cmd
}
