package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/client"
	"github.com/ZentaChain/zentalk-sync/pkg/config"
	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
	"github.com/ZentaChain/zentalk-sync/pkg/logging"
)

const passphraseEnv = config.EnvPrefix + "_PASSPHRASE"

var (
	configPath string
	identityID string
	passphrase string

	cfg    *config.Config
	logger *zap.Logger
)

// Execute runs the root command. Called once by main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "zentalk-sync",
	Short:         "Terminal client for end-to-end encrypted conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogFormat)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVarP(&identityID, "identity", "i", "", "Identity to act as")
	flags.StringVar(&passphrase, "passphrase", os.Getenv(passphraseEnv),
		"Keystore passphrase (default $"+passphraseEnv+")")

	flags.String(config.KeyBackendURL, "", "Backend base URL")
	flags.String(config.KeyAPIKey, "", "Backend API key")
	flags.String(config.KeyAccountID, "", "Account id")
	flags.String(config.KeyUserID, "", "User id")
	flags.String(config.KeyKeystoreDir, "./keys", "Directory holding encrypted identity keys")
	flags.Duration(config.KeyKeepaliveInterval, 30*time.Second, "Websocket keepalive interval")
	flags.Duration(config.KeyReconnectDelay, 3*time.Second, "Delay before reconnecting")
	flags.String(config.KeyLogLevel, "info", "Log level")
	flags.String(config.KeyLogFormat, "console", "Log format: console or json")
}

// session is an engine with an active identity.
type session struct {
	engine *client.Engine
	keys   *crypto.Keystore
}

// openSession builds the engine and, when requireIdentity is set, selects
// the --identity flag. Unlock prompts are answered with the passphrase.
func openSession(ctx context.Context, requireIdentity bool) (*session, error) {
	engine, keys, err := client.FromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	go answerUnlocks(ctx, engine)

	if requireIdentity {
		if identityID == "" {
			engine.Close()
			return nil, fmt.Errorf("--identity is required")
		}
		if err := engine.SelectIdentity(ctx, identityID); err != nil {
			engine.Close()
			return nil, err
		}
	}
	return &session{engine: engine, keys: keys}, nil
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		logger.Debug("close engine", zap.Error(err))
	}
}

func answerUnlocks(ctx context.Context, engine *client.Engine) {
	for {
		select {
		case req, ok := <-engine.Unlocks():
			if !ok {
				return
			}
			if passphrase == "" {
				req.Reject(fmt.Errorf("no passphrase; set --passphrase or %s", passphraseEnv))
				continue
			}
			if err := req.Resolve(ctx, passphrase); err != nil {
				req.Reject(err)
			}
		case <-ctx.Done():
			return
		}
	}
}
