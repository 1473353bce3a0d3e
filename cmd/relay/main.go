// Command relay runs the conversation server: REST API, websocket fan-out
// and SQLite message store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/config"
	"github.com/ZentaChain/zentalk-sync/pkg/logging"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
	"github.com/ZentaChain/zentalk-sync/pkg/server"
	"github.com/ZentaChain/zentalk-sync/pkg/storage"
)

const heartbeatInterval = 5 * time.Minute

var (
	configPath string
	enableCORS bool
	rateLimit  int
)

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "Conversation server for zentalk-sync clients",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		defer logger.Sync()

		return run(cmd.Context(), cfg, logger)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	flags.Int(config.KeyListenPort, 8080, "Port to listen on")
	flags.String(config.KeyDatabase, "./data/zentalk.db", "SQLite database path")
	flags.String(config.KeyAPIKey, "", "API key clients must present (empty accepts any)")
	flags.String(config.KeyJWTSecret, "", "Session token signing secret (empty generates one)")
	flags.Duration(config.KeyTokenTTL, time.Hour, "Session token lifetime")
	flags.String(config.KeyLogLevel, "info", "Log level")
	flags.String(config.KeyLogFormat, "console", "Log format: console or json")
	flags.BoolVar(&enableCORS, "cors", true, "Enable CORS headers")
	flags.IntVar(&rateLimit, "rate-limit", 600, "Requests per minute per client (0 disables)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	printBanner()

	if dir := filepath.Dir(cfg.Database); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := storage.NewMessageDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer db.Close()
	logger.Info("message store opened", zap.String("path", cfg.Database))

	srvCfg := server.DefaultConfig()
	srvCfg.Port = cfg.ListenPort
	srvCfg.EnableCORS = enableCORS
	srvCfg.RateLimit = rateLimit
	srvCfg.JWTSecret = cfg.JWTSecret
	srvCfg.TokenTTL = cfg.TokenTTL
	if cfg.APIKey != "" {
		srvCfg.APIKeys = []string{cfg.APIKey}
	} else {
		logger.Warn("no api key configured, accepting any client")
	}

	srv, err := server.NewServer(db, srvCfg, logger)
	if err != nil {
		return err
	}
	srv.Hub().OnMessageRelayed = func(msg *protocol.Message) {
		logger.Debug("message relayed",
			zap.String("conversation", msg.ConversationID), zap.String("message", msg.ID))
	}

	printStatus(cfg)
	go heartbeat(ctx, srv, logger)

	err = srv.Start(ctx)
	logger.Info("relay server stopped")
	return err
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║          Zentalk Conversation Server             ║")
	fmt.Println("║        End-to-end encrypted conversations        ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(cfg *config.Config) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   REST:      http://localhost:%d%s\n", cfg.ListenPort, "/api/v1")
	fmt.Printf("   Websocket: ws://localhost:%d/ws/<conversation>\n", cfg.ListenPort)
	fmt.Printf("   Database:  %s\n", cfg.Database)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func heartbeat(ctx context.Context, srv *server.Server, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := srv.Hub().Stats()
			logger.Info("heartbeat",
				zap.Int("conversations", stats.Conversations),
				zap.Int("peers", stats.Peers),
				zap.Uint64("messages_relayed", stats.MessagesRelayed))
		case <-ctx.Done():
			return
		}
	}
}
